// Package matching parses matching service flags and launches the service.
package matching

import (
	"context"
	"flag"

	entrypoint "github.com/citymate/citymate/internal/platform/cmd"
	server "github.com/citymate/citymate/internal/services/matching/app"
)

// Config holds matching command configuration.
type Config struct {
	HTTPPort   int `env:"CITYMATE_HTTP_PORT" envDefault:"8080"`
	HealthPort int `env:"CITYMATE_HEALTH_PORT" envDefault:"8081"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The matching HTTP server port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The matching gRPC health server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the matching HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMatching, func(context.Context) error {
		return server.Run(ctx, cfg.HTTPPort, cfg.HealthPort)
	})
}

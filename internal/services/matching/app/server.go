// Package server wires the matching runtime: HTTP API, health endpoint,
// storage, and the email dispatcher lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/citymate/citymate/internal/platform/config"
	"github.com/citymate/citymate/internal/platform/timeouts"
	"github.com/citymate/citymate/internal/services/matching/api"
	"github.com/citymate/citymate/internal/services/matching/domain"
	"github.com/citymate/citymate/internal/services/matching/notify"
	matchingsqlite "github.com/citymate/citymate/internal/services/matching/storage/sqlite"
)

type serverEnv struct {
	DBPath            string        `env:"CITYMATE_DB_PATH"`
	TokenSecret       string        `env:"CITYMATE_MATCH_TOKEN_SECRET"`
	ActionTokenTTL    time.Duration `env:"CITYMATE_ACTION_TOKEN_TTL"`
	ViewTokenTTL      time.Duration `env:"CITYMATE_VIEW_TOKEN_TTL"`
	LinkBaseURL       string        `env:"CITYMATE_LINK_BASE_URL"`
	EmailPollInterval time.Duration `env:"CITYMATE_EMAIL_POLL_INTERVAL"`
	EmailMaxAttempts  int           `env:"CITYMATE_EMAIL_MAX_ATTEMPTS"`
	EmailRetryBackoff time.Duration `env:"CITYMATE_EMAIL_RETRY_BACKOFF"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "matching.db")
	}
	if strings.TrimSpace(cfg.LinkBaseURL) == "" {
		cfg.LinkBaseURL = "http://localhost:8080"
	}
	return cfg
}

// Server hosts the matching HTTP API, the gRPC health endpoint, and the
// background email dispatcher.
type Server struct {
	httpListener   net.Listener
	httpServer     *http.Server
	healthListener net.Listener
	grpcServer     *grpc.Server
	health         *health.Server
	store          *matchingsqlite.Store
	dispatcher     *notify.Dispatcher
}

// New creates a configured matching server listening on the provided ports.
func New(httpPort, healthPort int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", httpPort), fmt.Sprintf(":%d", healthPort))
}

// NewWithAddr creates a configured matching server for the provided
// addresses.
func NewWithAddr(httpAddr, healthAddr string) (*Server, error) {
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	healthListener, err := net.Listen("tcp", healthAddr)
	if err != nil {
		_ = httpListener.Close()
		return nil, fmt.Errorf("listen on %s: %w", healthAddr, err)
	}

	env := loadServerEnv()
	store, err := openMatchingStore(env.DBPath)
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		return nil, err
	}

	codec, err := domain.NewCodec(env.TokenSecret, nil)
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure token codec: %w", err)
	}
	grants, err := api.LoadGrantConfigFromEnv(nil)
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure service grants: %w", err)
	}

	outbox, err := notify.NewOutbox(notify.OutboxConfig{
		Store:       store,
		Codec:       codec,
		LinkBaseURL: env.LinkBaseURL,
		ActionTTL:   env.ActionTokenTTL,
		ViewTTL:     env.ViewTokenTTL,
	})
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure outbox: %w", err)
	}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Store:       store,
		Sender:      notify.LogSender{},
		Interval:    env.EmailPollInterval,
		BaseBackoff: env.EmailRetryBackoff,
		MaxAttempts: env.EmailMaxAttempts,
	})
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure dispatcher: %w", err)
	}

	adapter := newStoreAdapter(store, store)
	handler, err := api.New(api.Config{
		Arbiter: domain.NewArbiter(adapter, outbox, nil, nil),
		Scorer:  domain.NewScorer(adapter, nil, nil),
		Codec:   codec,
		Grants:  grants,
	})
	if err != nil {
		_ = httpListener.Close()
		_ = healthListener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure API handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Routes())

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("citymate.matching", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		healthListener: healthListener,
		grpcServer:     grpcServer,
		health:         healthServer,
		store:          store,
		dispatcher:     dispatcher,
	}, nil
}

// Addr returns the HTTP listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HealthAddr returns the health listener address for the server.
func (s *Server) HealthAddr() string {
	if s == nil || s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Run creates and serves a matching server until context cancellation.
func Run(ctx context.Context, httpPort, healthPort int) error {
	server, err := New(httpPort, healthPort)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP and health servers plus the email dispatcher, and
// blocks until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("matching server listening at %v (health at %v)", s.httpListener.Addr(), s.healthListener.Addr())

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	go s.dispatcher.Run(dispatchCtx)

	serveErr := make(chan error, 2)
	go func() {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	go func() {
		err := s.grpcServer.Serve(s.healthListener)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-serveErr
		<-serveErr
		return nil
	case err := <-serveErr:
		s.shutdown()
		<-serveErr
		if err != nil {
			return fmt.Errorf("serve matching: %w", err)
		}
		return nil
	}
}

// shutdown drains in-flight requests within the shutdown budget.
func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown matching HTTP server: %v", err)
		_ = s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
}

// Close releases matching server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.healthListener != nil {
		_ = s.healthListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close matching store: %v", err)
		}
	}
}

func openMatchingStore(path string) (*matchingsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := matchingsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open matching sqlite store: %w", err)
	}
	return store, nil
}

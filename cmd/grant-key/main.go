// Package main provides a one-shot utility for service grant key
// generation.
//
// It emits the asymmetric keypair used to sign collaborator grants.
package main

import (
	"os"

	"github.com/citymate/citymate/internal/platform/config"
	"github.com/citymate/citymate/internal/tools/grantkey"
)

func main() {
	if err := grantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate service grant key: %v", err)
	}
}

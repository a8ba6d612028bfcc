package sdk

import (
	"errors"
	"os"
)

// ErrNoToken is returned by New when no API token is configured.
var ErrNoToken = errors.New("CELERIX_MACHINES_TOKEN is not set")

// New builds a client from the environment.
// CELERIX_MACHINES_ADDR defaults to localhost:7002. Set CELERIX_MACHINES_TLS=true
// to talk to a daemon started with --tls.
func New() (*Client, error) {
	addr := os.Getenv("CELERIX_MACHINES_ADDR")
	if addr == "" {
		addr = "localhost:7002"
	}

	token := os.Getenv("CELERIX_MACHINES_TOKEN")
	if token == "" {
		return nil, ErrNoToken
	}
	var opts []Option
	if os.Getenv("CELERIX_MACHINES_TLS") == "true" {
		opts = append(opts, WithSelfSignedTLS())
	}
	return Connect(addr, token, opts...), nil
}

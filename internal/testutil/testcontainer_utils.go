// Package testutil starts shared backend containers for integration tests.
//
// Each provider is started at most once per test binary. When Docker is not
// available the calling test is skipped rather than failed, so the default
// `go test ./...` run stays green on machines without a container runtime.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const (
	dbUser     = "orchestra"
	dbPassword = "orchestra"
	dbName     = "orchestra_test"

	// Give generous timeout in CI environments
	startupTimeout = 3 * time.Minute
)

// provider is a lazily started container shared by every test in the
// binary. address turns the container's host:port endpoint into whatever
// the client needs.
type provider struct {
	name    string
	image   string
	opts    []testcontainers.ContainerCustomizer
	address func(endpoint string) string

	once     sync.Once
	endpoint string
	err      error
}

// get starts the container on first use and returns its address, skipping
// t when containers are disabled or failed to start.
func (p *provider) get(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)
	p.once.Do(p.start)
	SkipIfProviderIsNotHealthy(t, p.name, p.err)
	return p.endpoint
}

func (p *provider) start() {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	c, err := testcontainers.Run(ctx, p.image, p.opts...)
	if err != nil {
		p.err = err
		return
	}

	// Shared across tests; the testcontainers reaper removes it on exit.
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		p.err = err
		return
	}
	p.endpoint = endpoint
	if p.address != nil {
		p.endpoint = p.address(endpoint)
	}
}

// SkipIfProviderIsNotHealthy skips t when the provider failed to start.
func SkipIfProviderIsNotHealthy(t *testing.T, provider string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", provider, err)
	}
}

// SkipIfShort skips container-backed tests under `go test -short` or when
// ORCHESTRA_SKIP_CONTAINERS is set.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv("ORCHESTRA_SKIP_CONTAINERS") != "" {
		t.Skip("skipping container-backed test")
	}
}

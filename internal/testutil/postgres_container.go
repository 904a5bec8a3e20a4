package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresProvider = &provider{
	name:  "postgres",
	image: "postgres:16",
	opts: []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// SQL round trip against the mapped host:port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return postgresDSN(host + ":" + port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2 * time.Minute),
		),
	},
	address: postgresDSN,
}

func postgresDSN(endpoint string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", dbUser, dbPassword, endpoint, dbName)
}

// GetPostgresEndpoint returns a DSN for a shared Postgres container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return postgresProvider.get(t)
}

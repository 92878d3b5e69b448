package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresImage = "postgres:16-alpine"
	RedisImage    = "redis:7.4-alpine"
)

// labelled tags a container so cleanupTestContainers can find it if
// Terminate never runs.
func labelled(t *testing.T) testcontainers.CustomizeRequestOption {
	return testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{Labels: ContainerLabels(t)},
	})
}

// Postgres starts a PostgreSQL container and returns its connection string.
// The test is skipped when Docker is unavailable.
func Postgres(t *testing.T) string {
	t.Helper()
	RequireDocker(t)
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		PostgresImage,
		postgres.WithDatabase("folio_test"),
		postgres.WithUsername("folio"),
		postgres.WithPassword("folio"),
		labelled(t),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pg.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	return dsn
}

// Redis starts a Redis container and returns its host:port address.
// The test is skipped when Docker is unavailable.
func Redis(t *testing.T) string {
	t.Helper()
	RequireDocker(t)
	ctx := context.Background()

	rc, err := redis.Run(ctx,
		RedisImage,
		labelled(t),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := rc.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := rc.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get redis host: %v", err)
	}
	port, err := rc.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get redis port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// Package integration_test runs the container-backed contract tests: the
// Redis stream log and idempotency store, and the Postgres trade store.
package integration_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisClient   *redis.Client
	redisSetupErr error

	postgresDSN      string
	postgresSetupErr error
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// testcontainers panics (rather than returning an error) when no Docker
	// host can be found at all; convert that into a setup error so the
	// requireRedis/requirePostgres skip path still applies.
	redisContainer, rerr := recoverStart(ctx, startRedis)
	redisSetupErr = rerr

	pgContainer, perr := recoverStart(ctx, startPostgres)
	postgresSetupErr = perr

	code := m.Run()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func recoverStart(ctx context.Context, start func(context.Context) (testcontainers.Container, error)) (container testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container runtime unavailable: %v", r)
		}
	}()
	return start(ctx)
}

func startRedis(ctx context.Context) (testcontainers.Container, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return container, fmt.Errorf("redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return container, fmt.Errorf("redis port: %w", err)
	}
	redisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return container, fmt.Errorf("redis ping: %w", err)
	}
	return container, nil
}

func startPostgres(ctx context.Context) (testcontainers.Container, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:16-alpine",
			Env: map[string]string{
				"POSTGRES_PASSWORD": "secret",
				"POSTGRES_USER":     "postgres",
				"POSTGRES_DB":       "blackjack",
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return container, fmt.Errorf("postgres host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return container, fmt.Errorf("postgres port: %w", err)
	}
	postgresDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/blackjack?sslmode=disable", host, port.Port())
	return container, nil
}

func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	if redisSetupErr != nil {
		t.Skipf("redis unavailable: %v", redisSetupErr)
	}
	return redisClient
}

func requirePostgres(t *testing.T) string {
	t.Helper()
	if postgresSetupErr != nil {
		t.Skipf("postgres unavailable: %v", postgresSetupErr)
	}
	return postgresDSN
}

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container images used by integration tests
const (
	NATSImage  = "nats:2.11.7-alpine"
	RedisImage = "redis:7.4-alpine"
)

// SkipIfShort skips integration tests under -short.
func SkipIfShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// StartNATS starts a JetStream-enabled NATS container and returns its URL.
// The container is terminated when the test ends.
func StartNATS(t testing.TB) string {
	t.Helper()
	SkipIfShort(t)

	return startContainer(t, testcontainers.ContainerRequest{
		Image:        NATSImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--js", "--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}, "4222", "nats")
}

// StartRedis starts a Redis container and returns its host:port address.
func StartRedis(t testing.TB) string {
	t.Helper()
	SkipIfShort(t)

	return startContainer(t, testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	}, "6379", "")
}

func startContainer(t testing.TB, req testcontainers.ContainerRequest, port, scheme string) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background()) // Best effort test cleanup
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}

	if scheme == "" {
		return fmt.Sprintf("%s:%s", host, mapped.Port())
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, mapped.Port())
}

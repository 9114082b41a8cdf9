package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 60 * time.Second

// mosquittoConfig enables a plain MQTT and a WebSocket listener with anonymous access
const mosquittoConfig = `listener 1883
listener 9001
protocol websockets
allow_anonymous true
`

// StartNATS starts a NATS server and returns its client URL. The container is
// terminated when the test ends.
func StartNATS(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(startupTimeout),
		),
	})
	return endpoint(t, c, "4222", "nats")
}

// StartRedis starts a Redis server and returns a redis:// URL
func StartRedis(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(startupTimeout),
	})
	return endpoint(t, c, "6379", "redis")
}

// StartMosquitto starts an MQTT broker and returns its WebSocket URL
func StartMosquitto(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp", "9001/tcp"},
		Files: []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(mosquittoConfig),
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1883/tcp"),
			wait.ForListeningPort("9001/tcp"),
		).WithDeadline(startupTimeout),
	})
	return endpoint(t, c, "9001", "ws")
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
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
	return container
}

func endpoint(t *testing.T, c testcontainers.Container, port, scheme string) string {
	t.Helper()

	ctx := context.Background()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get mapped port %s: %v", port, err)
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, mapped.Port())
}

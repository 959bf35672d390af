//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage        = "nats:2.11.7-alpine"
	testStartTimeout = 30 * time.Second
	testDialTimeout  = 5 * time.Second
)

// TestClient is a Client connected to a throwaway NATS container. Both are
// torn down by t.Cleanup.
type TestClient struct {
	Client *Client
	URL    string
}

type testSetup struct {
	jetstream bool
	opts      []ClientOption
}

// TestOption adjusts NewTestClient.
type TestOption func(*testSetup)

// WithJetStream runs the server with -js.
func WithJetStream() TestOption {
	return func(s *testSetup) { s.jetstream = true }
}

// WithClientOptions appends options for NewClient.
func WithClientOptions(opts ...ClientOption) TestOption {
	return func(s *testSetup) { s.opts = append(s.opts, opts...) }
}

func startServer(ctx context.Context, jetstream bool) (testcontainers.Container, string, error) {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if jetstream {
		cmd = append(cmd, "-js")
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForHTTP("/healthz").WithPort("8222/tcp").
				WithStartupTimeout(testStartTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start nats container: %w", err)
	}
	endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("resolve nats endpoint: %w", err)
	}
	return c, endpoint, nil
}

// NewTestClient starts a container and returns a connected client.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	var setup testSetup
	for _, opt := range opts {
		opt(&setup)
	}

	ctx := context.Background()
	container, url, err := startServer(ctx, setup.jetstream)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	client, err := NewClient(url, append([]ClientOption{
		WithTimeouts(testDialTimeout, 0),
		WithReconnect(0, 0),
		WithHealthMonitor(0, nil),
	}, setup.opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, testDialTimeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return &TestClient{Client: client, URL: url}
}

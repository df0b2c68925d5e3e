package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

const (
	// DefaultHost is the default Qdrant host.
	DefaultHost = "localhost"

	// DefaultPort is the default Qdrant gRPC port.
	DefaultPort = 6334

	// DefaultTimeout is the default operation timeout.
	DefaultTimeout = 5 * time.Second
)

// ClientConfig holds configuration for the Qdrant client.
type ClientConfig struct {
	// Host is the Qdrant server host.
	Host string

	// Port is the Qdrant gRPC port.
	Port int

	// APIKey for authentication (optional).
	APIKey string

	// UseTLS enables TLS connection.
	UseTLS bool

	// Timeout for operations.
	Timeout time.Duration

	// ItemsCollection holds item embeddings.
	ItemsCollection string

	// UsersCollection holds user embeddings.
	UsersCollection string
}

// DefaultClientConfig returns sensible defaults for local development.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Timeout:         DefaultTimeout,
		ItemsCollection: "items",
		UsersCollection: "users",
	}
}

// ParseURL fills host, port and TLS from a Qdrant REST URL.
// Example: http://localhost:6333 -> localhost, 6334 (gRPC port)
func ParseURL(rawURL string, cfg ClientConfig) (ClientConfig, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return cfg, err
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	httpPort := 6333
	if portStr := u.Port(); portStr != "" {
		httpPort, err = strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid port: %s", portStr)
		}
	}

	// Qdrant gRPC port is typically HTTP port + 1
	cfg.Port = httpPort + 1
	cfg.UseTLS = u.Scheme == "https"

	return cfg, nil
}

// Client wraps the Qdrant Go client.
type Client struct {
	client *qdrant.Client
	config ClientConfig
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new Qdrant client wrapper.
func NewClient(cfg ClientConfig) (*Client, error) {
	defaults := DefaultClientConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.ItemsCollection == "" {
		cfg.ItemsCollection = defaults.ItemsCollection
	}
	if cfg.UsersCollection == "" {
		cfg.UsersCollection = defaults.UsersCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() ClientConfig {
	return c.config
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.client.Close()
}

// HealthCheck verifies the Qdrant server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reply, err := c.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if reply.GetTitle() == "" {
		return fmt.Errorf("unexpected health check response")
	}

	return nil
}

// Package bridge is an HTTP client for the external executor service that
// runs container and multi-agent tasks. Client implements worker.Runner.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

var (
	// ErrUnavailable is returned when the executor fails its health check.
	ErrUnavailable = errors.New("bridge: executor unavailable")

	// ErrNotReady is returned when the executor cannot be initialized.
	ErrNotReady = errors.New("bridge: executor not ready")
)

// RemoteError is a non-200 response from the executor.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: executor returned %d: %s", e.StatusCode, e.Body)
}

// Default endpoints.
const (
	EndpointSwarm     = "/swarm/execute"
	EndpointContainer = "/container/execute"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config holds executor client configuration.
type Config struct {
	// BaseURL of the executor service (default: "http://localhost:5001").
	BaseURL string `yaml:"base_url"`

	HealthTimeout  time.Duration `yaml:"health_timeout"`  // default: 5s
	CheckTimeout   time.Duration `yaml:"check_timeout"`   // default: 30s
	InitTimeout    time.Duration `yaml:"init_timeout"`    // default: 120s
	ExecuteTimeout time.Duration `yaml:"execute_timeout"` // default: 300s

	// MaxRetries is how many times a timed out request is attempted
	// (default: 3).
	MaxRetries int `yaml:"max_retries"`

	// MaxAgents and Topology are sent with heavyweight tasks whose payload
	// does not set them (defaults: 5, "mesh").
	MaxAgents int    `yaml:"max_agents"`
	Topology  string `yaml:"topology"`

	// Endpoints overrides the execute path per executor kind.
	Endpoints map[taskgate.ExecutorKind]string `yaml:"-"`

	HTTPClient *http.Client    `yaml:"-"`
	Logger     taskgate.Logger `yaml:"-"`

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:5001",
		HealthTimeout:  5 * time.Second,
		CheckTimeout:   30 * time.Second,
		InitTimeout:    120 * time.Second,
		ExecuteTimeout: 300 * time.Second,
		MaxRetries:     3,
		MaxAgents:      5,
		Topology:       "mesh",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = d.MaxAgents
	}
	if c.Topology == "" {
		c.Topology = d.Topology
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = &taskgate.NoopLogger{}
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
}

// Client talks to the executor service.
type Client struct {
	config Config

	mu    sync.Mutex
	ready bool
}

// New creates a client.
func New(config Config) *Client {
	config.applyDefaults()
	return &Client{config: config}
}

// Health reports whether the executor answers GET /health with 200.
func (c *Client) Health(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodGet, "/health", nil, c.config.HealthTimeout)
	if err != nil {
		c.config.Logger.Warn("executor health check failed", taskgate.Err(err))
		return false
	}
	return status == http.StatusOK
}

// Ready reports whether the executor has its tooling installed.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/check", nil, c.config.CheckTimeout)
	if err != nil {
		return false, fmt.Errorf("bridge: check: %w", err)
	}
	if status != http.StatusOK {
		return false, &RemoteError{StatusCode: status, Body: string(body)}
	}
	return gjson.GetBytes(body, "installed").Bool(), nil
}

// Initialize asks the executor to install its tooling.
func (c *Client) Initialize(ctx context.Context, force bool) error {
	body := []byte(`{"force":false}`)
	if force {
		body = []byte(`{"force":true}`)
	}
	status, resp, err := c.do(ctx, http.MethodPost, "/init", body, c.config.InitTimeout)
	if err != nil {
		return fmt.Errorf("bridge: init: %w", err)
	}
	if status != http.StatusOK {
		return &RemoteError{StatusCode: status, Body: string(resp)}
	}
	return nil
}

// ensureReady checks readiness once per client and initializes the
// executor when needed.
func (c *Client) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	ready, err := c.Ready(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if !ready {
		c.config.Logger.Info("initializing executor", taskgate.F("baseURL", c.config.BaseURL))
		if err := c.Initialize(ctx, true); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
	}
	c.ready = true
	return nil
}

func (c *Client) endpoint(kind taskgate.ExecutorKind) string {
	if ep, ok := c.config.Endpoints[kind]; ok && ep != "" {
		return ep
	}
	if kind.Heavyweight() {
		return EndpointSwarm
	}
	return EndpointContainer
}

// do performs one request bounded by timeout.
func (c *Client) do(ctx context.Context, method, path string, body []byte,
	timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// isTimeout reports whether err is a request timeout rather than a
// cancellation of the caller's context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

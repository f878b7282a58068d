package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// UsageProvider reports a user's consumption. *taskgate.Gate implements it.
type UsageProvider interface {
	Usage(ctx context.Context, userID string) (taskgate.UsageStats, error)
}

// Config holds configuration for the Usage API handler
type Config struct {
	// Gate supplies the usage figures (required)
	Gate UsageProvider

	// GetUserID extracts user ID from HTTP request (required)
	// Same pattern as middleware/http
	GetUserID func(*http.Request) string

	// QuotaFilter optionally narrows which quotas are reported
	// If nil, every quota the tier defines is included
	QuotaFilter func([]taskgate.QuotaType) []taskgate.QuotaType

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger taskgate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new Usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &taskgate.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Works with the keys used by middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// Package gin provides Gin middleware for rate limiting and task admission
package gin

import (
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/taskgate/middleware/http"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// DecisionKey is the Gin context key under which Admission stores the
// allowed decision
const DecisionKey = "taskgate.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// EndpointExtractor names the endpoint a request is rate limited under
type EndpointExtractor func(c *gongin.Context) string

// TaskRequestExtractor builds the admission request for a task submission
type TaskRequestExtractor func(c *gongin.Context, userID string) (taskgate.TaskRequest, error)

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEndpoint names the rate limited endpoint. Defaults to the route
	// pattern, or the URL path for unmatched routes.
	GetEndpoint EndpointExtractor

	// OnRejected is called when a check rejects the request
	// If nil, responds 429 with an httpmw.Rejection body
	OnRejected func(c *gongin.Context, d taskgate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the request cannot be turned into a task
	// If nil, returns 400 Bad Request
	OnError func(c *gongin.Context, err error)

	// Now is used for the X-RateLimit-Reset timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) defaults() {
	if cfg.GetUserID == nil {
		panic("taskgate/gin: Config.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}
	if cfg.OnRejected == nil {
		cfg.OnRejected = defaultRejected
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c *gongin.Context) {
			c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c *gongin.Context, _ error) {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// RateLimit creates a Gin middleware that enforces per-endpoint request rates
func RateLimit(limiter httpmw.RateLimiter, cfg Config) gongin.HandlerFunc {
	cfg.defaults()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.OnUnauthorized(c)
			c.Abort()
			return
		}

		d := limiter.CheckRateLimit(c.Request.Context(), userID, cfg.GetEndpoint(c))
		httpmw.WriteHeaders(c.Writer, d, cfg.Now())
		if !d.Allowed {
			cfg.OnRejected(c, d)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Admission creates a Gin middleware that admits task submissions. The allowed
// decision is stored under DecisionKey. Handlers that fail to enqueue an
// admitted task must release its slot.
func Admission(admitter httpmw.Admitter, getTask TaskRequestExtractor, cfg Config) gongin.HandlerFunc {
	cfg.defaults()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.OnUnauthorized(c)
			c.Abort()
			return
		}

		req, err := getTask(c, userID)
		if err != nil {
			cfg.OnError(c, err)
			c.Abort()
			return
		}
		req.UserID = userID
		if req.Endpoint == "" {
			req.Endpoint = cfg.GetEndpoint(c)
		}

		d := admitter.Admit(c.Request.Context(), req)
		httpmw.WriteHeaders(c.Writer, d, cfg.Now())
		if !d.Allowed {
			cfg.OnRejected(c, d)
			c.Abort()
			return
		}
		c.Set(DecisionKey, d)
		c.Next()
	}
}

// DecisionFromContext returns the admission decision stored by Admission
func DecisionFromContext(c *gongin.Context) (taskgate.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return taskgate.Decision{}, false
	}
	d, ok := v.(taskgate.Decision)
	return d, ok
}

func defaultRejected(c *gongin.Context, d taskgate.Decision) {
	body := httpmw.NewRejection(d)
	c.Header("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	c.JSON(http.StatusTooManyRequests, body)
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// values set by an upstream auth middleware via c.Set
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromRoute returns an EndpointExtractor that names the endpoint by its
// route pattern
func FromRoute() EndpointExtractor {
	return func(c *gongin.Context) string {
		if p := c.FullPath(); p != "" {
			return p
		}
		return c.Request.URL.Path
	}
}

// FixedEndpoint returns an EndpointExtractor that always returns name
func FixedEndpoint(name string) EndpointExtractor {
	return func(*gongin.Context) string {
		return name
	}
}

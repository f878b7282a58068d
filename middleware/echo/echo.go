// Package echo provides Echo middleware for rate limiting and task admission
package echo

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/taskgate/middleware/http"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// DecisionKey is the Echo context key under which Admission stores the
// allowed decision
const DecisionKey = "taskgate.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// EndpointExtractor names the endpoint a request is rate limited under
type EndpointExtractor func(c echo.Context) string

// TaskRequestExtractor builds the admission request for a task submission
type TaskRequestExtractor func(c echo.Context, userID string) (taskgate.TaskRequest, error)

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEndpoint names the rate limited endpoint. Defaults to the route path.
	GetEndpoint EndpointExtractor

	// OnRejected is called when a check rejects the request
	// If nil, responds 429 with an httpmw.Rejection body
	OnRejected func(c echo.Context, d taskgate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the request cannot be turned into a task
	// If nil, returns 400 Bad Request
	OnError func(c echo.Context, err error) error

	// Now is used for the X-RateLimit-Reset timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) defaults() {
	if cfg.GetUserID == nil {
		panic("taskgate/echo: Config.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}
	if cfg.OnRejected == nil {
		cfg.OnRejected = defaultRejected
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c echo.Context, _ error) error {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// RateLimit creates an Echo middleware that enforces per-endpoint request rates
func RateLimit(limiter httpmw.RateLimiter, cfg Config) echo.MiddlewareFunc {
	cfg.defaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			d := limiter.CheckRateLimit(c.Request().Context(), userID, cfg.GetEndpoint(c))
			httpmw.WriteHeaders(c.Response(), d, cfg.Now())
			if !d.Allowed {
				return cfg.OnRejected(c, d)
			}
			return next(c)
		}
	}
}

// Admission creates an Echo middleware that admits task submissions. The
// allowed decision is stored under DecisionKey. Handlers that fail to enqueue
// an admitted task must release its slot.
func Admission(admitter httpmw.Admitter, getTask TaskRequestExtractor, cfg Config) echo.MiddlewareFunc {
	cfg.defaults()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			req, err := getTask(c, userID)
			if err != nil {
				return cfg.OnError(c, err)
			}
			req.UserID = userID
			if req.Endpoint == "" {
				req.Endpoint = cfg.GetEndpoint(c)
			}

			d := admitter.Admit(c.Request().Context(), req)
			httpmw.WriteHeaders(c.Response(), d, cfg.Now())
			if !d.Allowed {
				return cfg.OnRejected(c, d)
			}
			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// DecisionFromContext returns the admission decision stored by Admission
func DecisionFromContext(c echo.Context) (taskgate.Decision, bool) {
	d, ok := c.Get(DecisionKey).(taskgate.Decision)
	return d, ok
}

func defaultRejected(c echo.Context, d taskgate.Decision) error {
	body := httpmw.NewRejection(d)
	c.Response().Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	return c.JSON(http.StatusTooManyRequests, body)
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context
// values set by an upstream auth middleware via c.Set
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromRoute returns an EndpointExtractor that names the endpoint by its
// route path
func FromRoute() EndpointExtractor {
	return func(c echo.Context) string {
		if p := c.Path(); p != "" {
			return p
		}
		return c.Request().URL.Path
	}
}

// FixedEndpoint returns an EndpointExtractor that always returns name
func FixedEndpoint(name string) EndpointExtractor {
	return func(echo.Context) string {
		return name
	}
}

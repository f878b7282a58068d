// Package fiber provides Fiber middleware for rate limiting and task admission
package fiber

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	httpmw "github.com/mihaimyh/taskgate/middleware/http"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// DecisionKey is the Locals key under which Admission stores the allowed
// decision
const DecisionKey = "taskgate.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// EndpointExtractor names the endpoint a request is rate limited under
type EndpointExtractor func(c *fiber.Ctx) string

// TaskRequestExtractor builds the admission request for a task submission
type TaskRequestExtractor func(c *fiber.Ctx, userID string) (taskgate.TaskRequest, error)

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEndpoint names the rate limited endpoint. Defaults to the route path.
	GetEndpoint EndpointExtractor

	// OnRejected is called when a check rejects the request
	// If nil, responds 429 with an httpmw.Rejection body
	OnRejected func(c *fiber.Ctx, d taskgate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the request cannot be turned into a task
	// If nil, returns 400 Bad Request
	OnError func(c *fiber.Ctx, err error) error

	// Now is used for the X-RateLimit-Reset timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) defaults() {
	if cfg.GetUserID == nil {
		panic("taskgate/fiber: Config.GetUserID is required")
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = FromRoute()
	}
	if cfg.OnRejected == nil {
		cfg.OnRejected = defaultRejected
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// RateLimit creates a Fiber middleware that enforces per-endpoint request rates
func RateLimit(limiter httpmw.RateLimiter, cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		d := limiter.CheckRateLimit(c.UserContext(), userID, cfg.GetEndpoint(c))
		writeHeaders(c, d, cfg.Now())
		if !d.Allowed {
			return cfg.OnRejected(c, d)
		}
		return c.Next()
	}
}

// Admission creates a Fiber middleware that admits task submissions. The
// allowed decision is stored in Locals under DecisionKey. Handlers that fail
// to enqueue an admitted task must release its slot.
func Admission(admitter httpmw.Admitter, getTask TaskRequestExtractor, cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
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

		d := admitter.Admit(c.UserContext(), req)
		writeHeaders(c, d, cfg.Now())
		if !d.Allowed {
			return cfg.OnRejected(c, d)
		}
		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// DecisionFromContext returns the admission decision stored by Admission
func DecisionFromContext(c *fiber.Ctx) (taskgate.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(taskgate.Decision)
	return d, ok
}

// writeHeaders mirrors httpmw.WriteHeaders for fasthttp responses.
func writeHeaders(c *fiber.Ctx, d taskgate.Decision, now time.Time) {
	if d.FailOpen {
		return
	}
	c.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(now.Unix()+d.RetryAfter(), 10))
}

func defaultRejected(c *fiber.Ctx, d taskgate.Decision) error {
	body := httpmw.NewRejection(d)
	c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(body.RetryAfter, 10))
	return c.Status(fiber.StatusTooManyRequests).JSON(body)
}

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromRoute returns an EndpointExtractor that names the endpoint by its
// route path
func FromRoute() EndpointExtractor {
	return func(c *fiber.Ctx) string {
		if r := c.Route(); r != nil && r.Path != "" {
			return r.Path
		}
		return c.Path()
	}
}

// FixedEndpoint returns an EndpointExtractor that always returns name
func FixedEndpoint(name string) EndpointExtractor {
	return func(*fiber.Ctx) string {
		return name
	}
}

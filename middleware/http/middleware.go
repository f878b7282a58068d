// Package http provides HTTP middleware for rate limiting and task admission
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// EndpointExtractor names the endpoint a request is rate limited under
type EndpointExtractor func(r *http.Request) string

// TaskRequestExtractor builds the admission request for a task submission
type TaskRequestExtractor func(r *http.Request, userID string) (taskgate.TaskRequest, error)

// RateLimiter checks per-endpoint request rates. *taskgate.Gate implements it.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, endpoint string) taskgate.Decision
}

// Admitter runs the full admission check. *taskgate.Gate implements it.
type Admitter interface {
	Admit(ctx context.Context, req taskgate.TaskRequest) taskgate.Decision
}

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetEndpoint names the rate limited endpoint. Defaults to the URL path.
	GetEndpoint EndpointExtractor

	// OnRejected is called when a check rejects the request
	// If nil, WriteRejection is used
	OnRejected func(w http.ResponseWriter, r *http.Request, d taskgate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the request cannot be turned into a task
	// If nil, returns 400 Bad Request
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Now is used for the X-RateLimit-Reset timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.GetEndpoint == nil {
		c.GetEndpoint = func(r *http.Request) string { return r.URL.Path }
	}
	if c.OnRejected == nil {
		c.OnRejected = func(w http.ResponseWriter, _ *http.Request, d taskgate.Decision) {
			WriteRejection(w, d)
		}
	}
	if c.OnUnauthorized == nil {
		c.OnUnauthorized = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
	}
	if c.OnError == nil {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RateLimit creates an HTTP middleware that enforces per-endpoint request
// rates and reports the window state in X-RateLimit-* headers
func RateLimit(limiter RateLimiter, config Config) func(http.Handler) http.Handler {
	config.defaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				config.OnUnauthorized(w, r)
				return
			}

			d := limiter.CheckRateLimit(r.Context(), userID, config.GetEndpoint(r))
			WriteHeaders(w, d, config.Now())
			if !d.Allowed {
				config.OnRejected(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Admission creates an HTTP middleware that admits task submissions. The
// allowed Decision is stored in the request context for the handler.
// Handlers that fail to enqueue an admitted task must release its slot.
func Admission(admitter Admitter, getTask TaskRequestExtractor, config Config) func(http.Handler) http.Handler {
	config.defaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				config.OnUnauthorized(w, r)
				return
			}

			req, err := getTask(r, userID)
			if err != nil {
				config.OnError(w, r, err)
				return
			}
			req.UserID = userID
			if req.Endpoint == "" {
				req.Endpoint = config.GetEndpoint(r)
			}

			d := admitter.Admit(r.Context(), req)
			WriteHeaders(w, d, config.Now())
			if !d.Allowed {
				config.OnRejected(w, r, d)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey, d)))
		})
	}
}

type contextKey string

const decisionKey contextKey = "taskgate:decision"

// DecisionFromContext returns the admission decision stored by Admission
func DecisionFromContext(ctx context.Context) (taskgate.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(taskgate.Decision)
	return d, ok
}

// WriteHeaders sets the X-RateLimit-* headers for d. Fail-open decisions
// carry no counter state and set none.
func WriteHeaders(w http.ResponseWriter, d taskgate.Decision, now time.Time) {
	if d.FailOpen {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Unix()+d.RetryAfter(), 10))
}

// Rejection is the JSON body written for a rejected request
type Rejection struct {
	Error      string             `json:"error"`
	Dimension  taskgate.Dimension `json:"dimension"`
	Limit      int64              `json:"limit"`
	RetryAfter int64              `json:"retry_after"`
	Tier       string             `json:"tier,omitempty"`
	UpgradeURL string             `json:"upgrade_url,omitempty"`
}

// NewRejection builds the response body for a rejected decision. The
// upgrade URL is only included for tier-driven rejections.
func NewRejection(d taskgate.Decision) Rejection {
	body := Rejection{
		Error:      d.Message,
		Dimension:  d.Dimension,
		Limit:      d.Limit,
		RetryAfter: d.RetryAfter(),
		Tier:       d.Tier,
	}
	if d.UpgradeAvailable() {
		body.UpgradeURL = d.UpgradeURL
	}
	return body
}

// WriteRejection writes a 429 response with Retry-After and a JSON body
func WriteRejection(w http.ResponseWriter, d taskgate.Decision) {
	body := NewRejection(d)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "taskgate:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

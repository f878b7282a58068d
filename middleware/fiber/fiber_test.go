package fiber

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	httpmw "github.com/mihaimyh/taskgate/middleware/http"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/storage/memory"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newGate(t *testing.T, tiers taskgate.Tiers) *taskgate.Gate {
	t.Helper()
	cfg := taskgate.DefaultConfig()
	cfg.Tiers = tiers
	g, err := taskgate.NewGate(memory.New(), taskgate.NewStaticTierProvider(tiers, ""), cfg)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return g
}

func do(t *testing.T, app *fiber.App, method, target, userID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	return resp
}

func decodeRejection(t *testing.T, resp *http.Response) httpmw.Rejection {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	var body httpmw.Rejection
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Failed to decode rejection %q: %v", data, err)
	}
	return body
}

func TestRateLimit(t *testing.T) {
	g := newGate(t, taskgate.Tiers{{Name: "t", TasksPerDay: 10, MaxConcurrentTasks: 1, APIRateLimit: 2}})
	app := fiber.New()
	app.Get("/status/:id", RateLimit(g, Config{
		GetUserID: FromHeader("X-User-ID"),
		Now:       func() time.Time { return fixedNow },
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp := do(t, app, http.MethodGet, "/status/1", "u1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("Expected X-RateLimit-Limit 2, got %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("Expected X-RateLimit-Remaining 1, got %q", got)
	}

	do(t, app, http.MethodGet, "/status/2", "u1")

	resp = do(t, app, http.MethodGet, "/status/3", "u1")
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	body := decodeRejection(t, resp)
	if body.Dimension != taskgate.DimensionRateLimit {
		t.Errorf("Expected dimension %s, got %s", taskgate.DimensionRateLimit, body.Dimension)
	}
}

func TestRateLimit_Unauthorized(t *testing.T) {
	g := newGate(t, taskgate.DefaultTiers())
	app := fiber.New()
	app.Get("/status", RateLimit(g, Config{GetUserID: FromHeader("X-User-ID")}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp := do(t, app, http.MethodGet, "/status", "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestWriteHeaders_FailOpen(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		writeHeaders(c, taskgate.Decision{Allowed: true, FailOpen: true}, fixedNow)
		return c.SendStatus(fiber.StatusOK)
	})

	resp := do(t, app, http.MethodGet, "/", "")
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "" {
		t.Errorf("Expected no rate limit headers on fail-open, got %q", got)
	}
}

func TestAdmission(t *testing.T) {
	g := newGate(t, taskgate.DefaultTiers())
	getTask := func(c *fiber.Ctx, _ string) (taskgate.TaskRequest, error) {
		kind, err := taskgate.ParseExecutorKind(c.Query("kind"))
		if err != nil {
			return taskgate.TaskRequest{}, err
		}
		return taskgate.TaskRequest{Kind: kind}, nil
	}

	var admitted taskgate.Decision
	app := fiber.New()
	app.Post("/tasks", Admission(g, getTask, Config{GetUserID: FromHeader("X-User-ID")}), func(c *fiber.Ctx) error {
		admitted, _ = DecisionFromContext(c)
		return c.SendStatus(fiber.StatusAccepted)
	})

	resp := do(t, app, http.MethodPost, "/tasks?kind=container", "u1")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	if !admitted.Allowed {
		t.Error("Expected handler to see an allowed decision")
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("Expected X-RateLimit-Limit 1 on admitted request, got %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("Expected X-RateLimit-Remaining 0 on admitted request, got %q", got)
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Error("Expected X-RateLimit-Reset on admitted request")
	}

	resp = do(t, app, http.MethodPost, "/tasks?kind=container", "u1")
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", resp.StatusCode)
	}
	body := decodeRejection(t, resp)
	if body.Dimension != taskgate.DimensionConcurrency {
		t.Errorf("Expected dimension %s, got %s", taskgate.DimensionConcurrency, body.Dimension)
	}

	resp = do(t, app, http.MethodPost, "/tasks?kind=gpu", "u1")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestAdmission_FromLocals(t *testing.T) {
	g := newGate(t, taskgate.DefaultTiers())
	var gotErr error
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", "u1")
		return c.Next()
	})
	app.Post("/tasks", Admission(g, func(*fiber.Ctx, string) (taskgate.TaskRequest, error) {
		return taskgate.TaskRequest{}, errors.New("bad body")
	}, Config{
		GetUserID: FromLocals("userID"),
		OnError: func(c *fiber.Ctx, err error) error {
			gotErr = err
			return c.SendStatus(fiber.StatusUnprocessableEntity)
		},
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	resp := do(t, app, http.MethodPost, "/tasks", "")
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", resp.StatusCode)
	}
	if gotErr == nil || gotErr.Error() != "bad body" {
		t.Errorf("Expected extractor error, got %v", gotErr)
	}
}

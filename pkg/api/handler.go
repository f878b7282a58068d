package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for usage inspection
type Handler struct {
	config Config
}

// GetUsage returns a JSON view of the user's quota and concurrency standing
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	stats, err := h.config.Gate.Usage(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("failed to read usage", taskgate.F("userID", userID), taskgate.Err(err))
		h.handleError(w, r, fmt.Errorf("failed to read usage: %w", err), http.StatusInternalServerError)
		return
	}

	response := UsageResponse{
		UserID:      userID,
		Tier:        stats.Tier,
		Quotas:      make(map[string]QuotaUsage, len(stats.Quotas)),
		Concurrency: concurrencyUsage(stats.Concurrent, stats.Concurrency),
	}
	for _, qt := range h.quotaTypes(stats) {
		u, ok := stats.Quotas[qt]
		if !ok {
			continue
		}
		response.Quotas[string(qt)] = QuotaUsage{
			Used:      u.Used,
			Limit:     u.Limit,
			Remaining: u.Remaining,
			ResetIn:   seconds(u.ResetIn),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Response already started
		return
	}
}

func (h *Handler) quotaTypes(stats taskgate.UsageStats) []taskgate.QuotaType {
	types := make([]taskgate.QuotaType, 0, len(stats.Quotas))
	for _, qt := range taskgate.QuotaTypes() {
		if _, ok := stats.Quotas[qt]; ok {
			types = append(types, qt)
		}
	}
	if h.config.QuotaFilter != nil {
		types = h.config.QuotaFilter(types)
	}
	return types
}

func concurrencyUsage(current, limit int64) ConcurrencyUsage {
	available := limit - current
	if available < 0 {
		available = 0
	}
	return ConcurrencyUsage{Current: current, Limit: limit, Available: available}
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
	})
}

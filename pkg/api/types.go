package api

// UsageResponse represents the complete admission state for a user
type UsageResponse struct {
	UserID      string                `json:"user_id"`
	Tier        string                `json:"tier"`
	Quotas      map[string]QuotaUsage `json:"quotas"`
	Concurrency ConcurrencyUsage      `json:"concurrency"`
}

// QuotaUsage represents one task-volume budget
type QuotaUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	ResetIn   int64 `json:"reset_in_seconds"` // Whole seconds until the window resets
}

// ConcurrencyUsage represents the in-flight task slots
type ConcurrencyUsage struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Available int64 `json:"available"`
}

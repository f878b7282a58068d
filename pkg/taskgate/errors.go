package taskgate

import "errors"

var (
	// ErrStoreUnavailable is returned when the counter store cannot be reached
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrUnknownExecutorKind is returned for executor kinds outside the enumerated set
	ErrUnknownExecutorKind = errors.New("unknown executor kind")

	// ErrTierNotFound is returned by tier providers when a user has no tier record
	ErrTierNotFound = errors.New("tier not found")

	// ErrInvalidTier is returned for tier definitions that fail validation
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidLimit is returned for negative limits or non-positive windows
	ErrInvalidLimit = errors.New("invalid limit")
)

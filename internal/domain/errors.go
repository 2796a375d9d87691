package domain

import "github.com/pkg/errors"

var (
	// ErrFeedUnavailable means no fresh price could be obtained. Callers must skip
	// work that depends on the price instead of treating it as zero.
	ErrFeedUnavailable = errors.New("price feed unavailable")
	// ErrConflict means the order was not in the state the caller expected,
	// usually because another worker already claimed it.
	ErrConflict = errors.New("order state conflict")
	// ErrStoreUnavailable wraps infrastructure failures of the order store.
	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrNotFound         = errors.New("order not found")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrCancelDeferred is returned when a cancel hits an executing order. The
	// cancel is applied once the execution resolves back to active.
	ErrCancelDeferred = errors.New("order is executing, cancellation deferred")
	ErrInvalidOrder   = errors.New("invalid order")
)

package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Outcome binds a swap result to the execution that produced it. Version is
// the ExecutionVersion of the order returned by the acquire.
type Outcome struct {
	Version    int64
	Result     SwapResult
	RecordedAt time.Time
}

// The functions below compute transitions on a snapshot. Stores persist the
// returned order only when changed is true, guarded by a compare-and-swap on
// the version they read.

// Acquire moves an active order to executing.
func Acquire(o DCAOrder, now time.Time) (DCAOrder, error) {
	if o.Status != StatusActive {
		return o, errors.Wrapf(ErrConflict, "order %s is %s", o.ID, o.Status)
	}

	o.Status = StatusExecuting
	o = bump(o, now)
	o.ExecutionVersion = o.Version
	return o, nil
}

// ApplyOutcome records an execution result. Replays for an execution that is
// already recorded return changed == false and no error. Writes that leave
// ExecutionVersion alone, such as a deferred cancel, do not invalidate the outcome.
func ApplyOutcome(o DCAOrder, out Outcome) (next DCAOrder, changed bool, err error) {
	switch {
	case o.Status.IsTerminal(), out.Version < o.ExecutionVersion:
		return o, false, nil
	case out.Version == o.ExecutionVersion && o.Status != StatusExecuting:
		// recorded as a retryable failure already
		return o, false, nil
	case out.Version != o.ExecutionVersion:
		return o, false, errors.Wrapf(ErrConflict, "order %s is %s after execution %d, outcome is for execution %d",
			o.ID, o.Status, o.ExecutionVersion, out.Version)
	}

	switch r := out.Result.(type) {
	case SwapSuccess:
		at := out.RecordedAt.UTC()
		o.Status = StatusExecuted
		o.ExecutedAt = &at
		o.ExecutedPrice = decimal.NewNullDecimal(r.ExecutedPrice)
		o.TransactionHash = r.TxHash
	case SwapFailure:
		switch {
		case r.Retryable() && o.RetryCount < o.MaxRetries:
			o.RetryCount++
			o.Status = StatusActive
			if o.CancelRequested {
				o.Status = StatusCancelled
			}
		default:
			o.Status = StatusFailed
			o.FailureReason = r.Reason()
		}
	default:
		return o, false, errors.Wrapf(ErrInvalidTransition, "unknown swap result %T", out.Result)
	}

	return bump(o, out.RecordedAt), true, nil
}

// Cancel cancels an active order. For an executing order it sets
// CancelRequested and returns ErrCancelDeferred together with the order to persist.
func Cancel(o DCAOrder, now time.Time) (next DCAOrder, changed bool, err error) {
	switch o.Status {
	case StatusActive:
		o.Status = StatusCancelled
		return bump(o, now), true, nil
	case StatusCancelled:
		return o, false, nil
	case StatusExecuting:
		if o.CancelRequested {
			return o, false, ErrCancelDeferred
		}
		o.CancelRequested = true
		return bump(o, now), true, ErrCancelDeferred
	default:
		return o, false, errors.Wrapf(ErrInvalidTransition, "cannot cancel %s order %s", o.Status, o.ID)
	}
}

// Expire moves an active order past its expiry to expired.
func Expire(o DCAOrder, now time.Time) (next DCAOrder, changed bool, err error) {
	switch {
	case o.Status == StatusExpired:
		return o, false, nil
	case o.Status != StatusActive:
		return o, false, errors.Wrapf(ErrConflict, "order %s is %s", o.ID, o.Status)
	case !o.IsExpired(now):
		return o, false, errors.Wrapf(ErrInvalidTransition, "order %s is not past expiry", o.ID)
	}

	o.Status = StatusExpired
	return bump(o, now), true, nil
}

func bump(o DCAOrder, now time.Time) DCAOrder {
	o.Version++
	o.UpdatedAt = now.UTC()
	return o
}

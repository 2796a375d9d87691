package swap

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// ErrSignerRejected is returned by a Signer that refuses to sign.
var ErrSignerRejected = errors.New("signer rejected transaction")

// Error is a submission failure already classified by the submitter.
type Error struct {
	Kind      domain.FailureKind
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failure(kind domain.FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func permanentFailure(kind domain.FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Permanent: true, Err: fmt.Errorf(format, args...)}
}

// revert reasons that will not change by retrying the same order
var permanentReverts = []string{"invalid_path", "identical_addresses", "zero_address"}

// Classify maps a submission error to a failure. Classified *Error values are
// taken as is; raw node errors are matched on their message. Anything not
// recognised is a network error.
func Classify(err error) domain.SwapFailure {
	var classified *Error
	if errors.As(err, &classified) {
		return domain.SwapFailure{Kind: classified.Kind, Message: classified.Err.Error(), Permanent: classified.Permanent}
	}
	if errors.Is(err, ErrSignerRejected) {
		return domain.SwapFailure{Kind: domain.FailureRejected, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.SwapFailure{Kind: domain.FailureNetworkError, Message: err.Error()}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "transfer amount exceeds balance"):
		return domain.SwapFailure{Kind: domain.FailureInsufficientFunds, Message: msg}
	case strings.Contains(lower, "insufficient_output_amount"),
		strings.Contains(lower, "too little received"):
		return domain.SwapFailure{Kind: domain.FailureSlippageExceeded, Message: msg}
	case strings.Contains(lower, "user denied"),
		strings.Contains(lower, "user rejected"),
		strings.Contains(lower, "request rejected"):
		return domain.SwapFailure{Kind: domain.FailureRejected, Message: msg}
	case strings.Contains(lower, "execution reverted"), strings.Contains(lower, "revert"):
		for _, reason := range permanentReverts {
			if strings.Contains(lower, reason) {
				return domain.SwapFailure{Kind: domain.FailureContractReverted, Message: msg, Permanent: true}
			}
		}
		return domain.SwapFailure{Kind: domain.FailureContractReverted, Message: msg}
	default:
		return domain.SwapFailure{Kind: domain.FailureNetworkError, Message: msg}
	}
}

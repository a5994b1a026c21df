package credits

import "errors"

var (
	ErrNotAuthenticated    = errors.New("credits: not authenticated")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrRemoteFailure       = errors.New("credits: remote failure")
	ErrInvalidAmount       = errors.New("credits: amount must be positive")
)

// FailureKind classifies a failed deduction.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureNotAuthenticated    FailureKind = "not_authenticated"
	FailureInsufficientCredits FailureKind = "insufficient_credits"
	FailureRemote              FailureKind = "remote_failure"
	FailureInvalidAmount       FailureKind = "invalid_amount"
)

// Messages carried in Result.Error.
const (
	MsgNotAuthenticated    = "Not authenticated"
	MsgInsufficientCredits = "Insufficient credits"
	MsgInvalidAmount       = "Invalid credit amount"
)

// KindOf maps an error returned by a Ledger to its failure class.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNotAuthenticated):
		return FailureNotAuthenticated
	case errors.Is(err, ErrInsufficientCredits):
		return FailureInsufficientCredits
	case errors.Is(err, ErrInvalidAmount):
		return FailureInvalidAmount
	default:
		return FailureRemote
	}
}

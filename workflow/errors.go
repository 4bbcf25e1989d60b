package workflow

import "errors"

var (
	ErrInvalidCallback     = errors.New("invalid settlement callback")
	ErrEntityNotFound      = errors.New("settlement entity not found")
	ErrConflictingOutcome  = errors.New("callback conflicts with recorded terminal state")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEntityNotPending    = errors.New("entity is not pending")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotRetryable     = errors.New("job is not in a retryable state")
	ErrInvalidJob          = errors.New("invalid job")
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrOutcomeNotYetApplicable marks a callback that arrived before the outcome it follows,
	// e.g. a refund for a payment whose success is not recorded yet. The sender should retry.
	ErrOutcomeNotYetApplicable = errors.New("callback arrived before its preceding outcome")
)

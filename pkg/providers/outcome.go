package providers

import (
	"context"
	"errors"
)

// Outcome classifies the result of a provider call
type Outcome int

const (
	// OutcomeOK means the call succeeded
	OutcomeOK Outcome = iota
	// OutcomeRetryable means the call failed transiently: timeouts,
	// throttling, 5xx. Worth trying again.
	OutcomeRetryable
	// OutcomeFatal means retrying cannot help: bad credentials, malformed
	// request, unsupported shape
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

type classifiedError struct {
	err     error
	outcome Outcome
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// AsRetryable marks an error as transient
func AsRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, outcome: OutcomeRetryable}
}

// AsFatal marks an error as permanent
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, outcome: OutcomeFatal}
}

// Classify returns the outcome recorded on err. Unmarked errors default to
// retryable, since unclassified failures are overwhelmingly network trouble.
// Context cancellation is fatal: the caller gave up, retrying is pointless.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.outcome
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

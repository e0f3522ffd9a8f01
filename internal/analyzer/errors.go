package analyzer

import "errors"

var (
	// ErrPolicyBlocked means the unit lacks analysis consent. Never retried.
	ErrPolicyBlocked = errors.New("analysis consent not granted")
	// ErrModelTimeout means the model call exceeded the configured timeout.
	ErrModelTimeout = errors.New("model call timed out")
	// ErrModelMalformed means the model output could not be decoded.
	ErrModelMalformed = errors.New("malformed model output")
	// ErrModelUnavailable means the model backend refused or failed the call.
	ErrModelUnavailable = errors.New("model backend unavailable")
	// ErrEmptyAnalysis means normalization left no themes and no quotes.
	ErrEmptyAnalysis = errors.New("analysis produced no themes or quotes")
)

// FailureKind maps an analysis error to the short label recorded on runs
// and jobs.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrPolicyBlocked):
		return "policy_blocked"
	case errors.Is(err, ErrModelTimeout):
		return "timeout"
	case errors.Is(err, ErrModelMalformed):
		return "malformed"
	case errors.Is(err, ErrModelUnavailable):
		return "unavailable"
	case errors.Is(err, ErrEmptyAnalysis):
		return "empty"
	default:
		return "error"
	}
}

// Package fault defines the error taxonomy shared across the agent loop,
// model router, and tool registry. Every failure that crosses a package
// boundary is classified into a Kind so callers can decide mechanically
// whether to fall back, retry, or surface the failure to the user.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value: an unclassified failure.
	KindUnknown Kind = iota

	// KindProviderUnavailable covers transport-level model failures:
	// timeouts, connection errors, HTTP 5xx, rate limiting. Recoverable
	// by advancing the fallback chain.
	KindProviderUnavailable

	// KindProviderRejected covers semantic provider failures: invalid
	// request, auth failure, context length exceeded.
	KindProviderRejected

	// KindToolExecutionFailed covers tool provider failures. Never fatal
	// to a turn: the failure is reported back to the model as a tool
	// result so it can recover.
	KindToolExecutionFailed

	// KindBudgetExceeded means the caller's remaining token budget cannot
	// cover the estimated request cost.
	KindBudgetExceeded

	// KindIterationLimitExceeded means the loop hit its model round-trip
	// ceiling and the turn was cut short.
	KindIterationLimitExceeded

	// KindUnknownTool means the model requested a tool the registry does
	// not currently list, typically after a manifest refresh removed it.
	KindUnknownTool
)

// String returns the snake_case name used in logs and API error payloads.
func (k Kind) String() string {
	switch k {
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderRejected:
		return "provider_rejected"
	case KindToolExecutionFailed:
		return "tool_execution_failed"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindIterationLimitExceeded:
		return "iteration_limit_exceeded"
	case KindUnknownTool:
		return "unknown_tool"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Provider names the model vendor or tool
// namespace that failed, when one is known.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Provider, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Provider)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error wrapping cause. Provider may be empty.
func New(kind Kind, provider string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: cause}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns KindUnknown for nil and unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether a model-call failure should advance the
// fallback chain rather than abort the turn. Both unavailability and
// rejection advance it: a different vendor may well accept a request
// this vendor's auth or limits refused. Anything unclassified
// (including context cancellation) aborts.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindProviderRejected:
		return true
	default:
		return false
	}
}

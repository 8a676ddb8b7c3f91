package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for transport status mapping.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindBusy
	KindRateLimited
	KindDependency
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindRateLimited:
		return "rate_limited"
	case KindDependency:
		return "dependency"
	case KindConsistency:
		return "consistency"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindBusy || k == KindRateLimited || k == KindDependency
}

// Error is a typed failure carrying a stable code and a human reason.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind and code so that wrapped copies created
// with WithReason still satisfy errors.Is against the original sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New creates a sentinel-style error.
func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

// Wrap attaches a cause to a new typed error.
func Wrap(kind Kind, code string, err error) *Error {
	reason := code
	if err != nil {
		reason = err.Error()
	}
	return &Error{Kind: kind, Code: code, Reason: reason, Err: err}
}

// WithReason returns a copy of e with a more specific reason.
func (e *Error) WithReason(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Reason: fmt.Sprintf(format, args...), Err: e.Err}
}

// Validation builds an input validation failure.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Dependency wraps a failure of an external collaborator.
func Dependency(service string, err error) *Error {
	return &Error{Kind: KindDependency, Code: service + "_unavailable", Reason: service + " request failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

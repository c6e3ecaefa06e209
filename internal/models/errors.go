package models

import (
	"errors"
	"fmt"
)

// Kind is the behavioral category of an error. Components use it to decide
// whether to retry, reroute, or fail fast.
type Kind int

const (
	// KindTransient covers store connect/read/write failures. Retryable.
	KindTransient Kind = iota
	// KindProtocol covers decode and schema mismatches. Never retried;
	// the offending entry goes to the DLQ.
	KindProtocol
	// KindPolicy covers local routing decisions: no candidate, breaker
	// open, pause active.
	KindPolicy
	// KindFatal covers invalid configuration at startup.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its behavioral kind.
type Error struct {
	Kind Kind
	Err  error
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, defaulting to KindTransient so that
// unclassified failures remain retryable.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

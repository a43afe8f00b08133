package openproject

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the client can surface. The set is closed:
// callers switch on it to pick retry behaviour and wire error codes, so a
// new kind means a new decision at every call site.
type Kind int

const (
	// KindTransient covers network failures, 5xx responses and rate
	// limiting. Safe to retry for idempotent reads.
	KindTransient Kind = iota
	// KindAuth is a 401 from the backend. Never retried.
	KindAuth
	// KindNotFound is a 404 from the backend. Never retried.
	KindNotFound
	// KindProtocol means the backend answered with a shape we refuse to
	// guess about: malformed JSON, a missing required field, or an
	// unexpected status code. Never retried.
	KindProtocol
	// KindClosed means the client was used after Close.
	KindClosed
	// KindValidation means the caller's input was rejected before any
	// request went out. Never retried; no backend call happened.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	case KindClosed:
		return "closed"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Error is the single error type returned by the client.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("openproject: %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the client error kind, reporting false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable client error.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

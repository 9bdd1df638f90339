// Package apperr classifies failures so callers can pick a recovery path
// (retry, back off, re-authenticate, give up) without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is a failure category.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRateLimit
	KindAuth
	KindConnection
	KindTransientIO
	KindMalformed
	KindBadRequest
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindConnection:
		return "connection"
	case KindTransientIO:
		return "transient_io"
	case KindMalformed:
		return "malformed"
	case KindBadRequest:
		return "bad_request"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may succeed
// when attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimit, KindConnection, KindTransientIO:
		return true
	default:
		return false
	}
}

var (
	ErrClosed   = errors.New("closed")
	ErrNotFound = errors.New("not found")
)

// Error is a classified error. Status carries the HTTP status when the
// failure came from an API response.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err, keeping an existing classification intact.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus maps an HTTP status code to a classified error.
func FromStatus(op string, status int, body string) *Error {
	var kind Kind
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimit
	case status == 500 || status == 502 || status == 503 || status == 504:
		kind = KindConnection
	case status >= 400 && status < 500:
		kind = KindBadRequest
	default:
		kind = KindConnection
	}
	var err error
	if body != "" {
		err = errors.New(body)
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation is never classified.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err).Retryable()
}

// IsFatal reports errors that must stop the process instead of triggering a
// fallback.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindAuth || k == KindConfig
}

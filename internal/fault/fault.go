// ABOUTME: Error kinds, the Error type and helpers for classifying failures
// ABOUTME: Redact scrubs secrets out of any text before it is surfaced

package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Compare with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("authorization error")
	ErrNotFound     = errors.New("not found")
	ErrRemote       = errors.New("remote failure")
	ErrIntegrity    = errors.New("integrity violation")
	ErrRateLimited  = errors.New("rate limited")
)

// Kind names as rendered on the wire.
const (
	KindValidation   = "validation"
	KindUnauthorized = "authorization"
	KindNotFound     = "not_found"
	KindRemote       = "remote"
	KindIntegrity    = "integrity"
	KindRateLimited  = "rate_limited"
	KindInternal     = "internal"
)

// Error is a classified failure with a reason that is safe to show to users.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Validation returns an ErrValidation failure.
func Validation(format string, args ...any) error { return newf(ErrValidation, format, args...) }

// Unauthorized returns an ErrUnauthorized failure.
func Unauthorized(format string, args ...any) error { return newf(ErrUnauthorized, format, args...) }

// NotFound returns an ErrNotFound failure.
func NotFound(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

// Integrity returns an ErrIntegrity failure.
func Integrity(format string, args ...any) error { return newf(ErrIntegrity, format, args...) }

// RateLimited returns an ErrRateLimited failure.
func RateLimited(format string, args ...any) error { return newf(ErrRateLimited, format, args...) }

// Remote wraps a runner or platform failure. The cause is kept for logging
// but callers should show Reason, not Error().
func Remote(cause error, format string, args ...any) error {
	e := newf(ErrRemote, format, args...)
	e.Err = cause
	return e
}

// KindOf returns the wire name of err's kind. Unclassified errors are internal.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrRemote), errors.Is(err, context.DeadlineExceeded):
		return KindRemote
	default:
		return KindInternal
	}
}

// Reason returns the user-facing text for err. Internal errors collapse to a
// generic message so storage details never leak.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	if KindOf(err) == KindRemote {
		return "remote request timed out"
	}
	return "internal error"
}

const redacted = "[redacted]"

// Redact replaces every occurrence of each non-empty secret in msg.
// Secrets shorter than 4 bytes are ignored to avoid shredding ordinary text.
func Redact(msg string, secrets ...string) string {
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		msg = strings.ReplaceAll(msg, s, redacted)
	}
	return msg
}

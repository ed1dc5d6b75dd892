// Package apperr defines the error kinds shared by every devtrail component
// and their mapping onto the HTTP surface.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error independently of its concrete type.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTimeout           Kind = "timeout"
	KindSourceUnavailable Kind = "source_unavailable"
	KindStoreIO           Kind = "store_io"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal"
)

// Error is a kinded error. Op names the operation that failed, e.g. "store.Write".
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return string(e.Kind)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf returns a KindValidation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a KindConflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err. Deadline and cancellation errors map to
// KindTimeout; anything unrecognised is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindSourceUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message renders err for the wire with its stable kind prefix,
// e.g. "not_found: prompt abc".
func Message(err error) string {
	kind := KindOf(err)
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && e.Err == nil {
		return string(kind) + ": " + e.Msg
	}
	return string(kind) + ": " + err.Error()
}

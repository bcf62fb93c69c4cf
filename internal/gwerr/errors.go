// Package gwerr carries the gateway's unified error type. Every component
// reports failures through one structured error so callers can branch on
// kind instead of string matching.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	// KindValidation marks a malformed inbound request. Fails before any
	// provider call.
	KindValidation Kind = "validation"
	// KindTransform marks an unsupported content shape. The offending block
	// is skipped with a diagnostic; the request itself keeps going.
	KindTransform Kind = "transform"
	// KindProvider marks an upstream non-success status or transport
	// failure. Surfaced to the caller and reported to the key pool.
	KindProvider Kind = "provider"
	// KindRepair marks JSON repair exhausting all fallbacks. Non-fatal:
	// the consumer substitutes an empty object.
	KindRepair Kind = "repair"
	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, HTTPStatus: defaultStatus(kind)}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, HTTPStatus: defaultStatus(kind), Cause: cause}
}

func Validation(msg string) *Error {
	return New(KindValidation, msg)
}

func Provider(status int, msg string) *Error {
	return &Error{
		Kind:       KindProvider,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// KindOf reports the kind of err, or KindInternal when err is not a gateway
// error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// StatusOf reports the HTTP status to answer err with.
func StatusOf(err error) int {
	var ge *Error
	if errors.As(err, &ge) && ge.HTTPStatus != 0 {
		return ge.HTTPStatus
	}
	return http.StatusInternalServerError
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

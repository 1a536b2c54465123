// Package qerr defines the unified error taxonomy shared by the HTTP
// surface, the orchestrator, and the pilots. Every failure that can cross a
// package boundary is an *Error with a Kind; the HTTP layer maps kinds to
// status codes and everything else matches with errors.As / qerr.KindOf.
package qerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind string

const (
	KindValidation              Kind = "validation_error"
	KindUnauthorized            Kind = "unauthorized"
	KindForbidden               Kind = "forbidden"
	KindNotFound                Kind = "not_found"
	KindInvalidStateTransition  Kind = "invalid_state_transition"
	KindUnsupportedJobType      Kind = "unsupported_job_type"
	KindCancelUnsupported       Kind = "cancel_unsupported"
	KindNotImplementedInSync    Kind = "not_implemented_in_sync_mode"
	KindTranspile               Kind = "transpile_error"
	KindNoPath                  Kind = "no_path"
	KindUnknownFormat           Kind = "unknown_format"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindInternal                Kind = "internal"
)

type Error struct {
	kind    Kind
	message string
	wrapped error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" && e.wrapped != nil {
		msg = e.wrapped.Error()
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s: %s", e.kind, msg)
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.wrapped }

// Message returns the human-readable part without the kind prefix.
func (e *Error) Message() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" && e.wrapped != nil {
		msg = e.wrapped.Error()
	}
	return msg
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), wrapped: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a taxonomy kind to its HTTP surfacing per the API contract.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUnknownFormat:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidStateTransition:
		return http.StatusConflict
	case KindUnsupportedJobType, KindCancelUnsupported, KindNotImplementedInSync:
		return http.StatusNotImplemented
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindTranspile, KindNoPath:
		// Planning failures surface as validation at the API boundary; during
		// execution they are recorded as per-program ERROR results instead.
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

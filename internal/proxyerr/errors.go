// Package proxyerr defines the error taxonomy shared by the supervisor,
// version manager, and fallback gateway. Every fatal condition the core can
// surface maps to exactly one Code, with enough context attached to diagnose
// it without digging through logs.
package proxyerr

import (
	"errors"
	"fmt"
)

// Code identifies one member of the proxy error taxonomy.
type Code string

const (
	CodeBinaryNotFound      Code = "binary_not_found"
	CodeDownloadFailed      Code = "download_failed"
	CodeChecksumMismatch    Code = "checksum_mismatch"
	CodePortInUse           Code = "port_in_use"
	CodeHealthCheckTimeout  Code = "health_check_timeout"
	CodeProcessExited       Code = "process_exited_unexpectedly"
	CodeUpgradeIncompatible Code = "upgrade_incompatible"
	CodeFallbackExhausted   Code = "fallback_exhausted"
)

// Error is a taxonomy-coded error with diagnostic context. The zero values of
// the context fields mean "not applicable".
type Error struct {
	Code       Code
	Message    string
	Err        error
	Version    string // version tag involved, if any
	HTTPStatus int    // upstream HTTP status, if any
	EntryIndex int    // fallback entry index, -1 when not applicable
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Version != "" {
		msg += fmt.Sprintf(" (version %s)", e.Version)
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (status %d)", e.HTTPStatus)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so callers can compare against sentinel instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a taxonomy error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), EntryIndex: -1}
}

// Wrap creates a taxonomy error wrapping an underlying cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err, EntryIndex: -1}
}

// CodeOf extracts the taxonomy code from err, or "" when err is not a
// taxonomy error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

package medsync

import (
	"errors"
	"fmt"
)

// Code classifies a synchronization failure for the UI.
type Code string

const (
	CodeNoConnectivity    Code = "NO_CONNECTIVITY"
	CodeNetworkTimeout    Code = "NETWORK_TIMEOUT"
	CodeNoCacheAvailable  Code = "NO_CACHE_AVAILABLE"
	CodeUpstream4xx       Code = "UPSTREAM_4XX"
	CodeUpstream5xx       Code = "UPSTREAM_5XX"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeCacheIO           Code = "CACHE_IO_ERROR"
)

// Sentinels for errors.Is matching against a code.
var (
	ErrNoConnectivity    = &Error{Code: CodeNoConnectivity}
	ErrNetworkTimeout    = &Error{Code: CodeNetworkTimeout}
	ErrNoCacheAvailable  = &Error{Code: CodeNoCacheAvailable}
	ErrUpstream4xx       = &Error{Code: CodeUpstream4xx}
	ErrUpstream5xx       = &Error{Code: CodeUpstream5xx}
	ErrLedgerUnavailable = &Error{Code: CodeLedgerUnavailable}
	ErrCacheIO           = &Error{Code: CodeCacheIO}
)

// Error is a classified failure. Op names the operation that failed and Err
// carries the underlying cause, if any.
type Error struct {
	Code   Code
	Op     string
	Status int
	Err    error
}

// NewError builds a classified error.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err is nil or unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether an explicit refresh may succeed later.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkTimeout, CodeUpstream5xx, CodeNoConnectivity, CodeNoCacheAvailable:
		return true
	}
	return false
}

// NeedsReauth reports whether the user must sign in again before retrying.
func NeedsReauth(err error) bool {
	return CodeOf(err) == CodeUpstream4xx
}

// Scoped reports whether the failure is confined to the ledger section.
func Scoped(err error) bool {
	return CodeOf(err) == CodeLedgerUnavailable
}

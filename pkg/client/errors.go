package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all attempts for a transient failure
	// were used. The failure is retryable by a later run.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMalformedResponse marks a payload that does not match the expected
	// schema. Retrying cannot fix it.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidPageToken is returned for tokens this client did not issue.
	ErrInvalidPageToken = errors.New("invalid page token")

	// ErrAboveCeiling is returned when a query matches more rows than the
	// API serves. The rows past the ceiling cannot be read with that query.
	ErrAboveCeiling = errors.New("result set above page ceiling")

	// ErrNotFound is returned by FetchAddress for unknown ids.
	ErrNotFound = errors.New("not found")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and limiter timeouts.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents schema violations in a 2xx payload.
	ErrorClassParse ErrorClass = "parse"
)

// Transient reports whether failures of this class are worth retrying.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// FetchError is a classified fetch failure.
type FetchError struct {
	Class      ErrorClass
	StatusCode int
	Endpoint   string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s error", e.Endpoint, e.Class)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient fetch failure that a
// later attempt (or run) may succeed on.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryExhausted) {
		return true
	}
	var fe *FetchError
	return errors.As(err, &fe) && fe.Class.Transient()
}

// ClassOf returns the class of err, or "" if err is not a FetchError.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ""
}

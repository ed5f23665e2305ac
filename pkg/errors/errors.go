// Package apperrors defines the error taxonomy shared across the platform.
package apperrors

import (
	"errors"
	"fmt"
)

// Category sentinels. Every error produced by the core wraps exactly one of
// these so callers can branch with errors.Is regardless of the message.
var (
	ErrExchange  = errors.New("exchange error")
	ErrParse     = errors.New("parse error")
	ErrAuth      = errors.New("authentication error")
	ErrDatabase  = errors.New("database error")
	ErrStream    = errors.New("stream error")
	ErrAlgorithm = errors.New("algorithm error")
	ErrScript    = errors.New("script error")
)

// Standardized exchange rejection reasons, mapped from exchange error codes.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrInvalidOrderParam    = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
)

// Exchange wraps a transport, signing or non-2xx failure.
func Exchange(format string, args ...interface{}) error {
	return wrap(ErrExchange, format, args...)
}

// Parse wraps a JSON or numeric decoding failure.
func Parse(format string, args ...interface{}) error {
	return wrap(ErrParse, format, args...)
}

// Auth wraps a missing or invalid credential failure.
func Auth(format string, args ...interface{}) error {
	return wrap(ErrAuth, format, args...)
}

// Database wraps a persistence failure.
func Database(format string, args ...interface{}) error {
	return wrap(ErrDatabase, format, args...)
}

// Stream wraps an IPC or client-socket failure.
func Stream(format string, args ...interface{}) error {
	return wrap(ErrStream, format, args...)
}

// Algorithm wraps an invariant or lifecycle violation.
func Algorithm(format string, args ...interface{}) error {
	return wrap(ErrAlgorithm, format, args...)
}

// Script wraps an unsafe-source, missing-symbol or wrong-return failure.
func Script(format string, args ...interface{}) error {
	return wrap(ErrScript, format, args...)
}

func wrap(category error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", category, fmt.Sprintf(format, args...))
}

// Package errors provides structured error types for the pooled HTTP client.
//
// This package provides:
//   - Sentinel errors for every failure kind a caller can observe
//   - Numeric codes for categorizing failures in logs and metrics
//   - Constructors for the connect and handshake failure shapes
//   - Thin wrappers over the standard errors helpers
//
// Every structured error unwraps to its underlying cause, so callers can
// reach transport-level details such as certificate errors with errors.As.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for categorizing errors.
const (
	CodeInternal         = 1000 // Unclassified failure
	CodeConfiguration    = 1001 // Invalid key, missing TLS context, bad options
	CodeConnect          = 1002 // TCP connect failed
	CodeHandshake        = 1003 // TLS handshake failed or timed out
	CodePoolTimeout      = 1004 // No handle available before the borrow deadline
	CodeResourceInvalid  = 1005 // Idle handle failed validation
	CodePoolClosed       = 1006 // Pool no longer accepts borrows
	CodeRequestTimeout   = 1007 // Request exceeded its deadline after borrow
	CodeProtocol         = 1008 // Malformed response on the wire
	CodeCircuitOpen      = 1009 // Endpoint breaker is rejecting connects
	CodeState            = 1010 // Invalid lifecycle transition
	CodeRateLimited      = 1011 // Rate limiter refused the request
	CodeNotBorrowed      = 1012 // Release or discard of a handle not on loan
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrConfiguration indicates an invalid endpoint key or missing TLS context.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnect indicates the TCP connection could not be established.
	ErrConnect = errors.New("connect failed")

	// ErrHandshake indicates the TLS handshake failed or did not finish in time.
	ErrHandshake = errors.New("handshake failed")

	// ErrHandshakeTimeout indicates the handshake timer fired before the
	// handshake completed. Errors carrying it also match ErrHandshake.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrPoolTimeout indicates no handle became available before the borrow deadline.
	ErrPoolTimeout = errors.New("timed out waiting for a pooled connection")

	// ErrResourceInvalid indicates an idle handle failed validation.
	ErrResourceInvalid = errors.New("pooled resource is invalid")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNotBorrowed indicates a release or discard of a handle that is not on loan.
	ErrNotBorrowed = errors.New("resource is not borrowed")

	// ErrRequestTimeout indicates the request did not complete before its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrProtocol indicates the peer violated HTTP/1.1 framing.
	ErrProtocol = errors.New("protocol error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidState indicates an invalid lifecycle transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Client lifecycle errors
var (
	// ErrClientInvalidState indicates Start or Stop was called in the wrong state.
	ErrClientInvalidState = fmt.Errorf("client: %w", ErrInvalidState)

	// ErrClientInvalidConfig indicates the client configuration failed validation.
	ErrClientInvalidConfig = fmt.Errorf("client: %w", ErrConfiguration)
)

// Error is a structured error with a code and a message.
// Message names the failing host where one exists; Err holds the cause.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description of the failure
	Message string `json:"message"`
	// Err is the underlying cause
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	for _, s := range sentinelCodes {
		if s.err == target {
			return s.code == e.Code
		}
	}
	return false
}

// SafeMessage returns the message without the cause chain.
func (e *Error) SafeMessage() string {
	return e.Message
}

var sentinelCodes = []struct {
	err  error
	code int
}{
	{ErrConfiguration, CodeConfiguration},
	{ErrConnect, CodeConnect},
	{ErrHandshake, CodeHandshake},
	{ErrPoolTimeout, CodePoolTimeout},
	{ErrResourceInvalid, CodeResourceInvalid},
	{ErrPoolClosed, CodePoolClosed},
	{ErrNotBorrowed, CodeNotBorrowed},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrProtocol, CodeProtocol},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrInvalidState, CodeState},
	{ErrRateLimited, CodeRateLimited},
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Configuration returns a configuration error with a formatted message.
func Configuration(format string, args ...any) *Error {
	return Wrap(CodeConfiguration, fmt.Sprintf(format, args...), ErrConfiguration)
}

// ConnectFailure reports a failed TCP connect to host.
func ConnectFailure(host string, cause error) *Error {
	return Wrap(CodeConnect, fmt.Sprintf("connect failed for host %s", host), cause)
}

// HandshakeFailure reports a failed TLS handshake with host.
func HandshakeFailure(host string, cause error) *Error {
	return Wrap(CodeHandshake, fmt.Sprintf("handshake failed for host %s", host), cause)
}

// HandshakeTimeout reports a handshake with host that did not finish within after.
// It has the HandshakeFailure shape and its cause matches ErrHandshakeTimeout.
func HandshakeTimeout(host string, after time.Duration) *Error {
	return HandshakeFailure(host, &TimeoutError{Op: "tls handshake", After: after, Err: ErrHandshakeTimeout})
}

// TimeoutError is the cause attached to timer-driven failures. It satisfies
// net.Error so callers checking Timeout() see it as a timeout.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	code := codeFromError(err)
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf returns the code for err, or CodeInternal when err is unclassified.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codeFromError(err)
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrConnect):
		return CodeConnect
	case errors.Is(err, ErrHandshake), errors.Is(err, ErrHandshakeTimeout):
		return CodeHandshake
	case errors.Is(err, ErrPoolTimeout):
		return CodePoolTimeout
	case errors.Is(err, ErrResourceInvalid):
		return CodeResourceInvalid
	case errors.Is(err, ErrPoolClosed):
		return CodePoolClosed
	case errors.Is(err, ErrNotBorrowed):
		return CodeNotBorrowed
	case errors.Is(err, ErrRequestTimeout):
		return CodeRequestTimeout
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// Kind returns a short label for err's category, for logs and metric labels.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	switch CodeOf(err) {
	case CodeConfiguration:
		return "configuration"
	case CodeConnect:
		return "connect"
	case CodeHandshake:
		if errors.Is(err, ErrHandshakeTimeout) {
			return "handshake_timeout"
		}
		return "handshake"
	case CodePoolTimeout:
		return "pool_timeout"
	case CodeResourceInvalid:
		return "resource_invalid"
	case CodePoolClosed:
		return "pool_closed"
	case CodeRequestTimeout:
		return "request_timeout"
	case CodeProtocol:
		return "protocol"
	case CodeCircuitOpen:
		return "circuit_open"
	case CodeRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// IsConfiguration returns true if the error indicates a configuration failure.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConnect returns true if the error indicates a TCP connect failure.
func IsConnect(err error) bool {
	return errors.Is(err, ErrConnect)
}

// IsHandshake returns true if the error indicates a handshake failure,
// including a handshake timeout.
func IsHandshake(err error) bool {
	return errors.Is(err, ErrHandshake)
}

// IsHandshakeTimeout returns true if the handshake timer fired.
func IsHandshakeTimeout(err error) bool {
	return errors.Is(err, ErrHandshakeTimeout)
}

// IsPoolTimeout returns true if the borrow deadline elapsed.
func IsPoolTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}

// IsPoolClosed returns true if the error indicates the pool is closed.
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsRequestTimeout returns true if the request deadline elapsed.
func IsRequestTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

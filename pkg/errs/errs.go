// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the closed error taxonomy and a single
// ClassifyError policy point, so retry middleware, the circuit
// breaker, and turn-level error reporting all agree on what is
// transient versus terminal instead of re-deriving it independently.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the closed taxonomy of error kinds the core reasons about.
type Class string

const (
	ClassAuth             Class = "auth"
	ClassTransientNetwork Class = "transient_network"
	ClassRateLimitRetry   Class = "rate_limit_retryable"
	ClassRateLimitFinal   Class = "rate_limit_terminal"
	ClassClient           Class = "client_error"
	ClassContextLength    Class = "context_length"
	ClassServer           Class = "server"
	ClassCanceled         Class = "canceled"
	ClassPermissionDenied Class = "permission_denied"
	ClassCircuitOpen      Class = "circuit_open"
	ClassUnknown          Class = "unknown"
)

// Retryable reports whether errors of this class should be retried by
// the retry middleware with exponential backoff.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransientNetwork, ClassRateLimitRetry, ClassServer:
		return true
	default:
		return false
	}
}

// Error is a classified error: a Class tag, a human-readable message,
// an optional retry-after hint surfaced by a rate-limited provider, and
// the wrapped cause.
type Error struct {
	Class      Class
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %v)", e.Class, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified Error.
func New(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// WithRetryAfter attaches a vendor-provided retry hint and returns e.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// ClassOf extracts the Class of err, walking its Unwrap chain, or
// ClassUnknown if err carries no classification.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsRetryable reports whether err's class should be retried.
func IsRetryable(err error) bool {
	return ClassOf(err).Retryable()
}

// RetryAfter extracts a vendor-provided retry hint, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}

// Sentinel errors for classes with no additional structured payload.
var (
	ErrPermissionDenied = New(ClassPermissionDenied, "tool call denied", nil)
	ErrCircuitOpen      = New(ClassCircuitOpen, "circuit breaker open", nil)
	ErrCanceled         = New(ClassCanceled, "operation canceled", nil)
)

// ClassifyError is the default classification policy: it recognizes
// context cancellation/deadline and the package's own *Error, and
// otherwise falls back to ClassUnknown (non-retryable) rather than
// guessing. Embedding applications with provider-specific error shapes
// (HTTP status codes, vendor SDK error types) should wrap this with
// their own classifier before handing errors to the retry middleware.
func ClassifyError(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	return ClassOf(err)
}

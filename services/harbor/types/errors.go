// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types holds the error taxonomy shared by the harbor subsystems.
//
// Every failure that crosses a package boundary is classified into one
// of four kinds:
//
//   - Transient: network timeouts, connection resets, 5xx responses,
//     rate limits with a retry hint. Absorbed by the retry budget and
//     only surfaced when retries exhaust.
//   - Blocked: the circuit for a destination is open and no usable
//     cache exists. Surfaced immediately so callers can show a
//     degraded/offline state.
//   - Validation: malformed input, path traversal, disallowed URL
//     scheme. Never retried; the caller must fix the input.
//   - Corruption: hash mismatch after download, unreadable cache or
//     index file. Never silently recovered; the affected artifact is
//     quarantined (renamed aside), never deleted.
package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a failure for retry and surfacing decisions.
type ErrorKind int

const (
	// KindUnknown is the zero value for unclassified errors.
	// Unclassified errors are treated as non-retryable.
	KindUnknown ErrorKind = iota

	// KindTransient marks failures worth retrying.
	KindTransient

	// KindBlocked marks requests refused by an open circuit with no
	// cache fallback.
	KindBlocked

	// KindValidation marks caller-fixable input errors.
	KindValidation

	// KindCorruption marks integrity failures (hash mismatch,
	// unreadable on-disk state).
	KindCorruption
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBlocked:
		return "blocked"
	case KindValidation:
		return "validation"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// OpError is the structured error carried across subsystem boundaries.
//
// It records enough context (operation, destination, kind, cause) for
// the caller to decide retry-vs-abort without string matching.
type OpError struct {
	// Op names the failing operation, e.g. "catalog.refresh".
	Op string

	// Destination is the remote host or source id involved, if any.
	Destination string

	// Kind is the taxonomy classification.
	Kind ErrorKind

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Destination, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op, destination string, err error) *OpError {
	return &OpError{Op: op, Destination: destination, Kind: KindTransient, Err: err}
}

// Blocked wraps err as a circuit-open failure with no cache fallback.
func Blocked(op, destination string, err error) *OpError {
	return &OpError{Op: op, Destination: destination, Kind: KindBlocked, Err: err}
}

// Validation wraps err as a caller-fixable input failure.
func Validation(op, destination string, err error) *OpError {
	return &OpError{Op: op, Destination: destination, Kind: KindValidation, Err: err}
}

// Corruption wraps err as an integrity failure.
func Corruption(op, destination string, err error) *OpError {
	return &OpError{Op: op, Destination: destination, Kind: KindCorruption, Err: err}
}

// HTTPError reports a non-2xx response from a remote source.
//
// It carries the rate-limit hint so the retry policy can honor
// Retry-After instead of its computed backoff.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Status is the HTTP status line, e.g. "503 Service Unavailable".
	Status string

	// URL is the requested URL.
	URL string

	// RetryAfter is the parsed Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Status)
}

// KindOf classifies err.
//
// An explicit *OpError wins; otherwise HTTP status and network error
// shape decide. Unrecognized errors are KindUnknown (not retried).
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	return classifyNetwork(err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsBlocked reports whether err came from an open circuit.
func IsBlocked(err error) bool {
	return KindOf(err) == KindBlocked
}

// IsValidation reports whether err is caller-fixable input.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsCorruption reports whether err is an integrity failure.
func IsCorruption(err error) bool {
	return KindOf(err) == KindCorruption
}

// RetryAfter extracts a rate-limit hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter, true
	}
	return 0, false
}

// classifyStatus maps an HTTP status code to a kind.
//
// 5xx and 429 are transient. Remaining 4xx are validation: the request
// itself is wrong and repeating it cannot help.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// classifyNetwork maps wire-level errors to a kind.
//
// Cancellation is not retryable: the caller asked to stop. Deadline
// expiry, connection-level failures, and timeouts are transient.
func classifyNetwork(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindUnknown
}

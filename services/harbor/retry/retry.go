// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements exponential backoff with additive jitter
// for transient network failures.
//
// Only transient errors are retried. Validation errors, corruption,
// and non-rate-limit 4xx responses fail immediately; see the types
// package for how errors are classified.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// ErrInvalidConfig indicates a retry configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff (jitter excluded).
	// Default: 30s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied per attempt.
	// Default: 2.0
	BackoffFactor float64

	// JitterMax bounds the uniform additive jitter in [0, JitterMax).
	// Spread out retries from concurrent jobs hitting the same host.
	// Default: 1s. Set negative to disable (tests).
	JitterMax time.Duration
}

// DefaultConfig returns sensible defaults for remote artifact fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterMax:      1 * time.Second,
	}
}

// withDefaults fills zero fields with defaults. A negative JitterMax
// is preserved as "no jitter".
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffFactor < 1.0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.JitterMax == 0 {
		c.JitterMax = d.JitterMax
	}
	return c
}

// Validate checks whether the configuration is usable.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialBackoff <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxBackoff < c.InitialBackoff {
		return ErrInvalidConfig
	}
	if c.BackoffFactor < 1.0 {
		return ErrInvalidConfig
	}
	return nil
}

// NextDelay returns the wait before retry number attempt (1-based:
// attempt 1 is the wait after the first failure).
//
// The deterministic part is InitialBackoff * BackoffFactor^(attempt-1),
// capped at MaxBackoff. On top of that a uniform jitter in
// [0, JitterMax) is added.
func (c Config) NextDelay(attempt int) time.Duration {
	c = c.withDefaults()

	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(attempt-1))
	delay := time.Duration(backoff)
	if delay > c.MaxBackoff || delay <= 0 {
		// The exponent overflows for large attempt counts
		delay = c.MaxBackoff
	}

	if c.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(c.JitterMax)))
	}
	return delay
}

// ShouldRetry reports whether another attempt should be made after
// attempt attempts have failed with err.
//
// Only transient errors qualify. A rate-limited response carrying
// Retry-After classifies as transient and is retried.
func (c Config) ShouldRetry(attempt int, err error) bool {
	c = c.withDefaults()

	if attempt >= c.MaxAttempts {
		return false
	}
	return types.IsTransient(err)
}

// Result contains the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil on success).
	LastError error
}

// Func is an operation that can be retried. It receives the 1-based
// attempt number.
type Func func(ctx context.Context, attempt int) error

// Do executes fn with exponential backoff retry.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - config: Retry configuration. Zero fields take defaults.
//   - fn: The operation to execute and potentially retry.
//
// Outputs:
//   - Result: Statistics about the attempts made.
//   - error: The last error if all attempts failed, nil on success.
//
// Non-transient errors return immediately without further attempts.
// When the failed attempt carries a server-provided Retry-After, that
// delay is honored instead of the computed backoff.
func Do(ctx context.Context, config Config, fn Func) (Result, error) {
	config = config.withDefaults()

	start := time.Now()
	result := Result{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		result.LastError = err

		if !config.ShouldRetry(attempt, err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		delay := config.NextDelay(attempt)
		if retryAfter, ok := types.RetryAfter(err); ok && retryAfter > 0 {
			// The server knows its own recovery schedule
			delay = retryAfter
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

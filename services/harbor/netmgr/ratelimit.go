// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmgr

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateTracker remembers rate-limit signals per destination so later
// requests wait instead of burning quota on guaranteed 429s.
type rateTracker struct {
	mu           sync.Mutex
	blockedUntil map[string]time.Time
	logger       *slog.Logger
}

func newRateTracker(logger *slog.Logger) *rateTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &rateTracker{
		blockedUntil: make(map[string]time.Time),
		logger:       logger,
	}
}

// observe inspects a response for rate-limit signals and records the
// earliest time the destination is worth contacting again.
func (t *rateTracker) observe(destination string, resp *http.Response) {
	var until time.Time

	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			until = time.Now().Add(d)
		}
	}

	// GitHub-style quota headers appear on 200s too
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			if at := time.Unix(reset, 0); at.After(until) {
				until = at
			}
		}
	}

	if until.IsZero() {
		return
	}

	t.mu.Lock()
	if until.After(t.blockedUntil[destination]) {
		t.blockedUntil[destination] = until
	}
	t.mu.Unlock()

	t.logger.Warn("rate limited",
		"destination", destination,
		"blocked_until", until.Format(time.RFC3339))
}

// wait blocks until the destination's rate-limit window passes, or the
// context is done. Returns immediately when the destination is clear.
func (t *rateTracker) wait(ctx context.Context, destination string) error {
	t.mu.Lock()
	until, ok := t.blockedUntil[destination]
	if ok && !until.After(time.Now()) {
		delete(t.blockedUntil, destination)
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}

	d := time.Until(until)
	if d <= 0 {
		return nil
	}

	t.logger.Debug("waiting for rate-limit window",
		"destination", destination,
		"wait", d.String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

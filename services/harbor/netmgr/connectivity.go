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
	"log/slog"
	"sync"
	"time"
)

// connectivityFailureThreshold is the number of consecutive
// network-level failures before the manager flips to offline.
const connectivityFailureThreshold = 3

// Connectivity tracks whether the host currently has a usable network
// path to the registered sources.
//
// # Description
//
// The flag is derived from aggregate request outcomes: consecutive
// transport failures across destinations flip it to offline, any
// success flips it back online. Dependents check Online before
// starting expensive work (catalog refresh, multi-shard downloads)
// and subscribe for transitions.
//
// A user can force offline mode; forced offline never flips back on
// success.
//
// # Thread Safety
//
// Connectivity is safe for concurrent use.
type Connectivity struct {
	mu                  sync.RWMutex
	online              bool
	forced              bool
	consecutiveFailures int
	lastChange          time.Time
	subscribers         map[int]func(online bool)
	nextSubscriber      int
	logger              *slog.Logger
}

// NewConnectivity creates a tracker that starts online.
func NewConnectivity(logger *slog.Logger) *Connectivity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connectivity{
		online:      true,
		lastChange:  time.Now(),
		subscribers: make(map[int]func(bool)),
		logger:      logger,
	}
}

// Online reports whether requests should be attempted at all.
func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online && !c.forced
}

// Forced reports whether offline mode was forced by the user.
func (c *Connectivity) Forced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forced
}

// ForceOffline pins the tracker offline (true) or releases the pin
// (false). Releasing restores the aggregate-derived state.
func (c *Connectivity) ForceOffline(forced bool) {
	c.mu.Lock()
	was := c.effectiveLocked()
	c.forced = forced
	now := c.effectiveLocked()
	c.mu.Unlock()

	if was != now {
		c.logger.Info("connectivity changed", "online", now, "forced", forced)
		c.notify(now)
	}
}

// RecordSuccess notes a completed request. Any success while not
// forced offline flips the tracker back online.
func (c *Connectivity) RecordSuccess() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	was := c.effectiveLocked()
	if !c.online {
		c.online = true
		c.lastChange = time.Now()
	}
	now := c.effectiveLocked()
	c.mu.Unlock()

	if was != now {
		c.logger.Info("connectivity changed", "online", now)
		c.notify(now)
	}
}

// RecordFailure notes a transport-level failure. Validation errors
// must not be reported here; a well-formed rejection proves the
// network is fine.
func (c *Connectivity) RecordFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	was := c.effectiveLocked()
	if c.online && c.consecutiveFailures >= connectivityFailureThreshold {
		c.online = false
		c.lastChange = time.Now()
	}
	now := c.effectiveLocked()
	failures := c.consecutiveFailures
	c.mu.Unlock()

	if was != now {
		c.logger.Warn("connectivity changed", "online", now, "consecutive_failures", failures)
		c.notify(now)
	}
}

// Subscribe registers a callback fired on every transition. The
// callback runs on its own goroutine. The returned function removes
// the subscription.
func (c *Connectivity) Subscribe(fn func(online bool)) func() {
	c.mu.Lock()
	id := c.nextSubscriber
	c.nextSubscriber++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// LastChange returns when the flag last flipped.
func (c *Connectivity) LastChange() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastChange
}

// effectiveLocked computes the externally visible state.
// Must be called with mu held.
func (c *Connectivity) effectiveLocked() bool {
	return c.online && !c.forced
}

func (c *Connectivity) notify(online bool) {
	c.mu.RLock()
	fns := make([]func(bool), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		go fn(online)
	}
}

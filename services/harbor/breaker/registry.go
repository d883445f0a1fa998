// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"errors"
	"sync"
)

// ErrCircuitOpen is returned when a request is rejected because the
// destination's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Registry manages one breaker per remote destination.
//
// # Description
//
// Breakers are created on demand with the registry's default config.
// Destinations with known quirks (aggressive rate limits, flaky
// mirrors) can be given their own config before first use.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	defaultConfig Config
	overrides     map[string]Config
	breakers      map[string]*Breaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry with the given default config.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		overrides:     make(map[string]Config),
		breakers:      make(map[string]*Breaker),
	}
}

// Configure sets a per-destination config override.
//
// Must be called before the destination's breaker is first used;
// an existing breaker keeps its original config.
func (r *Registry) Configure(destination string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[destination] = config
}

// Get returns the breaker for a destination, creating it if needed.
//
// # Inputs
//
//   - destination: Remote host, e.g. "huggingface.co".
//
// # Outputs
//
//   - *Breaker: The breaker for this destination.
func (r *Registry) Get(destination string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[destination]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[destination]; exists {
		return b
	}

	config := r.defaultConfig
	if override, ok := r.overrides[destination]; ok {
		config = override
	}

	b = New(destination, config)
	r.breakers[destination] = b
	return b
}

// ResetAll resets every breaker in the registry to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}

// States returns the current state of every known destination.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]State, len(r.breakers))
	for destination, b := range r.breakers {
		result[destination] = b.State()
	}
	return result
}

// AllStats returns stats snapshots for every known destination.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		result = append(result, b.Stats())
	}
	return result
}

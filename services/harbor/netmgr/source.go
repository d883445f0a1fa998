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
	"net/http"
)

// CacheStrategy controls how a source degrades when its destination is
// unreachable or its circuit is open.
type CacheStrategy int

const (
	// CacheNone propagates failures to the caller unchanged.
	CacheNone CacheStrategy = iota

	// CacheFallback serves stale cached data when the live request is
	// blocked by the breaker or fails after all retries.
	CacheFallback
)

// String returns the human-readable name for the strategy.
func (s CacheStrategy) String() string {
	switch s {
	case CacheNone:
		return "none"
	case CacheFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Source describes one external destination. Registering a Source is
// the only way new integrations reach the network; destination-specific
// logic stays out of the manager.
type Source struct {
	// ID is the stable identifier callers pass to Request,
	// e.g. "huggingface" or "github".
	ID string

	// BaseURL is the scheme and host all request paths are joined to,
	// e.g. "https://huggingface.co". Schemes https and gs are accepted.
	BaseURL string

	// CacheStrategy controls offline degradation for this source.
	CacheStrategy CacheStrategy

	// Client optionally overrides the manager's shared HTTP client.
	// Non-HTTP backends (GCS buckets) adapt their SDK behind this
	// interface so all outbound traffic flows through one choke point.
	Client HTTPClient
}

// HTTPClient executes a single HTTP request. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StaleServer serves previously cached payloads for a source when the
// live destination is unavailable. The catalog registers itself here.
type StaleServer interface {
	// ServeStale returns the cached response body for the request
	// path, or false if nothing usable is cached.
	ServeStale(ctx context.Context, path string) ([]byte, bool)
}

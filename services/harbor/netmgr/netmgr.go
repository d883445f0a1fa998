// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netmgr is the single choke point for all outbound requests.
//
// Every fetch (catalog refresh, release listing, artifact shard) flows
// through Manager.Request, which layers, in order: the destination's
// circuit breaker, recorded rate-limit windows, the retry policy, and
// per-source stale-cache fallback. Components never hold their own
// HTTP clients; they register a Source and go through the manager.
package netmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHarbor/pkg/validation"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/breaker"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

const (
	// defaultUserAgent identifies harbor to remote registries.
	defaultUserAgent = "aleutian-harbor"

	// maxErrorBodyBytes bounds how much of an error response body is
	// read for diagnostics.
	maxErrorBodyBytes = 4096

	// MetadataTimeout is the per-attempt timeout callers should use
	// for small metadata requests (catalog pages, tree listings).
	// Transfers of artifact bytes use a zero timeout and stream.
	MetadataTimeout = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Breakers holds per-destination circuit breakers. A fresh
	// registry with defaults is created when nil.
	Breakers *breaker.Registry

	// Retry is the default retry policy. Zero fields take defaults.
	Retry retry.Config

	// Credentials holds per-source bearer tokens. Optional.
	Credentials *CredentialStore

	// UserAgent overrides the User-Agent header.
	UserAgent string

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager routes all outbound requests through breaker, rate-limit,
// and retry layers, with stale-cache degradation per source.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	sources map[string]Source
	stale   map[string]StaleServer

	breakers     *breaker.Registry
	retryConfig  retry.Config
	connectivity *Connectivity
	rates        *rateTracker
	creds        *CredentialStore
	client       *http.Client
	userAgent    string
	logger       *slog.Logger
}

// New creates a Manager.
func New(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breakers := config.Breakers
	if breakers == nil {
		cfg := breaker.DefaultConfig()
		cfg.Logger = logger
		breakers = breaker.NewRegistry(cfg)
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Manager{
		sources:      make(map[string]Source),
		stale:        make(map[string]StaleServer),
		breakers:     breakers,
		retryConfig:  config.Retry,
		connectivity: NewConnectivity(logger),
		rates:        newRateTracker(logger),
		creds:        config.Credentials,
		client: &http.Client{
			// No client-level timeout: artifact downloads stream for
			// minutes and are governed by their context. The header
			// wait is bounded instead.
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		userAgent: userAgent,
		logger:    logger,
	}
}

// RegisterSource adds a source. The base URL must be https or gs; gs
// sources must carry their own Client adapter.
//
// Inputs:
//   - src: The source definition. ID and BaseURL are required.
//
// Outputs:
//   - error: ErrSourceExists on duplicate ID, Validation error on a
//     bad base URL.
func (m *Manager) RegisterSource(src Source) error {
	if src.ID == "" {
		return types.Validation("register_source", src.BaseURL, errors.New("source ID is empty"))
	}
	if err := validation.ValidateSourceURL(src.BaseURL); err != nil {
		return types.Validation("register_source", src.ID, err)
	}
	if strings.HasPrefix(src.BaseURL, "gs://") && src.Client == nil {
		return types.Validation("register_source", src.ID,
			errors.New("gs source requires a client adapter"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[src.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSourceExists, src.ID)
	}
	m.sources[src.ID] = src

	m.logger.Info("source registered",
		"source", src.ID,
		"base_url", src.BaseURL,
		"cache_strategy", src.CacheStrategy.String())
	return nil
}

// RegisterStaleServer attaches a stale-cache provider to a registered
// source. Used by the release catalog to serve cached listings when
// the live destination is unreachable.
func (m *Manager) RegisterStaleServer(sourceID string, server StaleServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[sourceID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	m.stale[sourceID] = server
	return nil
}

// Source returns the registered source for an ID.
func (m *Manager) Source(sourceID string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[sourceID]
	return src, ok
}

// Sources returns all registered sources.
func (m *Manager) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out
}

// Connectivity exposes the online/offline tracker.
func (m *Manager) Connectivity() *Connectivity {
	return m.connectivity
}

// Breakers exposes the circuit breaker registry.
func (m *Manager) Breakers() *breaker.Registry {
	return m.breakers
}

// Credentials exposes the credential store, creating one on demand.
func (m *Manager) Credentials() *CredentialStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = NewCredentialStore()
	}
	return m.creds
}

// RequestSpec describes one outbound request.
type RequestSpec struct {
	// Method defaults to GET.
	Method string

	// Path is joined to the source's base URL.
	Path string

	// Query is appended to the URL. Optional.
	Query url.Values

	// Header carries extra headers (Range, Accept). Optional.
	Header http.Header

	// Body is a replayable request body. Optional.
	Body []byte

	// Timeout bounds the whole attempt including body read; the
	// response is buffered. Zero means streaming: the body is
	// returned open and only the context bounds it.
	Timeout time.Duration

	// Retry overrides the manager's retry policy. Optional.
	Retry *retry.Config
}

// Response is the manager's view of a completed request.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is always non-nil; the caller must close it.
	Body io.ReadCloser

	// FromCache marks a stale-cache fallback response.
	FromCache bool
}

// Request performs one outbound request for a registered source.
//
// # Description
//
// The destination's breaker is consulted first: when open, the
// source's cache strategy is attempted and a Blocked error returned
// if no usable cache exists. Otherwise the request runs inside the
// retry loop, with success and failure recorded on the breaker per
// attempt. After final failure the stale cache is tried once more for
// sources that permit offline degradation.
//
// Inputs:
//   - ctx: Cancellation and deadline for the whole call.
//   - sourceID: A registered source ID.
//   - spec: The request to perform.
//
// Outputs:
//   - *Response: The live or cached response. Caller closes Body.
//   - error: Classified per the harbor error taxonomy.
func (m *Manager) Request(ctx context.Context, sourceID string, spec RequestSpec) (*Response, error) {
	src, ok := m.Source(sourceID)
	if !ok {
		return nil, types.Validation("request", sourceID, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID))
	}

	u, err := m.buildURL(src, spec)
	if err != nil {
		return nil, err
	}
	destination := u.Hostname()

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := startRequestSpan(ctx, sourceID, method, destination)
	defer span.End()
	start := time.Now()

	if !m.connectivity.Online() {
		if resp, ok := m.serveStale(ctx, src, spec.Path); ok {
			recordRequestMetrics(ctx, sourceID, time.Since(start), "stale")
			return resp, nil
		}
		err := types.Blocked("request", destination, ErrOffline)
		recordRequestMetrics(ctx, sourceID, time.Since(start), "offline")
		span.RecordError(err)
		return nil, err
	}

	br := m.breakers.Get(destination)
	if !br.Allow() {
		recordBreakerReject(ctx, destination)
		if resp, ok := m.serveStale(ctx, src, spec.Path); ok {
			recordRequestMetrics(ctx, sourceID, time.Since(start), "stale")
			return resp, nil
		}
		err := types.Blocked("request", destination, breaker.ErrCircuitOpen)
		recordRequestMetrics(ctx, sourceID, time.Since(start), "blocked")
		span.RecordError(err)
		return nil, err
	}

	if err := m.rates.wait(ctx, destination); err != nil {
		return nil, err
	}

	retryConfig := m.retryConfig
	if spec.Retry != nil {
		retryConfig = *spec.Retry
	}

	var resp *Response
	result, err := retry.Do(ctx, retryConfig, func(ctx context.Context, attempt int) error {
		if attempt > 1 && !br.Allow() {
			return types.Blocked("request", destination, breaker.ErrCircuitOpen)
		}

		r, attemptErr := m.attempt(ctx, src, method, u, spec)
		if attemptErr != nil {
			br.RecordFailure()
			// HTTP status errors prove the network path works
			var httpErr *types.HTTPError
			if !errors.As(attemptErr, &httpErr) && types.IsTransient(attemptErr) {
				m.connectivity.RecordFailure()
			}
			return attemptErr
		}

		br.RecordSuccess()
		m.connectivity.RecordSuccess()
		resp = r
		return nil
	})

	if err != nil {
		m.logger.Warn("request failed",
			"source", sourceID,
			"destination", destination,
			"path", spec.Path,
			"attempts", result.Attempts,
			"error", err)

		if resp, ok := m.serveStale(ctx, src, spec.Path); ok {
			recordRequestMetrics(ctx, sourceID, time.Since(start), "stale")
			return resp, nil
		}
		recordRequestMetrics(ctx, sourceID, time.Since(start), "error")
		span.RecordError(err)
		return nil, err
	}

	m.logger.Debug("request completed",
		"source", sourceID,
		"destination", destination,
		"path", spec.Path,
		"status", resp.StatusCode,
		"attempts", result.Attempts,
		"duration_ms", time.Since(start).Milliseconds())

	recordRequestMetrics(ctx, sourceID, time.Since(start), "success")
	return resp, nil
}

// attempt performs one HTTP exchange.
func (m *Manager) attempt(ctx context.Context, src Source, method string, u *url.URL, spec RequestSpec) (*Response, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, types.Validation("request", u.Hostname(), err)
	}

	for key, values := range spec.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	if m.creds != nil && m.creds.Has(src.ID) {
		_ = m.creds.WithToken(src.ID, func(token string) error {
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		})
	}

	client := src.Client
	if client == nil {
		client = m.client
	}

	httpResp, err := client.Do(req)
	if err != nil {
		// url.Error unwraps to the net-level cause; classification
		// happens downstream
		return nil, err
	}

	m.rates.observe(u.Hostname(), httpResp)

	if httpResp.StatusCode >= 400 {
		retryAfter, _ := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		httpResp.Body.Close()

		m.logger.Debug("request rejected",
			"source", src.ID,
			"status", httpResp.StatusCode,
			"body", strings.TrimSpace(string(snippet)))

		return nil, &types.HTTPError{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			URL:        u.String(),
			RetryAfter: retryAfter,
		}
	}

	if spec.Timeout > 0 {
		// Buffered mode: consume the body before the attempt context
		// is cancelled
		payload, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, err
		}
		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       io.NopCloser(bytes.NewReader(payload)),
		}, nil
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       httpResp.Body,
	}, nil
}

// serveStale tries the source's cache fallback.
func (m *Manager) serveStale(ctx context.Context, src Source, path string) (*Response, bool) {
	if src.CacheStrategy != CacheFallback {
		return nil, false
	}

	m.mu.RLock()
	server := m.stale[src.ID]
	m.mu.RUnlock()

	if server == nil {
		return nil, false
	}

	payload, ok := server.ServeStale(ctx, path)
	if !ok {
		return nil, false
	}

	recordStaleFallback(ctx, src.ID)
	m.logger.Info("serving stale cache",
		"source", src.ID,
		"path", path)

	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(payload)),
		FromCache:  true,
	}, true
}

// buildURL joins the request path onto the source base URL. All
// leading slashes are stripped from the path so a protocol-relative
// path cannot redirect the request to another host.
func (m *Manager) buildURL(src Source, spec RequestSpec) (*url.URL, error) {
	raw := strings.TrimSuffix(src.BaseURL, "/") + "/" + strings.TrimLeft(spec.Path, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.Validation("request", src.ID, err)
	}

	if len(spec.Query) > 0 {
		u.RawQuery = spec.Query.Encode()
	}
	return u, nil
}

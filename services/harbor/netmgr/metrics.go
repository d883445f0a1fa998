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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for outbound request operations.
var (
	tracer = otel.Tracer("harbor.netmgr")
	meter  = otel.Meter("harbor.netmgr")
)

// Metrics for outbound request operations.
var (
	requestLatency metric.Float64Histogram
	requestsTotal  metric.Int64Counter
	breakerRejects metric.Int64Counter
	staleFallbacks metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"harbor_request_duration_seconds",
			metric.WithDescription("Duration of outbound requests including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestsTotal, err = meter.Int64Counter(
			"harbor_requests_total",
			metric.WithDescription("Total outbound requests by source and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		breakerRejects, err = meter.Int64Counter(
			"harbor_breaker_rejects_total",
			metric.WithDescription("Requests rejected by an open circuit"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		staleFallbacks, err = meter.Int64Counter(
			"harbor_stale_fallbacks_total",
			metric.WithDescription("Requests served from stale cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRequestSpan creates a span for one outbound request.
func startRequestSpan(ctx context.Context, sourceID, method, destination string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "NetManager.Request",
		trace.WithAttributes(
			attribute.String("harbor.source", sourceID),
			attribute.String("http.method", method),
			attribute.String("net.peer.name", destination),
		),
	)
}

// recordRequestMetrics records metrics for one outbound request.
func recordRequestMetrics(ctx context.Context, sourceID string, duration time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", sourceID),
		attribute.String("outcome", outcome),
	)

	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestsTotal.Add(ctx, 1, attrs)
}

// recordBreakerReject counts a request refused by an open circuit.
func recordBreakerReject(ctx context.Context, destination string) {
	if err := initMetrics(); err != nil {
		return
	}
	breakerRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
	))
}

// recordStaleFallback counts a request served from stale cache.
func recordStaleFallback(ctx context.Context, sourceID string) {
	if err := initMetrics(); err != nil {
		return
	}
	staleFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", sourceID),
	))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/download"
)

// SpeedLogConfig configures the optional download-speed history sink.
type SpeedLogConfig struct {
	// URL is the InfluxDB endpoint, e.g. "http://localhost:8086".
	URL string

	// Token authenticates against the InfluxDB API.
	Token string

	Org    string
	Bucket string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SpeedLog records download progress samples to InfluxDB so transfer
// rates can be charted over time. It is strictly best-effort: a sink
// failure is logged and the sample dropped, never surfaced to the
// download path.
//
// # Thread Safety
//
// Run is a single consumer loop; start it once. Close after Run
// returns.
type SpeedLog struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewSpeedLog builds the sink. No connection is made until the first
// write; use Ping to probe reachability.
func NewSpeedLog(cfg SpeedLogConfig) (*SpeedLog, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("speedlog: url, org, and bucket are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &SpeedLog{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: cfg.Logger,
	}, nil
}

// Ping checks the InfluxDB health endpoint.
func (s *SpeedLog) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		msg := "unhealthy"
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New("speedlog: influxdb " + msg)
	}
	return nil
}

// Run consumes download events until the channel closes or the context
// ends. Queued samples carry no speed and are skipped; everything else
// becomes one point in the download_speed measurement.
func (s *SpeedLog) Run(ctx context.Context, events <-chan download.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Speed == 0 && ev.Completed == 0 {
				continue
			}
			s.record(ctx, ev)
		}
	}
}

func (s *SpeedLog) record(ctx context.Context, ev download.Event) {
	point := influxdb2.NewPoint(
		"download_speed",
		map[string]string{
			"job_id": ev.JobID,
			"status": string(ev.Status),
		},
		map[string]interface{}{
			"bytes_per_second": ev.Speed,
			"completed":        ev.Completed,
			"total":            ev.Total,
		},
		ev.Time,
	)

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.write.WritePoint(writeCtx, point); err != nil {
		s.logger.Warn("speed sample dropped", "job_id", ev.JobID, "error", err)
	}
}

// Close flushes and releases the InfluxDB client.
func (s *SpeedLog) Close() {
	s.client.Close()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianHarbor/cmd/harbor/config"
	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/registry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
)

// runDaemon runs the long-lived harbor process.
//
// # Description
//
// The daemon claims the library primary role and keeps it until it
// exits, so CLI commands started while it runs become registry clients
// and proxy their imports through it. It ingests completed downloads
// automatically, watches the drop directory when one is configured,
// and serves a small observability API over HTTP.
//
// If another process already holds the primary role the daemon refuses
// to start: roles are fixed at startup, and a client-role daemon could
// never ingest anything.
func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, "daemon", appNeeds{library: true, network: true, downloads: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.lib.Role() != registry.RolePrimary {
		return errors.New("another process holds the library primary role; stop it and restart the daemon")
	}

	shutdownTelemetry, err := daemonTelemetry(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			a.slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Completed downloads flow into the library while the daemon runs.
	go a.pipeline.Consume(ctx, a.mgr)

	if a.cfg.Library.DropDir != "" {
		watcher, err := importer.NewWatcher(a.pipeline, importer.WatcherConfig{
			Dir:     a.cfg.Library.DropDir,
			Options: importer.Options{Source: "drop"},
			Logger:  a.slog,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				a.slog.Error("drop watcher stopped", "error", err)
			}
		}()
	}

	if a.cfg.SpeedLog.Enabled {
		speedlog, err := telemetry.NewSpeedLog(telemetry.SpeedLogConfig{
			URL:    a.cfg.SpeedLog.URL,
			Token:  os.Getenv(a.cfg.SpeedLog.TokenEnv),
			Org:    a.cfg.SpeedLog.Org,
			Bucket: a.cfg.SpeedLog.Bucket,
			Logger: a.slog,
		})
		if err != nil {
			return fmt.Errorf("speedlog: %w", err)
		}
		defer speedlog.Close()
		speedlog.Ping(ctx)

		speedEvents, cancelSpeed := a.mgr.Subscribe(64)
		defer cancelSpeed()
		go speedlog.Run(ctx, speedEvents)
	}

	addr := daemonAddr
	if addr == "" {
		addr = a.cfg.Daemon.Addr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("harbor-daemon"))
	registerDaemonRoutes(router, a)

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	a.slog.Info("daemon started", "addr", addr)
	ux.Info(fmt.Sprintf("harbor daemon listening on %s", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("daemon listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	ux.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("daemon shutdown: %w", err)
	}
	return nil
}

// daemonTelemetry layers the config file's telemetry section over the
// environment-driven defaults and initializes the exporters.
func daemonTelemetry(ctx context.Context, cfg *config.HarborConfig) (func(context.Context) error, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "harbor-daemon"
	if cfg.Telemetry.TraceExporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" {
		tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return telemetry.Init(ctx, tcfg)
}

// registerDaemonRoutes wires the daemon's HTTP surface.
//
// Routes:
//   - GET /healthz       liveness probe
//   - GET /metrics       Prometheus metrics, when that exporter is on
//   - GET /v1/status     the same snapshot as harbor status --json
//   - GET /v1/downloads  every download job, terminal ones included
//   - GET /v1/progress   websocket stream of download events
func registerDaemonRoutes(router *gin.Engine, a *app) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "harbor-daemon"})
	})
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	v1.GET("/status", handleStatus(a))
	v1.GET("/downloads", handleDownloads(a))
	v1.GET("/progress", handleProgress(a))
}

// handleStatus serves the snapshot that harbor status renders.
func handleStatus(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := buildStatus(c.Request.Context(), a)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func handleDownloads(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := a.mgr.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, jobs)
	}
}

// upgrader accepts any origin. The daemon binds loopback by default
// and the progress stream carries no credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleProgress streams download events over a websocket until the
// client disconnects or the daemon stops.
func handleProgress(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			a.slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := a.mgr.Subscribe(64)
		defer cancel()

		// Nothing is expected from the client. The read loop exists
		// to notice the disconnect.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := ws.WriteJSON(ev); err != nil {
					a.slog.Warn("websocket write failed", "error", err)
					return
				}
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry lets multiple harbor processes share one model
// library without sharing one database handle.
//
// At startup a process claims the registry: if no live primary is
// recorded in the state directory it becomes the Primary, owning the
// index and serving a unix socket; otherwise it becomes a Client that
// proxies every operation to the primary over that socket. The role is
// chosen exactly once. A process never switches roles at runtime; a
// client whose primary goes away surfaces errors until restarted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Role is the process's registry role, fixed at Open.
type Role string

const (
	RolePrimary Role = "primary"
	RoleClient  Role = "client"
)

// Library is the shared model-library surface. The Primary serves it
// from the index directly; Clients proxy each call to the primary.
type Library interface {
	// Search queries the library's full-text index.
	Search(ctx context.Context, q index.Query) ([]types.ModelRecord, error)

	// Get loads one record by model ID.
	Get(ctx context.Context, modelID string) (*types.ModelRecord, error)

	// Import runs the import pipeline on a local path, file or
	// directory. The path must be visible to the primary process. A
	// directory import returns one result per artifact group.
	Import(ctx context.Context, path string, args ImportArgs) ([]*importer.Result, error)

	// MergePreview computes, without mutating anything, what merging
	// another library database into this one would do.
	MergePreview(ctx context.Context, otherDBPath string) (*Plan, error)

	// Role reports whether this process is the primary or a client.
	Role() Role

	// Close releases the role: the primary stops serving and removes
	// its discovery entry; a client just forgets the socket.
	Close() error
}

// Config configures Open.
type Config struct {
	// StateDir holds the discovery entry, its lock, and the primary's
	// unix socket.
	StateDir string

	// Index backs the library when this process becomes primary.
	Index *index.Store

	// Importer serves Import when this process becomes primary.
	Importer *importer.Pipeline

	// TTL bounds how long a discovery entry is trusted without a
	// heartbeat. Default 30s.
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// defaultTTL is how long a discovery entry stays valid between
// heartbeats.
const defaultTTL = 30 * time.Second

// Open decides this process's role and returns the Library for it.
//
// # Description
//
// Claims the registry under a file lock: a missing, expired, or
// dead-PID entry means this process becomes primary (writing its own
// entry and serving the socket); a live entry means it becomes a
// client of the recorded socket.
//
// # Inputs
//
//   - ctx: Bounds the claim and, for clients, the initial dial
//   - cfg: StateDir, Index, and Importer are required
//
// # Outputs
//
//   - Library: Primary or Client, per the claim outcome
//   - error: Claim failures, listener failures, unreachable primary
func Open(ctx context.Context, cfg Config) (Library, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("registry: state dir is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("registry: index is required")
	}
	if cfg.Importer == nil {
		return nil, errors.New("registry: importer is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	disc, err := newDiscovery(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	entry, claimed, err := disc.Claim(cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("registry: claim: %w", err)
	}

	if claimed {
		primary, err := newPrimary(cfg, disc)
		if err != nil {
			disc.Release()
			return nil, err
		}
		cfg.Logger.Info("registry role decided", "role", RolePrimary, "socket", disc.socketPath)
		return primary, nil
	}

	client, err := newClient(ctx, entry.SocketPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("registry: primary at %s unreachable: %w", entry.SocketPath, err)
	}
	cfg.Logger.Info("registry role decided", "role", RoleClient, "primary_pid", entry.PID, "socket", entry.SocketPath)
	return client, nil
}

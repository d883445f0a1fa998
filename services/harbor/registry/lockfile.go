// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Discovery file names under the state dir. The lock file serializes
// entry reads and writes between processes; the entry file records who
// the primary is; the socket is where it listens.
const (
	entryFileName  = "registry.json"
	lockFileName   = "registry.lock"
	socketFileName = "registry.sock"
)

// ErrRegistryBusy means the registry lock could not be taken within
// the claim window. Another process is mid-claim; try again.
var ErrRegistryBusy = errors.New("registry: lock busy")

// Entry is the discovery record the primary leaves in the state dir.
// Validity is PID liveness plus the TTL window; either failing makes
// the entry stale and the registry claimable.
type Entry struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	SocketPath string    `json:"socket_path"`
	StartedAt  time.Time `json:"started_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Stale reports whether the entry no longer names a trustworthy
// primary.
func (e *Entry) Stale(now time.Time) bool {
	if !processAlive(e.PID) {
		return true
	}
	return now.After(e.ExpiresAt)
}

// discovery manages the registry entry for one process. All entry
// reads and writes happen under a short-lived flock on the lock file,
// the same way trace-session locks are coordinated.
type discovery struct {
	dir        string
	entryPath  string
	lockPath   string
	socketPath string
	instanceID string

	ttl     time.Duration
	claimed bool
}

func newDiscovery(stateDir string) (*discovery, error) {
	dir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve state dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create state dir: %w", err)
	}
	return &discovery{
		dir:        dir,
		entryPath:  filepath.Join(dir, entryFileName),
		lockPath:   filepath.Join(dir, lockFileName),
		socketPath: filepath.Join(dir, socketFileName),
		instanceID: uuid.NewString(),
	}, nil
}

// Claim decides this process's role.
//
// # Description
//
// Under the registry lock: a valid entry (live PID, unexpired) means
// someone else is primary and their entry is returned. A missing,
// unreadable, dead, or expired entry is removed and replaced with this
// process's own, claiming primary.
//
// # Outputs
//
//   - *Entry: The live primary's entry when claiming failed over to
//     client mode, else this process's own entry
//   - bool: True when this process is now the primary
//   - error: Lock contention past the claim window, or I/O failures
func (d *discovery) Claim(ttl time.Duration) (*Entry, bool, error) {
	d.ttl = ttl

	unlock, err := d.lock()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	now := time.Now()
	existing, err := d.readEntry()
	if err == nil && !existing.Stale(now) {
		return existing, false, nil
	}
	if err == nil && existing.Stale(now) {
		// Dead or expired primary. Take over: remove the entry and the
		// socket it can no longer be serving.
		os.Remove(d.entryPath)
		os.Remove(existing.SocketPath)
	}

	entry := &Entry{
		PID:        os.Getpid(),
		InstanceID: d.instanceID,
		SocketPath: d.socketPath,
		StartedAt:  now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	if err := d.writeEntry(entry); err != nil {
		return nil, false, err
	}
	d.claimed = true
	return entry, true, nil
}

// Heartbeat extends the entry's TTL. Only the claiming process calls
// this; a mismatched instance ID means the entry was taken over (e.g.
// after a long stall) and the caller must stop acting as primary.
func (d *discovery) Heartbeat() error {
	if !d.claimed {
		return errors.New("registry: heartbeat without claim")
	}
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := d.readEntry()
	if err != nil {
		return fmt.Errorf("registry: entry vanished: %w", err)
	}
	if current.InstanceID != d.instanceID {
		return fmt.Errorf("registry: entry taken over by pid %d", current.PID)
	}
	current.ExpiresAt = time.Now().Add(d.ttl).UTC()
	return d.writeEntry(current)
}

// Release removes this process's entry and socket. Safe to call when
// nothing was claimed.
func (d *discovery) Release() error {
	if !d.claimed {
		return nil
	}
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := d.readEntry()
	if err == nil && current.InstanceID != d.instanceID {
		// Someone took the registry over. The entry and the socket at
		// the shared path are theirs now; leave both alone.
		d.claimed = false
		return nil
	}
	os.Remove(d.entryPath)
	os.Remove(d.socketPath)
	d.claimed = false
	return nil
}

// lock takes the registry flock, retrying briefly since holders only
// keep it for one read-modify-write.
func (d *discovery) lock() (func(), error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(d.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("registry: open lock file: %w", err)
		}
		err = flockFile(f)
		if err == nil {
			return func() {
				unflockFile(f)
				f.Close()
			}, nil
		}
		f.Close()
		if !errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("registry: lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrRegistryBusy
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (d *discovery) readEntry() (*Entry, error) {
	data, err := os.ReadFile(d.entryPath)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse registry entry: %w", err)
	}
	return &entry, nil
}

// writeEntry goes through a temp file and rename; a reader never sees
// a torn entry.
func (d *discovery) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}
	tempFile, err := os.CreateTemp(d.dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write registry entry: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close registry entry: %w", err)
	}
	if err := os.Rename(tempPath, d.entryPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("place registry entry: %w", err)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultSettle is how long a dropped file must stay quiet (no writes,
// stable size) before the watcher imports it. Copies of multi-gigabyte
// weights trickle in; importing mid-copy would quarantine good files.
const defaultSettle = 3 * time.Second

// WatcherConfig configures a drop-folder watcher.
type WatcherConfig struct {
	// Dir is the watched drop folder.
	Dir string

	// Settle overrides the quiet period before import.
	Settle time.Duration

	// Options are applied to every import. Move is forced on; a drop
	// folder is a staging area, not a second library.
	Options Options

	// Logger defaults to the pipeline's logger.
	Logger *slog.Logger
}

// Watcher imports model files dropped into a folder by external tools
// or the user. Events are debounced per file until the file stops
// changing, then handed to the pipeline.
type Watcher struct {
	pipeline *Pipeline
	dir      string
	settle   time.Duration
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingFile
}

type pendingFile struct {
	lastEvent time.Time
	lastSize  int64
}

// NewWatcher builds a Watcher for the given drop folder. The folder
// is created if missing.
func NewWatcher(p *Pipeline, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("importer: watch dir is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("importer: resolve watch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("importer: create watch dir: %w", err)
	}

	settle := cfg.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.logger
	}
	opts := cfg.Options
	opts.Move = true

	return &Watcher{
		pipeline: p,
		dir:      dir,
		settle:   settle,
		opts:     opts,
		logger:   logger,
		pending:  make(map[string]pendingFile),
	}, nil
}

// Run watches the drop folder until ctx is done. Files already in the
// folder at startup are queued immediately, so artifacts dropped while
// the process was down are not missed.
//
// # Thread Safety
//
// Run is single-use; call it from one goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.scanExisting()
	w.logger.Info("watching drop folder", "dir", w.dir)

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-ticker.C:
			for _, path := range w.takeSettled() {
				w.importOne(ctx, path)
			}
		}
	}
}

// handleEvent records create/write activity for later settling.
// Removes and renames drop the pending entry; the file is gone.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if !w.interesting(event.Name) {
			return
		}
		w.touch(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
	}
}

// interesting filters out directories, hidden files, and leftovers the
// pipeline itself produces.
func (w *Watcher) interesting(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") ||
		strings.Contains(name, ".quarantine-") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".partial") {
		return false
	}
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular()
}

func (w *Watcher) touch(path string) {
	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	w.mu.Lock()
	w.pending[path] = pendingFile{lastEvent: time.Now(), lastSize: size}
	w.mu.Unlock()
}

// scanExisting queues files already present in the drop folder.
func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to scan drop folder", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		path := filepath.Join(w.dir, entry.Name())
		if w.interesting(path) {
			w.touch(path)
		}
	}
}

// takeSettled removes and returns every pending file that has been
// quiet for the settle period and whose size has stopped moving.
func (w *Watcher) takeSettled() []string {
	now := time.Now()
	var ready []string

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, entry := range w.pending {
		if now.Sub(entry.lastEvent) < w.settle {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if st.Size() != entry.lastSize {
			// Still growing without events (NFS, rsync). Re-arm.
			w.pending[path] = pendingFile{lastEvent: now, lastSize: st.Size()}
			continue
		}
		delete(w.pending, path)
		ready = append(ready, path)
	}
	return ready
}

func (w *Watcher) importOne(ctx context.Context, path string) {
	res, err := w.pipeline.ImportFile(ctx, path, w.opts)
	if err != nil {
		// Corruption already moved the file aside, so the watcher will
		// not pick it up again.
		w.logger.Error("failed to import dropped file", "path", path, "error", err)
		return
	}
	if res.Duplicate {
		// The drop copy is redundant; the library already owns these
		// bytes. Leave removal to the user, just say so.
		w.logger.Info("dropped file already in library",
			"path", path,
			"model_id", res.Record.ID)
		return
	}
	w.logger.Info("dropped file imported",
		"path", path,
		"model_id", res.Record.ID,
		"canonical", res.CanonicalPath)
}

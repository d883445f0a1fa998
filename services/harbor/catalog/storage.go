// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// cacheFile is the durable cache document. Readers outside this
// process evaluate validity from last_fetched and ttl themselves; an
// expired payload is still readable for offline fallback.
type cacheFile struct {
	LastFetched time.Time       `json:"last_fetched"`
	TTLSeconds  int64           `json:"ttl"`
	ETag        string          `json:"etag,omitempty"`
	Payload     []types.Release `json:"payload"`
}

// ensureLoaded pulls the durable cache into memory once. An
// unreadable file is quarantined, never deleted, and the corruption is
// remembered so a failed fetch surfaces it instead of masking it.
func (c *Client) ensureLoaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return
	}
	c.loaded = true
	if c.cachePath == "" {
		return
	}

	entry, err := readCacheFile(c.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		moved := quarantine(c.cachePath)
		c.loadError = types.Corruption("load catalog cache", c.sourceID, err)
		c.logger.Warn("catalog cache unreadable, quarantined",
			"source", c.sourceID,
			"path", c.cachePath,
			"moved_to", moved,
			"error", err)
		return
	}

	c.releases = entry.Payload
	c.lastFetched = entry.LastFetched
	c.etag = entry.ETag
}

func (c *Client) loadErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadError
}

// persist writes the current cache state through a temp file and
// rename so a crash mid-write never leaves a torn cache. Persistence
// failures are logged, not returned: the caller already holds fresh
// data in memory.
func (c *Client) persist() {
	if c.cachePath == "" {
		return
	}

	c.mu.RLock()
	entry := cacheFile{
		LastFetched: c.lastFetched,
		TTLSeconds:  int64(c.ttl / time.Second),
		ETag:        c.etag,
		Payload:     c.releases,
	}
	c.mu.RUnlock()

	c.fileMu.Lock()
	defer c.fileMu.Unlock()
	if err := writeCacheFile(c.cachePath, &entry); err != nil {
		c.logger.Warn("failed to persist catalog cache",
			"source", c.sourceID,
			"path", c.cachePath,
			"error", err)
	}
}

func readCacheFile(path string) (*cacheFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry cacheFile
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	return &entry, nil
}

func writeCacheFile(path string, entry *cacheFile) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".releases-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync cache: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename cache: %w", err)
	}

	success = true
	return nil
}

// quarantine renames a corrupt cache aside and returns the new path,
// empty when the rename itself failed.
func quarantine(path string) string {
	target := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, target); err != nil {
		return ""
	}
	return target
}

// cacheFilePath derives the durable cache file name from the source
// ID, flattening separators so "github:acme/llamakit" stays one file.
func cacheFilePath(dir, sourceID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, sourceID)
	return filepath.Join(dir, sanitized+"-releases.json")
}

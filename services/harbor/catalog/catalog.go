// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog layers an offline-first release cache over a remote
// source. Reads are served from memory while the cache is inside its
// TTL; cold and expired reads collapse into one network fetch; fetch
// failures fall back to the most recent durable cache regardless of
// its age.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

const defaultTTL = time.Hour

// Lister fetches the full release list from the remote source. The
// etag from the previous fetch enables 304 revalidation: notModified
// means the cached list is still current and releases is nil.
type Lister interface {
	ListReleases(ctx context.Context, etag string) (releases []types.Release, newETag string, notModified bool, err error)
}

// Config configures a catalog Client.
type Config struct {
	// SourceID names the source, used for logging and the cache file
	// name.
	SourceID string

	// Lister performs the network fetch.
	Lister Lister

	// CacheDir holds the durable cache file. Empty disables durable
	// caching (memory only).
	CacheDir string

	// TTL is how long a fetch stays valid. Defaults to one hour.
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client caches one source's releases.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	sourceID  string
	lister    Lister
	ttl       time.Duration
	cachePath string
	logger    *slog.Logger

	flight singleflight.Group

	// fileMu serializes durable cache file access within the process.
	fileMu sync.Mutex

	mu          sync.RWMutex
	releases    []types.Release
	lastFetched time.Time
	etag        string
	loaded      bool
	fetching    bool
	loadError   error
}

// New builds a catalog client. The durable cache, if present, is read
// lazily on first use.
func New(config Config) (*Client, error) {
	if config.SourceID == "" {
		return nil, fmt.Errorf("catalog: SourceID is required")
	}
	if config.Lister == nil {
		return nil, fmt.Errorf("catalog: Lister is required")
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		sourceID: config.SourceID,
		lister:   config.Lister,
		ttl:      ttl,
		logger:   logger,
	}
	if config.CacheDir != "" {
		c.cachePath = cacheFilePath(config.CacheDir, config.SourceID)
	}
	return c, nil
}

// GetReleases returns the source's releases, newest first.
//
// A valid in-memory cache is returned immediately unless force is set.
// Otherwise concurrent callers collapse into a single fetch; each
// caller re-checks the cache once inside the collapse since a
// neighbour may have just populated it.
func (c *Client) GetReleases(ctx context.Context, force bool) ([]types.Release, error) {
	c.ensureLoaded()

	if !force {
		if releases, ok := c.snapshotValid(); ok {
			return releases, nil
		}
	}

	result, err, _ := c.flight.Do("releases", func() (any, error) {
		if !force {
			if releases, ok := c.snapshotValid(); ok {
				return releases, nil
			}
		}
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.Release), nil
}

// Latest returns the newest stable release, fetching per GetReleases
// semantics.
func (c *Client) Latest(ctx context.Context, force bool) (types.Release, error) {
	releases, err := c.GetReleases(ctx, force)
	if err != nil {
		return types.Release{}, err
	}
	for _, release := range releases {
		if !release.Prerelease {
			return release, nil
		}
	}
	return types.Release{}, types.Validation("latest release", c.sourceID,
		fmt.Errorf("no stable release available"))
}

// Status reports the cache snapshot callers use for stale-data
// indicators.
func (c *Client) Status() types.CacheStatus {
	c.ensureLoaded()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := types.CacheStatus{
		HasCache:      !c.lastFetched.IsZero(),
		IsFetching:    c.fetching,
		ReleasesCount: len(c.releases),
	}
	if status.HasCache {
		age := time.Since(c.lastFetched)
		status.AgeSeconds = int64(age.Seconds())
		status.IsValid = age <= c.ttl
	}
	return status
}

// fetch performs the network fetch and maintains both cache layers.
// On failure the durable cache serves, whatever its age.
func (c *Client) fetch(ctx context.Context) ([]types.Release, error) {
	c.setFetching(true)
	defer c.setFetching(false)

	releases, newETag, notModified, err := c.lister.ListReleases(ctx, c.currentETag())
	if err != nil {
		return c.fallback(err)
	}

	if notModified {
		// The list is unchanged upstream; only the freshness window
		// moves.
		c.mu.Lock()
		c.lastFetched = time.Now()
		c.loadError = nil
		snapshot := append([]types.Release(nil), c.releases...)
		c.mu.Unlock()
		c.persist()
		return snapshot, nil
	}

	sortReleases(releases)

	c.mu.Lock()
	c.releases = releases
	c.etag = newETag
	c.lastFetched = time.Now()
	c.loadError = nil
	snapshot := append([]types.Release(nil), releases...)
	c.mu.Unlock()

	c.persist()
	c.logger.Info("release catalog refreshed",
		"source", c.sourceID,
		"releases", len(snapshot))
	return snapshot, nil
}

// fallback serves the most recent cache after a failed fetch. An
// unreadable durable cache outranks the network error: that corruption
// was quarantined earlier and must not be masked.
func (c *Client) fallback(fetchErr error) ([]types.Release, error) {
	if loadErr := c.loadErr(); loadErr != nil {
		return nil, loadErr
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFetched.IsZero() {
		return nil, fetchErr
	}

	c.logger.Warn("release fetch failed, serving cached catalog",
		"source", c.sourceID,
		"age", time.Since(c.lastFetched).Round(time.Second),
		"error", fetchErr)
	return append([]types.Release(nil), c.releases...), nil
}

func (c *Client) snapshotValid() ([]types.Release, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFetched.IsZero() || time.Since(c.lastFetched) > c.ttl {
		return nil, false
	}
	return append([]types.Release(nil), c.releases...), true
}

func (c *Client) currentETag() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.etag
}

func (c *Client) setFetching(v bool) {
	c.mu.Lock()
	c.fetching = v
	c.mu.Unlock()
}

// sortReleases orders newest first: semver tags by version, the rest
// by publish date after them.
func sortReleases(releases []types.Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		vi, vj := releases[i].Version, releases[j].Version
		iSemver, jSemver := semver.IsValid(vi), semver.IsValid(vj)
		if iSemver && jSemver {
			return semver.Compare(vi, vj) > 0
		}
		if iSemver != jSemver {
			return iSemver
		}
		return releases[i].PublishedAt.After(releases[j].PublishedAt)
	})
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/sources"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// transferChunkSize is the read granularity of the shard loop. Each
// chunk is one cancellation and rate-limit checkpoint.
const transferChunkSize = 256 * 1024

// resolvePlan turns the job's locator into a transfer plan and the
// source ID the bytes will be requested from.
func (m *Manager) resolvePlan(ctx context.Context, job *types.DownloadJob) (*sources.Artifact, string, error) {
	if job.SourceID == "" {
		plan, err := m.rawArtifact(job.Locator)
		if err != nil {
			return nil, "", err
		}
		return plan, jobSourceID(job), nil
	}

	m.mu.Lock()
	r, ok := m.resolvers[job.SourceID]
	m.mu.Unlock()
	if !ok {
		return nil, "", types.Validation("resolve", job.SourceID,
			fmt.Errorf("no resolver registered for source %q", job.SourceID))
	}
	plan, err := r.Resolve(ctx, job.Locator)
	if err != nil {
		return nil, "", err
	}
	return plan, job.SourceID, nil
}

// parseRawURL validates a raw download URL.
func parseRawURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.Validation("start download", "", fmt.Errorf("invalid URL: %w", err))
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, types.Validation("start download", u.Host,
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, types.Validation("start download", "", errors.New("URL has no host"))
	}
	if name := path.Base(u.Path); name == "." || name == "/" {
		return nil, types.Validation("start download", u.Host, errors.New("URL has no file component"))
	}
	return u, nil
}

// rawArtifact builds a single-file plan from a raw URL, registering an
// ad-hoc source for the URL's origin on first use. The derived source
// ID is stable, so resumed jobs land on the same breaker and
// credentials as the original attempt.
func (m *Manager) rawArtifact(rawURL string) (*sources.Artifact, error) {
	u, err := parseRawURL(rawURL)
	if err != nil {
		return nil, err
	}

	id := "url:" + u.Host
	if _, ok := m.mgr.Source(id); !ok {
		src := netmgr.Source{
			ID:            id,
			BaseURL:       u.Scheme + "://" + u.Host,
			CacheStrategy: netmgr.CacheNone,
		}
		if err := m.mgr.RegisterSource(src); err != nil && !errors.Is(err, netmgr.ErrSourceExists) {
			return nil, err
		}
	}

	name := path.Base(u.Path)
	return &sources.Artifact{
		Name:  name,
		Files: []sources.RemoteFile{{Path: u.RequestURI(), Name: name}},
	}, nil
}

// jobSourceID returns the netmgr source a job's bytes come from.
func jobSourceID(job *types.DownloadJob) string {
	if job.SourceID != "" {
		return job.SourceID
	}
	u, err := url.Parse(job.Locator)
	if err != nil {
		return ""
	}
	return "url:" + u.Host
}

// cleanRelPath validates a source-supplied file name as a relative
// path that stays inside the destination.
func cleanRelPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file name")
	}
	if path.IsAbs(name) || strings.Contains(name, "\\") {
		return "", fmt.Errorf("unsafe file name %q", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("file name %q escapes the destination", name)
	}
	return cleaned, nil
}

// prepare builds the shard table from the plan, reconciles it with
// prior progress and the bytes already on disk, and persists the
// job's early metadata before the first byte moves. A crash after
// this point leaves an attributable, resumable job.
func (m *Manager) prepare(job *types.DownloadJob, plan *sources.Artifact) error {
	if len(plan.Files) == 0 {
		return types.Validation("prepare download", job.SourceID, errors.New("artifact has no files"))
	}

	prior := make(map[string]types.Shard, len(job.Shards))
	for _, s := range job.Shards {
		prior[s.RemotePath] = s
	}

	seen := make(map[string]struct{}, len(plan.Files))
	shards := make([]types.Shard, 0, len(plan.Files))
	for i, f := range plan.Files {
		rel, err := cleanRelPath(f.Name)
		if err != nil {
			return types.Validation("prepare download", job.SourceID, err)
		}
		if _, dup := seen[rel]; dup {
			return types.Validation("prepare download", job.SourceID,
				fmt.Errorf("artifact names %q twice", rel))
		}
		seen[rel] = struct{}{}

		s := types.Shard{
			Index:      i,
			RemotePath: f.Path,
			LocalPath:  filepath.Join(job.Destination, filepath.FromSlash(rel)),
			Size:       f.Size,
			Hash:       f.SHA256,
		}
		if prev, ok := prior[f.Path]; ok {
			s.Downloaded, s.Done = prev.Downloaded, prev.Done
		}
		s.Downloaded, s.Done = reconcileDisk(s)
		shards = append(shards, s)
	}

	job.Shards = shards
	job.TotalSize = plan.TotalSize()
	var downloaded int64
	for _, s := range shards {
		downloaded += s.Downloaded
	}
	job.Downloaded = downloaded

	job.Metadata = types.EarlyMetadata{
		ModelName:    plan.Name,
		ExpectedSize: job.TotalSize,
	}
	if len(plan.Files) == 1 {
		job.Metadata.ExpectedHash = plan.Files[0].SHA256
	}
	job.UpdatedAt = time.Now()

	if err := os.MkdirAll(job.Destination, 0750); err != nil {
		return fmt.Errorf("create destination %s: %w", job.Destination, err)
	}
	return m.store.put(job)
}

// reconcileDisk derives a shard's true offset from the file on disk.
// The file outranks stored bookkeeping: progress persistence lags the
// writes by up to one interval, and users can delete partials.
func reconcileDisk(s types.Shard) (downloaded int64, done bool) {
	fi, err := os.Stat(s.LocalPath)
	if err != nil || fi.IsDir() {
		return 0, false
	}
	size := fi.Size()
	if s.Size > 0 && size > s.Size {
		// Longer than the source says it can be; rewrite from scratch.
		return 0, false
	}
	if s.Done && (s.Size == 0 || size == s.Size) {
		return size, true
	}
	return size, false
}

// transfer runs the shard engine for one attempt. Shard goroutines
// report through per-shard counters; the sampler goroutine owns the
// job's top-level fields until the group finishes, so nothing races
// on the job itself.
func (m *Manager) transfer(ctx context.Context, run *jobRun, job *types.DownloadJob, sourceID string, plan *sources.Artifact) error {
	progress := make([]atomic.Int64, len(job.Shards))
	done := make([]atomic.Bool, len(job.Shards))
	for i := range job.Shards {
		progress[i].Store(job.Shards[i].Downloaded)
		done[i].Store(job.Shards[i].Done)
	}

	quit := make(chan struct{})
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		m.sampleProgress(quit, run, job, progress)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.shardConcurrency)
	for i := range job.Shards {
		if job.Shards[i].Done {
			continue
		}
		shard := job.Shards[i]
		file := plan.Files[i]
		prog := &progress[i]
		flag := &done[i]
		g.Go(func() error {
			return m.downloadShard(gctx, sourceID, file, shard, prog, flag)
		})
	}
	err := g.Wait()

	close(quit)
	<-samplerDone

	// Fold the shard counters back into the job table.
	var total int64
	for i := range job.Shards {
		job.Shards[i].Downloaded = progress[i].Load()
		job.Shards[i].Done = done[i].Load()
		total += job.Shards[i].Downloaded
	}
	job.Downloaded = total
	job.Speed = 0
	job.UpdatedAt = time.Now()
	return err
}

// sampleProgress persists and publishes a job snapshot on the
// configured cadence while shards transfer.
func (m *Manager) sampleProgress(quit <-chan struct{}, run *jobRun, job *types.DownloadJob, progress []atomic.Int64) {
	ticker := time.NewTicker(m.progressInterval)
	defer ticker.Stop()

	last := job.Downloaded
	lastAt := time.Now()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		var total int64
		for i := range progress {
			total += progress[i].Load()
		}
		now := time.Now()
		elapsed := now.Sub(lastAt).Seconds()
		var instant float64
		if elapsed > 0 {
			instant = float64(total-last) / elapsed
		}
		// Exponentially weighted over recent intervals so one slow
		// tick does not zero the estimate.
		job.Speed = 0.6*job.Speed + 0.4*instant
		job.Downloaded = total
		job.UpdatedAt = now
		job.Status = types.JobDownloading
		if intent := run.intentState(); intent != "" {
			job.Status = intent
		}
		last, lastAt = total, now

		if err := m.store.put(job); err != nil {
			m.logger.Warn("persist progress failed", "job_id", job.ID, "error", err)
		}
		m.events.publish(Event{
			JobID:     job.ID,
			Status:    job.Status,
			Completed: total,
			Total:     job.TotalSize,
			Speed:     job.Speed,
			Time:      now,
		})
	}
}

// downloadShard fetches one shard's remaining bytes and verifies its
// hash. The shard value is a read-only snapshot; all mutable state
// flows through the progress counter and done flag.
func (m *Manager) downloadShard(ctx context.Context, sourceID string, file sources.RemoteFile, shard types.Shard, progress *atomic.Int64, done *atomic.Bool) error {
	if err := os.MkdirAll(filepath.Dir(shard.LocalPath), 0750); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	if shard.Size == 0 || progress.Load() < shard.Size {
		if err := m.fetchShardBytes(ctx, sourceID, file, shard, progress); err != nil {
			if types.IsCorruption(err) {
				m.quarantineShard(shard.LocalPath, progress)
			}
			return err
		}
	}

	if file.SHA256 != "" {
		if err := verifyFileHash(shard.LocalPath, file.SHA256); err != nil {
			m.quarantineShard(shard.LocalPath, progress)
			return types.Corruption("verify shard", sourceID, err)
		}
	}
	done.Store(true)
	return nil
}

// fetchShardBytes streams the shard from its current offset to the
// end, writing through the bandwidth limiter chunk by chunk.
func (m *Manager) fetchShardBytes(ctx context.Context, sourceID string, file sources.RemoteFile, shard types.Shard, progress *atomic.Int64) error {
	f, err := os.OpenFile(shard.LocalPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open shard file: %w", err)
	}
	defer f.Close()

	offset := progress.Load()
	header := make(http.Header, len(file.Header)+1)
	for k, v := range file.Header {
		header[k] = v
	}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.mgr.Request(ctx, sourceID, netmgr.RequestSpec{Path: file.Path, Header: header})
	if err != nil {
		var httpErr *types.HTTPError
		if offset > 0 && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			// Offset at or past the end: nothing left to fetch. The
			// hash check decides whether the bytes are good.
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && offset > 0 {
		// Source ignored the Range header; start the shard over.
		offset = 0
		progress.Store(0)
	}
	if offset == 0 {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate shard file: %w", err)
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek shard file: %w", err)
	}

	buf := make([]byte, transferChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write shard file: %w", werr)
			}
			offset += int64(n)
			progress.Store(offset)
			if shard.Size > 0 && offset > shard.Size {
				return types.Corruption("download shard", sourceID,
					fmt.Errorf("server sent %d bytes, expected %d", offset, shard.Size))
			}
			if m.limiter != nil {
				if err := m.limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.Transient("download shard", sourceID, rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync shard file: %w", err)
	}
	if shard.Size > 0 && offset < shard.Size {
		return types.Transient("download shard", sourceID,
			fmt.Errorf("stream ended at %d of %d bytes", offset, shard.Size))
	}
	return nil
}

// quarantineShard moves a corrupt shard aside and zeroes its counter
// so a resume rebuilds it from scratch. Corrupt files are renamed,
// never deleted.
func (m *Manager) quarantineShard(path string, progress *atomic.Int64) {
	quarantined := quarantineFile(path)
	progress.Store(0)
	if quarantined != "" {
		m.logger.Error("corrupt shard quarantined", "path", path, "quarantined", quarantined)
	} else {
		m.logger.Error("corrupt shard could not be quarantined", "path", path)
	}
}

// quarantineFile renames a corrupt file aside with a timestamp suffix.
// Returns the new path, or "" when the rename failed.
func quarantineFile(path string) string {
	quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, quarantined); err != nil {
		return ""
	}
	return quarantined
}

// verifyFileHash checks a file's sha256 against the expected hex
// digest.
func verifyFileHash(path, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verification: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, wantHex) {
		return fmt.Errorf("hash mismatch: got sha256:%s, want sha256:%s", got, wantHex)
	}
	return nil
}

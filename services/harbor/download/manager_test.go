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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/sources"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNetmgr(t *testing.T) *netmgr.Manager {
	t.Helper()
	return netmgr.New(netmgr.Config{
		Retry: retry.Config{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
			JitterMax:      -1,
		},
		Logger: quietLogger(),
	})
}

// newDownloadManager builds a manager with fast sampling and a
// trivial disk margin so small test transfers never trip preflight.
func newDownloadManager(t *testing.T, nm *netmgr.Manager, cfg Config) *Manager {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 10 * time.Millisecond
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = 1
	}
	cfg.Logger = quietLogger()
	m, err := NewManager(nm, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// testOrigin is a fake artifact host with Range support, per-path
// failure injection, throttled serving, and request accounting.
type testOrigin struct {
	server *httptest.Server

	mu      sync.Mutex
	blobs   map[string][]byte
	hits    map[string]int
	ranges  map[string][]string
	failing map[string]bool
	slow    map[string]int
	gates   map[string]chan struct{}
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{
		blobs:   map[string][]byte{},
		hits:    map[string]int{},
		ranges:  map[string][]string{},
		failing: map[string]bool{},
		slow:    map[string]int{},
		gates:   map[string]chan struct{}{},
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.handle))
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOrigin) add(p string, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blobs[p] = content
}

// addRandom registers size random bytes at p and returns their hash.
func (o *testOrigin) addRandom(t *testing.T, p string, size int) (content []byte, hash string) {
	t.Helper()
	content = make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sum := sha256.Sum256(content)
	o.add(p, content)
	return content, hex.EncodeToString(sum[:])
}

func (o *testOrigin) setFailing(p string, failing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing[p] = failing
}

// setSlow throttles p: chunk bytes per write with a short sleep
// between writes, so tests can interrupt a transfer mid-stream.
func (o *testOrigin) setSlow(p string, chunk int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slow[p] = chunk
}

// gate makes requests for p block until the returned channel is
// closed.
func (o *testOrigin) gate(p string) chan struct{} {
	ch := make(chan struct{})
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates[p] = ch
	return ch
}

func (o *testOrigin) hitCount(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func (o *testOrigin) rangeRequests(p string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges[p]...)
}

func (o *testOrigin) handle(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	o.mu.Lock()
	o.hits[p]++
	if rng := r.Header.Get("Range"); rng != "" {
		o.ranges[p] = append(o.ranges[p], rng)
	}
	blob, ok := o.blobs[p]
	failing := o.failing[p]
	chunk := o.slow[p]
	gate := o.gates[p]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if failing {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if chunk > 0 {
		o.serveSlow(w, r, blob, chunk)
		return
	}
	http.ServeContent(w, r, path.Base(p), time.Unix(1735689600, 0), bytes.NewReader(blob))
}

// serveSlow streams the blob in small flushed chunks, honoring the
// open-ended Range form the shard engine sends.
func (o *testOrigin) serveSlow(w http.ResponseWriter, r *http.Request, blob []byte, chunk int) {
	var start int64
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		fmt.Sscanf(rng, "bytes=%d-", &start)
		if start >= int64(len(blob)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(blob)-1, len(blob)))
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", int64(len(blob))-start))
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	for off := int(start); off < len(blob); off += chunk {
		end := off + chunk
		if end > len(blob) {
			end = len(blob)
		}
		if _, err := w.Write(blob[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// registerOrigin wires the origin into the network manager under id.
func registerOrigin(t *testing.T, nm *netmgr.Manager, id string, o *testOrigin) {
	t.Helper()
	err := nm.RegisterSource(netmgr.Source{
		ID:            id,
		BaseURL:       o.server.URL,
		CacheStrategy: netmgr.CacheNone,
	})
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
}

// fakeResolver returns a fixed transfer plan for any locator.
type fakeResolver struct {
	id       string
	artifact *sources.Artifact
	err      error

	mu    sync.Mutex
	calls int
}

func (r *fakeResolver) SourceID() string { return r.id }

func (r *fakeResolver) Resolve(_ context.Context, _ string) (*sources.Artifact, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.artifact, nil
}

func waitForStatus(t *testing.T, m *Manager, jobID string, want types.JobStatus) types.DownloadJob {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Status(jobID)
		if err == nil {
			if job.Status == want {
				return job
			}
			if job.Status.IsTerminal() && !want.IsTerminal() {
				t.Fatalf("job reached terminal %s (%s), want %s", job.Status, job.LastError, want)
			}
			if job.Status.IsTerminal() && want.IsTerminal() && job.Status != want {
				t.Fatalf("job reached %s (%s), want %s", job.Status, job.LastError, want)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s", jobID, want)
	return types.DownloadJob{}
}

// waitForProgress polls until the persisted snapshot shows bytes
// moving.
func waitForProgress(t *testing.T, m *Manager, jobID string) types.DownloadJob {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Status(jobID)
		if err == nil && job.Downloaded > 0 && job.Status == types.JobDownloading {
			return job
		}
		if err == nil && job.Status.IsTerminal() {
			t.Fatalf("job reached %s (%s) before showing progress", job.Status, job.LastError)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to show progress", jobID)
	return types.DownloadJob{}
}

func TestManager_DownloadCompletes(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/weights.bin", 64*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/weights",
			Files: []sources.RemoteFile{
				{Path: "/models/weights.bin", Name: "weights.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID:    "test-src",
		Locator:     "acme/weights",
		Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitForStatus(t, m, jobID, types.JobCompleted)
	if job.Downloaded != int64(len(content)) {
		t.Errorf("Downloaded = %d, want %d", job.Downloaded, len(content))
	}
	if job.TotalSize != int64(len(content)) {
		t.Errorf("TotalSize = %d, want %d", job.TotalSize, len(content))
	}
	if p := job.Progress(); p != 1 {
		t.Errorf("Progress() = %v, want 1", p)
	}
	if job.Metadata.ModelName != "acme/weights" || job.Metadata.ExpectedHash != hash {
		t.Errorf("early metadata = %+v", job.Metadata)
	}

	got, err := os.ReadFile(filepath.Join(dest, "weights.bin"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded bytes differ from origin")
	}
}

func TestManager_PauseResumesFromOffset(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/big.bin", 256*1024)
	origin.setSlow("/models/big.bin", 4*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/big",
			Files: []sources.RemoteFile{
				{Path: "/models/big.bin", Name: "big.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/big", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForProgress(t, m, jobID)
	if err := m.Pause(jobID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused := waitForStatus(t, m, jobID, types.JobPaused)
	if paused.Downloaded == 0 || paused.Downloaded >= int64(len(content)) {
		t.Fatalf("paused at %d of %d, want a partial offset", paused.Downloaded, len(content))
	}

	if err := m.Resume(context.Background(), jobID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done := waitForStatus(t, m, jobID, types.JobCompleted)
	if done.Downloaded != int64(len(content)) {
		t.Errorf("Downloaded = %d, want %d", done.Downloaded, len(content))
	}

	// The resumed attempt must have asked for a byte range, and the
	// reassembled file must hash clean.
	var sawRange bool
	for _, rng := range origin.rangeRequests("/models/big.bin") {
		if strings.HasPrefix(rng, "bytes=") && rng != "bytes=0-" {
			sawRange = true
		}
	}
	if !sawRange {
		t.Error("resume did not send a Range request")
	}
	got, err := os.ReadFile(filepath.Join(dest, "big.bin"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("reassembled bytes differ from origin")
	}
}

func TestManager_ShardRecoveryRetriesOnlyFailedShard(t *testing.T) {
	origin := newTestOrigin(t)
	c1, h1 := origin.addRandom(t, "/m/part-1.bin", 8*1024)
	c2, h2 := origin.addRandom(t, "/m/part-2.bin", 8*1024)
	c3, h3 := origin.addRandom(t, "/m/part-3.bin", 8*1024)
	// The last shard fails until the origin recovers.
	origin.setFailing("/m/part-3.bin", true)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	// Serialized shards make the failure point deterministic: the
	// first two shards finish before the third ever starts.
	m := newDownloadManager(t, nm, Config{ShardConcurrency: 1})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/sharded",
			Files: []sources.RemoteFile{
				{Path: "/m/part-1.bin", Name: "part-1.bin", Size: int64(len(c1)), SHA256: h1},
				{Path: "/m/part-2.bin", Name: "part-2.bin", Size: int64(len(c2)), SHA256: h2},
				{Path: "/m/part-3.bin", Name: "part-3.bin", Size: int64(len(c3)), SHA256: h3},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/sharded", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := waitForStatus(t, m, jobID, types.JobFailed)
	if failed.LastError == "" {
		t.Error("failed job should carry an error message")
	}
	if len(failed.Shards) != 3 {
		t.Fatalf("shards = %d, want 3", len(failed.Shards))
	}
	if !failed.Shards[0].Done || !failed.Shards[1].Done {
		t.Errorf("healthy shards not done: %+v", failed.Shards)
	}
	if failed.Shards[2].Done {
		t.Error("failed shard marked done")
	}

	firstHits1 := origin.hitCount("/m/part-1.bin")
	firstHits2 := origin.hitCount("/m/part-2.bin")

	origin.setFailing("/m/part-3.bin", false)
	if err := m.Resume(context.Background(), jobID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done := waitForStatus(t, m, jobID, types.JobCompleted)
	if done.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", done.RetryCount)
	}

	// Completed shards are not re-fetched.
	if got := origin.hitCount("/m/part-1.bin"); got != firstHits1 {
		t.Errorf("part-1 hits = %d, want %d", got, firstHits1)
	}
	if got := origin.hitCount("/m/part-2.bin"); got != firstHits2 {
		t.Errorf("part-2 hits = %d, want %d", got, firstHits2)
	}

	for _, name := range []string{"part-1.bin", "part-2.bin", "part-3.bin"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestManager_HashMismatchQuarantines(t *testing.T) {
	origin := newTestOrigin(t)
	content, _ := origin.addRandom(t, "/models/bad.bin", 16*1024)
	wrongHash := strings.Repeat("ab", 32)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/bad",
			Files: []sources.RemoteFile{
				{Path: "/models/bad.bin", Name: "bad.bin", Size: int64(len(content)), SHA256: wrongHash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/bad", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := waitForStatus(t, m, jobID, types.JobFailed)
	if !strings.Contains(failed.LastError, "hash mismatch") {
		t.Errorf("LastError = %q, want hash mismatch", failed.LastError)
	}

	// The corrupt bytes are renamed aside, never deleted.
	quarantined, err := filepath.Glob(filepath.Join(dest, "bad.bin.corrupt-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(quarantined) != 1 {
		t.Fatalf("quarantined files = %v, want exactly one", quarantined)
	}
	if _, err := os.Stat(filepath.Join(dest, "bad.bin")); !os.IsNotExist(err) {
		t.Errorf("original path should be gone, stat err = %v", err)
	}
	if failed.Shards[0].Downloaded != 0 {
		t.Errorf("quarantined shard offset = %d, want 0", failed.Shards[0].Downloaded)
	}
}

func TestManager_CancelKeepsPartialState(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/huge.bin", 512*1024)
	origin.setSlow("/models/huge.bin", 2*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/huge",
			Files: []sources.RemoteFile{
				{Path: "/models/huge.bin", Name: "huge.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/huge", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForProgress(t, m, jobID)
	if err := m.Cancel(jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled := waitForStatus(t, m, jobID, types.JobCancelled)
	if cancelled.Downloaded == 0 || cancelled.Downloaded >= int64(len(content)) {
		t.Errorf("cancelled at %d of %d, want a partial offset", cancelled.Downloaded, len(content))
	}

	fi, err := os.Stat(filepath.Join(dest, "huge.bin"))
	if err != nil {
		t.Fatalf("partial file should remain: %v", err)
	}
	if fi.Size() == 0 {
		t.Error("partial file is empty")
	}

	// Terminal states reject further lifecycle transitions.
	if err := m.Cancel(jobID); !types.IsValidation(err) {
		t.Errorf("second Cancel err = %v, want validation", err)
	}
	if err := m.Resume(context.Background(), jobID); !types.IsValidation(err) {
		t.Errorf("Resume of cancelled job err = %v, want validation", err)
	}
}

func TestManager_PauseQueuedJob(t *testing.T) {
	origin := newTestOrigin(t)
	origin.addRandom(t, "/a/slow.bin", 16*1024)
	origin.addRandom(t, "/b/fast.bin", 1024)
	gate := origin.gate("/a/slow.bin")
	defer close(gate)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	m := newDownloadManager(t, nm, Config{MaxConcurrentJobs: 1})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name:  "acme/slow",
			Files: []sources.RemoteFile{{Path: "/a/slow.bin", Name: "slow.bin"}},
		},
	})

	first, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/slow", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start first: %v", err)
	}
	waitForStatus(t, m, first, types.JobDownloading)

	second, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/slow", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start second: %v", err)
	}

	// The second job is stuck behind the single slot; pausing it must
	// park it without it ever transferring.
	if err := m.Pause(second); err != nil {
		t.Fatalf("Pause queued job: %v", err)
	}
	parked := waitForStatus(t, m, second, types.JobPaused)
	if parked.Downloaded != 0 {
		t.Errorf("queued job downloaded %d bytes", parked.Downloaded)
	}
}

func TestManager_RawURLDownload(t *testing.T) {
	origin := newTestOrigin(t)
	content, _ := origin.addRandom(t, "/blobs/tool.tar.gz", 32*1024)

	nm := newTestNetmgr(t)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{})

	jobID, err := m.Start(context.Background(), StartRequest{
		Locator:     origin.server.URL + "/blobs/tool.tar.gz",
		Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitForStatus(t, m, jobID, types.JobCompleted)
	if job.SourceID != "" {
		t.Errorf("SourceID = %q, want empty for raw URL", job.SourceID)
	}

	got, err := os.ReadFile(filepath.Join(dest, "tool.tar.gz"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded bytes differ from origin")
	}
}

func TestManager_CrashRecoveryParksInterruptedJobs(t *testing.T) {
	stateDir := t.TempDir()
	storePath := filepath.Join(stateDir, "jobs")

	seed := func(id string, status types.JobStatus) *types.DownloadJob {
		return &types.DownloadJob{
			ID:         id,
			SourceID:   "test-src",
			Locator:    "acme/model",
			Status:     status,
			Downloaded: 512,
			TotalSize:  2048,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
	}

	store, err := openJobStore(storePath, nil)
	if err != nil {
		t.Fatalf("openJobStore: %v", err)
	}
	for _, job := range []*types.DownloadJob{
		seed("was-downloading", types.JobDownloading),
		seed("was-pausing", types.JobPausing),
		seed("was-queued", types.JobQueued),
		seed("was-cancelling", types.JobCancelling),
		seed("was-paused", types.JobPaused),
		seed("was-completed", types.JobCompleted),
	} {
		if err := store.put(job); err != nil {
			t.Fatalf("seed %s: %v", job.ID, err)
		}
	}
	if err := store.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	nm := newTestNetmgr(t)
	m := newDownloadManager(t, nm, Config{StateDir: stateDir})

	want := map[string]types.JobStatus{
		"was-downloading": types.JobPaused,
		"was-pausing":     types.JobPaused,
		"was-queued":      types.JobPaused,
		"was-cancelling":  types.JobCancelled,
		"was-paused":      types.JobPaused,
		"was-completed":   types.JobCompleted,
	}
	for id, status := range want {
		job, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if job.Status != status {
			t.Errorf("%s recovered as %s, want %s", id, job.Status, status)
		}
		if job.Downloaded != 512 {
			t.Errorf("%s lost its offset: %d", id, job.Downloaded)
		}
	}
}

func TestManager_StartValidation(t *testing.T) {
	nm := newTestNetmgr(t)
	m := newDownloadManager(t, nm, Config{})

	if _, err := m.Start(context.Background(), StartRequest{}); !types.IsValidation(err) {
		t.Errorf("empty locator err = %v, want validation", err)
	}
	if _, err := m.Start(context.Background(), StartRequest{
		SourceID: "unknown", Locator: "x",
	}); !types.IsValidation(err) {
		t.Errorf("unknown source err = %v, want validation", err)
	}
	if _, err := m.Start(context.Background(), StartRequest{
		Locator: "ftp://host/file.bin",
	}); !types.IsValidation(err) {
		t.Errorf("ftp URL err = %v, want validation", err)
	}
	if _, err := m.Start(context.Background(), StartRequest{
		Locator: "https://host/",
	}); !types.IsValidation(err) {
		t.Errorf("no file component err = %v, want validation", err)
	}

	if _, err := m.Status("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status err = %v, want ErrJobNotFound", err)
	}
}

func TestManager_InsufficientDiskFailsJob(t *testing.T) {
	origin := newTestOrigin(t)
	origin.addRandom(t, "/models/w.bin", 1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	m := newDownloadManager(t, nm, Config{MinFreeBytes: 1 << 60})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name:  "acme/w",
			Files: []sources.RemoteFile{{Path: "/models/w.bin", Name: "w.bin", Size: 1024}},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/w", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := waitForStatus(t, m, jobID, types.JobFailed)
	if !strings.Contains(failed.LastError, "insufficient disk space") {
		t.Errorf("LastError = %q, want insufficient disk space", failed.LastError)
	}
	if origin.hitCount("/models/w.bin") != 0 {
		t.Error("preflight failure should not fetch any bytes")
	}
}

func TestManager_AcknowledgeArchivesTerminalJobs(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/small.bin", 4*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/small",
			Files: []sources.RemoteFile{
				{Path: "/models/small.bin", Name: "small.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/small", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, m, jobID, types.JobCompleted)

	jobs, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("List = %d jobs, want 1", len(jobs))
	}

	if err := m.Acknowledge(jobID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	jobs, err = m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("List after acknowledge = %d jobs, want 0", len(jobs))
	}
	if _, err := m.Status(jobID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status after acknowledge = %v, want ErrJobNotFound", err)
	}

	archived, err := m.store.listArchived()
	if err != nil {
		t.Fatalf("listArchived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != jobID {
		t.Errorf("archived = %+v", archived)
	}
}

func TestManager_AcknowledgeRejectsActiveJob(t *testing.T) {
	origin := newTestOrigin(t)
	origin.addRandom(t, "/a/slow.bin", 8*1024)
	gate := origin.gate("/a/slow.bin")
	defer close(gate)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name:  "acme/slow",
			Files: []sources.RemoteFile{{Path: "/a/slow.bin", Name: "slow.bin"}},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/slow", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, m, jobID, types.JobDownloading)

	if err := m.Acknowledge(jobID); !types.IsValidation(err) {
		t.Errorf("Acknowledge active job err = %v, want validation", err)
	}
}

func TestManager_EventsFollowLifecycle(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/ev.bin", 8*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	m := newDownloadManager(t, nm, Config{})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/ev",
			Files: []sources.RemoteFile{
				{Path: "/models/ev.bin", Name: "ev.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	events, cancel := m.Subscribe(256)
	defer cancel()

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/ev", Destination: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var seen []Event
	deadline := time.After(15 * time.Second)
	for {
		var done bool
		select {
		case ev := <-events:
			if ev.JobID != jobID {
				continue
			}
			seen = append(seen, ev)
			done = ev.Status == types.JobCompleted
		case <-deadline:
			t.Fatalf("no completion event; saw %d events", len(seen))
		}
		if done {
			break
		}
	}

	if seen[0].Status != types.JobQueued {
		t.Errorf("first event = %s, want queued", seen[0].Status)
	}
	var sawDownloading bool
	for _, ev := range seen {
		if ev.Status == types.JobDownloading {
			sawDownloading = true
		}
	}
	if !sawDownloading {
		t.Error("no downloading event observed")
	}
	final := seen[len(seen)-1]
	if final.Completed != int64(len(content)) || final.Total != int64(len(content)) {
		t.Errorf("final event progress = %d/%d", final.Completed, final.Total)
	}
}

func TestManager_BandwidthCapStillCompletes(t *testing.T) {
	origin := newTestOrigin(t)
	content, hash := origin.addRandom(t, "/models/capped.bin", 64*1024)

	nm := newTestNetmgr(t)
	registerOrigin(t, nm, "test-src", origin)

	dest := t.TempDir()
	m := newDownloadManager(t, nm, Config{BytesPerSecond: 10 << 20})
	m.RegisterResolver(&fakeResolver{
		id: "test-src",
		artifact: &sources.Artifact{
			Name: "acme/capped",
			Files: []sources.RemoteFile{
				{Path: "/models/capped.bin", Name: "capped.bin", Size: int64(len(content)), SHA256: hash},
			},
		},
	})

	jobID, err := m.Start(context.Background(), StartRequest{
		SourceID: "test-src", Locator: "acme/capped", Destination: dest,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, m, jobID, types.JobCompleted)

	got, err := os.ReadFile(filepath.Join(dest, "capped.bin"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded bytes differ from origin")
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain file", "model.gguf", "model.gguf", false},
		{"nested", "onnx/model.onnx", "onnx/model.onnx", false},
		{"dot segments collapse", "a/./b.bin", "a/b.bin", false},
		{"empty", "", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"traversal", "../outside.bin", "", true},
		{"nested traversal", "a/../../outside.bin", "", true},
		{"backslash", `a\b.bin`, "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := cleanRelPath(test.in)
			if test.wantErr {
				if err == nil {
					t.Fatalf("cleanRelPath(%q) = %q, want error", test.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("cleanRelPath(%q): %v", test.in, err)
			}
			if got != test.want {
				t.Errorf("cleanRelPath(%q) = %q, want %q", test.in, got, test.want)
			}
		})
	}
}

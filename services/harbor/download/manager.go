// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download runs resumable, shard-aware artifact transfers.
//
// A download job names a source and locator; the source's resolver
// turns the locator into a transfer plan, and the manager moves the
// bytes through the network manager with byte-range resume, bounded
// shard concurrency, and sha256 verification. Job state is persisted
// in BadgerDB on every progress checkpoint so jobs survive a crash and
// resume from the last verified offset.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/sources"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// ErrInsufficientSpace is returned when the destination filesystem
// cannot hold the remaining bytes plus the configured margin.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// ErrClosed is returned for operations on a closed manager.
var ErrClosed = errors.New("download manager is closed")

const (
	// DefaultMaxConcurrentJobs bounds jobs transferring at once.
	DefaultMaxConcurrentJobs = 2

	// DefaultShardConcurrency bounds parallel files within one job.
	DefaultShardConcurrency = 3

	// DefaultProgressInterval is the progress sampling cadence.
	DefaultProgressInterval = 500 * time.Millisecond

	// DefaultMinFreeBytes is the free-disk margin kept beyond the
	// artifact's remaining bytes.
	DefaultMinFreeBytes = 1 << 30
)

// Config configures the download manager.
type Config struct {
	// StateDir is where job state is persisted. Empty keeps job state
	// in memory, which is only suitable for tests.
	StateDir string

	// DataDir is the root for default destinations. Jobs without an
	// explicit destination land under <DataDir>/downloads/<job-id>.
	DataDir string

	// MaxConcurrentJobs bounds jobs transferring at once.
	MaxConcurrentJobs int

	// ShardConcurrency bounds parallel file transfers within one job.
	ShardConcurrency int

	// BytesPerSecond caps aggregate transfer bandwidth across all
	// jobs. Zero means unlimited.
	BytesPerSecond int64

	// ProgressInterval is how often progress is persisted and
	// published while a job transfers.
	ProgressInterval time.Duration

	// MinFreeBytes is the free-disk margin required beyond the
	// remaining artifact bytes before a transfer starts.
	MinFreeBytes int64

	Logger *slog.Logger
}

// StartRequest describes one download to begin.
type StartRequest struct {
	// SourceID selects a registered resolver. Empty means Locator is
	// a raw file URL.
	SourceID string

	// Locator identifies the artifact within the source, or is the
	// raw URL itself when SourceID is empty.
	Locator string

	// Destination overrides the default destination directory.
	Destination string
}

// Manager owns the download job lifecycle.
//
// # Description
//
// Each started or resumed job gets one driving goroutine that resolves
// the transfer plan, runs the shard engine, and writes the terminal
// state. Pause and Cancel are cooperative: they record the requested
// state and cancel the job's context, and the driving goroutine
// acknowledges at its next I/O checkpoint, never more than one
// progress interval away. Status reads come from the persisted
// snapshots, so they never contend with a running transfer.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	mgr    *netmgr.Manager
	store  *jobStore
	events *broadcaster
	logger *slog.Logger

	dataDir          string
	shardConcurrency int
	progressInterval time.Duration
	minFreeBytes     int64
	limiter          *rate.Limiter

	// statfs is swappable for tests.
	statfs func(string, *syscall.Statfs_t) error

	jobSlots chan struct{}

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	resolvers map[string]sources.Resolver
	running   map[string]*jobRun
	closed    bool
}

// jobRun is the control handle for one driving goroutine.
type jobRun struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	intent types.JobStatus
}

// setIntent records the requested stop state and interrupts the
// transfer. Cancel outranks pause: once a cancel is requested a later
// pause must not downgrade it.
func (r *jobRun) setIntent(s types.JobStatus) {
	r.mu.Lock()
	if r.intent != types.JobCancelling {
		r.intent = s
	}
	r.mu.Unlock()
	r.cancel()
}

// intentState returns the requested stop state, or "" when the job
// should keep running.
func (r *jobRun) intentState() types.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intent
}

// NewManager opens the job store, recovers interrupted jobs, and
// returns a ready manager.
//
// # Description
//
// Jobs found in a non-terminal running state are the residue of a
// crash or hard shutdown. They are re-marked Paused with their offsets
// intact so the caller can resume them; jobs caught mid-cancel are
// finished as Cancelled. Nothing restarts automatically.
//
// Inputs:
//   - mgr: The network manager all transfers go through. Required.
//   - config: Tuning. Zero values take documented defaults.
//
// Outputs:
//   - *Manager: Ready for Start calls. Caller must Close.
//   - error: Non-nil when the job store cannot be opened.
func NewManager(mgr *netmgr.Manager, config Config) (*Manager, error) {
	if mgr == nil {
		return nil, errors.New("network manager is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if config.ShardConcurrency <= 0 {
		config.ShardConcurrency = DefaultShardConcurrency
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = DefaultProgressInterval
	}
	if config.MinFreeBytes <= 0 {
		config.MinFreeBytes = DefaultMinFreeBytes
	}

	storePath := ""
	if config.StateDir != "" {
		storePath = filepath.Join(config.StateDir, "jobs")
	}
	store, err := openJobStore(storePath, config.Logger)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if config.BytesPerSecond > 0 {
		burst := int(config.BytesPerSecond)
		if burst < transferChunkSize {
			burst = transferChunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(config.BytesPerSecond), burst)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		mgr:              mgr,
		store:            store,
		events:           newBroadcaster(),
		logger:           config.Logger,
		dataDir:          config.DataDir,
		shardConcurrency: config.ShardConcurrency,
		progressInterval: config.ProgressInterval,
		minFreeBytes:     config.MinFreeBytes,
		limiter:          limiter,
		statfs:           syscall.Statfs,
		jobSlots:         make(chan struct{}, config.MaxConcurrentJobs),
		rootCtx:          rootCtx,
		cancel:           cancel,
		resolvers:        make(map[string]sources.Resolver),
		running:          make(map[string]*jobRun),
	}

	if err := m.recoverJobs(); err != nil {
		store.close()
		cancel()
		return nil, err
	}
	return m, nil
}

// recoverJobs sweeps the store for jobs interrupted by a crash.
func (m *Manager) recoverJobs() error {
	jobs, err := m.store.list()
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, job := range jobs {
		switch job.Status {
		case types.JobQueued, types.JobDownloading, types.JobPausing:
			job.Status = types.JobPaused
		case types.JobCancelling:
			job.Status = types.JobCancelled
		default:
			continue
		}
		job.UpdatedAt = time.Now()
		if err := m.store.put(job); err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
		m.logger.Info("recovered interrupted download",
			"job_id", job.ID,
			"status", string(job.Status),
			"downloaded", job.Downloaded,
			"total", job.TotalSize)
	}
	return nil
}

// RegisterResolver makes a source's resolver available to Start.
func (m *Manager) RegisterResolver(r sources.Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[r.SourceID()] = r
}

// Start validates the request, persists a queued job, and begins the
// transfer in the background.
//
// # Description
//
// Start returns as soon as the job is durably queued; resolution and
// transfer happen on the job's own goroutine under the manager's
// lifetime, not the caller's context. Failures after this point are
// reported through the job status and the event stream.
//
// Inputs:
//   - ctx: Bounds only the synchronous bookkeeping.
//   - req: What to download and where to put it.
//
// Outputs:
//   - string: The job ID for subsequent lifecycle calls.
//   - error: Validation error for bad input, ErrClosed after Close.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Locator == "" {
		return "", types.Validation("start download", req.SourceID, errors.New("locator is required"))
	}
	if req.SourceID == "" {
		if _, err := parseRawURL(req.Locator); err != nil {
			return "", err
		}
	} else {
		m.mu.Lock()
		_, ok := m.resolvers[req.SourceID]
		m.mu.Unlock()
		if !ok {
			return "", types.Validation("start download", req.SourceID,
				fmt.Errorf("no resolver registered for source %q", req.SourceID))
		}
	}

	now := time.Now()
	job := &types.DownloadJob{
		ID:          uuid.NewString(),
		SourceID:    req.SourceID,
		Locator:     req.Locator,
		Destination: req.Destination,
		Status:      types.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Destination == "" {
		job.Destination = filepath.Join(m.dataDir, "downloads", job.ID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if err := m.store.put(job); err != nil {
		m.mu.Unlock()
		return "", err
	}
	// Queued is published before the goroutine exists so subscribers
	// always see it ahead of anything the run emits.
	m.events.publish(Event{JobID: job.ID, Status: types.JobQueued, Time: now})
	m.launchLocked(job)
	m.mu.Unlock()

	m.logger.Info("download queued",
		"job_id", job.ID, "source", job.SourceID, "locator", job.Locator)
	return job.ID, nil
}

// launchLocked registers a run handle and spawns the driving
// goroutine. The handle is registered before the goroutine starts so a
// Pause or Cancel issued right after Start always finds the job
// active. Caller holds m.mu.
func (m *Manager) launchLocked(job *types.DownloadJob) {
	runCtx, cancelRun := context.WithCancel(m.rootCtx)
	run := &jobRun{cancel: cancelRun}
	m.running[job.ID] = run
	m.wg.Add(1)
	go m.run(runCtx, run, job)
}

// Pause asks a running or queued job to stop at its next checkpoint,
// keeping its partial bytes for a later Resume.
func (m *Manager) Pause(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.running[jobID]
	if !ok {
		return types.Validation("pause download", jobID, errors.New("job is not active"))
	}
	run.setIntent(types.JobPausing)
	m.events.publish(Event{JobID: jobID, Status: types.JobPausing, Time: time.Now()})
	return nil
}

// Resume requeues a paused or failed job. The transfer picks up from
// the persisted shard offsets.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.running[jobID]; ok {
		return types.Validation("resume download", jobID, errors.New("job is already active"))
	}
	job, err := m.store.get(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case types.JobPaused, types.JobFailed:
	default:
		return types.Validation("resume download", jobID,
			fmt.Errorf("job is %s, want paused or failed", job.Status))
	}
	if job.Status == types.JobFailed {
		job.RetryCount++
	}
	job.Status = types.JobQueued
	job.LastError = ""
	job.UpdatedAt = time.Now()
	if err := m.store.put(job); err != nil {
		return err
	}
	m.events.publish(Event{
		JobID:     job.ID,
		Status:    types.JobQueued,
		Completed: job.Downloaded,
		Total:     job.TotalSize,
		Time:      job.UpdatedAt,
	})
	m.launchLocked(job)
	m.logger.Info("download resumed",
		"job_id", job.ID, "downloaded", job.Downloaded, "retry_count", job.RetryCount)
	return nil
}

// Cancel stops a job for good. Partial bytes and job state stay on
// disk until the job is acknowledged, so a cancel never corrupts
// anything and the caller can inspect what was fetched.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.running[jobID]; ok {
		run.setIntent(types.JobCancelling)
		m.events.publish(Event{JobID: jobID, Status: types.JobCancelling, Time: time.Now()})
		return nil
	}

	job, err := m.store.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return types.Validation("cancel download", jobID,
			fmt.Errorf("job is already %s", job.Status))
	}
	job.Status = types.JobCancelled
	job.UpdatedAt = time.Now()
	if err := m.store.put(job); err != nil {
		return err
	}
	m.events.publish(Event{
		JobID:     job.ID,
		Status:    types.JobCancelled,
		Completed: job.Downloaded,
		Total:     job.TotalSize,
		Time:      job.UpdatedAt,
	})
	return nil
}

// Status returns the latest persisted snapshot of a job. For a running
// job the snapshot is at most one progress interval old.
func (m *Manager) Status(jobID string) (types.DownloadJob, error) {
	job, err := m.store.get(jobID)
	if err != nil {
		return types.DownloadJob{}, err
	}
	return *job, nil
}

// List returns all unacknowledged jobs, oldest first.
func (m *Manager) List() ([]types.DownloadJob, error) {
	jobs, err := m.store.list()
	if err != nil {
		return nil, err
	}
	out := make([]types.DownloadJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, *job)
	}
	return out, nil
}

// Acknowledge archives a terminal job, removing it from List.
func (m *Manager) Acknowledge(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.store.get(jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return types.Validation("acknowledge download", jobID,
			fmt.Errorf("job is still %s", job.Status))
	}
	return m.store.archive(job)
}

// Subscribe returns a channel of progress events and a cancel
// function. Events are dropped, not queued, when the subscriber falls
// behind.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// Close stops all transfers and releases the job store. In-flight jobs
// are left Paused with their offsets persisted, exactly as crash
// recovery would leave them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.close()
	return m.store.close()
}

// run is the driving goroutine for one job attempt.
func (m *Manager) run(ctx context.Context, run *jobRun, job *types.DownloadJob) {
	defer m.wg.Done()
	defer run.cancel()

	err := m.execute(ctx, run, job)
	m.finish(run, job, err)
}

// execute waits for a job slot, resolves the plan, and drives the
// transfer. The returned error is nil only when every shard completed
// and verified.
func (m *Manager) execute(ctx context.Context, run *jobRun, job *types.DownloadJob) error {
	select {
	case m.jobSlots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.jobSlots }()

	job.Status = types.JobDownloading
	job.UpdatedAt = time.Now()
	if err := m.store.put(job); err != nil {
		return err
	}
	m.events.publish(Event{
		JobID:     job.ID,
		Status:    types.JobDownloading,
		Completed: job.Downloaded,
		Total:     job.TotalSize,
		Time:      job.UpdatedAt,
	})

	plan, sourceID, err := m.resolvePlan(ctx, job)
	if err != nil {
		return err
	}
	if err := m.prepare(job, plan); err != nil {
		return err
	}
	if err := m.checkFreeDisk(job.Destination, job.TotalSize-job.Downloaded); err != nil {
		return err
	}
	return m.transfer(ctx, run, job, sourceID, plan)
}

// finish writes the terminal or parked state for a finished attempt.
func (m *Manager) finish(run *jobRun, job *types.DownloadJob, err error) {
	m.mu.Lock()
	delete(m.running, job.ID)

	intent := run.intentState()
	job.UpdatedAt = time.Now()
	switch {
	case err == nil:
		job.Status = types.JobCompleted
		job.LastError = ""
	case intent == types.JobCancelling:
		job.Status = types.JobCancelled
		job.LastError = ""
	case intent == types.JobPausing:
		job.Status = types.JobPaused
		job.LastError = ""
	case m.rootCtx.Err() != nil:
		// Shutdown: park the job the way crash recovery would.
		job.Status = types.JobPaused
	default:
		job.Status = types.JobFailed
		job.LastError = err.Error()
	}
	if perr := m.store.put(job); perr != nil {
		m.logger.Error("persist terminal job state failed",
			"job_id", job.ID, "status", string(job.Status), "error", perr)
	}
	m.mu.Unlock()

	ev := Event{
		JobID:     job.ID,
		Status:    job.Status,
		Completed: job.Downloaded,
		Total:     job.TotalSize,
		Speed:     job.Speed,
		Error:     job.LastError,
		Time:      job.UpdatedAt,
	}
	m.events.publish(ev)

	switch job.Status {
	case types.JobCompleted:
		m.logger.Info("download completed",
			"job_id", job.ID, "bytes", job.Downloaded, "destination", job.Destination)
	case types.JobFailed:
		m.logger.Warn("download failed",
			"job_id", job.ID, "downloaded", job.Downloaded, "error", job.LastError)
	default:
		m.logger.Info("download stopped",
			"job_id", job.ID, "status", string(job.Status), "downloaded", job.Downloaded)
	}
}

// checkFreeDisk verifies the destination filesystem has room for the
// remaining bytes plus the configured margin.
func (m *Manager) checkFreeDisk(dir string, remaining int64) error {
	if remaining < 0 {
		remaining = 0
	}
	var stat syscall.Statfs_t
	if err := m.statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < remaining+m.minFreeBytes {
		return types.Validation("start download", dir,
			fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, remaining+m.minFreeBytes, free))
	}
	return nil
}

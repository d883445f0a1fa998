// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"time"
)

// JobStatus is the lifecycle state of a download job.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDownloading JobStatus = "downloading"
	JobPausing     JobStatus = "pausing"
	JobPaused      JobStatus = "paused"
	JobCancelling  JobStatus = "cancelling"
	JobCancelled   JobStatus = "cancelled"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal jobs keep
// their state until the caller acknowledges them.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCancelled, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// Shard is one file of a multi-file artifact within a download job.
type Shard struct {
	// Index orders shards within the job.
	Index int `json:"index"`

	// RemotePath is the path fetched from the source.
	RemotePath string `json:"remote_path"`

	// LocalPath is where the shard lands under the destination.
	LocalPath string `json:"local_path"`

	// Size is the shard's total size in bytes, 0 until known.
	Size int64 `json:"size"`

	// Downloaded is the byte offset completed so far.
	Downloaded int64 `json:"downloaded"`

	// Done marks the shard fully downloaded and verified.
	Done bool `json:"done"`

	// Hash is the expected sha256 of the shard, when the source
	// publishes one.
	Hash string `json:"hash,omitempty"`
}

// EarlyMetadata is what is known about the artifact before the
// download completes. Written to the job as soon as the source
// responds so a crash mid-download still leaves an attributable file.
type EarlyMetadata struct {
	ModelName    string `json:"model_name,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
}

// DownloadJob is the persistent state of one download.
//
// Invariants: Downloaded never exceeds TotalSize once TotalSize is
// known, and never decreases while the job is downloading.
type DownloadJob struct {
	// ID is the opaque caller-visible job identity.
	ID string `json:"id"`

	// SourceID names the registered source, empty for raw URLs.
	SourceID string `json:"source_id,omitempty"`

	// Locator is the artifact reference within the source, or the
	// raw URL when SourceID is empty.
	Locator string `json:"locator"`

	// Destination is the local directory the artifact lands in.
	Destination string `json:"destination"`

	TotalSize  int64     `json:"total_size"`
	Downloaded int64     `json:"downloaded"`
	Status     JobStatus `json:"status"`

	// Speed is a rolling-window estimate in bytes per second.
	Speed float64 `json:"speed"`

	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// LastError holds the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	Shards   []Shard       `json:"shards,omitempty"`
	Metadata EarlyMetadata `json:"metadata"`
}

// Progress returns completion as a fraction in [0,1], or 0 when the
// total is unknown.
func (j *DownloadJob) Progress() float64 {
	if j.TotalSize <= 0 {
		return 0
	}
	p := float64(j.Downloaded) / float64(j.TotalSize)
	if p > 1 {
		p = 1
	}
	return p
}

// Release is one published release of a model or tool from a remote
// catalog.
type Release struct {
	// Version is the release tag, e.g. "v0.5.1".
	Version string `json:"version"`

	Name        string    `json:"name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease,omitempty"`

	Assets []ReleaseAsset `json:"assets,omitempty"`
}

// ReleaseAsset is one downloadable file attached to a release.
type ReleaseAsset struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`

	// Digest is "sha256:<hex>" when the source publishes one.
	Digest string `json:"digest,omitempty"`
}

// CacheStatus is a snapshot of one source's release cache, shaped for
// status surfaces.
type CacheStatus struct {
	HasCache      bool  `json:"has_cache"`
	IsValid       bool  `json:"is_valid"`
	IsFetching    bool  `json:"is_fetching"`
	AgeSeconds    int64 `json:"age_seconds"`
	ReleasesCount int   `json:"releases_count"`
}

// Provenance records one way a model entered the library. A record
// accumulates provenance entries; they are never rewritten.
type Provenance struct {
	// Source is the source ID or "import" for local files.
	Source string `json:"source"`

	// JobID links back to the download job, empty for direct imports.
	JobID string `json:"job_id,omitempty"`

	// OriginalRef is the URL or filesystem path the artifact came from.
	OriginalRef string `json:"original_ref"`

	ImportedAt time.Time `json:"imported_at"`
}

// MetadataAlternate is a later, conflicting metadata guess kept
// alongside the winning value for review.
type MetadataAlternate struct {
	Field      string    `json:"field"`
	Value      string    `json:"value"`
	Origin     string    `json:"origin"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Binding marks a model as actively wired into an external consumer,
// e.g. a local runtime alias.
type Binding struct {
	Consumer  string    `json:"consumer"`
	Alias     string    `json:"alias"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelRecord is the canonical library entity for one model artifact.
//
// Invariants: the canonical Path is unique across the library, Hash is
// immutable once recorded, and two records with the same hash are
// dedup candidates, never silent overwrites.
type ModelRecord struct {
	// ID is "sha256:<16 hex>" derived from the content hash unless
	// the caller assigned one.
	ID string `json:"id"`

	// OfficialName is the human name, e.g. "llama3:8b-instruct-q4_K_M".
	OfficialName string `json:"official_name"`

	// Path is the canonical primary file under the storage root.
	Path string `json:"path"`

	// ExtraFiles lists sibling files for multi-file artifacts.
	ExtraFiles []string `json:"extra_files,omitempty"`

	// Hash is the full content hash, "sha256:<64 hex>".
	Hash string `json:"hash"`

	SizeBytes int64 `json:"size_bytes"`

	Family       string `json:"family,omitempty"`
	Type         string `json:"type,omitempty"`
	Quantization string `json:"quantization,omitempty"`

	// Parameters is the parameter count, e.g. 8_030_000_000 for "8B".
	Parameters int64 `json:"parameters,omitempty"`

	Aliases []string `json:"aliases,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	Provenance []Provenance        `json:"provenance,omitempty"`
	Alternates []MetadataAlternate `json:"alternates,omitempty"`
	Bindings   []Binding           `json:"bindings,omitempty"`

	// NeedsReview flags records whose alternates hold unresolved
	// metadata conflicts.
	NeedsReview bool `json:"needs_review,omitempty"`

	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

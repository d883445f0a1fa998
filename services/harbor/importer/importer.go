// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package importer turns downloaded or user-supplied artifacts into
// canonical, searchable library entries.
//
// The pipeline hashes the artifact, consults the index for an existing
// record with the same content hash (duplicates gain provenance, their
// bytes are never copied twice), normalizes new artifacts into the
// canonical storage layout, infers family/type/quantization from the
// filename and container headers, and commits the record together with
// its full-text projection. Unreadable or truncated artifacts are
// renamed aside with a quarantine suffix, never deleted.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/download"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

var tracer = otel.Tracer("harbor.importer")

// SourceImport marks provenance entries for files imported from the
// local filesystem rather than a download job.
const SourceImport = "import"

// Weight-file extensions the directory walker treats as primary
// artifacts. Everything else rides along as an extra file.
var weightExtensions = map[string]bool{
	".gguf":        true,
	".safetensors": true,
	".bin":         true,
	".pt":          true,
	".pth":         true,
}

// defaultCopyBuffer is the read size for hashing and copying. Large
// enough that a 10 GB artifact hashes in a few thousand reads.
const defaultCopyBuffer = 1 << 20

// Config configures the import pipeline.
type Config struct {
	// StorageRoot is the canonical library root. Imported artifacts
	// are placed under <root>/<category>/.
	StorageRoot string

	// Index is the library index records are committed to.
	Index *index.Store

	// Logger receives pipeline events. Defaults to slog.Default().
	Logger *slog.Logger

	// CopyBufferSize overrides the hash/copy chunk size. Tests use a
	// small value to exercise multi-chunk paths.
	CopyBufferSize int
}

// Pipeline is the import engine. Safe for concurrent use; the index
// serializes writes internally.
type Pipeline struct {
	root    string
	idx     *index.Store
	logger  *slog.Logger
	bufSize int
	nowFn   func() time.Time
}

// Options tune a single import call.
type Options struct {
	// Name overrides the inferred official name.
	Name string

	// Source names the provenance source. Empty means SourceImport.
	Source string

	// JobID links provenance back to a download job.
	JobID string

	// Tags are attached to new records verbatim.
	Tags []string

	// Move renames the artifact into canonical storage instead of
	// copying it. Used for completed downloads, where the staging copy
	// has no further purpose.
	Move bool

	// ExpectedHash, when set ("sha256:<hex>" or bare hex), must match
	// the computed hash or the artifact is quarantined.
	ExpectedHash string

	// ExpectedSize, when positive, must match the on-disk size or the
	// artifact is treated as truncated.
	ExpectedSize int64

	// Progress receives (hashed, total) byte counts while hashing.
	Progress func(hashed, total int64)
}

// Result reports what one import did.
type Result struct {
	// Record is the library record the artifact now belongs to.
	Record *types.ModelRecord

	// Duplicate is true when the content hash already existed and only
	// provenance was appended.
	Duplicate bool

	// CanonicalPath is where the bytes live now. For duplicates this
	// is the existing record's path.
	CanonicalPath string
}

// New builds a Pipeline.
//
// # Inputs
//
//   - cfg: StorageRoot and Index are required
//
// # Outputs
//
//   - *Pipeline: Ready pipeline
//   - error: Missing configuration
func New(cfg Config) (*Pipeline, error) {
	if cfg.StorageRoot == "" {
		return nil, errors.New("importer: storage root is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("importer: index is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := cfg.CopyBufferSize
	if bufSize <= 0 {
		bufSize = defaultCopyBuffer
	}
	root, err := filepath.Abs(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("importer: resolve storage root: %w", err)
	}
	return &Pipeline{
		root:    root,
		idx:     cfg.Index,
		logger:  logger,
		bufSize: bufSize,
		nowFn:   time.Now,
	}, nil
}

// ImportFile ingests one artifact file.
//
// # Description
//
// Hashes the file, deduplicates against the index by content hash
// (duplicates gain a provenance entry and nothing is copied),
// otherwise infers metadata, places the bytes at the canonical path,
// and commits the record with its search projection in one
// transaction. Unreadable and truncated artifacts are quarantined in
// place and surfaced as Corruption.
//
// # Inputs
//
//   - ctx: Cancellation honored between hash chunks
//   - path: The artifact to ingest
//   - opts: Naming, provenance, and verification options
//
// # Outputs
//
//   - *Result: Record plus dedup/placement detail
//   - error: Validation for missing files, Corruption for damaged ones
//
// # Thread Safety
//
// Safe for concurrent use.
func (p *Pipeline) ImportFile(ctx context.Context, path string, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Importer.ImportFile",
		trace.WithAttributes(attribute.String("harbor.artifact", filepath.Base(path))))
	defer span.End()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, types.Validation("import", path, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, types.Validation("import", abs, err)
	}
	if st.IsDir() {
		return nil, types.Validation("import", abs, errors.New("path is a directory, use ImportDirectory"))
	}
	if st.Size() == 0 {
		return nil, p.quarantine(abs, errors.New("artifact is empty"))
	}
	if opts.ExpectedSize > 0 && st.Size() != opts.ExpectedSize {
		return nil, p.quarantine(abs, fmt.Errorf("size %d does not match expected %d", st.Size(), opts.ExpectedSize))
	}

	sum, err := p.hashFiles(ctx, []string{abs}, st.Size(), opts.Progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.quarantine(abs, err)
	}
	hash := "sha256:" + sum

	if opts.ExpectedHash != "" && !hashesEqual(opts.ExpectedHash, sum) {
		return nil, p.quarantine(abs, fmt.Errorf("hash %s does not match expected %s", sum, opts.ExpectedHash))
	}

	if res, err := p.dedup(ctx, hash, abs, opts); res != nil || err != nil {
		return res, err
	}

	meta, err := InferMetadata(abs)
	if err != nil {
		return nil, p.quarantine(abs, err)
	}
	p.applyNameOverride(&meta, opts.Name)

	dest, err := p.placeFile(abs, meta, sum, opts.Move)
	if err != nil {
		return nil, err
	}

	rec := p.newRecord(meta, hash, dest, nil, st.Size(), abs, opts)
	if err := p.idx.Upsert(ctx, rec); err != nil {
		p.unplace(abs, dest, opts.Move)
		return nil, fmt.Errorf("commit record: %w", err)
	}

	p.logger.Info("artifact imported",
		"model_id", rec.ID,
		"name", rec.OfficialName,
		"path", dest,
		"size", st.Size())
	return &Result{Record: rec, CanonicalPath: dest}, nil
}

// ImportDirectory ingests every artifact in a directory.
//
// Sharded weight sets (model-00001-of-00004.safetensors and friends)
// are grouped into a single record whose hash covers the shards in
// order; standalone weight files import individually. Non-weight
// files attach as extras when the directory holds exactly one
// artifact, and are ignored otherwise.
func (p *Pipeline) ImportDirectory(ctx context.Context, dir string, opts Options) ([]*Result, error) {
	ctx, span := tracer.Start(ctx, "Importer.ImportDirectory",
		trace.WithAttributes(attribute.String("harbor.dir", filepath.Base(dir))))
	defer span.End()

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, types.Validation("import", dir, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, types.Validation("import", abs, err)
	}
	if !st.IsDir() {
		return nil, types.Validation("import", abs, errors.New("path is not a directory"))
	}

	weights, sidecars, err := collectArtifacts(abs)
	if err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}
	if len(weights) == 0 {
		return nil, types.Validation("import", abs, errors.New("no model artifacts found"))
	}

	groups := groupShards(weights)

	var results []*Result
	var failures []error
	for _, group := range groups {
		extras := []string(nil)
		if len(groups) == 1 {
			extras = sidecars
		}
		var res *Result
		var err error
		if len(group) == 1 && len(extras) == 0 {
			res, err = p.ImportFile(ctx, group[0], opts)
		} else {
			res, err = p.importGroup(ctx, group, extras, opts)
		}
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			failures = append(failures, fmt.Errorf("%s: %w", filepath.Base(group[0]), err))
			continue
		}
		results = append(results, res)
	}
	if len(failures) > 0 {
		return results, errors.Join(failures...)
	}
	return results, nil
}

// ConsumeCompleted ingests the files of a completed download job,
// moving them out of the staging destination into canonical storage
// with provenance linking back to the job.
func (p *Pipeline) ConsumeCompleted(ctx context.Context, job types.DownloadJob) ([]*Result, error) {
	if job.Status != types.JobCompleted {
		return nil, types.Validation("import", job.ID, fmt.Errorf("job status is %s, not completed", job.Status))
	}

	source := job.SourceID
	if source == "" {
		source = SourceImport
	}
	opts := Options{
		Name:         job.Metadata.ModelName,
		Source:       source,
		JobID:        job.ID,
		Move:         true,
		ExpectedHash: job.Metadata.ExpectedHash,
	}

	paths := make([]string, 0, len(job.Shards))
	shards := append([]types.Shard(nil), job.Shards...)
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	for _, s := range shards {
		paths = append(paths, s.LocalPath)
	}

	switch {
	case len(paths) == 0:
		return nil, types.Validation("import", job.ID, errors.New("job has no files"))
	case len(paths) == 1:
		// Single-file jobs can verify the early hash; sharded jobs
		// verify per-shard during transfer instead.
		if len(job.Shards) == 1 && job.Shards[0].Hash != "" {
			opts.ExpectedHash = job.Shards[0].Hash
		}
		res, err := p.ImportFile(ctx, paths[0], opts)
		if err != nil {
			return nil, err
		}
		return []*Result{res}, nil
	default:
		opts.ExpectedHash = ""
		res, err := p.importGroup(ctx, paths, nil, opts)
		if err != nil {
			return nil, err
		}
		return []*Result{res}, nil
	}
}

// Consume subscribes to download events and imports every job that
// completes, until ctx is done. Import failures are logged and do not
// stop the loop; the artifact stays in the staging directory for a
// manual retry.
func (p *Pipeline) Consume(ctx context.Context, mgr *download.Manager) {
	events, cancel := mgr.Subscribe(16)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Status != types.JobCompleted {
				continue
			}
			job, err := mgr.Status(ev.JobID)
			if err != nil {
				p.logger.Warn("completed job vanished before import", "job_id", ev.JobID, "error", err)
				continue
			}
			if _, err := p.ConsumeCompleted(ctx, job); err != nil {
				p.logger.Error("failed to import completed download",
					"job_id", ev.JobID,
					"error", err)
				continue
			}
			if err := mgr.Acknowledge(ev.JobID); err != nil {
				p.logger.Debug("acknowledge after import", "job_id", ev.JobID, "error", err)
			}
		}
	}
}

// =============================================================================
// Internals
// =============================================================================

// importGroup ingests a multi-file artifact: ordered weight shards
// plus sidecar extras. The artifact hash is the sha256 of the shards
// concatenated in order, so the same set always dedups regardless of
// where it was assembled.
func (p *Pipeline) importGroup(ctx context.Context, shardPaths, extras []string, opts Options) (*Result, error) {
	var total int64
	for _, path := range shardPaths {
		st, err := os.Stat(path)
		if err != nil {
			return nil, types.Validation("import", path, err)
		}
		if st.Size() == 0 {
			return nil, p.quarantine(path, errors.New("shard is empty"))
		}
		total += st.Size()
	}

	sum, err := p.hashFiles(ctx, shardPaths, total, opts.Progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Corruption("import", shardPaths[0], err)
	}
	hash := "sha256:" + sum

	if res, err := p.dedup(ctx, hash, shardPaths[0], opts); res != nil || err != nil {
		return res, err
	}

	meta, err := InferMetadata(shardPaths[0])
	if err != nil {
		return nil, p.quarantine(shardPaths[0], err)
	}
	p.applyNameOverride(&meta, opts.Name)

	primary, extraPaths, err := p.placeGroup(shardPaths, extras, meta, sum, opts.Move)
	if err != nil {
		return nil, err
	}

	rec := p.newRecord(meta, hash, primary, extraPaths, total, filepath.Dir(shardPaths[0]), opts)
	if err := p.idx.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("commit record: %w", err)
	}

	p.logger.Info("sharded artifact imported",
		"model_id", rec.ID,
		"name", rec.OfficialName,
		"path", primary,
		"files", 1+len(extraPaths),
		"size", total)
	return &Result{Record: rec, CanonicalPath: primary}, nil
}

// dedup checks the index for an existing record with this content
// hash. On a hit it appends provenance and returns the refreshed
// record; the artifact's bytes stay where they are.
func (p *Pipeline) dedup(ctx context.Context, hash, origin string, opts Options) (*Result, error) {
	existing, err := p.idx.FindByHash(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hash lookup: %w", err)
	}

	if err := p.idx.AppendProvenance(ctx, existing.ID, p.provenance(origin, opts)); err != nil {
		return nil, fmt.Errorf("append provenance: %w", err)
	}
	refreshed, err := p.idx.Get(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("reload record: %w", err)
	}

	p.logger.Info("duplicate artifact, provenance appended",
		"model_id", existing.ID,
		"origin", origin,
		"canonical", existing.Path)
	return &Result{Record: refreshed, Duplicate: true, CanonicalPath: existing.Path}, nil
}

// hashFiles computes the sha256 over the given files in order,
// reporting progress and honoring cancellation between chunks.
func (p *Pipeline) hashFiles(ctx context.Context, paths []string, total int64, progress func(done, total int64)) (string, error) {
	h := sha256.New()
	buf := make([]byte, p.bufSize)
	var done int64

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open artifact: %w", err)
		}
		for {
			if err := ctx.Err(); err != nil {
				f.Close()
				return "", err
			}
			n, err := f.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
				done += int64(n)
				if progress != nil {
					progress(done, total)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return "", fmt.Errorf("read artifact: %w", err)
			}
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close artifact: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// placeFile moves or copies one file to its canonical location and
// returns the destination path.
func (p *Pipeline) placeFile(src string, meta Metadata, hexSum string, move bool) (string, error) {
	dir := filepath.Join(p.root, meta.Category())
	dest, err := p.reserve(dir, fileStem(meta.OfficialName), strings.ToLower(filepath.Ext(src)), hexSum, src)
	if err != nil {
		return "", err
	}
	if dest == src {
		return dest, nil
	}
	if err := p.transfer(src, dest, move); err != nil {
		return "", err
	}
	return dest, nil
}

// placeGroup lays a multi-file artifact out as a per-artifact
// directory under the category, keeping original base names inside.
func (p *Pipeline) placeGroup(shardPaths, extras []string, meta Metadata, hexSum string, move bool) (primary string, extraPaths []string, err error) {
	parent := filepath.Join(p.root, meta.Category())
	artifactDir, err := p.reserve(parent, fileStem(meta.OfficialName), "", hexSum, filepath.Dir(shardPaths[0]))
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create artifact dir: %w", err)
	}

	place := func(src string) (string, error) {
		dest := filepath.Join(artifactDir, filepath.Base(src))
		if dest == src {
			return dest, nil
		}
		if err := p.transfer(src, dest, move); err != nil {
			return "", err
		}
		return dest, nil
	}

	primary, err = place(shardPaths[0])
	if err != nil {
		return "", nil, err
	}
	rest := make([]string, 0, len(shardPaths)-1+len(extras))
	rest = append(rest, shardPaths[1:]...)
	rest = append(rest, extras...)
	for _, src := range rest {
		dest, err := place(src)
		if err != nil {
			return "", nil, err
		}
		extraPaths = append(extraPaths, dest)
	}
	return primary, extraPaths, nil
}

// reserve picks the canonical destination path: <dir>/<stem><ext>,
// falling back to a hash-suffixed name when the plain one is taken by
// different content. A path equal to current is always acceptable, so
// re-importing an artifact already in canonical position is a no-op
// placement. Returns Validation when both candidates are occupied.
func (p *Pipeline) reserve(dir, stem, ext, hexSum, current string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create category dir: %w", err)
	}

	plain := filepath.Join(dir, stem+ext)
	if plain == current {
		return plain, nil
	}
	if _, err := os.Lstat(plain); os.IsNotExist(err) {
		return plain, nil
	}

	suffixed := filepath.Join(dir, stem+"-"+hexSum[:8]+ext)
	if suffixed == current {
		return suffixed, nil
	}
	if _, err := os.Lstat(suffixed); os.IsNotExist(err) {
		p.logger.Debug("canonical name collision, using hash suffix",
			"plain", plain,
			"suffixed", suffixed)
		return suffixed, nil
	}
	return "", types.Validation("import", suffixed, errors.New("canonical destination already occupied"))
}

// transfer moves or copies src to dest. Moves fall back to copy+remove
// across filesystems; copies go through a temp file and rename so a
// crash never leaves a torn canonical file.
func (p *Pipeline) transfer(src, dest string, move bool) error {
	if move {
		if err := os.Rename(src, dest); err == nil {
			return nil
		}
		// Cross-device rename fails; fall through to copy, then drop
		// the staging copy.
	}

	if err := p.copyFile(src, dest); err != nil {
		return err
	}
	if move {
		if err := os.Remove(src); err != nil {
			p.logger.Warn("staging copy left behind after move", "path", src, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(dest), ".import-*.tmp")
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

	if _, err := io.CopyBuffer(tempFile, in, make([]byte, p.bufSize)); err != nil {
		tempFile.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("place artifact: %w", err)
	}
	success = true
	return nil
}

// unplace rolls back a placement after a failed index commit. Moves
// restore the original path; copies just drop the canonical copy.
func (p *Pipeline) unplace(src, dest string, move bool) {
	if src == dest {
		return
	}
	if move {
		if err := os.Rename(dest, src); err != nil {
			p.logger.Warn("failed to restore artifact after commit failure",
				"from", dest, "to", src, "error", err)
		}
		return
	}
	if err := os.Remove(dest); err != nil {
		p.logger.Warn("failed to remove canonical copy after commit failure",
			"path", dest, "error", err)
	}
}

// quarantine renames a damaged artifact aside and returns the
// Corruption error describing it. The bytes are preserved for
// inspection, never deleted.
func (p *Pipeline) quarantine(path string, cause error) error {
	target := fmt.Sprintf("%s.quarantine-%d", path, p.nowFn().Unix())
	moved := target
	if err := os.Rename(path, target); err != nil {
		moved = ""
	}
	p.logger.Warn("artifact quarantined",
		"path", path,
		"moved_to", moved,
		"error", cause)
	return types.Corruption("import", path, cause)
}

func (p *Pipeline) provenance(origin string, opts Options) types.Provenance {
	source := opts.Source
	if source == "" {
		source = SourceImport
	}
	return types.Provenance{
		Source:      source,
		JobID:       opts.JobID,
		OriginalRef: origin,
		ImportedAt:  p.nowFn().UTC(),
	}
}

func (p *Pipeline) newRecord(meta Metadata, hash, path string, extras []string, size int64, origin string, opts Options) *types.ModelRecord {
	now := p.nowFn().UTC()
	tags := append([]string(nil), opts.Tags...)
	if meta.Format != "" {
		tags = appendUnique(tags, meta.Format)
	}
	return &types.ModelRecord{
		ID:           index.DeriveModelID(hash),
		OfficialName: meta.OfficialName,
		Path:         path,
		ExtraFiles:   extras,
		Hash:         hash,
		SizeBytes:    size,
		Family:       meta.Family,
		Type:         meta.Type,
		Quantization: meta.Quantization,
		Parameters:   meta.Parameters,
		Tags:         tags,
		Provenance:   []types.Provenance{p.provenance(origin, opts)},
		AddedAt:      now,
		UpdatedAt:    now,
	}
}

func (p *Pipeline) applyNameOverride(meta *Metadata, name string) {
	if name == "" {
		return
	}
	refined := InferFromFilename(name)
	meta.OfficialName = refined.OfficialName
	if meta.Family == "" {
		meta.Family = refined.Family
	}
	if meta.Quantization == "" {
		meta.Quantization = refined.Quantization
	}
	if meta.Parameters == 0 {
		meta.Parameters = refined.Parameters
	}
}

// collectArtifacts splits a directory's regular files into weight
// files and sidecars, skipping hidden files and leftovers from
// previous runs (quarantined, temp, partial).
func collectArtifacts(dir string) (weights, sidecars []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") ||
			strings.Contains(name, ".quarantine-") ||
			strings.HasSuffix(name, ".tmp") ||
			strings.HasSuffix(name, ".partial") {
			return nil
		}
		if weightExtensions[strings.ToLower(filepath.Ext(name))] {
			weights = append(weights, path)
		} else {
			sidecars = append(sidecars, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(weights)
	sort.Strings(sidecars)
	return weights, sidecars, nil
}

// groupShards clusters weight files into artifacts. Files whose names
// differ only by a "-NNNNN-of-NNNNN" counter form one sharded
// artifact, ordered by counter; everything else stands alone.
func groupShards(weights []string) [][]string {
	byKey := make(map[string][]string)
	var order []string
	for _, path := range weights {
		base := filepath.Base(path)
		key := shardPattern.ReplaceAllString(base, "")
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], path)
	}

	groups := make([][]string, 0, len(order))
	for _, key := range order {
		group := byKey[key]
		sort.Strings(group)
		groups = append(groups, group)
	}
	return groups
}

// hashesEqual compares a caller-supplied hash (with or without the
// "sha256:" prefix, any case) against a computed hex digest.
func hashesEqual(expected, hexSum string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(expected)), "sha256:")
	return trimmed == strings.ToLower(hexSum)
}

// fileStem converts an official name to an on-disk stem: the tag
// separator becomes a dash so "llama3:q4_k_m" stores as
// "llama3-q4_k_m".
func fileStem(officialName string) string {
	return strings.ReplaceAll(officialName, ":", "-")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

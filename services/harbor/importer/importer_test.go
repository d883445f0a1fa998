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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *index.Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := index.Open(index.Config{
		Path:   filepath.Join(t.TempDir(), "library.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	p, err := New(Config{
		StorageRoot:    root,
		Index:          store,
		Logger:         logger,
		CopyBufferSize: 64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, store, root
}

// stage writes an artifact into a fresh staging dir and returns its
// path.
func stage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
	return path
}

func sha256Hex(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestImportFilePlacesAndRecords(t *testing.T) {
	p, store, root := newTestPipeline(t)
	ctx := context.Background()

	data := append(buildGGUF(t, map[string]string{
		"general.architecture": "llama",
		"general.name":         "Meta Llama 3",
		"general.size_label":   "8B",
	}), []byte("tensor-bytes")...)
	src := stage(t, "Meta-Llama-3-8B-Instruct.Q4_K_M.gguf", data)

	res, err := p.ImportFile(ctx, src, Options{Tags: []string{"nightly"}})
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first import marked duplicate")
	}

	rec := res.Record
	if rec.Hash != "sha256:"+sha256Hex(data) {
		t.Errorf("hash = %q, want content hash", rec.Hash)
	}
	if rec.OfficialName != "meta-llama-3-8b-instruct:q4_k_m" {
		t.Errorf("name = %q", rec.OfficialName)
	}
	if rec.Family != "llama" || rec.Quantization != "Q4_K_M" {
		t.Errorf("family=%q quant=%q, want llama/Q4_K_M", rec.Family, rec.Quantization)
	}
	if rec.Parameters != 8_000_000_000 {
		t.Errorf("parameters = %d, want 8e9", rec.Parameters)
	}

	wantPath := filepath.Join(root, "models", "meta-llama-3-8b-instruct-q4_k_m.gguf")
	if res.CanonicalPath != wantPath {
		t.Errorf("canonical path = %q, want %q", res.CanonicalPath, wantPath)
	}
	placed, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("canonical file missing: %v", err)
	}
	if sha256Hex(placed) != sha256Hex(data) {
		t.Error("canonical file content differs from source")
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed on copy import: %v", err)
	}

	// Committed together with its search projection.
	found, err := store.Search(ctx, index.Query{Text: "llama"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 || found[0].ID != rec.ID {
		t.Errorf("search = %+v, want the imported record", found)
	}
	if len(found[0].Provenance) != 1 || found[0].Provenance[0].Source != SourceImport {
		t.Errorf("provenance = %+v, want one import entry", found[0].Provenance)
	}
}

func TestImportDuplicateAppendsProvenance(t *testing.T) {
	p, store, root := newTestPipeline(t)
	ctx := context.Background()
	data := []byte("identical model bytes, staged twice")

	first, err := p.ImportFile(ctx, stage(t, "model-a.bin", data), Options{})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	second, err := p.ImportFile(ctx, stage(t, "renamed-elsewhere.bin", data), Options{Source: "drop"})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("second import of identical bytes not marked duplicate")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("duplicate got id %s, want %s", second.Record.ID, first.Record.ID)
	}
	if second.CanonicalPath != first.CanonicalPath {
		t.Errorf("duplicate canonical path = %q, want %q", second.CanonicalPath, first.CanonicalPath)
	}
	if len(second.Record.Provenance) != 2 {
		t.Fatalf("provenance count = %d, want 2", len(second.Record.Provenance))
	}
	if second.Record.Provenance[1].Source != "drop" {
		t.Errorf("appended provenance source = %q, want drop", second.Record.Provenance[1].Source)
	}

	// No second copy of the bytes in canonical storage.
	entries, err := os.ReadDir(filepath.Join(root, "models"))
	if err != nil {
		t.Fatalf("read models dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("canonical storage holds %d files, want 1", len(entries))
	}

	got, err := store.Get(ctx, first.Record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Provenance) != 2 {
		t.Errorf("stored provenance count = %d, want 2", len(got.Provenance))
	}
}

func TestImportQuarantinesOnHashMismatch(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()
	src := stage(t, "suspect.bin", []byte("bytes that will not match"))

	_, err := p.ImportFile(ctx, src, Options{
		ExpectedHash: "sha256:" + strings.Repeat("ab", 32),
	})
	if !types.IsCorruption(err) {
		t.Fatalf("ImportFile = %v, want corruption error", err)
	}

	// Moved aside, not deleted.
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("mismatched artifact still at original path")
	}
	moved, err := filepath.Glob(src + ".quarantine-*")
	if err != nil || len(moved) != 1 {
		t.Fatalf("quarantine glob = %v (%v), want one file", moved, err)
	}

	if _, err := store.FindByHash(ctx, "sha256:"+sha256Hex([]byte("bytes that will not match"))); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("mismatched artifact reached the index: %v", err)
	}
}

func TestImportEmptyFileQuarantined(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	src := stage(t, "empty.gguf", nil)

	_, err := p.ImportFile(context.Background(), src, Options{})
	if !types.IsCorruption(err) {
		t.Fatalf("ImportFile = %v, want corruption error", err)
	}
	moved, _ := filepath.Glob(src + ".quarantine-*")
	if len(moved) != 1 {
		t.Error("empty artifact not quarantined")
	}
}

func TestImportCorruptGGUFQuarantined(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	src := stage(t, "damaged.gguf", []byte("this is not a gguf container at all"))

	_, err := p.ImportFile(context.Background(), src, Options{})
	if !types.IsCorruption(err) {
		t.Fatalf("ImportFile = %v, want corruption error", err)
	}
	moved, _ := filepath.Glob(src + ".quarantine-*")
	if len(moved) != 1 {
		t.Error("corrupt gguf not quarantined")
	}
}

func TestImportSizeMismatchQuarantined(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	src := stage(t, "short.bin", []byte("only a few bytes"))

	_, err := p.ImportFile(context.Background(), src, Options{ExpectedSize: 4 << 20})
	if !types.IsCorruption(err) {
		t.Fatalf("ImportFile = %v, want corruption error", err)
	}
	moved, _ := filepath.Glob(src + ".quarantine-*")
	if len(moved) != 1 {
		t.Error("truncated artifact not quarantined")
	}
}

func TestImportMissingFileIsValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope.gguf"), Options{})
	if !types.IsValidation(err) {
		t.Fatalf("ImportFile = %v, want validation error", err)
	}
}

func TestImportCollisionGetsHashSuffix(t *testing.T) {
	p, _, root := newTestPipeline(t)
	ctx := context.Background()

	dataA := []byte("first artifact body")
	dataB := []byte("second artifact body, different bytes")

	// Same filename, so both infer the same canonical stem.
	resA, err := p.ImportFile(ctx, stage(t, "solo.bin", dataA), Options{})
	if err != nil {
		t.Fatalf("import A: %v", err)
	}
	resB, err := p.ImportFile(ctx, stage(t, "solo.bin", dataB), Options{})
	if err != nil {
		t.Fatalf("import B: %v", err)
	}

	if resA.CanonicalPath != filepath.Join(root, "models", "solo.bin") {
		t.Errorf("first path = %q, want plain canonical name", resA.CanonicalPath)
	}
	wantSuffix := "solo-" + sha256Hex(dataB)[:8] + ".bin"
	if filepath.Base(resB.CanonicalPath) != wantSuffix {
		t.Errorf("second path = %q, want hash-suffixed %q", resB.CanonicalPath, wantSuffix)
	}
	if resB.Duplicate {
		t.Error("different content marked duplicate")
	}
}

func TestImportReportsProgress(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	data := make([]byte, 1000) // ~16 chunks at the 64-byte test buffer
	for i := range data {
		data[i] = byte(i)
	}
	src := stage(t, "big.bin", data)

	var calls int
	var last, lastTotal int64
	_, err := p.ImportFile(context.Background(), src, Options{
		Progress: func(done, total int64) {
			calls++
			if done < last {
				t.Errorf("progress went backwards: %d after %d", done, last)
			}
			last, lastTotal = done, total
		},
	})
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if calls < 2 {
		t.Errorf("progress calls = %d, want several", calls)
	}
	if last != int64(len(data)) || lastTotal != int64(len(data)) {
		t.Errorf("final progress = %d/%d, want %d/%d", last, lastTotal, len(data), len(data))
	}
}

func TestImportHonorsCancellation(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	src := stage(t, "cancel.bin", make([]byte, 4096))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ImportFile(ctx, src, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ImportFile = %v, want context.Canceled", err)
	}
	// Cancellation is not corruption; the artifact stays put.
	if _, err := os.Stat(src); err != nil {
		t.Errorf("artifact missing after cancelled import: %v", err)
	}
}

func TestImportDirectoryGroupsShards(t *testing.T) {
	p, store, root := newTestPipeline(t)
	ctx := context.Background()

	shard1 := buildSafetensors(t, "F16")
	shard2 := append(buildSafetensors(t, "F16"), []byte("more tensor data")...)

	dir := t.TempDir()
	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("model-00001-of-00002.safetensors", shard1)
	write("model-00002-of-00002.safetensors", shard2)
	write("config.json", []byte(`{"architectures":["LlamaForCausalLM"]}`))

	results, err := p.ImportDirectory(ctx, dir, Options{})
	if err != nil {
		t.Fatalf("ImportDirectory: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want one grouped artifact", len(results))
	}

	rec := results[0].Record
	if rec.Hash != "sha256:"+sha256Hex(shard1, shard2) {
		t.Errorf("hash = %q, want digest over shards in order", rec.Hash)
	}
	if len(rec.ExtraFiles) != 2 {
		t.Errorf("extra files = %v, want second shard plus sidecar", rec.ExtraFiles)
	}
	if rec.SizeBytes != int64(len(shard1)+len(shard2)) {
		t.Errorf("size = %d, want %d", rec.SizeBytes, len(shard1)+len(shard2))
	}

	artifactDir := filepath.Join(root, "models", "model")
	entries, err := os.ReadDir(artifactDir)
	if err != nil {
		t.Fatalf("artifact dir: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("artifact dir holds %d files, want 3", len(entries))
	}

	if _, err := store.FindByHash(ctx, rec.Hash); err != nil {
		t.Errorf("grouped artifact not in index: %v", err)
	}
}

func TestImportDirectoryContinuesPastFailures(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "good.bin"), []byte("good bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.gguf"), []byte("not gguf"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := p.ImportDirectory(ctx, dir, Options{})
	if err == nil {
		t.Fatal("ImportDirectory = nil error, want the gguf failure reported")
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want the good file imported", len(results))
	}
	if results[0].Record.Hash != "sha256:"+sha256Hex([]byte("good bytes")) {
		t.Errorf("imported wrong file: %+v", results[0].Record)
	}
}

func TestImportDirectoryRejectsEmptyDir(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.ImportDirectory(context.Background(), t.TempDir(), Options{})
	if !types.IsValidation(err) {
		t.Fatalf("ImportDirectory = %v, want validation error", err)
	}
}

func TestConsumeCompletedMovesStagedFile(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	data := []byte("downloaded model payload")
	staging := t.TempDir()
	local := filepath.Join(staging, "pulled.bin")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		t.Fatal(err)
	}

	job := types.DownloadJob{
		ID:          "job-42",
		SourceID:    "github:acme/llamakit",
		Locator:     "v1.0.0",
		Destination: staging,
		Status:      types.JobCompleted,
		Shards: []types.Shard{{
			Index:     0,
			LocalPath: local,
			Size:      int64(len(data)),
			Done:      true,
			Hash:      sha256Hex(data),
		}},
		Metadata: types.EarlyMetadata{ModelName: "llamakit-7b"},
	}

	results, err := p.ConsumeCompleted(ctx, job)
	if err != nil {
		t.Fatalf("ConsumeCompleted: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	// Moved, not copied: the staging file is gone.
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Error("staging file still present after move import")
	}

	rec, err := store.FindByHash(ctx, "sha256:"+sha256Hex(data))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if len(rec.Provenance) != 1 {
		t.Fatalf("provenance = %+v", rec.Provenance)
	}
	if rec.Provenance[0].Source != "github:acme/llamakit" || rec.Provenance[0].JobID != "job-42" {
		t.Errorf("provenance = %+v, want source and job id from the job", rec.Provenance[0])
	}
	if rec.OfficialName != "llamakit-7b" {
		t.Errorf("name = %q, want job metadata name", rec.OfficialName)
	}
	if rec.Parameters != 7_000_000_000 {
		t.Errorf("parameters = %d, want inferred from the name override", rec.Parameters)
	}
}

func TestConsumeCompletedVerifiesShardHash(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	data := []byte("payload that was corrupted in transit")
	local := filepath.Join(t.TempDir(), "pulled.bin")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		t.Fatal(err)
	}

	job := types.DownloadJob{
		ID:     "job-43",
		Status: types.JobCompleted,
		Shards: []types.Shard{{
			LocalPath: local,
			Done:      true,
			Hash:      strings.Repeat("00", 32),
		}},
	}
	_, err := p.ConsumeCompleted(context.Background(), job)
	if !types.IsCorruption(err) {
		t.Fatalf("ConsumeCompleted = %v, want corruption error", err)
	}
}

func TestConsumeCompletedRejectsUnfinishedJob(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	job := types.DownloadJob{ID: "job-44", Status: types.JobDownloading}
	_, err := p.ConsumeCompleted(context.Background(), job)
	if !types.IsValidation(err) {
		t.Fatalf("ConsumeCompleted = %v, want validation error", err)
	}
}

func TestReimportFromCanonicalPathIsStable(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.ImportFile(ctx, stage(t, "stable.bin", []byte("stable bytes")), Options{})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}

	// Wipe the index (simulates a rebuilt library) and re-import the
	// canonical file itself; it must keep its path, not shuffle to a
	// hash-suffixed name.
	if err := store.Delete(ctx, res.Record.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	again, err := p.ImportFile(ctx, res.CanonicalPath, Options{})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if again.CanonicalPath != res.CanonicalPath {
		t.Errorf("re-import moved the file: %q -> %q", res.CanonicalPath, again.CanonicalPath)
	}
	if again.Duplicate {
		t.Error("re-import into empty index marked duplicate")
	}

	// With the record still present it is a plain dedup instead.
	third, err := p.ImportFile(ctx, res.CanonicalPath, Options{})
	if err != nil {
		t.Fatalf("third import: %v", err)
	}
	if !third.Duplicate {
		t.Error("import of indexed canonical file not marked duplicate")
	}
}

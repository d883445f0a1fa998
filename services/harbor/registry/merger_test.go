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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFileStore(t *testing.T, name string) *index.Store {
	t.Helper()
	store, err := index.Open(index.Config{
		Path:     filepath.Join(t.TempDir(), name),
		PoolSize: 1,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// mergeRec builds a minimal valid record for merge tests. The hash
// just has to be well-formed and distinct per ID.
func mergeRec(id, family string, addedAt time.Time) *types.ModelRecord {
	return &types.ModelRecord{
		ID:           id,
		OfficialName: id,
		Path:         "/lib/" + id + ".gguf",
		Hash:         "sha256:" + fmt.Sprintf("%064x", len(id)*31+int(addedAt.Unix()%977)),
		SizeBytes:    100,
		Family:       family,
		Provenance: []types.Provenance{
			{Source: "import", OriginalRef: "/src/" + id, ImportedAt: addedAt},
		},
		AddedAt:   addedAt,
		UpdatedAt: addedAt,
	}
}

func TestBuildUnifyEarliestMetadataWins(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		mineAdded   time.Time
		theirsAdded time.Time
		wantFamily  string
		wantWinner  string
		wantLoser   string
	}{
		{"ours is earlier", early, late, "llama", "ours", "mistral"},
		{"theirs is earlier", late, early, "mistral", "theirs", "llama"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mine := mergeRec("m1", "llama", tt.mineAdded)
			theirs := mergeRec("m1", "mistral", tt.theirsAdded)
			theirs.Path = "/other/m1.gguf"

			u := buildUnify(mine, theirs, "/other/library.db", now)

			if u.Merged.Family != tt.wantFamily {
				t.Errorf("merged family = %q, want %q", u.Merged.Family, tt.wantFamily)
			}
			if len(u.Conflicts) != 1 || u.Conflicts[0].Winner != tt.wantWinner {
				t.Fatalf("conflicts = %+v, want one with winner %q", u.Conflicts, tt.wantWinner)
			}
			if !u.Merged.NeedsReview {
				t.Error("conflicting merge not flagged for review")
			}
			if len(u.Merged.Alternates) != 1 || u.Merged.Alternates[0].Value != tt.wantLoser {
				t.Errorf("alternates = %+v, want losing value %q", u.Merged.Alternates, tt.wantLoser)
			}
			if u.Merged.Alternates[0].Origin != "merge:/other/library.db" {
				t.Errorf("alternate origin = %q", u.Merged.Alternates[0].Origin)
			}
			if u.OurPath != mine.Path || u.OtherPath != theirs.Path {
				t.Errorf("paths = %q / %q", u.OurPath, u.OtherPath)
			}
		})
	}
}

func TestBuildUnifyEnrichmentIsSilent(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mine := mergeRec("m2", "", early)
	mine.Quantization = ""
	theirs := mergeRec("m2", "llama", late)
	theirs.Quantization = "Q4_K_M"
	theirs.Parameters = 8_000_000_000

	u := buildUnify(mine, theirs, "/other/library.db", late)

	if u.Merged.Family != "llama" || u.Merged.Quantization != "Q4_K_M" {
		t.Errorf("empty fields not enriched: %+v", u.Merged)
	}
	if u.Merged.Parameters != 8_000_000_000 {
		t.Errorf("parameters not enriched: %d", u.Merged.Parameters)
	}
	if len(u.Conflicts) != 0 {
		t.Errorf("enrichment recorded as conflict: %+v", u.Conflicts)
	}
	if u.Merged.NeedsReview {
		t.Error("enrichment flagged for review")
	}
}

func TestBuildUnifyCombinesProvenance(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mine := mergeRec("m3", "llama", early)
	theirs := mergeRec("m3", "llama", late)
	theirs.Provenance = []types.Provenance{
		{Source: "github:acme/models", JobID: "j9", OriginalRef: "https://x/m3", ImportedAt: late},
		// Exact duplicate of ours; must not double up.
		mine.Provenance[0],
	}

	u := buildUnify(mine, theirs, "/other/library.db", late)

	if len(u.Merged.Provenance) != 2 {
		t.Fatalf("provenance entries = %d, want 2 (union, deduped): %+v", len(u.Merged.Provenance), u.Merged.Provenance)
	}
	if !u.Merged.Provenance[0].ImportedAt.Before(u.Merged.Provenance[1].ImportedAt) {
		t.Error("provenance not in chronological order")
	}
	if u.Merged.AddedAt != early {
		t.Errorf("AddedAt = %v, want earliest %v", u.Merged.AddedAt, early)
	}
}

func TestPreviewMergePlansUnifyAddAndUntouched(t *testing.T) {
	ctx := context.Background()
	ours := newFileStore(t, "ours.db")
	otherPath := filepath.Join(t.TempDir(), "theirs.db")
	other, err := index.Open(index.Config{Path: otherPath, PoolSize: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open other: %v", err)
	}

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	shared := mergeRec("shared", "llama", early)
	oursOnly := mergeRec("ours-only", "mistral", early)
	if err := ours.Upsert(ctx, shared); err != nil {
		t.Fatalf("seed ours: %v", err)
	}
	if err := ours.Upsert(ctx, oursOnly); err != nil {
		t.Fatalf("seed ours: %v", err)
	}

	sharedTheirs := mergeRec("shared", "qwen", late)
	sharedTheirs.Hash = shared.Hash
	sharedTheirs.Path = "/other/shared.gguf"
	theirsOnly := mergeRec("theirs-only", "phi", late)
	if err := other.Upsert(ctx, sharedTheirs); err != nil {
		t.Fatalf("seed other: %v", err)
	}
	if err := other.Upsert(ctx, theirsOnly); err != nil {
		t.Fatalf("seed other: %v", err)
	}
	if err := other.Close(); err != nil {
		t.Fatalf("close other: %v", err)
	}

	plan, err := previewMerge(ctx, ours, otherPath, quietLogger())
	if err != nil {
		t.Fatalf("previewMerge: %v", err)
	}

	if len(plan.Unifies) != 1 {
		t.Fatalf("unifies = %d, want 1", len(plan.Unifies))
	}
	u := plan.Unifies[0]
	if u.ModelID != "shared" {
		t.Errorf("unify model = %q", u.ModelID)
	}
	if len(u.Merged.Provenance) != 2 {
		t.Errorf("unified provenance entries = %d, want 2", len(u.Merged.Provenance))
	}
	if u.Merged.Family != "llama" {
		t.Errorf("merged family = %q, want earlier side's llama", u.Merged.Family)
	}
	if len(plan.Adds) != 1 || plan.Adds[0].ID != "theirs-only" {
		t.Errorf("adds = %+v, want theirs-only", plan.Adds)
	}
	if plan.OursOnly != 1 {
		t.Errorf("ours-only count = %d, want 1", plan.OursOnly)
	}
	if plan.ConflictCount() != 1 {
		t.Errorf("conflict count = %d, want 1 (family)", plan.ConflictCount())
	}

	// Preview must not have touched the library.
	if _, err := ours.Get(ctx, "theirs-only"); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("preview leaked a record into the library: %v", err)
	}
}

func TestApplyMergeRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	ours := newFileStore(t, "ours.db")

	plan := &Plan{
		OtherDBPath: "/other/library.db",
		Adds:        []types.ModelRecord{*mergeRec("added", "llama", time.Now().UTC())},
	}

	err := applyMerge(ctx, ours, plan, false)
	if !types.IsValidation(err) {
		t.Fatalf("unconfirmed apply error = %v, want validation", err)
	}
	if _, err := ours.Get(ctx, "added"); !errors.Is(err, index.ErrNotFound) {
		t.Error("unconfirmed apply mutated the library")
	}

	if err := applyMerge(ctx, ours, plan, true); err != nil {
		t.Fatalf("confirmed apply: %v", err)
	}
	if _, err := ours.Get(ctx, "added"); err != nil {
		t.Errorf("confirmed apply did not add record: %v", err)
	}
}

func TestApplyMergeCommitsUnifiedRecords(t *testing.T) {
	ctx := context.Background()
	ours := newFileStore(t, "ours.db")

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mine := mergeRec("m4", "llama", early)
	if err := ours.Upsert(ctx, mine); err != nil {
		t.Fatalf("seed: %v", err)
	}
	theirs := mergeRec("m4", "mistral", late)
	theirs.Hash = mine.Hash
	theirs.Path = "/other/m4.gguf"

	u := buildUnify(mine, theirs, "/other/library.db", late)
	plan := &Plan{OtherDBPath: "/other/library.db", Unifies: []Unify{u}}

	if err := applyMerge(ctx, ours, plan, true); err != nil {
		t.Fatalf("applyMerge: %v", err)
	}

	got, err := ours.Get(ctx, "m4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Provenance) != 2 {
		t.Errorf("provenance entries = %d, want 2", len(got.Provenance))
	}
	if !got.NeedsReview {
		t.Error("conflicted record not flagged needs_review")
	}
	if got.Family != "llama" {
		t.Errorf("family = %q, want earliest side's llama", got.Family)
	}
	if len(got.Alternates) != 1 || got.Alternates[0].Value != "mistral" {
		t.Errorf("alternates = %+v, want losing mistral", got.Alternates)
	}
	// Our canonical path survives; the other file is reachable through
	// the provenance union, untouched on disk.
	if got.Path != mine.Path {
		t.Errorf("path = %q, want ours %q", got.Path, mine.Path)
	}
}

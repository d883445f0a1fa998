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
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Plan is a merge preview: everything a merge of another library into
// this one would do, computed without touching either side. Matching
// is purely by content hash. Nothing in a plan deletes content; both
// libraries' files stay on disk and Apply refuses to run without
// explicit confirmation.
type Plan struct {
	// OtherDBPath is the library database the plan was computed
	// against.
	OtherDBPath string `json:"other_db_path"`

	// Unifies are records present on both sides (same content hash),
	// to be collapsed into one record with combined provenance.
	Unifies []Unify `json:"unifies,omitempty"`

	// Adds are records only the other library has. They are indexed
	// as-is; their files stay at the other library's paths.
	Adds []types.ModelRecord `json:"adds,omitempty"`

	// OursOnly counts records the merge leaves untouched.
	OursOnly int `json:"ours_only"`
}

// Unify is one hash match between the two libraries.
type Unify struct {
	ModelID string `json:"model_id"`

	// OurPath and OtherPath are where each side keeps the bytes. Both
	// survive the merge.
	OurPath   string `json:"our_path"`
	OtherPath string `json:"other_path"`

	// Merged is the record as it will look after Apply: earliest
	// metadata winning, provenance combined, losing values filed as
	// alternates.
	Merged types.ModelRecord `json:"merged"`

	// Conflicts lists metadata fields the two sides disagreed on.
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
}

// FieldConflict is one metadata disagreement and its resolution.
type FieldConflict struct {
	Field  string `json:"field"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`

	// Winner is "ours" or "theirs"; the earlier-recorded side wins.
	Winner string `json:"winner"`
}

// Empty reports whether the plan would change anything.
func (p *Plan) Empty() bool {
	return len(p.Unifies) == 0 && len(p.Adds) == 0
}

// ConflictCount totals metadata disagreements across all unifies.
func (p *Plan) ConflictCount() int {
	n := 0
	for _, u := range p.Unifies {
		n += len(u.Conflicts)
	}
	return n
}

// previewMerge computes a Plan for merging the library at otherDBPath
// into ours.
func previewMerge(ctx context.Context, ours *index.Store, otherDBPath string, logger *slog.Logger) (*Plan, error) {
	if otherDBPath == "" {
		return nil, types.Validation("merge", "", errors.New("other library path is required"))
	}

	other, err := index.Open(index.Config{Path: otherDBPath, PoolSize: 1, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open other library: %w", err)
	}
	defer other.Close()

	otherRecords, err := other.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list other library: %w", err)
	}
	ourRecords, err := ours.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}

	plan := &Plan{OtherDBPath: otherDBPath}
	matched := make(map[string]bool)
	now := time.Now().UTC()

	for i := range otherRecords {
		theirs := &otherRecords[i]
		mine, err := ours.FindByHash(ctx, theirs.Hash)
		if errors.Is(err, index.ErrNotFound) {
			plan.Adds = append(plan.Adds, *theirs)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hash lookup: %w", err)
		}
		matched[mine.ID] = true
		plan.Unifies = append(plan.Unifies, buildUnify(mine, theirs, otherDBPath, now))
	}
	plan.OursOnly = len(ourRecords) - len(matched)

	logger.Info("merge plan computed",
		"other", otherDBPath,
		"unify", len(plan.Unifies),
		"add", len(plan.Adds),
		"conflicts", plan.ConflictCount())
	return plan, nil
}

// buildUnify merges two records for the same content. The earlier
// AddedAt decides metadata conflicts; the losing value is filed as an
// alternate flagged for review. Provenance and name lists become
// unions.
func buildUnify(mine, theirs *types.ModelRecord, origin string, now time.Time) Unify {
	merged := cloneRecord(mine)
	oursWin := !mine.AddedAt.After(theirs.AddedAt)

	unify := Unify{
		ModelID:   mine.ID,
		OurPath:   mine.Path,
		OtherPath: theirs.Path,
	}

	resolve := func(field, ourV, theirV string, set func(string)) {
		switch {
		case theirV == "" || ourV == theirV:
			return
		case ourV == "":
			// Plain enrichment, not a conflict.
			set(theirV)
			return
		}
		winner, loser := ourV, theirV
		winnerName := "ours"
		if !oursWin {
			winner, loser = theirV, ourV
			winnerName = "theirs"
		}
		set(winner)
		unify.Conflicts = append(unify.Conflicts, FieldConflict{
			Field: field, Ours: ourV, Theirs: theirV, Winner: winnerName,
		})
		merged.Alternates = append(merged.Alternates, types.MetadataAlternate{
			Field:      field,
			Value:      loser,
			Origin:     "merge:" + origin,
			RecordedAt: now,
		})
		merged.NeedsReview = true
	}

	resolve("official_name", mine.OfficialName, theirs.OfficialName, func(v string) { merged.OfficialName = v })
	resolve("family", mine.Family, theirs.Family, func(v string) { merged.Family = v })
	resolve("type", mine.Type, theirs.Type, func(v string) { merged.Type = v })
	resolve("quantization", mine.Quantization, theirs.Quantization, func(v string) { merged.Quantization = v })
	resolve("parameters",
		formatParams(mine.Parameters), formatParams(theirs.Parameters),
		func(v string) { merged.Parameters, _ = strconv.ParseInt(v, 10, 64) })

	merged.Provenance = unionProvenance(mine.Provenance, theirs.Provenance)
	merged.Aliases = unionStrings(mine.Aliases, theirs.Aliases)
	merged.Tags = unionStrings(mine.Tags, theirs.Tags)
	if theirs.AddedAt.Before(merged.AddedAt) {
		merged.AddedAt = theirs.AddedAt
	}
	merged.UpdatedAt = now

	unify.Merged = *merged
	return unify
}

// applyMerge commits a previewed plan. Refuses without confirmation:
// a merge rewrites records and must never run as a side effect.
func applyMerge(ctx context.Context, ours *index.Store, plan *Plan, confirm bool) error {
	if plan == nil {
		return types.Validation("merge", "", errors.New("no plan"))
	}
	if !confirm {
		return types.Validation("merge", plan.OtherDBPath, errors.New("merge requires explicit confirmation"))
	}

	for i := range plan.Unifies {
		if err := ours.Upsert(ctx, &plan.Unifies[i].Merged); err != nil {
			return fmt.Errorf("unify %s: %w", plan.Unifies[i].ModelID, err)
		}
	}
	for i := range plan.Adds {
		rec := plan.Adds[i]
		if err := ours.Upsert(ctx, &rec); err != nil {
			return fmt.Errorf("add %s: %w", rec.ID, err)
		}
	}
	return nil
}

func cloneRecord(rec *types.ModelRecord) *types.ModelRecord {
	out := *rec
	out.ExtraFiles = append([]string(nil), rec.ExtraFiles...)
	out.Aliases = append([]string(nil), rec.Aliases...)
	out.Tags = append([]string(nil), rec.Tags...)
	out.Provenance = append([]types.Provenance(nil), rec.Provenance...)
	out.Alternates = append([]types.MetadataAlternate(nil), rec.Alternates...)
	out.Bindings = append([]types.Binding(nil), rec.Bindings...)
	return &out
}

func formatParams(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// unionProvenance combines entries, dropping exact duplicates and
// keeping chronological order.
func unionProvenance(a, b []types.Provenance) []types.Provenance {
	seen := make(map[string]bool, len(a)+len(b))
	key := func(p types.Provenance) string {
		return p.Source + "\x00" + p.JobID + "\x00" + p.OriginalRef + "\x00" + p.ImportedAt.UTC().Format(time.RFC3339Nano)
	}
	var out []types.Provenance
	for _, p := range append(append([]types.Provenance(nil), a...), b...) {
		k := key(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ImportedAt.Before(out[j].ImportedAt) })
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

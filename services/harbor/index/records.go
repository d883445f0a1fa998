// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// ErrNotFound is returned when no record matches the requested ID or
// hash.
var ErrNotFound = errors.New("model not found")

// DeriveModelID returns the default record ID for a content hash:
// "sha256:" plus the first 16 hex digits of the digest.
func DeriveModelID(hash string) string {
	h := strings.TrimPrefix(hash, "sha256:")
	if len(h) > 16 {
		h = h[:16]
	}
	return "sha256:" + h
}

// Upsert writes a record and its search row in one transaction.
//
// # Description
//
// The models row is inserted or updated in place; provenance,
// alternates, and bindings are rewritten to match the record; the FTS
// row is refreshed. The content hash is immutable: upserting an
// existing ID with a different hash is a validation error, because two
// artifacts with different bytes are different models by definition.
//
// Inputs:
//   - ctx: Bounds the pool wait and the write.
//   - rec: The record to persist. ID, Path, and Hash are required.
//
// Outputs:
//   - error: Validation for contract violations, otherwise storage
//     errors wrapped with context.
func (s *Store) Upsert(ctx context.Context, rec *types.ModelRecord) (err error) {
	if rec.ID == "" || rec.Path == "" || rec.Hash == "" {
		return types.Validation("upsert model", rec.ID,
			errors.New("record is missing id, path, or hash"))
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", rec.ID, err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", rec.ID, err)
	}
	defer endFn(&err)

	var existingHash string
	err = sqlitex.Execute(conn, "SELECT hash FROM models WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{rec.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existingHash = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", rec.ID, err)
	}
	if existingHash != "" && existingHash != rec.Hash {
		return types.Validation("upsert model", rec.ID,
			fmt.Errorf("hash is immutable: record has %s, upsert carries %s", existingHash, rec.Hash))
	}

	err = sqlitex.Execute(conn, `INSERT INTO models
		(id, official_name, path, extra_files, hash, size_bytes,
		 family, type, quantization, parameters, aliases, tags,
		 needs_review, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 official_name = excluded.official_name,
		 path          = excluded.path,
		 extra_files   = excluded.extra_files,
		 size_bytes    = excluded.size_bytes,
		 family        = excluded.family,
		 type          = excluded.type,
		 quantization  = excluded.quantization,
		 parameters    = excluded.parameters,
		 aliases       = excluded.aliases,
		 tags          = excluded.tags,
		 needs_review  = excluded.needs_review,
		 updated_at    = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			rec.ID,
			rec.OfficialName,
			rec.Path,
			marshalStrings(rec.ExtraFiles),
			rec.Hash,
			rec.SizeBytes,
			rec.Family,
			rec.Type,
			rec.Quantization,
			rec.Parameters,
			marshalStrings(rec.Aliases),
			marshalStrings(rec.Tags),
			boolInt(rec.NeedsReview),
			timeNanos(rec.AddedAt),
			timeNanos(rec.UpdatedAt),
		}})
	if err != nil {
		if strings.Contains(err.Error(), "models.path") {
			return types.Validation("upsert model", rec.ID,
				fmt.Errorf("canonical path %s already belongs to another record", rec.Path))
		}
		if strings.Contains(err.Error(), "models.hash") {
			return types.Validation("upsert model", rec.ID,
				fmt.Errorf("hash %s already belongs to another record", rec.Hash))
		}
		return fmt.Errorf("index: upsert %s: %w", rec.ID, err)
	}

	if err = s.replaceChildren(conn, rec); err != nil {
		return err
	}
	if err = s.refreshSearchRow(conn, rec); err != nil {
		return err
	}
	return nil
}

// replaceChildren rewrites the provenance, alternate, and binding rows
// for a record. Caller holds the transaction.
func (s *Store) replaceChildren(conn *sqlite.Conn, rec *types.ModelRecord) error {
	for _, table := range []string{"provenance", "alternates", "bindings"} {
		err := sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE model_id = ?",
			&sqlitex.ExecOptions{Args: []any{rec.ID}})
		if err != nil {
			return fmt.Errorf("index: clear %s for %s: %w", table, rec.ID, err)
		}
	}

	for _, p := range rec.Provenance {
		err := sqlitex.Execute(conn, `INSERT INTO provenance
			(model_id, source, job_id, original_ref, imported_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				rec.ID, p.Source, p.JobID, p.OriginalRef, timeNanos(p.ImportedAt),
			}})
		if err != nil {
			return fmt.Errorf("index: write provenance for %s: %w", rec.ID, err)
		}
	}
	for _, a := range rec.Alternates {
		err := sqlitex.Execute(conn, `INSERT INTO alternates
			(model_id, field, value, origin, recorded_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				rec.ID, a.Field, a.Value, a.Origin, timeNanos(a.RecordedAt),
			}})
		if err != nil {
			return fmt.Errorf("index: write alternate for %s: %w", rec.ID, err)
		}
	}
	for _, b := range rec.Bindings {
		err := sqlitex.Execute(conn, `INSERT INTO bindings
			(model_id, consumer, alias, created_at)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				rec.ID, b.Consumer, b.Alias, timeNanos(b.CreatedAt),
			}})
		if err != nil {
			return fmt.Errorf("index: write binding for %s: %w", rec.ID, err)
		}
	}
	return nil
}

// refreshSearchRow replaces the record's FTS row. Caller holds the
// transaction.
func (s *Store) refreshSearchRow(conn *sqlite.Conn, rec *types.ModelRecord) error {
	err := sqlitex.Execute(conn, "DELETE FROM models_fts WHERE model_id = ?",
		&sqlitex.ExecOptions{Args: []any{rec.ID}})
	if err != nil {
		return fmt.Errorf("index: clear search row for %s: %w", rec.ID, err)
	}
	err = sqlitex.Execute(conn, `INSERT INTO models_fts
		(model_id, official_name, family, type, tags, aliases, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			rec.ID,
			rec.OfficialName,
			rec.Family,
			rec.Type,
			strings.Join(rec.Tags, " "),
			strings.Join(rec.Aliases, " "),
			rec.Path,
		}})
	if err != nil {
		return fmt.Errorf("index: write search row for %s: %w", rec.ID, err)
	}
	return nil
}

// AppendProvenance adds one provenance entry to an existing record.
// This is the duplicate-import path: the bytes already live in the
// library, only the how-it-arrived history grows.
func (s *Store) AppendProvenance(ctx context.Context, modelID string, p types.Provenance) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: append provenance %s: %w", modelID, err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: append provenance %s: %w", modelID, err)
	}
	defer endFn(&err)

	if err = s.requireModel(conn, modelID); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO provenance
		(model_id, source, job_id, original_ref, imported_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			modelID, p.Source, p.JobID, p.OriginalRef, timeNanos(p.ImportedAt),
		}})
	if err != nil {
		return fmt.Errorf("index: append provenance %s: %w", modelID, err)
	}
	err = sqlitex.Execute(conn, "UPDATE models SET updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{nowNanos(), modelID}})
	if err != nil {
		return fmt.Errorf("index: append provenance %s: %w", modelID, err)
	}
	return nil
}

// AddAlternate records a conflicting metadata guess against a record
// and flags the record for review. The winning value is untouched.
func (s *Store) AddAlternate(ctx context.Context, modelID string, a types.MetadataAlternate) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: add alternate %s: %w", modelID, err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: add alternate %s: %w", modelID, err)
	}
	defer endFn(&err)

	if err = s.requireModel(conn, modelID); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO alternates
		(model_id, field, value, origin, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			modelID, a.Field, a.Value, a.Origin, timeNanos(a.RecordedAt),
		}})
	if err != nil {
		return fmt.Errorf("index: add alternate %s: %w", modelID, err)
	}
	err = sqlitex.Execute(conn,
		"UPDATE models SET needs_review = 1, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{nowNanos(), modelID}})
	if err != nil {
		return fmt.Errorf("index: add alternate %s: %w", modelID, err)
	}
	return nil
}

// requireModel returns ErrNotFound when the ID has no models row.
func (s *Store) requireModel(conn *sqlite.Conn, modelID string) error {
	found := false
	err := sqlitex.Execute(conn, "SELECT 1 FROM models WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{modelID},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: look up %s: %w", modelID, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}
	return nil
}

// Get returns one record with its provenance, alternates, and bindings.
func (s *Store) Get(ctx context.Context, modelID string) (*types.ModelRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: get %s: %w", modelID, err)
	}
	defer s.pool.Put(conn)

	return s.loadRecord(conn, "id = ?", modelID)
}

// FindByHash returns the record holding the given content hash, or
// ErrNotFound. This is the dedup lookup the import pipeline runs
// before it moves any bytes.
func (s *Store) FindByHash(ctx context.Context, hash string) (*types.ModelRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: find by hash: %w", err)
	}
	defer s.pool.Put(conn)

	return s.loadRecord(conn, "hash = ?", hash)
}

// Delete removes a record, its children, and its search row. Nothing
// is deleted without confirm; the artifact files on disk are never
// touched here.
func (s *Store) Delete(ctx context.Context, modelID string, confirm bool) (err error) {
	if !confirm {
		return types.Validation("delete model", modelID,
			errors.New("deletion requires explicit confirmation"))
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: delete %s: %w", modelID, err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: delete %s: %w", modelID, err)
	}
	defer endFn(&err)

	if err = s.requireModel(conn, modelID); err != nil {
		return err
	}
	for _, table := range []string{"provenance", "alternates", "bindings"} {
		err = sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE model_id = ?",
			&sqlitex.ExecOptions{Args: []any{modelID}})
		if err != nil {
			return fmt.Errorf("index: delete %s from %s: %w", modelID, table, err)
		}
	}
	err = sqlitex.Execute(conn, "DELETE FROM models_fts WHERE model_id = ?",
		&sqlitex.ExecOptions{Args: []any{modelID}})
	if err != nil {
		return fmt.Errorf("index: delete search row %s: %w", modelID, err)
	}
	err = sqlitex.Execute(conn, "DELETE FROM models WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{modelID}})
	if err != nil {
		return fmt.Errorf("index: delete %s: %w", modelID, err)
	}
	s.logger.Info("model deleted from index", "model_id", modelID)
	return nil
}

// List returns every record, oldest first.
func (s *Store) List(ctx context.Context) ([]types.ModelRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, "SELECT id FROM models ORDER BY added_at, id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	return s.loadRecords(conn, ids)
}

// Stats summarizes the library for status surfaces.
type Stats struct {
	Models      int   `json:"models"`
	TotalBytes  int64 `json:"total_bytes"`
	NeedsReview int   `json:"needs_review"`
}

// Stats returns library-wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0),
		COALESCE(SUM(needs_review), 0) FROM models`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Models = stmt.ColumnInt(0)
				stats.TotalBytes = stmt.ColumnInt64(1)
				stats.NeedsReview = stmt.ColumnInt(2)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats: %w", err)
	}
	return stats, nil
}

// loadRecord loads one full record by an equality condition on the
// models table.
func (s *Store) loadRecord(conn *sqlite.Conn, where string, arg any) (*types.ModelRecord, error) {
	var rec *types.ModelRecord
	err := sqlitex.Execute(conn, `SELECT id, official_name, path, extra_files,
		hash, size_bytes, family, type, quantization, parameters, aliases,
		tags, needs_review, added_at, updated_at FROM models WHERE `+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanModelRow(stmt)
				if err != nil {
					return err
				}
				rec = r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("index: load record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	if err := s.loadChildren(conn, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// loadRecords loads full records for a list of IDs, preserving order.
func (s *Store) loadRecords(conn *sqlite.Conn, ids []string) ([]types.ModelRecord, error) {
	records := make([]types.ModelRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadRecord(conn, "id = ?", id)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// loadChildren attaches provenance, alternates, and bindings.
func (s *Store) loadChildren(conn *sqlite.Conn, rec *types.ModelRecord) error {
	err := sqlitex.Execute(conn, `SELECT source, job_id, original_ref, imported_at
		FROM provenance WHERE model_id = ? ORDER BY imported_at`,
		&sqlitex.ExecOptions{
			Args: []any{rec.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec.Provenance = append(rec.Provenance, types.Provenance{
					Source:      stmt.ColumnText(0),
					JobID:       stmt.ColumnText(1),
					OriginalRef: stmt.ColumnText(2),
					ImportedAt:  timeFromNanos(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: load provenance for %s: %w", rec.ID, err)
	}

	err = sqlitex.Execute(conn, `SELECT field, value, origin, recorded_at
		FROM alternates WHERE model_id = ? ORDER BY recorded_at`,
		&sqlitex.ExecOptions{
			Args: []any{rec.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec.Alternates = append(rec.Alternates, types.MetadataAlternate{
					Field:      stmt.ColumnText(0),
					Value:      stmt.ColumnText(1),
					Origin:     stmt.ColumnText(2),
					RecordedAt: timeFromNanos(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: load alternates for %s: %w", rec.ID, err)
	}

	err = sqlitex.Execute(conn, `SELECT consumer, alias, created_at
		FROM bindings WHERE model_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{rec.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec.Bindings = append(rec.Bindings, types.Binding{
					Consumer:  stmt.ColumnText(0),
					Alias:     stmt.ColumnText(1),
					CreatedAt: timeFromNanos(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("index: load bindings for %s: %w", rec.ID, err)
	}
	return nil
}

// scanModelRow decodes one models row in loadRecord's column order.
func scanModelRow(stmt *sqlite.Stmt) (*types.ModelRecord, error) {
	rec := &types.ModelRecord{
		ID:           stmt.ColumnText(0),
		OfficialName: stmt.ColumnText(1),
		Path:         stmt.ColumnText(2),
		Hash:         stmt.ColumnText(4),
		SizeBytes:    stmt.ColumnInt64(5),
		Family:       stmt.ColumnText(6),
		Type:         stmt.ColumnText(7),
		Quantization: stmt.ColumnText(8),
		Parameters:   stmt.ColumnInt64(9),
		NeedsReview:  stmt.ColumnInt(12) != 0,
		AddedAt:      timeFromNanos(stmt.ColumnInt64(13)),
		UpdatedAt:    timeFromNanos(stmt.ColumnInt64(14)),
	}
	var err error
	if rec.ExtraFiles, err = unmarshalStrings(stmt, 3); err != nil {
		return nil, fmt.Errorf("decode extra_files for %s: %w", rec.ID, err)
	}
	if rec.Aliases, err = unmarshalStrings(stmt, 10); err != nil {
		return nil, fmt.Errorf("decode aliases for %s: %w", rec.ID, err)
	}
	if rec.Tags, err = unmarshalStrings(stmt, 11); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", rec.ID, err)
	}
	return rec, nil
}

// marshalStrings encodes a string slice as a JSON column value, NULL
// when empty.
func marshalStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalStrings(stmt *sqlite.Stmt, col int) ([]string, error) {
	if stmt.ColumnIsNull(col) {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(stmt.ColumnText(col)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

func timeNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func timeFromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

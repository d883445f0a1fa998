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
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Query describes one library search. Text drives the full-text match;
// the remaining fields narrow the result set and may be combined
// freely. Zero values mean "no constraint".
type Query struct {
	// Text is matched against official names, families, types, tags,
	// aliases, and file paths. Empty text lists by filters alone.
	Text string

	Family       string
	Type         string
	Quantization string

	// MinParams and MaxParams bound the parameter count (inclusive).
	MinParams int64
	MaxParams int64

	// MaxSizeBytes bounds the artifact size on disk.
	MaxSizeBytes int64

	// AddedAfter and AddedBefore bound the import date.
	AddedAfter  time.Time
	AddedBefore time.Time

	// NeedsReview restricts results to records flagged by metadata
	// conflicts.
	NeedsReview bool

	// Limit caps the result count. Zero means no cap.
	Limit int
}

// Search finds records matching a query.
//
// # Description
//
// Text queries run through the FTS table and come back in relevance
// order; filter-only queries scan the models table and come back
// oldest first, matching List. Every result carries its full child
// rows, so callers can surface which consumers are bound to each
// model without a second round trip.
//
// The text is tokenized here rather than passed to FTS verbatim. Raw
// user input is full of characters the FTS query language assigns
// meaning to (quotes, minus, colons from model IDs), and a search that
// errors on "llama-3:8b" is worse than one that treats it as three
// terms.
//
// Inputs:
//   - ctx: Bounds the pool wait and the reads.
//   - q: The search terms and filters.
//
// Outputs:
//   - []types.ModelRecord: Matching records, never nil on success.
//   - error: Storage errors wrapped with context.
func (s *Store) Search(ctx context.Context, q Query) ([]types.ModelRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer s.pool.Put(conn)

	where, args := q.filterClauses()

	var sql string
	if match := ftsMatchExpr(q.Text); match != "" {
		sql = `SELECT m.id FROM models m
			JOIN (SELECT model_id, rank FROM models_fts WHERE models_fts MATCH ?) f
			ON f.model_id = m.id`
		args = append([]any{match}, args...)
		if len(where) > 0 {
			sql += " WHERE " + strings.Join(where, " AND ")
		}
		sql += " ORDER BY f.rank, m.id"
	} else {
		sql = "SELECT m.id FROM models m"
		if len(where) > 0 {
			sql += " WHERE " + strings.Join(where, " AND ")
		}
		sql += " ORDER BY m.added_at, m.id"
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var ids []string
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	records, err := s.loadRecords(conn, ids)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []types.ModelRecord{}
	}
	return records, nil
}

// filterClauses translates the non-text filters into SQL fragments
// over the aliased models table.
func (q Query) filterClauses() ([]string, []any) {
	var where []string
	var args []any

	if q.Family != "" {
		where = append(where, "m.family = ? COLLATE NOCASE")
		args = append(args, q.Family)
	}
	if q.Type != "" {
		where = append(where, "m.type = ? COLLATE NOCASE")
		args = append(args, q.Type)
	}
	if q.Quantization != "" {
		where = append(where, "m.quantization = ? COLLATE NOCASE")
		args = append(args, q.Quantization)
	}
	if q.MinParams > 0 {
		where = append(where, "m.parameters >= ?")
		args = append(args, q.MinParams)
	}
	if q.MaxParams > 0 {
		where = append(where, "m.parameters <= ?")
		args = append(args, q.MaxParams)
	}
	if q.MaxSizeBytes > 0 {
		where = append(where, "m.size_bytes <= ?")
		args = append(args, q.MaxSizeBytes)
	}
	if !q.AddedAfter.IsZero() {
		where = append(where, "m.added_at >= ?")
		args = append(args, timeNanos(q.AddedAfter))
	}
	if !q.AddedBefore.IsZero() {
		where = append(where, "m.added_at <= ?")
		args = append(args, timeNanos(q.AddedBefore))
	}
	if q.NeedsReview {
		where = append(where, "m.needs_review = 1")
	}
	return where, args
}

// ftsMatchExpr rewrites free text into an FTS5 query: each token
// quoted to neutralize operators, with a trailing * so partial names
// still hit. Returns "" when no tokens survive.
func ftsMatchExpr(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ':', '/', ',':
			return true
		}
		return false
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"*`)
	}
	return strings.Join(terms, " ")
}

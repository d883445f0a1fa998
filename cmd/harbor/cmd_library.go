// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/pkg/validation"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
)

func runSearch(cmd *cobra.Command, args []string) error {
	text := ""
	if len(args) == 1 {
		text = args[0]
	}
	return queryLibrary(text)
}

// runList is search without text: filters only, oldest first.
func runList(cmd *cobra.Command, args []string) error {
	return queryLibrary("")
}

func queryLibrary(text string) error {
	ctx := context.Background()
	query, err := buildQuery(text)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, "cli", appNeeds{library: true})
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.lib.Search(ctx, query)
	if err != nil {
		return err
	}
	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}
	if len(records) == 0 {
		ux.Info("no models matched")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		flags := ""
		if rec.NeedsReview {
			flags = "review"
		}
		rows = append(rows, []string{
			rec.ID,
			rec.OfficialName,
			rec.Family,
			rec.Quantization,
			formatParams(rec.Parameters),
			humanBytes(rec.SizeBytes),
			flags,
		})
	}
	fmt.Println(ux.Table([]string{"ID", "NAME", "FAMILY", "QUANT", "PARAMS", "SIZE", "FLAGS"}, rows))
	ux.Muted(fmt.Sprintf("%d model(s)", len(records)))
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, "cli", appNeeds{library: true})
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.lib.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	ux.Title(rec.OfficialName)
	ux.KeyValue("ID", rec.ID)
	ux.KeyValue("Hash", rec.Hash)
	ux.KeyValue("Path", rec.Path)
	for _, extra := range rec.ExtraFiles {
		ux.KeyValue("", extra)
	}
	ux.KeyValue("Size", humanBytes(rec.SizeBytes))
	if rec.Family != "" {
		ux.KeyValue("Family", rec.Family)
	}
	if rec.Type != "" {
		ux.KeyValue("Type", rec.Type)
	}
	if rec.Quantization != "" {
		ux.KeyValue("Quantization", rec.Quantization)
	}
	if rec.Parameters > 0 {
		ux.KeyValue("Parameters", formatParams(rec.Parameters))
	}
	if len(rec.Tags) > 0 {
		ux.KeyValue("Tags", strings.Join(rec.Tags, ", "))
	}
	if len(rec.Aliases) > 0 {
		ux.KeyValue("Aliases", strings.Join(rec.Aliases, ", "))
	}
	ux.KeyValue("Added", rec.AddedAt.Format("2006-01-02 15:04"))

	if len(rec.Provenance) > 0 {
		ux.Info("Provenance:")
		for _, p := range rec.Provenance {
			ux.KeyValue(p.ImportedAt.Format("2006-01-02"),
				fmt.Sprintf("%s %s", p.Source, p.OriginalRef))
		}
	}
	if len(rec.Bindings) > 0 {
		ux.Info("Bindings:")
		for _, b := range rec.Bindings {
			ux.KeyValue(b.Consumer, b.Alias)
		}
	}
	if len(rec.Alternates) > 0 {
		ux.Warning(fmt.Sprintf("%d unresolved metadata alternate(s):", len(rec.Alternates)))
		for _, alt := range rec.Alternates {
			ux.KeyValue(alt.Field, fmt.Sprintf("%s (from %s)", alt.Value, alt.Origin))
		}
	}
	return nil
}

// buildQuery translates the shared search/ls flags into an index query.
func buildQuery(text string) (index.Query, error) {
	q := index.Query{
		Text:         text,
		Family:       queryFamily,
		Type:         queryType,
		Quantization: queryQuant,
		NeedsReview:  queryNeedsReview,
		Limit:        queryLimit,
	}
	var err error
	if queryMinParams != "" {
		if q.MinParams, err = validation.ParseParameterSize(queryMinParams); err != nil {
			return index.Query{}, fmt.Errorf("--min-params: %w", err)
		}
	}
	if queryMaxParams != "" {
		if q.MaxParams, err = validation.ParseParameterSize(queryMaxParams); err != nil {
			return index.Query{}, fmt.Errorf("--max-params: %w", err)
		}
	}
	if queryMaxSize != "" {
		if q.MaxSizeBytes, err = parseByteSize(queryMaxSize); err != nil {
			return index.Query{}, fmt.Errorf("--max-size: %w", err)
		}
	}
	return q, nil
}

// parseByteSize converts "20GB", "512mb", or a bare byte count to
// bytes. Binary units, matching how sizes are displayed.
func parseByteSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1},
	} {
		if strings.HasSuffix(trimmed, unit.suffix) {
			multiplier = unit.factor
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
			break
		}
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}

// formatParams renders a parameter count the way model names do.
func formatParams(params int64) string {
	switch {
	case params <= 0:
		return ""
	case params >= 1e9:
		return trimZero(fmt.Sprintf("%.1f", float64(params)/1e9)) + "B"
	case params >= 1e6:
		return trimZero(fmt.Sprintf("%.1f", float64(params)/1e6)) + "M"
	default:
		return strconv.FormatInt(params, 10)
	}
}

func trimZero(s string) string {
	return strings.TrimSuffix(s, ".0")
}

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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// statusSnapshot is the machine-readable shape shared by "harbor
// status --json" and the daemon's status endpoint.
type statusSnapshot struct {
	Role  string      `json:"role"`
	Index index.Stats `json:"index"`

	Connectivity struct {
		Online     bool      `json:"online"`
		Forced     bool      `json:"forced_offline"`
		LastChange time.Time `json:"last_change,omitempty"`
	} `json:"connectivity"`

	Breakers []breakerRow                 `json:"breakers,omitempty"`
	Catalogs map[string]types.CacheStatus `json:"catalogs,omitempty"`
}

type breakerRow struct {
	Destination    string    `json:"destination"`
	State          string    `json:"state"`
	RecentFailures int       `json:"recent_failures"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, "cli", appNeeds{library: true, network: true})
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := buildStatus(ctx, a)
	if err != nil {
		return err
	}
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	ux.Title("Harbor status")
	ux.KeyValue("Role", snap.Role)
	ux.KeyValue("Models", fmt.Sprintf("%d (%s)", snap.Index.Models, humanBytes(snap.Index.TotalBytes)))
	if snap.Index.NeedsReview > 0 {
		ux.Warning(fmt.Sprintf("%d model(s) need metadata review", snap.Index.NeedsReview))
	}

	online := "online"
	if !snap.Connectivity.Online {
		online = "offline"
		if snap.Connectivity.Forced {
			online = "offline (forced)"
		}
	}
	ux.KeyValue("Connectivity", online)

	if len(snap.Breakers) > 0 {
		rows := make([][]string, 0, len(snap.Breakers))
		for _, b := range snap.Breakers {
			last := "-"
			if !b.LastFailure.IsZero() {
				last = b.LastFailure.Format("15:04:05")
			}
			rows = append(rows, []string{b.Destination, b.State, fmt.Sprintf("%d", b.RecentFailures), last})
		}
		ux.Info("Breakers:")
		fmt.Println(ux.Table([]string{"DESTINATION", "STATE", "FAILURES", "LAST FAILURE"}, rows))
	}

	for id, cache := range snap.Catalogs {
		if !cache.HasCache {
			ux.KeyValue("Catalog "+id, "no cache yet")
			continue
		}
		validity := "valid"
		if !cache.IsValid {
			validity = "stale"
		}
		ux.KeyValue("Catalog "+id,
			fmt.Sprintf("%d releases, %s, age %ds", cache.ReleasesCount, validity, cache.AgeSeconds))
	}
	return nil
}

// buildStatus collects the snapshot. Index stats are read directly from
// the local store handle; breaker and connectivity state are this
// process's own view.
func buildStatus(ctx context.Context, a *app) (*statusSnapshot, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	snap := &statusSnapshot{
		Role:     string(a.lib.Role()),
		Index:    stats,
		Catalogs: make(map[string]types.CacheStatus, len(a.catalogs)),
	}

	conn := a.net.Connectivity()
	snap.Connectivity.Online = conn.Online()
	snap.Connectivity.Forced = conn.Forced()
	snap.Connectivity.LastChange = conn.LastChange()

	for _, stat := range a.net.Breakers().AllStats() {
		snap.Breakers = append(snap.Breakers, breakerRow{
			Destination:    stat.Destination,
			State:          stat.State.String(),
			RecentFailures: stat.RecentFailures,
			LastFailure:    stat.LastFailureTime,
		})
	}
	for id, cat := range a.catalogs {
		snap.Catalogs[id] = cat.Status()
	}
	return snap, nil
}

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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// runReleases lists a source's published releases from the local
// catalog, fetching only when the cache is stale or --refresh is set.
// Offline, a stale cache is served with a warning rather than an error.
func runReleases(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, "cli", appNeeds{network: true})
	if err != nil {
		return err
	}
	defer a.Close()

	cat, err := a.catalogFor(args[0])
	if err != nil {
		return err
	}

	var releases []types.Release
	spinErr := ux.WithSpinner("fetching releases for "+args[0], func() error {
		var err error
		releases, err = cat.GetReleases(ctx, releasesRefresh)
		return err
	})
	if spinErr != nil {
		return spinErr
	}

	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(releases)
	}
	if len(releases) == 0 {
		ux.Info("no releases published")
		return nil
	}

	rows := make([][]string, 0, len(releases))
	for _, rel := range releases {
		label := ""
		if rel.Prerelease {
			label = "pre"
		}
		rows = append(rows, []string{
			rel.Version,
			truncateLocator(rel.Name, 40),
			rel.PublishedAt.Format("2006-01-02"),
			fmt.Sprintf("%d", len(rel.Assets)),
			humanBytes(releaseSize(rel)),
			label,
		})
	}
	fmt.Println(ux.Table([]string{"VERSION", "NAME", "PUBLISHED", "ASSETS", "SIZE", ""}, rows))

	status := cat.Status()
	if status.HasCache && !status.IsValid {
		ux.Warning(fmt.Sprintf("cache is %ds old and past its TTL; shown as-is (refresh with --refresh)",
			status.AgeSeconds))
	} else {
		ux.Muted(fmt.Sprintf("%d release(s), cache age %ds", status.ReleasesCount, status.AgeSeconds))
	}
	return nil
}

func releaseSize(rel types.Release) int64 {
	var total int64
	for _, asset := range rel.Assets {
		total += asset.Size
	}
	return total
}

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

// The download store takes an exclusive lock, so these commands only
// work while no daemon holds it. The error from openApp names the lock
// holder's directory, which is enough of a hint in practice.

func runDownloadsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, "cli", appNeeds{downloads: true})
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.mgr.List()
	if err != nil {
		return err
	}
	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}
	if len(jobs) == 0 {
		ux.Info("no download jobs")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			job.SourceID,
			truncateLocator(job.Locator, 40),
			string(job.Status),
			describeJobProgress(job),
			formatSpeed(job.Speed, job.Status),
		})
	}
	fmt.Println(ux.Table([]string{"JOB", "SOURCE", "LOCATOR", "STATUS", "PROGRESS", "SPEED"}, rows))
	return nil
}

func runDownloadsPause(cmd *cobra.Command, args []string) error {
	return withDownloadManager(func(a *app) error {
		if err := a.mgr.Pause(args[0]); err != nil {
			return err
		}
		ux.Success(fmt.Sprintf("paused %s", args[0]))
		return nil
	})
}

func runDownloadsResume(cmd *cobra.Command, args []string) error {
	return withDownloadManager(func(a *app) error {
		if err := a.mgr.Resume(context.Background(), args[0]); err != nil {
			return err
		}
		ux.Success(fmt.Sprintf("resumed %s", args[0]))
		return nil
	})
}

func runDownloadsCancel(cmd *cobra.Command, args []string) error {
	return withDownloadManager(func(a *app) error {
		if err := a.mgr.Cancel(args[0]); err != nil {
			return err
		}
		ux.Success(fmt.Sprintf("cancelled %s", args[0]))
		return nil
	})
}

func withDownloadManager(fn func(a *app) error) error {
	a, err := openApp(context.Background(), "cli", appNeeds{downloads: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func describeJobProgress(job types.DownloadJob) string {
	if job.TotalSize <= 0 {
		return humanBytes(job.Downloaded)
	}
	return fmt.Sprintf("%.0f%% (%s / %s)",
		job.Progress()*100, humanBytes(job.Downloaded), humanBytes(job.TotalSize))
}

func formatSpeed(bytesPerSec float64, status types.JobStatus) string {
	if status != types.JobDownloading || bytesPerSec <= 0 {
		return "-"
	}
	return humanBytes(int64(bytesPerSec)) + "/s"
}

func truncateLocator(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// humanBytes renders a byte count with a binary unit suffix.
func humanBytes(bytes int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
		tb = 1 << 40
	)
	b := float64(bytes)
	switch {
	case bytes >= tb:
		return fmt.Sprintf("%.1f TB", b/tb)
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", b/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", b/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", b/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

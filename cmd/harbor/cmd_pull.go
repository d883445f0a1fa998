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
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/cmd/harbor/internal/progress"
	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/download"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/registry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// runPull downloads one artifact, waits for it, and imports the result
// into the library.
//
// # Description
//
// The argument is "<source-id>:<locator>". Source IDs may themselves
// contain colons (github:owner/repo), so the argument is matched
// against configured IDs first and only then split at the first colon.
// Progress renders live on a TTY and as timestamped lines elsewhere.
// Interrupting leaves the job paused in the store for a later
// "harbor downloads resume".
func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, "cli", appNeeds{library: true, network: true, downloads: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sourceID, locator, err := splitPullSpec(a, args[0])
	if err != nil {
		return err
	}

	// Subscribe before Start so the first progress events are not lost.
	events, unsubscribe := a.mgr.Subscribe(16)
	defer unsubscribe()

	jobID, err := a.mgr.Start(ctx, download.StartRequest{
		SourceID:    sourceID,
		Locator:     locator,
		Destination: pullDest,
	})
	if err != nil {
		return err
	}
	ux.Muted(fmt.Sprintf("job %s queued", jobID))

	renderer := progress.Pick(os.Stdout)
	job, err := waitForJob(ctx, a, renderer, events, jobID, locator)
	if err != nil {
		return err
	}

	if pullNoImport {
		// The job record stays in the store; it is the only pointer to
		// the downloaded files.
		renderer.Complete(ctx, locator, true, "saved to "+job.Destination)
		ux.KeyValue("Destination", job.Destination)
		return nil
	}

	results, err := importCompletedJob(ctx, a, job)
	if err != nil {
		renderer.Complete(ctx, locator, false, err.Error())
		return fmt.Errorf("download finished but import failed: %w", err)
	}
	if err := a.mgr.Acknowledge(jobID); err != nil {
		a.slog.Warn("acknowledge after import failed", "job_id", jobID, "error", err)
	}

	summary := "imported"
	if len(results) == 1 {
		summary = "imported as " + results[0].Record.ID
	}
	renderer.Complete(ctx, locator, true, summary)
	printImportResults(results)
	return nil
}

// waitForJob consumes manager events until the job reaches a terminal
// state, driving the renderer along the way.
func waitForJob(ctx context.Context, a *app, renderer progress.Renderer,
	events <-chan download.Event, jobID, operation string) (types.DownloadJob, error) {

	for {
		select {
		case <-ctx.Done():
			// Leave the partial download resumable rather than racing
			// the shutdown.
			if err := a.mgr.Pause(jobID); err == nil {
				ux.Warning(fmt.Sprintf("interrupted; resume with 'harbor downloads resume %s'", jobID))
			}
			return types.DownloadJob{}, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return types.DownloadJob{}, fmt.Errorf("download manager closed while job %s was running", jobID)
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Status {
			case types.JobCompleted:
				return a.mgr.Status(jobID)
			case types.JobFailed:
				renderer.Complete(ctx, operation, false, ev.Error)
				return types.DownloadJob{}, fmt.Errorf(
					"download failed: %s (resume with 'harbor downloads resume %s')", ev.Error, jobID)
			case types.JobCancelled:
				renderer.Complete(ctx, operation, false, "cancelled")
				return types.DownloadJob{}, fmt.Errorf("job %s was cancelled", jobID)
			default:
				renderer.Render(ctx, operation, string(ev.Status), ev.Completed, ev.Total)
			}
		}
	}
}

// importCompletedJob routes a finished download into the library.
//
// The primary consumes the job through the pipeline, which knows about
// shard hashes and early metadata. A client hands the path to the
// primary over the registry socket instead of writing locally.
func importCompletedJob(ctx context.Context, a *app, job types.DownloadJob) ([]*importer.Result, error) {
	if a.lib.Role() == registry.RolePrimary {
		return a.pipeline.ConsumeCompleted(ctx, job)
	}
	path := job.Destination
	if len(job.Shards) == 1 {
		path = job.Shards[0].LocalPath
	}
	return a.lib.Import(ctx, path, registry.ImportArgs{
		Name:   job.Metadata.ModelName,
		Source: job.SourceID,
		JobID:  job.ID,
		Move:   true,
	})
}

// splitPullSpec resolves "<source-id>:<locator>" against the configured
// sources, preferring the longest matching ID.
func splitPullSpec(a *app, spec string) (sourceID, locator string, err error) {
	for _, sc := range a.cfg.Sources {
		prefix := sc.ID + ":"
		if strings.HasPrefix(spec, prefix) && len(sc.ID) > len(sourceID) {
			sourceID = sc.ID
			locator = spec[len(prefix):]
		}
	}
	if sourceID != "" {
		if locator == "" {
			return "", "", fmt.Errorf("empty locator in %q", spec)
		}
		return sourceID, locator, nil
	}

	idx := strings.Index(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return "", "", fmt.Errorf("expected <source>:<locator>, got %q (configured sources: %s)",
			spec, strings.Join(configuredSourceIDs(a), ", "))
	}
	sourceID, locator = spec[:idx], spec[idx+1:]
	if _, ok := a.net.Source(sourceID); !ok {
		return "", "", fmt.Errorf("unknown source %q (configured sources: %s)",
			sourceID, strings.Join(configuredSourceIDs(a), ", "))
	}
	return sourceID, locator, nil
}

func configuredSourceIDs(a *app) []string {
	ids := make([]string, 0, len(a.cfg.Sources))
	for _, sc := range a.cfg.Sources {
		ids = append(ids, sc.ID)
	}
	return ids
}

func printImportResults(results []*importer.Result) {
	imported, duplicates := 0, 0
	for _, res := range results {
		if res.Duplicate {
			duplicates++
			ux.Warning(fmt.Sprintf("already in library as %s", res.Record.ID))
			continue
		}
		imported++
		ux.KeyValue("Model", res.Record.OfficialName)
		ux.KeyValue("ID", res.Record.ID)
		ux.KeyValue("Path", res.CanonicalPath)
	}
	if len(results) > 1 || duplicates > 0 {
		ux.ImportSummary(imported, duplicates, 0)
	}
}

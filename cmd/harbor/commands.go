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
	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	pullDest         string
	pullNoImport     bool
	importName       string
	importTags       []string
	importMove       bool
	queryFamily      string
	queryType        string
	queryQuant       string
	queryMinParams   string // parameter-count filter ("7B", "350M")
	queryMaxParams   string
	queryMaxSize     string // on-disk size filter ("20GB", "500MB")
	queryNeedsReview bool
	queryLimit       int
	outputJSON       bool
	releasesRefresh  bool
	mergeYes         bool
	daemonAddr       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "harbor",
		Short: "A cli to acquire, verify, and catalog local AI model artifacts",
		Long: `Harbor downloads model artifacts from configured sources, verifies
				them by content hash, and tracks them in a local library index
				that any number of harbor processes can share safely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Acquisition ---
	pullCmd = &cobra.Command{
		Use:   "pull [source:locator]",
		Short: "Download an artifact from a configured source and import it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPull, // Defined in cmd_pull.go
	}

	downloadsCmd = &cobra.Command{
		Use:   "downloads",
		Short: "Inspect and control download jobs",
	}
	downloadsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List download jobs and their progress",
		RunE:  runDownloadsList, // Defined in cmd_downloads.go
	}
	downloadsPauseCmd = &cobra.Command{
		Use:   "pause [job-id]",
		Short: "Pause a running download job",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownloadsPause, // Defined in cmd_downloads.go
	}
	downloadsResumeCmd = &cobra.Command{
		Use:   "resume [job-id]",
		Short: "Resume a paused or failed download job",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownloadsResume, // Defined in cmd_downloads.go
	}
	downloadsCancelCmd = &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a download job and discard its partial data",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownloadsCancel, // Defined in cmd_downloads.go
	}

	// --- Library ---
	importCmd = &cobra.Command{
		Use:   "import [path]",
		Short: "Import a local file or directory into the library",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport, // Defined in cmd_import.go
	}
	searchCmd = &cobra.Command{
		Use:   "search [text]",
		Short: "Search the library index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSearch, // Defined in cmd_library.go
	}
	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List library models, optionally filtered",
		RunE:  runList, // Defined in cmd_library.go
	}
	infoCmd = &cobra.Command{
		Use:   "info [model-id]",
		Short: "Show one model's full record, provenance included",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo, // Defined in cmd_library.go
	}

	// --- Releases ---
	releasesCmd = &cobra.Command{
		Use:   "releases [source]",
		Short: "List published releases for a configured source",
		Args:  cobra.ExactArgs(1),
		RunE:  runReleases, // Defined in cmd_releases.go
	}

	// --- Maintenance ---
	mergeCmd = &cobra.Command{
		Use:   "merge [other-index.db]",
		Short: "Merge another library index into this one",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge, // Defined in cmd_merge.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show library, connectivity, and breaker health",
		RunE:  runStatus, // Defined in cmd_status.go
	}

	// --- Daemon ---
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the background service: downloads, drop-dir watcher, observability",
		RunE:  runDaemon, // Defined in cmd_daemon.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich nautical), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().StringVar(&pullDest, "dest", "", "Download destination directory (default: staging)")
	pullCmd.Flags().BoolVar(&pullNoImport, "no-import", false, "Leave the completed download in place instead of importing it")

	rootCmd.AddCommand(downloadsCmd)
	downloadsCmd.AddCommand(downloadsListCmd)
	downloadsCmd.AddCommand(downloadsPauseCmd)
	downloadsCmd.AddCommand(downloadsResumeCmd)
	downloadsCmd.AddCommand(downloadsCancelCmd)
	downloadsListCmd.Flags().BoolVar(&outputJSON, "json", false, "Emit jobs as JSON")

	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importName, "name", "", "Model name to record (default: derived from the filename)")
	importCmd.Flags().StringSliceVar(&importTags, "tag", nil, "Tag to attach to new records (repeatable)")
	importCmd.Flags().BoolVar(&importMove, "move", false, "Move the artifact into the library instead of copying it")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(lsCmd)
	for _, c := range []*cobra.Command{searchCmd, lsCmd} {
		c.Flags().StringVar(&queryFamily, "family", "", "Filter by model family (e.g. llama, qwen)")
		c.Flags().StringVar(&queryType, "type", "", "Filter by artifact type (e.g. gguf, safetensors)")
		c.Flags().StringVar(&queryQuant, "quant", "", "Filter by quantization (e.g. Q4_K_M, F16)")
		c.Flags().StringVar(&queryMinParams, "min-params", "", "Minimum parameter count (e.g. 7B)")
		c.Flags().StringVar(&queryMaxParams, "max-params", "", "Maximum parameter count (e.g. 70B)")
		c.Flags().StringVar(&queryMaxSize, "max-size", "", "Maximum on-disk size (e.g. 20GB)")
		c.Flags().BoolVar(&queryNeedsReview, "needs-review", false, "Only models flagged for review")
		c.Flags().IntVar(&queryLimit, "limit", 50, "Maximum rows to return")
		c.Flags().BoolVar(&outputJSON, "json", false, "Emit records as JSON")
	}

	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&outputJSON, "json", false, "Emit the record as JSON")

	rootCmd.AddCommand(releasesCmd)
	releasesCmd.Flags().BoolVar(&releasesRefresh, "refresh", false, "Bypass the cache and fetch the release list now")
	releasesCmd.Flags().BoolVar(&outputJSON, "json", false, "Emit releases as JSON")

	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().BoolVar(&mergeYes, "yes", false, "Apply the merge without the interactive confirmation")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "Emit status as JSON")

	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Observability listen address (default: from config)")
}

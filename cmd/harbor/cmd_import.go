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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/registry"
)

// runImport ingests a local file or directory. The registry decides
// whether this process writes the index itself or forwards the path to
// the running primary.
func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path, err := filepath.Abs(logging.ExpandPath(args[0]))
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot import %s: %w", path, err)
	}

	a, err := openApp(ctx, "cli", appNeeds{library: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var results []*importer.Result
	spinErr := ux.WithSpinner("importing "+filepath.Base(path), func() error {
		res, err := a.lib.Import(ctx, path, registry.ImportArgs{
			Name: importName,
			Tags: importTags,
			Move: importMove,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if spinErr != nil {
		return spinErr
	}

	printImportResults(results)
	return nil
}

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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/registry"
)

// runMerge previews merging another library index into this one and
// applies it after confirmation.
//
// # Description
//
// The preview is computed read-only and shown in full before anything
// changes: hash matches to unify, records to add, and the count left
// untouched. Applying requires the primary role; a client process gets
// a clear error instead of a half merge over the socket.
func runMerge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	otherDB, err := filepath.Abs(logging.ExpandPath(args[0]))
	if err != nil {
		return err
	}
	if _, err := os.Stat(otherDB); err != nil {
		return fmt.Errorf("cannot merge %s: %w", otherDB, err)
	}

	a, err := openApp(ctx, "cli", appNeeds{library: true})
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.lib.MergePreview(ctx, otherDB)
	if err != nil {
		return err
	}
	printMergePlan(plan)

	if len(plan.Unifies) == 0 && len(plan.Adds) == 0 {
		ux.Info("nothing to merge")
		return nil
	}

	primary, ok := a.lib.(*registry.Primary)
	if !ok {
		return fmt.Errorf("merge apply needs the primary process; this one is a client (stop the daemon or run the merge there)")
	}

	confirmed := mergeYes
	if !confirmed {
		if !ux.IsInteractive() {
			return fmt.Errorf("refusing to merge without confirmation; pass --yes")
		}
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Apply merge: unify %d, add %d?", len(plan.Unifies), len(plan.Adds))).
				Description("Both copies of unified artifacts stay on disk.").
				Affirmative("Apply").
				Negative("Cancel").
				Value(&confirmed),
		))
		if err := form.Run(); err != nil {
			return err
		}
	}
	if !confirmed {
		ux.Info("merge cancelled")
		return nil
	}

	if err := primary.MergeApply(ctx, plan, true); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("merged: %d unified, %d added", len(plan.Unifies), len(plan.Adds)))
	return nil
}

func printMergePlan(plan *registry.Plan) {
	ux.Title("Merge preview")

	if len(plan.Unifies) > 0 {
		rows := make([][]string, 0, len(plan.Unifies))
		for _, u := range plan.Unifies {
			note := ""
			if u.Merged.NeedsReview {
				note = "metadata conflict"
			}
			rows = append(rows, []string{u.ModelID, u.Merged.OfficialName, note})
		}
		ux.Info(fmt.Sprintf("%d record(s) exist on both sides and will be unified:", len(plan.Unifies)))
		fmt.Println(ux.Table([]string{"ID", "NAME", "NOTE"}, rows))
	}

	if len(plan.Adds) > 0 {
		rows := make([][]string, 0, len(plan.Adds))
		for _, rec := range plan.Adds {
			rows = append(rows, []string{rec.ID, rec.OfficialName, humanBytes(rec.SizeBytes)})
		}
		ux.Info(fmt.Sprintf("%d record(s) only the other library has:", len(plan.Adds)))
		fmt.Println(ux.Table([]string{"ID", "NAME", "SIZE"}, rows))
	}

	ux.Muted(fmt.Sprintf("%d record(s) untouched", plan.OursOnly))
}

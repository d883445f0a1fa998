// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"
	"testing"
)

func TestTable_MachineMode_TabSeparated(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := Table(
			[]string{"ID", "FAMILY"},
			[][]string{
				{"sha256:aaaa", "llama"},
				{"sha256:bbbb", "mistral"},
			},
		)
		want := "ID\tFAMILY\nsha256:aaaa\tllama\nsha256:bbbb\tmistral"
		if out != want {
			t.Errorf("expected tab-separated output:\n%q\ngot:\n%q", want, out)
		}
	})
}

func TestTable_FullMode_AlignsColumns(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := Table(
			[]string{"ID", "FAMILY"},
			[][]string{
				{"short", "llama"},
				{"a-much-longer-id", "qwen"},
			},
		)
		lines := strings.Split(out, "\n")
		if len(lines) != 4 {
			t.Fatalf("expected header, separator, and two rows, got %d lines", len(lines))
		}
		if !strings.Contains(lines[0], "ID") || !strings.Contains(lines[0], "FAMILY") {
			t.Errorf("expected headers in first line, got %q", lines[0])
		}
		if !strings.Contains(lines[1], "─") {
			t.Errorf("expected a separator line, got %q", lines[1])
		}
		// Both family cells should start at the same column.
		llama := strings.Index(lines[2], "llama")
		qwen := strings.Index(lines[3], "qwen")
		if llama != qwen {
			t.Errorf("expected aligned columns: llama at %d, qwen at %d\n%s", llama, qwen, out)
		}
	})
}

func TestTable_RaggedRows(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := Table(
			[]string{"A", "B", "C"},
			[][]string{
				{"1"},
				{"1", "2", "3", "4"},
			},
		)
		if out == "" {
			t.Fatal("expected output for ragged rows")
		}
		// The extra cell should be dropped, not rendered.
		if strings.Contains(out, "4") {
			t.Errorf("expected the fourth cell to be ignored, got:\n%s", out)
		}
	})
}

func TestTable_NoHeaders(t *testing.T) {
	if out := Table(nil, [][]string{{"x"}}); out != "" {
		t.Errorf("expected empty output without headers, got %q", out)
	}
}

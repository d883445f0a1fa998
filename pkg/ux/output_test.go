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
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// Helper to capture stdout
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func withLevel(t *testing.T, level PersonalityLevel, f func()) {
	t.Helper()
	prev := GetPersonality().Level
	SetPersonalityLevel(level)
	defer SetPersonalityLevel(prev)
	f()
}

func TestIcon_Render_NotEmpty(t *testing.T) {
	icons := []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow, IconBullet, IconAnchor}
	for _, icon := range icons {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for icon %q", string(icon))
		}
	}
}

func TestTitle_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Title("Harbor") })
		if out != "" {
			t.Errorf("expected no output in machine mode, got %q", out)
		}
	})
}

func TestTitle_FullMode(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := captureStdout(func() { Title("Harbor") })
		if !strings.Contains(out, "Harbor") {
			t.Errorf("expected title text, got %q", out)
		}
	})
}

func TestSuccess_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Success("imported") })
		if out != "OK: imported\n" {
			t.Errorf("expected machine format, got %q", out)
		}
	})
}

func TestSuccess_FullMode(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := captureStdout(func() { Success("imported") })
		if !strings.Contains(out, "imported") {
			t.Errorf("expected message text, got %q", out)
		}
	})
}

func TestWarning_MachineMode_GoesToStderr(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		errOut := captureStderr(func() { Warning("stale cache") })
		if errOut != "WARN: stale cache\n" {
			t.Errorf("expected machine warning on stderr, got %q", errOut)
		}
	})
}

func TestError_MachineMode_GoesToStderr(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		errOut := captureStderr(func() { Error("import failed") })
		if errOut != "ERROR: import failed\n" {
			t.Errorf("expected machine error on stderr, got %q", errOut)
		}
	})
}

func TestInfo_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Info("3 models") })
		if out != "3 models\n" {
			t.Errorf("expected plain line, got %q", out)
		}
	})
}

func TestMuted_MachineMode_Silent(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Muted("hint") })
		if out != "" {
			t.Errorf("expected silence in machine mode, got %q", out)
		}
	})
}

func TestKeyValue_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { KeyValue("Family", "llama") })
		if out != "Family\tllama\n" {
			t.Errorf("expected tab-separated pair, got %q", out)
		}
	})
}

func TestKeyValue_FullMode(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := captureStdout(func() { KeyValue("Family", "llama") })
		if !strings.Contains(out, "Family") || !strings.Contains(out, "llama") {
			t.Errorf("expected both key and value, got %q", out)
		}
	})
}

func TestBox_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Box("Merge", "3 changes") })
		if out != "Merge: 3 changes\n" {
			t.Errorf("expected flat form, got %q", out)
		}
	})
}

func TestImportSummary_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { ImportSummary(3, 1, 0) })
		if out != "SUMMARY: imported=3 duplicates=1 failed=0\n" {
			t.Errorf("expected machine summary, got %q", out)
		}
	})
}

func TestImportSummary_FullMode(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := captureStdout(func() { ImportSummary(3, 1, 0) })
		for _, want := range []string{"imported", "duplicates", "failed"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in summary, got %q", want, out)
			}
		}
	})
}

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
	"sync"
	"testing"
)

func TestSetPersonalityLevel_AndGet(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	SetPersonalityLevel(PersonalityMinimal)
	if got := GetPersonality().Level; got != PersonalityMinimal {
		t.Errorf("expected minimal, got %q", got)
	}
}

func TestParsePersonalityLevel(t *testing.T) {
	cases := []struct {
		input string
		want  PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"f", PersonalityFull},
		{"standard", PersonalityStandard},
		{"std", PersonalityStandard},
		{"minimal", PersonalityMinimal},
		{"min", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"quiet", PersonalityMachine},
		{"MACHINE", PersonalityMachine},
		{"bogus", PersonalityStandard},
		{"", PersonalityStandard},
	}
	for _, tc := range cases {
		if got := ParsePersonalityLevel(tc.input); got != tc.want {
			t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestInitPersonality_WithEnvVar(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	t.Setenv("ALEUTIAN_PERSONALITY", "machine")
	InitPersonality()
	if got := GetPersonality().Level; got != PersonalityMachine {
		t.Errorf("expected machine from env, got %q", got)
	}
}

func TestInitPersonality_NoEnvVar_NonTerminal(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	t.Setenv("ALEUTIAN_PERSONALITY", "")
	// Test binaries run without a TTY on stdout, so the fallback
	// should select machine output.
	InitPersonality()
	if isTerminal() {
		t.Skip("stdout is a terminal in this environment")
	}
	if got := GetPersonality().Level; got != PersonalityMachine {
		t.Errorf("expected machine without a TTY, got %q", got)
	}
}

func TestIsInteractive_MachineMode(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	SetPersonalityLevel(PersonalityMachine)
	if IsInteractive() {
		t.Error("machine mode should never be interactive")
	}
}

func TestShouldShowProgress(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	SetPersonalityLevel(PersonalityMachine)
	if ShouldShowProgress() {
		t.Error("machine mode should not show progress")
	}
	SetPersonalityLevel(PersonalityMinimal)
	if !ShouldShowProgress() {
		t.Error("minimal mode should show progress")
	}
}

func TestPersonality_ConcurrentAccess(t *testing.T) {
	prev := GetPersonality().Level
	defer SetPersonalityLevel(prev)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetPersonalityLevel(PersonalityMinimal)
		}()
		go func() {
			defer wg.Done()
			_ = GetPersonality()
		}()
	}
	wg.Wait()
}

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
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewSpinner_Defaults(t *testing.T) {
	s := NewSpinner("resolving")
	if s == nil {
		t.Fatal("expected a spinner")
	}
	if s.message != "resolving" {
		t.Errorf("expected message to be set, got %q", s.message)
	}
	if s.spinType != SpinnerDots {
		t.Errorf("expected dots default, got %v", s.spinType)
	}
}

func TestSpinner_WithType_Chaining(t *testing.T) {
	s := NewSpinner("x").WithType(SpinnerCompass)
	if s.spinType != SpinnerCompass {
		t.Errorf("expected compass, got %v", s.spinType)
	}
}

func TestSpinner_MachineMode_PrintsOnce(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		s := NewSpinner("fetching releases")
		out := captureStdout(func() {
			s.Start()
			s.Stop()
		})
		if out != "PROGRESS: fetching releases\n" {
			t.Errorf("expected single progress line, got %q", out)
		}
	})
}

func TestSpinner_StartStop_FullMode(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		s := NewSpinner("computing plan")
		_ = captureStdout(func() {
			s.Start()
			time.Sleep(150 * time.Millisecond)
			s.Stop()
		})
		// Reaching here without deadlock is the assertion; Stop waits
		// for the animation goroutine to exit.
	})
}

func TestSpinner_Stop_NotRunning(t *testing.T) {
	s := NewSpinner("idle")
	s.Stop()
}

func TestSpinner_Start_AlreadyRunning(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		s := NewSpinner("once")
		out := captureStdout(func() {
			s.Start()
			s.Start()
		})
		if strings.Count(out, "PROGRESS") != 1 {
			t.Errorf("second Start should be a no-op, got %q", out)
		}
	})
}

func TestWithSpinner_Success(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		called := false
		out := captureStdout(func() {
			err := WithSpinner("checking", func() error {
				called = true
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
		if !called {
			t.Error("expected the wrapped function to run")
		}
		if !strings.Contains(out, "OK: checking") {
			t.Errorf("expected success output, got %q", out)
		}
	})
}

func TestWithSpinner_Error(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		want := errors.New("unreachable")
		_ = captureStderr(func() {
			_ = captureStdout(func() {
				err := WithSpinner("checking", func() error { return want })
				if !errors.Is(err, want) {
					t.Errorf("expected the function's error back, got %v", err)
				}
			})
		})
	})
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmgr

import (
	"errors"
	"testing"
)

func TestCredentialStore_SetAndUse(t *testing.T) {
	s := NewCredentialStore()

	s.Set("hf", []byte("hf_token123"))

	if !s.Has("hf") {
		t.Fatal("expected token for hf")
	}

	var seen string
	err := s.WithToken("hf", func(token string) error {
		seen = token
		return nil
	})
	if err != nil {
		t.Fatalf("WithToken: %v", err)
	}
	if seen != "hf_token123" {
		t.Errorf("token = %q", seen)
	}
}

func TestCredentialStore_SetWipesInput(t *testing.T) {
	s := NewCredentialStore()

	raw := []byte("hf_token123")
	s.Set("hf", raw)

	wiped := true
	for _, b := range raw {
		if b != 0 {
			wiped = false
			break
		}
	}
	if !wiped {
		t.Error("expected the input slice to be wiped after sealing")
	}
}

func TestCredentialStore_Missing(t *testing.T) {
	s := NewCredentialStore()

	if s.Has("nope") {
		t.Error("Has should report false for unknown source")
	}

	err := s.WithToken("nope", func(token string) error { return nil })
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestCredentialStore_Delete(t *testing.T) {
	s := NewCredentialStore()

	s.Set("hf", []byte("hf_token123"))
	s.Delete("hf")

	if s.Has("hf") {
		t.Error("expected token removed")
	}
}

func TestCredentialStore_EmptyTokenIgnored(t *testing.T) {
	s := NewCredentialStore()

	s.Set("hf", nil)
	if s.Has("hf") {
		t.Error("empty token must not be stored")
	}
}

func TestCredentialStore_Overwrite(t *testing.T) {
	s := NewCredentialStore()

	s.Set("hf", []byte("old"))
	s.Set("hf", []byte("new"))

	var seen string
	if err := s.WithToken("hf", func(token string) error {
		seen = token
		return nil
	}); err != nil {
		t.Fatalf("WithToken: %v", err)
	}
	if seen != "new" {
		t.Errorf("token = %q, want the overwritten value", seen)
	}
}

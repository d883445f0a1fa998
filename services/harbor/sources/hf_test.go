// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func TestParseHFLocator(t *testing.T) {
	tests := []struct {
		name     string
		locator  string
		repoID   string
		revision string
		pattern  string
		wantErr  bool
	}{
		{name: "plain repo", locator: "TheBloke/Llama-2-7B-GGUF", repoID: "TheBloke/Llama-2-7B-GGUF", revision: "main"},
		{name: "pinned revision", locator: "org/repo@v2", repoID: "org/repo", revision: "v2"},
		{name: "file pattern", locator: "org/repo#*.gguf", repoID: "org/repo", revision: "main", pattern: "*.gguf"},
		{name: "revision and pattern", locator: "org/repo@step-1000#*.bin", repoID: "org/repo", revision: "step-1000", pattern: "*.bin"},
		{name: "missing org", locator: "just-a-repo", wantErr: true},
		{name: "too many segments", locator: "a/b/c", wantErr: true},
		{name: "empty", locator: "", wantErr: true},
		{name: "empty revision", locator: "org/repo@", wantErr: true},
		{name: "traversal in repo", locator: "../etc/passwd", wantErr: true},
		{name: "traversal in revision", locator: "org/repo@..", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			repoID, revision, pattern, err := parseHFLocator(test.locator)
			if test.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %q", test.locator)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHFLocator(%q) failed: %v", test.locator, err)
			}
			if repoID != test.repoID || revision != test.revision || pattern != test.pattern {
				t.Errorf("got (%q, %q, %q), want (%q, %q, %q)",
					repoID, revision, pattern, test.repoID, test.revision, test.pattern)
			}
		})
	}
}

const hfTreePage = `[
	{"type": "file", "path": ".gitattributes", "size": 1519, "oid": "aaa"},
	{"type": "directory", "path": "original", "size": 0},
	{"type": "file", "path": "config.json", "size": 654, "oid": "bbb"},
	{"type": "file", "path": "llama-2-7b.Q4_K_M.gguf", "size": 134,
	 "lfs": {"oid": "8daa9615cce30c259a9555b1cc250d461d1bc69980a274b44d7eda0be78076d8", "size": 4081004224, "pointerSize": 134}}
]`

func TestHuggingFace_Resolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models/TheBloke/Llama-2-7B-GGUF/tree/main" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, hfTreePage)
	}))
	defer server.Close()

	mgr := newTestManager(t)
	hub, err := NewHuggingFace(mgr, HuggingFaceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHuggingFace failed: %v", err)
	}

	artifact, err := hub.Resolve(context.Background(), "TheBloke/Llama-2-7B-GGUF")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if artifact.Name != "TheBloke/Llama-2-7B-GGUF" || artifact.Revision != "main" {
		t.Errorf("artifact identity = %q@%q", artifact.Name, artifact.Revision)
	}
	if len(artifact.Files) != 2 {
		t.Fatalf("expected 2 files (dotfile and directory skipped), got %d", len(artifact.Files))
	}

	config := artifact.Files[0]
	if config.Name != "config.json" || config.Size != 654 || config.SHA256 != "" {
		t.Errorf("config entry = %+v", config)
	}

	weights := artifact.Files[1]
	if weights.Size != 4081004224 {
		t.Errorf("LFS entry should use the blob size, got %d", weights.Size)
	}
	if weights.SHA256 != "8daa9615cce30c259a9555b1cc250d461d1bc69980a274b44d7eda0be78076d8" {
		t.Errorf("LFS hash = %q", weights.SHA256)
	}
	wantPath := "/TheBloke/Llama-2-7B-GGUF/resolve/main/llama-2-7b.Q4_K_M.gguf"
	if weights.Path != wantPath {
		t.Errorf("download path = %q, want %q", weights.Path, wantPath)
	}

	if got := artifact.TotalSize(); got != 4081004224+654 {
		t.Errorf("TotalSize() = %d", got)
	}
}

func TestHuggingFace_ResolveWithPattern(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, hfTreePage)
	}))
	defer server.Close()

	mgr := newTestManager(t)
	hub, err := NewHuggingFace(mgr, HuggingFaceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHuggingFace failed: %v", err)
	}

	artifact, err := hub.Resolve(context.Background(), "TheBloke/Llama-2-7B-GGUF#*.gguf")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(artifact.Files) != 1 || artifact.Files[0].Name != "llama-2-7b.Q4_K_M.gguf" {
		t.Errorf("pattern should select only the gguf, got %+v", artifact.Files)
	}

	_, err = hub.Resolve(context.Background(), "TheBloke/Llama-2-7B-GGUF#*.onnx")
	if !types.IsValidation(err) {
		t.Errorf("no-match should be a validation error, got %v", err)
	}
}

func TestHuggingFace_ResolvePaginates(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Header().Set("Link",
				fmt.Sprintf(`<%s%s?cursor=page2>; rel="next"`, server.URL, r.URL.Path))
			fmt.Fprint(w, `[{"type": "file", "path": "model-00001-of-00002.safetensors", "size": 10}]`)
			return
		}
		fmt.Fprint(w, `[{"type": "file", "path": "model-00002-of-00002.safetensors", "size": 20}]`)
	}))
	defer server.Close()

	mgr := newTestManager(t)
	hub, err := NewHuggingFace(mgr, HuggingFaceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHuggingFace failed: %v", err)
	}

	artifact, err := hub.Resolve(context.Background(), "org/sharded")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(artifact.Files) != 2 {
		t.Fatalf("expected both pages collected, got %d files", len(artifact.Files))
	}
	if artifact.Files[1].Name != "model-00002-of-00002.safetensors" {
		t.Errorf("second page entry = %+v", artifact.Files[1])
	}
}

func TestHuggingFace_ResolveBadLocator(t *testing.T) {
	mgr := newTestManager(t)
	hub, err := NewHuggingFace(mgr, HuggingFaceConfig{BaseURL: "https://huggingface.co"})
	if err != nil {
		t.Fatalf("NewHuggingFace failed: %v", err)
	}

	_, err = hub.Resolve(context.Background(), "not-a-repo")
	if !types.IsValidation(err) {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestHuggingFace_MalformedTree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "not an array"}`)
	}))
	defer server.Close()

	mgr := newTestManager(t)
	hub, err := NewHuggingFace(mgr, HuggingFaceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHuggingFace failed: %v", err)
	}

	_, err = hub.Resolve(context.Background(), "org/broken")
	if !types.IsCorruption(err) {
		t.Errorf("expected a corruption error for malformed JSON, got %v", err)
	}
}

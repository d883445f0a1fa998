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
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

const (
	// HuggingFaceID is the source ID the hub registers under.
	HuggingFaceID = "huggingface"

	hfBaseURL         = "https://huggingface.co"
	hfDefaultRevision = "main"
)

// HuggingFace resolves model repos on a Hugging Face style hub.
//
// Locators take the form "org/repo", optionally pinned with
// "@revision" and filtered with "#glob": "TheBloke/Llama-2-7B-GGUF@main#*.gguf".
type HuggingFace struct {
	mgr      *netmgr.Manager
	sourceID string
}

// HuggingFaceConfig overrides the hub defaults, mainly for private
// mirrors and tests.
type HuggingFaceConfig struct {
	// BaseURL replaces the public hub URL.
	BaseURL string

	// SourceID replaces HuggingFaceID when registering.
	SourceID string
}

// NewHuggingFace registers the hub with the network manager and
// returns its resolver.
func NewHuggingFace(mgr *netmgr.Manager, config HuggingFaceConfig) (*HuggingFace, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = hfBaseURL
	}
	sourceID := config.SourceID
	if sourceID == "" {
		sourceID = HuggingFaceID
	}

	err := mgr.RegisterSource(netmgr.Source{
		ID:            sourceID,
		BaseURL:       baseURL,
		CacheStrategy: netmgr.CacheFallback,
	})
	if err != nil {
		return nil, err
	}
	return &HuggingFace{mgr: mgr, sourceID: sourceID}, nil
}

func (h *HuggingFace) SourceID() string {
	return h.sourceID
}

// hfTreeEntry is one entry of the hub's repo tree API. LFS blobs carry
// their real size and content hash under the lfs object.
type hfTreeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// Resolve lists the repo tree and returns one RemoteFile per regular
// file, skipping dotfiles. Download paths use the hub's resolve
// endpoint so LFS pointers dereference server-side.
func (h *HuggingFace) Resolve(ctx context.Context, locator string) (*Artifact, error) {
	repoID, revision, pattern, err := parseHFLocator(locator)
	if err != nil {
		return nil, types.Validation("resolve", h.sourceID, err)
	}

	entries, err := h.listTree(ctx, repoID, revision)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{Name: repoID, Revision: revision}
	for _, entry := range entries {
		if entry.Type != "file" || hiddenPath(entry.Path) {
			continue
		}
		if pattern != "" {
			matched, matchErr := path.Match(pattern, path.Base(entry.Path))
			if matchErr != nil {
				return nil, types.Validation("resolve", h.sourceID,
					fmt.Errorf("bad file pattern %q: %w", pattern, matchErr))
			}
			if !matched {
				continue
			}
		}

		file := RemoteFile{
			Path: fmt.Sprintf("/%s/resolve/%s/%s", repoID, revision, entry.Path),
			Name: entry.Path,
			Size: entry.Size,
		}
		if entry.LFS != nil {
			file.Size = entry.LFS.Size
			file.SHA256 = entry.LFS.OID
		}
		artifact.Files = append(artifact.Files, file)
	}

	if len(artifact.Files) == 0 {
		return nil, types.Validation("resolve", h.sourceID,
			fmt.Errorf("no files matched in %s", locator))
	}
	return artifact, nil
}

// listTree walks the paginated tree endpoint until the Link chain ends.
func (h *HuggingFace) listTree(ctx context.Context, repoID, revision string) ([]hfTreeEntry, error) {
	spec := netmgr.RequestSpec{
		Path:    fmt.Sprintf("/api/models/%s/tree/%s", repoID, revision),
		Timeout: netmgr.MetadataTimeout,
	}

	var entries []hfTreeEntry
	for {
		resp, err := h.mgr.Request(ctx, h.sourceID, spec)
		if err != nil {
			return nil, err
		}

		var page []hfTreeEntry
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, types.Corruption("resolve", h.sourceID,
				fmt.Errorf("malformed tree listing for %s: %w", repoID, decodeErr))
		}
		entries = append(entries, page...)

		next := nextPageURL(resp.Header.Get("Link"))
		if next == "" {
			return entries, nil
		}
		nextPath, nextQuery, ok := splitPageURL(next)
		if !ok {
			return entries, nil
		}
		spec = netmgr.RequestSpec{Path: nextPath, Query: nextQuery, Timeout: netmgr.MetadataTimeout}
	}
}

// parseHFLocator splits "org/repo[@revision][#pattern]".
func parseHFLocator(locator string) (repoID, revision, pattern string, err error) {
	rest := locator
	if idx := strings.Index(rest, "#"); idx >= 0 {
		pattern = rest[idx+1:]
		rest = rest[:idx]
	}
	revision = hfDefaultRevision
	if idx := strings.Index(rest, "@"); idx >= 0 {
		revision = rest[idx+1:]
		rest = rest[:idx]
	}
	repoID = strings.Trim(rest, "/")

	if repoID == "" || revision == "" {
		return "", "", "", fmt.Errorf("empty repo or revision in locator %q", locator)
	}
	if strings.Count(repoID, "/") != 1 {
		return "", "", "", fmt.Errorf("locator %q is not of the form org/repo", locator)
	}
	if strings.Contains(repoID, "..") || strings.Contains(revision, "..") {
		return "", "", "", fmt.Errorf("locator %q contains a path traversal", locator)
	}
	return repoID, revision, pattern, nil
}

// hiddenPath reports whether any path segment is dot-prefixed, e.g.
// .gitattributes or .cache/x.
func hiddenPath(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

var _ Resolver = (*HuggingFace)(nil)

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
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

const (
	ghBaseURL = "https://api.github.com"

	// ghAPIVersion pins the REST API version header so responses keep
	// their shape as the API evolves.
	ghAPIVersion = "2022-11-28"

	ghPerPage = 50
)

// GitHubReleases serves release metadata and assets for one repository
// through the versioned REST API. Asset downloads go through the API
// asset endpoint with an octet-stream Accept header, which keeps every
// request on the one registered destination.
type GitHubReleases struct {
	mgr      *netmgr.Manager
	sourceID string
	owner    string
	repo     string
}

// GitHubConfig overrides the API defaults for enterprise hosts and
// tests.
type GitHubConfig struct {
	// BaseURL replaces the public API URL.
	BaseURL string

	// SourceID replaces the derived "github:owner/repo" ID.
	SourceID string
}

// NewGitHubReleases registers the repository's API host with the
// network manager and returns the release source.
func NewGitHubReleases(mgr *netmgr.Manager, owner, repo string, config GitHubConfig) (*GitHubReleases, error) {
	if owner == "" || repo == "" {
		return nil, types.Validation("register", "github",
			fmt.Errorf("owner and repo are required"))
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = ghBaseURL
	}
	sourceID := config.SourceID
	if sourceID == "" {
		sourceID = fmt.Sprintf("github:%s/%s", owner, repo)
	}

	err := mgr.RegisterSource(netmgr.Source{
		ID:            sourceID,
		BaseURL:       baseURL,
		CacheStrategy: netmgr.CacheFallback,
	})
	if err != nil {
		return nil, err
	}
	return &GitHubReleases{mgr: mgr, sourceID: sourceID, owner: owner, repo: repo}, nil
}

func (g *GitHubReleases) SourceID() string {
	return g.sourceID
}

type ghAsset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

// ListReleases fetches every non-draft release, following the Link
// pagination chain. The etag, when set, rides as If-None-Match on the
// first page; an upstream 304 reports notModified with the releases
// left nil so the caller keeps its cache. The returned etag covers the
// first page and feeds the next revalidation.
func (g *GitHubReleases) ListReleases(ctx context.Context, etag string) (releases []types.Release, newETag string, notModified bool, err error) {
	spec := g.apiSpec(fmt.Sprintf("/repos/%s/%s/releases", g.owner, g.repo))
	spec.Query.Set("per_page", strconv.Itoa(ghPerPage))
	if etag != "" {
		spec.Header.Set("If-None-Match", etag)
	}

	firstPage := true
	for {
		resp, reqErr := g.mgr.Request(ctx, g.sourceID, spec)
		if reqErr != nil {
			return nil, "", false, reqErr
		}

		if firstPage {
			if resp.StatusCode == http.StatusNotModified {
				resp.Body.Close()
				return nil, etag, true, nil
			}
			newETag = resp.Header.Get("ETag")
		}

		var page []ghRelease
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, "", false, types.Corruption("list releases", g.sourceID,
				fmt.Errorf("malformed release page: %w", decodeErr))
		}
		for _, wire := range page {
			if wire.Draft {
				continue
			}
			releases = append(releases, g.toRelease(wire))
		}

		next := nextPageURL(resp.Header.Get("Link"))
		if next == "" {
			return releases, newETag, false, nil
		}
		nextPath, nextQuery, ok := splitPageURL(next)
		if !ok {
			return releases, newETag, false, nil
		}
		spec = g.apiSpec(nextPath)
		spec.Query = nextQuery
		firstPage = false
	}
}

// Resolve turns "tag", "latest", or "tag/glob" into the matching
// release's assets. The glob matches asset names, e.g.
// "v0.5.1/*.gguf".
func (g *GitHubReleases) Resolve(ctx context.Context, locator string) (*Artifact, error) {
	version, pattern := locator, ""
	if idx := strings.Index(locator, "/"); idx >= 0 {
		version, pattern = locator[:idx], locator[idx+1:]
	}
	if version == "" {
		return nil, types.Validation("resolve", g.sourceID,
			fmt.Errorf("empty release tag in locator %q", locator))
	}

	release, err := g.fetchRelease(ctx, version)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Name:     fmt.Sprintf("%s/%s", g.owner, g.repo),
		Revision: release.TagName,
	}
	for _, asset := range release.Assets {
		if pattern != "" {
			matched, matchErr := path.Match(pattern, asset.Name)
			if matchErr != nil {
				return nil, types.Validation("resolve", g.sourceID,
					fmt.Errorf("bad asset pattern %q: %w", pattern, matchErr))
			}
			if !matched {
				continue
			}
		}
		artifact.Files = append(artifact.Files, g.assetFile(asset))
	}

	if len(artifact.Files) == 0 {
		return nil, types.Validation("resolve", g.sourceID,
			fmt.Errorf("no assets matched %q in release %s", pattern, release.TagName))
	}
	return artifact, nil
}

// SelectAsset picks one asset from a cached release by name glob,
// shaped for callers that already hold catalog results.
func (g *GitHubReleases) SelectAsset(release types.Release, pattern string) (RemoteFile, error) {
	for _, asset := range release.Assets {
		matched, err := path.Match(pattern, asset.Name)
		if err != nil {
			return RemoteFile{}, types.Validation("select asset", g.sourceID,
				fmt.Errorf("bad asset pattern %q: %w", pattern, err))
		}
		if matched {
			header := make(http.Header)
			header.Set("Accept", "application/octet-stream")
			return RemoteFile{
				Path:   asset.URL,
				Name:   asset.Name,
				Size:   asset.Size,
				SHA256: strings.TrimPrefix(asset.Digest, "sha256:"),
				Header: header,
			}, nil
		}
	}
	return RemoteFile{}, types.Validation("select asset", g.sourceID,
		fmt.Errorf("no asset matched %q in release %s", pattern, release.Version))
}

func (g *GitHubReleases) fetchRelease(ctx context.Context, version string) (*ghRelease, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/releases/tags/%s", g.owner, g.repo, version)
	if version == "latest" {
		endpoint = fmt.Sprintf("/repos/%s/%s/releases/latest", g.owner, g.repo)
	}

	resp, err := g.mgr.Request(ctx, g.sourceID, g.apiSpec(endpoint))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var release ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, types.Corruption("resolve", g.sourceID,
			fmt.Errorf("malformed release %s: %w", version, err))
	}
	return &release, nil
}

func (g *GitHubReleases) toRelease(wire ghRelease) types.Release {
	release := types.Release{
		Version:     wire.TagName,
		Name:        wire.Name,
		PublishedAt: wire.PublishedAt,
		Prerelease:  wire.Prerelease,
	}
	for _, asset := range wire.Assets {
		release.Assets = append(release.Assets, types.ReleaseAsset{
			Name:        asset.Name,
			URL:         g.assetPath(asset.ID),
			Size:        asset.Size,
			ContentType: asset.ContentType,
			Digest:      asset.Digest,
		})
	}
	return release
}

func (g *GitHubReleases) assetFile(asset ghAsset) RemoteFile {
	header := make(http.Header)
	header.Set("Accept", "application/octet-stream")
	return RemoteFile{
		Path:   g.assetPath(asset.ID),
		Name:   asset.Name,
		Size:   asset.Size,
		SHA256: strings.TrimPrefix(asset.Digest, "sha256:"),
		Header: header,
	}
}

func (g *GitHubReleases) assetPath(id int64) string {
	return fmt.Sprintf("/repos/%s/%s/releases/assets/%d", g.owner, g.repo, id)
}

// apiSpec builds a metadata request with the standard REST headers.
func (g *GitHubReleases) apiSpec(endpoint string) netmgr.RequestSpec {
	header := make(http.Header)
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", ghAPIVersion)
	return netmgr.RequestSpec{
		Path:    endpoint,
		Query:   url.Values{},
		Header:  header,
		Timeout: netmgr.MetadataTimeout,
	}
}

var _ Resolver = (*GitHubReleases)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources implements the remote artifact sources the harbor can
// pull from: Hugging Face style model repos, GitHub style release pages,
// and GCS mirror buckets. Each source registers itself with the network
// manager and exposes a Resolver that turns an artifact locator into a
// concrete transfer plan.
package sources

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// RemoteFile is one transferable file of an artifact.
type RemoteFile struct {
	// Path is the request path under the source's base URL.
	Path string

	// Name is the file's relative path under the local destination.
	Name string

	// Size is the file size in bytes, 0 when the source does not
	// report one.
	Size int64

	// SHA256 is the hex content hash when the source publishes one.
	SHA256 string

	// Header carries extra request headers the transfer must send,
	// e.g. the octet-stream Accept for GitHub asset endpoints.
	Header http.Header
}

// Artifact is a resolved transfer plan: the set of remote files that
// make up one model artifact.
type Artifact struct {
	// Name is the source-native artifact name, e.g. "meta-llama/Llama-3-8B".
	Name string

	// Revision pins the artifact version when the source supports it.
	Revision string

	Files []RemoteFile
}

// TotalSize sums the known file sizes. Files with unknown size
// contribute nothing, so the result is a lower bound.
func (a *Artifact) TotalSize() int64 {
	var total int64
	for _, f := range a.Files {
		if f.Size > 0 {
			total += f.Size
		}
	}
	return total
}

// Resolver turns an artifact locator into a concrete transfer plan.
// The download manager looks resolvers up by source ID.
type Resolver interface {
	SourceID() string
	Resolve(ctx context.Context, locator string) (*Artifact, error)
}

// nextPageURL extracts the rel="next" target from an RFC 5988 Link
// header. Returns empty when there is no next page.
//
// Format: <https://host/...?page=2>; rel="next", <...>; rel="last"
func nextPageURL(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		segments := strings.SplitN(part, ";", 2)
		if len(segments) != 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
			return target[1 : len(target)-1]
		}
	}
	return ""
}

// splitPageURL reduces an absolute pagination URL to the path and query
// the network manager expects.
func splitPageURL(raw string) (string, url.Values, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", nil, false
	}
	return u.Path, u.Query(), true
}

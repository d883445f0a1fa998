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
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// GCSMirror serves artifacts from a GCS bucket mirror. Requests are
// translated to range reads on bucket objects behind the network
// manager's HTTPClient seam, so mirror traffic gets the same breaker,
// retry, and metrics treatment as web sources.
type GCSMirror struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	bucketName string
	sourceID   string
}

// GCSConfig configures bucket access.
type GCSConfig struct {
	// CredentialsFile is a service account key path. Leave empty with
	// Anonymous for public mirror buckets.
	CredentialsFile string

	// Anonymous skips authentication entirely.
	Anonymous bool

	// SourceID replaces the derived "gcs:bucket" ID.
	SourceID string
}

// NewGCSMirror opens the bucket and registers it as a source with base
// URL "gs://<bucket>".
func NewGCSMirror(ctx context.Context, mgr *netmgr.Manager, bucketName string, config GCSConfig) (*GCSMirror, error) {
	if bucketName == "" {
		return nil, types.Validation("register", "gcs", fmt.Errorf("bucket name is required"))
	}

	var opts []option.ClientOption
	if config.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	} else if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	sourceID := config.SourceID
	if sourceID == "" {
		sourceID = "gcs:" + bucketName
	}

	mirror := &GCSMirror{
		client:     client,
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		sourceID:   sourceID,
	}
	err = mgr.RegisterSource(netmgr.Source{
		ID:            sourceID,
		BaseURL:       "gs://" + bucketName,
		CacheStrategy: netmgr.CacheNone,
		Client:        &rangeClient{bucket: mirror.bucket},
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return mirror, nil
}

func (m *GCSMirror) SourceID() string {
	return m.sourceID
}

// Close releases the underlying storage client.
func (m *GCSMirror) Close() error {
	return m.client.Close()
}

// Resolve lists every object under the locator prefix. Shard hashes
// come from the object's "sha256" metadata entry when the mirror
// publisher set one.
func (m *GCSMirror) Resolve(ctx context.Context, locator string) (*Artifact, error) {
	prefix := strings.Trim(locator, "/")
	if prefix == "" {
		return nil, types.Validation("resolve", m.sourceID,
			fmt.Errorf("empty object prefix"))
	}

	artifact := &Artifact{Name: path.Base(prefix)}
	it := m.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, types.Transient("resolve", m.bucketName, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		name := strings.TrimPrefix(strings.TrimPrefix(attrs.Name, prefix), "/")
		if name == "" {
			name = path.Base(attrs.Name)
		}
		file := RemoteFile{
			Path: "/" + attrs.Name,
			Name: name,
			Size: attrs.Size,
		}
		if sum, ok := attrs.Metadata["sha256"]; ok {
			file.SHA256 = sum
		}
		artifact.Files = append(artifact.Files, file)
	}

	if len(artifact.Files) == 0 {
		return nil, types.Validation("resolve", m.sourceID,
			fmt.Errorf("no objects under prefix %s", prefix))
	}
	return artifact, nil
}

// rangeClient adapts bucket range reads to the HTTPClient shape the
// network manager drives. Only GET is meaningful for a mirror.
type rangeClient struct {
	bucket *storage.BucketHandle
}

func (rc *rangeClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != "" {
		return synthesize(req, http.StatusMethodNotAllowed, "mirror buckets are read-only"), nil
	}

	name := strings.TrimPrefix(req.URL.Path, "/")
	offset, length := parseByteRange(req.Header.Get("Range"))

	reader, err := rc.bucket.Object(name).NewRangeReader(req.Context(), offset, length)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return synthesize(req, http.StatusNotFound, "object not found: "+name), nil
	}
	if err != nil {
		return nil, err
	}

	status := http.StatusOK
	header := make(http.Header)
	header.Set("Accept-Ranges", "bytes")
	if reader.Attrs.ContentType != "" {
		header.Set("Content-Type", reader.Attrs.ContentType)
	}

	// Remain is -1 under decompressive transcoding; the body length is
	// unknown then and Content-Range would lie.
	contentLength := reader.Remain()
	if offset > 0 || length >= 0 {
		status = http.StatusPartialContent
		if contentLength >= 0 {
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
				reader.Attrs.StartOffset,
				reader.Attrs.StartOffset+contentLength-1,
				reader.Attrs.Size))
		}
	}

	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          reader,
		ContentLength: contentLength,
		Request:       req,
	}, nil
}

// synthesize builds an error response so status handling stays uniform
// with web sources.
func synthesize(req *http.Request, status int, message string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(message)),
		ContentLength: int64(len(message)),
		Request:       req,
	}
}

// parseByteRange reads a single "bytes=start-end" range header into a
// range-reader offset and length. Open-ended and absent ranges map to
// (offset, -1). Multi-range requests fall back to the whole object.
func parseByteRange(header string) (offset, length int64) {
	length = -1
	if !strings.HasPrefix(header, "bytes=") {
		return 0, -1
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, -1
	}

	start, end, _ := strings.Cut(spec, "-")
	begin, err := strconv.ParseInt(start, 10, 64)
	if err != nil || begin < 0 {
		return 0, -1
	}
	offset = begin
	if end != "" {
		last, err := strconv.ParseInt(end, 10, 64)
		if err == nil && last >= offset {
			length = last - offset + 1
		}
	}
	return offset, length
}

var _ Resolver = (*GCSMirror)(nil)
var _ netmgr.HTTPClient = (*rangeClient)(nil)

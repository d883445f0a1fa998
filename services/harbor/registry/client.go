// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Client proxies library operations to the primary over its unix
// socket. Each call dials a fresh connection; requests are short-lived
// and a dedicated connection keeps a failed call from desyncing the
// framing for the next one.
//
// # Thread Safety
//
// Safe for concurrent use. There is no shared connection state.
type Client struct {
	socketPath string
	logger     *slog.Logger
}

// newClient verifies the primary answers on socketPath and returns a
// proxy for it. A dead socket fails here, at role decision time, not
// on the first operation.
func newClient(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	conn.Close()
	return &Client{socketPath: socketPath, logger: logger}, nil
}

func (c *Client) Role() Role { return RoleClient }

// Close releases nothing: clients hold no lock and no socket between
// calls.
func (c *Client) Close() error { return nil }

// Search proxies the query to the primary.
func (c *Client) Search(ctx context.Context, q index.Query) ([]types.ModelRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.Search",
		trace.WithAttributes(attribute.String("role", string(RoleClient))))
	defer span.End()

	var resp searchResponse
	if err := c.call(ctx, opSearch, searchRequest{Query: toWireQuery(q)}, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Get proxies a record load to the primary.
func (c *Client) Get(ctx context.Context, modelID string) (*types.ModelRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.Get",
		trace.WithAttributes(attribute.String("model_id", modelID)))
	defer span.End()

	var resp getResponse
	if err := c.call(ctx, opGet, getRequest{ModelID: modelID}, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Import asks the primary to import path. The path is resolved to an
// absolute one first; relative paths would resolve against the
// primary's working directory, not ours.
func (c *Client) Import(ctx context.Context, path string, args ImportArgs) ([]*importer.Result, error) {
	ctx, span := tracer.Start(ctx, "registry.Import",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, types.Validation("import", path, err)
	}

	var resp importResponse
	if err := c.call(ctx, opImport, importRequest{Path: abs, Args: args}, &resp); err != nil {
		return nil, err
	}
	results := make([]*importer.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, &importer.Result{
			Record:        r.Record,
			Duplicate:     r.Duplicate,
			CanonicalPath: r.CanonicalPath,
		})
	}
	return results, nil
}

// MergePreview proxies plan computation to the primary.
func (c *Client) MergePreview(ctx context.Context, otherDBPath string) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "registry.MergePreview",
		trace.WithAttributes(attribute.String("other", otherDBPath)))
	defer span.End()

	abs, err := filepath.Abs(otherDBPath)
	if err != nil {
		return nil, types.Validation("merge", otherDBPath, err)
	}

	var resp mergePreviewResponse
	if err := c.call(ctx, opMergePreview, mergePreviewRequest{OtherDBPath: abs}, &resp); err != nil {
		return nil, err
	}
	return resp.Plan, nil
}

// call performs one request/response exchange with the primary.
func (c *Client) call(ctx context.Context, op byte, req, resp any) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return types.Transient(opName(op), c.socketPath, fmt.Errorf("primary unreachable: %w", err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	f, err := marshalFrame(op, req)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, f); err != nil {
		return types.Transient(opName(op), c.socketPath, err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return types.Transient(opName(op), c.socketPath, err)
	}

	switch reply.Op {
	case op:
		if err := json.Unmarshal(reply.Payload, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", opName(op), err)
		}
		return nil
	case opError:
		var p errorPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return p.decode()
	default:
		return fmt.Errorf("unexpected response op 0x%02x for %s", reply.Op, opName(op))
	}
}

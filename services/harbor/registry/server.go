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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

var tracer = otel.Tracer("harbor.registry")

// queryTimeout bounds read-only IPC requests server-side. Imports and
// merge previews run unbounded; hashing a large artifact can
// legitimately take minutes.
const queryTimeout = 30 * time.Second

// Primary owns the library for this machine: it answers calls against
// the index directly and serves the same operations to client
// processes over a unix socket.
//
// # Thread Safety
//
// Safe for concurrent use. Each connection is served by its own
// goroutine; the index and importer below are concurrency-safe.
type Primary struct {
	cfg    Config
	disc   *discovery
	ln     net.Listener
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newPrimary(cfg Config, disc *discovery) (*Primary, error) {
	// We hold the claim, so any socket file left at this path is
	// residue from a dead primary.
	if err := os.Remove(disc.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", disc.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", disc.socketPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Primary{
		cfg:     cfg,
		disc:    disc,
		ln:      ln,
		logger:  cfg.Logger,
		baseCtx: ctx,
		cancel:  cancel,
	}

	p.wg.Add(2)
	go p.serve()
	go p.heartbeatLoop()
	return p, nil
}

func (p *Primary) Role() Role { return RolePrimary }

// Search runs the query against the local index.
func (p *Primary) Search(ctx context.Context, q index.Query) ([]types.ModelRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.Search",
		trace.WithAttributes(attribute.String("role", string(RolePrimary))))
	defer span.End()
	return p.cfg.Index.Search(ctx, q)
}

// Get loads one record by model ID.
func (p *Primary) Get(ctx context.Context, modelID string) (*types.ModelRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.Get",
		trace.WithAttributes(attribute.String("model_id", modelID)))
	defer span.End()
	return p.cfg.Index.Get(ctx, modelID)
}

// Import runs the pipeline on path. Directories go through the
// grouping directory import; files import individually.
func (p *Primary) Import(ctx context.Context, path string, args ImportArgs) ([]*importer.Result, error) {
	ctx, span := tracer.Start(ctx, "registry.Import",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	info, err := os.Stat(path)
	if err != nil {
		return nil, types.Validation("import", path, err)
	}
	opts := importer.Options{
		Name:   args.Name,
		Source: args.Source,
		JobID:  args.JobID,
		Tags:   args.Tags,
		Move:   args.Move,
	}
	if info.IsDir() {
		return p.cfg.Importer.ImportDirectory(ctx, path, opts)
	}
	res, err := p.cfg.Importer.ImportFile(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return []*importer.Result{res}, nil
}

// MergePreview computes a merge plan against another library database
// without changing either side.
func (p *Primary) MergePreview(ctx context.Context, otherDBPath string) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "registry.MergePreview",
		trace.WithAttributes(attribute.String("other", otherDBPath)))
	defer span.End()
	return previewMerge(ctx, p.cfg.Index, otherDBPath, p.logger)
}

// MergeApply commits a previewed plan. It is not part of Library and
// never crosses the socket: applying a merge requires the process that
// owns the index, and an explicit confirm.
func (p *Primary) MergeApply(ctx context.Context, plan *Plan, confirm bool) error {
	ctx, span := tracer.Start(ctx, "registry.MergeApply")
	defer span.End()
	return applyMerge(ctx, p.cfg.Index, plan, confirm)
}

// Close stops the listener, waits for in-flight requests, and releases
// the discovery entry so another process can claim primary.
func (p *Primary) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.ln.Close()
		p.wg.Wait()
		p.closeErr = p.disc.Release()
		p.logger.Info("registry primary closed")
	})
	return p.closeErr
}

// === Socket serving ===

func (p *Primary) serve() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.baseCtx.Done():
				return
			default:
			}
			p.logger.Warn("registry accept failed", "error", err)
			return
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// handleConn serves one client connection: frames in, frames out,
// until the peer hangs up.
func (p *Primary) handleConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("registry connection closed", "error", err)
			}
			return
		}
		resp := p.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			p.logger.Debug("registry write failed", "error", err)
			return
		}
	}
}

// dispatch maps one request frame to a response frame. Failures of any
// kind become an error frame; only undecodable payloads and unknown
// ops are protocol-level errors.
func (p *Primary) dispatch(req frame) frame {
	op := opName(req.Op)
	var (
		resp any
		err  error
	)

	switch req.Op {
	case opSearch:
		var r searchRequest
		if err = json.Unmarshal(req.Payload, &r); err == nil {
			ctx, cancel := context.WithTimeout(p.baseCtx, queryTimeout)
			var records []types.ModelRecord
			records, err = p.Search(ctx, r.Query.toIndex())
			cancel()
			resp = searchResponse{Records: records}
		}

	case opGet:
		var r getRequest
		if err = json.Unmarshal(req.Payload, &r); err == nil {
			ctx, cancel := context.WithTimeout(p.baseCtx, queryTimeout)
			var rec *types.ModelRecord
			rec, err = p.Get(ctx, r.ModelID)
			cancel()
			resp = getResponse{Record: rec}
		}

	case opImport:
		var r importRequest
		if err = json.Unmarshal(req.Payload, &r); err == nil {
			var results []*importer.Result
			results, err = p.Import(p.baseCtx, r.Path, r.Args)
			out := importResponse{}
			for _, res := range results {
				out.Results = append(out.Results, importResult{
					Record:        res.Record,
					Duplicate:     res.Duplicate,
					CanonicalPath: res.CanonicalPath,
				})
			}
			resp = out
		}

	case opMergePreview:
		var r mergePreviewRequest
		if err = json.Unmarshal(req.Payload, &r); err == nil {
			var plan *Plan
			plan, err = p.MergePreview(p.baseCtx, r.OtherDBPath)
			resp = mergePreviewResponse{Plan: plan}
		}

	default:
		err = fmt.Errorf("unknown op 0x%02x", req.Op)
	}

	if err != nil {
		f, merr := marshalFrame(opError, encodeError(op, err))
		if merr != nil {
			p.logger.Error("registry error frame failed", "op", op, "error", merr)
			f, _ = marshalFrame(opError, errorPayload{Op: op, Message: "internal error"})
		}
		return f
	}

	f, merr := marshalFrame(req.Op, resp)
	if merr != nil {
		p.logger.Error("registry response marshal failed", "op", op, "error", merr)
		f, _ = marshalFrame(opError, errorPayload{Op: op, Message: "internal error"})
	}
	return f
}

func opName(op byte) string {
	switch op {
	case opSearch:
		return "search"
	case opGet:
		return "get"
	case opImport:
		return "import"
	case opMergePreview:
		return "merge-preview"
	default:
		return fmt.Sprintf("op-0x%02x", op)
	}
}

// === Heartbeat ===

// heartbeatLoop extends the discovery entry's TTL while we live. A
// primary that stops heartbeating is reclaimable by any other process
// once the TTL lapses.
func (p *Primary) heartbeatLoop() {
	defer p.wg.Done()

	interval := p.disc.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			if err := p.disc.Heartbeat(); err != nil {
				// The role never switches at runtime. If another
				// process somehow took the entry over we keep serving
				// whoever is still connected and say so loudly.
				p.logger.Error("registry heartbeat failed", "error", err)
			}
		}
	}
}

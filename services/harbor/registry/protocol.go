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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// Wire ops. Each frame is a 5-byte header (1 byte op + 4 byte
// big-endian payload length) followed by a JSON payload. Responses
// echo the request op on success; failures use opError.
const (
	opSearch       byte = 0x01
	opGet          byte = 0x02
	opImport       byte = 0x03
	opMergePreview byte = 0x04

	opError byte = 0x7F
)

// frameHeaderLength is the fixed frame header size: 1 byte op + 4
// bytes payload length.
const frameHeaderLength = 5

// maxFramePayload bounds a frame payload. Search results over a big
// library are the largest legitimate frames; 16 MB is far past them,
// and anything bigger means a corrupt or hostile stream.
const maxFramePayload = 16 * 1024 * 1024

// frame is one registry protocol message.
type frame struct {
	Op      byte
	Payload []byte
}

// writeFrame writes one framed message to w.
func writeFrame(w io.Writer, f frame) error {
	var header [frameHeaderLength]byte
	header[0] = f.Op
	binary.BigEndian.PutUint32(header[1:5], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// readFrame reads one framed message from r, rejecting payloads past
// the size guard before allocating for them.
func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxFramePayload {
		return frame{}, fmt.Errorf("frame payload %d exceeds maximum %d", payloadLength, maxFramePayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame{Op: header[0], Payload: payload}, nil
}

// marshalFrame builds a frame with a JSON payload.
func marshalFrame(op byte, v any) (frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return frame{}, fmt.Errorf("marshal payload: %w", err)
	}
	return frame{Op: op, Payload: payload}, nil
}

// ImportArgs is the wire form of an import request. It mirrors the
// importer options a remote caller may set; progress callbacks and
// verification hashes stay process-local.
type ImportArgs struct {
	// Name overrides the inferred official name.
	Name string `json:"name,omitempty"`

	// Source labels the provenance entry.
	Source string `json:"source,omitempty"`

	// JobID links the provenance entry to a download job.
	JobID string `json:"job_id,omitempty"`

	// Tags are attached to new records.
	Tags []string `json:"tags,omitempty"`

	// Move relocates instead of copying.
	Move bool `json:"move,omitempty"`
}

type searchRequest struct {
	// Query carries the full filter surface of the index.
	Query searchQuery `json:"query"`
}

// searchQuery is the JSON projection of index.Query. Time bounds
// travel as unix nanos; zero means unset.
type searchQuery struct {
	Text         string `json:"text,omitempty"`
	Family       string `json:"family,omitempty"`
	Type         string `json:"type,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	MinParams    int64  `json:"min_params,omitempty"`
	MaxParams    int64  `json:"max_params,omitempty"`
	MaxSizeBytes int64  `json:"max_size_bytes,omitempty"`
	AddedAfter   int64  `json:"added_after,omitempty"`
	AddedBefore  int64  `json:"added_before,omitempty"`
	NeedsReview  bool   `json:"needs_review,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func toWireQuery(q index.Query) searchQuery {
	wire := searchQuery{
		Text:         q.Text,
		Family:       q.Family,
		Type:         q.Type,
		Quantization: q.Quantization,
		MinParams:    q.MinParams,
		MaxParams:    q.MaxParams,
		MaxSizeBytes: q.MaxSizeBytes,
		NeedsReview:  q.NeedsReview,
		Limit:        q.Limit,
	}
	if !q.AddedAfter.IsZero() {
		wire.AddedAfter = q.AddedAfter.UnixNano()
	}
	if !q.AddedBefore.IsZero() {
		wire.AddedBefore = q.AddedBefore.UnixNano()
	}
	return wire
}

func (q searchQuery) toIndex() index.Query {
	out := index.Query{
		Text:         q.Text,
		Family:       q.Family,
		Type:         q.Type,
		Quantization: q.Quantization,
		MinParams:    q.MinParams,
		MaxParams:    q.MaxParams,
		MaxSizeBytes: q.MaxSizeBytes,
		NeedsReview:  q.NeedsReview,
		Limit:        q.Limit,
	}
	if q.AddedAfter != 0 {
		out.AddedAfter = time.Unix(0, q.AddedAfter)
	}
	if q.AddedBefore != 0 {
		out.AddedBefore = time.Unix(0, q.AddedBefore)
	}
	return out
}

type searchResponse struct {
	Records []types.ModelRecord `json:"records"`
}

type getRequest struct {
	ModelID string `json:"model_id"`
}

type getResponse struct {
	Record *types.ModelRecord `json:"record"`
}

type importRequest struct {
	Path string     `json:"path"`
	Args ImportArgs `json:"args"`
}

// importResult is the wire form of one importer result. A directory
// import yields one per artifact group.
type importResult struct {
	Record        *types.ModelRecord `json:"record"`
	Duplicate     bool               `json:"duplicate,omitempty"`
	CanonicalPath string             `json:"canonical_path"`
}

type importResponse struct {
	Results []importResult `json:"results"`
}

type mergePreviewRequest struct {
	OtherDBPath string `json:"other_db_path"`
}

type mergePreviewResponse struct {
	Plan *Plan `json:"plan"`
}

// errorPayload carries a failure across the socket with enough
// structure for the client to rebuild the error taxonomy.
type errorPayload struct {
	Kind        string `json:"kind"`
	Op          string `json:"op"`
	Destination string `json:"destination,omitempty"`
	Message     string `json:"message"`
	NotFound    bool   `json:"not_found,omitempty"`
}

// encodeError shapes any error into an error frame payload. Not-found
// gets its own marker so clients can rebuild the sentinel.
func encodeError(op string, err error) errorPayload {
	payload := errorPayload{
		Kind:     types.KindOf(err).String(),
		Op:       op,
		Message:  err.Error(),
		NotFound: errors.Is(err, index.ErrNotFound),
	}
	var opErr *types.OpError
	if errors.As(err, &opErr) {
		payload.Destination = opErr.Destination
		if opErr.Err != nil {
			// The client re-wraps; carrying the outer text would
			// stutter the op on the far side.
			payload.Message = opErr.Err.Error()
		}
	}
	return payload
}

// decode rebuilds a client-side error from an error payload. Index
// misses come back wrapping index.ErrNotFound so callers branch the
// same way they would against a local store.
func (p errorPayload) decode() error {
	if p.NotFound {
		return fmt.Errorf("%s: %w", p.Op, index.ErrNotFound)
	}
	base := errors.New(p.Message)
	switch p.Kind {
	case types.KindTransient.String():
		return types.Transient(p.Op, p.Destination, base)
	case types.KindBlocked.String():
		return types.Blocked(p.Op, p.Destination, base)
	case types.KindValidation.String():
		return types.Validation(p.Op, p.Destination, base)
	case types.KindCorruption.String():
		return types.Corruption(p.Op, p.Destination, base)
	default:
		return base
	}
}

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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		op      byte
		payload []byte
	}{
		{"search with body", opSearch, []byte(`{"query":{"text":"llama"}}`)},
		{"empty payload", opGet, nil},
		{"error frame", opError, []byte(`{"kind":"validation"}`)},
		{"large payload", opImport, bytes.Repeat([]byte("x"), 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, frame{Op: tt.op, Payload: tt.payload}); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			got, err := readFrame(&buf)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if got.Op != tt.op {
				t.Errorf("op = 0x%02x, want 0x%02x", got.Op, tt.op)
			}
			if !bytes.Equal(got.Payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(tt.payload))
			}
		})
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var header [frameHeaderLength]byte
	header[0] = opSearch
	binary.BigEndian.PutUint32(header[1:5], maxFramePayload+1)

	_, err := readFrame(bytes.NewReader(header[:]))
	if err == nil {
		t.Fatal("expected size guard to reject the frame")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("error = %q, want size guard message", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty stream", nil},
		{"partial header", []byte{opGet, 0x00}},
		{"missing payload", []byte{opGet, 0x00, 0x00, 0x00, 0x08, 'h', 'i'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readFrame(bytes.NewReader(tt.data)); err == nil {
				t.Fatal("expected error on truncated stream")
			}
		})
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "validation keeps kind and destination",
			err:  types.Validation("import", "/x/y.gguf", errors.New("boom")),
			check: func(t *testing.T, got error) {
				if !types.IsValidation(got) {
					t.Errorf("decoded error lost validation kind: %v", got)
				}
				var opErr *types.OpError
				if !errors.As(got, &opErr) || opErr.Destination != "/x/y.gguf" {
					t.Errorf("decoded error lost destination: %v", got)
				}
				if !strings.Contains(got.Error(), "boom") {
					t.Errorf("decoded error lost message: %v", got)
				}
			},
		},
		{
			name: "corruption survives",
			err:  types.Corruption("import", "model.gguf", errors.New("hash mismatch")),
			check: func(t *testing.T, got error) {
				if !types.IsCorruption(got) {
					t.Errorf("decoded error lost corruption kind: %v", got)
				}
			},
		},
		{
			name: "transient survives",
			err:  types.Transient("search", "", errors.New("timeout")),
			check: func(t *testing.T, got error) {
				if !types.IsTransient(got) {
					t.Errorf("decoded error lost transient kind: %v", got)
				}
			},
		},
		{
			name: "not found rebuilds the sentinel",
			err:  fmt.Errorf("get: %w", index.ErrNotFound),
			check: func(t *testing.T, got error) {
				if !errors.Is(got, index.ErrNotFound) {
					t.Errorf("decoded error is not ErrNotFound: %v", got)
				}
			},
		},
		{
			name: "plain error stays plain",
			err:  errors.New("something odd"),
			check: func(t *testing.T, got error) {
				if types.KindOf(got) != types.KindUnknown {
					t.Errorf("plain error gained a kind: %v", got)
				}
				if !strings.Contains(got.Error(), "something odd") {
					t.Errorf("decoded error lost message: %v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := encodeError("get", tt.err)
			tt.check(t, payload.decode())
		})
	}
}

func TestSearchQueryWireRoundTrip(t *testing.T) {
	after := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	q := index.Query{
		Text:         "llama instruct",
		Family:       "llama",
		Type:         "chat",
		Quantization: "Q4_K_M",
		MinParams:    1_000_000_000,
		MaxParams:    9_000_000_000,
		MaxSizeBytes: 1 << 33,
		AddedAfter:   after,
		AddedBefore:  before,
		NeedsReview:  true,
		Limit:        25,
	}

	got := toWireQuery(q).toIndex()
	if got.Text != q.Text || got.Family != q.Family || got.Type != q.Type || got.Quantization != q.Quantization {
		t.Errorf("text filters mangled: %+v", got)
	}
	if got.MinParams != q.MinParams || got.MaxParams != q.MaxParams || got.MaxSizeBytes != q.MaxSizeBytes {
		t.Errorf("numeric filters mangled: %+v", got)
	}
	if !got.AddedAfter.Equal(after) || !got.AddedBefore.Equal(before) {
		t.Errorf("time bounds mangled: %v / %v", got.AddedAfter, got.AddedBefore)
	}
	if !got.NeedsReview || got.Limit != 25 {
		t.Errorf("flags mangled: %+v", got)
	}

	var zero index.Query
	gotZero := toWireQuery(zero).toIndex()
	if !gotZero.AddedAfter.IsZero() || !gotZero.AddedBefore.IsZero() {
		t.Errorf("zero time bounds did not stay zero: %+v", gotZero)
	}
}

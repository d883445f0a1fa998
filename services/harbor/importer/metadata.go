// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianHarbor/pkg/validation"
)

// =============================================================================
// Metadata Inference
// =============================================================================

// Metadata is what the pipeline can work out about an artifact before
// a human touches it. Every field may be empty; empty fields are
// recorded as-is rather than guessed at random.
type Metadata struct {
	// OfficialName is the normalized library name, e.g.
	// "llama3:8b-instruct-q4_k_m".
	OfficialName string

	// Family is the model family, e.g. "llama", "mistral".
	Family string

	// Type is the functional role: "chat", "completion", "code",
	// "embedding", or "vision".
	Type string

	// Quantization is the weight format, e.g. "Q4_K_M", "F16".
	Quantization string

	// Parameters is the parameter count in absolute units, 0 when the
	// filename carries no size marker.
	Parameters int64

	// Format is the container format: "gguf", "safetensors", or "" for
	// anything else.
	Format string
}

// Category returns the storage subdirectory this artifact belongs
// under. One subdirectory per inferred category keeps the canonical
// root browsable by hand.
func (m Metadata) Category() string {
	switch m.Type {
	case "embedding":
		return "embeddings"
	case "vision":
		return "vision"
	}
	if m.Family == "lora" {
		return "adapters"
	}
	return "models"
}

// familyAliases maps filename tokens to canonical family names.
// Longest-token matches win so "codellama" never classifies as
// "llama". Order within the table does not matter; matching sorts by
// token length.
var familyAliases = map[string]string{
	"llama":      "llama",
	"llama2":     "llama",
	"llama3":     "llama",
	"meta-llama": "llama",
	"tinyllama":  "tinyllama",
	"codellama":  "codellama",
	"mistral":    "mistral",
	"mixtral":    "mixtral",
	"ministral":  "mistral",
	"qwen":       "qwen",
	"qwen2":      "qwen",
	"qwen3":      "qwen",
	"phi":        "phi",
	"phi-2":      "phi",
	"phi-3":      "phi",
	"phi3":       "phi",
	"gemma":      "gemma",
	"gemma2":     "gemma",
	"deepseek":   "deepseek",
	"falcon":     "falcon",
	"starcoder":  "starcoder",
	"stablelm":   "stablelm",
	"vicuna":     "vicuna",
	"orca":       "orca",
	"granite":    "granite",
	"llava":      "llava",
	"nomic":      "nomic",
	"bge":        "bge",
	"mxbai":      "mxbai",
	"lora":       "lora",
}

// Quantization markers as they appear in community filenames:
// Q4_K_M, Q5_0, Q8_0, IQ2_XS, F16, BF16 and friends. The match is
// case-insensitive but the canonical form is upper-case.
var quantPattern = regexp.MustCompile(`(?i)(^|[.\-_ ])(I?Q[0-9]{1,2}(?:_[A-Z0-9]+)*|F16|FP16|BF16|F32|FP32|INT8|INT4)($|[.\-_ ])`)

// Parameter-size markers: "7B", "1.5b", "70B". Bare digits without a
// unit are ignored; shard counters like "00001-of-00002" never match.
var paramPattern = regexp.MustCompile(`(?i)(^|[.\-_ ])([0-9]+(?:\.[0-9]+)?)\s*([bm])($|[.\-_ ])`)

// shardPattern matches split-weight filenames like
// "model-00001-of-00004.safetensors".
var shardPattern = regexp.MustCompile(`-?([0-9]{1,5})-of-([0-9]{1,5})`)

// typeMarkers map filename tokens to the functional type. First match
// in table order below wins (checked most-specific first in code).
var typeMarkers = []struct {
	token string
	typ   string
}{
	{"embed", "embedding"},
	{"bge", "embedding"},
	{"mxbai", "embedding"},
	{"nomic", "embedding"},
	{"llava", "vision"},
	{"vision", "vision"},
	{"-vl-", "vision"},
	{"mmproj", "vision"},
	{"coder", "code"},
	{"code", "code"},
	{"starcoder", "code"},
	{"instruct", "chat"},
	{"chat", "chat"},
	{"-it-", "chat"},
	{"assistant", "chat"},
}

// InferFromFilename derives metadata purely from an artifact's base
// name. This is the fallback layer; container probes (GGUF header,
// safetensors header) refine the result when the file is readable.
//
// # Description
//
// Tokenizes the name on separators and consults the family alias
// table, quantization pattern, parameter pattern, and type marker
// table. Unknown tokens are ignored silently; inference never fails,
// it just returns emptier metadata.
//
// # Inputs
//
//   - name: File base name, with or without extension
//
// # Outputs
//
//   - Metadata: Best-effort inference, zero-valued fields when unknown
func InferFromFilename(name string) Metadata {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	lower := strings.ToLower(base)

	var meta Metadata
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gguf":
		meta.Format = "gguf"
	case ".safetensors":
		meta.Format = "safetensors"
	}

	// Family: longest alias present anywhere in the name wins.
	bestLen := 0
	for alias, family := range familyAliases {
		if strings.Contains(lower, alias) && len(alias) > bestLen {
			meta.Family = family
			bestLen = len(alias)
		}
	}

	if m := quantPattern.FindStringSubmatch(base); m != nil {
		meta.Quantization = strings.ToUpper(m[2])
	}

	// Strip shard counters before looking for parameter sizes so
	// "00002-of-00004" cannot read as a size.
	sizable := shardPattern.ReplaceAllString(lower, "")
	if m := paramPattern.FindStringSubmatch(sizable); m != nil {
		if n, err := validation.ParseParameterSize(m[2] + m[3]); err == nil {
			meta.Parameters = n
		}
	}

	padded := "-" + lower + "-"
	for _, marker := range typeMarkers {
		if strings.Contains(padded, marker.token) {
			meta.Type = marker.typ
			break
		}
	}
	if meta.Type == "" {
		meta.Type = "completion"
	}

	meta.OfficialName = canonicalName(base, meta)
	return meta
}

// canonicalName builds the library name from the cleaned base name.
// Community filenames carry the quantization twice (once per
// convention); the canonical form keeps name and a single lowercase
// tag, e.g. "llama-3-8b-instruct:q4_k_m".
func canonicalName(base string, meta Metadata) string {
	name := strings.ToLower(base)
	name = shardPattern.ReplaceAllString(name, "")
	if meta.Quantization != "" {
		// Drop the quant marker from the stem; it returns as the tag.
		name = strings.ReplaceAll(name, strings.ToLower(meta.Quantization), "")
	}
	name = strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, name), ".-_")
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	if name == "" {
		name = "unnamed"
	}
	if meta.Quantization != "" {
		return name + ":" + strings.ToLower(meta.Quantization)
	}
	return name
}

// =============================================================================
// Container Probes
// =============================================================================

// ggufMagic is the little-endian file magic, "GGUF" on disk.
const ggufMagic = 0x46554747

// Sanity bounds for GGUF headers. A header outside these bounds is
// corrupt or hostile; the probe stops rather than walking gigabytes of
// key-value pairs.
const (
	maxGGUFKeyValues = 1 << 16
	maxGGUFStringLen = 1 << 20
	maxGGUFArrayLen  = 1 << 24
)

// ggufInfo is the subset of a GGUF header the importer cares about.
type ggufInfo struct {
	Version      uint32
	Architecture string
	Name         string
	SizeLabel    string
	QuantName    string
}

// GGUF metadata value type tags, from the container format.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// probeGGUF reads the GGUF header and walks the metadata key-value
// block for the handful of keys that improve inference. Returns an
// error when the file is not GGUF or the header is truncated; callers
// treat that as corruption for files claiming the .gguf extension.
func probeGGUF(r io.Reader) (*ggufInfo, error) {
	var header struct {
		Magic       uint32
		Version     uint32
		TensorCount uint64
		KVCount     uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read gguf header: %w", err)
	}
	if header.Magic != ggufMagic {
		return nil, fmt.Errorf("not a gguf file: magic 0x%08x", header.Magic)
	}
	if header.Version < 2 || header.Version > 3 {
		return nil, fmt.Errorf("unsupported gguf version %d", header.Version)
	}
	if header.KVCount > maxGGUFKeyValues {
		return nil, fmt.Errorf("gguf header claims %d metadata keys", header.KVCount)
	}

	info := &ggufInfo{Version: header.Version}
	for i := uint64(0); i < header.KVCount; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			return nil, fmt.Errorf("read gguf key %d: %w", i, err)
		}
		var valueType uint32
		if err := binary.Read(r, binary.LittleEndian, &valueType); err != nil {
			return nil, fmt.Errorf("read gguf value type for %q: %w", key, err)
		}

		if valueType == ggufTypeString {
			value, err := readGGUFString(r)
			if err != nil {
				return nil, fmt.Errorf("read gguf value for %q: %w", key, err)
			}
			switch key {
			case "general.architecture":
				info.Architecture = value
			case "general.name":
				info.Name = value
			case "general.size_label":
				info.SizeLabel = value
			case "general.file_type_name", "general.quantization_version_name":
				info.QuantName = value
			}
			continue
		}
		if err := skipGGUFValue(r, valueType); err != nil {
			return nil, fmt.Errorf("skip gguf value for %q: %w", key, err)
		}
	}
	return info, nil
}

// readGGUFString reads a length-prefixed UTF-8 string (uint64 length,
// then bytes).
func readGGUFString(r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length > maxGGUFStringLen {
		return "", fmt.Errorf("string length %d exceeds bound", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// skipGGUFValue advances the reader past one metadata value of the
// given type without retaining it. Arrays recurse one level per
// element type, which is how the format nests.
func skipGGUFValue(r io.Reader, valueType uint32) error {
	fixed := map[uint32]int64{
		ggufTypeUint8:   1,
		ggufTypeInt8:    1,
		ggufTypeBool:    1,
		ggufTypeUint16:  2,
		ggufTypeInt16:   2,
		ggufTypeUint32:  4,
		ggufTypeInt32:   4,
		ggufTypeFloat32: 4,
		ggufTypeUint64:  8,
		ggufTypeInt64:   8,
		ggufTypeFloat64: 8,
	}
	if size, ok := fixed[valueType]; ok {
		_, err := io.CopyN(io.Discard, r, size)
		return err
	}
	switch valueType {
	case ggufTypeString:
		_, err := readGGUFString(r)
		return err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		if count > maxGGUFArrayLen {
			return fmt.Errorf("array length %d exceeds bound", count)
		}
		// Fixed-size elements skip in one hop; strings walk.
		if size, ok := fixed[elemType]; ok {
			_, err := io.CopyN(io.Discard, r, size*int64(count))
			return err
		}
		for i := uint64(0); i < count; i++ {
			if err := skipGGUFValue(r, elemType); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown gguf value type %d", valueType)
	}
}

// maxSafetensorsHeader bounds the JSON header length a probe will
// read. Real headers are kilobytes; anything past this is corrupt.
const maxSafetensorsHeader = 64 << 20

// probeSafetensors validates the safetensors envelope: an 8-byte
// little-endian header length followed by that many bytes of JSON.
// Returns the dominant tensor dtype (useful as a quantization hint)
// or an error when the envelope is malformed.
func probeSafetensors(r io.Reader, fileSize int64) (string, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return "", fmt.Errorf("read safetensors length: %w", err)
	}
	if headerLen == 0 || headerLen > maxSafetensorsHeader {
		return "", fmt.Errorf("safetensors header length %d out of range", headerLen)
	}
	if fileSize > 0 && int64(headerLen) > fileSize-8 {
		return "", fmt.Errorf("safetensors header length %d exceeds file size %d", headerLen, fileSize)
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read safetensors header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(buf, &header); err != nil {
		return "", fmt.Errorf("parse safetensors header: %w", err)
	}

	// Count dtypes across tensors; the most common one describes the
	// weight precision.
	counts := make(map[string]int)
	for key, raw := range header {
		if key == "__metadata__" {
			continue
		}
		var tensor struct {
			DType string `json:"dtype"`
		}
		if err := json.Unmarshal(raw, &tensor); err != nil {
			continue
		}
		if tensor.DType != "" {
			counts[tensor.DType]++
		}
	}
	best, bestCount := "", 0
	for dtype, n := range counts {
		if n > bestCount {
			best, bestCount = dtype, n
		}
	}
	return best, nil
}

// InferMetadata combines filename inference with a container probe.
// Probe failures on files whose extension claims a known container are
// returned so the caller can quarantine; probe failures on unknown
// extensions fall back to filename-only inference.
func InferMetadata(path string) (Metadata, error) {
	meta := InferFromFilename(filepath.Base(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		f, err := os.Open(path)
		if err != nil {
			return meta, fmt.Errorf("open for probe: %w", err)
		}
		defer f.Close()
		info, err := probeGGUF(f)
		if err != nil {
			return meta, err
		}
		if info.Architecture != "" {
			if family, ok := familyAliases[info.Architecture]; ok {
				meta.Family = family
			} else {
				meta.Family = info.Architecture
			}
		}
		if info.Name != "" && meta.OfficialName == "unnamed" {
			meta.OfficialName = canonicalName(info.Name, meta)
		}
		if info.SizeLabel != "" && meta.Parameters == 0 {
			if n, err := validation.ParseParameterSize(info.SizeLabel); err == nil {
				meta.Parameters = n
			}
		}
		if info.QuantName != "" && meta.Quantization == "" {
			meta.Quantization = strings.ToUpper(info.QuantName)
		}
	case ".safetensors":
		f, err := os.Open(path)
		if err != nil {
			return meta, fmt.Errorf("open for probe: %w", err)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return meta, fmt.Errorf("stat for probe: %w", err)
		}
		dtype, err := probeSafetensors(f, st.Size())
		if err != nil {
			return meta, err
		}
		if meta.Quantization == "" && dtype != "" {
			meta.Quantization = strings.ToUpper(dtype)
		}
	}
	return meta, nil
}

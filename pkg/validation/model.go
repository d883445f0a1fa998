// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// file paths, index queries, or outbound requests. Using these validators
// prevents injection attacks (path traversal, query injection) and rejects
// malformed model references before any network or disk work happens.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// maxModelNameLength bounds model references to keep index rows and
// canonical file names manageable.
const maxModelNameLength = 256

// modelNamePattern matches valid model references.
// Allows: "llama3", "meta/llama3", "llama3:8b-instruct",
// "TheBloke/Mistral-7B-GGUF:Q4_K_M".
var modelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*(/[a-zA-Z0-9][a-zA-Z0-9_.\-]*)?(:[a-zA-Z0-9_.\-]+)?$`)

// parameterSizePattern matches parameter-count suffixes like "7B", "1.5B", "70b".
var parameterSizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([BbMm])$`)

// ValidateModelName validates a model reference.
//
// Valid references:
//   - 1-256 characters
//   - Alphanumeric start, then letters, digits, underscores, dots, hyphens
//   - Optional single "owner/" namespace segment
//   - Optional ":tag" suffix
//
// Returns an error describing the first violated rule.
//
// Example:
//
//	if err := validation.ValidateModelName(name); err != nil {
//	    return fmt.Errorf("invalid model name: %w", err)
//	}
//	// Safe to use in index queries and canonical file names
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	if len(name) > maxModelNameLength {
		return fmt.Errorf("model name exceeds %d characters", maxModelNameLength)
	}

	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid model name format: %q (allowed: alphanumerics, '_', '.', '-', one optional '/' namespace, one optional ':tag')", name)
	}

	return nil
}

// NormalizeModelName lowercases a model reference and applies the
// default ":latest" tag when no tag is present.
//
// Use this before index lookups so "Llama3" and "llama3:latest"
// resolve to the same record:
//
//	canonical, err := validation.NormalizeModelName(userInput)
//	if err != nil {
//	    return err
//	}
func NormalizeModelName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateModelName(normalized); err != nil {
		return "", err
	}
	if !strings.Contains(normalized, ":") {
		normalized += ":latest"
	}
	return normalized, nil
}

// ParseParameterSize converts a parameter-count suffix ("7B", "1.5B",
// "350M") to an absolute count. Returns 0 and an error for anything
// that does not look like a parameter size.
func ParseParameterSize(s string) (int64, error) {
	m := parameterSizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid parameter size: %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter size: %q", s)
	}

	switch strings.ToUpper(m[2]) {
	case "B":
		return int64(value * 1e9), nil
	case "M":
		return int64(value * 1e6), nil
	default:
		return 0, fmt.Errorf("invalid parameter size unit: %q", m[2])
	}
}

// ValidateDestinationPath rejects destination paths that escape the
// given root directory. Both arguments may be relative; the check is
// performed on cleaned absolute paths.
//
// Example:
//
//	if err := validation.ValidateDestinationPath(root, dest); err != nil {
//	    return err  // path traversal attempt
//	}
func ValidateDestinationPath(root, path string) error {
	if path == "" {
		return fmt.Errorf("destination path cannot be empty")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving root %q: %w", root, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path %q: %w", path, err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return fmt.Errorf("destination %q is not relative to %q", path, root)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("destination %q escapes storage root %q", path, root)
	}

	return nil
}

// ValidateSourceURL validates a remote artifact URL.
//
// Only https and gs schemes are accepted; http is rejected so tokens
// never travel in cleartext, and file/ftp/data schemes are rejected
// outright.
func ValidateSourceURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("source URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid source URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "https", "gs":
	case "http":
		// Plain http only for local registries
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("plain http is only accepted for loopback hosts, got %q", u.Hostname())
		}
	default:
		return fmt.Errorf("disallowed URL scheme %q (only https, gs, and loopback http are accepted)", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("source URL %q has no host", raw)
	}

	return nil
}

// isLoopbackHost reports whether the host resolves trivially to the
// local machine.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package registry

import (
	"errors"
	"os"
)

var errWouldBlock = errors.New("registry: lock held elsewhere")

// flockFile is a no-op on Windows; discovery falls back to the PID and
// TTL checks in the entry itself.
//
// TODO: implement via golang.org/x/sys/windows.LockFileEx with
// LOCKFILE_EXCLUSIVE_LOCK|LOCKFILE_FAIL_IMMEDIATELY.
func flockFile(f *os.File) error {
	return nil
}

func unflockFile(f *os.File) error {
	return nil
}

// processAlive reports false so stale entries are always reclaimed.
//
// TODO: implement via OpenProcess + GetExitCodeProcess.
func processAlive(pid int) bool {
	return false
}

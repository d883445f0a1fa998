// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmgr

import "errors"

// ErrUnknownSource indicates a request referenced a source ID that was
// never registered.
var ErrUnknownSource = errors.New("unknown source")

// ErrSourceExists indicates a source ID was registered twice.
var ErrSourceExists = errors.New("source already registered")

// ErrOffline indicates the request was refused because the manager is
// in offline mode and the source has no cache fallback.
var ErrOffline = errors.New("network manager is offline")

// ErrNoCredential indicates no token is stored for the source.
var ErrNoCredential = errors.New("no credential for source")

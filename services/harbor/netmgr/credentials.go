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

import (
	"sync"

	"github.com/awnumar/memguard"
)

// memguardInitOnce ensures interrupt handling is installed once.
var memguardInitOnce sync.Once

// CredentialStore holds per-source bearer tokens in sealed memory.
//
// # Description
//
// Tokens (Hugging Face access tokens, GitHub PATs) are sealed into
// memguard enclaves at rest: encrypted, mlocked, wiped on process
// interrupt. A token is only decrypted for the few microseconds it
// takes to stamp an Authorization header.
//
// # Thread Safety
//
// CredentialStore is safe for concurrent use.
type CredentialStore struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	memguardInitOnce.Do(memguard.CatchInterrupt)
	return &CredentialStore{
		enclaves: make(map[string]*memguard.Enclave),
	}
}

// Set seals a token for the source. The input slice is wiped.
func (s *CredentialStore) Set(sourceID string, token []byte) {
	if len(token) == 0 {
		return
	}
	enclave := memguard.NewEnclave(token)

	s.mu.Lock()
	s.enclaves[sourceID] = enclave
	s.mu.Unlock()
}

// Has reports whether a token is stored for the source.
func (s *CredentialStore) Has(sourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enclaves[sourceID]
	return ok
}

// Delete removes the source's token.
func (s *CredentialStore) Delete(sourceID string) {
	s.mu.Lock()
	delete(s.enclaves, sourceID)
	s.mu.Unlock()
}

// WithToken decrypts the source's token and passes it to fn. The
// backing memory is wiped when fn returns. Returns ErrNoCredential
// when no token is stored.
func (s *CredentialStore) WithToken(sourceID string, fn func(token string) error) error {
	s.mu.RLock()
	enclave, ok := s.enclaves[sourceID]
	s.mu.RUnlock()

	if !ok {
		return ErrNoCredential
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.String())
}

// Purge wipes every sealed token. Call during shutdown.
func (s *CredentialStore) Purge() {
	s.mu.Lock()
	s.enclaves = make(map[string]*memguard.Enclave)
	s.mu.Unlock()
	memguard.Purge()
}

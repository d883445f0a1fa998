// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates harbor.yaml.
//
// The file lives at ~/.aleutian/harbor.yaml by default and is created
// with sensible defaults on first run. HARBOR_CONFIG overrides the
// location for tests and unusual deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
)

var (
	// Global is the process-wide configuration singleton.
	Global HarborConfig

	once    sync.Once
	loadErr error

	validate *validator.Validate
)

func init() {
	validate = validator.New()
}

// Load reads the config into Global exactly once. Later calls return
// the first outcome.
func Load() error {
	once.Do(func() {
		loadErr = loadInternal()
	})
	return loadErr
}

// Path resolves the config file location: HARBOR_CONFIG when set,
// otherwise ~/.aleutian/harbor.yaml.
func Path() (string, error) {
	if p := os.Getenv("HARBOR_CONFIG"); p != "" {
		return logging.ExpandPath(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "harbor.yaml"), nil
}

func loadInternal() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &Global); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	normalize(&Global)
	if err := Global.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// normalize expands ~ in paths and fills derivable defaults so the
// rest of the program reads the struct without fallback logic.
func normalize(c *HarborConfig) {
	c.Library.Root = logging.ExpandPath(c.Library.Root)
	c.Library.StateDir = logging.ExpandPath(c.Library.StateDir)
	c.Library.DropDir = logging.ExpandPath(c.Library.DropDir)
	c.Logging.Dir = logging.ExpandPath(c.Logging.Dir)

	if c.Daemon.Addr == "" {
		c.Daemon.Addr = "127.0.0.1:7843"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Sources {
		if c.Sources[i].ID == "" {
			c.Sources[i].ID = defaultSourceID(c.Sources[i])
		}
	}
}

// defaultSourceID derives a stable ID for sources declared without
// one, matching the IDs the resolvers would self-assign.
func defaultSourceID(s SourceConfig) string {
	switch s.Kind {
	case "github":
		return fmt.Sprintf("github:%s/%s", s.Owner, s.Repo)
	case "gcs":
		return "gcs:" + s.Bucket
	default:
		return s.Kind
	}
}

// Validate checks struct tags plus the kind-specific requirements the
// tags cannot express.
func (c *HarborConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}

		switch s.Kind {
		case "github":
			if s.Owner == "" || s.Repo == "" {
				return fmt.Errorf("source %q: github sources need owner and repo", s.ID)
			}
		case "gcs":
			if s.Bucket == "" {
				return fmt.Errorf("source %q: gcs sources need a bucket", s.ID)
			}
		}
	}
	if c.SpeedLog.Enabled {
		if c.SpeedLog.URL == "" || c.SpeedLog.Org == "" || c.SpeedLog.Bucket == "" {
			return errors.New("speed_log: enabled requires url, org, and bucket")
		}
	}
	return nil
}

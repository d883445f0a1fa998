// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianHarbor/cmd/harbor/config"
	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/catalog"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/download"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/importer"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/index"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/netmgr"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/registry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/sources"
)

// appNeeds selects which subsystems a command requires, so harbor
// search does not open network sources and harbor releases does not
// claim the registry.
type appNeeds struct {
	library   bool
	network   bool
	downloads bool
}

// app holds the wired subsystems for one command invocation.
type app struct {
	cfg    *config.HarborConfig
	logger *logging.Logger
	slog   *slog.Logger

	// library
	store    *index.Store
	pipeline *importer.Pipeline
	lib      registry.Library

	// network
	net       *netmgr.Manager
	resolvers []sources.Resolver
	catalogs  map[string]*catalog.Client

	// downloads
	mgr *download.Manager

	closers []io.Closer
}

// openApp loads config and wires the requested subsystems. Callers
// must Close the result; Close is safe after partial failures because
// openApp closes what it opened before returning an error.
func openApp(ctx context.Context, service string, needs appNeeds) (*app, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	cfg := &config.Global

	a := &app{
		cfg:      cfg,
		catalogs: make(map[string]*catalog.Client),
	}
	a.logger = logging.New(logging.Config{
		Level:   parseLogLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: service,
		JSON:    cfg.Logging.JSON,
	})
	a.slog = a.logger.Slog()

	if err := a.ensureDirs(needs); err != nil {
		a.Close()
		return nil, err
	}

	if needs.network || needs.downloads {
		if err := a.openNetwork(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	if needs.library {
		if err := a.openLibrary(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	if needs.downloads {
		if err := a.openDownloads(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) ensureDirs(needs appNeeds) error {
	dirs := []string{a.cfg.Library.StateDir}
	if needs.library {
		dirs = append(dirs, a.cfg.Library.Root)
	}
	if needs.network {
		dirs = append(dirs, a.cfg.CatalogCacheDir())
	}
	if needs.downloads {
		dirs = append(dirs, a.cfg.DownloadStateDir(), a.cfg.StagingDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (a *app) openLibrary(ctx context.Context) error {
	store, err := index.Open(index.Config{
		Path:   a.cfg.IndexPath(),
		Logger: a.slog,
	})
	if err != nil {
		return err
	}
	a.store = store

	pipeline, err := importer.New(importer.Config{
		StorageRoot: a.cfg.Library.Root,
		Index:       store,
		Logger:      a.slog,
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	lib, err := registry.Open(ctx, registry.Config{
		StateDir: a.cfg.Library.StateDir,
		Index:    store,
		Importer: pipeline,
		Logger:   a.slog,
	})
	if err != nil {
		return err
	}
	a.lib = lib
	return nil
}

func (a *app) openNetwork(ctx context.Context) error {
	a.net = netmgr.New(netmgr.Config{
		Retry: retry.Config{
			MaxAttempts:    a.cfg.Network.MaxAttempts,
			InitialBackoff: a.cfg.Network.InitialBackoff.Std(),
			MaxBackoff:     a.cfg.Network.MaxBackoff.Std(),
		},
		UserAgent: a.cfg.Network.UserAgent,
		Logger:    a.slog,
	})

	for _, sc := range a.cfg.Sources {
		if sc.TokenEnv != "" {
			if token := os.Getenv(sc.TokenEnv); token != "" {
				a.net.Credentials().Set(sc.ID, []byte(token))
			}
		}

		switch sc.Kind {
		case "huggingface":
			hf, err := sources.NewHuggingFace(a.net, sources.HuggingFaceConfig{
				BaseURL:  sc.BaseURL,
				SourceID: sc.ID,
			})
			if err != nil {
				return err
			}
			a.resolvers = append(a.resolvers, hf)

		case "github":
			gh, err := sources.NewGitHubReleases(a.net, sc.Owner, sc.Repo, sources.GitHubConfig{
				BaseURL:  sc.BaseURL,
				SourceID: sc.ID,
			})
			if err != nil {
				return err
			}
			a.resolvers = append(a.resolvers, gh)

			cat, err := catalog.New(catalog.Config{
				SourceID: sc.ID,
				Lister:   gh,
				CacheDir: a.cfg.CatalogCacheDir(),
				TTL:      sc.CatalogTTL.Std(),
				Logger:   a.slog,
			})
			if err != nil {
				return err
			}
			a.catalogs[sc.ID] = cat

		case "gcs":
			mirror, err := sources.NewGCSMirror(ctx, a.net, sc.Bucket, sources.GCSConfig{
				CredentialsFile: sc.CredentialsFile,
				Anonymous:       sc.Anonymous,
				SourceID:        sc.ID,
			})
			if err != nil {
				return err
			}
			a.resolvers = append(a.resolvers, mirror)
			a.closers = append(a.closers, mirror)

		default:
			return fmt.Errorf("unknown source kind %q", sc.Kind)
		}
	}
	return nil
}

func (a *app) openDownloads() error {
	mgr, err := download.NewManager(a.net, download.Config{
		StateDir:          a.cfg.DownloadStateDir(),
		DataDir:           a.cfg.StagingDir(),
		MaxConcurrentJobs: a.cfg.Downloads.MaxConcurrentJobs,
		ShardConcurrency:  a.cfg.Downloads.ShardConcurrency,
		BytesPerSecond:    a.cfg.Downloads.BytesPerSecond,
		MinFreeBytes:      a.cfg.Downloads.MinFreeBytes,
		Logger:            a.slog,
	})
	if err != nil {
		return err
	}
	a.mgr = mgr
	for _, r := range a.resolvers {
		mgr.RegisterResolver(r)
	}
	return nil
}

// Close releases subsystems in reverse dependency order: transfers
// first, then the registry role, then storage handles.
func (a *app) Close() error {
	var errs []error
	if a.mgr != nil {
		errs = append(errs, a.mgr.Close())
	}
	if a.lib != nil {
		errs = append(errs, a.lib.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// catalogFor returns the release catalog for a source ID, or an error
// naming the sources that do publish releases.
func (a *app) catalogFor(sourceID string) (*catalog.Client, error) {
	if cat, ok := a.catalogs[sourceID]; ok {
		return cat, nil
	}
	ids := make([]string, 0, len(a.catalogs))
	for id := range a.catalogs {
		ids = append(ids, id)
	}
	return nil, fmt.Errorf("source %q has no release catalog (available: %v)", sourceID, ids)
}

func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/types"
)

// ErrJobNotFound is returned when a job ID matches no stored job.
var ErrJobNotFound = errors.New("download job not found")

const (
	// Active jobs, including unacknowledged terminal ones.
	activeKeyPrefix = "job:"

	// Acknowledged terminal jobs, kept for history.
	archiveKeyPrefix = "job_done:"
)

// jobStore persists download jobs in BadgerDB. Every progress
// checkpoint writes a full JSON snapshot of the job, so a crash loses
// at most one progress interval of bookkeeping, never bytes on disk.
type jobStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openJobStore opens the job database at path, creating the directory
// if needed. An empty path opens an in-memory store for tests. Writes
// are synchronous: job snapshots are the crash-recovery record and
// must not sit in an OS buffer when the process dies.
func openJobStore(path string, logger *slog.Logger) (*jobStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create job store directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &jobStore{db: db}, nil
}

func (s *jobStore) close() error {
	return s.db.Close()
}

// put writes a full snapshot of the job under its active key.
func (s *jobStore) put(job *types.DownloadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(activeKeyPrefix+job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

// get returns the active job with the given ID.
func (s *jobStore) get(id string) (*types.DownloadJob, error) {
	var job types.DownloadJob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeKeyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &job, nil
}

// list returns all active jobs ordered by creation time.
func (s *jobStore) list() ([]*types.DownloadJob, error) {
	return s.scan(activeKeyPrefix)
}

// listArchived returns acknowledged terminal jobs ordered by creation
// time.
func (s *jobStore) listArchived() ([]*types.DownloadJob, error) {
	return s.scan(archiveKeyPrefix)
}

func (s *jobStore) scan(keyPrefix string) ([]*types.DownloadJob, error) {
	var jobs []*types.DownloadJob
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job types.DownloadJob
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			})
			if err != nil {
				return fmt.Errorf("decode job %s: %w", it.Item().Key(), err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// archive moves an acknowledged terminal job from the active keyspace
// to the archive keyspace in one transaction.
func (s *jobStore) archive(job *types.DownloadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(activeKeyPrefix + job.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(archiveKeyPrefix+job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

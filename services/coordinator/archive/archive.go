// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists the best known result per target function.
//
// # Description
//
// Permuters themselves are ephemeral: the registry is in-memory and a
// connection's tasks vanish with it. What survives restarts is the search's
// actual product: the best-scoring candidate seen for each function. The
// archive stores those in an embedded BadgerDB: a small JSON record under
// best/<fn>, and the candidate's source (when attached) under src/<fn>.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation and
// RecordIfBest retries on conflict.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BestResult is the archived record for one function.
type BestResult struct {
	FnName     string `json:"fn_name"`
	Score      int64  `json:"score"`
	Hash       string `json:"hash"`
	RecordedAt int64  `json:"recorded_at"`
}

// Archive is a badger-backed best-result store.
type Archive struct {
	db *badger.DB
}

// Open opens (or creates) an archive at path. An empty path selects
// in-memory mode, used by tests and by deployments that opt out of
// persistence.
func Open(path string) (*Archive, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordIfBest stores the result iff it improves on (or first establishes)
// the best known score for fn. Lower scores are better; zero is a perfect
// match. Returns whether the record was stored.
func (a *Archive) RecordIfBest(fn string, score int64, hash string, source []byte) (bool, error) {
	improved := false
	err := a.db.Update(func(txn *badger.Txn) error {
		improved = false
		key := bestKey(fn)

		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First result for this function.
		case err != nil:
			return err
		default:
			var cur BestResult
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); err != nil {
				return err
			}
			if score >= cur.Score {
				return nil
			}
		}

		rec := BestResult{
			FnName:     fn,
			Score:      score,
			Hash:       hash,
			RecordedAt: time.Now().UnixMilli(),
		}
		val, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := txn.Set(key, val); err != nil {
			return err
		}
		if len(source) > 0 {
			if err := txn.Set(srcKey(fn), source); err != nil {
				return err
			}
		}
		improved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record result: %w", err)
	}
	return improved, nil
}

// Best returns the archived record for fn, or ok=false when none exists.
func (a *Archive) Best(fn string) (BestResult, bool, error) {
	var rec BestResult
	found := false
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bestKey(fn))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return BestResult{}, false, fmt.Errorf("read best: %w", err)
	}
	return rec, found, nil
}

// BestSource returns the archived source for fn, or ok=false when none was
// ever attached.
func (a *Archive) BestSource(fn string) ([]byte, bool, error) {
	var src []byte
	found := false
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(srcKey(fn))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		src, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read source: %w", err)
	}
	return src, found, nil
}

func bestKey(fn string) []byte { return []byte("best/" + fn) }
func srcKey(fn string) []byte  { return []byte("src/" + fn) }

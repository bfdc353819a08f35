// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metadatastore implements C3: a SQLite-backed map from
// (weak fingerprint, path set) to strong fingerprint to CacheDescriptor.
// Layout and migration style follow the controller's own store package:
// a pragma-tuned DSN, a settings table carrying the schema version, and
// transactions run at serializable isolation.
package metadatastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"forgecache/pkg/pipgraph"
)

// ReplacementBehavior governs what Publish does when a descriptor is
// already stored under the same (WF, StrongFingerprint) key. A different
// StrongFingerprint under the same WF is stored as an additional row and
// never consults it. There is deliberately no default: every Publish
// call must choose one.
type ReplacementBehavior int

const (
	// AlwaysOverwrite replaces any existing descriptor unconditionally.
	AlwaysOverwrite ReplacementBehavior = iota
	// ElideIfEquivalent keeps the existing descriptor if its output set
	// is byte-for-byte equivalent to the new one, otherwise overwrites.
	ElideIfEquivalent
	// CheckContentsFirst verifies each existing output's content hash
	// still matches before electing to keep it; any mismatch overwrites.
	CheckContentsFirst
)

// Errors returned by Store methods.
var (
	ErrNotFound          = errors.New("metadatastore: not found")
	ErrStoreUnavailable  = errors.New("metadatastore: store unavailable")
	ErrDescriptorCorrupt = errors.New("metadatastore: descriptor corrupt")
)

// ContentChecker is the narrow view of the content store that
// CheckContentsFirst needs: whether a hash is still physically present.
// Publish accepts it as an interface, not a *contentstore.Store, so this
// package never imports the content-addressed storage layer it sits
// beside.
type ContentChecker interface {
	HasLocal(hash pipgraph.ContentHash) bool
}

// PathSetRef identifies a previously-observed path set for a weak
// fingerprint, in the order GetPathSets should try them.
type PathSetRef struct {
	ID         string
	PathSet    pipgraph.PathSet
	UsageCount int64
	Recency    time.Time
}

// Store is the SQLite-backed MetadataStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the metadata database at path and runs
// any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadatastore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("metadatastore: create settings: %w", err)
	}

	var version int
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`)
	var raw string
	switch err := row.Scan(&raw); {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("metadatastore: read schema_version: %w", err)
	default:
		fmt.Sscanf(raw, "%d", &version)
	}

	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS path_sets (
				ps_id TEXT PRIMARY KEY,
				weak_fp TEXT NOT NULL,
				canonical_bytes BLOB NOT NULL,
				usage_count INTEGER NOT NULL DEFAULT 0,
				recency TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_path_sets_weak_fp ON path_sets(weak_fp)`,
			`CREATE TABLE IF NOT EXISTS cache_descriptors (
				weak_fp TEXT NOT NULL,
				strong_fp TEXT NOT NULL,
				ps_id TEXT NOT NULL,
				outputs_json TEXT NOT NULL,
				observed_inputs_json TEXT NOT NULL,
				trace_info TEXT NOT NULL DEFAULT '',
				build_session_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				PRIMARY KEY (weak_fp, strong_fp)
			)`,
			`CREATE TABLE IF NOT EXISTS pin_elision_hints (
				strong_fp TEXT PRIMARY KEY,
				duration_seconds INTEGER NOT NULL
			)`,
			`INSERT INTO settings (key, value) VALUES ('schema_version', '1')
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("metadatastore: migrate v1: %w", err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside a serializable transaction, rolling back on any
// error or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("metadatastore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// GetPathSets returns the previously-observed path sets for wf, ordered
// by usage count then recency (most-used, most-recent first) — the
// order PipExecutor's cache-lookup loop tries them in.
func (s *Store) GetPathSets(ctx context.Context, wf pipgraph.WeakFingerprint) ([]PathSetRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps_id, canonical_bytes, usage_count, recency
		FROM path_sets WHERE weak_fp = ?
		ORDER BY usage_count DESC, recency DESC`, wf.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var refs []PathSetRef
	for rows.Next() {
		var id, recencyStr string
		var canon []byte
		var usage int64
		if err := rows.Scan(&id, &canon, &usage, &recencyStr); err != nil {
			return nil, fmt.Errorf("metadatastore: scan path_set: %w", err)
		}
		recency, _ := time.Parse(time.RFC3339Nano, recencyStr)
		refs = append(refs, PathSetRef{
			ID:         id,
			PathSet:    decodePathSet(canon),
			UsageCount: usage,
			Recency:    recency,
		})
	}
	return refs, rows.Err()
}

// GetDescriptor returns the CacheDescriptor for (wf, sf), or ErrNotFound.
func (s *Store) GetDescriptor(ctx context.Context, wf pipgraph.WeakFingerprint, sf pipgraph.StrongFingerprint) (*pipgraph.CacheDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT outputs_json, observed_inputs_json, trace_info, build_session_id
		FROM cache_descriptors WHERE weak_fp = ? AND strong_fp = ?`, wf.String(), sf.String())

	var outputsJSON, observedJSON, traceInfo, sessionID string
	err := row.Scan(&outputsJSON, &observedJSON, &traceInfo, &sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var outputs []pipgraph.OutputEntry
	var observed []pipgraph.ObservedInput
	if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
		return nil, fmt.Errorf("%w: outputs: %v", ErrDescriptorCorrupt, err)
	}
	if err := json.Unmarshal([]byte(observedJSON), &observed); err != nil {
		return nil, fmt.Errorf("%w: observed inputs: %v", ErrDescriptorCorrupt, err)
	}

	return &pipgraph.CacheDescriptor{
		StrongFP:       sf,
		Outputs:        outputs,
		ObservedInputs: observed,
		TraceInfo:      traceInfo,
		BuildSessionID: sessionID,
	}, nil
}

// Publish records descriptor under (wf, psID, sf). The path-set key is
// content-addressed: psID is expected to already be the hash of ps's
// canonical bytes. Descriptors are keyed by (wf, sf): a differing SF is
// stored alongside existing ones, and behavior governs what happens when
// a descriptor already exists under the same (wf, sf).
func (s *Store) Publish(ctx context.Context, wf pipgraph.WeakFingerprint, psID string, ps pipgraph.PathSet, sf pipgraph.StrongFingerprint, descriptor pipgraph.CacheDescriptor, behavior ReplacementBehavior, cas ContentChecker) error {
	outputsJSON, err := json.Marshal(descriptor.Outputs)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal outputs: %w", err)
	}
	observedJSON, err := json.Marshal(descriptor.ObservedInputs)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal observed inputs: %w", err)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		if _, err := tx.Exec(`
			INSERT INTO path_sets (ps_id, weak_fp, canonical_bytes, usage_count, recency)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(ps_id) DO UPDATE SET usage_count = usage_count + 1, recency = excluded.recency
		`, psID, wf.String(), encodePathSet(ps), now); err != nil {
			return fmt.Errorf("metadatastore: upsert path_set: %w", err)
		}

		var existingOutputs string
		row := tx.QueryRow(`SELECT outputs_json FROM cache_descriptors WHERE weak_fp = ? AND strong_fp = ?`, wf.String(), sf.String())
		err := row.Scan(&existingOutputs)
		exists := !errors.Is(err, sql.ErrNoRows)
		if err != nil && exists {
			return fmt.Errorf("metadatastore: check existing descriptor: %w", err)
		}

		if exists {
			switch behavior {
			case ElideIfEquivalent:
				if existingOutputs == string(outputsJSON) {
					return nil
				}
			case CheckContentsFirst:
				if existingOutputs == string(outputsJSON) && outputsStillPresent(existingOutputs, cas) {
					return nil
				}
			case AlwaysOverwrite:
				// fall through to overwrite
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO cache_descriptors (weak_fp, strong_fp, ps_id, outputs_json, observed_inputs_json, trace_info, build_session_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(weak_fp, strong_fp) DO UPDATE SET
				ps_id = excluded.ps_id,
				outputs_json = excluded.outputs_json,
				observed_inputs_json = excluded.observed_inputs_json,
				trace_info = excluded.trace_info,
				build_session_id = excluded.build_session_id,
				created_at = excluded.created_at
		`, wf.String(), sf.String(), psID, string(outputsJSON), string(observedJSON), descriptor.TraceInfo, descriptor.BuildSessionID, now); err != nil {
			return fmt.Errorf("metadatastore: upsert descriptor: %w", err)
		}
		return nil
	})
}

// outputsStillPresent reports whether every output in the given
// outputs_json blob still has its content physically present in cas.
// A malformed blob or a nil cas is treated as "not verifiable", so
// CheckContentsFirst falls back to overwriting rather than trusting a
// descriptor it can't actually check.
func outputsStillPresent(outputsJSON string, cas ContentChecker) bool {
	if cas == nil {
		return false
	}
	var outputs []pipgraph.OutputEntry
	if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
		return false
	}
	for _, out := range outputs {
		if !cas.HasLocal(out.Hash) {
			return false
		}
	}
	return true
}

// PinElisionHint returns the duration window within which consumers may
// skip pinning sf's outputs, if one has been recorded.
func (s *Store) PinElisionHint(ctx context.Context, sf pipgraph.StrongFingerprint) (time.Duration, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT duration_seconds FROM pin_elision_hints WHERE strong_fp = ?`, sf.String())
	var seconds int64
	switch err := row.Scan(&seconds); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Duration(seconds) * time.Second, true, nil
}

// SetPinElisionHint records a pin-elision window for sf.
func (s *Store) SetPinElisionHint(ctx context.Context, sf pipgraph.StrongFingerprint, window time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pin_elision_hints (strong_fp, duration_seconds) VALUES (?, ?)
		ON CONFLICT(strong_fp) DO UPDATE SET duration_seconds = excluded.duration_seconds
	`, sf.String(), int64(window.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

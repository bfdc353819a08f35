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

// Package pipexec implements C5: the per-pip state machine driving
// cache-lookup, materialization, sandboxed execution and publish. It is
// generalized from the controller's jobs.Worker (acquire -> orchestrate
// steps -> mark status, with step-labeled events at each stage) onto a
// pip's Ready -> CacheLookup -> [Cached | Execute -> Executed] lifecycle.
package pipexec

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"forgecache/internal/contentstore"
	"forgecache/internal/dirtranslate"
	"forgecache/internal/errs"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/sandbox"
	"forgecache/internal/sharedopaque"
	"forgecache/pkg/pipgraph"
)

// Config tunes executor behavior that has no single correct default.
type Config struct {
	BuildSessionID      string
	ReplacementBehavior metadatastore.ReplacementBehavior
	PinUrgency          time.Duration
	PinElisionWindow    time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig(sessionID string) Config {
	return Config{
		BuildSessionID:      sessionID,
		ReplacementBehavior: metadatastore.ElideIfEquivalent,
		PinUrgency:          time.Minute,
		PinElisionWindow:    30 * time.Second,
	}
}

// Result is the outcome of running one pip to completion.
type Result struct {
	State      pipgraph.PipState
	MissReason errs.MissReason
	StrongFP   pipgraph.StrongFingerprint
	Outputs    []pipgraph.OutputEntry
}

// Executor runs pips against the cache and, on a miss, a sandbox.
type Executor struct {
	paths       *pipgraph.PathTable
	fp          *fingerprint.Fingerprinter
	meta        *metadatastore.Store
	cas         *contentstore.Store
	sb          sandbox.Sandbox
	translator  *dirtranslate.Translator
	shared      *sharedopaque.Tracker
	cfg         Config
	logger      *slog.Logger

	dedup singleflight.Group

	mu          sync.Mutex
	outputOwner map[pipgraph.PathID]pipgraph.PipID
	knownHashes map[pipgraph.PathID]pipgraph.ContentHash
}

// New constructs an Executor. translator and shared may be nil, in
// which case path translation and shared-opaque marking are skipped.
func New(paths *pipgraph.PathTable, fp *fingerprint.Fingerprinter, meta *metadatastore.Store, cas *contentstore.Store, sb sandbox.Sandbox, translator *dirtranslate.Translator, shared *sharedopaque.Tracker, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		paths:       paths,
		fp:          fp,
		meta:        meta,
		cas:         cas,
		sb:          sb,
		translator:  translator,
		shared:      shared,
		cfg:         cfg,
		logger:      logger,
		outputOwner: map[pipgraph.PathID]pipgraph.PipID{},
		knownHashes: map[pipgraph.PathID]pipgraph.ContentHash{},
	}
}

// RegisterKnownHash seeds the executor's hash table for a path whose
// content is already known, e.g. a graph-level artifact supplied by the
// orchestrator at attach time. The executor also calls this after
// hashing a pip's inputs and outputs and after materializing cached
// outputs, so later pips referencing the same path never re-hash.
func (e *Executor) RegisterKnownHash(id pipgraph.PathID, hash pipgraph.ContentHash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.knownHashes[id] = hash
}

func (e *Executor) lookupKnownHash(id pipgraph.PathID) (pipgraph.ContentHash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.knownHashes[id]
	return h, ok
}

func (e *Executor) translate(path string) string {
	if e.translator == nil {
		return path
	}
	return e.translator.Translate(path)
}

func (e *Executor) pathString(id pipgraph.PathID) string {
	s, _ := e.paths.Lookup(id)
	return e.translate(s)
}

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

package distribution

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// PipDispatchSink receives pips dispatched by the orchestrator, in
// stream order, after sequence-number dedup. A non-nil error stops the
// stream and fails the call; that request's sequence number is not
// committed, so the request is processed again if it is resent.
type PipDispatchSink interface {
	DispatchPip(ctx context.Context, req SinglePipBuildRequest) error
}

// WorkerServer implements the worker-role endpoints of spec.md §4.7: the
// ones the orchestrator calls into (Attach, ExecutePips/StreamExecutePips,
// Exit).
type WorkerServer struct {
	mu    sync.Mutex
	state WorkerConnState
	counts EventCounts

	signer *Signer
	sink   PipDispatchSink
	seq    *seqTracker
	logger *slog.Logger

	// OnAttached is invoked from handleAttach, in its own goroutine,
	// once an AttachRequest has been verified and handed to the sink.
	// A real worker binary uses this to report its Capacity back to the
	// orchestrator via AttachCompleted.
	OnAttached func(req AttachRequest)
}

// NewWorkerServer constructs a WorkerServer. signer may be nil to
// disable envelope verification.
func NewWorkerServer(signer *Signer, sink PipDispatchSink, logger *slog.Logger) *WorkerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerServer{
		state:  WorkerConnAttaching,
		signer: signer,
		sink:   sink,
		seq:    newSeqTracker(),
		logger: logger,
	}
}

// Register attaches the worker's handlers to mux.
func (s *WorkerServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/distribution/v1/attach", s.handleAttach)
	mux.HandleFunc("/distribution/v1/execute-pips", s.handleExecutePips)
	mux.HandleFunc("/distribution/v1/exit", s.handleExit)
}

func (s *WorkerServer) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req AttachRequest
	if err := readSigned(r, s.signer, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if len(req.GraphManifest) > 0 {
		if ga, ok := s.sink.(graphAttacher); ok {
			if err := ga.LoadGraph(req.GraphManifest); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_graph_manifest", err.Error())
				return
			}
		}
	}

	s.mu.Lock()
	s.state = WorkerConnAttached
	s.mu.Unlock()

	if s.OnAttached != nil {
		go s.OnAttached(req)
	}

	writeJSON(w, http.StatusOK, AckResponse{Version: CurrentVersion, Ack: true})
}

// graphAttacher is an optional capability a PipDispatchSink may
// implement to learn the build graph's shape once, at Attach time,
// instead of having every SinglePipBuildRequest re-describe its pip.
type graphAttacher interface {
	LoadGraph(manifestJSON []byte) error
}

func (s *WorkerServer) handleExecutePips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	attached := s.state == WorkerConnAttached
	s.mu.Unlock()
	if !attached {
		writeError(w, http.StatusConflict, "not_attached", "worker has not completed Attach")
		return
	}

	dec := json.NewDecoder(r.Body)
	accepted, dropped := 0, 0
	for dec.More() {
		var req SinglePipBuildRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if !s.seq.ShouldProcess("", req.SequenceNumber) {
			dropped++
			continue
		}
		if s.sink != nil {
			if err := s.sink.DispatchPip(r.Context(), req); err != nil {
				s.logger.Error("distribution: pip dispatch failed", "pip", req.PipID, "seq", req.SequenceNumber, "err", err)
				writeError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
				return
			}
		}
		s.seq.Commit("", req.SequenceNumber)
		accepted++
	}

	writeJSON(w, http.StatusOK, struct {
		Version  int `json:"version"`
		Accepted int `json:"accepted"`
		Dropped  int `json:"dropped"`
	}{CurrentVersion, accepted, dropped})
}

func (s *WorkerServer) handleExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.mu.Lock()
	s.state = WorkerConnTerminating
	counts := s.counts
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ExitResponse{Version: CurrentVersion, EventCounts: counts})
}

// RecordOutcome folds one pip's terminal state into this worker's
// lifetime EventCounts, reported back to the orchestrator on Exit.
func (s *WorkerServer) RecordOutcome(cached, executed, failed, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cached:
		s.counts.Cached++
	case executed:
		s.counts.Executed++
	case failed:
		s.counts.Failed++
	case skipped:
		s.counts.Skipped++
	}
}

// State returns the worker's current connection state.
func (s *WorkerServer) State() WorkerConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkTerminating transitions the worker to Terminating outside of an
// explicit Exit call, e.g. on detecting the orchestrator's pipe has
// disconnected, per spec.md's orchestrator-lost failure semantics.
func (s *WorkerServer) MarkTerminating() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = WorkerConnTerminating
}

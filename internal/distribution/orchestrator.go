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
	"time"

	"github.com/google/uuid"

	"forgecache/pkg/pipgraph"
)

// PipResultSink is notified of every pip result a worker reports, in
// stream order, after sequence-number dedup. A non-nil error tells the
// stream handler to stop and return a failure so the worker retries the
// remainder starting from the same sequence number.
type PipResultSink interface {
	IngestPipResult(ctx context.Context, workerID string, result PipResult) error
}

// workerRecord is the orchestrator's view of one attached worker.
type workerRecord struct {
	ID            string
	Location      pipgraph.MachineLocation
	Capacity      Capacity
	State         WorkerConnState
	LastHeartbeat time.Time
}

// OrchestratorServer implements the orchestrator-role endpoints of
// spec.md §4.7: the ones workers call into (Hello, AttachCompleted,
// Heartbeat, StreamPipResults), following the controller API's
// handler-per-route/writeJSON/Register(mux) idiom generalized from a
// single job resource to a worker-fleet registry.
type OrchestratorServer struct {
	mu      sync.RWMutex
	workers map[string]*workerRecord

	signer *Signer
	sink   PipResultSink
	seq    *seqTracker
	logger *slog.Logger

	heartbeatTimeout time.Duration
	// OnWorkerDead is invoked (from MonitorHeartbeats, in its own
	// goroutine) when a worker's heartbeat has not been seen within
	// heartbeatTimeout. cmd/forgecache-orchestrator wires it to
	// OrchestratorDriver.HandleWorkerLost, which fails that worker's
	// in-flight pips; they are not re-dispatched to another worker.
	OnWorkerDead func(workerID string)

	// OnWorkerHello is invoked synchronously from handleHello for a
	// newly registered worker, before the response is written. The
	// caller is expected to dial the worker back and Attach it with the
	// build's graph manifest.
	OnWorkerHello func(workerID string, location pipgraph.MachineLocation)

	// OnWorkerAttached is invoked synchronously from handleAttachCompleted
	// once a worker has reported its Capacity, i.e. once it is actually
	// ready to receive dispatched pips.
	OnWorkerAttached func(workerID string, capacity Capacity)
}

// NewOrchestratorServer constructs an OrchestratorServer. signer may be
// nil to disable envelope verification (e.g. in a single-machine build
// with no untrusted network hop). heartbeatTimeout of zero disables
// dead-worker detection.
func NewOrchestratorServer(signer *Signer, sink PipResultSink, heartbeatTimeout time.Duration, logger *slog.Logger) *OrchestratorServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrchestratorServer{
		workers:          map[string]*workerRecord{},
		signer:           signer,
		sink:             sink,
		seq:              newSeqTracker(),
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register attaches the orchestrator's handlers to mux.
func (s *OrchestratorServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/distribution/v1/hello", s.handleHello)
	mux.HandleFunc("/distribution/v1/attach-completed", s.handleAttachCompleted)
	mux.HandleFunc("/distribution/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/distribution/v1/stream-pip-results", s.handleStreamPipResults)
	mux.HandleFunc("/distribution/v1/stream-execution-log", s.handleStreamExecutionLog)
}

func (s *OrchestratorServer) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req HelloRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	id := req.RequestedID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if existing, ok := s.workers[id]; ok && existing.State == WorkerConnAttached {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, HelloResponse{Version: CurrentVersion, Status: SlotReleased, WorkerID: id})
		return
	}
	s.workers[id] = &workerRecord{
		ID:            id,
		Location:      req.WorkerLocation,
		State:         WorkerConnAttaching,
		LastHeartbeat: time.Now(),
	}
	s.mu.Unlock()

	if s.OnWorkerHello != nil {
		s.OnWorkerHello(id, req.WorkerLocation)
	}

	writeJSON(w, http.StatusOK, HelloResponse{Version: CurrentVersion, Status: SlotAccepted, WorkerID: id})
}

func (s *OrchestratorServer) handleAttachCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req AttachCompletedRequest
	if err := readSigned(r, s.signer, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	rec, ok := s.workers[req.WorkerID]
	if !ok {
		rec = &workerRecord{ID: req.WorkerID}
		s.workers[req.WorkerID] = rec
	}
	rec.Capacity = req.Capacity
	rec.State = WorkerConnAttached
	rec.LastHeartbeat = time.Now()
	s.mu.Unlock()

	if s.OnWorkerAttached != nil {
		s.OnWorkerAttached(req.WorkerID, req.Capacity)
	}

	writeJSON(w, http.StatusOK, AckResponse{Version: CurrentVersion, Ack: true})
}

func (s *OrchestratorServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req HeartbeatRequest
	if err := readSigned(r, s.signer, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	if rec, ok := s.workers[req.WorkerID]; ok {
		rec.LastHeartbeat = time.Now()
		if rec.State == WorkerConnDead {
			rec.State = WorkerConnAttached
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, HeartbeatResponse{Version: CurrentVersion, Ack: true})
}

// HeartbeatResponse acknowledges a Heartbeat call.
type HeartbeatResponse struct {
	Version int  `json:"version"`
	Ack     bool `json:"ack"`
}

func (s *OrchestratorServer) handleStreamPipResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id is required")
		return
	}

	dec := json.NewDecoder(r.Body)
	accepted, dropped := 0, 0
	for dec.More() {
		var res PipResult
		if err := dec.Decode(&res); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if !s.seq.ShouldProcess(workerID, res.SequenceNumber) {
			dropped++
			continue
		}
		if s.sink != nil {
			if err := s.sink.IngestPipResult(r.Context(), workerID, res); err != nil {
				s.logger.Error("distribution: pip result ingestion failed, worker will retry", "worker", workerID, "seq", res.SequenceNumber, "err", err)
				writeError(w, http.StatusInternalServerError, "ingestion_failed", err.Error())
				return
			}
		}
		s.seq.Commit(workerID, res.SequenceNumber)
		accepted++
	}

	writeJSON(w, http.StatusOK, struct {
		Version  int `json:"version"`
		Accepted int `json:"accepted"`
		Dropped  int `json:"dropped"`
	}{CurrentVersion, accepted, dropped})
}

func (s *OrchestratorServer) handleStreamExecutionLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id is required")
		return
	}

	dec := json.NewDecoder(r.Body)
	accepted, dropped := 0, 0
	key := "log:" + workerID
	for dec.More() {
		var chunk ExecutionLogChunk
		if err := dec.Decode(&chunk); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if !s.seq.ShouldProcess(key, chunk.SequenceNumber) {
			dropped++
			continue
		}
		// Opaque blobs are neither stored nor interpreted; this layer
		// only enforces ordering/dedup.
		s.seq.Commit(key, chunk.SequenceNumber)
		accepted++
	}

	writeJSON(w, http.StatusOK, struct {
		Version  int `json:"version"`
		Accepted int `json:"accepted"`
		Dropped  int `json:"dropped"`
	}{CurrentVersion, accepted, dropped})
}

// MonitorHeartbeats polls every attached worker's LastHeartbeat every
// interval and marks a worker Dead, invoking OnWorkerDead, the first
// time it is found stale; it returns when ctx is canceled.
func (s *OrchestratorServer) MonitorHeartbeats(ctx context.Context, interval time.Duration) {
	if s.heartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepDeadWorkers()
		}
	}
}

func (s *OrchestratorServer) sweepDeadWorkers() {
	now := time.Now()
	var dead []string

	s.mu.Lock()
	for id, rec := range s.workers {
		if rec.State == WorkerConnDead || rec.State == WorkerConnTerminating {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > s.heartbeatTimeout {
			rec.State = WorkerConnDead
			dead = append(dead, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dead {
		s.logger.Warn("distribution: worker heartbeat timeout, marking dead", "worker", id)
		if s.OnWorkerDead != nil {
			s.OnWorkerDead(id)
		}
	}
}

// WorkerCapacity returns the last-reported Capacity for workerID, and
// whether it is currently known and attached.
func (s *OrchestratorServer) WorkerCapacity(workerID string) (Capacity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workers[workerID]
	if !ok || rec.State != WorkerConnAttached {
		return Capacity{}, false
	}
	return rec.Capacity, true
}

// MarkTerminating records that workerID is shutting down, so a later
// lost-heartbeat sweep does not re-report it as newly dead.
func (s *OrchestratorServer) MarkTerminating(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.workers[workerID]; ok {
		rec.State = WorkerConnTerminating
	}
}

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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"forgecache/internal/distribution"
	"forgecache/pkg/pipgraph"
)

// WorkerHandle is the orchestrator's view of one attached worker: enough
// to dispatch a pip to it. It does not track which queues have room.
type WorkerHandle struct {
	ID     string
	Client *distribution.WorkerClient
}

// OrchestratorDriver owns a sealed PipGraph the way spec.md says the
// orchestrator must: it tracks readiness the same Kahn's-algorithm way
// LocalDriver does, but instead of running a pip locally it round-robins
// ready pips across attached workers and implements
// distribution.PipResultSink to learn when they finish.
type OrchestratorDriver struct {
	graph  *pipgraph.PipGraph
	logger *slog.Logger

	mu         sync.Mutex
	workers    []WorkerHandle
	nextWorker int
	seqByIdx   map[int]int64

	indegree   map[pipgraph.PipID]int
	remaining  int
	results    map[pipgraph.PipID]distribution.PipResult
	outputHash map[pipgraph.FileArtifact]pipgraph.ContentHash
	inFlight   map[pipgraph.PipID]string
	firstErr   error
	done       chan struct{}
	closeOnce  sync.Once
}

// NewOrchestratorDriver constructs a driver over an already-Sealed
// graph and the workers currently attached for this build.
func NewOrchestratorDriver(graph *pipgraph.PipGraph, workers []WorkerHandle, logger *slog.Logger) *OrchestratorDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrchestratorDriver{
		graph:      graph,
		logger:     logger,
		workers:    workers,
		seqByIdx:   map[int]int64{},
		results:    map[pipgraph.PipID]distribution.PipResult{},
		outputHash: map[pipgraph.FileArtifact]pipgraph.ContentHash{},
		inFlight:   map[pipgraph.PipID]string{},
		done:       make(chan struct{}),
	}
}

// Run dispatches every pip in dependency order across the attached
// workers and blocks until the whole graph has reported a terminal
// result or ctx is canceled.
func (o *OrchestratorDriver) Run(ctx context.Context) (map[pipgraph.PipID]distribution.PipResult, error) {
	order := o.graph.Order()
	o.indegree = make(map[pipgraph.PipID]int, len(order))
	o.remaining = len(order)

	var ready []pipgraph.PipID
	for _, id := range order {
		preds := o.graph.Predecessors(id)
		o.indegree[id] = len(preds)
		if len(preds) == 0 {
			ready = append(ready, id)
		}
	}

	if len(order) == 0 {
		return o.results, nil
	}
	if len(o.workers) == 0 {
		return o.results, fmt.Errorf("engine: no workers attached")
	}

	for _, id := range ready {
		o.dispatch(ctx, id)
	}

	select {
	case <-o.done:
	case <-ctx.Done():
		return o.results, ctx.Err()
	}
	return o.results, o.firstErr
}

func (o *OrchestratorDriver) dispatch(ctx context.Context, id pipgraph.PipID) {
	pip := o.graph.Pip(id)

	o.mu.Lock()
	idx := o.nextWorker
	o.nextWorker = (o.nextWorker + 1) % len(o.workers)
	worker := o.workers[idx]
	o.seqByIdx[idx]++
	seq := o.seqByIdx[idx]
	o.inFlight[id] = worker.ID

	var inputs []distribution.InputArtifact
	for _, in := range pip.DeclaredInputs {
		if in.IsSourceFile() {
			continue
		}
		hash, ok := o.outputHash[in]
		if !ok {
			o.logger.Error("engine: producer output not yet known, this should not happen in topological order", "pip", id, "path", in.Path)
			continue
		}
		inputs = append(inputs, distribution.InputArtifact{Path: in.Path, RewriteCount: in.RewriteCount, Hash: hash})
	}
	o.mu.Unlock()

	req := distribution.SinglePipBuildRequest{
		SequenceNumber: seq,
		PipID:          id,
		Priority:       pip.Priority,
		RequiredInputs: inputs,
	}

	go func() {
		if err := worker.Client.StreamExecutePips(ctx, []distribution.SinglePipBuildRequest{req}); err != nil {
			o.logger.Error("engine: dispatch to worker failed", "worker", worker.ID, "pip", id, "err", err)
			_ = o.IngestPipResult(ctx, worker.ID, distribution.PipResult{
				SequenceNumber: seq,
				PipID:          id,
				State:          pipgraph.PipStateFailed,
				ErrorMessage:   err.Error(),
			})
		}
	}()
}

// IngestPipResult satisfies distribution.PipResultSink: it records the
// result, resolves any successors this pip unblocked, and dispatches
// them. The first failing pip stops further dispatch but lets in-flight
// workers finish and report. HandleWorkerLost reuses it to synthesize a
// failure for a worker that stopped heartbeating mid-build.
func (o *OrchestratorDriver) IngestPipResult(ctx context.Context, workerID string, result distribution.PipResult) error {
	o.mu.Lock()
	o.results[result.PipID] = result
	delete(o.inFlight, result.PipID)
	for _, out := range result.Outputs {
		o.outputHash[pipgraph.FileArtifact{Path: out.Path, RewriteCount: out.RewriteCount}] = out.Hash
	}
	if result.ErrorMessage != "" && o.firstErr == nil {
		o.firstErr = fmt.Errorf("pip %d on worker %s: %s", result.PipID, workerID, result.ErrorMessage)
	}
	abort := o.firstErr != nil

	var newlyReady []pipgraph.PipID
	if !abort {
		for _, succ := range o.graph.Successors(result.PipID) {
			o.indegree[succ]--
			if o.indegree[succ] == 0 {
				newlyReady = append(newlyReady, succ)
			}
		}
	}
	o.remaining--
	finished := o.remaining == 0
	o.mu.Unlock()

	for _, next := range newlyReady {
		o.dispatch(ctx, next)
	}
	if finished || abort {
		o.closeOnce.Do(func() { close(o.done) })
	}
	return nil
}

// HandleWorkerLost fails every pip still in flight on workerID;
// cmd/forgecache-orchestrator calls it from OrchestratorServer.OnWorkerDead
// after a missed heartbeat. It is safe to call more than once for the same
// worker; pips that already reported a result are left alone.
func (o *OrchestratorDriver) HandleWorkerLost(ctx context.Context, workerID string) {
	o.mu.Lock()
	var lost []pipgraph.PipID
	for id, w := range o.inFlight {
		if w == workerID {
			lost = append(lost, id)
		}
	}
	o.mu.Unlock()

	for _, id := range lost {
		_ = o.IngestPipResult(ctx, workerID, distribution.PipResult{
			PipID:        id,
			State:        pipgraph.PipStateFailed,
			ErrorMessage: fmt.Sprintf("worker %s lost heartbeat", workerID),
		})
	}
}

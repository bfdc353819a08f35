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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forgecache/internal/distribution"
	"forgecache/internal/manifest"
	"forgecache/internal/pipexec"
	"forgecache/pkg/pipgraph"
)

// ResultReporter ships a finished pip's outcome toward the orchestrator.
// cmd/forgecache-worker supplies an implementation that assigns
// per-stream sequence numbers and batches results through an
// distribution.OrchestratorClient.
type ResultReporter interface {
	ReportPipResult(ctx context.Context, result distribution.PipResult)
}

// WorkerDriver implements distribution.PipDispatchSink: it receives one
// SinglePipBuildRequest at a time from the orchestrator, runs it through
// a local PipExecutor, and reports the outcome through a ResultReporter.
//
// WorkerDriver does not own the pip graph's shape; it learns it once
// from the AttachRequest.GraphManifest, which must be the exact same
// manifest document the orchestrator itself loaded. Because both sides
// build their PathTable by interning paths in the same deterministic
// manifest order, PathIDs agree across the wire without ever being
// serialized as strings.
type WorkerDriver struct {
	paths    *pipgraph.PathTable
	exec     *pipexec.Executor
	reporter ResultReporter
	logger   *slog.Logger

	mu    sync.Mutex
	graph *pipgraph.PipGraph
}

// NewWorkerDriver constructs a driver around an already-built Executor
// and the PathTable it was constructed with. Every finished pip's
// outcome is handed to reporter.
func NewWorkerDriver(exec *pipexec.Executor, paths *pipgraph.PathTable, reporter ResultReporter, logger *slog.Logger) *WorkerDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerDriver{paths: paths, exec: exec, reporter: reporter, logger: logger}
}

// LoadGraph parses a manifest.Manifest JSON document and seals it into
// this worker's PipGraph, sharing this driver's PathTable.
func (w *WorkerDriver) LoadGraph(manifestJSON []byte) error {
	var m manifest.Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return fmt.Errorf("engine: worker graph manifest: %w", err)
	}
	graph, err := manifest.Build(&m, w.paths)
	if err != nil {
		return fmt.Errorf("engine: worker graph manifest: %w", err)
	}
	w.mu.Lock()
	w.graph = graph
	w.mu.Unlock()
	return nil
}

// DispatchPip runs req.PipID to completion and reports its result via
// the driver's ResultReporter. It satisfies distribution.PipDispatchSink.
func (w *WorkerDriver) DispatchPip(ctx context.Context, req distribution.SinglePipBuildRequest) error {
	w.mu.Lock()
	graph := w.graph
	w.mu.Unlock()
	if graph == nil {
		return fmt.Errorf("engine: worker received ExecutePips before a graph was attached")
	}
	pip := graph.Pip(req.PipID)
	if pip == nil {
		return fmt.Errorf("engine: unknown pip %d", req.PipID)
	}

	for _, in := range req.RequiredInputs {
		if in.Hash.IsZero() {
			continue
		}
		w.exec.RegisterKnownHash(in.Path, in.Hash)
	}

	started := time.Now()
	res, execErr := w.exec.Execute(ctx, pip)
	finished := time.Now()

	result := distribution.PipResult{
		PipID:      req.PipID,
		State:      res.State,
		MissReason: string(res.MissReason),
		Outputs:    res.Outputs,
		StrongFP:   res.StrongFP,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if execErr != nil {
		result.ErrorMessage = execErr.Error()
		w.logger.Error("engine: pip execution failed", "pip", req.PipID, "err", execErr)
	}
	w.reporter.ReportPipResult(ctx, result)
	return execErr
}

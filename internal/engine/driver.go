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

// Package engine wires the Dispatcher (C6) to the PipExecutor (C5) over
// a sealed PipGraph, the way the controller's main.go wires
// jobs.NewWorker(st, builder, rfFactory, wcfg, logger) to an http.Server:
// a small amount of glue in one place, no framework. LocalDriver is the
// single-process build path used by the `forgecache` CLI; the
// orchestrator/worker daemons use the same PipExecutor but drive it from
// remote dispatch requests via internal/distribution instead.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"forgecache/internal/dispatcher"
	"forgecache/internal/pipexec"
	"forgecache/pkg/pipgraph"
)

// LocalDriver runs every pip in a sealed PipGraph to completion, using a
// Dispatcher for concurrency/admission control and a PipExecutor for the
// per-pip cache-lookup/execute/publish state machine.
type LocalDriver struct {
	graph  *pipgraph.PipGraph
	exec   *pipexec.Executor
	disp   *dispatcher.Dispatcher
	logger *slog.Logger

	mu        sync.Mutex
	indegree  map[pipgraph.PipID]int
	remaining int
	results   map[pipgraph.PipID]pipexec.Result
	firstErr  error
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalDriver constructs a driver over an already-Sealed graph.
func NewLocalDriver(graph *pipgraph.PipGraph, exec *pipexec.Executor, disp *dispatcher.Dispatcher, logger *slog.Logger) *LocalDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDriver{
		graph:   graph,
		exec:    exec,
		disp:    disp,
		logger:  logger,
		results: map[pipgraph.PipID]pipexec.Result{},
		done:    make(chan struct{}),
	}
}

// Run drives the dispatcher loop and submits every pip in dependency
// order, returning each pip's Result keyed by id. It fails fast: the
// first pip to return any error stops further submission and Run
// returns that error at once; pips already in flight are neither
// waited for nor canceled.
func (d *LocalDriver) Run(ctx context.Context) (map[pipgraph.PipID]pipexec.Result, error) {
	order := d.graph.Order()
	d.indegree = make(map[pipgraph.PipID]int, len(order))
	d.remaining = len(order)

	var ready []pipgraph.PipID
	for _, id := range order {
		preds := d.graph.Predecessors(id)
		d.indegree[id] = len(preds)
		if len(preds) == 0 {
			ready = append(ready, id)
		}
	}

	if len(order) == 0 {
		return d.results, nil
	}

	go d.disp.Run(ctx)

	for _, id := range ready {
		d.submit(ctx, id)
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		return d.results, ctx.Err()
	}
	return d.results, d.firstErr
}

func (d *LocalDriver) submit(ctx context.Context, id pipgraph.PipID) {
	pip := d.graph.Pip(id)
	kind := queueFor(pip)
	weight := int32(1)
	if pip.Weight > 0 {
		weight = pip.Weight
	}

	d.disp.Submit(kind, id, pip.Priority, weight, func(ctx context.Context) error {
		res, err := d.exec.Execute(ctx, pip)
		d.mu.Lock()
		d.results[id] = res
		d.mu.Unlock()
		return err
	}, func(err error) {
		d.onPipDone(ctx, id, err)
	})
}

func (d *LocalDriver) onPipDone(ctx context.Context, id pipgraph.PipID, err error) {
	d.mu.Lock()
	if err != nil && d.firstErr == nil {
		d.firstErr = fmt.Errorf("pip %d: %w", id, err)
	}
	abort := d.firstErr != nil
	var newlyReady []pipgraph.PipID
	if !abort {
		for _, succ := range d.graph.Successors(id) {
			d.indegree[succ]--
			if d.indegree[succ] == 0 {
				newlyReady = append(newlyReady, succ)
			}
		}
	}
	d.remaining--
	finished := d.remaining == 0
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("engine: pip failed", "pip", id, "err", err)
	}

	for _, next := range newlyReady {
		d.submit(ctx, next)
	}

	if finished || abort {
		d.closeOnce.Do(func() { close(d.done) })
	}
}

// queueFor maps a pip's kind to the dispatcher queue it belongs in, per
// the operation sequence spec.md §4.5 describes: Process pips run under
// the CPU-weighted queue, Ipc pips go to the IpcPips queue, and every
// other kind shares the Light queue.
func queueFor(p *pipgraph.Pip) pipgraph.DispatcherKind {
	switch p.Kind {
	case pipgraph.PipKindProcess:
		return pipgraph.DispatcherKindCPU
	case pipgraph.PipKindIpc:
		return pipgraph.DispatcherKindIpcPips
	default:
		return pipgraph.DispatcherKindLight
	}
}

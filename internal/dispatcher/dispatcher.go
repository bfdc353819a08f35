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

// Package dispatcher implements C6: a set of independently-capped
// priority queues feeding a cooperative single event loop, the way the
// controller's Worker.Run loop polls and processes one job at a time,
// generalized here from a single poll loop over one job source into N
// named loops, each with its own concurrency budget and an optional
// CPU-weight admission semaphore.
package dispatcher

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"forgecache/internal/metrics"
	"forgecache/pkg/pipgraph"
)

// QueueConfig configures one named queue's concurrency budget.
type QueueConfig struct {
	MaxParallelism int64
	// CPUWeighted makes admission consume `weight` units of a shared
	// semaphore of capacity MaxParallelism instead of one "slot" per
	// pip, per spec §4.6's CPU-weight admission rule.
	CPUWeighted bool
}

// Config is the full per-queue configuration for a Dispatcher.
type Config struct {
	Queues map[pipgraph.DispatcherKind]QueueConfig
	// DrainTimeout bounds how long Shutdown waits for in-flight pips to
	// finish before returning regardless of outstanding work. Zero means
	// unbounded.
	DrainTimeout time.Duration
}

// DefaultConfig returns one slot per logical CPU for CPU-bound queues and
// a handful of slots for I/O-bound ones; callers should tune to their
// hardware.
func DefaultConfig(cpuCapacity int64) Config {
	return Config{
		Queues: map[pipgraph.DispatcherKind]QueueConfig{
			pipgraph.DispatcherKindIO:                      {MaxParallelism: 16},
			pipgraph.DispatcherKindCacheLookup:              {MaxParallelism: 16},
			pipgraph.DispatcherKindDelayedCacheLookup:       {MaxParallelism: 4},
			pipgraph.DispatcherKindChooseWorkerCacheLookup:  {MaxParallelism: 16},
			pipgraph.DispatcherKindChooseWorkerCPU:          {MaxParallelism: cpuCapacity},
			pipgraph.DispatcherKindChooseWorkerLight:        {MaxParallelism: 16},
			pipgraph.DispatcherKindChooseWorkerIpc:          {MaxParallelism: 8},
			pipgraph.DispatcherKindCPU:                      {MaxParallelism: cpuCapacity, CPUWeighted: true},
			pipgraph.DispatcherKindMaterialize:              {MaxParallelism: 8},
			pipgraph.DispatcherKindLight:                    {MaxParallelism: 32},
			pipgraph.DispatcherKindIpcPips:                  {MaxParallelism: 8},
		},
		DrainTimeout: 0,
	}
}

type queue struct {
	kind    pipgraph.DispatcherKind
	mu      sync.Mutex
	ready   priorityHeap
	running int64
	sem     *semaphore.Weighted
}

// Dispatcher runs every named queue's cooperative scheduling loop and
// tracks in-flight work for a bounded-drain shutdown.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	queues map[pipgraph.DispatcherKind]*queue
	wake   chan struct{}

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs a Dispatcher from cfg. Every DispatcherKind named in
// spec.md §4.6 must have an entry in cfg.Queues.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		queues:  map[pipgraph.DispatcherKind]*queue{},
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	for kind, qc := range cfg.Queues {
		capacity := qc.MaxParallelism
		if capacity <= 0 {
			capacity = 1
		}
		d.queues[kind] = &queue{kind: kind, sem: semaphore.NewWeighted(capacity)}
	}
	return d
}

// Submit enqueues a pip phase onto the named queue. priority is compared
// numerically (higher runs first); weight only matters for CPU-weighted
// queues. onDone, if non-nil, is called after run finishes (whether it
// succeeded or not) and is where the caller decides the pip's next
// queue, if any.
func (d *Dispatcher) Submit(kind pipgraph.DispatcherKind, id pipgraph.PipID, priority int32, weight int32, run RunFunc, onDone CompletionFunc) {
	q, ok := d.queues[kind]
	if !ok {
		d.logger.Error("dispatcher: submit to unconfigured queue", "queue", string(kind))
		return
	}
	w := int64(weight)
	if w <= 0 || !d.cfg.Queues[kind].CPUWeighted {
		w = 1
	}
	q.mu.Lock()
	heap.Push(&q.ready, &item{id: id, priority: priority, weight: w, run: run, onDone: onDone})
	metrics.SetQueueDepth(string(kind), q.ready.Len())
	q.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives every queue's event loop until ctx is canceled or Shutdown
// is called. It blocks until all queues have stopped accepting new
// runs and in-flight work has drained (subject to DrainTimeout).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.closing:
			d.drain()
			return
		case <-d.wake:
		}
		d.dispatchReady(ctx)
	}
}

// dispatchReady offers the highest-priority ready item from every queue
// until that queue's concurrency budget is exhausted or it has no
// admissible candidate. A CPU-weighted queue whose head would block on
// the semaphore is skipped in favor of the next head rather than
// stalling the whole queue, per spec §4.6.
func (d *Dispatcher) dispatchReady(ctx context.Context) {
	for _, q := range d.queues {
		d.drainQueue(ctx, q)
	}
}

func (d *Dispatcher) drainQueue(ctx context.Context, q *queue) {
	var deferred []*item
	for {
		q.mu.Lock()
		if q.ready.Len() == 0 {
			q.mu.Unlock()
			break
		}
		it := heap.Pop(&q.ready).(*item)
		q.mu.Unlock()

		if !q.sem.TryAcquire(it.weight) {
			deferred = append(deferred, it)
			continue
		}

		q.mu.Lock()
		q.running++
		metrics.SetQueueRunning(string(q.kind), int(q.running))
		metrics.SetQueueDepth(string(q.kind), q.ready.Len())
		q.mu.Unlock()

		d.wg.Add(1)
		go d.runItem(ctx, q, it)
	}

	if len(deferred) > 0 {
		q.mu.Lock()
		for _, it := range deferred {
			heap.Push(&q.ready, it)
		}
		metrics.SetQueueDepth(string(q.kind), q.ready.Len())
		q.mu.Unlock()
	}
}

func (d *Dispatcher) runItem(ctx context.Context, q *queue, it *item) {
	defer d.wg.Done()
	defer q.sem.Release(it.weight)

	err := it.run(ctx)

	q.mu.Lock()
	q.running--
	metrics.SetQueueRunning(string(q.kind), int(q.running))
	q.mu.Unlock()

	if err != nil {
		d.logger.Error("dispatcher: pip run failed", "pip", it.id, "queue", string(q.kind), "err", err)
	}
	if it.onDone != nil {
		it.onDone(err)
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting new work and waits for in-flight pips to
// finish, honoring cfg.DrainTimeout.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() { close(d.closing) })
	d.drain()
}

func (d *Dispatcher) drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if d.cfg.DrainTimeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Warn("dispatcher: drain timeout exceeded, exiting with work outstanding")
	}
}

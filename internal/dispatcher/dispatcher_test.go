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

package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forgecache/pkg/pipgraph"
)

func TestDispatcherRunsSubmittedItems(t *testing.T) {
	cfg := Config{Queues: map[pipgraph.DispatcherKind]QueueConfig{
		pipgraph.DispatcherKindLight: {MaxParallelism: 2},
	}}
	d := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	var ran int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		id := pipgraph.PipID(i)
		d.Submit(pipgraph.DispatcherKindLight, id, 0, 1, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}, func(err error) { wg.Done() })
	}

	waitOrTimeout(t, &wg, 2*time.Second)
	cancel()

	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Fatalf("ran = %d, want 5", got)
	}
}

func TestDispatcherRespectsMaxParallelism(t *testing.T) {
	cfg := Config{Queues: map[pipgraph.DispatcherKind]QueueConfig{
		pipgraph.DispatcherKindCPU: {MaxParallelism: 1, CPUWeighted: true},
	}}
	d := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	var concurrent, maxConcurrent int32
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		id := pipgraph.PipID(i)
		d.Submit(pipgraph.DispatcherKindCPU, id, 0, 1, func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				m := atomic.LoadInt32(&maxConcurrent)
				if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil
		}, func(err error) { wg.Done() })
	}

	waitOrTimeout(t, &wg, 3*time.Second)

	if got := atomic.LoadInt32(&maxConcurrent); got != 1 {
		t.Fatalf("maxConcurrent = %d, want 1", got)
	}
}

func TestDispatcherSubmitToUnconfiguredQueueDoesNotPanic(t *testing.T) {
	d := New(Config{Queues: map[pipgraph.DispatcherKind]QueueConfig{}}, nil)
	d.Submit(pipgraph.DispatcherKindCPU, 1, 0, 1, func(ctx context.Context) error { return nil }, nil)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for completions")
	}
}

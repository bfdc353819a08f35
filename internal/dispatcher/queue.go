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
	"container/heap"
	"context"

	"forgecache/pkg/pipgraph"
)

// RunFunc performs one dispatcher-scheduled phase of a pip's lifecycle.
type RunFunc func(ctx context.Context) error

// CompletionFunc is notified when a RunFunc finishes, and decides what
// happens next: Submit onto another queue, or stop (the pip reached a
// terminal state). The dispatcher itself holds no pip-lifecycle
// knowledge; this callback is where that policy lives.
type CompletionFunc func(err error)

// item is one queued unit of work: a pip at a particular lifecycle
// phase, ordered by descending priority with PipID as the tiebreak so
// scheduling is deterministic across otherwise-equal-priority pips.
type item struct {
	id       pipgraph.PipID
	priority int32
	weight   int64
	run      RunFunc
	onDone   CompletionFunc
}

// priorityHeap implements container/heap.Interface over *item.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].id < h[j].id
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ = heap.Interface(&priorityHeap{})

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

package contentstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"forgecache/pkg/pipgraph"
)

// RemoteReplica is the out-of-scope remote blob backend collaborator:
// the interface the content store consumes for verify/fetch/push
// against a peer machine. A real implementation would speak gRPC/HTTP
// to a remote cache service; LoopbackReplica below is an in-memory
// stand-in used for single-machine builds and tests.
type RemoteReplica interface {
	// Verify confirms loc still holds hash's content.
	Verify(ctx context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation) (bool, error)
	// Fetch streams hash's content from loc.
	Fetch(ctx context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation) (io.ReadCloser, error)
	// Push streams content to loc under hash.
	Push(ctx context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation, r io.Reader) error
}

// LoopbackReplica is an in-process RemoteReplica backed by a shared
// in-memory blob map, keyed additionally by location so distinct
// "machines" in a test or single-process build don't see each other's
// content until explicitly pushed.
type LoopbackReplica struct {
	mu    sync.RWMutex
	blobs map[pipgraph.MachineLocation]map[pipgraph.ContentHash][]byte
}

var _ RemoteReplica = (*LoopbackReplica)(nil)

// NewLoopbackReplica returns an empty LoopbackReplica.
func NewLoopbackReplica() *LoopbackReplica {
	return &LoopbackReplica{blobs: map[pipgraph.MachineLocation]map[pipgraph.ContentHash][]byte{}}
}

// Seed directly registers content at loc, bypassing Push — useful for
// test setup representing "this peer already has the blob."
func (l *LoopbackReplica) Seed(loc pipgraph.MachineLocation, hash pipgraph.ContentHash, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blobs[loc] == nil {
		l.blobs[loc] = map[pipgraph.ContentHash][]byte{}
	}
	l.blobs[loc][hash] = data
}

func (l *LoopbackReplica) Verify(_ context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.blobs[loc][hash]
	return ok, nil
}

func (l *LoopbackReplica) Fetch(_ context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation) (io.ReadCloser, error) {
	l.mu.RLock()
	data, ok := l.blobs[loc][hash]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrContentNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (l *LoopbackReplica) Push(_ context.Context, hash pipgraph.ContentHash, loc pipgraph.MachineLocation, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	l.Seed(loc, hash, data)
	return nil
}

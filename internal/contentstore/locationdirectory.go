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
	"sync"

	"forgecache/pkg/pipgraph"
)

// LocationRecord is one (content, machine) presence claim.
type LocationRecord struct {
	Hash     pipgraph.ContentHash
	Location pipgraph.MachineLocation
	Verified bool
}

// LocationDirectory is the entity table keyed by ContentHash with a
// secondary index by MachineLocation, per the Design Notes: read-mostly,
// updated on every successful put, stale entries purged asynchronously
// on verify failure. A plain RWMutex is the optimistic-concurrency
// mechanism here — readers never block each other, and writers are rare
// relative to reads (one per put, versus many pin/place lookups).
type LocationDirectory struct {
	mu         sync.RWMutex
	byHash     map[pipgraph.ContentHash]map[pipgraph.MachineLocation]bool // value = verified
	byLocation map[pipgraph.MachineLocation]map[pipgraph.ContentHash]bool
}

// NewLocationDirectory returns an empty directory.
func NewLocationDirectory() *LocationDirectory {
	return &LocationDirectory{
		byHash:     map[pipgraph.ContentHash]map[pipgraph.MachineLocation]bool{},
		byLocation: map[pipgraph.MachineLocation]map[pipgraph.ContentHash]bool{},
	}
}

// Record registers that loc claims to hold hash's content.
func (d *LocationDirectory) Record(hash pipgraph.ContentHash, loc pipgraph.MachineLocation, verified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byHash[hash] == nil {
		d.byHash[hash] = map[pipgraph.MachineLocation]bool{}
	}
	d.byHash[hash][loc] = verified || d.byHash[hash][loc]

	if d.byLocation[loc] == nil {
		d.byLocation[loc] = map[pipgraph.ContentHash]bool{}
	}
	d.byLocation[loc][hash] = true
}

// Purge removes loc's claim on hash, e.g. after a failed verify.
func (d *LocationDirectory) Purge(hash pipgraph.ContentHash, loc pipgraph.MachineLocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byHash[hash], loc)
	delete(d.byLocation[loc], hash)
}

// Locations returns every location claiming to hold hash, plus whether
// each has been verified.
func (d *LocationDirectory) Locations(hash pipgraph.ContentHash) []LocationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []LocationRecord
	for loc, verified := range d.byHash[hash] {
		out = append(out, LocationRecord{Hash: hash, Location: loc, Verified: verified})
	}
	return out
}

// Count returns the number of locations claiming hash.
func (d *LocationDirectory) Count(hash pipgraph.ContentHash) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHash[hash])
}

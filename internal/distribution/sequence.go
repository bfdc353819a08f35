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

import "sync"

// seqTracker implements the stream's sequence-number discipline: a
// message is processed only if its number exceeds every number already
// committed for the same key, and commits only happen once a message is
// durably ingested. A retried send of an already-committed number is
// silently dropped, making the stream idempotent on resubmission after a
// partial ingestion failure.
type seqTracker struct {
	mu   sync.Mutex
	high map[string]int64
}

func newSeqTracker() *seqTracker {
	return &seqTracker{high: map[string]int64{}}
}

// ShouldProcess reports whether seq is new for key.
func (t *seqTracker) ShouldProcess(key string, seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return seq > t.high[key]
}

// Commit records seq as processed for key. Call only after the message
// has been durably applied; never commit before ingestion succeeds.
func (t *seqTracker) Commit(key string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.high[key] {
		t.high[key] = seq
	}
}

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
	"time"

	"forgecache/pkg/pipgraph"
)

// pinCache is the concurrent, TTL-expiring map of already-satisfied
// pins, build-scoped per spec §3's "Pin state ... strictly build-scoped"
// lifecycle rule.
type pinCache struct {
	mu      sync.Mutex
	entries map[pipgraph.ContentHash]time.Time // hash -> expiry
}

func newPinCache() *pinCache {
	return &pinCache{entries: map[pipgraph.ContentHash]time.Time{}}
}

// FreshAnswer reports whether hash has an unexpired pin-cache entry.
func (c *pinCache) FreshAnswer(hash pipgraph.ContentHash, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[hash]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(c.entries, hash)
		return false
	}
	return true
}

// Set records a pin-cache entry expiring at expiry, keeping the later
// of any existing and the new expiry.
func (c *pinCache) Set(hash pipgraph.ContentHash, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[hash]; ok && existing.After(expiry) {
		return
	}
	c.entries[hash] = expiry
}

// ttlForLocationCount computes the pin-cache TTL for a successful pin
// backed by n location records, per the Design Notes' "geometric
// discount factor, configurable, not a literal" instruction: the base
// TTL is multiplied by 1 + r + r^2 + ..., one term per location beyond
// the first, with r = 1 + DiscountFactor; the multiplier is capped at 10.
func ttlForLocationCount(n int, cfg PinConfig) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(cfg.BaseTTL)
	growth := 1.0
	factor := 1.0
	for i := 1; i < n; i++ {
		factor *= (1 + cfg.DiscountFactor)
		growth += factor
		if growth > 10 {
			growth = 10
			break
		}
	}
	return time.Duration(base * growth)
}

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

// Package contentstore implements C2: a keyed-by-hash blob store with a
// local filesystem cache, a multi-level location directory, and the
// pin/place/put/verify/proactive-copy protocol. Layout follows the
// controller's read-mostly, optimistic-concurrency conventions for
// shared state (internal/provisioner/store), generalized from a SQL
// table to an in-memory entity table per the Design Notes' guidance
// that the location directory is a dense, frequently-churning index
// better served by a concurrent map than a persisted table.
package contentstore

import (
	"errors"
	"time"

	"forgecache/pkg/pipgraph"
)

// Errors in the C2 failure taxonomy.
var (
	ErrContentNotFound  = errors.New("contentstore: content not found")
	ErrIO               = errors.New("contentstore: io error")
	ErrChecksumMismatch = errors.New("contentstore: checksum mismatch")
	ErrRemoteTransient  = errors.New("contentstore: remote transient error") // retriable
	ErrCanceled         = errors.New("contentstore: canceled")
)

// RealizationMode controls how place_file materializes content at a
// destination path.
type RealizationMode int

const (
	RealizationHardlink RealizationMode = iota
	RealizationCopy
	RealizationMove
)

// ReplacementMode controls how place_file handles an existing
// destination path.
type ReplacementMode int

const (
	ReplacementFailIfExists ReplacementMode = iota
	ReplacementReplaceExisting
	ReplacementSkipIfExists
)

// PlaceOutcome is the result of a successful PlaceFile call.
type PlaceOutcome int

const (
	Placed PlaceOutcome = iota
	PlaceSkippedExisting
)

// PinConfig tunes the risk-threshold pin algorithm (spec §4.2 / Design
// Notes). Every numeric constant it uses is a field here, never a
// literal buried in the algorithm.
type PinConfig struct {
	// MachineUnavailabilityRisk (q_m) is the per-machine chance a
	// verified location is actually unreachable.
	MachineUnavailabilityRisk float64
	// FileAbsenceRisk (q_f) is the per-location chance that, even if the
	// machine is up, the file itself is gone (evicted, GC'd).
	FileAbsenceRisk float64
	// ToleranceQ is the target overall unavailability risk the pin must
	// not exceed.
	ToleranceQ float64
	// DiscountFactor sets the ratio r = 1 + DiscountFactor of the
	// geometric series that extends BaseTTL per location beyond the
	// first (see ttlForLocationCount); must be in (0, 1). New does not
	// check the range; config.EngineConfig.Validate does.
	DiscountFactor float64
	// BaseTTL is the pin-cache TTL granted for the minimum qualifying
	// location count; additional locations extend it geometrically.
	BaseTTL time.Duration
	// MinReplicasAfterCopy is the proactive-copy replication target: if
	// the replica count after a successful pin is below this, a
	// proactive copy is considered.
	MinReplicasAfterCopy int
}

// DefaultPinConfig returns conservative defaults; callers should derive
// real values from measured machine/file availability.
func DefaultPinConfig() PinConfig {
	return PinConfig{
		MachineUnavailabilityRisk: 0.01,
		FileAbsenceRisk:           0.05,
		ToleranceQ:                1e-9,
		DiscountFactor:            0.5,
		BaseTTL:                   5 * time.Minute,
		MinReplicasAfterCopy:      2,
	}
}

// PinRecord is the outcome of a successful pin: when it expires, and
// whether it was satisfied locally, by verified replicas, or by copy.
type PinRecord struct {
	Hash      pipgraph.ContentHash
	ExpiresAt time.Time
	Method    PinMethod
}

// PinMethod records how a pin succeeded, for observability.
type PinMethod int

const (
	PinMethodLocalPresence PinMethod = iota
	PinMethodCachedAnswer
	PinMethodLocationCountSufficient
	PinMethodVerified
	PinMethodLocalCopy
)

// ProactiveCopyReason names why a proactive copy was requested.
type ProactiveCopyReason string

const (
	ProactiveCopyReasonUnderReplicated ProactiveCopyReason = "UnderReplicated"
	ProactiveCopyReasonExplicitRequest ProactiveCopyReason = "ExplicitRequest"
)

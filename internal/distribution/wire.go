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

// Package distribution implements C7: the orchestrator/worker RPC
// surface over JSON-over-HTTP, following the controller API's
// writeJSON/jsonError envelope and Register(mux) idiom generalized from
// a one-way job-status service to a bidirectional attach/dispatch/report
// protocol. Every message carries a Version field standing in for the
// wire-tag backward compatibility the spec asks of a binary format; see
// DESIGN.md for why JSON was chosen over hand-rolled binary framing.
package distribution

import (
	"encoding/json"
	"time"

	"forgecache/pkg/pipgraph"
)

// CurrentVersion is the Version every envelope this build emits carries.
// A receiver tolerates any Version it understands or can safely ignore
// unknown fields from; it never rejects a message solely for carrying a
// newer Version than it expects.
const CurrentVersion = 1

// WorkerConnState is the lifecycle state of one worker connection as
// seen by the side tracking it.
type WorkerConnState string

const (
	WorkerConnAttaching   WorkerConnState = "Attaching"
	WorkerConnAttached    WorkerConnState = "Attached"
	WorkerConnTerminating WorkerConnState = "Terminating"
	WorkerConnDead        WorkerConnState = "Dead"
)

// WorkerSlotStatus is the orchestrator's reply to Hello.
type WorkerSlotStatus string

const (
	SlotAccepted WorkerSlotStatus = "Accepted"
	SlotNoSlots  WorkerSlotStatus = "NoSlots"
	SlotReleased WorkerSlotStatus = "Released"
)

// AckResponse is the generic envelope for calls with no payload beyond
// acknowledgement.
type AckResponse struct {
	Version int  `json:"version"`
	Ack     bool `json:"ack"`
}

// errorEnvelope is the API's error response shape, matching the
// controller's jsonError.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HelloRequest is sent worker->orchestrator to advertise availability.
type HelloRequest struct {
	Version        int                      `json:"version"`
	WorkerLocation pipgraph.MachineLocation `json:"worker_location"`
	RequestedID    string                   `json:"requested_id,omitempty"`
}

// HelloResponse is the orchestrator's reply to Hello.
type HelloResponse struct {
	Version  int              `json:"version"`
	Status   WorkerSlotStatus `json:"status"`
	WorkerID string           `json:"worker_id,omitempty"`
}

// Capacity describes one worker's per-queue concurrency limits and
// current RAM facts, reported once via AttachCompleted. HeartbeatRequest
// does not carry it, so it is not refreshed afterwards.
type Capacity struct {
	MaxParallelismByQueue map[pipgraph.DispatcherKind]int64 `json:"max_parallelism_by_queue"`
	TotalRAMBytes         int64                              `json:"total_ram_bytes"`
	AvailableRAMBytes     int64                              `json:"available_ram_bytes"`
}

// AttachCompletedRequest is sent worker->orchestrator once the worker
// has finished its local setup for the build.
type AttachCompletedRequest struct {
	Version  int      `json:"version"`
	WorkerID string   `json:"worker_id"`
	Capacity Capacity `json:"capacity"`
}

// HeartbeatRequest carries worker-side and engine-side resource facts.
type HeartbeatRequest struct {
	Version           int     `json:"version"`
	WorkerID          string  `json:"worker_id"`
	WorkerRAMFraction float64 `json:"worker_ram_fraction"`
	WorkerCPUFraction float64 `json:"worker_cpu_fraction"`
	EngineRAMBytes    int64   `json:"engine_ram_bytes"`
	EngineCPUFraction float64 `json:"engine_cpu_fraction"`
}

// PipResult is one completed pip's outcome shipped worker->orchestrator.
// SequenceNumber is per-worker monotonically increasing and is the unit
// of the stream's idempotent-resubmission guarantee.
type PipResult struct {
	SequenceNumber int64                      `json:"sequence_number"`
	PipID          pipgraph.PipID             `json:"pip_id"`
	State          pipgraph.PipState          `json:"state"`
	MissReason     string                     `json:"miss_reason,omitempty"`
	Outputs        []pipgraph.OutputEntry     `json:"outputs,omitempty"`
	StrongFP       pipgraph.StrongFingerprint `json:"strong_fp"`
	ErrorMessage   string                     `json:"error,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	FinishedAt     time.Time                  `json:"finished_at"`
	LogEvents      []string                   `json:"log_events,omitempty"`
}

// ExecutionLogChunk is one opaque execution-log blob, keyed by a
// per-worker sequence number. The orchestrator only deduplicates by that
// number: a chunk at or below the highest number already committed for
// the worker is dropped, so a chunk arriving out of order is lost, and
// accepted blobs are neither stored nor reassembled.
type ExecutionLogChunk struct {
	WorkerID       string `json:"worker_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Blob           []byte `json:"blob"`
}

// AttachRequest is sent orchestrator->worker at build start, carrying
// everything the worker needs to reproduce the orchestrator's
// fingerprinting decisions locally. GraphManifest is the JSON-encoded
// manifest.Manifest for the whole build: the worker parses it once at
// attach time so later SinglePipBuildRequest messages need only name a
// PipID and its input hashes, not re-ship pip definitions.
type AttachRequest struct {
	Version              int                                   `json:"version"`
	BuildSessionID       string                                `json:"build_session_id"`
	FingerprintSalt      string                                `json:"fingerprint_salt"`
	EnvVars              map[string]string                     `json:"env_vars,omitempty"`
	PipPropertyOverrides map[pipgraph.PipID]map[string]string  `json:"pip_property_overrides,omitempty"`
	GraphManifest        json.RawMessage                       `json:"graph_manifest"`
}

// InputArtifact is one required file-artifact accompanying a
// SinglePipBuildRequest: everything the worker needs to materialize the
// input without a separate round trip.
type InputArtifact struct {
	Path                pipgraph.PathID      `json:"path"`
	RewriteCount        int32                `json:"rewrite_count"`
	Hash                pipgraph.ContentHash `json:"hash"`
	Length              int64                `json:"length"`
	IsReparsePoint      bool                 `json:"is_reparse_point,omitempty"`
	DirectoryMembership []pipgraph.PathID    `json:"directory_membership,omitempty"`
}

// SinglePipBuildRequest dispatches one pip to a worker along with the
// input hash manifest it needs to materialize before running it.
type SinglePipBuildRequest struct {
	SequenceNumber int64           `json:"sequence_number"`
	PipID          pipgraph.PipID  `json:"pip_id"`
	Priority       int32           `json:"priority"`
	RequiredInputs []InputArtifact `json:"required_inputs"`
}

// EventCounts summarizes a worker's lifetime outcomes, returned on Exit.
type EventCounts struct {
	Cached   int64 `json:"cached"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
}

// ExitRequest is sent orchestrator->worker to request an orderly
// shutdown; Failure is set when the build is being aborted.
type ExitRequest struct {
	Version int    `json:"version"`
	Failure string `json:"failure,omitempty"`
}

// ExitResponse carries the worker's final EventCounts.
type ExitResponse struct {
	Version     int         `json:"version"`
	EventCounts EventCounts `json:"event_counts"`
}

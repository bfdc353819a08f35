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

package pipgraph

import "fmt"

// DispatcherKind names one of the Dispatcher's independent queues.
type DispatcherKind string

const (
	DispatcherKindIO                      DispatcherKind = "IO"
	DispatcherKindCacheLookup             DispatcherKind = "CacheLookup"
	DispatcherKindDelayedCacheLookup      DispatcherKind = "DelayedCacheLookup"
	DispatcherKindChooseWorkerCacheLookup DispatcherKind = "ChooseWorkerCacheLookup"
	DispatcherKindChooseWorkerCPU         DispatcherKind = "ChooseWorkerCpu"
	DispatcherKindChooseWorkerLight       DispatcherKind = "ChooseWorkerLight"
	DispatcherKindChooseWorkerIpc         DispatcherKind = "ChooseWorkerIpc"
	DispatcherKindCPU                     DispatcherKind = "CPU"
	DispatcherKindMaterialize             DispatcherKind = "Materialize"
	DispatcherKindLight                   DispatcherKind = "Light"
	DispatcherKindIpcPips                 DispatcherKind = "IpcPips"
)

// PipState is the lifecycle state of a single pip within one build.
// Transitions are monotone forward except for Canceled, and are gated
// exclusively by the Dispatcher.
type PipState int

const (
	PipStateReady PipState = iota
	PipStateQueued
	PipStateRunning
	PipStateCached
	PipStateExecuted
	PipStateSkipped
	PipStateFailed
	PipStateCanceled
)

func (s PipState) String() string {
	switch s {
	case PipStateReady:
		return "Ready"
	case PipStateQueued:
		return "Queued"
	case PipStateRunning:
		return "Running"
	case PipStateCached:
		return "Cached"
	case PipStateExecuted:
		return "Executed"
	case PipStateSkipped:
		return "Skipped"
	case PipStateFailed:
		return "Failed"
	case PipStateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is a state from which the pip will not
// progress further within this build.
func (s PipState) IsTerminal() bool {
	switch s {
	case PipStateCached, PipStateExecuted, PipStateSkipped, PipStateFailed, PipStateCanceled:
		return true
	default:
		return false
	}
}

var forwardOrder = map[PipState]int{
	PipStateReady:    0,
	PipStateQueued:   1,
	PipStateRunning:  2,
	PipStateCached:   3,
	PipStateExecuted: 3,
	PipStateSkipped:  3,
	PipStateFailed:   3,
}

// CanTransition reports whether moving from `from` to `to` is legal:
// either a cancellation, or a move to a state at least as advanced as
// `from` in the forward order (same-rank terminal swaps, e.g.
// Cached->Executed, are not legal; only one terminal state is ever set).
func CanTransition(from, to PipState) bool {
	if to == PipStateCanceled {
		return !from.IsTerminal()
	}
	if from.IsTerminal() {
		return false
	}
	fo, ok1 := forwardOrder[from]
	to2, ok2 := forwardOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return to2 >= fo
}

// ErrInvalidTransition is returned when a state change violates the
// pip lifecycle's monotone-forward invariant.
type ErrInvalidTransition struct {
	PipID    PipID
	From, To PipState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("pip %d: invalid state transition %s -> %s", e.PipID, e.From, e.To)
}

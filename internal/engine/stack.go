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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"forgecache/internal/config"
	"forgecache/internal/contentstore"
	"forgecache/internal/dispatcher"
	"forgecache/internal/dirtranslate"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/pipexec"
	"forgecache/internal/sandbox"
	"forgecache/internal/sharedopaque"
	"forgecache/pkg/pipgraph"
)

// Stack is every component a forgecache process needs to run pips
// locally: the three binaries (forgecache, forgecache-orchestrator,
// forgecache-worker) all assemble one of these, the worker and CLI
// driver run a PipExecutor over it, the orchestrator only needs its
// Dispatcher and MetadataStore-free queueing.
type Stack struct {
	Paths  *pipgraph.PathTable
	Meta   *metadatastore.Store
	CAS    *contentstore.Store
	Exec   *pipexec.Executor
	Disp   *dispatcher.Dispatcher
	Logger *slog.Logger
}

// BuildLocalStack wires the content-addressed execution stack the way
// the controller's main.go wires its store/jobs.Worker pair: one
// metadata store, one content store, one sandboxed executor, fed by a
// dispatcher sized from the engine config.
func BuildLocalStack(ctx context.Context, cfg config.EngineConfig, self pipgraph.MachineLocation, sessionID string, logger *slog.Logger) (*Stack, error) {
	meta, err := metadatastore.Open(ctx, cfg.MetadataStorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open metadata store: %w", err)
	}

	pinCfg := contentstore.DefaultPinConfig()
	pinCfg.ToleranceQ = cfg.PinToleranceQ
	pinCfg.DiscountFactor = cfg.PinDiscountFactor
	cas, err := contentstore.New(cfg.ContentStoreRoot, self, pinCfg)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("engine: open content store: %w", err)
	}

	paths := pipgraph.NewPathTable()
	fp := fingerprint.New(paths, fingerprint.WithSalt(cfg.FingerprintSalt))
	translator := dirtranslate.New()
	shared := sharedopaque.NewTracker(sharedopaque.NewXattrMarker(sharedopaque.NoFollowSymlinks), sharedopaque.NoFollowSymlinks)

	execCfg := pipexec.DefaultConfig(sessionID)
	exec := pipexec.New(paths, fp, meta, cas, sandbox.NewExecutor(), translator, shared, execCfg, logger)

	cpuCapacity := int64(cfg.MaxCPUParallelism)
	if cpuCapacity <= 0 {
		cpuCapacity = int64(runtime.NumCPU())
	}
	dispCfg := dispatcher.DefaultConfig(cpuCapacity)
	dispCfg.DrainTimeout = cfg.CancelTimeout
	if ioQueue, ok := dispCfg.Queues[pipgraph.DispatcherKindIO]; ok {
		ioQueue.MaxParallelism = int64(cfg.MaxIOParallelism)
		dispCfg.Queues[pipgraph.DispatcherKindIO] = ioQueue
	}
	disp := dispatcher.New(dispCfg, logger)

	return &Stack{Paths: paths, Meta: meta, CAS: cas, Exec: exec, Disp: disp, Logger: logger}, nil
}

// Close releases the stack's owned resources.
func (s *Stack) Close() error {
	return s.Meta.Close()
}

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

// Command forgecache-orchestrator loads a build manifest, waits for
// workers to attach, and dispatches the build across them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"forgecache/internal/config"
	"forgecache/internal/distribution"
	"forgecache/internal/engine"
	"forgecache/internal/logging"
	"forgecache/internal/manifest"
	"forgecache/pkg/pipgraph"
)

// workerRegistry turns the OrchestratorServer's Hello/AttachCompleted
// callbacks into a snapshot of ready engine.WorkerHandles. A worker is
// only added once it has both said Hello and reported Capacity via
// AttachCompleted; readyCh closes the first time minWorkers have done so.
type workerRegistry struct {
	mu      sync.Mutex
	clients map[string]*distribution.WorkerClient
	ready   []engine.WorkerHandle

	minWorkers int
	readyCh    chan struct{}
	closeOnce  sync.Once
}

func newWorkerRegistry(minWorkers int) *workerRegistry {
	if minWorkers < 1 {
		minWorkers = 1
	}
	return &workerRegistry{
		clients:    map[string]*distribution.WorkerClient{},
		minWorkers: minWorkers,
		readyCh:    make(chan struct{}),
	}
}

// helloHandler dials the newly announced worker back with attachReq,
// pushing it the build's graph manifest before it can be dispatched to.
func (r *workerRegistry) helloHandler(ctx context.Context, signer *distribution.Signer, attachReq distribution.AttachRequest, logger *slog.Logger) func(string, pipgraph.MachineLocation) {
	return func(id string, loc pipgraph.MachineLocation) {
		client := distribution.NewWorkerClient(loc.URI, signer)
		r.mu.Lock()
		r.clients[id] = client
		r.mu.Unlock()

		if err := client.Attach(ctx, attachReq); err != nil {
			logger.Error("forgecache-orchestrator: attach worker failed", "worker", id, "err", err)
		}
	}
}

// attachedHandler records id as ready once its Capacity has been
// reported, and unblocks readyCh once minWorkers have done so.
func (r *workerRegistry) attachedHandler(logger *slog.Logger) func(string, distribution.Capacity) {
	return func(id string, capacity distribution.Capacity) {
		r.mu.Lock()
		client, ok := r.clients[id]
		if ok {
			r.ready = append(r.ready, engine.WorkerHandle{ID: id, Client: client})
		}
		n := len(r.ready)
		r.mu.Unlock()

		if !ok {
			logger.Error("forgecache-orchestrator: attach-completed from a worker that never said hello", "worker", id)
			return
		}
		logger.Info("forgecache-orchestrator: worker attached", "worker", id, "attached_count", n)
		if n >= r.minWorkers {
			r.closeOnce.Do(func() { close(r.readyCh) })
		}
	}
}

func (r *workerRegistry) snapshot() []engine.WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.WorkerHandle, len(r.ready))
	copy(out, r.ready)
	return out
}

// sinkProxy exists because OrchestratorServer needs a distribution.PipResultSink
// at construction time, before the build's OrchestratorDriver can be built:
// the driver needs the final set of attached workers, which is only known
// once enough of them have attached. Results arriving before setDriver is
// called are a protocol violation and rejected.
type sinkProxy struct {
	mu     sync.Mutex
	driver *engine.OrchestratorDriver
}

func (p *sinkProxy) setDriver(d *engine.OrchestratorDriver) {
	p.mu.Lock()
	p.driver = d
	p.mu.Unlock()
}

func (p *sinkProxy) IngestPipResult(ctx context.Context, workerID string, result distribution.PipResult) error {
	p.mu.Lock()
	d := p.driver
	p.mu.Unlock()
	if d == nil {
		return fmt.Errorf("forgecache-orchestrator: pip result from %s arrived before dispatch started", workerID)
	}
	return d.IngestPipResult(ctx, workerID, result)
}

// workerLost forwards to HandleWorkerLost once the driver exists. A
// worker dying during the attach barrier, before dispatch has started,
// has nothing in flight to fail and is silently ignored here.
func (p *sinkProxy) workerLost(ctx context.Context, workerID string) {
	p.mu.Lock()
	d := p.driver
	p.mu.Unlock()
	if d != nil {
		d.HandleWorkerLost(ctx, workerID)
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgecache-orchestrator: %v\n", err)
		os.Exit(2)
	}

	manifestPath := flag.String("manifest", "", "path to a build manifest JSON file (required)")
	addr := flag.String("addr", cfg.DistributionListenAddr, "address this orchestrator listens on for workers")
	minWorkers := flag.Int("min-workers", 1, "minimum attached workers required before dispatch begins")
	attachTimeout := flag.Duration("attach-timeout", 2*time.Minute, "how long to wait for min-workers to attach before failing the build")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 30*time.Second, "how long a worker may go without a heartbeat before being marked dead")
	flag.Parse()

	logger := logging.New(cfg.LogLevel, logging.FormatJSON)

	if *manifestPath == "" {
		logger.Error("forgecache-orchestrator: -manifest is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manifestBytes, err := os.ReadFile(*manifestPath)
	if err != nil {
		logger.Error("forgecache-orchestrator: read manifest", "err", err)
		os.Exit(1)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		logger.Error("forgecache-orchestrator: parse manifest", "err", err)
		os.Exit(1)
	}
	paths := pipgraph.NewPathTable()
	graph, err := manifest.Build(&m, paths)
	if err != nil {
		logger.Error("forgecache-orchestrator: build graph", "err", err)
		os.Exit(1)
	}

	sessionID := uuid.NewString()

	var signer *distribution.Signer
	if cfg.DistributionSharedSecret != "" {
		s, err := distribution.NewSigner(cfg.DistributionSharedSecret, "orchestrator")
		if err != nil {
			logger.Error("forgecache-orchestrator: signer", "err", err)
			os.Exit(1)
		}
		signer = s
	}

	// Every attaching worker gets the exact same manifest bytes this
	// process just parsed, so its PathTable interns paths in the same
	// order and lands on the same PathIDs without ever serializing path
	// strings over the wire.
	attachReq := distribution.AttachRequest{
		BuildSessionID:  sessionID,
		FingerprintSalt: cfg.FingerprintSalt,
		GraphManifest:   manifestBytes,
	}

	registry := newWorkerRegistry(*minWorkers)
	proxy := &sinkProxy{}

	orchServer := distribution.NewOrchestratorServer(signer, proxy, *heartbeatTimeout, logger)
	orchServer.OnWorkerHello = registry.helloHandler(ctx, signer, attachReq, logger)
	orchServer.OnWorkerAttached = registry.attachedHandler(logger)
	orchServer.OnWorkerDead = func(id string) {
		logger.Warn("forgecache-orchestrator: worker lost heartbeat, its outstanding pips will fail", "worker", id)
		proxy.workerLost(context.Background(), id)
	}

	mux := http.NewServeMux()
	orchServer.Register(mux)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forgecache-orchestrator: listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go orchServer.MonitorHeartbeats(ctx, *heartbeatTimeout/3+time.Second)

	logger.Info("forgecache-orchestrator: waiting for workers to attach", "min_workers", *minWorkers, "pips", graph.Len())
	select {
	case <-registry.readyCh:
	case <-time.After(*attachTimeout):
		logger.Error("forgecache-orchestrator: timed out waiting for workers to attach")
		_ = srv.Shutdown(context.Background())
		os.Exit(1)
	case err := <-errCh:
		logger.Error("forgecache-orchestrator: server error", "err", err)
		os.Exit(1)
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return
	}

	workers := registry.snapshot()
	driver := engine.NewOrchestratorDriver(graph, workers, logger)
	proxy.setDriver(driver)

	logger.Info("forgecache-orchestrator: dispatching build", "workers", len(workers))
	started := time.Now()
	results, runErr := driver.Run(ctx)
	logger.Info("forgecache-orchestrator: build finished", "duration", time.Since(started), "pips_reported", len(results))

	failure := ""
	if runErr != nil {
		failure = runErr.Error()
	}
	for _, w := range workers {
		if _, err := w.Client.Exit(context.Background(), failure); err != nil {
			logger.Error("forgecache-orchestrator: exit worker", "worker", w.ID, "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Error("forgecache-orchestrator: build failed", "err", runErr)
		os.Exit(1)
	}
}

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

// Command forgecache-worker attaches to a forgecache-orchestrator,
// executes the pips it is dispatched, and streams results back.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"forgecache/internal/config"
	"forgecache/internal/distribution"
	"forgecache/internal/engine"
	"forgecache/internal/logging"
	"forgecache/pkg/pipgraph"
)

// batchingReporter accumulates PipResults and flushes them to the
// orchestrator periodically, assigning this stream's sequence numbers.
// Retry is the caller's job: on a flush error the batch is kept and
// retried on the next tick, so the same sequence numbers are resent and
// deduplicated orchestrator-side.
type batchingReporter struct {
	mu      sync.Mutex
	pending []distribution.PipResult
	nextSeq int64

	workerID string
	client   *distribution.OrchestratorClient
	logger   interface {
		Error(msg string, args ...any)
	}
}

func (r *batchingReporter) ReportPipResult(ctx context.Context, result distribution.PipResult) {
	r.mu.Lock()
	r.nextSeq++
	result.SequenceNumber = r.nextSeq
	r.pending = append(r.pending, result)
	r.mu.Unlock()
}

func (r *batchingReporter) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := r.client.StreamPipResults(ctx, r.workerID, batch); err != nil {
		r.logger.Error("forgecache-worker: stream pip results failed, will retry", "err", err)
		return
	}
	r.mu.Lock()
	r.pending = r.pending[len(batch):]
	r.mu.Unlock()
}

func (r *batchingReporter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

// localCapacity reports this machine's per-queue concurrency limits and a
// best-effort read of /proc/meminfo. There is no memory-stats library
// anywhere in the example pack, so this falls back to a direct
// /proc/meminfo parse on Linux and reports zero RAM facts elsewhere; the
// dispatcher's own queue limits, not these RAM fields, are what actually
// bound local concurrency.
func localCapacity(cfg config.EngineConfig) distribution.Capacity {
	cpu := int64(cfg.MaxCPUParallelism)
	if cpu <= 0 {
		cpu = int64(runtime.NumCPU())
	}
	io := int64(cfg.MaxIOParallelism)
	if io <= 0 {
		io = cpu
	}
	capacity := distribution.Capacity{
		MaxParallelismByQueue: map[pipgraph.DispatcherKind]int64{
			pipgraph.DispatcherKindCPU: cpu,
			pipgraph.DispatcherKindIO:  io,
		},
	}
	total, avail, err := readMemInfo()
	if err == nil {
		capacity.TotalRAMBytes = total
		capacity.AvailableRAMBytes = avail
	}
	return capacity
}

func readMemInfo() (total, available int64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		fields := bytes.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, convErr := strconv.ParseInt(string(fields[1]), 10, 64)
		if convErr != nil {
			continue
		}
		switch string(fields[0]) {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	return total, available, nil
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgecache-worker: %v\n", err)
		os.Exit(2)
	}

	orchestratorAddr := flag.String("orchestrator", "http://127.0.0.1"+cfg.DistributionListenAddr, "orchestrator base URL")
	listenAddr := flag.String("addr", ":9365", "address this worker listens on for orchestrator callbacks")
	advertiseAddr := flag.String("advertise-addr", "", "base URL the orchestrator should use to reach this worker (default: http://127.0.0.1<addr>)")
	flag.Parse()

	logger := logging.New(cfg.LogLevel, logging.FormatJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *advertiseAddr == "" {
		*advertiseAddr = "http://127.0.0.1" + *listenAddr
	}
	self := pipgraph.MachineLocation{URI: *advertiseAddr}
	stack, err := engine.BuildLocalStack(ctx, cfg, self, uuid.NewString(), logger)
	if err != nil {
		logger.Error("forgecache-worker: build stack", "err", err)
		os.Exit(1)
	}
	defer stack.Close()
	go stack.Disp.Run(ctx)

	var signer *distribution.Signer
	if cfg.DistributionSharedSecret != "" {
		s, err := distribution.NewSigner(cfg.DistributionSharedSecret, self.URI)
		if err != nil {
			logger.Error("forgecache-worker: signer", "err", err)
			os.Exit(1)
		}
		signer = s
	}

	orchClient := distribution.NewOrchestratorClient(*orchestratorAddr, signer)
	reporter := &batchingReporter{workerID: self.URI, client: orchClient, logger: logger}
	go reporter.run(ctx, time.Second)

	driver := engine.NewWorkerDriver(stack.Exec, stack.Paths, reporter, logger)
	worker := distribution.NewWorkerServer(signer, driver, logger)
	worker.OnAttached = func(req distribution.AttachRequest) {
		ac := distribution.AttachCompletedRequest{WorkerID: self.URI, Capacity: localCapacity(cfg)}
		if err := orchClient.AttachCompleted(ctx, ac); err != nil {
			logger.Error("forgecache-worker: attach-completed", "err", err)
		}
	}

	mux := http.NewServeMux()
	worker.Register(mux)
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forgecache-worker: listening", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	hello, err := orchClient.Hello(ctx, distribution.HelloRequest{WorkerLocation: self, RequestedID: self.URI})
	if err != nil {
		logger.Error("forgecache-worker: hello", "err", err)
		os.Exit(1)
	}
	logger.Info("forgecache-worker: attached", "status", hello.Status, "worker_id", hello.WorkerID)

	select {
	case sig := <-waitForSignal(ctx):
		logger.Info("forgecache-worker: shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("forgecache-worker: server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	stack.Disp.Shutdown()
}

func waitForSignal(ctx context.Context) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	go func() {
		<-ctx.Done()
		ch <- os.Interrupt
	}()
	return ch
}

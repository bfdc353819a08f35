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

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"forgecache/pkg/pipgraph"
)

type fakeResultSink struct {
	mu      sync.Mutex
	results []PipResult
	failSeq int64
}

func (f *fakeResultSink) IngestPipResult(ctx context.Context, workerID string, res PipResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSeq != 0 && res.SequenceNumber == f.failSeq {
		return context.DeadlineExceeded
	}
	f.results = append(f.results, res)
	return nil
}

func TestHelloAttachHeartbeatFlow(t *testing.T) {
	signer, err := NewSigner("shared-secret", "session-1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	orch := NewOrchestratorServer(signer, &fakeResultSink{}, time.Minute, nil)
	mux := http.NewServeMux()
	orch.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewOrchestratorClient(srv.URL, signer)
	ctx := context.Background()

	hello, err := client.Hello(ctx, HelloRequest{WorkerLocation: pipgraph.MachineLocation{URI: "forgecache://worker/1"}})
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if hello.Status != SlotAccepted || hello.WorkerID == "" {
		t.Fatalf("Hello response = %+v, want Accepted with a worker id", hello)
	}

	err = client.AttachCompleted(ctx, AttachCompletedRequest{
		WorkerID: hello.WorkerID,
		Capacity: Capacity{MaxParallelismByQueue: map[pipgraph.DispatcherKind]int64{pipgraph.DispatcherKindCPU: 4}},
	})
	if err != nil {
		t.Fatalf("AttachCompleted: %v", err)
	}

	capacity, ok := orch.WorkerCapacity(hello.WorkerID)
	if !ok {
		t.Fatalf("WorkerCapacity: worker not attached")
	}
	if capacity.MaxParallelismByQueue[pipgraph.DispatcherKindCPU] != 4 {
		t.Fatalf("capacity not recorded: %+v", capacity)
	}

	if err := client.Heartbeat(ctx, HeartbeatRequest{WorkerID: hello.WorkerID, WorkerCPUFraction: 0.5}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func TestHeartbeatRejectsTamperedSignature(t *testing.T) {
	signer, _ := NewSigner("shared-secret", "session-1")
	otherSigner, _ := NewSigner("different-secret", "session-1")
	orch := NewOrchestratorServer(signer, &fakeResultSink{}, time.Minute, nil)
	mux := http.NewServeMux()
	orch.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewOrchestratorClient(srv.URL, otherSigner)
	err := client.Heartbeat(context.Background(), HeartbeatRequest{WorkerID: "w1"})
	if err == nil {
		t.Fatalf("Heartbeat with wrong signer: expected error, got nil")
	}
}

func TestStreamPipResultsDedupsAndRetries(t *testing.T) {
	sink := &fakeResultSink{failSeq: 2}
	orch := NewOrchestratorServer(nil, sink, time.Minute, nil)
	mux := http.NewServeMux()
	orch.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewOrchestratorClient(srv.URL, nil)
	ctx := context.Background()

	batch := []PipResult{
		{SequenceNumber: 1, PipID: 1, State: pipgraph.PipStateExecuted},
		{SequenceNumber: 2, PipID: 2, State: pipgraph.PipStateExecuted},
		{SequenceNumber: 3, PipID: 3, State: pipgraph.PipStateExecuted},
	}

	if err := client.StreamPipResults(ctx, "w1", batch); err == nil {
		t.Fatalf("expected ingestion failure on seq 2 to surface as an error")
	}

	sink.mu.Lock()
	got := len(sink.results)
	sink.mu.Unlock()
	if got != 1 {
		t.Fatalf("ingested %d results before failure, want 1 (seq 1 only)", got)
	}

	// Retry the same batch; seq 1 must be dropped as a duplicate, and
	// (with the fault cleared) seq 2 and 3 ingest cleanly.
	sink.mu.Lock()
	sink.failSeq = 0
	sink.mu.Unlock()
	if err := client.StreamPipResults(ctx, "w1", batch); err != nil {
		t.Fatalf("retry StreamPipResults: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.results) != 3 {
		t.Fatalf("after retry, ingested %d results, want 3 (no duplicate of seq 1)", len(sink.results))
	}
}

type fakeDispatchSink struct {
	mu       sync.Mutex
	dispatched []pipgraph.PipID
}

func (f *fakeDispatchSink) DispatchPip(ctx context.Context, req SinglePipBuildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req.PipID)
	return nil
}

func TestAttachExecutePipsExitFlow(t *testing.T) {
	signer, _ := NewSigner("shared-secret", "session-1")
	sink := &fakeDispatchSink{}
	worker := NewWorkerServer(signer, sink, nil)
	mux := http.NewServeMux()
	worker.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWorkerClient(srv.URL, signer)
	ctx := context.Background()

	if err := client.Attach(ctx, AttachRequest{BuildSessionID: "s1", FingerprintSalt: "salt"}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if worker.State() != WorkerConnAttached {
		t.Fatalf("State() = %v, want Attached", worker.State())
	}

	reqs := []SinglePipBuildRequest{
		{SequenceNumber: 1, PipID: 10},
		{SequenceNumber: 2, PipID: 11},
	}
	if err := client.StreamExecutePips(ctx, reqs); err != nil {
		t.Fatalf("StreamExecutePips: %v", err)
	}

	sink.mu.Lock()
	n := len(sink.dispatched)
	sink.mu.Unlock()
	if n != 2 {
		t.Fatalf("dispatched %d pips, want 2", n)
	}

	worker.RecordOutcome(true, false, false, false)
	worker.RecordOutcome(false, true, false, false)

	resp, err := client.Exit(ctx, "")
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if resp.EventCounts.Cached != 1 || resp.EventCounts.Executed != 1 {
		t.Fatalf("EventCounts = %+v, want Cached=1 Executed=1", resp.EventCounts)
	}
	if worker.State() != WorkerConnTerminating {
		t.Fatalf("State() after Exit = %v, want Terminating", worker.State())
	}
}

func TestExecutePipsRejectedBeforeAttach(t *testing.T) {
	sink := &fakeDispatchSink{}
	worker := NewWorkerServer(nil, sink, nil)
	mux := http.NewServeMux()
	worker.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWorkerClient(srv.URL, nil)
	err := client.StreamExecutePips(context.Background(), []SinglePipBuildRequest{{SequenceNumber: 1, PipID: 1}})
	if err == nil {
		t.Fatalf("expected StreamExecutePips before Attach to fail")
	}
}

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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecache/internal/distribution"
	"forgecache/internal/manifest"
	"forgecache/pkg/pipgraph"
)

// TestOrchestratorDriverDispatchesAcrossAttachedWorker exercises the full
// AttachRequest.GraphManifest round trip over real HTTP: a WorkerServer
// backed by a WorkerDriver attaches to a manifest pushed by the test, then
// an OrchestratorDriver dispatches both pips of a producer/consumer graph
// to it and collects the results.
func TestOrchestratorDriverDispatchesAcrossAttachedWorker(t *testing.T) {
	outDir := t.TempDir()
	firstOut := filepath.Join(outDir, "first.txt")
	secondOut := filepath.Join(outDir, "second.txt")

	m := manifest.Manifest{
		Pips: []manifest.PipSpec{
			{
				ID:              1,
				Kind:            "write_file",
				DeclaredOutputs: []manifest.FileArtifactSpec{{Path: firstOut, RewriteCount: 1}},
				WriteFile: &manifest.WriteFileSpec{
					Destination: manifest.FileArtifactSpec{Path: firstOut, RewriteCount: 1},
					Contents:    "first",
				},
			},
			{
				ID:              2,
				Kind:            "copy_file",
				DeclaredInputs:  []manifest.FileArtifactSpec{{Path: firstOut, RewriteCount: 1}},
				DeclaredOutputs: []manifest.FileArtifactSpec{{Path: secondOut, RewriteCount: 1}},
				CopyFile: &manifest.CopyFileSpec{
					Source:      manifest.FileArtifactSpec{Path: firstOut, RewriteCount: 1},
					Destination: manifest.FileArtifactSpec{Path: secondOut, RewriteCount: 1},
				},
			},
		},
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}

	paths := pipgraph.NewPathTable()
	graph, err := manifest.Build(&m, paths)
	if err != nil {
		t.Fatalf("manifest.Build: %v", err)
	}

	// Build the worker side: a real WorkerDriver behind a WorkerServer,
	// reachable over an httptest server exactly like a real worker
	// process's mux.
	var workerDriver *WorkerDriver
	var orchDriver *OrchestratorDriver
	workerDriver = newTestWorkerDriver(t, &orchestratorReporterProxy{get: func() *OrchestratorDriver { return orchDriver }})
	workerServer := distribution.NewWorkerServer(nil, workerDriver, nil)

	mux := http.NewServeMux()
	workerServer.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	workerClient := distribution.NewWorkerClient(srv.URL, nil)
	workers := []WorkerHandle{{ID: "worker-1", Client: workerClient}}

	orchDriver = NewOrchestratorDriver(graph, workers, nil)

	// Attach exactly the bytes the orchestrator parsed, the same
	// invariant cmd/forgecache-orchestrator relies on.
	if err := workerClient.Attach(context.Background(), distribution.AttachRequest{GraphManifest: manifestJSON}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := orchDriver.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, id := range []pipgraph.PipID{1, 2} {
		res, ok := results[id]
		if !ok {
			t.Fatalf("no result for pip %d", id)
		}
		if res.State != pipgraph.PipStateExecuted {
			t.Fatalf("pip %d state = %v, want Executed", id, res.State)
		}
	}

	got, err := os.ReadFile(secondOut)
	if err != nil {
		t.Fatalf("read second.txt: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("second.txt = %q, want %q", got, "first")
	}
}

// orchestratorReporterProxy defers resolving the OrchestratorDriver until
// after it exists, since the worker side must be constructed (and
// listening) before the orchestrator side can dial it to Attach.
type orchestratorReporterProxy struct {
	get func() *OrchestratorDriver
}

func (p *orchestratorReporterProxy) ReportPipResult(ctx context.Context, result distribution.PipResult) {
	if d := p.get(); d != nil {
		_ = d.IngestPipResult(ctx, "worker-1", result)
	}
}

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
	"path/filepath"
	"sync"
	"testing"

	"forgecache/internal/contentstore"
	"forgecache/internal/distribution"
	"forgecache/internal/fingerprint"
	"forgecache/internal/manifest"
	"forgecache/internal/metadatastore"
	"forgecache/internal/pipexec"
	"forgecache/internal/sandbox"
	"forgecache/pkg/pipgraph"
)

type capturingReporter struct {
	mu      sync.Mutex
	results []distribution.PipResult
}

func (r *capturingReporter) ReportPipResult(ctx context.Context, result distribution.PipResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *capturingReporter) last() (distribution.PipResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return distribution.PipResult{}, false
	}
	return r.results[len(r.results)-1], true
}

func newTestWorkerDriver(t *testing.T, reporter ResultReporter) *WorkerDriver {
	t.Helper()
	dir := t.TempDir()

	meta, err := metadatastore.Open(context.Background(), filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadatastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	cas, err := contentstore.New(filepath.Join(dir, "cas"), pipgraph.MachineLocation{URI: "local"}, contentstore.DefaultPinConfig())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}

	paths := pipgraph.NewPathTable()
	fp := fingerprint.New(paths, fingerprint.WithSalt("worker-driver-test"))
	exec := pipexec.New(paths, fp, meta, cas, sandbox.NewExecutor(), nil, nil, pipexec.DefaultConfig("worker-driver-test-session"), nil)

	return NewWorkerDriver(exec, paths, reporter, nil)
}

func TestWorkerDriverDispatchBeforeLoadGraph(t *testing.T) {
	reporter := &capturingReporter{}
	driver := newTestWorkerDriver(t, reporter)

	err := driver.DispatchPip(context.Background(), distribution.SinglePipBuildRequest{PipID: 1})
	if err == nil {
		t.Fatalf("expected an error dispatching before LoadGraph")
	}
}

func TestWorkerDriverLoadGraphAndDispatch(t *testing.T) {
	reporter := &capturingReporter{}
	driver := newTestWorkerDriver(t, reporter)

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.txt")

	m := manifest.Manifest{
		Pips: []manifest.PipSpec{
			{
				ID:              1,
				Kind:            "write_file",
				DeclaredOutputs: []manifest.FileArtifactSpec{{Path: outPath, RewriteCount: 1}},
				WriteFile: &manifest.WriteFileSpec{
					Destination: manifest.FileArtifactSpec{Path: outPath, RewriteCount: 1},
					Contents:    "hello from a worker",
				},
			},
		},
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}

	if err := driver.LoadGraph(manifestJSON); err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}

	if err := driver.DispatchPip(context.Background(), distribution.SinglePipBuildRequest{PipID: 1}); err != nil {
		t.Fatalf("DispatchPip: %v", err)
	}

	result, ok := reporter.last()
	if !ok {
		t.Fatalf("reporter received no result")
	}
	if result.State != pipgraph.PipStateExecuted {
		t.Fatalf("result.State = %v, want Executed", result.State)
	}
	if result.ErrorMessage != "" {
		t.Fatalf("result.ErrorMessage = %q, want empty", result.ErrorMessage)
	}
}

func TestWorkerDriverDispatchUnknownPip(t *testing.T) {
	reporter := &capturingReporter{}
	driver := newTestWorkerDriver(t, reporter)

	m := manifest.Manifest{Pips: []manifest.PipSpec{}}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if err := driver.LoadGraph(manifestJSON); err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}

	if err := driver.DispatchPip(context.Background(), distribution.SinglePipBuildRequest{PipID: 99}); err == nil {
		t.Fatalf("expected an error dispatching an unknown pip id")
	}
}

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
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecache/internal/contentstore"
	"forgecache/internal/dispatcher"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/pipexec"
	"forgecache/internal/sandbox"
	"forgecache/pkg/pipgraph"
)

func TestLocalDriverRunsDependentPipsInOrder(t *testing.T) {
	dir := t.TempDir()

	meta, err := metadatastore.Open(context.Background(), filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadatastore.Open: %v", err)
	}
	defer meta.Close()

	cas, err := contentstore.New(filepath.Join(dir, "cas"), pipgraph.MachineLocation{URI: "local"}, contentstore.DefaultPinConfig())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}

	paths := pipgraph.NewPathTable()
	fp := fingerprint.New(paths, fingerprint.WithSalt("engine-test"))
	exec := pipexec.New(paths, fp, meta, cas, sandbox.NewExecutor(), nil, nil, pipexec.DefaultConfig("engine-test-session"), nil)

	outDir := t.TempDir()
	firstOut := paths.Intern(filepath.Join(outDir, "first.txt"))
	secondOut := paths.Intern(filepath.Join(outDir, "second.txt"))

	graph := pipgraph.NewPipGraph(paths)
	first := &pipgraph.Pip{
		ID:              1,
		Kind:            pipgraph.PipKindWriteFile,
		DeclaredOutputs: []pipgraph.FileArtifact{{Path: firstOut, RewriteCount: 1}},
		WriteFile: &pipgraph.WriteFileData{
			Destination: pipgraph.FileArtifact{Path: firstOut, RewriteCount: 1},
			Contents:    []byte("first"),
		},
	}
	second := &pipgraph.Pip{
		ID:              2,
		Kind:            pipgraph.PipKindWriteFile,
		DeclaredInputs:  []pipgraph.FileArtifact{{Path: firstOut, RewriteCount: 1}},
		DeclaredOutputs: []pipgraph.FileArtifact{{Path: secondOut, RewriteCount: 1}},
		WriteFile: &pipgraph.WriteFileData{
			Destination: pipgraph.FileArtifact{Path: secondOut, RewriteCount: 1},
			Contents:    []byte("second"),
		},
	}
	if err := graph.AddPip(first); err != nil {
		t.Fatalf("AddPip first: %v", err)
	}
	if err := graph.AddPip(second); err != nil {
		t.Fatalf("AddPip second: %v", err)
	}
	if err := graph.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	disp := dispatcher.New(dispatcher.DefaultConfig(2), nil)
	driver := NewLocalDriver(graph, exec, disp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := driver.Run(ctx)
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

	got, err := os.ReadFile(filepath.Join(outDir, "second.txt"))
	if err != nil {
		t.Fatalf("read second.txt: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("second.txt = %q, want %q", got, "second")
	}
}

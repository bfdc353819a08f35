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

package pipexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgecache/internal/contentstore"
	"forgecache/internal/errs"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/sandbox"
	"forgecache/pkg/pipgraph"
)

func newTestExecutor(t *testing.T) (*Executor, *pipgraph.PathTable) {
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
	fp := fingerprint.New(paths, fingerprint.WithSalt("test-salt"))

	exec := New(paths, fp, meta, cas, sandbox.NewExecutor(), nil, nil, DefaultConfig("test-session"), nil)
	return exec, paths
}

func writeFilePip(id pipgraph.PipID, dstPath pipgraph.PathID, contents []byte) *pipgraph.Pip {
	return &pipgraph.Pip{
		ID:              id,
		Kind:            pipgraph.PipKindWriteFile,
		DeclaredOutputs: []pipgraph.FileArtifact{{Path: dstPath, RewriteCount: 1}},
		WriteFile: &pipgraph.WriteFileData{
			Destination: pipgraph.FileArtifact{Path: dstPath, RewriteCount: 1},
			Contents:    contents,
		},
	}
}

func TestExecuteWriteFileMissThenHit(t *testing.T) {
	exec, paths := newTestExecutor(t)
	dir := t.TempDir()
	dst := paths.Intern(filepath.Join(dir, "out.txt"))

	pip := writeFilePip(1, dst, []byte("hello"))

	res, err := exec.Execute(context.Background(), pip)
	if err != nil {
		t.Fatalf("Execute (miss): %v", err)
	}
	if res.State != pipgraph.PipStateExecuted {
		t.Fatalf("State = %v, want Executed", res.State)
	}
	if len(res.Outputs) != 1 {
		t.Fatalf("len(Outputs) = %d, want 1", len(res.Outputs))
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read produced file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("produced content = %q, want %q", got, "hello")
	}

	// A fresh executor sharing the same stores should hit cache for an
	// identical pip declaration without re-running write_file.
	exec2, _ := newTestExecutorSharing(t, exec)
	res2, err := exec2.Execute(context.Background(), pip)
	if err != nil {
		t.Fatalf("Execute (second): %v", err)
	}
	if res2.State != pipgraph.PipStateCached {
		t.Fatalf("State = %v, want Cached", res2.State)
	}
}

func newTestExecutorSharing(t *testing.T, orig *Executor) (*Executor, *pipgraph.PathTable) {
	t.Helper()
	exec := New(orig.paths, orig.fp, orig.meta, orig.cas, sandbox.NewExecutor(), nil, nil, orig.cfg, nil)
	return exec, orig.paths
}

func TestDoubleWriteDetected(t *testing.T) {
	exec, paths := newTestExecutor(t)
	dir := t.TempDir()
	dst := paths.Intern(filepath.Join(dir, "shared-out.txt"))

	pipA := writeFilePip(1, dst, []byte("from-a"))
	pipB := writeFilePip(2, dst, []byte("from-b"))

	if _, err := exec.Execute(context.Background(), pipA); err != nil {
		t.Fatalf("Execute pipA: %v", err)
	}
	_, err := exec.Execute(context.Background(), pipB)
	if err == nil {
		t.Fatalf("Execute pipB: expected double-write error, got nil")
	}
	var wrapped *errs.Error
	if e, ok := asErrsError(err); ok {
		wrapped = e
	}
	if wrapped == nil {
		t.Fatalf("error %v is not wrapped as an errs.Error", err)
	}
	if wrapped.Kind != errs.KindUser {
		t.Fatalf("Kind = %v, want KindUser", wrapped.Kind)
	}
}

func asErrsError(err error) (*errs.Error, bool) {
	for err != nil {
		if e, ok := err.(*errs.Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

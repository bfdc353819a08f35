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

package manifest

import (
	"testing"

	"forgecache/pkg/pipgraph"
)

func TestBuildWiresDependencyEdgeFromMatchingArtifacts(t *testing.T) {
	m := &Manifest{
		Pips: []PipSpec{
			{
				ID:              1,
				Kind:            "write_file",
				DeclaredOutputs: []FileArtifactSpec{{Path: "/out/a.txt", RewriteCount: 1}},
				WriteFile: &WriteFileSpec{
					Destination: FileArtifactSpec{Path: "/out/a.txt", RewriteCount: 1},
					Contents:    "a",
				},
			},
			{
				ID:              2,
				Kind:            "copy_file",
				DeclaredInputs:  []FileArtifactSpec{{Path: "/out/a.txt", RewriteCount: 1}},
				DeclaredOutputs: []FileArtifactSpec{{Path: "/out/b.txt", RewriteCount: 1}},
				CopyFile: &CopyFileSpec{
					Source:      FileArtifactSpec{Path: "/out/a.txt", RewriteCount: 1},
					Destination: FileArtifactSpec{Path: "/out/b.txt", RewriteCount: 1},
				},
			},
		},
	}

	paths := pipgraph.NewPathTable()
	graph, err := Build(m, paths)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	preds := graph.Predecessors(2)
	if len(preds) != 1 || preds[0] != 1 {
		t.Fatalf("Predecessors(2) = %v, want [1]", preds)
	}
}

func TestBuildOrderOnlyEdge(t *testing.T) {
	m := &Manifest{
		Pips: []PipSpec{
			{ID: 1, Kind: "write_file", DeclaredOutputs: []FileArtifactSpec{{Path: "/a", RewriteCount: 1}}, WriteFile: &WriteFileSpec{Destination: FileArtifactSpec{Path: "/a", RewriteCount: 1}}},
			{ID: 2, Kind: "write_file", DeclaredOutputs: []FileArtifactSpec{{Path: "/b", RewriteCount: 1}}, WriteFile: &WriteFileSpec{Destination: FileArtifactSpec{Path: "/b", RewriteCount: 1}}, OrderOnlyAfter: []int32{1}},
		},
	}
	paths := pipgraph.NewPathTable()
	graph, err := Build(m, paths)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	preds := graph.Predecessors(2)
	if len(preds) != 1 || preds[0] != 1 {
		t.Fatalf("Predecessors(2) = %v, want [1]", preds)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	m := &Manifest{Pips: []PipSpec{{ID: 1, Kind: "bogus"}}}
	paths := pipgraph.NewPathTable()
	if _, err := Build(m, paths); err == nil {
		t.Fatalf("expected an error for an unknown pip kind")
	}
}

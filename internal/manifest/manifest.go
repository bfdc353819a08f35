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

// Package manifest loads a JSON description of a build graph into a
// pipgraph.PipGraph. The core never interprets a build-spec DSL; this is
// the minimal, swappable front-end a real build-spec compiler would sit
// behind, following the same encoding/json request-body idiom the
// controller's API package uses for CreateJobRequest.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"forgecache/pkg/pipgraph"
)

// FileArtifactSpec is the JSON shape of a pipgraph.FileArtifact.
type FileArtifactSpec struct {
	Path         string `json:"path"`
	RewriteCount int32  `json:"rewrite_count"`
}

// ProcessSpec is the JSON shape of a PipKindProcess pip's payload.
type ProcessSpec struct {
	Executable     string            `json:"executable"`
	Arguments      []string          `json:"arguments,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	EnvTracked     map[string]string `json:"env_tracked,omitempty"`
	EnvPassthrough []string          `json:"env_passthrough,omitempty"`
	OutputRoots    []string          `json:"output_roots,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty"`
}

// WriteFileSpec is the JSON shape of a PipKindWriteFile pip's payload.
type WriteFileSpec struct {
	Destination FileArtifactSpec `json:"destination"`
	Contents    string           `json:"contents"`
}

// CopyFileSpec is the JSON shape of a PipKindCopyFile pip's payload.
type CopyFileSpec struct {
	Source      FileArtifactSpec `json:"source"`
	Destination FileArtifactSpec `json:"destination"`
}

// PipSpec is one node in the manifest: Kind selects which of the
// kind-specific payload fields is populated.
type PipSpec struct {
	ID              int32              `json:"id"`
	Kind            string             `json:"kind"`
	Priority        int32              `json:"priority,omitempty"`
	Weight          int32              `json:"weight,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	DeclaredInputs  []FileArtifactSpec `json:"inputs,omitempty"`
	DeclaredOutputs []FileArtifactSpec `json:"outputs,omitempty"`
	OrderOnlyAfter  []int32            `json:"order_only_after,omitempty"`

	Process   *ProcessSpec   `json:"process,omitempty"`
	WriteFile *WriteFileSpec `json:"write_file,omitempty"`
	CopyFile  *CopyFileSpec  `json:"copy_file,omitempty"`
}

// Manifest is the top-level JSON document describing one build's pips.
type Manifest struct {
	Pips []PipSpec `json:"pips"`
}

// Load reads a manifest file and builds a sealed PipGraph from it,
// interning every path it mentions into paths.
func Load(path string, paths *pipgraph.PathTable) (*pipgraph.PipGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return Build(&m, paths)
}

// Build constructs and seals a PipGraph from an already-parsed Manifest.
func Build(m *Manifest, paths *pipgraph.PathTable) (*pipgraph.PipGraph, error) {
	graph := pipgraph.NewPipGraph(paths)

	for i := range m.Pips {
		pip, err := toPip(&m.Pips[i], paths)
		if err != nil {
			return nil, fmt.Errorf("manifest: pip %d: %w", m.Pips[i].ID, err)
		}
		if err := graph.AddPip(pip); err != nil {
			return nil, fmt.Errorf("manifest: add pip %d: %w", m.Pips[i].ID, err)
		}
	}
	for i := range m.Pips {
		spec := &m.Pips[i]
		for _, before := range spec.OrderOnlyAfter {
			if err := graph.AddOrderOnlyEdge(pipgraph.PipID(before), pipgraph.PipID(spec.ID)); err != nil {
				return nil, fmt.Errorf("manifest: order-only edge %d->%d: %w", before, spec.ID, err)
			}
		}
	}
	if err := graph.Seal(); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return graph, nil
}

func toPip(spec *PipSpec, paths *pipgraph.PathTable) (*pipgraph.Pip, error) {
	pip := &pipgraph.Pip{
		ID:              pipgraph.PipID(spec.ID),
		Priority:        spec.Priority,
		Weight:          spec.Weight,
		Tags:            spec.Tags,
		DeclaredInputs:  toArtifacts(spec.DeclaredInputs, paths),
		DeclaredOutputs: toArtifacts(spec.DeclaredOutputs, paths),
	}

	switch spec.Kind {
	case "process":
		if spec.Process == nil {
			return nil, fmt.Errorf("process pip missing \"process\" payload")
		}
		pip.Kind = pipgraph.PipKindProcess
		pip.Process = &pipgraph.ProcessData{
			Executable:     paths.Intern(spec.Process.Executable),
			Arguments:      spec.Process.Arguments,
			WorkingDir:     paths.Intern(spec.Process.WorkingDir),
			EnvTracked:     spec.Process.EnvTracked,
			EnvPassthrough: spec.Process.EnvPassthrough,
			OutputRoots:    internAll(spec.Process.OutputRoots, paths),
			Timeout:        spec.Process.TimeoutSeconds,
		}
	case "write_file":
		if spec.WriteFile == nil {
			return nil, fmt.Errorf("write_file pip missing \"write_file\" payload")
		}
		pip.Kind = pipgraph.PipKindWriteFile
		pip.WriteFile = &pipgraph.WriteFileData{
			Destination: toArtifact(spec.WriteFile.Destination, paths),
			Contents:    []byte(spec.WriteFile.Contents),
		}
	case "copy_file":
		if spec.CopyFile == nil {
			return nil, fmt.Errorf("copy_file pip missing \"copy_file\" payload")
		}
		pip.Kind = pipgraph.PipKindCopyFile
		pip.CopyFile = &pipgraph.CopyFileData{
			Source:      toArtifact(spec.CopyFile.Source, paths),
			Destination: toArtifact(spec.CopyFile.Destination, paths),
		}
	default:
		return nil, fmt.Errorf("unknown pip kind %q", spec.Kind)
	}
	return pip, nil
}

func toArtifact(spec FileArtifactSpec, paths *pipgraph.PathTable) pipgraph.FileArtifact {
	return pipgraph.FileArtifact{Path: paths.Intern(spec.Path), RewriteCount: spec.RewriteCount}
}

func toArtifacts(specs []FileArtifactSpec, paths *pipgraph.PathTable) []pipgraph.FileArtifact {
	if len(specs) == 0 {
		return nil
	}
	out := make([]pipgraph.FileArtifact, len(specs))
	for i, s := range specs {
		out[i] = toArtifact(s, paths)
	}
	return out
}

func internAll(ss []string, paths *pipgraph.PathTable) []pipgraph.PathID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]pipgraph.PathID, len(ss))
	for i, s := range ss {
		out[i] = paths.Intern(s)
	}
	return out
}

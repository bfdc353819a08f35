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
	"fmt"

	"forgecache/internal/contentstore"
	"forgecache/pkg/pipgraph"
)

// materializeOutputs places every output of a cache hit onto disk and
// records its hash for any downstream pip that declares it as an input.
func (e *Executor) materializeOutputs(outputs []pipgraph.OutputEntry) error {
	for _, out := range outputs {
		dst := e.pathString(out.Path)
		if _, err := e.cas.PlaceFile(out.Hash, dst, contentstore.RealizationHardlink, contentstore.ReplacementReplaceExisting, e.cfg.PinUrgency); err != nil {
			return fmt.Errorf("pipexec: materialize %s: %w", dst, err)
		}
		e.RegisterKnownHash(out.Path, out.Hash)
	}
	return nil
}

// materializeInputs places every declared input onto disk before
// execution, hashing-and-ingesting untouched source files on first
// reference. Produced (non-source) inputs must already have a known
// hash, since the pip that produces them runs before any of its
// consumers under the graph's predecessor ordering.
func (e *Executor) materializeInputs(inputs []pipgraph.FileArtifact) error {
	for _, in := range inputs {
		hash, ok := e.lookupKnownHash(in.Path)
		if !ok {
			if !in.IsSourceFile() {
				return fmt.Errorf("pipexec: no known hash for produced input %s", e.pathString(in.Path))
			}
			path := e.pathString(in.Path)
			h, _, err := e.cas.PutFile(path, nil)
			if err != nil {
				return fmt.Errorf("pipexec: hash source input %s: %w", path, err)
			}
			hash = h
			e.RegisterKnownHash(in.Path, hash)
		}
		dst := e.pathString(in.Path)
		if _, err := e.cas.PlaceFile(hash, dst, contentstore.RealizationHardlink, contentstore.ReplacementSkipIfExists, e.cfg.PinUrgency); err != nil {
			return fmt.Errorf("pipexec: materialize input %s: %w", dst, err)
		}
	}
	return nil
}

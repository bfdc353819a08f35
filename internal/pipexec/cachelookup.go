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

	"forgecache/internal/errs"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/metrics"
	"forgecache/pkg/pipgraph"
)

// cacheHit is what a successful cache lookup found.
type cacheHit struct {
	descriptor *pipgraph.CacheDescriptor
	sf         pipgraph.StrongFingerprint
	ps         pipgraph.PathSet
}

// cacheLookup walks get_path_sets(wf) in stored order, revalidating each
// candidate PathSet against the current filesystem and stopping at the
// first one whose recomputed strong fingerprint has a descriptor with
// pinnable outputs.
func (e *Executor) cacheLookup(ctx context.Context, wf pipgraph.WeakFingerprint) (*cacheHit, errs.MissReason, error) {
	if e.meta == nil {
		return nil, errs.MissNoPreviousRunToCheck, nil
	}

	refs, err := e.meta.GetPathSets(ctx, wf)
	if err != nil {
		return nil, errs.MissCacheFailure, err
	}
	if len(refs) == 0 {
		return nil, errs.MissNoPreviousRunToCheck, nil
	}

	for _, ref := range refs {
		ok, observed, err := e.validatePathSet(ref.PathSet)
		if err != nil {
			return nil, errs.MissCacheFailure, err
		}
		if !ok {
			continue
		}

		sf := fingerprint.StrongFingerprintOf(wf, ref.PathSet, observed)
		desc, err := e.meta.GetDescriptor(ctx, wf, sf)
		if err == metadatastore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errs.MissCacheFailure, err
		}

		if e.outputsArePinnable(ctx, desc) {
			metrics.RecordCacheLookup("hit", 0)
			return &cacheHit{descriptor: desc, sf: sf, ps: ref.PathSet}, errs.MissNone, nil
		}
		// descriptor found but outputs can no longer be pinned anywhere:
		// treat as a miss and keep trying other candidate path sets.
	}

	return nil, errs.MissFingerprintChanged, nil
}

// validatePathSet reconfirms every observation in ps against the
// current filesystem, returning the freshly hashed FileContent entries
// as observed inputs. A Probe or DirectoryEnumeration entry whose
// current truth no longer matches what was recorded makes the whole
// PathSet non-matching (the caller tries the next candidate).
func (e *Executor) validatePathSet(ps pipgraph.PathSet) (bool, []pipgraph.ObservedInput, error) {
	var toHash []string
	var hashEntries []pipgraph.PathSetEntry

	for _, entry := range ps {
		switch entry.Kind {
		case pipgraph.ObservationFileContent:
			toHash = append(toHash, entry.Path)
			hashEntries = append(hashEntries, entry)
		case pipgraph.ObservationExistenceProbe:
			if _, err := os.Stat(entry.Path); err != nil {
				return false, nil, nil
			}
		case pipgraph.ObservationAbsentPathProbe:
			if _, err := os.Stat(entry.Path); err == nil {
				return false, nil, nil
			}
		case pipgraph.ObservationDirectoryEnumeration:
			members, err := readDirNames(entry.Path)
			if err != nil {
				return false, nil, nil
			}
			mfp := fingerprint.MembershipFingerprint(members, nil)
			if mfp != entry.MembershipFP {
				return false, nil, nil
			}
		}
	}

	if len(toHash) == 0 {
		return true, nil, nil
	}

	results := fingerprint.HashFiles(toHash)
	observed := make([]pipgraph.ObservedInput, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			return false, nil, nil
		}
		observed = append(observed, pipgraph.ObservedInput{
			Path: e.paths.Intern(hashEntries[i].Path),
			Hash: r.Hash,
		})
	}
	return true, observed, nil
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// outputsArePinnable asks the content store to make every output of
// desc available, honoring a fresh pin-elision hint if one exists so a
// repeated lookup for the same strong fingerprint doesn't re-pin.
func (e *Executor) outputsArePinnable(ctx context.Context, desc *pipgraph.CacheDescriptor) bool {
	if e.cas == nil {
		return true
	}
	if window, ok, err := e.meta.PinElisionHint(ctx, desc.StrongFP); err == nil && ok && window > 0 {
		return true
	}

	hashes := make([]pipgraph.ContentHash, len(desc.Outputs))
	for i, o := range desc.Outputs {
		hashes[i] = o.Hash
	}
	if _, err := e.cas.PinBulk(hashes, e.cfg.PinUrgency); err != nil {
		return false
	}
	_ = e.meta.SetPinElisionHint(ctx, desc.StrongFP, e.cfg.PinElisionWindow)
	return true
}

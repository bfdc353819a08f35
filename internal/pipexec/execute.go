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
	"fmt"
	"os"
	"path/filepath"

	"forgecache/internal/contentstore"
	"forgecache/internal/errs"
	"forgecache/internal/fingerprint"
	"forgecache/internal/metadatastore"
	"forgecache/internal/sandbox"
	"forgecache/pkg/pipgraph"
)

// Execute runs pip to completion: a cache lookup first, falling through
// to real execution on a miss. Concurrent calls for pips sharing a weak
// fingerprint share one in-flight run and its result, per the
// at-most-one-build-per-fingerprint policy.
func (e *Executor) Execute(ctx context.Context, pip *pipgraph.Pip) (Result, error) {
	wf := e.fp.WeakFingerprintOf(pip)
	key := wf.String()

	v, err, _ := e.dedup.Do(key, func() (interface{}, error) {
		return e.executeOnce(ctx, pip, wf)
	})
	if err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}
	return v.(Result), nil
}

func (e *Executor) executeOnce(ctx context.Context, pip *pipgraph.Pip, wf pipgraph.WeakFingerprint) (Result, error) {
	if pip.DisableCacheLookup {
		return e.runAndPublish(ctx, pip, wf, false)
	}

	hit, reason, err := e.cacheLookup(ctx, wf)
	if err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}
	if hit != nil {
		if err := e.claimOutputs(pip.ID, pip.DeclaredOutputs); err != nil {
			return Result{State: pipgraph.PipStateFailed}, err
		}
		if err := e.materializeOutputs(hit.descriptor.Outputs); err != nil {
			return Result{State: pipgraph.PipStateFailed}, err
		}
		return Result{
			State:      pipgraph.PipStateCached,
			MissReason: errs.MissNone,
			StrongFP:   hit.sf,
			Outputs:    hit.descriptor.Outputs,
		}, nil
	}

	_ = reason
	return e.runAndPublish(ctx, pip, wf, true)
}

// claimOutputs enforces the first-producer-wins double-write rule: the
// first pip to claim a path owns it for the rest of the build.
func (e *Executor) claimOutputs(id pipgraph.PipID, outputs []pipgraph.FileArtifact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, out := range outputs {
		if owner, ok := e.outputOwner[out.Path]; ok && owner != id {
			return fmt.Errorf("pipexec: %s: %w", e.pathString(out.Path), errs.User("InvalidOutputDueToSimpleDoubleWrite", fmt.Errorf("output already produced by pip %d", owner)))
		}
		e.outputOwner[out.Path] = id
	}
	return nil
}

// runAndPublish materializes declared inputs, runs the pip under the
// sandbox (for kinds that need one), hashes the resulting outputs into
// the content store, and publishes a new cache descriptor unless the
// run is uncacheable.
func (e *Executor) runAndPublish(ctx context.Context, pip *pipgraph.Pip, wf pipgraph.WeakFingerprint, publishAllowed bool) (Result, error) {
	if err := e.claimOutputs(pip.ID, pip.DeclaredOutputs); err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}
	if err := e.materializeInputs(pip.DeclaredInputs); err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}

	report, err := e.runPip(ctx, pip)
	if err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}
	if report.HasHardViolation() {
		return Result{State: pipgraph.PipStateFailed}, fmt.Errorf("pipexec: pip %d: %w", pip.ID, errs.User("DisallowedFileAccess", fmt.Errorf("%d violation(s)", len(report.Violations))))
	}

	outputs, writtenPaths, err := e.hashOutputs(pip)
	if err != nil {
		return Result{State: pipgraph.PipStateFailed}, err
	}

	if e.shared != nil {
		if err := e.markSharedOpaqueOutputs(pip, writtenPaths); err != nil {
			return Result{State: pipgraph.PipStateFailed}, err
		}
	}

	if !publishAllowed || report.Uncacheable() {
		return Result{State: pipgraph.PipStateExecuted, MissReason: errs.MissNone, Outputs: outputs}, nil
	}

	ps := e.observedPathSet(report, outputs)
	observed := observedInputsFrom(ps, outputs, e.paths)
	sf := fingerprint.StrongFingerprintOf(wf, ps, observed)

	descriptor := pipgraph.CacheDescriptor{
		StrongFP:       sf,
		Outputs:        outputs,
		ObservedInputs: observed,
		BuildSessionID: e.cfg.BuildSessionID,
	}

	canon := fingerprint.CanonicalizePathSet(ps)
	if err := e.meta.Publish(ctx, wf, metadatastore.PathSetID(canon), canon, sf, descriptor, e.cfg.ReplacementBehavior, e.cas); err != nil {
		return Result{State: pipgraph.PipStateFailed}, fmt.Errorf("pipexec: publish: %w", err)
	}

	return Result{State: pipgraph.PipStateExecuted, MissReason: errs.MissNone, StrongFP: sf, Outputs: outputs}, nil
}

// runPip dispatches by kind. Only Process pips run under the sandbox;
// the other kinds perform their I/O directly and report an empty
// access report, matching the "dispatch by tag" design used throughout
// the pip graph.
func (e *Executor) runPip(ctx context.Context, pip *pipgraph.Pip) (sandbox.Report, error) {
	switch pip.Kind {
	case pipgraph.PipKindProcess:
		return e.runProcess(ctx, pip)
	case pipgraph.PipKindWriteFile:
		return sandbox.Report{}, e.runWriteFile(pip)
	case pipgraph.PipKindCopyFile:
		return sandbox.Report{}, e.runCopyFile(pip)
	case pipgraph.PipKindSealDirectory:
		return sandbox.Report{}, nil
	case pipgraph.PipKindIpc:
		return sandbox.Report{}, nil
	case pipgraph.PipKindMeta:
		return sandbox.Report{}, nil
	default:
		return sandbox.Report{}, fmt.Errorf("pipexec: unknown pip kind %v", pip.Kind)
	}
}

func (e *Executor) runProcess(ctx context.Context, pip *pipgraph.Pip) (sandbox.Report, error) {
	p := pip.Process
	spec := sandbox.ProcessSpec{
		Executable:      e.pathString(p.Executable),
		Arguments:       p.Arguments,
		WorkingDir:      e.pathString(p.WorkingDir),
		DeclaredInputs:  pathStrings(e, pip.DeclaredInputs),
		OutputRoots:     idsToPaths(e, p.OutputRoots),
		UntrackedScopes: idsToPaths(e, p.UntrackedScopes),
		AllowedSources:  idsToPaths(e, p.AllowedSources),
	}
	for k, v := range p.EnvTracked {
		spec.Env = append(spec.Env, k+"="+v)
	}
	for _, name := range p.EnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			spec.Env = append(spec.Env, name+"="+v)
		}
	}
	return e.sb.Run(ctx, spec)
}

func (e *Executor) runWriteFile(pip *pipgraph.Pip) error {
	w := pip.WriteFile
	dst := e.pathString(w.Destination.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("pipexec: mkdir for write_file: %w", err)
	}
	return os.WriteFile(dst, w.Contents, 0o644)
}

func (e *Executor) runCopyFile(pip *pipgraph.Pip) error {
	c := pip.CopyFile
	hash, ok := e.lookupKnownHash(c.Source.Path)
	src := e.pathString(c.Source.Path)
	if !ok {
		h, _, err := e.cas.PutFile(src, nil)
		if err != nil {
			return fmt.Errorf("pipexec: hash copy_file source %s: %w", src, err)
		}
		hash = h
		e.RegisterKnownHash(c.Source.Path, hash)
	}
	dst := e.pathString(c.Destination.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("pipexec: mkdir for copy_file: %w", err)
	}
	// trusted-hash fast path: the source's hash is already known, so the
	// destination is admitted under the same hash without rehashing.
	_, err := e.cas.PlaceFile(hash, dst, contentstore.RealizationHardlink, contentstore.ReplacementReplaceExisting, e.cfg.PinUrgency)
	return err
}

func pathStrings(e *Executor, artifacts []pipgraph.FileArtifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = e.pathString(a.Path)
	}
	return out
}

func idsToPaths(e *Executor, ids []pipgraph.PathID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = e.pathString(id)
	}
	return out
}

// hashOutputs hashes and ingests every declared output. Writes the
// sandbox observed outside the declared set are not hashed, ingested or
// returned. It returns the OutputEntry list for the descriptor and the
// flat path list for shared-opaque marking.
func (e *Executor) hashOutputs(pip *pipgraph.Pip) ([]pipgraph.OutputEntry, []string, error) {
	var entries []pipgraph.OutputEntry
	var paths []string
	for _, out := range pip.DeclaredOutputs {
		path := e.pathString(out.Path)
		if _, err := os.Stat(path); err != nil {
			if pip.Kind == pipgraph.PipKindProcess {
				return nil, nil, fmt.Errorf("pipexec: declared output %s was not produced: %w", path, err)
			}
			continue
		}
		hash, _, err := e.cas.PutFile(path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("pipexec: hash output %s: %w", path, err)
		}
		e.RegisterKnownHash(out.Path, hash)
		entries = append(entries, pipgraph.OutputEntry{Path: out.Path, Hash: hash, RewriteCount: out.RewriteCount})
		paths = append(paths, path)
	}
	return entries, paths, nil
}

func (e *Executor) markSharedOpaqueOutputs(pip *pipgraph.Pip, writtenPaths []string) error {
	hasSharedOpaque := false
	for _, d := range pip.OutputDirs {
		if d.Kind == pipgraph.DirectoryKindSharedOpaque {
			hasSharedOpaque = true
			break
		}
	}
	if !hasSharedOpaque || len(writtenPaths) == 0 {
		return nil
	}
	return e.shared.MarkProduced(writtenPaths, 1)
}

// observedPathSet builds the canonical PathSet from a sandbox report:
// every Read/Probe/Enumerate event the report recorded, classified by
// its EventKind.
func (e *Executor) observedPathSet(report sandbox.Report, outputs []pipgraph.OutputEntry) pipgraph.PathSet {
	var ps pipgraph.PathSet
	for _, ev := range report.Events {
		switch ev.Kind {
		case sandbox.EventRead:
			ps = append(ps, pipgraph.PathSetEntry{Path: e.translate(ev.Path), Kind: pipgraph.ObservationFileContent})
		case sandbox.EventProbe:
			kind := pipgraph.ObservationAbsentPathProbe
			if ev.Existed {
				kind = pipgraph.ObservationExistenceProbe
			}
			ps = append(ps, pipgraph.PathSetEntry{Path: e.translate(ev.Path), Kind: kind})
		case sandbox.EventEnumerate:
			mfp := fingerprint.MembershipFingerprint(ev.Members, nil)
			ps = append(ps, pipgraph.PathSetEntry{Path: e.translate(ev.Path), Kind: pipgraph.ObservationDirectoryEnumeration, MembershipFP: mfp})
		}
	}
	return fingerprint.CanonicalizePathSet(ps)
}

func observedInputsFrom(ps pipgraph.PathSet, outputs []pipgraph.OutputEntry, paths *pipgraph.PathTable) []pipgraph.ObservedInput {
	outputSet := map[pipgraph.PathID]bool{}
	for _, o := range outputs {
		outputSet[o.Path] = true
	}
	toHash := make([]string, 0, len(ps))
	for _, e := range ps {
		if e.Kind == pipgraph.ObservationFileContent {
			toHash = append(toHash, e.Path)
		}
	}
	results := fingerprint.HashFiles(toHash)
	var observed []pipgraph.ObservedInput
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		id := paths.Intern(r.Path)
		if outputSet[id] {
			continue
		}
		observed = append(observed, pipgraph.ObservedInput{Path: id, Hash: r.Hash})
	}
	return observed
}

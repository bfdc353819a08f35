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

// Package fingerprint implements C1: pure, I/O-free computation of weak
// and strong fingerprints and path-set canonicalization. No function in
// this package touches the filesystem or the network; every input is a
// value already in memory.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"sort"
	"strings"

	"forgecache/pkg/pipgraph"
)

// Fingerprinter computes weak/strong fingerprints for pips. It is safe
// for concurrent use: all state is immutable after construction.
type Fingerprinter struct {
	salt                      string
	reclassificationRulesHash string
	paths                     *pipgraph.PathTable
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithSalt sets the build-wide fingerprint salt. Changing the salt
// invalidates every previously-published cache entry; required for
// fingerprint-format changes.
func WithSalt(salt string) Option {
	return func(f *Fingerprinter) { f.salt = salt }
}

// WithReclassification sets the observation-reclassification rules hash
// folded into every weak fingerprint.
func WithReclassification(rulesHash string) Option {
	return func(f *Fingerprinter) { f.reclassificationRulesHash = rulesHash }
}

// New returns a Fingerprinter resolving interned paths via paths.
func New(paths *pipgraph.PathTable, opts ...Option) *Fingerprinter {
	f := &Fingerprinter{paths: paths}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// hashWriter accumulates a sequence of fields into one SHA-256 sum, each
// field length-prefixed so concatenation boundaries can never be
// confused with adjacent field content.
type hashWriter struct {
	h hash.Hash
}

func newDigestWriter() *hashWriter {
	return &hashWriter{h: sha256.New()}
}

func (w *hashWriter) write(b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	w.h.Write(lenBuf[:])
	w.h.Write(b)
}

func (w *hashWriter) writeString(s string) { w.write([]byte(s)) }

func (w *hashWriter) writeInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.write(b[:])
}

func (w *hashWriter) sum() pipgraph.ContentHash {
	sum := w.h.Sum(nil)
	var arr [32]byte
	copy(arr[:], sum)
	return pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, arr)
}

// unsetMarker is folded into the hash in place of a missing tracked
// environment variable's value, so "variable absent" and "variable set
// to empty string" never collide.
const unsetMarker = "\x00forgecache:unset\x00"

// WeakFingerprintOf computes the WF of p: deterministic from its static
// declaration plus the Fingerprinter's salt and reclassification-rules
// hash. Environment variables are split into tracked (value enters the
// hash) and passthrough (only the name enters the hash).
func (f *Fingerprinter) WeakFingerprintOf(p *pipgraph.Pip) pipgraph.WeakFingerprint {
	w := newDigestWriter()
	w.writeString("forgecache-wf-v1")
	w.writeString(f.salt)
	w.writeString(f.reclassificationRulesHash)
	w.writeString(p.Kind.String())
	w.writeInt64(int64(p.Priority))
	w.writeInt64(int64(p.Weight))

	tags := append([]string{}, p.Tags...)
	sort.Strings(tags)
	for _, t := range tags {
		w.writeString(t)
	}

	if p.Process != nil {
		pd := p.Process
		w.writeString(f.pathString(pd.Executable))
		for _, arg := range pd.Arguments {
			w.writeString(arg)
		}
		w.writeString(f.pathString(pd.WorkingDir))

		trackedNames := make([]string, 0, len(pd.EnvTracked))
		for k := range pd.EnvTracked {
			trackedNames = append(trackedNames, k)
		}
		sort.Strings(trackedNames)
		for _, name := range trackedNames {
			w.writeString(name)
			w.writeString(pd.EnvTracked[name])
		}

		passthrough := append([]string{}, pd.EnvPassthrough...)
		sort.Strings(passthrough)
		for _, name := range passthrough {
			w.writeString("passthrough:" + name)
		}
	}

	if p.WriteFile != nil {
		w.write(p.WriteFile.Contents)
	}
	if p.CopyFile != nil {
		w.writeString(f.pathString(p.CopyFile.Source.Path))
	}
	if p.SealDirectory != nil {
		w.writeString(p.SealDirectory.Directory.Kind.String())
	}
	if p.Ipc != nil {
		w.writeString(p.Ipc.MonikerID)
	}

	inputs := sortedFileArtifacts(p.DeclaredInputs, f.paths)
	for _, fa := range inputs {
		w.writeString(f.pathString(fa.Path))
		w.writeInt64(int64(fa.RewriteCount))
	}
	outputs := sortedFileArtifacts(p.DeclaredOutputs, f.paths)
	for _, fa := range outputs {
		w.writeString(f.pathString(fa.Path))
		w.writeInt64(int64(fa.RewriteCount))
	}

	return pipgraph.WeakFingerprint(w.sum())
}

func (f *Fingerprinter) pathString(id pipgraph.PathID) string {
	if s, ok := f.paths.Lookup(id); ok {
		return s
	}
	return ""
}

func sortedFileArtifacts(in []pipgraph.FileArtifact, paths *pipgraph.PathTable) []pipgraph.FileArtifact {
	out := append([]pipgraph.FileArtifact{}, in...)
	sort.Slice(out, func(i, j int) bool {
		pi, _ := paths.Lookup(out[i].Path)
		pj, _ := paths.Lookup(out[j].Path)
		if pi != pj {
			return pi < pj
		}
		return out[i].RewriteCount < out[j].RewriteCount
	})
	return out
}

// CanonicalizePathSet sorts observed entries by (Path, ObservationKind).
// This is the canonical form every other function in this package
// requires as input.
func CanonicalizePathSet(observed pipgraph.PathSet) pipgraph.PathSet {
	out := append(pipgraph.PathSet{}, observed...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// entrySeparator and fieldSeparator are control characters, chosen
// because they cannot legally appear in a path string; they delimit the
// line-oriented serialization used by Serialize/Parse.
const (
	entrySeparator = "\x1e"
	fieldSeparator = "\x1f"
)

// SerializePathSet renders a PathSet to a self-delimiting byte form.
// ParsePathSet(SerializePathSet(ps)) recovers ps exactly (modulo
// canonicalization order, which callers apply before comparing).
func SerializePathSet(ps pipgraph.PathSet) []byte {
	var b strings.Builder
	for i, e := range ps {
		if i > 0 {
			b.WriteString(entrySeparator)
		}
		fmt.Fprintf(&b, "%s%s%d%s%s", e.Path, fieldSeparator, e.Kind, fieldSeparator, e.MembershipFP.String())
	}
	return []byte(b.String())
}

// ParsePathSet parses bytes produced by SerializePathSet back into a
// PathSet. Malformed entries are skipped rather than causing a panic;
// fingerprint corruption downstream is always treated as a cache miss,
// never a crash.
func ParsePathSet(data []byte) pipgraph.PathSet {
	if len(data) == 0 {
		return nil
	}
	var out pipgraph.PathSet
	for _, entry := range strings.Split(string(data), entrySeparator) {
		fields := strings.Split(entry, fieldSeparator)
		if len(fields) != 3 {
			continue
		}
		var kind int
		if _, err := fmt.Sscanf(fields[1], "%d", &kind); err != nil {
			continue
		}
		mfp, err := pipgraph.ParseContentHash(fields[2])
		if err != nil {
			continue
		}
		out = append(out, pipgraph.PathSetEntry{
			Path:         fields[0],
			Kind:         pipgraph.ObservationKind(kind),
			MembershipFP: mfp,
		})
	}
	return out
}

// MembershipFingerprint hashes a directory's sorted member names,
// combined with each member's attribute bits (encoded by the caller),
// into the membership fingerprint carried by a DirectoryEnumeration entry.
func MembershipFingerprint(members []string, attrBits []uint32) pipgraph.ContentHash {
	type member struct {
		name string
		bits uint32
	}
	ms := make([]member, len(members))
	for i := range members {
		var b uint32
		if i < len(attrBits) {
			b = attrBits[i]
		}
		ms[i] = member{name: members[i], bits: b}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	w := newDigestWriter()
	for _, m := range ms {
		w.writeString(m.name)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], m.bits)
		w.write(b[:])
	}
	return w.sum()
}

// StrongFingerprintOf hashes (WF, canonical PS bytes, observed input
// content hashes) into the SF. Its value depends on both what the pip
// observed and the content it observed.
func StrongFingerprintOf(wf pipgraph.WeakFingerprint, ps pipgraph.PathSet, observed []pipgraph.ObservedInput) pipgraph.StrongFingerprint {
	canon := CanonicalizePathSet(ps)

	w := newDigestWriter()
	w.writeString("forgecache-sf-v1")
	w.write(pipgraph.ContentHash(wf).Bytes())
	w.write(SerializePathSet(canon))

	sortedObserved := append([]pipgraph.ObservedInput{}, observed...)
	sort.Slice(sortedObserved, func(i, j int) bool { return sortedObserved[i].Path < sortedObserved[j].Path })
	for _, oi := range sortedObserved {
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], uint32(oi.Path))
		w.write(pidBuf[:])
		w.write(oi.Hash.Bytes())
	}

	return pipgraph.StrongFingerprint(w.sum())
}

package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"forgecache/pkg/pipgraph"
)

func makeProcessPip(paths *pipgraph.PathTable, srcContent string) *pipgraph.Pip {
	src := paths.Intern("/build/src/A")
	out := paths.Intern("/build/out")
	return &pipgraph.Pip{
		ID:   1,
		Kind: pipgraph.PipKindProcess,
		DeclaredInputs: []pipgraph.FileArtifact{
			{Path: src, RewriteCount: 0},
		},
		DeclaredOutputs: []pipgraph.FileArtifact{
			{Path: out, RewriteCount: 1},
		},
		Process: &pipgraph.ProcessData{
			Executable: paths.Intern("/usr/bin/tool"),
			Arguments:  []string{"--in", srcContent},
			EnvTracked: map[string]string{"FOO": "bar"},
		},
	}
}

func TestWeakFingerprintDeterministic(t *testing.T) {
	paths := pipgraph.NewPathTable()
	fp := New(paths, WithSalt("salt-1"))

	p1 := makeProcessPip(paths, "x")
	wf1 := fp.WeakFingerprintOf(p1)
	wf2 := fp.WeakFingerprintOf(p1)
	if wf1 != wf2 {
		t.Fatalf("weak fingerprint not deterministic across calls: %v != %v", wf1, wf2)
	}
}

func TestWeakFingerprintOrderIndependent(t *testing.T) {
	paths := pipgraph.NewPathTable()
	fp := New(paths)

	a := paths.Intern("/a")
	b := paths.Intern("/b")

	p1 := &pipgraph.Pip{Kind: pipgraph.PipKindProcess, DeclaredInputs: []pipgraph.FileArtifact{{Path: a}, {Path: b}}, Process: &pipgraph.ProcessData{}}
	p2 := &pipgraph.Pip{Kind: pipgraph.PipKindProcess, DeclaredInputs: []pipgraph.FileArtifact{{Path: b}, {Path: a}}, Process: &pipgraph.ProcessData{}}

	if fp.WeakFingerprintOf(p1) != fp.WeakFingerprintOf(p2) {
		t.Fatal("weak fingerprint depends on declared-input list order")
	}
}

func TestWeakFingerprintSaltChanges(t *testing.T) {
	paths := pipgraph.NewPathTable()
	p := makeProcessPip(paths, "x")

	wf1 := New(paths, WithSalt("a")).WeakFingerprintOf(p)
	wf2 := New(paths, WithSalt("b")).WeakFingerprintOf(p)
	if wf1 == wf2 {
		t.Fatal("changing fingerprint_salt did not change the weak fingerprint")
	}
}

func TestPathSetRoundTrip(t *testing.T) {
	dirFP := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, [32]byte{7, 8, 9})
	ps := pipgraph.PathSet{
		{Path: "/b", Kind: pipgraph.ObservationFileContent},
		{Path: "/a", Kind: pipgraph.ObservationExistenceProbe},
		{Path: "/a", Kind: pipgraph.ObservationFileContent},
		{Path: "/c", Kind: pipgraph.ObservationDirectoryEnumeration, MembershipFP: dirFP},
	}
	canon := CanonicalizePathSet(ps)
	roundTripped := CanonicalizePathSet(ParsePathSet(SerializePathSet(canon)))

	if len(canon) != len(roundTripped) {
		t.Fatalf("round trip changed entry count: %d != %d", len(canon), len(roundTripped))
	}
	for i := range canon {
		if canon[i].Path != roundTripped[i].Path || canon[i].Kind != roundTripped[i].Kind {
			t.Fatalf("round trip mismatch at %d: %+v != %+v", i, canon[i], roundTripped[i])
		}
		if canon[i].MembershipFP != roundTripped[i].MembershipFP {
			t.Fatalf("round trip dropped MembershipFP at %d: %v != %v", i, canon[i].MembershipFP, roundTripped[i].MembershipFP)
		}
	}
}

func TestStrongFingerprintDependsOnObservedContent(t *testing.T) {
	paths := pipgraph.NewPathTable()
	fp := New(paths)
	p := makeProcessPip(paths, "x")
	wf := fp.WeakFingerprintOf(p)

	ps := pipgraph.PathSet{{Path: "/build/src/A", Kind: pipgraph.ObservationFileContent}}
	h1 := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, [32]byte{1})
	h2 := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, [32]byte{2})

	sf1 := StrongFingerprintOf(wf, ps, []pipgraph.ObservedInput{{Path: 1, Hash: h1}})
	sf2 := StrongFingerprintOf(wf, ps, []pipgraph.ObservedInput{{Path: 1, Hash: h2}})
	if sf1 == sf2 {
		t.Fatal("strong fingerprint did not change when observed content changed")
	}

	sf3 := StrongFingerprintOf(wf, ps, []pipgraph.ObservedInput{{Path: 1, Hash: h1}})
	if sf1 != sf3 {
		t.Fatal("strong fingerprint not deterministic for identical inputs")
	}
}

func TestHashFilesDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	results := HashFiles(paths)
	if len(results) != len(paths) {
		t.Fatalf("got %d results, want %d", len(results), len(paths))
	}
	for i, r := range results {
		if r.Path != paths[i] {
			t.Fatalf("result %d path = %q, want %q (order not preserved)", i, r.Path, paths[i])
		}
		if r.Err != nil {
			t.Fatalf("unexpected error hashing %s: %v", r.Path, r.Err)
		}
	}
}

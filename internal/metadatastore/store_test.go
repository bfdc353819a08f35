package metadatastore

import (
	"context"
	"path/filepath"
	"testing"

	"forgecache/pkg/pipgraph"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWF(tag string) pipgraph.WeakFingerprint {
	var sum [32]byte
	copy(sum[:], tag)
	return pipgraph.WeakFingerprint(pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, sum))
}

func testSF(tag string) pipgraph.StrongFingerprint {
	var sum [32]byte
	copy(sum[:], tag)
	return pipgraph.StrongFingerprint(pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, sum))
}

func TestPublishAndGetDescriptorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWF("wf-1")
	sf := testSF("sf-1")
	ps := pipgraph.PathSet{{Path: "/a", Kind: pipgraph.ObservationFileContent}}
	psID := PathSetID(ps)

	descriptor := pipgraph.CacheDescriptor{
		StrongFP: sf,
		Outputs: []pipgraph.OutputEntry{
			{Path: 1, Hash: pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, [32]byte{9}), RewriteCount: 1},
		},
		BuildSessionID: "session-1",
	}

	if err := s.Publish(ctx, wf, psID, ps, sf, descriptor, AlwaysOverwrite, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := s.GetDescriptor(ctx, wf, sf)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Path != 1 {
		t.Fatalf("unexpected outputs: %+v", got.Outputs)
	}
	if got.BuildSessionID != "session-1" {
		t.Fatalf("BuildSessionID = %q, want session-1", got.BuildSessionID)
	}

	refs, err := s.GetPathSets(ctx, wf)
	if err != nil {
		t.Fatalf("GetPathSets: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != psID {
		t.Fatalf("unexpected path set refs: %+v", refs)
	}
}

func TestGetDescriptorNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDescriptor(context.Background(), testWF("missing"), testSF("missing"))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishIdempotentUnderEqualKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWF("wf-2")
	sf := testSF("sf-2")
	ps := pipgraph.PathSet{{Path: "/a", Kind: pipgraph.ObservationFileContent}}
	psID := PathSetID(ps)
	descriptor := pipgraph.CacheDescriptor{StrongFP: sf, BuildSessionID: "s1"}

	for i := 0; i < 2; i++ {
		if err := s.Publish(ctx, wf, psID, ps, sf, descriptor, AlwaysOverwrite, nil); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	got, err := s.GetDescriptor(ctx, wf, sf)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if got.BuildSessionID != "s1" {
		t.Fatalf("BuildSessionID = %q, want s1", got.BuildSessionID)
	}
}

// fakeContentChecker reports a hash present iff it was explicitly added.
type fakeContentChecker map[pipgraph.ContentHash]bool

func (f fakeContentChecker) HasLocal(hash pipgraph.ContentHash) bool { return f[hash] }

func TestPublishCheckContentsFirstOverwritesWhenContentMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWF("wf-3")
	sf := testSF("sf-3")
	ps := pipgraph.PathSet{{Path: "/a", Kind: pipgraph.ObservationFileContent}}
	psID := PathSetID(ps)
	hash := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, [32]byte{3})
	descriptor := pipgraph.CacheDescriptor{
		StrongFP:       sf,
		Outputs:        []pipgraph.OutputEntry{{Path: 1, Hash: hash, RewriteCount: 1}},
		BuildSessionID: "s1",
	}

	if err := s.Publish(ctx, wf, psID, ps, sf, descriptor, AlwaysOverwrite, nil); err != nil {
		t.Fatalf("initial Publish: %v", err)
	}

	// The content store has since lost this output: CheckContentsFirst
	// must not elide the equivalent-looking descriptor, it must overwrite
	// so the now-present content gets republished.
	descriptor.BuildSessionID = "s2"
	if err := s.Publish(ctx, wf, psID, ps, sf, descriptor, CheckContentsFirst, fakeContentChecker{}); err != nil {
		t.Fatalf("Publish with missing content: %v", err)
	}
	got, err := s.GetDescriptor(ctx, wf, sf)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if got.BuildSessionID != "s2" {
		t.Fatalf("BuildSessionID = %q, want s2 (should have overwritten when content was missing)", got.BuildSessionID)
	}

	// Now the content is actually present: CheckContentsFirst should
	// elide the republish since the descriptor is equivalent and verified.
	descriptor.BuildSessionID = "s3"
	present := fakeContentChecker{hash: true}
	if err := s.Publish(ctx, wf, psID, ps, sf, descriptor, CheckContentsFirst, present); err != nil {
		t.Fatalf("Publish with present content: %v", err)
	}
	got, err = s.GetDescriptor(ctx, wf, sf)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if got.BuildSessionID != "s2" {
		t.Fatalf("BuildSessionID = %q, want s2 (should have elided the equivalent, verified descriptor)", got.BuildSessionID)
	}
}

func TestPinElisionHint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sf := testSF("sf-hint")

	if _, ok, err := s.PinElisionHint(ctx, sf); err != nil || ok {
		t.Fatalf("expected no hint initially, got ok=%v err=%v", ok, err)
	}

	if err := s.SetPinElisionHint(ctx, sf, 0); err != nil {
		t.Fatalf("SetPinElisionHint: %v", err)
	}
}

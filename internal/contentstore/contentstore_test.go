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

package contentstore

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecache/pkg/pipgraph"
)

func mustHash(t *testing.T, s *Store, path, content string) pipgraph.ContentHash {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	hash, _, err := s.PutFile(path, nil)
	if err != nil {
		t.Fatalf("PutFile(%s): %v", path, err)
	}
	return hash
}

func TestPutFileThenOpenStreamLocal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "local"}, DefaultPinConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := filepath.Join(dir, "a.txt")
	hash := mustHash(t, s, src, "hello world")

	rc, err := s.OpenStream(hash)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer rc.Close()
}

func TestPlaceFileHardlink(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "local"}, DefaultPinConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := filepath.Join(dir, "a.txt")
	hash := mustHash(t, s, src, "some content")

	dst := filepath.Join(dir, "out", "a.txt")
	outcome, err := s.PlaceFile(hash, dst, RealizationHardlink, ReplacementFailIfExists, time.Minute)
	if err != nil {
		t.Fatalf("PlaceFile: %v", err)
	}
	if outcome != Placed {
		t.Fatalf("outcome = %v, want Placed", outcome)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("stat dst: %v", err)
	}
}

func TestPlaceFileSkipIfExists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "local"}, DefaultPinConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := filepath.Join(dir, "a.txt")
	hash := mustHash(t, s, src, "some content")

	dst := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(dst, []byte("preexisting"), 0o644); err != nil {
		t.Fatalf("seed dst: %v", err)
	}

	outcome, err := s.PlaceFile(hash, dst, RealizationCopy, ReplacementSkipIfExists, time.Minute)
	if err != nil {
		t.Fatalf("PlaceFile: %v", err)
	}
	if outcome != PlaceSkippedExisting {
		t.Fatalf("outcome = %v, want PlaceSkippedExisting", outcome)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "preexisting" {
		t.Fatalf("destination was overwritten despite SkipIfExists")
	}
}

func TestPinLocalPresenceIsImmediate(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "local"}, DefaultPinConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := filepath.Join(dir, "a.txt")
	hash := mustHash(t, s, src, "content")

	rec, err := s.Pin(hash, time.Minute)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if rec.Method != PinMethodLocalPresence {
		t.Fatalf("Method = %v, want PinMethodLocalPresence", rec.Method)
	}
}

func TestPinUnknownContentFails(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "local"}, DefaultPinConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var arr [32]byte
	arr[0] = 0xAB
	hash := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, arr)

	if _, err := s.Pin(hash, time.Minute); err != ErrContentNotFound {
		t.Fatalf("Pin err = %v, want ErrContentNotFound", err)
	}
}

// TestPinReachesRiskThresholdViaUnverifiedLocations exercises the n_u
// shortcut: enough unverified location records alone should satisfy the
// pin without any verify round trip, once the configured risk tolerance
// is loose enough that a handful of claims suffice.
func TestPinReachesRiskThresholdViaUnverifiedLocations(t *testing.T) {
	dir := t.TempDir()
	cfg := PinConfig{
		MachineUnavailabilityRisk: 0.5,
		FileAbsenceRisk:           0.5,
		ToleranceQ:                0.01,
		DiscountFactor:            0.5,
		BaseTTL:                   time.Minute,
		MinReplicasAfterCopy:      2,
	}
	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "self"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var arr [32]byte
	arr[1] = 0x42
	hash := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, arr)

	nu := requiredUnverifiedCount(cfg)
	for i := 0; i < nu; i++ {
		loc := pipgraph.MachineLocation{URI: "peer"}
		loc.URI += string(rune('a' + i))
		s.dir.Record(hash, loc, false)
	}

	rec, err := s.Pin(hash, time.Minute)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if rec.Method != PinMethodLocationCountSufficient {
		t.Fatalf("Method = %v, want PinMethodLocationCountSufficient", rec.Method)
	}
}

func TestPinFallsBackToRemoteCopy(t *testing.T) {
	dir := t.TempDir()
	replica := NewLoopbackReplica()
	peer := pipgraph.MachineLocation{URI: "peer-1"}

	arr := sha256.Sum256([]byte("remote payload"))
	hash := pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, arr)
	replica.Seed(peer, hash, []byte("remote payload"))

	cfg := DefaultPinConfig()
	cfg.MachineUnavailabilityRisk = 0.9
	cfg.FileAbsenceRisk = 0.9
	cfg.ToleranceQ = 1e-9

	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "self"}, cfg, replica)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.dir.Record(hash, peer, true)

	rec, err := s.Pin(hash, time.Minute)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if rec.Method != PinMethodLocalCopy {
		t.Fatalf("Method = %v, want PinMethodLocalCopy", rec.Method)
	}
	if !s.HasLocal(hash) {
		t.Fatalf("expected hash to be present locally after fallback copy")
	}
}

func TestProactiveCopyIfNeededPushesToNewReplica(t *testing.T) {
	dir := t.TempDir()
	replica := NewLoopbackReplica()
	cfg := DefaultPinConfig()
	cfg.MinReplicasAfterCopy = 2

	s, err := New(filepath.Join(dir, "cas-root"), pipgraph.MachineLocation{URI: "self"}, cfg, replica)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := filepath.Join(dir, "a.txt")
	hash := mustHash(t, s, src, "content")

	if err := s.ProactiveCopyIfNeeded(hash, ProactiveCopyReasonUnderReplicated); err != nil {
		t.Fatalf("ProactiveCopyIfNeeded: %v", err)
	}
	if s.dir.Count(hash) < cfg.MinReplicasAfterCopy {
		t.Fatalf("replica count = %d, want >= %d", s.dir.Count(hash), cfg.MinReplicasAfterCopy)
	}
}

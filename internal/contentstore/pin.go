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
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"forgecache/internal/metrics"
	"forgecache/pkg/pipgraph"
)

func noCtx() context.Context { return context.Background() }

// requiredVerifiedCount is n_v = ceil(ln Q / ln q_m): the number of
// verified location records sufficient to drive the overall
// unavailability risk below cfg.ToleranceQ, given each verified
// location independently fails with probability q_m.
func requiredVerifiedCount(cfg PinConfig) int {
	return requiredCountForRisk(cfg.ToleranceQ, cfg.MachineUnavailabilityRisk)
}

// requiredUnverifiedCount is n_u = ceil(ln Q / ln(q_m + q_f*(1-q_m))):
// the unverified case carries the extra independent risk q_f that the
// file itself is gone even though the machine answered, so the
// per-location failure probability is higher and more locations are
// needed to hit the same tolerance.
func requiredUnverifiedCount(cfg PinConfig) int {
	risk := cfg.MachineUnavailabilityRisk + cfg.FileAbsenceRisk*(1-cfg.MachineUnavailabilityRisk)
	return requiredCountForRisk(cfg.ToleranceQ, risk)
}

func requiredCountForRisk(toleranceQ, perLocationRisk float64) int {
	if toleranceQ <= 0 || toleranceQ >= 1 || perLocationRisk <= 0 || perLocationRisk >= 1 {
		return 1
	}
	n := math.Log(toleranceQ) / math.Log(perLocationRisk)
	return int(math.Ceil(n))
}

// Pin ensures hash's bytes are durably available somewhere reachable
// before urgency elapses, following the ordered rule list:
//
//  1. already present locally -> done.
//  2. fresh pin-cache answer -> done, no directory lookup needed.
//  3. enough verified location records already on file (>= n_v) -> done,
//     refresh the pin-cache entry.
//  4. enough unverified records (>= n_u) -> done without a network round
//     trip, since the larger count already covers the extra file-absence
//     risk.
//  5. fewer unverified records than n_u but at least one: verify enough
//     of them concurrently to reach n_v verified, promoting each success
//     in the directory and purging each failure.
//  6. verification came up short: copy the bytes from a verified
//     replica (or, when no verified location is recorded, from any
//     known location) into the local CAS and register this machine as
//     a new verified location.
//  7. nothing worked -> ErrContentNotFound.
func (s *Store) Pin(hash pipgraph.ContentHash, urgency time.Duration) (PinRecord, error) {
	rec, err := s.pin(hash, urgency)
	if err != nil {
		metrics.RecordPinAttempt("error")
		return rec, err
	}
	metrics.RecordPinAttempt(pinMethodLabel(rec.Method))
	return rec, nil
}

func (s *Store) pin(hash pipgraph.ContentHash, urgency time.Duration) (PinRecord, error) {
	now := time.Now()
	deadline := now.Add(urgency)

	if s.HasLocal(hash) {
		return PinRecord{Hash: hash, ExpiresAt: deadline, Method: PinMethodLocalPresence}, nil
	}

	if s.pins.FreshAnswer(hash, now) {
		return PinRecord{Hash: hash, ExpiresAt: deadline, Method: PinMethodCachedAnswer}, nil
	}

	nv := requiredVerifiedCount(s.cfg)
	nu := requiredUnverifiedCount(s.cfg)

	records := s.dir.Locations(hash)
	var verified, unverified []LocationRecord
	for _, r := range records {
		if r.Verified {
			verified = append(verified, r)
		} else {
			unverified = append(unverified, r)
		}
	}

	if len(verified) >= nv {
		expiry := now.Add(ttlForLocationCount(len(verified), s.cfg))
		s.pins.Set(hash, expiry)
		return PinRecord{Hash: hash, ExpiresAt: expiry, Method: PinMethodLocationCountSufficient}, nil
	}

	if len(verified)+len(unverified) >= nu {
		expiry := now.Add(ttlForLocationCount(len(verified)+len(unverified), s.cfg))
		s.pins.Set(hash, expiry)
		return PinRecord{Hash: hash, ExpiresAt: expiry, Method: PinMethodLocationCountSufficient}, nil
	}

	if len(unverified) > 0 {
		needed := nv - len(verified)
		newlyVerified := s.verifyConcurrently(hash, unverified, needed)
		if len(verified)+newlyVerified >= nv {
			expiry := now.Add(ttlForLocationCount(len(verified)+newlyVerified, s.cfg))
			s.pins.Set(hash, expiry)
			return PinRecord{Hash: hash, ExpiresAt: expiry, Method: PinMethodVerified}, nil
		}
	}

	if err := s.copyFromAnyVerified(hash, verified); err == nil {
		expiry := now.Add(s.cfg.BaseTTL)
		s.pins.Set(hash, expiry)
		return PinRecord{Hash: hash, ExpiresAt: expiry, Method: PinMethodLocalCopy}, nil
	}

	return PinRecord{}, ErrContentNotFound
}

// verifyConcurrently asks up to needed of candidates' replicas to
// confirm presence, stopping once enough have succeeded; it promotes
// every success in the location directory and purges every failure.
func (s *Store) verifyConcurrently(hash pipgraph.ContentHash, candidates []LocationRecord, needed int) int {
	if needed <= 0 || len(s.replicas) == 0 {
		return 0
	}

	g, ctx := errgroup.WithContext(noCtx())
	results := make([]bool, len(candidates))
	for i, rec := range candidates {
		i, rec := i, rec
		g.Go(func() error {
			for _, replica := range s.replicas {
				ok, err := replica.Verify(ctx, hash, rec.Location)
				if err == nil && ok {
					results[i] = true
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for i, ok := range results {
		if ok {
			s.dir.Record(hash, candidates[i].Location, true)
			count++
		} else {
			s.dir.Purge(hash, candidates[i].Location)
		}
	}
	return count
}

// copyFromAnyVerified fetches hash from the first verified (or, absent
// any verified record, any known) location and ingests it into the
// local CAS, registering this machine as a new verified location.
func (s *Store) copyFromAnyVerified(hash pipgraph.ContentHash, verified []LocationRecord) error {
	if len(s.replicas) == 0 {
		return ErrContentNotFound
	}
	candidates := verified
	if len(candidates) == 0 {
		candidates = s.dir.Locations(hash)
	}
	for _, rec := range candidates {
		for _, replica := range s.replicas {
			rc, err := replica.Fetch(noCtx(), hash, rec.Location)
			if err != nil {
				continue
			}
			_, putErr := s.PutStream(rc)
			rc.Close()
			if putErr == nil {
				return nil
			}
		}
	}
	return ErrContentNotFound
}

// PinBulk pins every hash in hashes, returning the subset that
// succeeded and the first error encountered for the rest.
func (s *Store) PinBulk(hashes []pipgraph.ContentHash, urgency time.Duration) ([]PinRecord, error) {
	var out []PinRecord
	var firstErr error
	for _, h := range hashes {
		rec, err := s.Pin(h, urgency)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	return out, firstErr
}

// ProactiveCopyIfNeeded requests additional replicas for hash when its
// current replica count is below cfg.MinReplicasAfterCopy, per spec
// §4.2's proactive-copy follow-up to a successful pin.
func (s *Store) ProactiveCopyIfNeeded(hash pipgraph.ContentHash, reason ProactiveCopyReason) error {
	if s.dir.Count(hash) >= s.cfg.MinReplicasAfterCopy {
		return nil
	}
	if !s.HasLocal(hash) || len(s.replicas) == 0 {
		return nil
	}
	target := newReplicaLocation()
	rc, err := s.OpenStream(hash)
	if err != nil {
		return err
	}
	defer rc.Close()
	for _, replica := range s.replicas {
		if err := replica.Push(noCtx(), hash, target, rc); err == nil {
			s.dir.Record(hash, target, true)
			return nil
		}
	}
	return ErrIO
}

func pinMethodLabel(m PinMethod) string {
	switch m {
	case PinMethodLocalPresence:
		return "local_presence"
	case PinMethodCachedAnswer:
		return "cached_answer"
	case PinMethodLocationCountSufficient:
		return "location_count_sufficient"
	case PinMethodVerified:
		return "verified"
	case PinMethodLocalCopy:
		return "local_copy"
	default:
		return "unknown"
	}
}

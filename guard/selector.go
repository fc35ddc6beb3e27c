// selector.go - Entry guard selection.
// Copyright (C) 2026  Veil Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package guard

import (
	"errors"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/core/rand"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/persist"
)

// ErrNotReady is the error returned when no usable guard is available yet,
// for example because the directory has not been loaded or every guard is
// in its unreachable backoff window.  Callers are expected to back off and
// retry.
var ErrNotReady = errors.New("guard: no usable guard available")

const guardStateKey = "guard/state"

// guardEligible is the directory filter for guard candidates.
func guardEligible(r *netdir.RelayInfo) bool {
	return r.Flags.Has(netdir.FlagGuard | netdir.FlagStable | netdir.FlagFast)
}

// Selector maintains the persisted ranked guard set and picks the first hop
// for new paths.  All state transitions are flushed to the store before
// being acted on, so a crash never resurrects stale guard judgments.
type Selector struct {
	sync.Mutex

	cfg   Config
	store persist.Store
	clk   clock.Clock
	log   *logging.Logger
	rng   *mrand.Rand

	guards []*record
	byID   map[netdir.RelayID]*record
}

// New creates a Selector, reloading any persisted guard state.  Missing or
// corrupt state falls back to an empty set.
func New(cfg Config, store persist.Store, clk clock.Clock, logBackend *log.Backend) (*Selector, error) {
	cfg.fixup()
	s := &Selector{
		cfg:   cfg,
		store: store,
		clk:   clk,
		log:   logBackend.GetLogger("guard"),
		rng:   rand.NewMath(),
		byID:  make(map[netdir.RelayID]*record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Selector) load() error {
	raw, err := s.store.Load(guardStateKey)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var recs []*record
	if err := cbor.Unmarshal(raw, &recs); err != nil {
		// Corrupt state is treated as absent.
		s.log.Warningf("Discarding corrupt guard state: %v", err)
		return nil
	}
	s.guards = recs
	for _, g := range recs {
		s.byID[g.ID] = g
	}
	s.sortLocked()
	s.log.Debugf("Loaded %d persisted guards.", len(recs))
	return nil
}

func (s *Selector) persistLocked() error {
	raw, err := cbor.Marshal(s.guards)
	if err != nil {
		return err
	}
	return s.store.Put(guardStateKey, raw)
}

// sortLocked fixes the selection order: confirmed guards first, then by
// rank, which encodes first-selection order.
func (s *Selector) sortLocked() {
	sort.SliceStable(s.guards, func(i, j int) bool {
		a, b := s.guards[i], s.guards[j]
		if a.Confirmed != b.Confirmed {
			return a.Confirmed
		}
		return a.Rank < b.Rank
	})
}

// refreshLocked tops the guard set up to PoolSize from the snapshot's
// guard-eligible relays, drawn weighted by bandwidth.
func (s *Selector) refreshLocked(snap *netdir.Snapshot) error {
	if len(s.guards) >= s.cfg.PoolSize {
		return nil
	}

	candidates := snap.Relays(func(r *netdir.RelayInfo) bool {
		if !guardEligible(r) {
			return false
		}
		_, exists := s.byID[r.ID]
		return !exists
	})

	added := 0
	for len(s.guards) < s.cfg.PoolSize && len(candidates) > 0 {
		idx := weightedIndex(s.rng, candidates)
		picked := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		rank := 0
		for _, g := range s.guards {
			if g.Rank >= rank {
				rank = g.Rank + 1
			}
		}
		g := &record{
			ID:        picked.ID,
			FirstSeen: s.clk.Now(),
			Rank:      rank,
		}
		s.guards = append(s.guards, g)
		s.byID[g.ID] = g
		added++
		s.log.Debugf("Sampled new guard %v (rank %d).", g.ID, g.Rank)
	}
	if added == 0 {
		return nil
	}
	s.sortLocked()
	return s.persistLocked()
}

// weightedIndex picks an index with probability proportional to bandwidth
// weight, falling back to uniform if no relay declares a weight.
func weightedIndex(rng *mrand.Rand, relays []*netdir.RelayInfo) int {
	var total uint64
	for _, r := range relays {
		total += r.Bandwidth
	}
	if total == 0 {
		return rng.Intn(len(relays))
	}
	target := rng.Uint64() % total
	var acc uint64
	for i, r := range relays {
		acc += r.Bandwidth
		if target < acc {
			return i
		}
	}
	return len(relays) - 1
}

// ForNewPath returns the guard to use as the first hop of a new path,
// topping up the guard set from the snapshot as needed.  Guards are tried
// in priority order; unreachable guards are skipped until their backoff
// window elapses.  Returns ErrNotReady if no guard is currently usable.
func (s *Selector) ForNewPath(snap *netdir.Snapshot) (*netdir.RelayInfo, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.refreshLocked(snap); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	for _, g := range s.guards {
		if g.Unreachable && now.Before(g.RetryAt) {
			continue
		}
		relay, ok := snap.Relay(g.ID)
		if !ok {
			// Listed but absent from the current directory; skip without
			// demoting, the guard may reappear in a later snapshot.
			continue
		}
		if g.Unreachable {
			s.log.Debugf("Retrying unreachable guard %v.", g.ID)
		}
		return relay, nil
	}
	return nil, ErrNotReady
}

// NoteSuccess records a successful circuit through the guard, confirming
// it and clearing any unreachable state.
func (s *Selector) NoteSuccess(id netdir.RelayID) error {
	s.Lock()
	defer s.Unlock()

	g, ok := s.byID[id]
	if !ok {
		return nil
	}
	g.Failures = 0
	g.Unreachable = false
	g.BackoffLevel = 0
	g.RetryAt = time.Time{}
	if !g.Confirmed {
		g.Confirmed = true
		g.ConfirmedAt = s.clk.Now()
		s.sortLocked()
		s.log.Noticef("Guard %v confirmed.", g.ID)
	}
	return s.persistLocked()
}

// NoteFailure records a failed circuit attempt through the guard.  Hitting
// the consecutive-failure threshold marks the guard unreachable with an
// exponentially increasing retry backoff.
func (s *Selector) NoteFailure(id netdir.RelayID) error {
	s.Lock()
	defer s.Unlock()

	g, ok := s.byID[id]
	if !ok {
		return nil
	}
	g.Failures++
	if g.Failures >= s.cfg.FailureThreshold {
		backoff := s.cfg.RetryBackoffBase << uint(g.BackoffLevel)
		if backoff > s.cfg.RetryBackoffMax || backoff <= 0 {
			backoff = s.cfg.RetryBackoffMax
		}
		g.Unreachable = true
		g.RetryAt = s.clk.Now().Add(backoff)
		g.BackoffLevel++
		s.log.Warningf("Guard %v marked unreachable after %d failures, retry in %v.", g.ID, g.Failures, backoff)
	}
	return s.persistLocked()
}

// Status returns the current standing of one guard.
func (s *Selector) Status(id netdir.RelayID) (Status, bool) {
	s.Lock()
	defer s.Unlock()

	g, ok := s.byID[id]
	if !ok {
		return Status{}, false
	}
	return Status{
		ID:          g.ID,
		Rank:        g.Rank,
		Confirmed:   g.Confirmed,
		Unreachable: g.Unreachable,
		Failures:    g.Failures,
		RetryAt:     g.RetryAt,
	}, true
}

// IsGuard returns true if id is in the guard set.
func (s *Selector) IsGuard(id netdir.RelayID) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Report returns the current guard set in selection order.
func (s *Selector) Report() []Status {
	s.Lock()
	defer s.Unlock()

	out := make([]Status, 0, len(s.guards))
	for _, g := range s.guards {
		out = append(out, Status{
			ID:          g.ID,
			Rank:        g.Rank,
			Confirmed:   g.Confirmed,
			Unreachable: g.Unreachable,
			Failures:    g.Failures,
			RetryAt:     g.RetryAt,
		})
	}
	return out
}

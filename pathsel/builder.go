// builder.go - Anonymity-preserving path selection.
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

// Package pathsel selects relay paths satisfying the anonymity and
// diversity constraints for a requested circuit usage.
package pathsel

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/core/rand"
	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/netdir"
)

const (
	// fullPathHops is the hop count for all multi-hop usages.
	fullPathHops = 3

	// maxPathAttempts bounds whole-path selection retries.
	maxPathAttempts = 3

	// maxDrawAttempts bounds per-hop weighted draws before the attempt is
	// declared unable to satisfy the diversity constraints.
	maxDrawAttempts = 16

	// DefaultRecentRelayCacheSize is the default size of the recent-relay
	// cache used for strict isolation.
	DefaultRecentRelayCacheSize = 1024
)

// ErrNoPath is the error returned when no relay set satisfies the
// constraints for a usage.  It is only worth retrying after the directory
// changes.
var ErrNoPath = errors.New("pathsel: no suitable path")

// Config is the path selection policy.
type Config struct {
	// Subnet sets the family/subnet closeness rules between hops.
	Subnet netdir.SubnetConfig

	// StrictIsolation additionally refuses to place a relay recently used
	// by a different isolation domain on a new path.
	StrictIsolation bool

	// RecentRelayCacheSize bounds the strict-isolation recent-relay cache.
	RecentRelayCacheSize int
}

// DefaultConfig returns the default path selection policy.
func DefaultConfig() Config {
	return Config{
		Subnet:               netdir.DefaultSubnetConfig(),
		RecentRelayCacheSize: DefaultRecentRelayCacheSize,
	}
}

func (c *Config) fixup() {
	if c.Subnet.V4PrefixLen <= 0 || c.Subnet.V6PrefixLen <= 0 {
		c.Subnet = netdir.DefaultSubnetConfig()
	}
	if c.RecentRelayCacheSize <= 0 {
		c.RecentRelayCacheSize = DefaultRecentRelayCacheSize
	}
}

// Path is an ordered sequence of relays for a circuit.
type Path []*netdir.RelayInfo

// IDs returns the relay identities of the path in hop order.
func (p Path) IDs() []netdir.RelayID {
	ids := make([]netdir.RelayID, len(p))
	for i, r := range p {
		ids[i] = r.ID
	}
	return ids
}

// Builder selects paths from directory snapshots.
type Builder struct {
	cfg    Config
	guards *guard.Selector
	log    *logging.Logger

	rngMu sync.Mutex
	rng   *mrand.Rand

	// recent maps relay identity to the isolation domain that most
	// recently used it, for strict isolation.
	recent *lru.Cache[netdir.RelayID, Isolation]
}

// NewBuilder creates a path Builder using the given guard selector.
func NewBuilder(cfg Config, guards *guard.Selector, logBackend *log.Backend) (*Builder, error) {
	cfg.fixup()
	recent, err := lru.New[netdir.RelayID, Isolation](cfg.RecentRelayCacheSize)
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:    cfg,
		guards: guards,
		log:    logBackend.GetLogger("pathsel"),
		rng:    rand.NewMath(),
		recent: recent,
	}, nil
}

// BuildPath selects a path for the given usage and isolation domain from
// the snapshot.  Errors are distinguished so the caller can decide whether
// to wait and retry (guard.ErrNotReady) or give up until the directory
// changes (ErrNoPath).
func (b *Builder) BuildPath(usage Usage, isolation Isolation, snap *netdir.Snapshot) (Path, error) {
	if err := usage.Validate(); err != nil {
		return nil, err
	}
	if snap == nil || snap.Len() == 0 {
		return nil, netdir.ErrNotReady
	}

	var lastErr error
	for attempt := 0; attempt < maxPathAttempts; attempt++ {
		path, err := b.buildOnce(usage, isolation, snap)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, guard.ErrNotReady) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (b *Builder) buildOnce(usage Usage, isolation Isolation, snap *netdir.Snapshot) (Path, error) {
	hopCount := usage.HopCount()
	path := make(Path, 0, hopCount)

	if usage.NeedsGuard() {
		g, err := b.guards.ForNewPath(snap)
		if err != nil {
			return nil, err
		}
		path = append(path, g)
	}

	for len(path) < hopCount {
		var pred netdir.RelayPredicate
		if len(path) == hopCount-1 {
			pred = usage.finalHopPredicate()
		} else {
			pred = usage.middleHopPredicate()
		}

		hop, err := b.drawHop(snap, pred, path, isolation)
		if err != nil {
			return nil, err
		}
		path = append(path, hop)
	}

	if len(path) < hopCount {
		return nil, ErrNoPath
	}
	return path, nil
}

// drawHop draws one relay weighted by bandwidth, rejecting candidates that
// violate family/subnet diversity against already chosen hops or, under
// strict isolation, were recently used by a different isolation domain.
func (b *Builder) drawHop(snap *netdir.Snapshot, pred netdir.RelayPredicate, chosen Path, isolation Isolation) (*netdir.RelayInfo, error) {
	candidates := snap.Relays(pred)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no eligible relays for hop %d", ErrNoPath, len(chosen))
	}

	var total uint64
	for _, r := range candidates {
		total += r.Bandwidth
	}

	for i := 0; i < maxDrawAttempts; i++ {
		r := b.weightedPick(candidates, total)
		if b.conflicts(r, chosen, isolation) {
			continue
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: diversity constraints unsatisfiable for hop %d", ErrNoPath, len(chosen))
}

func (b *Builder) weightedPick(candidates []*netdir.RelayInfo, total uint64) *netdir.RelayInfo {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()

	if total == 0 {
		return candidates[b.rng.Intn(len(candidates))]
	}
	target := b.rng.Uint64() % total
	var acc uint64
	for _, r := range candidates {
		acc += r.Bandwidth
		if target < acc {
			return r
		}
	}
	return candidates[len(candidates)-1]
}

func (b *Builder) conflicts(r *netdir.RelayInfo, chosen Path, isolation Isolation) bool {
	for _, hop := range chosen {
		if b.cfg.Subnet.TooClose(r, hop) {
			return true
		}
	}
	if b.cfg.StrictIsolation {
		if last, ok := b.recent.Get(r.ID); ok && last != isolation {
			return true
		}
	}
	return false
}

// NotePathUsed records the relays of a successfully built circuit against
// its isolation domain, feeding the strict-isolation constraint.
func (b *Builder) NotePathUsed(path Path, isolation Isolation) {
	for _, r := range path {
		b.recent.Add(r.ID, isolation)
	}
}

// snapshot.go - Immutable directory snapshots.
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

package netdir

import (
	"errors"
	"net"
)

// ErrNotReady is the error returned when no directory snapshot is available
// yet.  Callers are expected to back off and retry.
var ErrNotReady = errors.New("netdir: directory not ready")

// Provider supplies the current directory snapshot.  Implementations are
// expected to return a new immutable Snapshot per directory generation and
// never mutate one that has been handed out.
type Provider interface {
	// CurrentSnapshot returns the latest snapshot, or ErrNotReady if no
	// usable directory view exists yet.
	CurrentSnapshot() (*Snapshot, error)
}

// RelayPredicate is an eligibility filter over relays.
type RelayPredicate func(*RelayInfo) bool

// Snapshot is an immutable, versioned view of the relay directory.
type Snapshot struct {
	version uint64
	byID    map[RelayID]*RelayInfo
	relays  []*RelayInfo
}

// NewSnapshot builds a snapshot from a relay list.  The caller relinquishes
// ownership of the relays and the slice.
func NewSnapshot(version uint64, relays []*RelayInfo) *Snapshot {
	byID := make(map[RelayID]*RelayInfo, len(relays))
	for _, r := range relays {
		byID[r.ID] = r
	}
	return &Snapshot{
		version: version,
		byID:    byID,
		relays:  relays,
	}
}

// Version returns the snapshot's directory generation.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of relays in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.relays)
}

// Relay returns the relay with the given identity, if present.
func (s *Snapshot) Relay(id RelayID) (*RelayInfo, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Relays returns all relays satisfying the predicate.  A nil predicate
// matches every relay.
func (s *Snapshot) Relays(pred RelayPredicate) []*RelayInfo {
	var out []*RelayInfo
	for _, r := range s.relays {
		if pred == nil || pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// TotalWeight returns the summed bandwidth weight of all relays satisfying
// the predicate.
func (s *Snapshot) TotalWeight(pred RelayPredicate) uint64 {
	var total uint64
	for _, r := range s.relays {
		if pred == nil || pred(r) {
			total += r.Bandwidth
		}
	}
	return total
}

// SubnetConfig sets the prefix lengths within which two relays are
// considered "too close" to appear on the same path.
type SubnetConfig struct {
	// V4PrefixLen is the IPv4 prefix length, default 16.
	V4PrefixLen int

	// V6PrefixLen is the IPv6 prefix length, default 32.
	V6PrefixLen int
}

// DefaultSubnetConfig returns the standard /16 (IPv4), /32 (IPv6) subnet
// closeness rules.
func DefaultSubnetConfig() SubnetConfig {
	return SubnetConfig{V4PrefixLen: 16, V6PrefixLen: 32}
}

// SameSubnet returns true if both IPs fall within one subnet of the
// configured prefix length.  IPs of different families are never in the
// same subnet; an unparseable (nil) IP conflicts with nothing.
func (c SubnetConfig) SameSubnet(a, b net.IP) bool {
	if a == nil || b == nil {
		return false
	}
	a4, b4 := a.To4(), b.To4()
	if (a4 == nil) != (b4 == nil) {
		return false
	}
	if a4 != nil {
		mask := net.CIDRMask(c.V4PrefixLen, 32)
		return a4.Mask(mask).Equal(b4.Mask(mask))
	}
	mask := net.CIDRMask(c.V6PrefixLen, 128)
	return a.To16().Mask(mask).Equal(b.To16().Mask(mask))
}

// TooClose returns true if two relays may not share a path, either because
// they share a declared family or because their addresses fall within the
// configured subnet distance.
func (c SubnetConfig) TooClose(a, b *RelayInfo) bool {
	if a.ID == b.ID {
		return true
	}
	if SameFamily(a, b) {
		return true
	}
	return c.SameSubnet(a.PrimaryIP(), b.PrimaryIP())
}

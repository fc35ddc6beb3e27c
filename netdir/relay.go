// relay.go - Relay descriptor view.
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

// Package netdir provides the client's view of the relay directory: an
// immutable, versioned snapshot of known relays and their attributes.
// Producing snapshots (document retrieval, parsing, consensus validation)
// is the directory component's job and is out of scope here.
package netdir

import (
	"encoding/hex"
	"net"
)

// RelayIDLength is the length of a relay identity in bytes.
const RelayIDLength = 32

// RelayID is the truncated hash of a relay's identity key, used as the
// stable identifier for a relay across directory generations.
type RelayID [RelayIDLength]byte

// String returns a short hex representation of the identity, suitable for
// logging.
func (id RelayID) String() string {
	return hex.EncodeToString(id[:8])
}

// RelayFlags is the bitmask of directory-assigned relay attributes.
type RelayFlags uint32

const (
	// FlagExit is set if the relay allows exit traffic to some targets.
	FlagExit RelayFlags = 1 << iota

	// FlagGuard is set if the relay is suitable for use as an entry guard.
	FlagGuard

	// FlagStable is set if the relay has above-median uptime.
	FlagStable

	// FlagFast is set if the relay has above-threshold bandwidth.
	FlagFast

	// FlagDirCache is set if the relay serves directory documents.
	FlagDirCache
)

// Has returns true if all flags in mask are set.
func (f RelayFlags) Has(mask RelayFlags) bool {
	return f&mask == mask
}

// PolicyAction is the disposition of a single exit policy rule.
type PolicyAction bool

const (
	// PolicyAccept permits matching targets.
	PolicyAccept PolicyAction = true

	// PolicyReject denies matching targets.
	PolicyReject PolicyAction = false
)

// PolicyRule is one exit policy entry.  A nil Network matches any address.
type PolicyRule struct {
	Action   PolicyAction
	Network  *net.IPNet
	PortLow  uint16
	PortHigh uint16
}

func (r *PolicyRule) matches(ip net.IP, port uint16) bool {
	if port < r.PortLow || port > r.PortHigh {
		return false
	}
	if r.Network == nil {
		return true
	}
	return ip != nil && r.Network.Contains(ip)
}

// ExitPolicy is an ordered list of exit policy rules, first match wins.
// Targets matching no rule are rejected.
type ExitPolicy struct {
	Rules []PolicyRule
}

// Allows returns true if the policy permits exiting to the given target.
// An unresolved target address (nil ip) only matches rules with no network
// constraint.
func (p *ExitPolicy) Allows(ip net.IP, port uint16) bool {
	if p == nil {
		return false
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.matches(ip, port) {
			return bool(r.Action)
		}
	}
	return false
}

// AcceptAllPolicy returns a policy permitting exit to any target, used by
// tests and synthetic directories.
func AcceptAllPolicy() *ExitPolicy {
	return &ExitPolicy{
		Rules: []PolicyRule{{Action: PolicyAccept, PortLow: 1, PortHigh: 65535}},
	}
}

// RelayInfo is the read-only directory view of a single relay.  Instances
// are immutable once published in a Snapshot, and must not be mutated by
// consumers.
type RelayInfo struct {
	// ID is the relay's stable identity.
	ID RelayID

	// Nickname is the human readable (descriptive) relay identifier.
	Nickname string

	// Addresses is the list of address:port endpoints that can be used to
	// reach the relay, most preferred first.
	Addresses []string

	// Bandwidth is the relay's declared bandwidth weight, used for load
	// proportional path selection.
	Bandwidth uint64

	// Flags is the directory-assigned attribute bitmask.
	Flags RelayFlags

	// Family is the set of co-administered relay identities declared by
	// this relay.
	Family []RelayID

	// Policy is the relay's exit policy, nil if the relay permits no exit
	// traffic.
	Policy *ExitPolicy
}

// PrimaryIP returns the IP of the relay's most preferred address, or nil if
// it cannot be parsed.
func (r *RelayInfo) PrimaryIP() net.IP {
	if len(r.Addresses) == 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(r.Addresses[0])
	if err != nil {
		host = r.Addresses[0]
	}
	return net.ParseIP(host)
}

// listsFamily returns true if the relay declares id as a family member.
func (r *RelayInfo) listsFamily(id RelayID) bool {
	for _, f := range r.Family {
		if f == id {
			return true
		}
	}
	return false
}

// SameFamily returns true if either relay declares the other as a family
// member.  The one-sided check is deliberately conservative: a relay cannot
// opt out of a family another relay has declared it into.
func SameFamily(a, b *RelayInfo) bool {
	return a.listsFamily(b.ID) || b.listsFamily(a.ID)
}

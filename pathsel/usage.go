// usage.go - Circuit usage classification.
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

package pathsel

import (
	"fmt"
	"net"

	"github.com/veilproject/veil/netdir"
)

// Isolation is an opaque equivalence key supplied by the caller.  Requests
// carrying different isolation values never share a circuit.
type Isolation string

// UsageKind enumerates the closed set of reasons a circuit may be needed.
type UsageKind int

const (
	// UsageGeneral is a full-length circuit for general exit traffic,
	// where the exit target is not yet known.
	UsageGeneral UsageKind = iota

	// UsageExit is a full-length circuit whose final hop must permit exit
	// to a specific target address and port.
	UsageExit

	// UsageDirectory is a single-hop circuit to any directory cache, used
	// for directory fetches.
	UsageDirectory

	// UsageInternal is a full-length circuit that never leaves the relay
	// network, so the final hop needs no exit policy.
	UsageInternal
)

func (k UsageKind) String() string {
	switch k {
	case UsageGeneral:
		return "general"
	case UsageExit:
		return "exit"
	case UsageDirectory:
		return "directory"
	case UsageInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Usage describes why a circuit is needed.  It determines the hop count and
// the per-hop eligibility rules applied during path selection.
type Usage struct {
	Kind UsageKind

	// ExitIP and ExitPort constrain final hop selection for UsageExit.
	ExitIP   net.IP
	ExitPort uint16
}

// GeneralUsage returns the usage for general exit traffic.
func GeneralUsage() Usage {
	return Usage{Kind: UsageGeneral}
}

// ExitUsage returns the usage for traffic exiting to a specific target.
func ExitUsage(ip net.IP, port uint16) Usage {
	return Usage{Kind: UsageExit, ExitIP: ip, ExitPort: port}
}

// DirectoryUsage returns the usage for single-hop directory fetches.
func DirectoryUsage() Usage {
	return Usage{Kind: UsageDirectory}
}

// InternalUsage returns the usage for circuits that never exit the relay
// network.
func InternalUsage() Usage {
	return Usage{Kind: UsageInternal}
}

// HopCount returns the number of hops a path for this usage must have.
func (u Usage) HopCount() int {
	if u.Kind == UsageDirectory {
		return 1
	}
	return fullPathHops
}

// NeedsGuard returns true if the first hop must be an entry guard.
// Single-hop directory circuits may use any directory cache.
func (u Usage) NeedsGuard() bool {
	return u.Kind != UsageDirectory
}

// Key returns a stable string identifying the usage for pool and pending
// request indexing.  Usages with distinct keys never share a circuit.
func (u Usage) Key() string {
	switch u.Kind {
	case UsageExit:
		return fmt.Sprintf("exit/%v:%d", u.ExitIP, u.ExitPort)
	default:
		return u.Kind.String()
	}
}

// Satisfies returns true if a circuit built for usage u can serve a request
// for usage req.  A general circuit is deliberately not substituted for a
// target-specific exit request: whether its final hop permits the target was
// never checked at build time.
func (u Usage) Satisfies(req Usage) bool {
	return u.Key() == req.Key()
}

// finalHopPredicate returns the eligibility filter for the last hop of the
// path.
func (u Usage) finalHopPredicate() netdir.RelayPredicate {
	switch u.Kind {
	case UsageExit:
		ip, port := u.ExitIP, u.ExitPort
		return func(r *netdir.RelayInfo) bool {
			return r.Flags.Has(netdir.FlagFast) && r.Policy.Allows(ip, port)
		}
	case UsageGeneral:
		return func(r *netdir.RelayInfo) bool {
			return r.Flags.Has(netdir.FlagExit | netdir.FlagFast)
		}
	case UsageDirectory:
		return func(r *netdir.RelayInfo) bool {
			return r.Flags.Has(netdir.FlagDirCache | netdir.FlagFast)
		}
	case UsageInternal:
		return func(r *netdir.RelayInfo) bool {
			return r.Flags.Has(netdir.FlagFast)
		}
	default:
		return func(*netdir.RelayInfo) bool { return false }
	}
}

// middleHopPredicate returns the eligibility filter for non-terminal,
// non-entry hops.
func (u Usage) middleHopPredicate() netdir.RelayPredicate {
	return func(r *netdir.RelayInfo) bool {
		return r.Flags.Has(netdir.FlagFast)
	}
}

// Validate returns an error for usages that can never be satisfied, so
// impossible requests fail immediately instead of consuming retry budget.
func (u Usage) Validate() error {
	switch u.Kind {
	case UsageGeneral, UsageDirectory, UsageInternal:
		return nil
	case UsageExit:
		if u.ExitIP == nil && u.ExitPort == 0 {
			return fmt.Errorf("pathsel: exit usage without a target")
		}
		return nil
	default:
		return fmt.Errorf("pathsel: unknown usage kind %d", int(u.Kind))
	}
}

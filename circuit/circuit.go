// circuit.go - Circuit lifecycle state.
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

// Package circuit provides the circuit record and its lifecycle state
// machine.  Circuits are owned by the circuit pool once built; the build
// orchestrator owns them only transiently during construction.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilproject/veil/channel"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
)

// State is a circuit lifecycle state.
type State int

const (
	// StateRequested is a circuit that has been asked for but not yet
	// built.  Pending build requests report this state.
	StateRequested State = iota

	// StateBuilding is a circuit whose hop-by-hop construction is in
	// flight.
	StateBuilding

	// StateOpen is a fully built circuit with no streams attached yet.
	StateOpen

	// StateDirty is an open circuit that has carried at least one stream.
	StateDirty

	// StateExpiring is a circuit that will accept no new streams and is
	// awaiting retirement.
	StateExpiring

	// StateClosed is the terminal state.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "Requested"
	case StateBuilding:
		return "Building"
	case StateOpen:
		return "Open"
	case StateDirty:
		return "Dirty"
	case StateExpiring:
		return "Expiring"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of a circuit for reporting.
type Status struct {
	ID            string
	State         string
	Usage         string
	Isolation     pathsel.Isolation
	Hops          []netdir.RelayID
	CreatedAt     time.Time
	DirtySince    time.Time
	Streams       int
	ServedStreams int
}

// Circuit is an established (or in-construction) multi-hop path through the
// relay network.
type Circuit struct {
	sync.Mutex

	id        uuid.UUID
	usage     pathsel.Usage
	isolation pathsel.Isolation
	hops      []netdir.RelayID

	state      State
	raw        channel.RawCircuit
	createdAt  time.Time
	dirtySince time.Time

	streams       int
	servedStreams int

	closeOnce sync.Once
}

// New creates a circuit record in StateBuilding for the given path.
func New(usage pathsel.Usage, isolation pathsel.Isolation, hops []netdir.RelayID, now time.Time) *Circuit {
	return &Circuit{
		id:        uuid.New(),
		usage:     usage,
		isolation: isolation,
		hops:      hops,
		state:     StateBuilding,
		createdAt: now,
	}
}

// ID returns the circuit's unique identifier.
func (c *Circuit) ID() string {
	return c.id.String()
}

// Usage returns the usage the circuit was built for.
func (c *Circuit) Usage() pathsel.Usage {
	return c.usage
}

// Isolation returns the isolation token the circuit was built for.
func (c *Circuit) Isolation() pathsel.Isolation {
	return c.isolation
}

// Hops returns the ordered relay identities of the circuit's path.
func (c *Circuit) Hops() []netdir.RelayID {
	return c.hops
}

// State returns the current lifecycle state.
func (c *Circuit) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Raw returns the cell-layer handle, nil until the circuit is open.
func (c *Circuit) Raw() channel.RawCircuit {
	c.Lock()
	defer c.Unlock()
	return c.raw
}

// Open transitions the circuit from Building to Open, attaching the
// cell-layer handle produced by the build orchestrator.
func (c *Circuit) Open(raw channel.RawCircuit) error {
	c.Lock()
	defer c.Unlock()
	if c.state != StateBuilding {
		return fmt.Errorf("circuit: invalid transition %v -> Open", c.state)
	}
	c.state = StateOpen
	c.raw = raw
	return nil
}

// TryAttach reserves a stream slot if the circuit can accept one: it must
// be Open or Dirty and below maxStreams cumulative streams.  On success the
// circuit is Dirty.
func (c *Circuit) TryAttach(now time.Time, maxStreams int) bool {
	c.Lock()
	defer c.Unlock()
	if c.state != StateOpen && c.state != StateDirty {
		return false
	}
	if maxStreams > 0 && c.servedStreams >= maxStreams {
		return false
	}
	if c.state == StateOpen {
		c.state = StateDirty
		c.dirtySince = now
	}
	c.streams++
	c.servedStreams++
	return true
}

// Detach releases a stream slot previously reserved with TryAttach.
func (c *Circuit) Detach() {
	c.Lock()
	defer c.Unlock()
	if c.streams > 0 {
		c.streams--
	}
}

// Reusable returns true if the circuit can serve a new request with the
// given usage and isolation: usage compatible, same isolation, not Expiring
// or Closed, and not exhausted.
func (c *Circuit) Reusable(usage pathsel.Usage, isolation pathsel.Isolation, maxStreams int) bool {
	c.Lock()
	defer c.Unlock()
	if c.state != StateOpen && c.state != StateDirty {
		return false
	}
	if c.isolation != isolation {
		return false
	}
	if !c.usage.Satisfies(usage) {
		return false
	}
	if maxStreams > 0 && c.servedStreams >= maxStreams {
		return false
	}
	return true
}

// MarkExpiring moves an Open or Dirty circuit to Expiring, after which it
// will match no new requests.
func (c *Circuit) MarkExpiring() {
	c.Lock()
	defer c.Unlock()
	if c.state == StateOpen || c.state == StateDirty {
		c.state = StateExpiring
	}
}

// ShouldExpire returns true if the circuit has been dirty for longer than
// maxDirtiness.
func (c *Circuit) ShouldExpire(now time.Time, maxDirtiness time.Duration) bool {
	c.Lock()
	defer c.Unlock()
	if c.state != StateDirty {
		return false
	}
	return maxDirtiness > 0 && now.Sub(c.dirtySince) > maxDirtiness
}

// Idle returns true if no streams are currently attached.
func (c *Circuit) Idle() bool {
	c.Lock()
	defer c.Unlock()
	return c.streams == 0
}

// Close tears the circuit down.  It is safe to call from any state and more
// than once; the cell-layer handle is closed outside the circuit lock.
func (c *Circuit) Close() {
	c.Lock()
	c.state = StateClosed
	raw := c.raw
	c.Unlock()

	c.closeOnce.Do(func() {
		if raw != nil {
			raw.Close()
		}
	})
}

// Status returns a point-in-time snapshot for reporting.
func (c *Circuit) Status() Status {
	c.Lock()
	defer c.Unlock()
	hops := make([]netdir.RelayID, len(c.hops))
	copy(hops, c.hops)
	return Status{
		ID:            c.id.String(),
		State:         c.state.String(),
		Usage:         c.usage.Key(),
		Isolation:     c.isolation,
		Hops:          hops,
		CreatedAt:     c.createdAt,
		DirtySince:    c.dirtySince,
		Streams:       c.streams,
		ServedStreams: c.servedStreams,
	}
}

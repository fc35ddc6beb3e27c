// events.go - Circuit manager event sink.
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

package circmgr

import (
	"fmt"

	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
)

// Event is the generic event sent over Manager.EventSink.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// CircuitBuiltEvent is the event sent when a circuit build completes
// successfully and the circuit is registered in the pool.
type CircuitBuiltEvent struct {
	// ID is the circuit identifier.
	ID string

	// Usage is the usage key the circuit was built for.
	Usage string

	// Isolation is the isolation token the circuit was built for.
	Isolation pathsel.Isolation

	// Hops is the circuit's path.
	Hops []netdir.RelayID
}

// String returns a string representation of the CircuitBuiltEvent.
func (e *CircuitBuiltEvent) String() string {
	return fmt.Sprintf("CircuitBuilt[%v]: %d hops for %v", e.ID, len(e.Hops), e.Usage)
}

// CircuitBuildFailedEvent is the event sent when a circuit build attempt
// fails terminally.
type CircuitBuildFailedEvent struct {
	// Usage is the usage key the build was for.
	Usage string

	// Err is the classified build failure.
	Err error
}

// String returns a string representation of the CircuitBuildFailedEvent.
func (e *CircuitBuildFailedEvent) String() string {
	return fmt.Sprintf("CircuitBuildFailed[%v]: %v", e.Usage, e.Err)
}

// GuardStatusEvent is the event sent when a guard's standing changes: it is
// confirmed by a first successful circuit, marked unreachable, or recovers.
type GuardStatusEvent struct {
	// Status is the guard's new standing.
	Status guard.Status
}

// String returns a string representation of the GuardStatusEvent.
func (e *GuardStatusEvent) String() string {
	switch {
	case e.Status.Unreachable:
		return fmt.Sprintf("GuardStatus[%v]: unreachable, retry at %v", e.Status.ID, e.Status.RetryAt)
	case e.Status.Confirmed:
		return fmt.Sprintf("GuardStatus[%v]: confirmed", e.Status.ID)
	default:
		return fmt.Sprintf("GuardStatus[%v]: reachable", e.Status.ID)
	}
}

// CircuitClosedEvent is the event sent when a circuit leaves the pool.
type CircuitClosedEvent struct {
	// ID is the circuit identifier.
	ID string

	// Err is the failure that caused the teardown, nil for routine
	// retirement.
	Err error
}

// String returns a string representation of the CircuitClosedEvent.
func (e *CircuitClosedEvent) String() string {
	if e.Err == nil {
		return fmt.Sprintf("CircuitClosed[%v]", e.ID)
	}
	return fmt.Sprintf("CircuitClosed[%v]: %v", e.ID, e.Err)
}

// emitEvent queues an event for delivery without ever blocking a build or
// pool critical section.
func (m *Manager) emitEvent(ev Event) {
	m.eventCh.In() <- ev
}

// eventWorker pumps queued events to the EventSink until halted.
func (m *Manager) eventWorker() {
	defer close(m.EventSink)
	for {
		select {
		case <-m.HaltCh():
			return
		case ev, ok := <-m.eventCh.Out():
			if !ok {
				return
			}
			select {
			case m.EventSink <- ev.(Event):
			case <-m.HaltCh():
				return
			}
		}
	}
}

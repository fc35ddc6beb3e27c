// report.go - Observability snapshots.
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
	"sort"

	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/guard"
)

// CircuitReport returns a status snapshot for every circuit the pool owns,
// plus a synthetic Requested entry per in-flight build carrying its waiter
// count in Streams, ordered by ID for stable output.
func (m *Manager) CircuitReport() []circuit.Status {
	out := make([]circuit.Status, 0)
	for _, c := range m.pool.list() {
		out = append(out, c.Status())
	}

	m.pool.Lock()
	for key, pb := range m.pool.pending {
		out = append(out, circuit.Status{
			State:     circuit.StateRequested.String(),
			Usage:     key.usage,
			Isolation: key.isolation,
			Streams:   pb.waiters,
		})
	}
	m.pool.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GuardReport returns the guard set in selection order.
func (m *Manager) GuardReport() []guard.Status {
	return m.guards.Report()
}

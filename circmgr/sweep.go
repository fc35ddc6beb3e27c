// sweep.go - Circuit expiry and reserve prebuilding.
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
	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/pathsel"
)

// sweepWorker periodically retires expired circuits and keeps a small
// reserve of general-purpose circuits pre-built, so the build latency of
// the common case is hidden from future requests.
func (m *Manager) sweepWorker() {
	ticker := m.clk.Ticker(m.cfg.Pool.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
		}
		m.sweepOnce()
		m.maybePrebuild()
	}
}

// sweepOnce walks the pool: dirty circuits past their maximum dirtiness are
// marked Expiring, and Expiring circuits with no attached streams are torn
// down.
func (m *Manager) sweepOnce() {
	now := m.clk.Now()

	for _, c := range m.pool.list() {
		switch c.State() {
		case circuit.StateClosed:
			m.pool.remove(c.ID())
		case circuit.StateExpiring:
			if c.Idle() {
				m.log.Debugf("Retiring expired circuit %v.", c.ID())
				m.CloseCircuit(c, nil)
			}
		default:
			if c.ShouldExpire(now, m.cfg.Pool.MaxDirtiness) {
				m.log.Debugf("Circuit %v exceeded max dirtiness, expiring.", c.ID())
				c.MarkExpiring()
			}
		}
	}

	openCircuits.Set(float64(len(m.pool.list())))
}

// maybePrebuild dispatches at most one background general-purpose build per
// sweep tick while the reserve is short.
func (m *Manager) maybePrebuild() {
	if m.cfg.Pool.PreferredReserve <= 0 {
		return
	}

	usage := pathsel.GeneralUsage()
	isolation := pathsel.Isolation("")

	if m.pool.countReusable(usage, isolation) >= m.cfg.Pool.PreferredReserve {
		return
	}
	if m.pool.pendingFor(usage, isolation) {
		return
	}

	_, pb, created := m.pool.attach(usage, isolation)
	if !created {
		if pb != nil {
			m.pool.detach(pb)
		}
		return
	}
	// Nobody waits on a prebuild.
	m.pool.detach(pb)
	m.log.Debugf("Prebuilding reserve circuit.")
	m.Go(func() { m.runBuild(pb, usage, isolation) })
}

// build.go - Hop-by-hop circuit construction.
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
	"context"

	"github.com/veilproject/veil/channel"
	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
)

// buildCircuit drives the hop-by-hop extension protocol for one path.  Each
// extension is bounded by the timeout estimator's current value for the hop
// position.  On any per-hop failure the partial circuit is torn down; a
// circuit of shorter length than requested is never returned, since the
// usage's guarantees depend on the final hop.
func (m *Manager) buildCircuit(ctx context.Context, path pathsel.Path, usage pathsel.Usage, isolation pathsel.Isolation) (*circuit.Circuit, error) {
	circ := circuit.New(usage, isolation, path.IDs(), m.clk.Now())

	var raw channel.RawCircuit
	for hop, relay := range path {
		hopCtx, cancel := context.WithTimeout(ctx, m.estimator.Current(hop))
		start := m.clk.Now()

		var err error
		if hop == 0 {
			var ch channel.Channel
			ch, err = m.channels.GetOrOpenChannel(hopCtx, relay)
			if err == nil {
				raw, err = ch.CreateCircuit(hopCtx)
			}
		} else {
			err = raw.Extend(hopCtx, relay)
		}
		cancel()

		if err != nil {
			if raw != nil {
				raw.Close()
			}
			circ.Close()
			hopLatency.WithLabelValues(hopLabel(hop), "failure").Observe(m.clk.Now().Sub(start).Seconds())
			return nil, m.classifyHopError(ctx, hopCtx, err, hop, relay.ID)
		}

		elapsed := m.clk.Now().Sub(start)
		m.estimator.RecordSample(hop, elapsed)
		hopLatency.WithLabelValues(hopLabel(hop), "success").Observe(elapsed.Seconds())
	}

	if err := circ.Open(raw); err != nil {
		raw.Close()
		circ.Close()
		return nil, &BuildError{Reason: ReasonInternal, Hop: -1, Err: err}
	}
	return circ, nil
}

// classifyHopError maps a hop extension failure to a BuildError,
// distinguishing the caller's cancellation from a per-hop deadline.
func (m *Manager) classifyHopError(ctx, hopCtx context.Context, err error, hop int, relay netdir.RelayID) error {
	reason := Classify(err)
	if reason == ReasonTimeout || reason == ReasonCancelled {
		if ctx.Err() != nil {
			reason = ReasonCancelled
		} else if hopCtx.Err() != nil {
			reason = ReasonTimeout
		}
	}
	return &BuildError{Reason: reason, Hop: hop, Relay: relay, Err: err}
}

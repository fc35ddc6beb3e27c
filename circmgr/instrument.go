// instrument.go - Prometheus instrumentation.
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
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_circuit_builds_total",
			Help: "Number of circuit build attempts by outcome",
		},
		[]string{"result"},
	)
	hopLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_circuit_hop_extend_seconds",
			Help:    "Latency of per-hop circuit extension",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"hop", "result"},
	)
	openCircuits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veil_circuit_pool_size",
			Help: "Number of circuits currently owned by the pool",
		},
	)
	streamsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_circuit_streams_attached_total",
			Help: "Number of streams attached to circuits",
		},
	)

	instrumentOnce sync.Once
)

func registerMetrics() {
	instrumentOnce.Do(func() {
		prometheus.MustRegister(buildsTotal)
		prometheus.MustRegister(hopLatency)
		prometheus.MustRegister(openCircuits)
		prometheus.MustRegister(streamsTotal)
	})
}

func hopLabel(hop int) string {
	return strconv.Itoa(hop)
}

// estimator.go - Adaptive circuit build timeouts.
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

// Package timeout maintains an adaptive statistical model of how long
// circuit extension should take, per hop position, used to decide when a
// slow build attempt should be abandoned.
package timeout

import (
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/persist"
)

const (
	// DefaultQuantile is the default target quantile: only attempts slower
	// than this fraction of observed samples are abandoned.
	DefaultQuantile = 0.9

	// DefaultMin is the default lower clamp for the computed timeout.
	DefaultMin = 1500 * time.Millisecond

	// DefaultMax is the default upper clamp, and the conservative timeout
	// used before enough samples exist.
	DefaultMax = 60 * time.Second

	// DefaultWindowSize is the default per-hop-position sample window.
	DefaultWindowSize = 500

	// DefaultMinSamples is the number of samples a hop position needs
	// before the model's estimate replaces the conservative default.
	DefaultMinSamples = 16

	// persistEvery is the sample cadence at which the model is flushed.
	persistEvery = 32
)

const modelStateKey = "timeout/model"

// Config is the timeout model policy.
type Config struct {
	// Quantile is the target quantile in (0, 1).
	Quantile float64

	// Min and Max clamp every timeout the model produces.
	Min time.Duration
	Max time.Duration

	// WindowSize bounds the per-hop-position sliding sample window.
	WindowSize int

	// MinSamples is the sample count below which Max is returned.
	MinSamples int
}

// DefaultConfig returns the default timeout model policy.
func DefaultConfig() Config {
	return Config{
		Quantile:   DefaultQuantile,
		Min:        DefaultMin,
		Max:        DefaultMax,
		WindowSize: DefaultWindowSize,
		MinSamples: DefaultMinSamples,
	}
}

func (c *Config) fixup() {
	if c.Quantile <= 0 || c.Quantile >= 1 {
		c.Quantile = DefaultQuantile
	}
	if c.Min <= 0 {
		c.Min = DefaultMin
	}
	if c.Max <= c.Min {
		c.Max = DefaultMax
		if c.Max <= c.Min {
			c.Max = 2 * c.Min
		}
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
}

// Estimator is the adaptive timeout model.  Samples are kept separately per
// hop position since later hops take longer to extend to.
type Estimator struct {
	sync.Mutex

	cfg   Config
	store persist.Store
	log   *logging.Logger

	windows    [][]time.Duration
	sinceFlush int
}

// New creates an Estimator, reloading any persisted sample history so the
// model need not re-learn from a cold start.  Missing or corrupt history
// falls back to an empty model.
func New(cfg Config, store persist.Store, logBackend *log.Backend) (*Estimator, error) {
	cfg.fixup()
	e := &Estimator{
		cfg:   cfg,
		store: store,
		log:   logBackend.GetLogger("timeout"),
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) load() error {
	raw, err := e.store.Load(modelStateKey)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var nanos [][]int64
	if err := cbor.Unmarshal(raw, &nanos); err != nil {
		e.log.Warningf("Discarding corrupt timeout model: %v", err)
		return nil
	}
	e.windows = make([][]time.Duration, len(nanos))
	n := 0
	for hop, w := range nanos {
		if len(w) > e.cfg.WindowSize {
			w = w[len(w)-e.cfg.WindowSize:]
		}
		e.windows[hop] = make([]time.Duration, 0, len(w))
		for _, v := range w {
			e.windows[hop] = append(e.windows[hop], time.Duration(v))
		}
		n += len(w)
	}
	e.log.Debugf("Reloaded timeout model with %d samples.", n)
	return nil
}

func (e *Estimator) flushLocked() error {
	nanos := make([][]int64, len(e.windows))
	for hop, w := range e.windows {
		nanos[hop] = make([]int64, 0, len(w))
		for _, d := range w {
			nanos[hop] = append(nanos[hop], int64(d))
		}
	}
	raw, err := cbor.Marshal(nanos)
	if err != nil {
		return err
	}
	e.sinceFlush = 0
	return e.store.Put(modelStateKey, raw)
}

func (e *Estimator) clamp(d time.Duration) time.Duration {
	if d < e.cfg.Min {
		return e.cfg.Min
	}
	if d > e.cfg.Max {
		return e.cfg.Max
	}
	return d
}

// Current returns the timeout to apply to an extension to the given hop
// position (0 based).  Before enough samples exist the conservative upper
// clamp is used; the result is always within [Min, Max].
func (e *Estimator) Current(hop int) time.Duration {
	e.Lock()
	defer e.Unlock()

	if hop < 0 || hop >= len(e.windows) || len(e.windows[hop]) < e.cfg.MinSamples {
		return e.cfg.Max
	}

	w := e.windows[hop]
	sorted := make([]time.Duration, len(w))
	copy(sorted, w)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(e.cfg.Quantile * float64(len(sorted)-1))
	return e.clamp(sorted[idx])
}

// RecordSample records an observed extension latency for a hop position.
func (e *Estimator) RecordSample(hop int, elapsed time.Duration) {
	if hop < 0 {
		return
	}

	e.Lock()
	defer e.Unlock()

	for len(e.windows) <= hop {
		e.windows = append(e.windows, nil)
	}
	w := append(e.windows[hop], elapsed)
	if len(w) > e.cfg.WindowSize {
		w = w[len(w)-e.cfg.WindowSize:]
	}
	e.windows[hop] = w
	e.sinceFlush++

	if e.sinceFlush >= persistEvery {
		if err := e.flushLocked(); err != nil {
			e.log.Warningf("Failed to persist timeout model: %v", err)
		}
	}
}

// Flush persists the sample history immediately, typically on shutdown.
func (e *Estimator) Flush() error {
	e.Lock()
	defer e.Unlock()
	return e.flushLocked()
}

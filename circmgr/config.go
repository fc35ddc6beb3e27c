// config.go - Circuit manager policy knobs.
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
	"time"

	"github.com/veilproject/veil/core/retry"
	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/pathsel"
	"github.com/veilproject/veil/timeout"
)

const (
	// DefaultMaxDirtiness is how long after first use a circuit is still
	// handed out for new streams.
	DefaultMaxDirtiness = 10 * time.Minute

	// DefaultMaxStreamsPerCircuit bounds cumulative streams per circuit.
	DefaultMaxStreamsPerCircuit = 64

	// DefaultPreferredReserve is the number of general-purpose circuits
	// the sweep keeps pre-built to hide build latency.
	DefaultPreferredReserve = 2

	// DefaultSweepInterval is the cadence of the expiry/prebuild sweep.
	DefaultSweepInterval = 10 * time.Second

	// DefaultRequestTimeout is the overall deadline for one circuit
	// request including all retries.
	DefaultRequestTimeout = 60 * time.Second
)

// PoolConfig is the circuit pool policy.
type PoolConfig struct {
	// MaxDirtiness is the maximum age of a dirty circuit before it is
	// marked Expiring.
	MaxDirtiness time.Duration

	// MaxStreamsPerCircuit is the cumulative stream budget per circuit,
	// 0 for unlimited.
	MaxStreamsPerCircuit int

	// PreferredReserve is the number of general circuits to keep
	// pre-built.
	PreferredReserve int

	// SweepInterval is the expiry sweep cadence.
	SweepInterval time.Duration
}

// RequestConfig is the per-request retry policy.
type RequestConfig struct {
	// Timeout is the overall deadline for a circuit request.
	Timeout time.Duration

	// MaxRetries is the maximum number of build attempts per request.
	MaxRetries int

	// BaseDelay, MaxDelay and Jitter shape the backoff between attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Config is the full circuit manager policy.
type Config struct {
	Guard   guard.Config
	Timeout timeout.Config
	Path    pathsel.Config
	Pool    PoolConfig
	Request RequestConfig
}

// DefaultConfig returns the default circuit manager policy.
func DefaultConfig() Config {
	return Config{
		Guard:   guard.DefaultConfig(),
		Timeout: timeout.DefaultConfig(),
		Path:    pathsel.DefaultConfig(),
		Pool: PoolConfig{
			MaxDirtiness:         DefaultMaxDirtiness,
			MaxStreamsPerCircuit: DefaultMaxStreamsPerCircuit,
			PreferredReserve:     DefaultPreferredReserve,
			SweepInterval:        DefaultSweepInterval,
		},
		Request: RequestConfig{
			Timeout:    DefaultRequestTimeout,
			MaxRetries: retry.DefaultMaxAttempts,
			BaseDelay:  retry.DefaultBaseDelay,
			MaxDelay:   retry.DefaultMaxDelay,
			Jitter:     retry.DefaultJitter,
		},
	}
}

func (c *Config) fixup() {
	if c.Pool.MaxDirtiness <= 0 {
		c.Pool.MaxDirtiness = DefaultMaxDirtiness
	}
	if c.Pool.MaxStreamsPerCircuit < 0 {
		c.Pool.MaxStreamsPerCircuit = DefaultMaxStreamsPerCircuit
	}
	if c.Pool.PreferredReserve < 0 {
		c.Pool.PreferredReserve = DefaultPreferredReserve
	}
	if c.Pool.SweepInterval <= 0 {
		c.Pool.SweepInterval = DefaultSweepInterval
	}
	if c.Request.Timeout <= 0 {
		c.Request.Timeout = DefaultRequestTimeout
	}
	if c.Request.MaxRetries <= 0 {
		c.Request.MaxRetries = retry.DefaultMaxAttempts
	}
	if c.Request.BaseDelay <= 0 {
		c.Request.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Request.MaxDelay <= 0 {
		c.Request.MaxDelay = retry.DefaultMaxDelay
	}
	if c.Request.Jitter < 0 || c.Request.Jitter > 1 {
		c.Request.Jitter = retry.DefaultJitter
	}
}

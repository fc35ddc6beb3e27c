// guard.go - Entry guard records.
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

// Package guard implements entry guard selection: the small persisted set
// of long-term first-hop relays used to bound a client's long-term exposure
// to traffic analysis.
package guard

import (
	"time"

	"github.com/veilproject/veil/netdir"
)

const (
	// DefaultPoolSize is the default number of guards kept in the
	// persisted set.
	DefaultPoolSize = 5

	// DefaultFailureThreshold is the default number of consecutive
	// failures before a guard is marked unreachable.
	DefaultFailureThreshold = 3

	// DefaultRetryBackoffBase is the default initial wait before an
	// unreachable guard becomes eligible for a retry probe.
	DefaultRetryBackoffBase = 10 * time.Minute

	// DefaultRetryBackoffMax caps the exponential retry backoff.
	DefaultRetryBackoffMax = 6 * time.Hour
)

// Config is the guard selection policy.
type Config struct {
	// PoolSize is the number of guards to maintain in the set.
	PoolSize int

	// FailureThreshold is the number of consecutive circuit failures
	// through a guard before it is marked unreachable.
	FailureThreshold int

	// RetryBackoffBase is the initial unreachable retry backoff, doubled
	// on every further demotion.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the retry backoff.
	RetryBackoffMax time.Duration
}

// DefaultConfig returns the default guard policy.
func DefaultConfig() Config {
	return Config{
		PoolSize:         DefaultPoolSize,
		FailureThreshold: DefaultFailureThreshold,
		RetryBackoffBase: DefaultRetryBackoffBase,
		RetryBackoffMax:  DefaultRetryBackoffMax,
	}
}

func (c *Config) fixup() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
}

// record is the persisted per-guard state.  Guards are never removed from
// the set, only demoted, so that guard churn does not itself leak
// information.
type record struct {
	ID           netdir.RelayID `cbor:"id"`
	FirstSeen    time.Time      `cbor:"first_seen"`
	Rank         int            `cbor:"rank"`
	Confirmed    bool           `cbor:"confirmed"`
	ConfirmedAt  time.Time      `cbor:"confirmed_at,omitempty"`
	Unreachable  bool           `cbor:"unreachable"`
	Failures     int            `cbor:"failures"`
	BackoffLevel int            `cbor:"backoff_level"`
	RetryAt      time.Time      `cbor:"retry_at,omitempty"`
}

// Status is a point-in-time view of one guard for reporting.
type Status struct {
	ID          netdir.RelayID
	Rank        int
	Confirmed   bool
	Unreachable bool
	Failures    int
	RetryAt     time.Time
}

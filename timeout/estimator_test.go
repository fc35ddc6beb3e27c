// estimator_test.go - Tests for the adaptive timeout model.
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

package timeout

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/persist"
)

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testConfig() Config {
	return Config{
		Quantile:   0.9,
		Min:        10 * time.Millisecond,
		Max:        10 * time.Second,
		WindowSize: 100,
		MinSamples: 10,
	}
}

func TestEstimatorConservativeDefault(t *testing.T) {
	require := require.New(t)

	e, err := New(testConfig(), persist.NewMemStore(), testLogBackend(t))
	require.NoError(err)

	// Before enough samples exist, the conservative upper clamp applies.
	require.Equal(10*time.Second, e.Current(0))
	require.Equal(10*time.Second, e.Current(2))

	for i := 0; i < 9; i++ {
		e.RecordSample(0, 50*time.Millisecond)
	}
	require.Equal(10*time.Second, e.Current(0))
}

func TestEstimatorQuantile(t *testing.T) {
	require := require.New(t)

	e, err := New(testConfig(), persist.NewMemStore(), testLogBackend(t))
	require.NoError(err)

	// 1ms..100ms; the 90th percentile lands near the top of the range.
	for i := 1; i <= 100; i++ {
		e.RecordSample(1, time.Duration(i)*time.Millisecond)
	}
	cur := e.Current(1)
	require.GreaterOrEqual(cur, 85*time.Millisecond)
	require.LessOrEqual(cur, 95*time.Millisecond)

	// Hop positions are independent.
	require.Equal(10*time.Second, e.Current(2))
}

func TestEstimatorClampBounds(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()

	t.Run("pathological fast burst", func(t *testing.T) {
		e, err := New(cfg, persist.NewMemStore(), testLogBackend(t))
		require.NoError(err)
		for i := 0; i < 500; i++ {
			e.RecordSample(0, time.Microsecond)
		}
		require.Equal(cfg.Min, e.Current(0))
	})

	t.Run("pathological slow burst", func(t *testing.T) {
		e, err := New(cfg, persist.NewMemStore(), testLogBackend(t))
		require.NoError(err)
		for i := 0; i < 500; i++ {
			e.RecordSample(0, time.Hour)
		}
		require.Equal(cfg.Max, e.Current(0))
	})

	t.Run("random sample sequences stay bounded", func(t *testing.T) {
		e, err := New(cfg, persist.NewMemStore(), testLogBackend(t))
		require.NoError(err)
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 2000; i++ {
			hop := rng.Intn(3)
			e.RecordSample(hop, time.Duration(rng.Int63n(int64(time.Minute))))
			cur := e.Current(hop)
			require.GreaterOrEqual(cur, cfg.Min)
			require.LessOrEqual(cur, cfg.Max)
		}
	})
}

func TestEstimatorSlidingWindow(t *testing.T) {
	require := require.New(t)

	e, err := New(testConfig(), persist.NewMemStore(), testLogBackend(t))
	require.NoError(err)

	// Old slow samples age out of the bounded window.
	for i := 0; i < 100; i++ {
		e.RecordSample(0, time.Second)
	}
	for i := 0; i < 100; i++ {
		e.RecordSample(0, 20*time.Millisecond)
	}
	require.Less(e.Current(0), 100*time.Millisecond)
}

func TestEstimatorPersistenceRoundTrip(t *testing.T) {
	require := require.New(t)

	store := persist.NewMemStore()
	e, err := New(testConfig(), store, testLogBackend(t))
	require.NoError(err)

	for i := 1; i <= 100; i++ {
		e.RecordSample(0, time.Duration(i)*time.Millisecond)
	}
	require.NoError(e.Flush())
	want := e.Current(0)

	// A fresh estimator over the same store resumes the learned model.
	e2, err := New(testConfig(), store, testLogBackend(t))
	require.NoError(err)
	require.Equal(want, e2.Current(0))
}

func TestEstimatorCorruptStateFallsBack(t *testing.T) {
	require := require.New(t)

	store := persist.NewMemStore()
	require.NoError(store.Put("timeout/model", []byte("not cbor")))

	e, err := New(testConfig(), store, testLogBackend(t))
	require.NoError(err)
	require.Equal(10*time.Second, e.Current(0))
}

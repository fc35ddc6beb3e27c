// selector_test.go - Tests for entry guard selection.
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

package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/persist"
)

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testSnapshot(version uint64, n int) *netdir.Snapshot {
	relays := make([]*netdir.RelayInfo, 0, n)
	for i := 0; i < n; i++ {
		var id netdir.RelayID
		id[0] = byte(i + 1)
		relays = append(relays, &netdir.RelayInfo{
			ID:        id,
			Nickname:  fmt.Sprintf("relay%d", i),
			Addresses: []string{fmt.Sprintf("10.%d.0.1:9001", i+1)},
			Bandwidth: 100,
			Flags:     netdir.FlagGuard | netdir.FlagStable | netdir.FlagFast,
		})
	}
	return netdir.NewSnapshot(version, relays)
}

func newTestSelector(t *testing.T, store persist.Store, clk clock.Clock) *Selector {
	cfg := Config{
		PoolSize:         3,
		FailureThreshold: 3,
		RetryBackoffBase: 10 * time.Minute,
		RetryBackoffMax:  time.Hour,
	}
	s, err := New(cfg, store, clk, testLogBackend(t))
	require.NoError(t, err)
	return s
}

func TestSelectorNotReady(t *testing.T) {
	require := require.New(t)

	s := newTestSelector(t, persist.NewMemStore(), clock.NewMock())
	_, err := s.ForNewPath(testSnapshot(1, 0))
	require.ErrorIs(err, ErrNotReady)
}

func TestSelectorDeterministicPrimary(t *testing.T) {
	require := require.New(t)

	s := newTestSelector(t, persist.NewMemStore(), clock.NewMock())
	snap := testSnapshot(1, 5)

	first, err := s.ForNewPath(snap)
	require.NoError(err)

	// Repeated selection without state changes returns the same primary.
	for i := 0; i < 10; i++ {
		g, err := s.ForNewPath(snap)
		require.NoError(err)
		require.Equal(first.ID, g.ID)
	}
	require.Equal(first.ID, s.Report()[0].ID)
}

func TestSelectorUnreachableBackoff(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := newTestSelector(t, persist.NewMemStore(), clk)
	snap := testSnapshot(1, 3)

	primary, err := s.ForNewPath(snap)
	require.NoError(err)

	// Below the threshold the guard keeps being selected.
	require.NoError(s.NoteFailure(primary.ID))
	require.NoError(s.NoteFailure(primary.ID))
	g, err := s.ForNewPath(snap)
	require.NoError(err)
	require.Equal(primary.ID, g.ID)

	// The third consecutive failure marks it unreachable.
	require.NoError(s.NoteFailure(primary.ID))
	g, err = s.ForNewPath(snap)
	require.NoError(err)
	require.NotEqual(primary.ID, g.ID)

	// After the backoff window it becomes eligible again.
	clk.Add(11 * time.Minute)
	g, err = s.ForNewPath(snap)
	require.NoError(err)
	require.Equal(primary.ID, g.ID)

	// A success clears the unreachable state entirely.
	require.NoError(s.NoteSuccess(primary.ID))
	st := s.Report()[0]
	require.Equal(primary.ID, st.ID)
	require.True(st.Confirmed)
	require.False(st.Unreachable)
	require.Equal(0, st.Failures)
}

func TestSelectorPersistenceRoundTrip(t *testing.T) {
	require := require.New(t)

	store := persist.NewMemStore()
	clk := clock.NewMock()

	s := newTestSelector(t, store, clk)
	snap := testSnapshot(1, 5)

	primary, err := s.ForNewPath(snap)
	require.NoError(err)
	require.NoError(s.NoteSuccess(primary.ID))
	before := s.Report()

	// A new selector over the same store resumes with identical selection
	// behavior: no guard churn across a restart.
	s2 := newTestSelector(t, store, clk)
	require.Equal(before, s2.Report())

	g, err := s2.ForNewPath(snap)
	require.NoError(err)
	require.Equal(primary.ID, g.ID)
}

func TestSelectorCorruptStateFallsBack(t *testing.T) {
	require := require.New(t)

	store := persist.NewMemStore()
	require.NoError(store.Put("guard/state", []byte("not cbor")))

	s := newTestSelector(t, store, clock.NewMock())
	require.Empty(s.Report())

	// And it is still able to sample a fresh set.
	_, err := s.ForNewPath(testSnapshot(1, 3))
	require.NoError(err)
}

func TestSelectorConfirmedPromotion(t *testing.T) {
	require := require.New(t)

	s := newTestSelector(t, persist.NewMemStore(), clock.NewMock())
	snap := testSnapshot(1, 3)

	_, err := s.ForNewPath(snap)
	require.NoError(err)

	// Confirm a non-primary guard; it moves ahead of unconfirmed ones.
	report := s.Report()
	other := report[len(report)-1].ID
	require.NoError(s.NoteSuccess(other))
	require.Equal(other, s.Report()[0].ID)

	g, err := s.ForNewPath(snap)
	require.NoError(err)
	require.Equal(other, g.ID)
}

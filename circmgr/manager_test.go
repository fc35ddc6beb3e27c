// manager_test.go - Tests for the circuit manager.
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
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/veilproject/veil/channel"
	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
	"github.com/veilproject/veil/persist"
	"github.com/veilproject/veil/timeout"
)

const testFlags = netdir.FlagExit | netdir.FlagGuard | netdir.FlagStable |
	netdir.FlagFast | netdir.FlagDirCache

// fakeNetwork is a scriptable in-memory stand-in for the channel component.
type fakeNetwork struct {
	sync.Mutex

	creates int
	extends int
	streams int

	// failCreates makes the next n CreateCircuit calls fail with a
	// transport error.
	failCreates int

	// stallExtends makes the next n Extend calls block until their
	// context expires.
	stallExtends int

	// createGate, when non-nil, blocks CreateCircuit until closed.
	createGate chan struct{}

	// ignoreCancel makes the gated wait ignore its context, modeling a
	// channel implementation that does not honor cancellation.
	ignoreCancel bool

	raws []*fakeRawCircuit
}

func (n *fakeNetwork) GetOrOpenChannel(ctx context.Context, relay *netdir.RelayInfo) (channel.Channel, error) {
	return &fakeChannel{net: n, relay: relay.ID}, nil
}

func (n *fakeNetwork) counts() (creates, extends int) {
	n.Lock()
	defer n.Unlock()
	return n.creates, n.extends
}

func (n *fakeNetwork) allRawsClosed() bool {
	n.Lock()
	defer n.Unlock()
	for _, r := range n.raws {
		if !r.closed {
			return false
		}
	}
	return true
}

type fakeChannel struct {
	net   *fakeNetwork
	relay netdir.RelayID
}

func (c *fakeChannel) Relay() netdir.RelayID { return c.relay }

func (c *fakeChannel) CreateCircuit(ctx context.Context) (channel.RawCircuit, error) {
	c.net.Lock()
	gate := c.net.createGate
	ignoreCancel := c.net.ignoreCancel
	c.net.Unlock()
	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	c.net.Lock()
	defer c.net.Unlock()
	c.net.creates++
	if c.net.failCreates > 0 {
		c.net.failCreates--
		return nil, &channel.TransportError{Relay: c.relay, Err: errors.New("connection reset")}
	}
	raw := &fakeRawCircuit{net: c.net}
	c.net.raws = append(c.net.raws, raw)
	return raw, nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeRawCircuit struct {
	net    *fakeNetwork
	closed bool
}

func (r *fakeRawCircuit) Extend(ctx context.Context, target *netdir.RelayInfo) error {
	r.net.Lock()
	stall := r.net.stallExtends > 0
	if stall {
		r.net.stallExtends--
	} else {
		r.net.extends++
	}
	r.net.Unlock()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (r *fakeRawCircuit) OpenStream(ctx context.Context, target string) (channel.Stream, error) {
	r.net.Lock()
	defer r.net.Unlock()
	r.net.streams++
	return &fakeStream{target: target}, nil
}

func (r *fakeRawCircuit) Close() error {
	r.net.Lock()
	r.closed = true
	r.net.Unlock()
	return nil
}

type fakeStream struct {
	target string
}

func (s *fakeStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) Close() error                { return nil }
func (s *fakeStream) Target() string              { return s.target }

// fakeDirectory is a settable directory provider.
type fakeDirectory struct {
	sync.Mutex
	snap *netdir.Snapshot
	err  error
}

func (d *fakeDirectory) CurrentSnapshot() (*netdir.Snapshot, error) {
	d.Lock()
	defer d.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.snap, nil
}

func (d *fakeDirectory) set(snap *netdir.Snapshot, err error) {
	d.Lock()
	defer d.Unlock()
	d.snap, d.err = snap, err
}

func testRelay(id byte, flags netdir.RelayFlags) *netdir.RelayInfo {
	var rid netdir.RelayID
	rid[0] = id
	r := &netdir.RelayInfo{
		ID:        rid,
		Nickname:  fmt.Sprintf("relay%d", id),
		Addresses: []string{fmt.Sprintf("10.%d.0.1:9001", id)},
		Bandwidth: 100,
		Flags:     flags,
	}
	if flags.Has(netdir.FlagExit) {
		r.Policy = netdir.AcceptAllPolicy()
	}
	return r
}

func testSnapshot(version uint64, n int) *netdir.Snapshot {
	relays := make([]*netdir.RelayInfo, 0, n)
	for i := 0; i < n; i++ {
		relays = append(relays, testRelay(byte(i+1), testFlags))
	}
	return netdir.NewSnapshot(version, relays)
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.Pool.PreferredReserve = 0
	cfg.Request.Timeout = 10 * time.Second
	cfg.Request.MaxRetries = 3
	cfg.Request.BaseDelay = time.Millisecond
	cfg.Request.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg Config, clk clock.Clock) (*Manager, *fakeNetwork, *fakeDirectory) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	net := &fakeNetwork{}
	dir := &fakeDirectory{snap: testSnapshot(1, 3)}

	m, err := New(cfg, dir, net, persist.NewMemStore(), clk, logBackend)
	require.NoError(t, err)
	return m, net, dir
}

func TestGetCircuitBuildAndReuse(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal(circuit.StateOpen, c.State())
	require.Len(c.Hops(), 3)

	creates, extends := net.counts()
	require.Equal(1, creates)
	require.Equal(2, extends)

	// An identical request reuses the pooled circuit.
	c2, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal(c.ID(), c2.ID())

	creates, _ = net.counts()
	require.Equal(1, creates)
}

func TestGetCircuitIsolation(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	c1, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "alice")
	require.NoError(err)
	c2, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "bob")
	require.NoError(err)

	require.NotEqual(c1.ID(), c2.ID())
	creates, _ := net.counts()
	require.Equal(2, creates)
}

func TestGetCircuitSharedBuild(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	gate := make(chan struct{})
	net.createGate = gate

	// Two concurrent identical requests must share one build.
	results := make(chan *circuit.Circuit, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
			require.NoError(err)
			results <- c
		}()
	}

	// Both requests register on the same pending entry, visible as one
	// Requested report line carrying both waiters.
	require.Eventually(func() bool {
		report := m.CircuitReport()
		return len(report) == 1 &&
			report[0].State == circuit.StateRequested.String() &&
			report[0].Streams == 2
	}, 2*time.Second, 10*time.Millisecond)
	close(gate)

	c1 := <-results
	c2 := <-results
	require.Equal(c1.ID(), c2.ID())

	creates, _ := net.counts()
	require.Equal(1, creates)
}

func TestGetCircuitRetriesTransientFailure(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	net.failCreates = 1

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal(circuit.StateOpen, c.State())

	creates, _ := net.counts()
	require.Equal(2, creates)
}

func TestGetCircuitHopTimeout(t *testing.T) {
	require := require.New(t)

	cfg := quickConfig()
	// Force a short per-hop deadline: below MinSamples the estimator
	// returns Max.
	cfg.Timeout = timeout.Config{
		Quantile:   0.9,
		Min:        5 * time.Millisecond,
		Max:        50 * time.Millisecond,
		WindowSize: 100,
		MinSamples: 50,
	}
	m, net, _ := newTestManager(t, cfg, clock.New())
	defer m.Halt()

	// The first extension stalls past the hop deadline; the retry builds
	// a fresh circuit successfully.
	net.stallExtends = 1

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal(circuit.StateOpen, c.State())

	creates, _ := net.counts()
	require.Equal(2, creates)
}

func TestGetCircuitAggregatesAttempts(t *testing.T) {
	require := require.New(t)
	m, _, dir := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	dir.set(nil, netdir.ErrNotReady)

	_, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.Error(err)

	var agg *AggregateError
	require.ErrorAs(err, &agg)
	require.Len(agg.Attempts, 3)
	for _, attempt := range agg.Attempts {
		require.Equal(ReasonNotReady, Classify(attempt))
	}
}

func TestGetCircuitNoPathNotRetried(t *testing.T) {
	require := require.New(t)
	m, _, dir := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	// Guard-eligible relays without the Exit flag: no final hop exists
	// for general usage, and the directory is not changing.
	relays := []*netdir.RelayInfo{
		testRelay(1, netdir.FlagGuard|netdir.FlagStable|netdir.FlagFast),
		testRelay(2, netdir.FlagGuard|netdir.FlagStable|netdir.FlagFast),
		testRelay(3, netdir.FlagGuard|netdir.FlagStable|netdir.FlagFast),
	}
	dir.set(netdir.NewSnapshot(1, relays), nil)

	_, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.Error(err)

	var agg *AggregateError
	require.ErrorAs(err, &agg)
	require.Len(agg.Attempts, 1)
	require.Equal(ReasonNoPath, Classify(agg.Attempts[0]))
}

func TestGetCircuitInvalidUsage(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	_, err := m.GetCircuit(context.Background(), pathsel.Usage{Kind: pathsel.UsageExit}, "")
	require.Error(err)
	require.Equal(ReasonConfig, Classify(err))

	// No build was attempted.
	creates, _ := net.counts()
	require.Equal(0, creates)
}

func TestGetCircuitCancellation(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())
	defer m.Halt()

	gate := make(chan struct{})
	net.createGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetCircuit(ctx, pathsel.GeneralUsage(), "")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(<-errCh, context.Canceled)

	// Abandonment detaches the waiter only: the build keeps running and
	// its circuit still lands in the pool.
	close(gate)
	require.Eventually(func() bool {
		report := m.CircuitReport()
		return len(report) == 1 && report[0].State == circuit.StateOpen.String()
	}, 2*time.Second, 10*time.Millisecond)

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal(circuit.StateOpen, c.State())

	creates, _ := net.counts()
	require.Equal(1, creates)
}

func TestAttachStream(t *testing.T) {
	require := require.New(t)

	cfg := quickConfig()
	cfg.Pool.MaxStreamsPerCircuit = 2
	m, _, _ := newTestManager(t, cfg, clock.New())
	defer m.Halt()

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)

	s1, err := m.AttachStream(context.Background(), c, "example.com:443")
	require.NoError(err)
	require.Equal("example.com:443", s1.Target())
	require.Equal(circuit.StateDirty, c.State())

	s2, err := m.AttachStream(context.Background(), c, "example.org:443")
	require.NoError(err)

	// The stream budget is cumulative: closing streams does not refund
	// the slots.
	require.NoError(s1.Close())
	require.NoError(s2.Close())
	_, err = m.AttachStream(context.Background(), c, "example.net:443")
	require.ErrorIs(err, ErrCircuitUnusable)
}

func TestEvents(t *testing.T) {
	require := require.New(t)

	cfg := quickConfig()
	m, _, dir := newTestManager(t, cfg, clock.New())
	m.Start()
	defer m.Halt()

	nextEvent := func() Event {
		select {
		case ev := <-m.EventSink:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}

	dir.set(nil, netdir.ErrNotReady)
	_, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.Error(err)

	failed, ok := nextEvent().(*CircuitBuildFailedEvent)
	require.True(ok)
	require.Equal("general", failed.Usage)
	require.Equal(ReasonNotReady, Classify(failed.Err))

	// Every attempt emits its own failure event, drain the rest.
	for i := 1; i < cfg.Request.MaxRetries; i++ {
		_, ok = nextEvent().(*CircuitBuildFailedEvent)
		require.True(ok)
	}

	dir.set(testSnapshot(2, 3), nil)
	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)

	// The first successful circuit confirms the entry guard.
	gev, ok := nextEvent().(*GuardStatusEvent)
	require.True(ok)
	require.True(gev.Status.Confirmed)
	require.Equal(c.Hops()[0], gev.Status.ID)

	built, ok := nextEvent().(*CircuitBuiltEvent)
	require.True(ok)
	require.Equal(c.ID(), built.ID)
	require.Len(built.Hops, 3)
}

func TestSweepExpiry(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	cfg := quickConfig()
	cfg.Pool.MaxDirtiness = time.Minute
	cfg.Pool.SweepInterval = time.Second
	m, _, _ := newTestManager(t, cfg, clk)
	m.Start()
	defer m.Halt()

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)

	// Dirty the circuit, then leave it idle.
	s, err := m.AttachStream(context.Background(), c, "example.com:443")
	require.NoError(err)
	require.NoError(s.Close())
	require.Equal(circuit.StateDirty, c.State())

	// Advancing past the dirtiness bound lets the sweep mark the circuit
	// Expiring and then, with no attached streams, retire it.
	require.Eventually(func() bool {
		clk.Add(30 * time.Second)
		return len(m.CircuitReport()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(circuit.StateClosed, c.State())
}

func TestPrebuildReserve(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	cfg := quickConfig()
	cfg.Pool.PreferredReserve = 1
	cfg.Pool.SweepInterval = time.Second
	m, net, _ := newTestManager(t, cfg, clk)
	m.Start()
	defer m.Halt()

	// The sweep prebuilds a general-purpose circuit with nobody waiting.
	require.Eventually(func() bool {
		clk.Add(time.Second)
		report := m.CircuitReport()
		return len(report) == 1 && report[0].State == circuit.StateOpen.String()
	}, 5*time.Second, 10*time.Millisecond)

	// A request for the common case is served from the reserve.
	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)
	require.Equal("general", c.Usage().Key())

	creates, _ := net.counts()
	require.Equal(1, creates)
}

func TestHaltClosesCircuits(t *testing.T) {
	require := require.New(t)
	m, _, _ := newTestManager(t, quickConfig(), clock.New())

	c, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
	require.NoError(err)

	m.Halt()
	require.Equal(circuit.StateClosed, c.State())
	require.Empty(m.CircuitReport())
}

func TestHaltWaitsForStragglingBuild(t *testing.T) {
	require := require.New(t)
	m, net, _ := newTestManager(t, quickConfig(), clock.New())

	gate := make(chan struct{})
	net.createGate = gate
	net.ignoreCancel = true

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetCircuit(context.Background(), pathsel.GeneralUsage(), "")
		errCh <- err
	}()

	// Wait for the build to block on the gated first hop.
	require.Eventually(func() bool {
		report := m.CircuitReport()
		return len(report) == 1 && report[0].State == circuit.StateRequested.String()
	}, 2*time.Second, 10*time.Millisecond)

	// The create outraces its cancellation: the gate opens only after Halt
	// has started waiting, and the fake ignores the cancelled context.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(gate)
	}()
	m.Halt()

	// Halt returned only once the build resolved, and the straggling
	// circuit was torn down rather than pooled.
	require.ErrorIs(<-errCh, ErrHalted)
	require.Empty(m.CircuitReport())
	require.True(net.allRawsClosed())
}

func TestPoolClosesCircuitCompletedAfterDrain(t *testing.T) {
	require := require.New(t)

	net := &fakeNetwork{}
	p := newPool(8)
	_, pb, created := p.attach(pathsel.GeneralUsage(), "")
	require.True(created)
	require.Empty(p.drain())

	raw := &fakeRawCircuit{net: net}
	c := circuit.New(pathsel.GeneralUsage(), "", nil, time.Now())
	require.NoError(c.Open(raw))
	p.complete(pb, c, nil)

	require.ErrorIs(pb.err, ErrHalted)
	require.Equal(circuit.StateClosed, c.State())
	require.True(raw.closed)
	require.Empty(p.list())
}

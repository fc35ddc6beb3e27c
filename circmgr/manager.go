// manager.go - Circuit manager facade.
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

// Package circmgr constructs, pools, reuses and retires multi-hop circuits
// through the relay network.  It composes the guard selector, path builder,
// timeout estimator and build orchestrator behind a single facade.
package circmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	chnls "gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilproject/veil/channel"
	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/core/log"
	"github.com/veilproject/veil/core/retry"
	"github.com/veilproject/veil/core/worker"
	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
	"github.com/veilproject/veil/persist"
	"github.com/veilproject/veil/timeout"
)

// ErrHalted is the error returned for requests outstanding when the
// manager shuts down.
var ErrHalted = errors.New("circmgr: manager halted")

// ErrCircuitUnusable is the error returned when a stream cannot be
// attached to a circuit, for example because it is Expiring or has
// exhausted its stream budget.  Callers should request a fresh circuit.
var ErrCircuitUnusable = errors.New("circmgr: circuit not usable for new streams")

// Manager is the circuit manager facade.
type Manager struct {
	worker.Worker

	cfg      Config
	dir      netdir.Provider
	channels channel.Manager
	clk      clock.Clock
	log      *logging.Logger

	guards    *guard.Selector
	builder   *pathsel.Builder
	estimator *timeout.Estimator
	pool      *pool

	eventCh chnls.Channel

	// EventSink delivers Events to the consumer.  Closed on Halt.
	EventSink chan Event

	buildCtx    context.Context
	buildCancel context.CancelFunc
}

// New constructs a Manager from its collaborators.  Guard and timeout state
// is reloaded from store; corrupt or absent state falls back to defaults.
func New(cfg Config, dir netdir.Provider, chans channel.Manager, store persist.Store, clk clock.Clock, logBackend *log.Backend) (*Manager, error) {
	cfg.fixup()
	registerMetrics()

	guards, err := guard.New(cfg.Guard, store, clk, logBackend)
	if err != nil {
		return nil, err
	}
	builder, err := pathsel.NewBuilder(cfg.Path, guards, logBackend)
	if err != nil {
		return nil, err
	}
	estimator, err := timeout.New(cfg.Timeout, store, logBackend)
	if err != nil {
		return nil, err
	}

	buildCtx, buildCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		dir:         dir,
		channels:    chans,
		clk:         clk,
		log:         logBackend.GetLogger("circmgr"),
		guards:      guards,
		builder:     builder,
		estimator:   estimator,
		pool:        newPool(cfg.Pool.MaxStreamsPerCircuit),
		eventCh:     chnls.NewInfiniteChannel(),
		EventSink:   make(chan Event),
		buildCtx:    buildCtx,
		buildCancel: buildCancel,
	}
	return m, nil
}

// Start launches the background sweep and event delivery workers.
func (m *Manager) Start() {
	m.Go(m.sweepWorker)
	m.Go(m.eventWorker)
}

// Halt shuts the manager down: in-flight builds are cancelled and waited
// for, all pooled circuits are torn down, and the timeout model is flushed.
func (m *Manager) Halt() {
	m.buildCancel()
	m.Worker.Halt()

	// All build goroutines have finished, so the pool's contents are final.
	// A build that outraces its cancellation and completes anyway has its
	// circuit closed by the pool rather than pooled.
	for _, c := range m.pool.drain() {
		c.Close()
	}
	if err := m.estimator.Flush(); err != nil {
		m.log.Warningf("Failed to flush timeout model: %v", err)
	}
	m.log.Notice("Circuit manager halted.")
}

// GetCircuit returns a usable circuit for the given usage and isolation,
// reusing a pooled circuit when one matches and otherwise building one.
// Failed builds are retried with jittered backoff and a fresh path per
// attempt; exhausting the budget returns an AggregateError preserving every
// attempt's failure.
func (m *Manager) GetCircuit(ctx context.Context, usage pathsel.Usage, isolation pathsel.Isolation) (*circuit.Circuit, error) {
	if err := usage.Validate(); err != nil {
		// Impossible requests fail immediately, without a retry budget.
		return nil, &BuildError{Reason: ReasonConfig, Hop: -1, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Request.Timeout)
	defer cancel()

	var attempts []error
	for attempt := 0; attempt < m.cfg.Request.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.Delay(m.cfg.Request.BaseDelay, m.cfg.Request.MaxDelay, m.cfg.Request.Jitter, attempt-1)
			select {
			case <-ctx.Done():
				return nil, m.requestDone(ctx, attempts)
			case <-m.HaltCh():
				return nil, ErrHalted
			case <-m.clk.After(delay):
			}
		}

		c, err := m.getOrBuild(ctx, usage, isolation)
		if err == nil {
			return c, nil
		}

		reason := Classify(err)
		if reason == ReasonCancelled {
			// Caller abandonment is not a failure to report upward.
			return nil, m.requestDone(ctx, attempts)
		}
		attempts = append(attempts, err)
		m.log.Debugf("Circuit request attempt %d failed (%v): %v", attempt+1, reason, err)

		if reason == ReasonNoPath {
			if !m.directoryChangedSince(err) {
				break
			}
		} else if !reason.Retryable() {
			break
		}
	}
	return nil, &AggregateError{Attempts: attempts}
}

// requestDone resolves a cancelled or deadline-exceeded request: a caller
// cancellation propagates as-is, while hitting the overall request deadline
// reports the attempts made so far.
func (m *Manager) requestDone(ctx context.Context, attempts []error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && len(attempts) > 0 {
		return &AggregateError{Attempts: attempts}
	}
	return ctx.Err()
}

// directoryChangedSince reports whether the directory has a newer snapshot
// than the one a NoPath failure was computed against.  NoPath is only worth
// retrying if it has.
func (m *Manager) directoryChangedSince(err error) bool {
	var be *BuildError
	if !errors.As(err, &be) || be.SnapshotVersion == 0 {
		return false
	}
	snap, derr := m.dir.CurrentSnapshot()
	if derr != nil {
		return false
	}
	return snap.Version() > be.SnapshotVersion
}

// getOrBuild matches the request against the pool, attaching to an
// in-flight identical build when one exists, and dispatching a new build
// otherwise.  Cancellation detaches this waiter only; the build itself
// keeps running since its circuit may still be pooled.
func (m *Manager) getOrBuild(ctx context.Context, usage pathsel.Usage, isolation pathsel.Isolation) (*circuit.Circuit, error) {
	c, pb, created := m.pool.attach(usage, isolation)
	if c != nil {
		return c, nil
	}
	if created {
		m.Go(func() { m.runBuild(pb, usage, isolation) })
	}

	select {
	case <-pb.done:
		return pb.circ, pb.err
	case <-ctx.Done():
		m.pool.detach(pb)
		return nil, ctx.Err()
	case <-m.HaltCh():
		m.pool.detach(pb)
		return nil, ErrHalted
	}
}

// runBuild performs one complete build attempt for a pending entry: fetch
// the snapshot, select a path, drive the hop-by-hop construction, then
// publish the result to the pool and every waiter.  It runs detached from
// any caller context and is cancelled only by Halt.
func (m *Manager) runBuild(pb *pendingBuild, usage pathsel.Usage, isolation pathsel.Isolation) {
	c, err := m.buildOnce(m.buildCtx, usage, isolation)

	if err == nil {
		buildsTotal.WithLabelValues("success").Inc()
		m.log.Debugf("Built circuit %v for %v.", c.ID(), usage.Key())
		m.emitEvent(&CircuitBuiltEvent{
			ID:        c.ID(),
			Usage:     usage.Key(),
			Isolation: isolation,
			Hops:      c.Hops(),
		})
	} else {
		buildsTotal.WithLabelValues(Classify(err).String()).Inc()
		m.log.Debugf("Circuit build for %v failed: %v", usage.Key(), err)
		m.emitEvent(&CircuitBuildFailedEvent{Usage: usage.Key(), Err: err})
	}

	waiters := m.pool.complete(pb, c, err)
	m.log.Debugf("Build for %v resolved, %d waiters notified.", usage.Key(), waiters)
}

// buildOnce is a single end-to-end build attempt.
func (m *Manager) buildOnce(ctx context.Context, usage pathsel.Usage, isolation pathsel.Isolation) (*circuit.Circuit, error) {
	snap, err := m.dir.CurrentSnapshot()
	if err != nil {
		return nil, &BuildError{Reason: ReasonNotReady, Hop: -1, Err: err}
	}

	path, err := m.builder.BuildPath(usage, isolation, snap)
	if err != nil {
		be := &BuildError{Reason: Classify(err), Hop: -1, Err: err, SnapshotVersion: snap.Version()}
		return nil, be
	}

	c, err := m.buildCircuit(ctx, path, usage, isolation)

	// Guard feedback: only the entry hop's reachability is the guard's to
	// answer for.
	if usage.NeedsGuard() && len(path) > 0 {
		before, _ := m.guards.Status(path[0].ID)
		if err == nil {
			if gerr := m.guards.NoteSuccess(path[0].ID); gerr != nil {
				m.log.Warningf("Failed to persist guard success: %v", gerr)
			}
		} else {
			var be *BuildError
			if errors.As(err, &be) && be.Hop == 0 && be.Reason != ReasonCancelled {
				if gerr := m.guards.NoteFailure(path[0].ID); gerr != nil {
					m.log.Warningf("Failed to persist guard failure: %v", gerr)
				}
			}
		}
		if after, ok := m.guards.Status(path[0].ID); ok &&
			(after.Confirmed != before.Confirmed || after.Unreachable != before.Unreachable) {
			m.emitEvent(&GuardStatusEvent{Status: after})
		}
	}

	if err != nil {
		return nil, err
	}
	m.builder.NotePathUsed(path, isolation)
	return c, nil
}

// AttachStream opens a stream to target over the circuit.  The circuit must
// have been obtained from GetCircuit and still be usable.
func (m *Manager) AttachStream(ctx context.Context, c *circuit.Circuit, target string) (channel.Stream, error) {
	if !c.TryAttach(m.clk.Now(), m.cfg.Pool.MaxStreamsPerCircuit) {
		return nil, ErrCircuitUnusable
	}

	raw := c.Raw()
	if raw == nil {
		c.Detach()
		return nil, ErrCircuitUnusable
	}

	s, err := raw.OpenStream(ctx, target)
	if err != nil {
		c.Detach()
		if Classify(err) == ReasonChannel {
			// Transport loss takes the whole circuit with it.
			m.CloseCircuit(c, err)
		}
		return nil, fmt.Errorf("circmgr: stream attach failed: %w", err)
	}

	streamsTotal.Inc()
	return &streamHandle{Stream: s, circ: c}, nil
}

// CloseCircuit tears a circuit down and removes it from the pool.
func (m *Manager) CloseCircuit(c *circuit.Circuit, cause error) {
	m.pool.remove(c.ID())
	c.Close()
	m.emitEvent(&CircuitClosedEvent{ID: c.ID(), Err: cause})
}

// streamHandle wraps a channel stream so closing it releases the circuit's
// stream slot.
type streamHandle struct {
	channel.Stream
	circ *circuit.Circuit
}

func (s *streamHandle) Close() error {
	err := s.Stream.Close()
	s.circ.Detach()
	return err
}

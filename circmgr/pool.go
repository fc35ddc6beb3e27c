// pool.go - Circuit pool and pending build table.
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
	"sync"

	"github.com/veilproject/veil/circuit"
	"github.com/veilproject/veil/pathsel"
)

// pendingKey identifies one in-flight build.  At most one build is in
// flight per key; concurrent identical requests attach to the same entry.
type pendingKey struct {
	usage     string
	isolation pathsel.Isolation
}

// pendingBuild is a build in flight plus its waiters.  The done channel is
// the one-shot broadcast: closed exactly once, after circ/err are set.
type pendingBuild struct {
	key  pendingKey
	done chan struct{}

	// Set before done is closed, immutable afterwards.
	circ *circuit.Circuit
	err  error

	waiters int
}

// pool owns the live circuit table and the pending build table.  Both are
// behind one mutex; no network I/O ever happens under it.
type pool struct {
	sync.Mutex

	circuits map[string]*circuit.Circuit
	pending  map[pendingKey]*pendingBuild

	maxStreams int
	halted     bool
}

func newPool(maxStreams int) *pool {
	return &pool{
		circuits:   make(map[string]*circuit.Circuit),
		pending:    make(map[pendingKey]*pendingBuild),
		maxStreams: maxStreams,
	}
}

func (p *pool) reuseLocked(usage pathsel.Usage, isolation pathsel.Isolation) *circuit.Circuit {
	for _, c := range p.circuits {
		if c.Reusable(usage, isolation, p.maxStreams) {
			return c
		}
	}
	return nil
}

// attach returns an existing circuit matching the request, or registers the
// caller on the pending build for the request's key, creating the entry if
// none exists.  The boolean is true if the caller created the entry and is
// responsible for dispatching the build.
func (p *pool) attach(usage pathsel.Usage, isolation pathsel.Isolation) (*circuit.Circuit, *pendingBuild, bool) {
	p.Lock()
	defer p.Unlock()

	if c := p.reuseLocked(usage, isolation); c != nil {
		return c, nil, false
	}

	key := pendingKey{usage: usage.Key(), isolation: isolation}
	if pb, ok := p.pending[key]; ok {
		pb.waiters++
		return nil, pb, false
	}

	pb := &pendingBuild{
		key:     key,
		done:    make(chan struct{}),
		waiters: 1,
	}
	p.pending[key] = pb
	return nil, pb, true
}

// detach drops one waiter from a pending build.  The build itself keeps
// running: its circuit is still useful to the pool even with no waiters.
func (p *pool) detach(pb *pendingBuild) {
	p.Lock()
	defer p.Unlock()
	if pb.waiters > 0 {
		pb.waiters--
	}
}

// complete resolves a pending build, publishes a successful circuit into
// the pool, and broadcasts to all waiters, returning how many waiters were
// notified.  A circuit arriving after drain is closed instead of pooled so
// shutdown never leaks a raw handle.
func (p *pool) complete(pb *pendingBuild, c *circuit.Circuit, err error) int {
	p.Lock()
	pb.circ = c
	pb.err = err
	delete(p.pending, pb.key)
	var stray *circuit.Circuit
	if c != nil {
		if p.halted {
			stray = c
			pb.circ = nil
			pb.err = ErrHalted
		} else {
			p.circuits[c.ID()] = c
		}
	}
	waiters := pb.waiters
	p.Unlock()

	if stray != nil {
		stray.Close()
	}
	close(pb.done)
	return waiters
}

// pendingFor returns true if a build is in flight for the key.
func (p *pool) pendingFor(usage pathsel.Usage, isolation pathsel.Isolation) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.pending[pendingKey{usage: usage.Key(), isolation: isolation}]
	return ok
}

// remove drops a circuit from the pool.
func (p *pool) remove(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.circuits, id)
}

// drain marks the pool halted and empties the circuit table, returning the
// removed circuits for the caller to close.  Builds completing after drain
// have their circuits closed by complete rather than pooled.
func (p *pool) drain() []*circuit.Circuit {
	p.Lock()
	defer p.Unlock()
	p.halted = true
	out := make([]*circuit.Circuit, 0, len(p.circuits))
	for _, c := range p.circuits {
		out = append(out, c)
	}
	p.circuits = make(map[string]*circuit.Circuit)
	return out
}

// list returns the current circuits, unordered.
func (p *pool) list() []*circuit.Circuit {
	p.Lock()
	defer p.Unlock()
	out := make([]*circuit.Circuit, 0, len(p.circuits))
	for _, c := range p.circuits {
		out = append(out, c)
	}
	return out
}

// countReusable returns how many circuits could serve the request.
func (p *pool) countReusable(usage pathsel.Usage, isolation pathsel.Isolation) int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for _, c := range p.circuits {
		if c.Reusable(usage, isolation, p.maxStreams) {
			n++
		}
	}
	return n
}

// channel.go - Relay channel interfaces.
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

// Package channel defines the interfaces consumed from the channel
// component: authenticated, multiplexed transport connections to individual
// relays, and the cell-layer circuit handles carried over them.  Connection
// establishment and the link handshake live behind these interfaces and are
// out of scope for the circuit manager.
package channel

import (
	"context"
	"fmt"
	"io"

	"github.com/veilproject/veil/netdir"
)

// Manager supplies channels to relays.  GetOrOpenChannel is idempotent per
// relay: concurrent calls for the same relay share one connection attempt.
type Manager interface {
	GetOrOpenChannel(ctx context.Context, relay *netdir.RelayInfo) (Channel, error)
}

// Channel is an authenticated, multiplexed transport connection to a relay.
type Channel interface {
	// Relay returns the identity of the remote relay.
	Relay() netdir.RelayID

	// CreateCircuit performs the first-hop circuit handshake over this
	// channel, producing a cell-layer circuit handle of length one.
	CreateCircuit(ctx context.Context) (RawCircuit, error)

	// Close tears down the channel and every circuit riding on it.
	Close() error
}

// RawCircuit is the cell-layer handle for a circuit carried on a channel.
// The circuit manager treats the extension and stream messages it carries
// as opaque request/response pairs.
type RawCircuit interface {
	// Extend extends the circuit by one hop, to target.
	Extend(ctx context.Context, target *netdir.RelayInfo) error

	// OpenStream opens a stream to target ("host:port") over the circuit.
	OpenStream(ctx context.Context, target string) (Stream, error)

	// Close destroys the circuit.
	Close() error
}

// Stream is an open stream carried over a circuit.
type Stream interface {
	io.ReadWriteCloser

	// Target returns the "host:port" the stream was opened to.
	Target() string
}

// RefusedError indicates the relay actively declined a create or extend
// request.
type RefusedError struct {
	Relay  netdir.RelayID
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("channel: relay %v refused request: %s", e.Relay, e.Reason)
}

// ProtocolError indicates the relay misbehaved at the protocol level, for
// example by returning a malformed or unverifiable handshake reply.
type ProtocolError struct {
	Relay  netdir.RelayID
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("channel: protocol violation from relay %v: %s", e.Relay, e.Reason)
}

// TransportError indicates the underlying transport to the relay failed.
type TransportError struct {
	Relay netdir.RelayID
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: transport failure to relay %v: %v", e.Relay, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

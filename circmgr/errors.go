// errors.go - Circuit build error taxonomy.
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
	"strings"

	"github.com/veilproject/veil/channel"
	"github.com/veilproject/veil/core/retry"
	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/netdir"
	"github.com/veilproject/veil/pathsel"
)

// Reason classifies why a circuit request or build attempt failed, and
// drives the retry policy.
type Reason int

const (
	// ReasonInternal is an unclassified failure.
	ReasonInternal Reason = iota

	// ReasonNotReady means directory or guard data is insufficient;
	// retryable after backoff.
	ReasonNotReady

	// ReasonNoPath means no relay set satisfies the constraints;
	// retryable only once the directory changes.
	ReasonNoPath

	// ReasonTimeout means a hop extension exceeded its deadline;
	// retryable with a new path.
	ReasonTimeout

	// ReasonRefused means a relay actively rejected a request; retryable
	// with a different relay.
	ReasonRefused

	// ReasonProtocol means a relay misbehaved at the protocol level;
	// retryable with a different relay.
	ReasonProtocol

	// ReasonChannel means transport-layer loss; retryable.
	ReasonChannel

	// ReasonCancelled means the caller abandoned the request.  Not a
	// failure to report upward.
	ReasonCancelled

	// ReasonConfig means the request itself can never be satisfied, for
	// example an impossible usage.  Never retried.
	ReasonConfig
)

func (r Reason) String() string {
	switch r {
	case ReasonNotReady:
		return "NotReady"
	case ReasonNoPath:
		return "NoPath"
	case ReasonTimeout:
		return "Timeout"
	case ReasonRefused:
		return "RelayRefused"
	case ReasonProtocol:
		return "ProtocolViolation"
	case ReasonChannel:
		return "ChannelFailure"
	case ReasonCancelled:
		return "Cancelled"
	case ReasonConfig:
		return "Configuration"
	default:
		return "Internal"
	}
}

// Retryable returns true if a failure with this reason may be retried with
// a fresh attempt.  NoPath is handled separately: it is only worth retrying
// once the directory snapshot has changed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonNotReady, ReasonTimeout, ReasonRefused, ReasonProtocol, ReasonChannel:
		return true
	default:
		return false
	}
}

// BuildError is a classified failure of one circuit build attempt.
type BuildError struct {
	Reason Reason

	// Hop is the 0-based hop position at which the build failed, -1 if
	// the failure preceded any hop extension.
	Hop int

	// Relay is the relay involved in the failure, zero if none.
	Relay netdir.RelayID

	// SnapshotVersion is the directory generation the failed attempt was
	// computed against, 0 if not applicable.  Used to decide whether a
	// NoPath failure is worth retrying.
	SnapshotVersion uint64

	Err error
}

func (e *BuildError) Error() string {
	if e.Hop >= 0 {
		return fmt.Sprintf("circmgr: %v at hop %d (relay %v): %v", e.Reason, e.Hop, e.Relay, e.Err)
	}
	return fmt.Sprintf("circmgr: %v: %v", e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Classify maps an error to its Reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonInternal
	}

	var be *BuildError
	if errors.As(err, &be) {
		return be.Reason
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, netdir.ErrNotReady), errors.Is(err, guard.ErrNotReady):
		return ReasonNotReady
	case errors.Is(err, pathsel.ErrNoPath):
		return ReasonNoPath
	}

	var refused *channel.RefusedError
	if errors.As(err, &refused) {
		return ReasonRefused
	}
	var proto *channel.ProtocolError
	if errors.As(err, &proto) {
		return ReasonProtocol
	}
	var transport *channel.TransportError
	if errors.As(err, &transport) {
		return ReasonChannel
	}

	if retry.IsTransientError(err) {
		return ReasonChannel
	}
	return ReasonInternal
}

// AggregateError is the terminal outcome of a circuit request whose retry
// budget was exhausted.  Every attempt's failure is preserved so systemic
// and transient causes remain distinguishable.
type AggregateError struct {
	Attempts []error
}

func (e *AggregateError) Error() string {
	if len(e.Attempts) == 1 {
		return fmt.Sprintf("circmgr: request failed: %v", e.Attempts[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "circmgr: request failed after %d attempts:", len(e.Attempts))
	for i, err := range e.Attempts {
		fmt.Fprintf(&b, "\n  attempt %d: %v", i+1, err)
	}
	return b.String()
}

// Unwrap exposes the per-attempt errors for errors.Is/As matching.
func (e *AggregateError) Unwrap() []error {
	return e.Attempts
}

// rand.go - Cryptographically secure math/rand source.
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

// Package rand provides a math/rand interface backed by the system entropy
// pool.  Relay and guard sampling draw from this: path selection is an
// anonymity-critical choice and must not be predictable from a seed.
package rand

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

type randSource struct{}

func (randSource) Int63() int64 {
	return int64(randSource{}.Uint64() >> 1)
}

func (randSource) Uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// A failed read from the system entropy pool is not recoverable.
		panic("rand: failed to read entropy: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Seed is a no-op, the underlying source cannot be reseeded.
func (randSource) Seed(int64) {}

// NewMath returns a math/rand.Rand backed by the system entropy pool.  The
// returned Rand is NOT safe for concurrent use, matching math/rand.New.
func NewMath() *mrand.Rand {
	return mrand.New(randSource{})
}

// persist.go - Generic durable key-value persistence.
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

// Package persist provides the durable key-value store used for client
// state that must survive restarts, such as guard records and the circuit
// timeout model.
package persist

import "sync"

// Store is a durable key-value store.  Put is write-through: when it
// returns, the value is durable.  Load returns (nil, nil) for an absent
// key; consumers treat missing or corrupt values as absent and fall back
// to defaults rather than failing.
type Store interface {
	// Load returns the value for key, or (nil, nil) if the key is absent.
	Load(key string) ([]byte, error)

	// Put durably stores value under key.
	Put(key string, value []byte) error

	// Close releases the store.
	Close() error
}

// MemStore is an in-memory Store for tests and ephemeral configurations.
type MemStore struct {
	sync.Mutex
	m map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemStore) Load(key string) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements Store.
func (s *MemStore) Put(key string, value []byte) error {
	s.Lock()
	defer s.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.m[key] = v
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}

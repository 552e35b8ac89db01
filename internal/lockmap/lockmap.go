// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package lockmap provides per-key mutual exclusion.
//
// Map keeps one mutex per locked key and drops it when the last holder or
// waiter leaves. Striped maps keys onto a fixed set of mutexes by hash.
// Locking key A never blocks key B beyond the short critical section that
// guards the table itself (or, for Striped, a hash collision).
package lockmap

import (
	"sync"

	"github.com/dgryski/go-farm"
)

type entry struct {
	mutex sync.Mutex
	ref   int
}

// Map is an exact-keyed lock table. The zero value is ready to use.
type Map[K comparable] struct {
	mutex   sync.Mutex
	entries map[K]*entry
}

// Lock blocks until k is held by the caller and returns its unlock function.
func (m *Map[K]) Lock(k K) (unlock func()) {
	m.mutex.Lock()
	if m.entries == nil {
		m.entries = make(map[K]*entry)
	}
	e := m.entries[k]
	if e == nil {
		e = new(entry)
		m.entries[k] = e
	}
	e.ref++
	m.mutex.Unlock()

	e.mutex.Lock()
	return func() {
		e.mutex.Unlock()
		m.mutex.Lock()
		if e.ref--; e.ref == 0 {
			delete(m.entries, k)
		}
		m.mutex.Unlock()
	}
}

// Len returns the number of keys currently locked or waited on.
func (m *Map[K]) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// Striped is a fixed array of read-write mutexes selected by farm hash of
// the key bytes.
type Striped struct {
	stripes []sync.RWMutex
}

// NewStriped returns a Striped with n stripes, at least one.
func NewStriped(n int) *Striped {
	return &Striped{stripes: make([]sync.RWMutex, max(n, 1))}
}

func (s *Striped) stripe(key []byte) *sync.RWMutex {
	return &s.stripes[farm.Hash64(key)%uint64(len(s.stripes))]
}

// Lock blocks until the stripe of key is held and returns its unlock function.
func (s *Striped) Lock(key []byte) (unlock func()) {
	mutex := s.stripe(key)
	mutex.Lock()
	return mutex.Unlock
}

// RLock holds the stripe of key shared with other readers.
func (s *Striped) RLock(key []byte) (unlock func()) {
	mutex := s.stripe(key)
	mutex.RLock()
	return mutex.RUnlock
}

// Stripes returns the number of stripes.
func (s *Striped) Stripes() int {
	return len(s.stripes)
}

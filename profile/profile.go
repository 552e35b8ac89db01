// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package profile maps application keys to records of a block file.
//
// A MemIndexProfileMap keeps every key in memory, ordered, next to the
// first block of its record. Inserts and removals are appended to an index
// file that is replayed when the map is loaded. Profiles are stored as the
// last access time followed by the caller's bytes.
package profile

import (
	"errors"
	"time"

	"github.com/dacapoday/plainstore"
)

type BlockIndex = plainstore.BlockIndex

var (
	ErrClosed          = plainstore.ErrClosed
	ErrReadOnly        = plainstore.ErrReadOnly
	ErrBadIndexEntry   = plainstore.ErrBadIndexEntry
	ErrOutOfRange      = plainstore.ErrOutOfRange
	ErrCorruptedRecord = plainstore.ErrCorruptedRecord
	ErrLoadInterrupted = plainstore.ErrLoadInterrupted

	ErrNotStarted  = errors.New("profile group not started")
	ErrStarted     = errors.New("profile group already started")
	ErrMapExists   = errors.New("profile map already attached")
	ErrInvalidName = errors.New("invalid profile map name")
)

// ProfileMap is the key to profile surface of the store.
type ProfileMap[K any] interface {
	// CheckProfile reports whether key has a profile.
	CheckProfile(key K) bool

	// GetProfile returns a copy of the profile of key and the time it was
	// last saved. ok is false when key has no profile.
	GetProfile(key K) (buf []byte, lastAccess time.Time, ok bool, err error)

	// SaveProfile creates or replaces the profile of key.
	SaveProfile(key K, buf []byte, now time.Time, priority OperationPriority) error

	// RemoveProfile destroys the profile of key and reports whether it existed.
	RemoveProfile(key K, priority OperationPriority) (bool, error)

	// Size returns the number of profiles.
	Size() int

	// AreaSize returns the bytes used by the backing block file.
	AreaSize() int64

	// CopyKeys returns every key in order.
	CopyKeys() []K

	// NextKey returns the smallest key greater than *key, or the first key
	// when key is nil.
	NextKey(key *K) (K, bool)
}

// OperationPriority is a scheduling hint passed through to a Scheduler.
type OperationPriority int

const (
	OpRuntime OperationPriority = iota
	OpBackground
)

func (p OperationPriority) String() string {
	switch p {
	case OpRuntime:
		return "runtime"
	case OpBackground:
		return "background"
	}
	return "unknown"
}

// Scheduler observes every save and remove with its priority. Begin may
// block to throttle the caller.
type Scheduler interface {
	Begin(priority OperationPriority)
	End(priority OperationPriority)
}

// InterruptCallback decides what happens to a key whose index entry or
// record is found damaged while a map is loaded. Returning true drops the
// key and continues, false aborts the load with ErrLoadInterrupted.
// index is zero when the entry itself was torn.
type InterruptCallback[K any] interface {
	CorruptedRecord(m ProfileMap[K], key K, index BlockIndex) bool
}

// InterruptFunc adapts a function to InterruptCallback.
type InterruptFunc[K any] func(m ProfileMap[K], key K, index BlockIndex) bool

func (f InterruptFunc[K]) CorruptedRecord(m ProfileMap[K], key K, index BlockIndex) bool {
	return f(m, key, index)
}

// LoadingProgress follows the replay of index files.
type LoadingProgress interface {
	// PostProgress reports the replayed fraction of one index file, 0 to 1.
	PostProgress(done float64)

	// LoadingFinished is called once the map is loaded.
	LoadingFinished()
}

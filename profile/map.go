// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huandu/skiplist"

	"github.com/dacapoday/plainstore/internal/bitset"
	"github.com/dacapoday/plainstore/internal/lockmap"
	"github.com/dacapoday/plainstore/record"
)

// slot is the value of a key: the first block of its record and the time
// the key was inserted.
type slot struct {
	index    BlockIndex
	inserted int64
}

const (
	accessField   = 8
	progressEvery = 4096
)

// MemIndexProfileMap is a ProfileMap with all keys in memory.
//
// The key container is a skiplist guarded by an RWMutex. Saves and removes
// of one key are serialized by a striped lock, so at most one record is
// ever created per key.
type MemIndexProfileMap[K any] struct {
	name      string
	codec     KeyCodec[K]
	group     *Group
	owned     bool
	records   *record.Layer
	layer     io.Closer
	index     *indexFile
	locks     *lockmap.Striped
	scheduler Scheduler
	logger    *slog.Logger

	mutex  sync.RWMutex
	keys   *skiplist.SkipList
	closed atomic.Bool
}

func newMap[K any](name string, codec KeyCodec[K], opt Options) *MemIndexProfileMap[K] {
	return &MemIndexProfileMap[K]{
		name:      name,
		codec:     codec,
		locks:     lockmap.NewStriped(opt.LockStripes),
		scheduler: opt.Scheduler,
		logger:    opt.Logger.With("map", name),
		keys:      skiplist.New(keyOrder[K]{codec}),
	}
}

// Name returns the name the map was attached with.
func (m *MemIndexProfileMap[K]) Name() string {
	return m.name
}

func (m *MemIndexProfileMap[K]) lookup(key K) (s slot, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if elem := m.keys.Get(key); elem != nil {
		return elem.Value.(slot), true
	}
	return
}

func (m *MemIndexProfileMap[K]) CheckProfile(key K) bool {
	_, ok := m.lookup(key)
	return ok
}

// testHookLookup runs between the key lookup and the record read of
// GetProfile.
var testHookLookup = func() {}

func (m *MemIndexProfileMap[K]) GetProfile(key K) (buf []byte, lastAccess time.Time, ok bool, err error) {
	if m.closed.Load() {
		err = ErrClosed
		return
	}

	// the shared stripe keeps the record of key from being freed and
	// reused by another key during the read
	unlock := m.locks.RLock(m.codec.Append(nil, key))
	defer unlock()

	s, ok := m.lookup(key)
	if !ok {
		return
	}
	testHookLookup()

	data, err := m.read(s.index)
	if err != nil {
		err = fmt.Errorf("profile.GetProfile(%v): %w", key, err)
		ok = false
		return
	}
	if len(data) < accessField {
		err = fmt.Errorf("profile.GetProfile(%v): %w: record(%d) of %d bytes", key, ErrCorruptedRecord, s.index, len(data))
		ok = false
		return
	}
	lastAccess = time.Unix(0, int64(binary.LittleEndian.Uint64(data)))
	buf = data[accessField:]
	return
}

func (m *MemIndexProfileMap[K]) read(index BlockIndex) ([]byte, error) {
	r, err := m.records.Open(index)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	return r.Bytes()
}

func (m *MemIndexProfileMap[K]) begin(priority OperationPriority) (end func(), err error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if !m.group.started.Load() {
		return nil, ErrNotStarted
	}
	if m.scheduler == nil {
		return func() {}, nil
	}
	m.scheduler.Begin(priority)
	return func() { m.scheduler.End(priority) }, nil
}

// encode returns the index form of key. Longer keys could not be replayed.
func (m *MemIndexProfileMap[K]) encode(key K) ([]byte, error) {
	b := m.codec.Append(nil, key)
	if len(b) > maxKeyBytes {
		return nil, fmt.Errorf("%w: key of %d bytes, at most %d", ErrOutOfRange, len(b), maxKeyBytes)
	}
	return b, nil
}

func (m *MemIndexProfileMap[K]) SaveProfile(key K, buf []byte, now time.Time, priority OperationPriority) error {
	keyBytes, err := m.encode(key)
	if err != nil {
		return fmt.Errorf("profile.SaveProfile: %w", err)
	}
	end, err := m.begin(priority)
	if err != nil {
		return err
	}
	defer end()

	unlock := m.locks.Lock(keyBytes)
	defer unlock()

	payload := make([]byte, accessField+len(buf))
	binary.LittleEndian.PutUint64(payload, uint64(now.UnixNano()))
	copy(payload[accessField:], buf)

	if s, ok := m.lookup(key); ok {
		r, err := m.records.Open(s.index)
		if err != nil {
			return fmt.Errorf("profile.SaveProfile(%v): %w", key, err)
		}
		defer r.Release()
		if err = r.Replace(payload); err != nil {
			return fmt.Errorf("profile.SaveProfile(%v): %w", key, err)
		}
		return nil
	}

	r, err := m.records.Create()
	if err != nil {
		return fmt.Errorf("profile.SaveProfile(%v): %w", key, err)
	}
	defer r.Release()
	index := r.Index()

	// the record is complete before the index refers to it, a crash in
	// between leaves blocks that are reclaimed on the next load
	if err = r.Replace(payload); err == nil {
		err = m.index.append(entry{key: keyBytes, inserted: now.UnixNano(), index: index})
	}
	if err != nil {
		m.records.Free(index)
		return fmt.Errorf("profile.SaveProfile(%v): %w", key, err)
	}

	m.mutex.Lock()
	m.keys.Set(key, slot{index: index, inserted: now.UnixNano()})
	m.mutex.Unlock()
	return nil
}

func (m *MemIndexProfileMap[K]) RemoveProfile(key K, priority OperationPriority) (bool, error) {
	keyBytes, err := m.encode(key)
	if err != nil {
		return false, fmt.Errorf("profile.RemoveProfile: %w", err)
	}
	end, err := m.begin(priority)
	if err != nil {
		return false, err
	}
	defer end()

	unlock := m.locks.Lock(keyBytes)
	defer unlock()

	s, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	if err = m.index.append(entry{key: keyBytes}); err != nil {
		return false, fmt.Errorf("profile.RemoveProfile(%v): %w", key, err)
	}

	m.mutex.Lock()
	m.keys.Remove(key)
	m.mutex.Unlock()

	// the tombstone is durable before the blocks can go to another key
	if err = m.index.Sync(); err != nil {
		m.logger.Warn("index sync failed, record left to the next load", "key", key, "index", s.index, "error", err)
		return true, fmt.Errorf("profile.RemoveProfile(%v): %w", key, err)
	}
	if err = m.records.Free(s.index); err != nil {
		if errors.Is(err, ErrCorruptedRecord) {
			// the key is gone, its blocks come back with the next load
			m.logger.Warn("removed key with damaged record", "key", key, "index", s.index, "error", err)
			return true, nil
		}
		return true, fmt.Errorf("profile.RemoveProfile(%v): %w", key, err)
	}
	return true, nil
}

func (m *MemIndexProfileMap[K]) Size() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.keys.Len()
}

func (m *MemIndexProfileMap[K]) AreaSize() int64 {
	return m.records.AreaSize()
}

func (m *MemIndexProfileMap[K]) CopyKeys() []K {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]K, 0, m.keys.Len())
	for elem := m.keys.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Key().(K))
	}
	return keys
}

func (m *MemIndexProfileMap[K]) NextKey(key *K) (next K, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var elem *skiplist.Element
	if key == nil {
		elem = m.keys.Front()
	} else if elem = m.keys.Find(*key); elem != nil && m.codec.Compare(elem.Key().(K), *key) == 0 {
		elem = elem.Next()
	}
	if elem == nil {
		return
	}
	return elem.Key().(K), true
}

// Sync commits the index file.
func (m *MemIndexProfileMap[K]) Sync() error {
	return m.index.Sync()
}

// Close closes the index file and drops the cached blocks of the map.
// A map returned by Open closes its block file as well.
func (m *MemIndexProfileMap[K]) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	err := m.index.Close()
	if e := m.layer.Close(); err == nil {
		err = e
	}
	m.group.detach(m.name)
	if m.owned {
		if e := m.group.Close(); err == nil {
			err = e
		}
	}
	return err
}

// load replays the index file and checks every record it refers to,
// claiming the blocks of each record in live. It runs before the map is
// shared.
func (m *MemIndexProfileMap[K]) load(interrupt InterruptCallback[K], live *bitset.Bitset, progress LoadingProgress) error {
	data, err := m.index.load()
	if err != nil {
		return err
	}
	end, err := m.replay(data, interrupt, progress)
	if err != nil {
		return err
	}
	if end < len(data) {
		if err = m.index.truncate(int64(end)); err != nil {
			return err
		}
	}
	if err = m.validate(interrupt, live); err != nil {
		return err
	}
	m.logger.Info("profile map loaded", "keys", m.keys.Len(), "index_bytes", m.index.Size())
	if progress != nil {
		progress.LoadingFinished()
	}
	return nil
}

// replay applies the entries of data and returns the length of the
// undamaged prefix to keep.
//
// A damaged entry inside the file is framed by its length and skipped,
// its key is handed to interrupt and dropped. A damaged tail is cut off;
// its key, when readable, is handed to interrupt and keeps its earlier
// state.
func (m *MemIndexProfileMap[K]) replay(data []byte, interrupt InterruptCallback[K], progress LoadingProgress) (end int, err error) {
	var entries, dropped int
	for end < len(data) {
		e, n, derr := decodeEntry(data[end:])

		var key K
		kerr := errTornEntry
		if e.key != nil {
			key, kerr = m.codec.Decode(e.key)
		}

		if derr == nil {
			if kerr != nil {
				m.logger.Warn("skipping index entry with foreign key", "offset", end, "error", kerr)
				end += n
				continue
			}
			m.apply(key, e)
			end += n
			if entries++; progress != nil && entries%progressEvery == 0 {
				progress.PostProgress(float64(end) / float64(len(data)))
			}
			continue
		}

		if n == 0 || end+n == len(data) {
			m.logger.Warn("truncating damaged index tail", "offset", end, "bytes", len(data)-end, "error", derr)
			if kerr == nil && !m.interrupted(interrupt, key, 0) {
				err = fmt.Errorf("profile: %s: %w: %w", m.name, ErrLoadInterrupted, derr)
				return
			}
			break
		}

		if kerr == nil {
			if !m.interrupted(interrupt, key, e.index) {
				err = fmt.Errorf("profile: %s: %w: %w", m.name, ErrLoadInterrupted, derr)
				return
			}
			m.keys.Remove(key)
			dropped++
		}
		m.logger.Warn("dropping damaged index entry", "offset", end, "error", derr)
		end += n
	}
	if progress != nil {
		progress.PostProgress(1)
	}
	m.logger.Debug("index replayed", "entries", entries, "dropped", dropped, "bytes", end)
	return
}

func (m *MemIndexProfileMap[K]) apply(key K, e entry) {
	if e.index == 0 {
		m.keys.Remove(key)
		return
	}
	m.keys.Set(key, slot{index: e.index, inserted: e.inserted})
}

func (m *MemIndexProfileMap[K]) interrupted(interrupt InterruptCallback[K], key K, index BlockIndex) (proceed bool) {
	if interrupt == nil {
		return true
	}
	return interrupt.CorruptedRecord(m, key, index)
}

// validate checks the record of every key. Records must not share blocks
// with each other, across all maps claiming blocks in live.
func (m *MemIndexProfileMap[K]) validate(interrupt InterruptCallback[K], live *bitset.Bitset) error {
	var drop []K
	for elem := m.keys.Front(); elem != nil; elem = elem.Next() {
		key, s := elem.Key().(K), elem.Value.(slot)

		var chain []BlockIndex
		err := m.records.Check(s.index, func(index BlockIndex) error {
			chain = append(chain, index)
			return nil
		})
		if err == nil {
			err = claim(live, chain)
		}
		if err == nil {
			continue
		}

		if !m.interrupted(interrupt, key, s.index) {
			return fmt.Errorf("profile: %s: key %v: %w: %w", m.name, key, ErrLoadInterrupted, err)
		}
		m.logger.Warn("dropping key with damaged record", "key", key, "index", s.index, "error", err)
		drop = append(drop, key)
	}

	for _, key := range drop {
		m.keys.Remove(key)
		if err := m.index.append(entry{key: m.codec.Append(nil, key)}); err != nil {
			return err
		}
	}
	if len(drop) == 0 {
		return nil
	}
	// Start hands the dropped blocks out again
	return m.index.Sync()
}

func claim(live *bitset.Bitset, chain []BlockIndex) error {
	for _, index := range chain {
		if live.IsSet(int64(index)) {
			return fmt.Errorf("%w: block(%d) belongs to another record", ErrCorruptedRecord, index)
		}
	}
	for _, index := range chain {
		live.Set(int64(index))
	}
	return nil
}

var _ ProfileMap[string] = (*MemIndexProfileMap[string])(nil)

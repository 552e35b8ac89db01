// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/huandu/skiplist"

	"github.com/dacapoday/plainstore/block"
	"github.com/dacapoday/plainstore/cache"
	"github.com/dacapoday/plainstore/raf"
	"github.com/dacapoday/plainstore/record"
)

// View is a read-only snapshot of one map, for inspection tools.
//
// The index is replayed without repairs: damaged entries are skipped and
// nothing is written back. A View holds shared locks, so it cannot be
// opened while a writer holds the files.
type View[K any] struct {
	codec  KeyCodec[K]
	blocks block.Layer[*raf.File]
	reads  *cache.ReadLayer
	keys   *skiplist.SkipList
}

// OpenView opens the map name of the group in dir read-only.
func OpenView[K any](dir, name string, codec KeyCodec[K], opt Options) (v *View[K], err error) {
	opt = opt.withDefaults()
	index, err := openIndexFile(filepath.Join(dir, name+indexSuffix), opt.fileOptions(true))
	if err != nil {
		return nil, fmt.Errorf("profile.OpenView: %w", err)
	}
	defer index.Close()

	file, err := raf.Open(filepath.Join(dir, blockFileName), opt.fileOptions(true))
	if err != nil {
		return nil, fmt.Errorf("profile.OpenView: %w", err)
	}
	v = &View[K]{codec: codec, keys: skiplist.New(keyOrder[K]{codec})}
	if err = v.blocks.Load(file, blockOption{readOnly: true}); err != nil {
		file.Close()
		return nil, fmt.Errorf("profile.OpenView: %w", err)
	}
	if v.reads, err = cache.NewReadLayer(&v.blocks, opt.CacheBlocks); err != nil {
		v.blocks.Close()
		return nil, fmt.Errorf("profile.OpenView: %w", err)
	}

	data, err := index.load()
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("profile.OpenView: %w", err)
	}
	skipped := 0
	for off := 0; off < len(data); {
		e, n, err := decodeEntry(data[off:])
		if n == 0 {
			break
		}
		off += n
		key, kerr := codec.Decode(e.key)
		if err != nil || kerr != nil {
			skipped++
			continue
		}
		if e.index == 0 {
			v.keys.Remove(key)
		} else {
			v.keys.Set(key, slot{index: e.index, inserted: e.inserted})
		}
	}
	if skipped > 0 {
		opt.Logger.Warn("skipped damaged index entries", "map", name, "entries", skipped)
	}
	return v, nil
}

// Keys returns every key in order.
func (v *View[K]) Keys() []K {
	keys := make([]K, 0, v.keys.Len())
	for elem := v.keys.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Key().(K))
	}
	return keys
}

// Get returns the profile of key as GetProfile does.
func (v *View[K]) Get(key K) (buf []byte, lastAccess time.Time, ok bool, err error) {
	elem := v.keys.Get(key)
	if elem == nil {
		return
	}
	s := elem.Value.(slot)
	data, err := record.Read(v.reads, s.index)
	if err != nil {
		err = fmt.Errorf("profile.View.Get(%v): %w", key, err)
		return
	}
	if len(data) < accessField {
		err = fmt.Errorf("profile.View.Get(%v): %w: record(%d) of %d bytes", key, ErrCorruptedRecord, s.index, len(data))
		return
	}
	return data[accessField:], time.Unix(0, int64(binary.LittleEndian.Uint64(data))), true, nil
}

// Inserted returns the time key was first saved.
func (v *View[K]) Inserted(key K) (time.Time, bool) {
	elem := v.keys.Get(key)
	if elem == nil {
		return time.Time{}, false
	}
	return time.Unix(0, elem.Value.(slot).inserted), true
}

func (v *View[K]) Size() int {
	return v.keys.Len()
}

func (v *View[K]) AreaSize() int64 {
	return v.blocks.AreaSize()
}

// BlockSize returns the block size the file was created with.
func (v *View[K]) BlockSize() int {
	return v.blocks.BlockSize()
}

func (v *View[K]) Close() error {
	if v.reads != nil {
		v.reads.Purge()
	}
	return v.blocks.Close()
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"sync"

	"github.com/dacapoday/plainstore"
	"github.com/dacapoday/plainstore/block"
	"github.com/dacapoday/plainstore/internal/lockmap"
)

// Layer presents records over a block layer.
//
// At most one Record exists in memory per first block index: the opened
// table hands out references to it, and a per-index lock makes sure only
// one goroutine maps a chain that is not open yet.
type Layer struct {
	next   plainstore.WriteLayer
	alloc  *block.SizeAllocator
	geo    geometry
	mutex  sync.RWMutex
	opened map[BlockIndex]*Record
	locks  lockmap.Map[BlockIndex]
}

// Load binds the layer to next, allocating blocks with alloc.
// Blocks of next carry alloc.PageSize() payload bytes.
func (l *Layer) Load(next plainstore.WriteLayer, alloc *block.SizeAllocator) error {
	if next == nil || alloc == nil {
		return fmt.Errorf("record.Layer.Load: %w", ErrNoLayer)
	}
	if alloc.PageSize() <= headerSize {
		return fmt.Errorf("record.Layer.Load: %w: payload %d", ErrInvalidBlockSize, alloc.PageSize())
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.next = next
	l.alloc = alloc
	l.geo = geometry{pageSize: alloc.PageSize()}
	l.opened = make(map[BlockIndex]*Record)
	return nil
}

// Allocate creates an empty record. The caller owns one reference.
func (l *Layer) Allocate() (allocated plainstore.AllocatedBlock, err error) {
	r, err := l.Create()
	if err != nil {
		return
	}
	allocated = plainstore.AllocatedBlock{Index: r.index, Block: r}
	return
}

// Create allocates an empty, open record. The caller owns one reference.
func (l *Layer) Create() (*Record, error) {
	blocks, err := l.alloc.AllocateN(1)
	if err != nil {
		return nil, fmt.Errorf("record.Layer.Create: %w", err)
	}
	first := blocks[0]
	_, err = first.Block.WriteAt(make([]byte, headerSize), 0)
	first.Block.Release()
	if err != nil {
		l.alloc.Free(first.Index)
		return nil, fmt.Errorf("record.Layer.Create: %w", err)
	}

	r := l.newRecord(first.Index, chain{indexes: []BlockIndex{first.Index}, geometry: l.geo})
	unlock := l.locks.Lock(first.Index)
	l.mutex.Lock()
	l.opened[first.Index] = r
	l.mutex.Unlock()
	unlock()
	return r, nil
}

func (l *Layer) ReadBlock(index BlockIndex) (plainstore.ReadBlock, error) {
	return l.WriteBlock(index)
}

func (l *Layer) WriteBlock(index BlockIndex) (plainstore.WriteBlock, error) {
	r, err := l.Open(index)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Open returns the record starting at index with a reference for the
// caller, mapping its chain if it is not open yet.
func (l *Layer) Open(index BlockIndex) (*Record, error) {
	if r := l.lookup(index); r != nil {
		return r, nil
	}

	unlock := l.locks.Lock(index)
	defer unlock()

	if r := l.lookup(index); r != nil {
		return r, nil
	}
	c, err := walk(l.next, index, nil)
	if err != nil {
		return nil, fmt.Errorf("record.Layer.Open(%d): %w", index, err)
	}

	r := l.newRecord(index, c)
	l.mutex.Lock()
	l.opened[index] = r
	l.mutex.Unlock()
	return r, nil
}

func (l *Layer) lookup(index BlockIndex) *Record {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	r := l.opened[index]
	if r != nil {
		r.ref.Add(1)
	}
	return r
}

func (l *Layer) newRecord(index BlockIndex, c chain) *Record {
	r := &Record{layer: l, index: index, size: c.size, indexes: c.indexes}
	r.ref.Store(1)
	return r
}

// release drops a reference and closes the record with the last one.
// Decrements happen under the table lock, so lookup never revives a
// record on its way out.
func (l *Layer) release(r *Record) {
	l.mutex.Lock()
	if r.ref.Add(-1) == 0 && l.opened[r.index] == r {
		delete(l.opened, r.index)
	}
	l.mutex.Unlock()
}

// Free destroys the record starting at index and frees its whole chain.
// An open record is marked removed: every later operation on it fails with
// ErrClosed, while Release keeps working.
func (l *Layer) Free(index BlockIndex) error {
	unlock := l.locks.Lock(index)
	defer unlock()

	l.mutex.Lock()
	r := l.opened[index]
	delete(l.opened, index)
	l.mutex.Unlock()

	var indexes []BlockIndex
	if r != nil {
		indexes = r.remove()
	} else {
		c, err := walk(l.next, index, nil)
		if err != nil {
			return fmt.Errorf("record.Layer.Free(%d): %w", index, err)
		}
		indexes = c.indexes
	}
	if err := l.free(indexes); err != nil {
		return fmt.Errorf("record.Layer.Free(%d): %w", index, err)
	}
	return nil
}

func (l *Layer) free(indexes []BlockIndex) (err error) {
	for _, index := range indexes {
		if e := l.alloc.Free(index); e != nil && err == nil {
			err = e
		}
	}
	return
}

// Check walks the chain starting at index, see the package level Check.
func (l *Layer) Check(index BlockIndex, fn func(BlockIndex) error) error {
	return Check(l.next, index, fn)
}

func (l *Layer) AreaSize() int64 {
	return l.next.AreaSize()
}

// Opened returns the number of records held in memory.
func (l *Layer) Opened() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.opened)
}

// PageSize returns the payload bytes of one underlying block.
func (l *Layer) PageSize() int {
	return l.geo.pageSize
}

var (
	_ plainstore.WriteAllocateLayer = (*Layer)(nil)
	_ plainstore.WriteBlock         = (*Record)(nil)
)

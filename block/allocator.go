// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"
	"sync"

	"github.com/dacapoday/plainstore"
	"github.com/dacapoday/plainstore/internal/bitset"
)

// Allocator hands out blocks of a Layer, reusing freed blocks before
// growing the file.
//
// The free list lives in memory only. After a restart it is rebuilt with
// Reclaim from the set of blocks reachable from the key index.
type Allocator[F File] struct {
	layer *Layer[F]
	mutex sync.Mutex
	free  []BlockIndex
	freed *bitset.Bitset
}

// NewAllocator returns an allocator over layer with an empty free list.
func NewAllocator[F File](layer *Layer[F]) *Allocator[F] {
	return &Allocator[F]{
		layer: layer,
		freed: bitset.New(int64(layer.BlockCount())),
	}
}

// Allocate returns a zeroed, not yet written block.
// The caller owns the returned handle's reference.
func (alloc *Allocator[F]) Allocate() (block plainstore.AllocatedBlock, err error) {
	if err = alloc.layer.Error(); err != nil {
		err = fmt.Errorf("%w: %w", ErrAllocateFailed, err)
		return
	}

	alloc.mutex.Lock()
	index := alloc.pop()
	alloc.mutex.Unlock()

	if index == 0 {
		if index, err = alloc.layer.extend(); err != nil {
			err = fmt.Errorf("%w: %w", ErrAllocateFailed, err)
			return
		}
	}

	block.Index = index
	block.Block = alloc.layer.fresh(index)
	return
}

func (alloc *Allocator[F]) pop() (index BlockIndex) {
	n := len(alloc.free)
	if n == 0 {
		return
	}
	index = alloc.free[n-1]
	alloc.free = alloc.free[:n-1]
	alloc.freed.Clear(int64(index))
	return
}

// Free returns index to the free list.
// Freeing a free block is a programming error and is ignored.
func (alloc *Allocator[F]) Free(index BlockIndex) error {
	assertBlockIndex("block.Allocator.Free", index)
	if index == 0 || index >= alloc.layer.BlockCount() {
		return fmt.Errorf("block.Allocator.Free(%d): %w", index, ErrOutOfRange)
	}

	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	alloc.freed.Grow(int64(alloc.layer.BlockCount()))
	if alloc.freed.TestAndSet(int64(index)) {
		assertDoubleFree("block.Allocator.Free", index)
		return nil
	}
	alloc.free = append(alloc.free, index)
	return nil
}

// Reclaim puts every block that is neither live nor already free onto the
// free list and returns how many were added.
func (alloc *Allocator[F]) Reclaim(live *bitset.Bitset) (reclaimed int) {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	count := alloc.layer.BlockCount()
	alloc.freed.Grow(int64(count))
	for index := BlockIndex(1); index < count; index++ {
		if live.IsSet(int64(index)) {
			continue
		}
		if alloc.freed.TestAndSet(int64(index)) {
			continue
		}
		alloc.free = append(alloc.free, index)
		reclaimed++
	}
	return
}

// FreeCount returns the length of the free list.
func (alloc *Allocator[F]) FreeCount() int {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()
	return len(alloc.free)
}

// IsFree reports whether index is on the free list.
func (alloc *Allocator[F]) IsFree(index BlockIndex) bool {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()
	return alloc.freed.IsSet(int64(index))
}

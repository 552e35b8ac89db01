// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dacapoday/plainstore"
	"github.com/dacapoday/plainstore/internal/lockmap"
)

type order[O comparable] struct {
	owner O
	index BlockIndex
	block plainstore.WriteBlock
}

// WriteBlockCache is an LRU of write handles keyed by (owner, index).
//
// All owners share one recency order and one bound, but CleanOwner drops a
// single owner's entries without touching the others. One mutex guards the
// owner maps and the order list; the list length always equals the sum of
// the owner map sizes.
type WriteBlockCache[O comparable] struct {
	max    int
	mutex  sync.Mutex
	owners map[O]map[BlockIndex]*list.Element
	order  list.List
}

// NewWriteBlockCache returns a cache holding at most maxBlockCount handles.
func NewWriteBlockCache[O comparable](maxBlockCount int) *WriteBlockCache[O] {
	return &WriteBlockCache[O]{
		max:    max(maxBlockCount, 1),
		owners: make(map[O]map[BlockIndex]*list.Element),
	}
}

// Get returns the cached handle with a reference for the caller and marks
// it most recently used.
func (c *WriteBlockCache[O]) Get(owner O, index BlockIndex) (block plainstore.WriteBlock, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.owners[owner][index]
	if !ok {
		return
	}
	c.order.MoveToBack(elem)
	block = elem.Value.(*order[O]).block
	block.Acquire()
	return
}

// Insert caches block for (owner, index) with its own reference.
// An existing entry is kept and only refreshed.
// When the bound is exceeded the globally least recently used entry is
// removed and returned; the caller owns its reference and must release it.
func (c *WriteBlockCache[O]) Insert(owner O, index BlockIndex, block plainstore.WriteBlock) (evicted plainstore.WriteBlock) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	blocks := c.owners[owner]
	if blocks == nil {
		blocks = make(map[BlockIndex]*list.Element)
		c.owners[owner] = blocks
	}

	if elem, ok := blocks[index]; ok {
		c.order.MoveToBack(elem)
		return
	}

	block.Acquire()
	blocks[index] = c.order.PushBack(&order[O]{owner: owner, index: index, block: block})

	if c.order.Len() > c.max {
		evicted = c.erase(c.order.Front())
	}
	return
}

// Erase removes (owner, index) and releases the cached reference.
func (c *WriteBlockCache[O]) Erase(owner O, index BlockIndex) bool {
	c.mutex.Lock()
	elem, ok := c.owners[owner][index]
	var block plainstore.WriteBlock
	if ok {
		block = c.erase(elem)
	}
	c.mutex.Unlock()

	if block != nil {
		block.Release()
	}
	return ok
}

func (c *WriteBlockCache[O]) erase(elem *list.Element) plainstore.WriteBlock {
	o := c.order.Remove(elem).(*order[O])
	blocks := c.owners[o.owner]
	delete(blocks, o.index)
	if len(blocks) == 0 {
		delete(c.owners, o.owner)
	}
	return o.block
}

// CleanOwner drops every entry of owner and returns how many were dropped.
func (c *WriteBlockCache[O]) CleanOwner(owner O) int {
	c.mutex.Lock()
	blocks := c.owners[owner]
	delete(c.owners, owner)
	released := make([]plainstore.WriteBlock, 0, len(blocks))
	for _, elem := range blocks {
		released = append(released, c.order.Remove(elem).(*order[O]).block)
	}
	c.mutex.Unlock()

	for _, block := range released {
		block.Release()
	}
	return len(released)
}

// Len returns the number of cached handles of all owners.
func (c *WriteBlockCache[O]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.order.Len()
}

// OwnerLen returns the number of cached handles of owner.
func (c *WriteBlockCache[O]) OwnerLen(owner O) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.owners[owner])
}

// OwnerLayer is one owner's view of a shared WriteBlockCache over a shared
// next layer and allocator.
type OwnerLayer[O comparable] struct {
	next  plainstore.WriteLayer
	alloc plainstore.Allocator
	cache *WriteBlockCache[O]
	owner O
	locks lockmap.Map[BlockIndex]
}

// NewOwnerLayer returns the view of owner.
func NewOwnerLayer[O comparable](next plainstore.WriteLayer, alloc plainstore.Allocator, cache *WriteBlockCache[O], owner O) (*OwnerLayer[O], error) {
	if next == nil || alloc == nil || cache == nil {
		return nil, fmt.Errorf("cache.NewOwnerLayer: %w", ErrNoLayer)
	}
	return &OwnerLayer[O]{next: next, alloc: alloc, cache: cache, owner: owner}, nil
}

// Owner returns the owner key of the layer.
func (l *OwnerLayer[O]) Owner() O {
	return l.owner
}

func (l *OwnerLayer[O]) ReadBlock(index BlockIndex) (plainstore.ReadBlock, error) {
	return l.WriteBlock(index)
}

func (l *OwnerLayer[O]) WriteBlock(index BlockIndex) (plainstore.WriteBlock, error) {
	unlock := l.locks.Lock(index)
	defer unlock()

	if block, ok := l.cache.Get(l.owner, index); ok {
		return block, nil
	}

	block, err := l.next.WriteBlock(index)
	if err != nil {
		return nil, err
	}
	l.insert(index, block)
	return block, nil
}

func (l *OwnerLayer[O]) insert(index BlockIndex, block plainstore.WriteBlock) {
	if evicted := l.cache.Insert(l.owner, index, block); evicted != nil {
		evicted.Release()
	}
}

func (l *OwnerLayer[O]) Allocate() (block plainstore.AllocatedBlock, err error) {
	if block, err = l.alloc.Allocate(); err != nil {
		return
	}
	unlock := l.locks.Lock(block.Index)
	l.cache.Erase(l.owner, block.Index)
	l.insert(block.Index, block.Block)
	unlock()
	return
}

func (l *OwnerLayer[O]) Free(index BlockIndex) error {
	unlock := l.locks.Lock(index)
	l.cache.Erase(l.owner, index)
	unlock()
	return l.alloc.Free(index)
}

func (l *OwnerLayer[O]) AreaSize() int64 {
	return l.next.AreaSize()
}

// Close drops the owner's cached handles.
func (l *OwnerLayer[O]) Close() error {
	l.cache.CleanOwner(l.owner)
	return nil
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cache keeps recently used block handles open.
//
// ReadLayer and WriteLayer wrap a next layer with a bounded LRU table keyed
// by block index. WriteBlockCache is an LRU shared by several owners, each
// of which can be dropped on its own; OwnerLayer puts one owner's view of
// it behind the layer contract.
//
// Evicting a handle only drops the cache's reference. A handle that is
// still held elsewhere stays valid.
package cache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dacapoday/plainstore"
)

type BlockIndex = plainstore.BlockIndex

var (
	ErrNoLayer = plainstore.ErrNoLayer
)

func release[B plainstore.ReadBlock](_ BlockIndex, block B) {
	block.Release()
}

// ReadLayer caches read handles of the next layer.
type ReadLayer struct {
	next  plainstore.ReadLayer
	mutex sync.Mutex
	table *simplelru.LRU[BlockIndex, plainstore.ReadBlock]
}

// NewReadLayer caches up to size read handles of next.
func NewReadLayer(next plainstore.ReadLayer, size int) (*ReadLayer, error) {
	if next == nil {
		return nil, fmt.Errorf("cache.NewReadLayer: %w", ErrNoLayer)
	}
	table, err := simplelru.NewLRU[BlockIndex, plainstore.ReadBlock](max(size, 1), release[plainstore.ReadBlock])
	if err != nil {
		return nil, fmt.Errorf("cache.NewReadLayer: %w", err)
	}
	return &ReadLayer{next: next, table: table}, nil
}

// ReadBlock returns the cached handle of index, loading it on a miss.
func (c *ReadLayer) ReadBlock(index BlockIndex) (plainstore.ReadBlock, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if block, ok := c.table.Get(index); ok {
		block.Acquire()
		return block, nil
	}

	block, err := c.next.ReadBlock(index)
	if err != nil {
		return nil, err
	}
	block.Acquire()
	c.table.Add(index, block)
	return block, nil
}

func (c *ReadLayer) AreaSize() int64 {
	return c.next.AreaSize()
}

// Len returns the number of cached handles.
func (c *ReadLayer) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.table.Len()
}

// Purge drops every cached handle.
func (c *ReadLayer) Purge() {
	c.mutex.Lock()
	c.table.Purge()
	c.mutex.Unlock()
}

// WriteLayer caches write handles of the next layer. Blocks allocated
// through it enter the cache immediately.
//
// The next layer writes through, so an evicted handle needs no flush.
type WriteLayer struct {
	next  plainstore.WriteLayer
	alloc plainstore.Allocator
	mutex sync.Mutex
	table *simplelru.LRU[BlockIndex, plainstore.WriteBlock]
}

// NewWriteLayer caches up to size write handles of next, allocating with alloc.
func NewWriteLayer(next plainstore.WriteLayer, alloc plainstore.Allocator, size int) (*WriteLayer, error) {
	if next == nil || alloc == nil {
		return nil, fmt.Errorf("cache.NewWriteLayer: %w", ErrNoLayer)
	}
	table, err := simplelru.NewLRU[BlockIndex, plainstore.WriteBlock](max(size, 1), release[plainstore.WriteBlock])
	if err != nil {
		return nil, fmt.Errorf("cache.NewWriteLayer: %w", err)
	}
	return &WriteLayer{next: next, alloc: alloc, table: table}, nil
}

func (c *WriteLayer) ReadBlock(index BlockIndex) (plainstore.ReadBlock, error) {
	return c.WriteBlock(index)
}

// WriteBlock returns the cached handle of index, loading it on a miss.
// Misses load under the cache lock, so one index never has two handles.
func (c *WriteLayer) WriteBlock(index BlockIndex) (plainstore.WriteBlock, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if block, ok := c.table.Get(index); ok {
		block.Acquire()
		return block, nil
	}

	block, err := c.next.WriteBlock(index)
	if err != nil {
		return nil, err
	}
	block.Acquire()
	c.table.Add(index, block)
	return block, nil
}

// Allocate allocates from the allocator and caches the new block.
func (c *WriteLayer) Allocate() (block plainstore.AllocatedBlock, err error) {
	if block, err = c.alloc.Allocate(); err != nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.table.Remove(block.Index)
	block.Block.Acquire()
	c.table.Add(block.Index, block.Block)
	return
}

// Free drops the cached handle of index and frees the block.
func (c *WriteLayer) Free(index BlockIndex) error {
	c.mutex.Lock()
	c.table.Remove(index)
	c.mutex.Unlock()
	return c.alloc.Free(index)
}

func (c *WriteLayer) AreaSize() int64 {
	return c.next.AreaSize()
}

// Len returns the number of cached handles.
func (c *WriteLayer) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.table.Len()
}

// Purge drops every cached handle.
func (c *WriteLayer) Purge() {
	c.mutex.Lock()
	c.table.Purge()
	c.mutex.Unlock()
}

var (
	_ plainstore.ReadLayer          = (*ReadLayer)(nil)
	_ plainstore.WriteAllocateLayer = (*WriteLayer)(nil)
	_ plainstore.WriteAllocateLayer = (*OwnerLayer[string])(nil)
)

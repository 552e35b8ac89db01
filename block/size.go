// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"

	"github.com/dacapoday/plainstore"
)

// SizeAllocator adapts an Allocator to logical sizes: a request is
// rounded up to whole blocks of pageSize payload bytes.
type SizeAllocator struct {
	alloc    plainstore.Allocator
	pageSize int
}

// NewSizeAllocator wraps alloc, whose blocks carry pageSize payload bytes.
func NewSizeAllocator(alloc plainstore.Allocator, pageSize int) *SizeAllocator {
	if pageSize <= 0 {
		panic(fmt.Sprintf("block.NewSizeAllocator: page size %d", pageSize))
	}
	return &SizeAllocator{alloc: alloc, pageSize: pageSize}
}

// PageSize returns the payload bytes of one block.
func (a *SizeAllocator) PageSize() int {
	return a.pageSize
}

// Blocks returns how many blocks hold size bytes, at least one.
func (a *SizeAllocator) Blocks(size int) int {
	return max(1, (size+a.pageSize-1)/a.pageSize)
}

func (a *SizeAllocator) Allocate() (plainstore.AllocatedBlock, error) {
	return a.alloc.Allocate()
}

func (a *SizeAllocator) Free(index BlockIndex) error {
	return a.alloc.Free(index)
}

// AllocateN allocates n blocks or none: on failure the blocks obtained so
// far are released and freed again.
func (a *SizeAllocator) AllocateN(n int) (blocks []plainstore.AllocatedBlock, err error) {
	blocks = make([]plainstore.AllocatedBlock, 0, n)
	for range n {
		var block plainstore.AllocatedBlock
		if block, err = a.alloc.Allocate(); err != nil {
			for _, b := range blocks {
				b.Block.Release()
				a.alloc.Free(b.Index)
			}
			blocks = nil
			return
		}
		blocks = append(blocks, block)
	}
	return
}

// AllocateSize allocates the blocks needed for size payload bytes.
func (a *SizeAllocator) AllocateSize(size int) ([]plainstore.AllocatedBlock, error) {
	return a.AllocateN(a.Blocks(size))
}

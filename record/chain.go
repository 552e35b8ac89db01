// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package record chains fixed-size blocks into variable-length records.
//
// The first block of a record starts with the total size of the record
// and the index of the next block, continuation blocks start with the next
// index only:
//
//	first:        total_size u64 | next u32 | data
//	continuation: next u32 | data
//
// A next index of zero ends the chain. All integers are little endian.
package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dacapoday/plainstore"
)

type BlockIndex = plainstore.BlockIndex

var (
	ErrClosed           = plainstore.ErrClosed
	ErrNoLayer          = plainstore.ErrNoLayer
	ErrOutOfRange       = plainstore.ErrOutOfRange
	ErrCorruptedRecord  = plainstore.ErrCorruptedRecord
	ErrInvalidBlockSize = plainstore.ErrInvalidBlockSize
)

const (
	sizeField  = 8
	linkField  = 4
	headerSize = sizeField + linkField
)

// geometry maps logical record offsets onto chain positions.
type geometry struct {
	pageSize int
}

func (g geometry) first() int64 {
	return int64(g.pageSize - headerSize)
}

func (g geometry) rest() int64 {
	return int64(g.pageSize - linkField)
}

// capacity returns the data bytes held by a chain of n blocks.
func (g geometry) capacity(n int) int64 {
	if n == 0 {
		return 0
	}
	return g.first() + int64(n-1)*g.rest()
}

// blocks returns the chain length needed for size data bytes, at least one.
func (g geometry) blocks(size int64) int {
	if size <= g.first() {
		return 1
	}
	return 1 + int((size-g.first()+g.rest()-1)/g.rest())
}

// locate returns the chain position of off and its offset in the block payload.
func (g geometry) locate(off int64) (pos int, inner int64) {
	if off < g.first() {
		return 0, headerSize + off
	}
	off -= g.first()
	return 1 + int(off/g.rest()), linkField + off%g.rest()
}

// linkOffset returns where the next index lives in the block at pos.
func linkOffset(pos int) int64 {
	if pos == 0 {
		return sizeField
	}
	return 0
}

func readLink(block plainstore.ReadBlock, pos int) (next BlockIndex, err error) {
	var buf [linkField]byte
	if _, err = block.ReadAt(buf[:], linkOffset(pos)); err != nil {
		return
	}
	next = binary.LittleEndian.Uint32(buf[:])
	return
}

func readSize(block plainstore.ReadBlock) (size int64, err error) {
	var buf [sizeField]byte
	if _, err = block.ReadAt(buf[:], 0); err != nil {
		return
	}
	total := binary.LittleEndian.Uint64(buf[:])
	if total > math.MaxInt64 {
		err = fmt.Errorf("%w: block(%d) size %d", ErrCorruptedRecord, block.Index(), total)
		return
	}
	size = int64(total)
	return
}

func writeLink(block plainstore.WriteBlock, pos int, next BlockIndex) error {
	var buf [linkField]byte
	binary.LittleEndian.PutUint32(buf[:], next)
	_, err := block.WriteAt(buf[:], linkOffset(pos))
	return err
}

func writeSize(block plainstore.WriteBlock, size int64) error {
	var buf [sizeField]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	_, err := block.WriteAt(buf[:], 0)
	return err
}

// chain is the result of walking a record on disk.
type chain struct {
	size    int64
	indexes []BlockIndex
	geometry
}

// visitFunc sees every block of a chain while its handle is held.
type visitFunc func(pos int, size int64, block plainstore.ReadBlock) error

// walk follows the chain starting at index.
//
// Blocks linked beyond the committed size are part of the chain: they are
// left behind by an interrupted grow or shrink and are reused or freed by
// the next resize. A chain too short for its size or a cycle is reported as
// ErrCorruptedRecord.
func walk(next plainstore.ReadLayer, index BlockIndex, visit visitFunc) (c chain, err error) {
	seen := make(map[BlockIndex]struct{})
	for pos := 0; index != 0; pos++ {
		if _, ok := seen[index]; ok {
			err = fmt.Errorf("%w: block(%d) links back into its chain", ErrCorruptedRecord, index)
			return
		}
		seen[index] = struct{}{}

		var block plainstore.ReadBlock
		if block, err = next.ReadBlock(index); err != nil {
			return
		}
		index, err = walkBlock(&c, pos, block, visit)
		block.Release()
		if err != nil {
			return
		}
	}
	if len(c.indexes) == 0 {
		err = fmt.Errorf("%w: empty chain", ErrCorruptedRecord)
		return
	}
	if n := c.capacity(len(c.indexes)); n < c.size {
		err = fmt.Errorf("%w: chain of block(%d) holds %d of %d bytes", ErrCorruptedRecord, c.indexes[0], n, c.size)
	}
	return
}

func walkBlock(c *chain, pos int, block plainstore.ReadBlock, visit visitFunc) (next BlockIndex, err error) {
	if pos == 0 {
		c.pageSize = block.Size()
		if c.pageSize <= headerSize {
			err = fmt.Errorf("%w: block(%d) payload %d", ErrInvalidBlockSize, block.Index(), c.pageSize)
			return
		}
		if c.size, err = readSize(block); err != nil {
			return
		}
	}
	if next, err = readLink(block, pos); err != nil {
		return
	}
	c.indexes = append(c.indexes, block.Index())
	if visit != nil {
		err = visit(pos, c.size, block)
	}
	return
}

// Check walks the chain starting at index without opening it and calls fn
// with every block index of the chain, spare blocks included.
func Check(next plainstore.ReadLayer, index BlockIndex, fn func(BlockIndex) error) error {
	c, err := walk(next, index, nil)
	if err != nil {
		return fmt.Errorf("record.Check(%d): %w", index, err)
	}
	if fn == nil {
		return nil
	}
	for _, index := range c.indexes {
		if err = fn(index); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the bytes of the record starting at index. It reads through
// any ReadLayer, so it serves read-only inspection where no allocator is
// available.
func Read(next plainstore.ReadLayer, index BlockIndex) (data []byte, err error) {
	var geo geometry
	_, err = walk(next, index, func(pos int, size int64, block plainstore.ReadBlock) error {
		if pos == 0 {
			geo.pageSize = block.Size()
			data = make([]byte, 0, min(size, 1<<20))
		}
		remain := size - int64(len(data))
		if remain <= 0 {
			return nil
		}
		start := int64(linkField)
		if pos == 0 {
			start = headerSize
		}
		n := min(remain, int64(geo.pageSize)-start)
		buf := make([]byte, n)
		if _, err := block.ReadAt(buf, start); err != nil && err != io.EOF {
			return err
		}
		data = append(data, buf...)
		return nil
	})
	if err != nil {
		data = nil
		err = fmt.Errorf("record.Read(%d): %w", index, err)
	}
	return
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/plainstore"
)

// Record is the in-memory view of one open record.
//
// Readers share the record, writers hold it exclusively for the whole
// operation, so a reader sees either all of a write or none of it.
// Block writes are durable as they happen; closing a record only removes
// it from the opened table.
type Record struct {
	layer   *Layer
	index   BlockIndex
	ref     atomic.Int32
	rw      sync.RWMutex
	size    int64
	indexes []BlockIndex
	removed bool
}

func (r *Record) Index() BlockIndex {
	return r.index
}

// Size returns the committed size of the record.
func (r *Record) Size() int {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return int(r.size)
}

// Blocks returns the block indexes of the chain, spare blocks included.
func (r *Record) Blocks() []BlockIndex {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return append([]BlockIndex(nil), r.indexes...)
}

func (r *Record) Acquire() {
	r.ref.Add(1)
}

func (r *Record) Release() {
	r.layer.release(r)
}

func (r *Record) ReadAt(p []byte, off int64) (n int, err error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if r.removed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("record(%d) read at %d: %w", r.index, off, ErrOutOfRange)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	n = int(min(int64(len(p)), r.size-off))
	if err = r.read(p[:n], off); err != nil {
		return 0, err
	}
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Bytes returns a copy of the whole record.
func (r *Record) Bytes() ([]byte, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if r.removed {
		return nil, ErrClosed
	}
	buf := make([]byte, r.size)
	if err := r.read(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteAt writes p at off, growing the record as needed. A gap between the
// old size and off reads as zeros.
func (r *Record) WriteAt(p []byte, off int64) (n int, err error) {
	r.rw.Lock()
	defer r.rw.Unlock()
	if r.removed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("record(%d) write at %d: %w", r.index, off, ErrOutOfRange)
	}
	end := off + int64(len(p))
	if err = r.reserve(end); err != nil {
		return
	}
	if off > r.size {
		if err = r.zero(r.size, off); err != nil {
			return
		}
	}
	if err = r.write(p, off); err != nil {
		return
	}
	if end > r.size {
		if err = r.setSize(end); err != nil {
			return
		}
	}
	n = len(p)
	return
}

// Resize changes the committed size, freeing blocks no longer needed.
func (r *Record) Resize(size int) error {
	r.rw.Lock()
	defer r.rw.Unlock()
	if r.removed {
		return ErrClosed
	}
	if size < 0 {
		return fmt.Errorf("record(%d) resize %d: %w", r.index, size, ErrOutOfRange)
	}
	n := int64(size)
	if n > r.size {
		if err := r.reserve(n); err != nil {
			return err
		}
		if err := r.zero(r.size, n); err != nil {
			return err
		}
	}
	if n != r.size {
		if err := r.setSize(n); err != nil {
			return err
		}
	}
	return r.trim(r.layer.geo.blocks(n))
}

// Replace makes p the whole content of the record under one exclusive
// hold.
func (r *Record) Replace(p []byte) error {
	r.rw.Lock()
	defer r.rw.Unlock()
	if r.removed {
		return ErrClosed
	}
	n := int64(len(p))
	if err := r.reserve(n); err != nil {
		return err
	}
	if err := r.write(p, 0); err != nil {
		return err
	}
	if n != r.size {
		if err := r.setSize(n); err != nil {
			return err
		}
	}
	return r.trim(r.layer.geo.blocks(n))
}

func (r *Record) remove() []BlockIndex {
	r.rw.Lock()
	defer r.rw.Unlock()
	r.removed = true
	indexes := r.indexes
	r.indexes = nil
	r.size = 0
	return indexes
}

func (r *Record) read(p []byte, off int64) error {
	geo := r.layer.geo
	for len(p) > 0 {
		pos, inner := geo.locate(off)
		block, err := r.layer.next.ReadBlock(r.indexes[pos])
		if err != nil {
			return err
		}
		k := min(len(p), geo.pageSize-int(inner))
		_, err = block.ReadAt(p[:k], inner)
		block.Release()
		if err != nil {
			return err
		}
		p = p[k:]
		off += int64(k)
	}
	return nil
}

func (r *Record) write(p []byte, off int64) error {
	geo := r.layer.geo
	for len(p) > 0 {
		pos, inner := geo.locate(off)
		block, err := r.layer.next.WriteBlock(r.indexes[pos])
		if err != nil {
			return err
		}
		k := min(len(p), geo.pageSize-int(inner))
		_, err = block.WriteAt(p[:k], inner)
		block.Release()
		if err != nil {
			return err
		}
		p = p[k:]
		off += int64(k)
	}
	return nil
}

func (r *Record) zero(from, to int64) error {
	if from >= to {
		return nil
	}
	buf := make([]byte, min(to-from, int64(r.layer.geo.pageSize)))
	for from < to {
		k := min(to-from, int64(len(buf)))
		if err := r.write(buf[:k], from); err != nil {
			return err
		}
		from += k
	}
	return nil
}

func (r *Record) setSize(size int64) error {
	first, err := r.layer.next.WriteBlock(r.index)
	if err != nil {
		return err
	}
	err = writeSize(first, size)
	first.Release()
	if err != nil {
		return err
	}
	r.size = size
	return nil
}

// reserve grows the chain to hold size bytes.
//
// New blocks are terminated and linked among themselves first, then the
// old tail links to them. The size header is updated by the caller after
// the data is written, so an interrupted grow leaves a valid chain of the
// old size with spare blocks behind it.
func (r *Record) reserve(size int64) error {
	need := r.layer.geo.blocks(size)
	if need <= len(r.indexes) {
		return nil
	}

	blocks, err := r.layer.alloc.AllocateN(need - len(r.indexes))
	if err != nil {
		return fmt.Errorf("record(%d) grow to %d: %w", r.index, size, err)
	}
	defer func() {
		for _, b := range blocks {
			b.Block.Release()
		}
		if err != nil {
			for _, b := range blocks {
				r.layer.alloc.Free(b.Index)
			}
		}
	}()

	for i := len(blocks) - 1; i >= 0; i-- {
		var next BlockIndex
		if i+1 < len(blocks) {
			next = blocks[i+1].Index
		}
		if err = writeLink(blocks[i].Block, 1, next); err != nil {
			return err
		}
	}

	last := len(r.indexes) - 1
	var tail plainstore.WriteBlock
	if tail, err = r.layer.next.WriteBlock(r.indexes[last]); err != nil {
		return err
	}
	err = writeLink(tail, last, blocks[0].Index)
	tail.Release()
	if err != nil {
		return err
	}

	for _, b := range blocks {
		r.indexes = append(r.indexes, b.Index)
	}
	return nil
}

// trim cuts the chain after need blocks and frees the rest. The size
// header must already be committed.
func (r *Record) trim(need int) error {
	if len(r.indexes) <= need {
		return nil
	}
	tail, err := r.layer.next.WriteBlock(r.indexes[need-1])
	if err != nil {
		return err
	}
	err = writeLink(tail, need-1, 0)
	tail.Release()
	if err != nil {
		return err
	}

	spare := append([]BlockIndex(nil), r.indexes[need:]...)
	r.indexes = r.indexes[:need]
	return r.layer.free(spare)
}

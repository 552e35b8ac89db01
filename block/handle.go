// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// handle is one in-memory copy of a block, shared by reference count.
// The buffer goes back to the layer pool with the last reference.
type handle[F File] struct {
	layer  *Layer[F]
	index  BlockIndex
	buffer []byte
	ro     bool
	ref    atomic.Int32
	rw     sync.RWMutex
}

func (h *handle[F]) Index() BlockIndex {
	return h.index
}

func (h *handle[F]) Size() int {
	return h.layer.PageSize()
}

func (h *handle[F]) Acquire() {
	h.ref.Add(1)
}

func (h *handle[F]) Release() {
	ref := h.ref.Add(-1)
	assertReleased("block.handle.Release", h.index, ref)
	if ref != 0 {
		return
	}
	h.rw.Lock()
	buffer := h.buffer
	h.buffer = nil
	h.rw.Unlock()
	if buffer != nil {
		h.layer.pool.Put(buffer)
	}
}

func (h *handle[F]) ReadAt(p []byte, off int64) (n int, err error) {
	h.rw.RLock()
	defer h.rw.RUnlock()
	if h.buffer == nil {
		return 0, ErrClosed
	}
	size := int64(len(h.buffer) - checksumSize)
	if off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= size {
		return 0, io.EOF
	}
	n = copy(p, h.buffer[off:size])
	if n < len(p) {
		err = io.EOF
	}
	return
}

func (h *handle[F]) WriteAt(p []byte, off int64) (n int, err error) {
	if h.ro {
		return 0, ErrReadOnly
	}
	h.rw.Lock()
	defer h.rw.Unlock()
	if h.buffer == nil {
		return 0, ErrClosed
	}
	size := int64(len(h.buffer) - checksumSize)
	if off < 0 || off+int64(len(p)) > size {
		return 0, fmt.Errorf("block(%d) write [%d,%d): %w", h.index, off, off+int64(len(p)), ErrOutOfRange)
	}
	copy(h.buffer[off:], p)
	if err = h.layer.writeBlock(h.index, h.buffer); err != nil {
		return
	}
	n = len(p)
	return
}

// Resize accepts any size within the fixed payload capacity.
func (h *handle[F]) Resize(size int) error {
	if h.ro {
		return ErrReadOnly
	}
	if size < 0 || size > h.Size() {
		return fmt.Errorf("block(%d) resize %d: %w", h.index, size, ErrOutOfRange)
	}
	return nil
}

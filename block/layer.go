// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/plainstore"
)

// Layer is the file-backed base block layer.
//
// Handles returned by ReadBlock and WriteBlock are independent copies of the
// block; coherence between handles of the same index is the job of the
// layers above. Every WriteAt on a handle rewrites the whole block.
type Layer[F File] struct {
	pool  sync.Pool
	file  F
	size  int64
	limit uint32
	count atomic.Uint32
	magic [4]byte

	phase atomic.Pointer[phase]
	mutex sync.Mutex
}

type phase struct{ error }

var readwrite = &phase{errors.New("readwrite")}
var readonly = &phase{errors.New("readonly")}

// File returns the underlying file.
func (layer *Layer[F]) File() F {
	return layer.file
}

// Load opens the layer on file, initializing an empty file with a header.
func (layer *Layer[F]) Load(file F, opt Option) (err error) {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	if layer.phase.Load() != nil {
		panic("block.Layer.Load: already open")
	}

	blockSize := DefaultBlockSize
	if o, ok := opt.(BlockSize); ok && o.BlockSize() != 0 {
		blockSize = o.BlockSize()
	}
	if !validBlockSize(blockSize) {
		return fmt.Errorf("block.Layer.Load: %w %d", ErrInvalidBlockSize, blockSize)
	}

	fileSize, err := sizeOf(file)
	if err != nil {
		return fmt.Errorf("block.Layer.Load: %w", err)
	}

	if fileSize == 0 {
		if opt.ReadOnly() {
			return fmt.Errorf("block.Layer.Load: %w", ErrFileEmpty)
		}
		if err = initHeader(file, opt.MagicCode(), blockSize); err != nil {
			return fmt.Errorf("block.Layer.Load: init header: %w", err)
		}
		fileSize = int64(blockSize)
	} else if blockSize, err = loadHeader(file, opt.MagicCode()); err != nil {
		return fmt.Errorf("block.Layer.Load: %w", err)
	}

	// a torn grow leaves a partial block behind, it is never addressed
	count := fileSize / int64(blockSize)
	if count > math.MaxUint32 {
		return fmt.Errorf("block.Layer.Load: %w: %d blocks", ErrOutOfRange, count)
	}

	layer.file = file
	layer.magic = opt.MagicCode()
	layer.size = int64(blockSize)
	layer.limit = uint32(count)
	layer.count.Store(uint32(count))
	layer.pool.New = func() any { return make([]byte, blockSize) }

	if opt.ReadOnly() {
		layer.phase.Store(readonly)
	} else {
		layer.phase.Store(readwrite)
	}
	return
}

func sizeOf(file any) (int64, error) {
	switch f := file.(type) {
	case interface{ Size() int64 }:
		return f.Size(), nil
	case interface{ Stat() (os.FileInfo, error) }:
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	return 0, fmt.Errorf("file size: %w", ErrUnsupported)
}

// header: magic(4) version(2) reserved(2) blockSize(4) crc(4)
func initHeader(file File, magic [4]byte, blockSize int) (err error) {
	buffer := make([]byte, blockSize)
	copy(buffer, magic[:])
	binary.LittleEndian.PutUint32(buffer[8:], uint32(blockSize))
	binary.LittleEndian.PutUint32(buffer[12:], checksum(buffer[:12]))
	if _, err = file.WriteAt(buffer, 0); err != nil {
		return
	}
	return file.Sync()
}

func loadHeader(file File, magic [4]byte) (blockSize int, err error) {
	var head [headerSize]byte
	if _, err = file.ReadAt(head[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("header: %w", ErrFileTruncated)
		}
		return
	}
	if [4]byte(head[:4]) != magic {
		err = fmt.Errorf("%w %v", ErrUnknownMagicCode, head[:4])
		return
	}
	if binary.LittleEndian.Uint32(head[12:]) != checksum(head[:12]) {
		err = fmt.Errorf("header has %w", ErrBadChecksum)
		return
	}
	if version := binary.LittleEndian.Uint16(head[4:]); version != 0 {
		err = fmt.Errorf("header version %d: %w", version, ErrUnsupported)
		return
	}
	blockSize = int(binary.LittleEndian.Uint32(head[8:]))
	if !validBlockSize(blockSize) {
		err = fmt.Errorf("header: %w %d", ErrInvalidBlockSize, blockSize)
	}
	return
}

// Close closes the underlying file. It is a no-op on a closed layer.
func (layer *Layer[F]) Close() error {
	if layer.phase.Swap(nil) == nil {
		return nil
	}

	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	layer.pool.New = nil
	layer.size = 0
	layer.limit = 0
	layer.count.Store(0)
	err := layer.file.Close()
	var nilFile F
	layer.file = nilFile
	return err
}

// Sync commits the file to stable storage.
func (layer *Layer[F]) Sync() error {
	if err := layer.Error(); err != nil && err != ErrReadOnly {
		return err
	}
	return layer.file.Sync()
}

// Error returns the sticky error of the layer, nil while it is writable.
func (layer *Layer[F]) Error() (err error) {
	phase := layer.phase.Load()
	switch phase {
	case readwrite:
		return
	case readonly:
		return ErrReadOnly
	case nil:
		return ErrClosed
	}
	return phase.error
}

func (layer *Layer[F]) readable() error {
	if phase := layer.phase.Load(); phase != readwrite && phase != readonly {
		if phase == nil {
			return ErrClosed
		}
		return phase.error
	}
	return nil
}

// BlockSize returns the size of a block on disk.
func (layer *Layer[F]) BlockSize() int {
	return int(layer.size)
}

// PageSize returns the payload capacity of a block.
func (layer *Layer[F]) PageSize() int {
	return int(layer.size) - checksumSize
}

// BlockCount returns the number of addressable blocks, header included.
func (layer *Layer[F]) BlockCount() uint32 {
	return layer.count.Load()
}

// AreaSize returns the bytes covered by addressable blocks.
func (layer *Layer[F]) AreaSize() int64 {
	return int64(layer.count.Load()) * layer.size
}

// ReadBlock loads block index and verifies its checksum.
func (layer *Layer[F]) ReadBlock(index BlockIndex) (plainstore.ReadBlock, error) {
	h, err := layer.load(index, true)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WriteBlock loads block index for writing.
func (layer *Layer[F]) WriteBlock(index BlockIndex) (plainstore.WriteBlock, error) {
	if err := layer.Error(); err != nil {
		return nil, err
	}
	h, err := layer.load(index, false)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (layer *Layer[F]) load(index BlockIndex, ro bool) (h *handle[F], err error) {
	if err = layer.readable(); err != nil {
		return
	}
	if index == 0 || index >= layer.count.Load() {
		err = fmt.Errorf("%w: block(%d) %w", ErrCorruptedRecord, index, ErrOutOfRange)
		return
	}

	buffer := layer.pool.Get().([]byte)
	if _, err = layer.file.ReadAt(buffer, int64(index)*layer.size); err != nil {
		layer.pool.Put(buffer)
		err = fmt.Errorf("read block(%d) failed: %w", index, err)
		return
	}

	payload := len(buffer) - checksumSize
	if binary.LittleEndian.Uint32(buffer[payload:]) != checksum(buffer[:payload]) {
		layer.pool.Put(buffer)
		err = fmt.Errorf("%w: block(%d) has %w", ErrCorruptedRecord, index, ErrBadChecksum)
		return
	}

	h = layer.handle(index, buffer, ro)
	return
}

// fresh returns a zeroed, not yet written handle for a new block.
func (layer *Layer[F]) fresh(index BlockIndex) *handle[F] {
	buffer := layer.pool.Get().([]byte)
	clear(buffer)
	return layer.handle(index, buffer, false)
}

func (layer *Layer[F]) handle(index BlockIndex, buffer []byte, ro bool) *handle[F] {
	h := &handle[F]{layer: layer, index: index, buffer: buffer, ro: ro}
	h.ref.Store(1)
	return h
}

func (layer *Layer[F]) writeBlock(index BlockIndex, buffer []byte) (err error) {
	assertBlockIndex("block.Layer.writeBlock", index)
	if phase := layer.phase.Load(); phase != readwrite {
		if phase == readonly {
			return ErrReadOnly
		}
		if phase == nil {
			return ErrClosed
		}
		return phase.error
	}

	payload := len(buffer) - checksumSize
	binary.LittleEndian.PutUint32(buffer[payload:], checksum(buffer[:payload]))

	if _, err = layer.file.WriteAt(buffer, int64(index)*layer.size); err != nil {
		err = fmt.Errorf("block.Layer.writeBlock(%d): %w", index, err)
		layer.phase.CompareAndSwap(readwrite, &phase{err})
	}
	return
}

func (layer *Layer[F]) extend() (index BlockIndex, err error) {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	if phase := layer.phase.Load(); phase != readwrite {
		err = layer.Error()
		return
	}

	count := layer.count.Load()
	if count == math.MaxUint32 {
		err = ErrOutOfSpace
		return
	}
	if count >= layer.limit {
		n := min(max(layer.limit, 1), 65536)
		if err = layer.grow(n); err != nil {
			err = fmt.Errorf("block.Layer.extend: %w", err)
			return
		}
	}
	index = count
	layer.count.Store(count + 1)
	return
}

func (layer *Layer[F]) grow(n uint32) (err error) {
	scale := min(int64(layer.limit)+int64(n), int64(math.MaxUint32))
	if err = layer.file.Truncate(scale * layer.size); err == nil {
		layer.limit = uint32(scale)
	}
	return
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dgryski/go-farm"

	"github.com/dacapoday/plainstore/raf"
)

// Index file entries are appended in order and replayed in order, later
// entries win:
//
//	uvarint(len(key)) | key | inserted i64 | index u32 | farm32 u32
//
// inserted is the save time in unix nanoseconds, index zero removes the
// key. The checksum covers every preceding byte of the entry.

const (
	entryTail   = 8 + 4 + 4
	maxKeyBytes = 1 << 16
)

// errTornEntry marks an entry cut short by the end of the file.
var errTornEntry = errors.New("torn index entry")

type entry struct {
	key      []byte
	inserted int64
	index    BlockIndex
}

func appendEntry(dst []byte, e entry) []byte {
	start := len(dst)
	dst = binary.AppendUvarint(dst, uint64(len(e.key)))
	dst = append(dst, e.key...)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.inserted))
	dst = binary.LittleEndian.AppendUint32(dst, e.index)
	return binary.LittleEndian.AppendUint32(dst, farm.Hash32(dst[start:]))
}

// decodeEntry decodes the entry at the start of b.
//
// On success n is the entry size. errTornEntry means b ends inside the
// entry. ErrBadIndexEntry with n > 0 is a framed entry whose checksum does
// not match, with n == 0 the entry cannot be framed at all. e.key is set
// whenever the key bytes are present.
func decodeEntry(b []byte) (e entry, n int, err error) {
	keyLen, k := binary.Uvarint(b)
	switch {
	case k == 0:
		err = errTornEntry
		return
	case k < 0 || keyLen > maxKeyBytes:
		err = fmt.Errorf("%w: key length", ErrBadIndexEntry)
		return
	}

	head := k + int(keyLen)
	if len(b) >= head {
		e.key = b[k:head]
	}
	size := head + entryTail
	if len(b) < size {
		err = errTornEntry
		return
	}

	e.inserted = int64(binary.LittleEndian.Uint64(b[head:]))
	e.index = binary.LittleEndian.Uint32(b[head+8:])
	if binary.LittleEndian.Uint32(b[head+12:]) != farm.Hash32(b[:head+12]) {
		err = fmt.Errorf("%w: checksum", ErrBadIndexEntry)
	}
	n = size
	return
}

// indexFile appends entries to an index file.
type indexFile struct {
	file   *raf.File
	mutex  sync.Mutex
	size   int64
	buffer []byte
}

func openIndexFile(path string, opt raf.Options) (*indexFile, error) {
	file, err := raf.Open(path, opt)
	if err != nil {
		return nil, err
	}
	return &indexFile{file: file, size: file.Size()}, nil
}

// load reads the whole file.
func (f *indexFile) load() ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	data := make([]byte, f.size)
	if _, err := f.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read index %s: %w", f.file.Name(), err)
	}
	return data, nil
}

// truncate cuts the file at size, dropping a damaged tail.
func (f *indexFile) truncate(size int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate index %s: %w", f.file.Name(), err)
	}
	f.size = size
	return nil
}

// append writes e after the last entry. A failed write leaves the end of
// the file where it was, so the next append overwrites the debris.
func (f *indexFile) append(e entry) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.buffer = appendEntry(f.buffer[:0], e)
	if _, err := f.file.WriteAt(f.buffer, f.size); err != nil {
		return fmt.Errorf("append index %s: %w", f.file.Name(), err)
	}
	f.size += int64(len(f.buffer))
	return nil
}

func (f *indexFile) Size() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.size
}

func (f *indexFile) Sync() error {
	return f.file.Sync()
}

func (f *indexFile) Close() error {
	err := f.file.Sync()
	if e := f.file.Close(); err == nil {
		err = e
	}
	return err
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package block implements the base block layer and block allocators.
//
// A Layer splits a File into fixed-size blocks. Block 0 holds the file
// header, every other block carries its payload followed by a CRC32
// (Castagnoli) checksum of the payload.
package block

import (
	"hash/crc32"

	"github.com/dacapoday/plainstore"
)

type File = plainstore.File
type BlockIndex = plainstore.BlockIndex

var (
	ErrClosed           = plainstore.ErrClosed
	ErrReadOnly         = plainstore.ErrReadOnly
	ErrInvalidBlockSize = plainstore.ErrInvalidBlockSize
	ErrUnknownMagicCode = plainstore.ErrUnknownMagicCode
	ErrUnsupported      = plainstore.ErrUnsupported
	ErrFileEmpty        = plainstore.ErrFileEmpty
	ErrFileTruncated    = plainstore.ErrFileTruncated
	ErrBadChecksum      = plainstore.ErrBadChecksum
	ErrOutOfRange       = plainstore.ErrOutOfRange
	ErrOutOfSpace       = plainstore.ErrOutOfSpace
	ErrAllocateFailed   = plainstore.ErrAllocateFailed
	ErrCorruptedRecord  = plainstore.ErrCorruptedRecord
)

// Option configures a Layer.
type Option interface {
	MagicCode() [4]byte
	ReadOnly() bool
}

// BlockSize is an optional Option extension. The default is 4096.
type BlockSize interface {
	BlockSize() int
}

const (
	DefaultBlockSize = 4096
	MinBlockSize     = 256
	MaxBlockSize     = 1 << 20

	checksumSize = 4
	headerSize   = 16
)

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliCrcTable)
}

func validBlockSize(size int) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

var (
	_ plainstore.WriteLayer = (*Layer[File])(nil)
	_ plainstore.Allocator  = (*Allocator[File])(nil)
	_ plainstore.Allocator  = (*SizeAllocator)(nil)
	_ plainstore.WriteBlock = (*handle[File])(nil)
)

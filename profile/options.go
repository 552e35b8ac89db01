// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"log/slog"

	"github.com/dacapoday/plainstore/block"
	"github.com/dacapoday/plainstore/raf"
)

// Options configures a Group and the maps attached to it.
// The zero value is usable.
type Options struct {
	// BlockSize of a new block file, a power of two. An existing file
	// keeps the size it was created with.
	BlockSize int

	// CacheBlocks bounds the block handles kept open by the write caches.
	CacheBlocks int

	// LockStripes is the number of per-key lock stripes of each map.
	LockStripes int

	// MinFreeSpace and FreeSpaceCheckPeriod guard the volume of the data
	// files, see raf.Options.
	MinFreeSpace         uint64
	FreeSpaceCheckPeriod int64

	// Stat receives the I/O timing of the block and index files.
	Stat raf.Stat

	Logger    *slog.Logger
	Progress  LoadingProgress
	Scheduler Scheduler
}

const (
	DefaultCacheBlocks = 4096
	DefaultLockStripes = 64
)

var magicCode = [4]byte{'p', 'l', 's', 't'}

func (opt Options) withDefaults() Options {
	if opt.BlockSize == 0 {
		opt.BlockSize = block.DefaultBlockSize
	}
	if opt.CacheBlocks <= 0 {
		opt.CacheBlocks = DefaultCacheBlocks
	}
	if opt.LockStripes <= 0 {
		opt.LockStripes = DefaultLockStripes
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return opt
}

func (opt Options) fileOptions(readOnly bool) raf.Options {
	return raf.Options{
		ReadOnly:     readOnly,
		Stat:         opt.Stat,
		MinFreeSpace: opt.MinFreeSpace,
		CheckPeriod:  opt.FreeSpaceCheckPeriod,
	}
}

// blockOption adapts Options to block.Option.
type blockOption struct {
	size     int
	readOnly bool
}

func (o blockOption) MagicCode() [4]byte { return magicCode }
func (o blockOption) ReadOnly() bool { return o.readOnly }
func (o blockOption) BlockSize() int { return o.size }

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package raf provides an OS file for the block layers.
//
// A File is locked exclusively while open (shared when read-only), advises
// the kernel of random access and syncs data without metadata where the
// platform allows it. Optionally it watches the free space of its volume
// and refuses to write below a floor.
package raf

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dacapoday/plainstore"
)

var (
	ErrClosed       = plainstore.ErrClosed
	ErrReadOnly     = plainstore.ErrReadOnly
	ErrFileLocked   = plainstore.ErrFileLocked
	ErrLowDiskSpace = plainstore.ErrLowDiskSpace
)

// Stat receives the timing of every read, write and sync.
type Stat interface {
	AddReadTime(start, stop time.Time, size int)
	AddWriteTime(start, stop time.Time, size int)
	AddSyncTime(start, stop time.Time)
}

// Options configures Open.
type Options struct {
	ReadOnly bool
	Perm     os.FileMode // default 0644
	Stat     Stat

	// MinFreeSpace is the floor of free bytes on the volume, 0 disables
	// the check. Free space is measured again every CheckPeriod written
	// bytes (default 1 MiB) and on every write while below the floor.
	MinFreeSpace uint64
	CheckPeriod  int64
}

const defaultCheckPeriod = 1 << 20

// File is a random access file. It satisfies plainstore.File.
type File struct {
	file    *os.File
	opt     Options
	written atomic.Int64
	low     atomic.Bool
	closed  atomic.Bool
}

// Open opens or creates the file at path.
func Open(path string, opt Options) (f *File, err error) {
	if opt.Perm == 0 {
		opt.Perm = 0o644
	}
	if opt.MinFreeSpace > 0 && opt.CheckPeriod <= 0 {
		opt.CheckPeriod = defaultCheckPeriod
	}

	flag := os.O_RDWR | os.O_CREATE
	if opt.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, opt.Perm)
	if err != nil {
		return nil, fmt.Errorf("raf.Open: %w", err)
	}

	if err = lock(file, opt.ReadOnly); err != nil {
		file.Close()
		return nil, fmt.Errorf("raf.Open %s: %w", path, err)
	}
	adviseRandom(file)

	f = &File{file: file, opt: opt}
	if !opt.ReadOnly && opt.MinFreeSpace > 0 {
		if err = f.checkSpace(); err != nil {
			file.Close()
			return nil, fmt.Errorf("raf.Open %s: %w", path, err)
		}
	}
	return f, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.file.Name()
}

func (f *File) Stat() (os.FileInfo, error) {
	return f.file.Stat()
}

// Size returns the current size of the file, 0 when it cannot be read.
func (f *File) Size() int64 {
	info, err := f.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if f.opt.Stat == nil {
		return f.file.ReadAt(p, off)
	}
	start := time.Now()
	n, err = f.file.ReadAt(p, off)
	f.opt.Stat.AddReadTime(start, time.Now(), n)
	return
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if f.opt.ReadOnly {
		return 0, ErrReadOnly
	}
	if err = f.reserve(int64(len(p))); err != nil {
		return
	}
	if f.opt.Stat == nil {
		return f.file.WriteAt(p, off)
	}
	start := time.Now()
	n, err = f.file.WriteAt(p, off)
	f.opt.Stat.AddWriteTime(start, time.Now(), n)
	return
}

func (f *File) Truncate(size int64) error {
	if f.opt.ReadOnly {
		return ErrReadOnly
	}
	if grow := size - f.Size(); grow > 0 {
		if err := f.reserve(grow); err != nil {
			return err
		}
	}
	return f.file.Truncate(size)
}

// Sync commits the file data to stable storage.
func (f *File) Sync() error {
	if f.opt.ReadOnly {
		return nil
	}
	if f.opt.Stat == nil {
		return datasync(f.file)
	}
	start := time.Now()
	err := datasync(f.file)
	f.opt.Stat.AddSyncTime(start, time.Now())
	return err
}

// Close releases the lock and closes the file. It is a no-op on a closed file.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.file.Close()
}

// reserve accounts n bytes about to be written against the free space floor.
func (f *File) reserve(n int64) error {
	if f.opt.MinFreeSpace == 0 {
		return nil
	}
	if f.low.Load() || f.written.Add(n) >= f.opt.CheckPeriod {
		f.written.Store(0)
		return f.checkSpace()
	}
	return nil
}

func (f *File) checkSpace() error {
	free, err := freeSpace(f.file.Name())
	if err != nil {
		return fmt.Errorf("raf: free space of %s: %w", f.file.Name(), err)
	}
	low := free < f.opt.MinFreeSpace
	f.low.Store(low)
	if low {
		return fmt.Errorf("raf: %d bytes free on volume of %s, floor %d: %w", free, f.file.Name(), f.opt.MinFreeSpace, ErrLowDiskSpace)
	}
	return nil
}

var _ plainstore.File = (*File)(nil)

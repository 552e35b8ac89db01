// Package plainstore defines the contracts of a layered block storage engine
// for small, frequently mutated, variable-length records.
//
// Layers are composed by wrapping: a random-access File is split into fixed
// size blocks, blocks are chained into records, caches keep hot handles in
// memory and a key index maps application keys to the first block of a
// record. Every layer above the file is written against ReadLayer and
// WriteLayer only, so backends are interchangeable.
package plainstore

import "io"

// File provides access to a storage backend.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}

// BlockIndex locates one fixed-capacity block.
// Zero is the terminal marker of a chain and never addresses data.
type BlockIndex = uint32

// ReadBlock is a reference counted, read-only view of a block.
//
// A handle stays valid until its last reference is released, even if the
// layer that produced it has dropped it from a cache.
type ReadBlock interface {
	// Index returns the index the handle is bound to.
	Index() BlockIndex

	// Size returns the committed extent in bytes.
	Size() int

	// ReadAt reads len(p) bytes starting at off.
	// Reading past Size returns io.EOF with the bytes read so far.
	ReadAt(p []byte, off int64) (n int, err error)

	// Acquire adds a reference.
	Acquire()

	// Release drops a reference.
	Release()
}

// WriteBlock is a mutable view of a block.
// Writes are durable in the next layer when they return.
type WriteBlock interface {
	ReadBlock

	// WriteAt writes p at off. Implementations with a variable extent grow
	// to off+len(p), fixed blocks fail with ErrOutOfRange.
	WriteAt(p []byte, off int64) (n int, err error)

	// Resize changes the committed extent.
	Resize(size int) error
}

// ReadLayer hands out read handles by index.
type ReadLayer interface {
	ReadBlock(index BlockIndex) (ReadBlock, error)

	// AreaSize reports the bytes occupied by the layer in its backend.
	AreaSize() int64
}

// WriteLayer hands out read and write handles by index.
type WriteLayer interface {
	ReadLayer
	WriteBlock(index BlockIndex) (WriteBlock, error)
}

// AllocatedBlock is a freshly allocated block and its write handle.
// The caller owns one reference of Block.
type AllocatedBlock struct {
	Index BlockIndex
	Block WriteBlock
}

// Allocator hands out fresh block indexes and takes them back.
// Allocation failures are returned as is and never retried.
type Allocator interface {
	Allocate() (AllocatedBlock, error)
	Free(index BlockIndex) error
}

// WriteAllocateLayer is a WriteLayer that can also allocate.
type WriteAllocateLayer interface {
	WriteLayer
	Allocator
}

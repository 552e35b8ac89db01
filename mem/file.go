// Package mem provides an in-memory plainstore.File.
package mem

import (
	"io"
	"sync"

	"github.com/dacapoday/plainstore"
)

const pageSize = 32 * 1024

// File is an in-memory implementation of the plainstore.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw    sync.RWMutex
	pages []*[pageSize]byte
	size  int64
}

var _ plainstore.File = new(File)

// Close discards the content. The file can be written again afterwards.
func (file *File) Close() error {
	file.rw.Lock()
	file.pages = nil
	file.size = 0
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return file.size
}

// Clone returns an independent copy of the file, as a crash would leave it.
func (file *File) Clone() *File {
	file.rw.RLock()
	defer file.rw.RUnlock()
	clone := &File{
		pages: make([]*[pageSize]byte, len(file.pages)),
		size:  file.size,
	}
	for i, page := range file.pages {
		cp := *page
		clone.pages[i] = &cp
	}
	return clone
}

// ReadFrom replaces the content with everything read from r.
// It implements io.ReaderFrom.
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	file.rw.Lock()
	defer file.rw.Unlock()
	file.pages = nil
	file.size = 0
	for {
		page := new([pageSize]byte)
		c, err := io.ReadFull(r, page[:])
		if c > 0 {
			file.pages = append(file.pages, page)
			file.size += int64(c)
			n += int64(c)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = nil
			}
			return n, err
		}
	}
}

// WriteTo writes the entire content to w.
// It implements io.WriterTo.
func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	file.rw.Lock()
	defer file.rw.Unlock()
	rest := file.size
	for _, page := range file.pages {
		if rest <= 0 {
			break
		}
		chunk := min(rest, pageSize)
		c, err := w.Write(page[:chunk])
		n += int64(c)
		rest -= int64(c)
		if err != nil {
			return n, err
		}
	}
	return
}

// WriteAt writes len(p) bytes at off, growing the file when needed.
// The gap between the old end and off reads as zero bytes.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	file.rw.RLock()
	if end > file.size {
		file.rw.RUnlock()
		file.rw.Lock()
		if end > file.size {
			file.resize(end)
		}
		file.rw.Unlock()
		file.rw.RLock()
	}
	defer file.rw.RUnlock()

	for n < len(p) {
		pos := off + int64(n)
		page := file.pages[pos/pageSize]
		n += copy(page[pos%pageSize:], p[n:])
	}
	return
}

// ReadAt reads len(p) bytes from off.
// It returns io.EOF when the read reaches the end of the file.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.RLock()
	defer file.rw.RUnlock()
	if off >= file.size {
		return 0, io.EOF
	}
	want := len(p)
	if rest := file.size - off; int64(want) > rest {
		want = int(rest)
		err = io.EOF
	}
	for n < want {
		pos := off + int64(n)
		page := file.pages[pos/pageSize]
		n += copy(p[n:want], page[pos%pageSize:])
	}
	return
}

// Truncate changes the size of the file. Growing fills with zero bytes.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return io.ErrUnexpectedEOF
	}
	file.rw.Lock()
	file.resize(size)
	file.rw.Unlock()
	return nil
}

// Sync is a no-op for in-memory files.
func (file *File) Sync() error {
	return nil
}

func (file *File) resize(size int64) {
	count := int((size + pageSize - 1) / pageSize)
	if count < len(file.pages) {
		clear(file.pages[count:])
		file.pages = file.pages[:count]
	}
	for len(file.pages) < count {
		file.pages = append(file.pages, new([pageSize]byte))
	}
	if size < file.size && size%pageSize != 0 {
		// zero the cut tail so a later grow reads zeros
		clear(file.pages[count-1][size%pageSize:])
	}
	file.size = size
}

package mem

import (
	"bytes"
	"io"
	"sync"
	"testing"
)

// TestFileReadWrite tests basic read and write operations
func TestFileReadWrite(t *testing.T) {
	var f File
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	if err != nil || n != 5 {
		t.Fatalf("WriteAt failed: n=%d, err=%v", n, err)
	}
	n, err = f.WriteAt([]byte("world"), 10)
	if err != nil || n != 5 {
		t.Fatalf("WriteAt failed: n=%d, err=%v", n, err)
	}

	buf := make([]byte, 5)
	if n, err = f.ReadAt(buf, 0); err != nil || n != 5 || string(buf) != "hello" {
		t.Errorf("ReadAt(0): got %q, want %q", buf, "hello")
	}
	if n, err = f.ReadAt(buf, 10); err != nil || n != 5 || string(buf) != "world" {
		t.Errorf("ReadAt(10): got %q, want %q", buf, "world")
	}

	gap := make([]byte, 5)
	if _, err = f.ReadAt(gap, 5); err != nil {
		t.Fatalf("ReadAt gap failed: %v", err)
	}
	if !bytes.Equal(gap, make([]byte, 5)) {
		t.Errorf("gap = %v, want zeros", gap)
	}
}

// TestFileCrossPage writes a range that spans several pages
func TestFileCrossPage(t *testing.T) {
	var f File
	data := bytes.Repeat([]byte("0123456789abcdef"), pageSize/4)
	off := int64(pageSize - 7)
	if _, err := f.WriteAt(data, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if size := f.Size(); size != off+int64(len(data)) {
		t.Fatalf("size = %d, want %d", size, off+int64(len(data)))
	}

	got := make([]byte, len(data))
	if _, err := f.ReadAt(got, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("cross page data mismatch")
	}
}

// TestFileReadEOF tests reads at and past the end
func TestFileReadEOF(t *testing.T) {
	var f File
	f.WriteAt([]byte("abc"), 0)

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 1)
	if err != io.EOF || n != 2 || string(buf[:n]) != "bc" {
		t.Errorf("ReadAt past end: n=%d err=%v", n, err)
	}
	if _, err = f.ReadAt(buf, 3); err != io.EOF {
		t.Errorf("ReadAt at end: err=%v, want EOF", err)
	}
	if _, err = f.ReadAt(buf, -1); err == nil {
		t.Error("ReadAt negative offset should fail")
	}
}

// TestFileTruncate shrinks and regrows, the regrown tail must read as zeros
func TestFileTruncate(t *testing.T) {
	var f File
	f.WriteAt(bytes.Repeat([]byte{0xff}, 100), 0)

	if err := f.Truncate(10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.Size() != 10 {
		t.Fatalf("size = %d, want 10", f.Size())
	}
	if err := f.Truncate(50); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	buf := make([]byte, 40)
	f.ReadAt(buf, 10)
	if !bytes.Equal(buf, make([]byte, 40)) {
		t.Error("regrown region is not zeroed")
	}
}

// TestFileSnapshot round trips through WriteTo and ReadFrom
func TestFileSnapshot(t *testing.T) {
	var f File
	data := bytes.Repeat([]byte("snapshot"), pageSize/3)
	f.WriteAt(data, 0)

	var b bytes.Buffer
	if _, err := f.WriteTo(&b); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	var g File
	if _, err := g.ReadFrom(&b); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if g.Size() != int64(len(data)) {
		t.Fatalf("size = %d, want %d", g.Size(), len(data))
	}
	got := make([]byte, len(data))
	g.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Error("snapshot mismatch")
	}
}

// TestFileClone checks that a clone does not share pages
func TestFileClone(t *testing.T) {
	var f File
	f.WriteAt([]byte("before"), 0)
	c := f.Clone()
	f.WriteAt([]byte("after!"), 0)

	buf := make([]byte, 6)
	c.ReadAt(buf, 0)
	if string(buf) != "before" {
		t.Errorf("clone = %q, want %q", buf, "before")
	}
}

// TestFileConcurrent writes disjoint ranges from several goroutines
func TestFileConcurrent(t *testing.T) {
	var f File
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunk := bytes.Repeat([]byte{byte(i)}, 1000)
			f.WriteAt(chunk, int64(i)*1000)
		}()
	}
	wg.Wait()

	for i := range 8 {
		buf := make([]byte, 1000)
		f.ReadAt(buf, int64(i)*1000)
		if !bytes.Equal(buf, bytes.Repeat([]byte{byte(i)}, 1000)) {
			t.Errorf("chunk %d mismatch", i)
		}
	}
}

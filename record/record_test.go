package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dacapoday/plainstore"
	"github.com/dacapoday/plainstore/block"
	"github.com/dacapoday/plainstore/cache"
	"github.com/dacapoday/plainstore/mem"
	"github.com/stretchr/testify/require"
)

type option struct{}

func (option) MagicCode() [4]byte { return [4]byte{'r', 'e', 'c', 'd'} }
func (option) ReadOnly() bool { return false }
func (option) BlockSize() int { return 256 }

// with 256 byte blocks the first block holds 240 data bytes, the others 248
const (
	firstCap = 256 - 4 - headerSize
	restCap  = 256 - 4 - linkField
)

type fixture struct {
	base  *block.Layer[*mem.File]
	alloc *block.Allocator[*mem.File]
	sizer *block.SizeAllocator
	layer *Layer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var f mem.File
	var base block.Layer[*mem.File]
	require.NoError(t, base.Load(&f, option{}))
	t.Cleanup(func() { base.Close() })

	alloc := block.NewAllocator(&base)
	fx := &fixture{base: &base, alloc: alloc, sizer: block.NewSizeAllocator(alloc, base.PageSize())}
	fx.layer = fx.reopen(t)
	return fx
}

// reopen returns a record layer with an empty opened table over the same blocks.
func (fx *fixture) reopen(t *testing.T) *Layer {
	t.Helper()
	var layer Layer
	require.NoError(t, layer.Load(fx.base, fx.sizer))
	return &layer
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func (fx *fixture) create(t *testing.T, data []byte) BlockIndex {
	t.Helper()
	allocated, err := fx.layer.Allocate()
	require.NoError(t, err)
	r := allocated.Block.(*Record)
	require.NoError(t, r.Replace(data))
	r.Release()
	return allocated.Index
}

func TestGeometry(t *testing.T) {
	geo := geometry{pageSize: 252}
	require.Equal(t, int64(firstCap), geo.first())
	require.Equal(t, 1, geo.blocks(0))
	require.Equal(t, 1, geo.blocks(firstCap))
	require.Equal(t, 2, geo.blocks(firstCap+1))
	require.Equal(t, 2, geo.blocks(firstCap+restCap))
	require.Equal(t, 3, geo.blocks(firstCap+restCap+1))
	require.Equal(t, int64(firstCap+2*restCap), geo.capacity(3))

	pos, inner := geo.locate(0)
	require.Equal(t, 0, pos)
	require.Equal(t, int64(headerSize), inner)
	pos, inner = geo.locate(firstCap)
	require.Equal(t, 1, pos)
	require.Equal(t, int64(linkField), inner)
	pos, inner = geo.locate(firstCap + restCap + 5)
	require.Equal(t, 2, pos)
	require.Equal(t, int64(linkField+5), inner)
}

func TestRoundTrip(t *testing.T) {
	fx := newFixture(t)
	for _, size := range []int{0, 1, firstCap, firstCap + 1, firstCap + 3*restCap + 17, 5000} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			data := pattern(size, byte(size))
			index := fx.create(t, data)

			layer := fx.reopen(t)
			r, err := layer.Open(index)
			require.NoError(t, err)
			defer r.Release()
			require.Equal(t, size, r.Size())
			require.Len(t, r.Blocks(), layer.geo.blocks(int64(size)))

			got, err := r.Bytes()
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, got))

			direct, err := Read(fx.base, index)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, direct))
		})
	}
}

func TestReadAt(t *testing.T) {
	fx := newFixture(t)
	data := pattern(700, 3)
	index := fx.create(t, data)

	r, err := fx.layer.Open(index)
	require.NoError(t, err)
	defer r.Release()

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 230)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[230:330], buf)

	n, err = r.ReadAt(buf, 650)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 50, n)
	require.Equal(t, data[650:], buf[:50])

	_, err = r.ReadAt(buf, 700)
	require.ErrorIs(t, err, io.EOF)
	_, err = r.ReadAt(buf, -1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteAtGrows(t *testing.T) {
	fx := newFixture(t)
	allocated, err := fx.layer.Allocate()
	require.NoError(t, err)
	r := allocated.Block.(*Record)
	defer r.Release()

	_, err = r.WriteAt([]byte("head"), 0)
	require.NoError(t, err)
	_, err = r.WriteAt([]byte("tail"), 600)
	require.NoError(t, err)
	require.Equal(t, 604, r.Size())
	require.Len(t, r.Blocks(), 3)

	got, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, "head", string(got[:4]))
	require.Equal(t, make([]byte, 596), got[4:600], "the gap reads as zeros")
	require.Equal(t, "tail", string(got[600:]))

	_, err = r.WriteAt([]byte("x"), -1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestResize(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, pattern(1000, 1))

	r, err := fx.layer.Open(index)
	require.NoError(t, err)
	defer r.Release()
	require.Len(t, r.Blocks(), 5)
	dropped := r.Blocks()[2:]

	require.NoError(t, r.Resize(300))
	require.Equal(t, 300, r.Size())
	require.Len(t, r.Blocks(), 2)
	for _, index := range dropped {
		require.True(t, fx.alloc.IsFree(index))
	}

	require.NoError(t, r.Resize(400))
	got, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, pattern(1000, 1)[:300], got[:300])
	require.Equal(t, make([]byte, 100), got[300:])

	require.NoError(t, r.Resize(0))
	require.Len(t, r.Blocks(), 1)
	require.ErrorIs(t, r.Resize(-1), ErrOutOfRange)

	reopened, err := fx.reopen(t).Open(index)
	require.NoError(t, err)
	require.Zero(t, reopened.Size())
	reopened.Release()
}

func TestResizeChurnReusesBlocks(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, nil)
	r, err := fx.layer.Open(index)
	require.NoError(t, err)
	defer r.Release()

	large := pattern(4000, 9)
	require.NoError(t, r.Replace(large))
	area := fx.layer.AreaSize()
	for i := range 50 {
		require.NoError(t, r.Replace(pattern(10+i, 2)))
		require.NoError(t, r.Replace(large))
	}
	require.Equal(t, area, fx.layer.AreaSize())
}

func TestOpenedTable(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, []byte("shared"))
	require.Zero(t, fx.layer.Opened())

	a, err := fx.layer.WriteBlock(index)
	require.NoError(t, err)
	b, err := fx.layer.ReadBlock(index)
	require.NoError(t, err)
	require.Same(t, a, b, "one in-memory record per index")
	require.Equal(t, 1, fx.layer.Opened())

	a.Release()
	require.Equal(t, 1, fx.layer.Opened())
	b.Release()
	require.Zero(t, fx.layer.Opened(), "the last release closes the record")

	c, err := fx.layer.Open(index)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	c.Release()
}

func TestConcurrentOpen(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, pattern(600, 4))
	layer := fx.reopen(t)

	const workers = 16
	records := make([]*Record, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records[i], _ = layer.Open(index)
		}()
	}
	wg.Wait()
	for _, r := range records {
		require.Same(t, records[0], r)
	}
	for _, r := range records {
		r.Release()
	}
	require.Zero(t, layer.Opened())
}

func TestFree(t *testing.T) {
	fx := newFixture(t)
	open := fx.create(t, pattern(800, 5))
	closed := fx.create(t, pattern(800, 6))

	r, err := fx.layer.Open(open)
	require.NoError(t, err)
	blocks := r.Blocks()

	require.NoError(t, fx.layer.Free(open))
	_, err = r.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = r.WriteAt([]byte("x"), 0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.Replace(nil), ErrClosed)
	r.Release()
	require.Zero(t, fx.layer.Opened())
	for _, index := range blocks {
		require.True(t, fx.alloc.IsFree(index))
	}

	r, err = fx.layer.Open(closed)
	require.NoError(t, err)
	blocks = r.Blocks()
	r.Release()
	require.NoError(t, fx.layer.Free(closed))
	for _, index := range blocks {
		require.True(t, fx.alloc.IsFree(index))
	}
}

func TestCheck(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, pattern(900, 7))

	var seen []BlockIndex
	require.NoError(t, fx.layer.Check(index, func(index BlockIndex) error {
		seen = append(seen, index)
		return nil
	}))
	require.Len(t, seen, 4)
	require.Equal(t, index, seen[0])

	stop := errors.New("stop")
	require.ErrorIs(t, Check(fx.base, index, func(BlockIndex) error { return stop }), stop)
}

func link(t *testing.T, base plainstore.WriteLayer, index BlockIndex, first bool, next BlockIndex) {
	t.Helper()
	b, err := base.WriteBlock(index)
	require.NoError(t, err)
	defer b.Release()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], next)
	off := int64(0)
	if first {
		off = sizeField
	}
	_, err = b.WriteAt(buf[:], off)
	require.NoError(t, err)
}

func TestCorruptedChain(t *testing.T) {
	fx := newFixture(t)

	short := fx.create(t, pattern(700, 1))
	r, err := fx.layer.Open(short)
	require.NoError(t, err)
	blocks := r.Blocks()
	r.Release()
	link(t, fx.base, blocks[1], false, 0)

	_, err = fx.reopen(t).Open(short)
	require.ErrorIs(t, err, ErrCorruptedRecord)
	_, err = Read(fx.base, short)
	require.ErrorIs(t, err, ErrCorruptedRecord)

	cycle := fx.create(t, pattern(700, 2))
	r, err = fx.layer.Open(cycle)
	require.NoError(t, err)
	blocks = r.Blocks()
	r.Release()
	link(t, fx.base, blocks[len(blocks)-1], false, cycle)

	err = fx.layer.Check(cycle, nil)
	require.ErrorIs(t, err, ErrCorruptedRecord)
	require.False(t, plainstore.IsStorageError(err))

	_, err = fx.layer.Open(9999)
	require.ErrorIs(t, err, ErrCorruptedRecord)
}

func TestSpareBlocksAfterInterruptedGrow(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, pattern(100, 8))

	// a grow that linked a block but never committed the new size
	extra, err := fx.alloc.Allocate()
	require.NoError(t, err)
	_, err = extra.Block.WriteAt(make([]byte, linkField), 0)
	require.NoError(t, err)
	extra.Block.Release()
	link(t, fx.base, index, true, extra.Index)

	r, err := fx.reopen(t).Open(index)
	require.NoError(t, err)
	defer r.Release()
	require.Equal(t, 100, r.Size())
	require.Equal(t, []BlockIndex{index, extra.Index}, r.Blocks())

	got, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, pattern(100, 8), got)

	require.NoError(t, r.Resize(100))
	require.Equal(t, []BlockIndex{index}, r.Blocks())
	require.True(t, fx.alloc.IsFree(extra.Index))
}

func TestAllOrNothing(t *testing.T) {
	fx := newFixture(t)
	index := fx.create(t, bytes.Repeat([]byte{100}, 100))

	sizes := []int{100, 1500, 30, 700}
	var wg sync.WaitGroup
	var violations atomic.Int32
	for w := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := fx.layer.Open(index)
			if err != nil {
				violations.Add(1)
				return
			}
			defer r.Release()
			for i := range 30 {
				size := sizes[(w+i)%len(sizes)]
				if r.Replace(bytes.Repeat([]byte{byte(size % 251)}, size)) != nil {
					violations.Add(1)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 30 {
				r, err := fx.layer.Open(index)
				if err != nil {
					violations.Add(1)
					return
				}
				got, err := r.Bytes()
				r.Release()
				if err != nil || len(got) == 0 {
					violations.Add(1)
					continue
				}
				want := bytes.Repeat([]byte{byte(len(got) % 251)}, len(got))
				if !bytes.Equal(want, got) {
					violations.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Zero(t, violations.Load())
}

func TestThroughWriteCache(t *testing.T) {
	fx := newFixture(t)
	cached, err := cache.NewWriteLayer(fx.base, fx.alloc, 4)
	require.NoError(t, err)

	var layer Layer
	require.NoError(t, layer.Load(cached, block.NewSizeAllocator(cached, fx.base.PageSize())))

	allocated, err := layer.Allocate()
	require.NoError(t, err)
	r := allocated.Block.(*Record)
	data := pattern(3000, 11)
	require.NoError(t, r.Replace(data))
	r.Release()
	require.LessOrEqual(t, cached.Len(), 4)

	direct, err := Read(fx.base, allocated.Index)
	require.NoError(t, err)
	require.Equal(t, data, direct)

	require.NoError(t, layer.Free(allocated.Index))
	require.Zero(t, cached.Len())
}

func TestLoadErrors(t *testing.T) {
	var layer Layer
	require.ErrorIs(t, layer.Load(nil, nil), ErrNoLayer)
}

package profile

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/plainstore/raf"
)

func TestEntryRoundTrip(t *testing.T) {
	for _, e := range []entry{
		{key: []byte{}, inserted: 0, index: 0},
		{key: []byte("user"), inserted: 1700000000123456789, index: 7},
		{key: make([]byte, 300), inserted: -1, index: 1<<32 - 1},
	} {
		b := appendEntry([]byte("prefix"), e)[len("prefix"):]
		got, n, err := decodeEntry(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, e.key, got.key)
		require.Equal(t, e.inserted, got.inserted)
		require.Equal(t, e.index, got.index)
	}
}

func TestEntryTorn(t *testing.T) {
	b := appendEntry(nil, entry{key: []byte("key"), inserted: 42, index: 3})
	for i := 0; i < len(b); i++ {
		e, n, err := decodeEntry(b[:i])
		require.ErrorIs(t, err, errTornEntry, "prefix %d", i)
		require.Zero(t, n)
		if i >= 1+len("key") {
			require.Equal(t, []byte("key"), e.key)
		} else {
			require.Nil(t, e.key)
		}
	}
}

func TestEntryChecksum(t *testing.T) {
	b := appendEntry(nil, entry{key: []byte("key"), inserted: 42, index: 3})
	for i := 0; i < len(b); i++ {
		if i == 0 {
			// the length prefix reframes the entry
			continue
		}
		damaged := append([]byte(nil), b...)
		damaged[i] ^= 0x10
		_, n, err := decodeEntry(damaged)
		require.ErrorIs(t, err, ErrBadIndexEntry, "byte %d", i)
		require.Equal(t, len(b), n)
	}
}

func TestEntryKeyLength(t *testing.T) {
	b := binary.AppendUvarint(nil, maxKeyBytes+1)
	b = append(b, make([]byte, 64)...)
	_, n, err := decodeEntry(b)
	require.ErrorIs(t, err, ErrBadIndexEntry)
	require.Zero(t, n)

	// an overlong varint
	_, n, err = decodeEntry([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	require.ErrorIs(t, err, ErrBadIndexEntry)
	require.Zero(t, n)
}

func TestIndexFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.idx")
	f, err := openIndexFile(path, raf.Options{})
	require.NoError(t, err)

	one := entry{key: []byte("one"), inserted: 1, index: 1}
	two := entry{key: []byte("two"), inserted: 2, index: 2}
	require.NoError(t, f.append(one))
	require.NoError(t, f.append(two))
	size := int64(len(appendEntry(nil, one)) + len(appendEntry(nil, two)))
	require.Equal(t, size, f.Size())

	data, err := f.load()
	require.NoError(t, err)
	require.Equal(t, append(appendEntry(nil, one), appendEntry(nil, two)...), data)

	require.NoError(t, f.truncate(int64(len(appendEntry(nil, one)))))
	require.NoError(t, f.Close())

	f, err = openIndexFile(path, raf.Options{ReadOnly: true})
	require.NoError(t, err)
	defer f.Close()
	data, err = f.load()
	require.NoError(t, err)
	require.Equal(t, appendEntry(nil, one), data)
	require.ErrorIs(t, f.append(two), ErrReadOnly)
}

package profile

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkOrder[K any](t *testing.T, codec KeyCodec[K], keys []K) {
	t.Helper()
	sorted := append([]K(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return codec.Compare(sorted[i], sorted[j]) < 0 })
	for i := 1; i < len(sorted); i++ {
		require.LessOrEqual(t, codec.Score(sorted[i-1]), codec.Score(sorted[i]), "%v before %v", sorted[i-1], sorted[i])
	}
	for _, key := range keys {
		decoded, err := codec.Decode(codec.Append(nil, key))
		require.NoError(t, err)
		require.Zero(t, codec.Compare(key, decoded))
	}
}

func TestStringKey(t *testing.T) {
	checkOrder[string](t, StringKey{}, []string{
		"", "a", "ab", "abcdef", "abcdefg", "abcdeg", "b", "\xff", "\xff\xff\xff\xff\xff\xff\x00", "z",
	})
}

func TestUint64Key(t *testing.T) {
	checkOrder[uint64](t, Uint64Key{}, []uint64{0, 1, 255, 256, 1 << 53, 1<<53 + 1, math.MaxUint64 - 1, math.MaxUint64})

	_, err := Uint64Key{}.Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadIndexEntry)
}

func TestUserIDKey(t *testing.T) {
	a, err := ParseUserID("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	require.Equal(t, "000102030405060708090a0b0c0d0e0f", a.String())

	b := a
	b[15] = 0xff
	c := a
	c[0] = 1
	checkOrder[UserID](t, UserIDKey{}, []UserID{c, b, a, {}})

	_, err = ParseUserID("0001")
	require.Error(t, err)
	_, err = ParseUserID("zz0102030405060708090a0b0c0d0e0f")
	require.Error(t, err)
	_, err = UserIDKey{}.Decode(make([]byte, 15))
	require.ErrorIs(t, err, ErrBadIndexEntry)
}

package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openGroup(t *testing.T, dir string) *Group {
	t.Helper()
	g, err := OpenGroup(dir, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGroupSharesBlockFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	g := openGroup(t, dir)
	x, err := Attach[string](g, "x", StringKey{}, nil)
	require.NoError(t, err)
	y, err := Attach[uint64](g, "y", Uint64Key{}, nil)
	require.NoError(t, err)

	_, err = Attach[string](g, "x", StringKey{}, nil)
	require.ErrorIs(t, err, ErrMapExists)
	for _, name := range []string{"", "a/b", blockFileName} {
		_, err = Attach[string](g, name, StringKey{}, nil)
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	require.ErrorIs(t, x.SaveProfile("k", nil, now, OpRuntime), ErrNotStarted)
	require.NoError(t, g.Start())
	require.True(t, g.Started())
	_, err = Attach[string](g, "z", StringKey{}, nil)
	require.ErrorIs(t, err, ErrStarted)

	for i := range 20 {
		require.NoError(t, x.SaveProfile(string(rune('a'+i)), pattern(i*50, 1), now, OpRuntime))
		require.NoError(t, y.SaveProfile(uint64(i), pattern(i*70, 2), now, OpRuntime))
	}
	require.Equal(t, x.AreaSize(), y.AreaSize())
	blocks := g.Stats().Blocks
	require.Zero(t, g.Stats().FreeBlocks)
	require.NoError(t, g.Sync())
	require.NoError(t, g.Close())
	require.ErrorIs(t, x.SaveProfile("a", nil, now, OpRuntime), ErrClosed)

	g = openGroup(t, dir)
	x, err = Attach[string](g, "x", StringKey{}, failOnInterrupt(t))
	require.NoError(t, err)
	y, err = Attach[uint64](g, "y", Uint64Key{}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	// only the preallocated tail of the file is free
	stats := g.Stats()
	require.Equal(t, int(stats.Blocks-blocks), stats.FreeBlocks)

	for i := range 20 {
		requireProfile(t, x, string(rune('a'+i)), pattern(i*50, 1), now)
		buf, _, ok, err := y.GetProfile(uint64(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pattern(i*70, 2), buf)
	}
}

func TestGroupDetach(t *testing.T) {
	g := openGroup(t, t.TempDir())
	x, err := Attach[string](g, "x", StringKey{}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	require.NoError(t, x.SaveProfile("k", pattern(2000, 1), time.Now(), OpRuntime))
	require.Positive(t, g.Stats().Cached)

	require.NoError(t, x.Close())
	require.Zero(t, g.Stats().Cached)
	require.NotContains(t, g.maps, "x")
}

func TestGroupReclaimsUnreferencedBlocks(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	g := openGroup(t, dir)
	x, err := Attach[string](g, "x", StringKey{}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	require.NoError(t, x.SaveProfile("keep", pattern(100, 1), now, OpRuntime))
	require.NoError(t, x.SaveProfile("drop", pattern(3000, 2), now, OpRuntime))
	_, err = x.RemoveProfile("drop", OpRuntime)
	require.NoError(t, err)
	before := g.Stats()
	require.Positive(t, before.FreeBlocks)
	require.NoError(t, g.Close())

	g = openGroup(t, dir)
	_, err = Attach[string](g, "x", StringKey{}, failOnInterrupt(t))
	require.NoError(t, err)
	require.NoError(t, g.Start())
	after := g.Stats()
	require.Equal(t, before.FreeBlocks+int(after.Blocks-before.Blocks), after.FreeBlocks)
}

func TestGroupAliasedRecord(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	g := openGroup(t, dir)
	x, err := Attach[string](g, "x", StringKey{}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	require.NoError(t, x.SaveProfile("k", pattern(100, 1), now, OpRuntime))
	s, ok := x.lookup("k")
	require.True(t, ok)
	require.NoError(t, g.Close())

	// y claims the record of x
	forged := appendEntry(nil, entry{key: []byte("k"), inserted: now.UnixNano(), index: s.index})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y"+indexSuffix), forged, 0o644))

	var calls []call
	g = openGroup(t, dir)
	x, err = Attach[string](g, "x", StringKey{}, failOnInterrupt(t))
	require.NoError(t, err)
	y, err := Attach[string](g, "y", StringKey{}, recorder(true, &calls))
	require.NoError(t, err)
	require.Equal(t, []call{{"k", s.index}}, calls)
	require.NoError(t, g.Start())

	requireProfile(t, x, "k", pattern(100, 1), now)
	requireAbsent(t, y, "k")
}

// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/plainstore"
	"github.com/dacapoday/plainstore/block"
	"github.com/dacapoday/plainstore/cache"
	"github.com/dacapoday/plainstore/internal/bitset"
	"github.com/dacapoday/plainstore/raf"
	"github.com/dacapoday/plainstore/record"
)

const (
	blockFileName = "blocks.dat"
	indexSuffix   = ".idx"

	// DefaultMapName is the map opened by Open.
	DefaultMapName = "profiles"
)

// Group is one block file shared by several named maps.
//
// Each map has its own index file and its own scope in a shared write
// block cache, so dropping one map's cached blocks leaves the others
// alone. Maps are attached first; Start then returns every block no map
// refers to to the allocator and enables writes.
type Group struct {
	dir       string
	opt       Options
	logger    *slog.Logger
	blocks    block.Layer[*raf.File]
	alloc     *block.Allocator[*raf.File]
	cache     *cache.WriteBlockCache[string]
	live      *bitset.Bitset
	exclusive bool
	started   atomic.Bool

	mutex sync.Mutex
	maps  map[string]io.Closer
}

// OpenGroup opens or creates the block file in dir.
func OpenGroup(dir string, opt Options) (*Group, error) {
	opt = opt.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile.OpenGroup: %w", err)
	}

	file, err := raf.Open(filepath.Join(dir, blockFileName), opt.fileOptions(false))
	if err != nil {
		return nil, fmt.Errorf("profile.OpenGroup: %w", err)
	}

	g := &Group{
		dir:    dir,
		opt:    opt,
		logger: opt.Logger.With("dir", dir),
		cache:  cache.NewWriteBlockCache[string](opt.CacheBlocks),
		maps:   make(map[string]io.Closer),
	}
	if err = g.blocks.Load(file, blockOption{size: opt.BlockSize}); err != nil {
		file.Close()
		return nil, fmt.Errorf("profile.OpenGroup: %w", err)
	}
	g.alloc = block.NewAllocator(&g.blocks)
	g.live = bitset.New(int64(g.blocks.BlockCount()))
	g.logger.Info("block file opened", "block_size", g.blocks.BlockSize(), "blocks", g.blocks.BlockCount())
	return g, nil
}

// Attach loads the map called name. interrupt decides about damaged keys,
// nil drops them.
func Attach[K any](g *Group, name string, codec KeyCodec[K], interrupt InterruptCallback[K]) (m *MemIndexProfileMap[K], err error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == blockFileName {
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, ErrInvalidName)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.started.Load() {
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, ErrStarted)
	}
	if g.maps == nil {
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, ErrClosed)
	}
	if _, ok := g.maps[name]; ok {
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, ErrMapExists)
	}

	m = newMap(name, codec, g.opt)
	m.group = g

	var next plainstore.WriteAllocateLayer
	if next, m.layer, err = g.layer(name); err != nil {
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, err)
	}
	m.records = new(record.Layer)
	if err = m.records.Load(next, block.NewSizeAllocator(next, g.blocks.PageSize())); err != nil {
		m.layer.Close()
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, err)
	}

	if m.index, err = openIndexFile(filepath.Join(g.dir, name+indexSuffix), g.opt.fileOptions(false)); err != nil {
		m.layer.Close()
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, err)
	}
	if err = m.load(interrupt, g.live, g.opt.Progress); err != nil {
		m.index.Close()
		m.layer.Close()
		return nil, fmt.Errorf("profile.Attach(%q): %w", name, err)
	}

	g.maps[name] = m
	return m, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// layer returns the cached block layer of one map. A group of a single map
// gives it a plain LRU, shared groups scope a shared cache by map name.
func (g *Group) layer(name string) (plainstore.WriteAllocateLayer, io.Closer, error) {
	if g.exclusive {
		l, err := cache.NewWriteLayer(&g.blocks, g.alloc, g.opt.CacheBlocks)
		if err != nil {
			return nil, nil, err
		}
		return l, closerFunc(func() error { l.Purge(); return nil }), nil
	}
	l, err := cache.NewOwnerLayer(&g.blocks, g.alloc, g.cache, name)
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

// Start hands every block that no attached map refers to back to the
// allocator and enables writes. Maps can no longer be attached.
func (g *Group) Start() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.maps == nil {
		return fmt.Errorf("profile.Group.Start: %w", ErrClosed)
	}
	if g.started.Load() {
		return nil
	}
	if err := g.blocks.Error(); err != nil {
		return fmt.Errorf("profile.Group.Start: %w", err)
	}
	reclaimed := g.alloc.Reclaim(g.live)
	g.live = nil
	g.started.Store(true)
	g.logger.Info("profile group started", "maps", len(g.maps), "free_blocks", reclaimed)
	return nil
}

// Started reports whether Start has run.
func (g *Group) Started() bool {
	return g.started.Load()
}

func (g *Group) detach(name string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.maps, name)
}

// Stats describes the block file of a group.
type Stats struct {
	BlockSize  int
	Blocks     uint32
	FreeBlocks int
	AreaSize   int64
	Cached     int
}

func (g *Group) Stats() Stats {
	return Stats{
		BlockSize:  g.blocks.BlockSize(),
		Blocks:     g.blocks.BlockCount(),
		FreeBlocks: g.alloc.FreeCount(),
		AreaSize:   g.blocks.AreaSize(),
		Cached:     g.cache.Len(),
	}
}

// Sync commits the block file and every index file.
func (g *Group) Sync() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, m := range g.maps {
		if s, ok := m.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return err
			}
		}
	}
	return g.blocks.Sync()
}

// Close closes every attached map and the block file.
func (g *Group) Close() error {
	g.mutex.Lock()
	maps := g.maps
	g.maps = nil
	g.mutex.Unlock()
	if maps == nil {
		return nil
	}

	var err error
	for _, m := range maps {
		if e := m.Close(); err == nil {
			err = e
		}
	}
	if e := g.blocks.Sync(); err == nil && e != plainstore.ErrClosed {
		err = e
	}
	if e := g.blocks.Close(); err == nil {
		err = e
	}
	return err
}

// Open opens the map DefaultMapName in dir on its own block file and
// starts it. Closing the map closes the block file.
func Open[K any](dir string, codec KeyCodec[K], opt Options, interrupt InterruptCallback[K]) (*MemIndexProfileMap[K], error) {
	g, err := OpenGroup(dir, opt)
	if err != nil {
		return nil, err
	}
	g.exclusive = true

	m, err := Attach(g, DefaultMapName, codec, interrupt)
	if err != nil {
		g.Close()
		return nil, err
	}
	if err = g.Start(); err != nil {
		m.Close()
		g.Close()
		return nil, err
	}
	m.owned = true
	return m, nil
}

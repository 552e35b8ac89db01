// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package bitset marks block indexes reachable from the key index.
package bitset

import "math/bits"

// Bitset is a fixed length bitmap.
type Bitset struct {
	bits   []uint64
	length int64
}

// New returns a bitset of length bits, all clear.
func New(length int64) *Bitset {
	return &Bitset{
		bits:   make([]uint64, (length+63)/64),
		length: length,
	}
}

func offsets(off int64) (word int64, bit uint64) {
	return off / 64, uint64(off) % 64
}

// Grow extends the bitset to length bits. Shrinking is a no-op.
func (b *Bitset) Grow(length int64) {
	if length <= b.length {
		return
	}
	if words := (length + 63) / 64; words > int64(len(b.bits)) {
		b.bits = append(b.bits, make([]uint64, words-int64(len(b.bits)))...)
	}
	b.length = length
}

// Len returns the number of bits.
func (b *Bitset) Len() int64 {
	return b.length
}

// Set sets the bit at off. Out of range offsets are ignored.
func (b *Bitset) Set(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	word, bit := offsets(off)
	b.bits[word] |= 1 << bit
}

// TestAndSet sets the bit at off and reports whether it was already set.
// Out of range offsets report true.
func (b *Bitset) TestAndSet(off int64) bool {
	if off < 0 || off >= b.length {
		return true
	}
	word, bit := offsets(off)
	set := b.bits[word]&(1<<bit) != 0
	b.bits[word] |= 1 << bit
	return set
}

// Clear clears the bit at off.
func (b *Bitset) Clear(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	word, bit := offsets(off)
	b.bits[word] &^= 1 << bit
}

// IsSet reports whether the bit at off is set.
func (b *Bitset) IsSet(off int64) bool {
	if off < 0 || off >= b.length {
		return false
	}
	word, bit := offsets(off)
	return b.bits[word]&(1<<bit) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() (n int64) {
	for _, word := range b.bits {
		n += int64(bits.OnesCount64(word))
	}
	return
}

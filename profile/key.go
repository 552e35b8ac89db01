// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyCodec serializes and orders keys of type K.
type KeyCodec[K any] interface {
	// Append appends the encoding of key to dst.
	Append(dst []byte, key K) []byte

	// Decode decodes exactly b.
	Decode(b []byte) (K, error)

	Compare(a, b K) int

	// Score returns a value that never decreases with Compare order; keys
	// with equal scores are told apart by Compare.
	Score(key K) float64
}

// prefixScore scores a byte string by its first six bytes, which fit a
// float64 mantissa exactly.
func prefixScore(b []byte) float64 {
	var v uint64
	for i := range 6 {
		v <<= 8
		if i < len(b) {
			v |= uint64(b[i])
		}
	}
	return float64(v)
}

// StringKey orders string keys bytewise.
type StringKey struct{}

func (StringKey) Append(dst []byte, key string) []byte {
	return append(dst, key...)
}

func (StringKey) Decode(b []byte) (string, error) {
	return string(b), nil
}

func (StringKey) Compare(a, b string) int {
	return strings.Compare(a, b)
}

func (StringKey) Score(key string) float64 {
	var head [6]byte
	return prefixScore(head[:copy(head[:], key)])
}

// Uint64Key stores numeric keys big endian.
type Uint64Key struct{}

func (Uint64Key) Append(dst []byte, key uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, key)
}

func (Uint64Key) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 key of %d bytes", ErrBadIndexEntry, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func (Uint64Key) Compare(a, b uint64) int {
	return cmp.Compare(a, b)
}

func (Uint64Key) Score(key uint64) float64 {
	return float64(key)
}

// UserID is a 16 byte user identifier.
type UserID [16]byte

// ParseUserID parses the 32 hex digits form of String.
func ParseUserID(s string) (id UserID, err error) {
	if len(s) != 2*len(id) {
		err = fmt.Errorf("user id %q: want %d hex digits", s, 2*len(id))
		return
	}
	_, err = hex.Decode(id[:], []byte(s))
	return
}

func (id UserID) String() string {
	return hex.EncodeToString(id[:])
}

// UserIDKey orders user ids bytewise.
type UserIDKey struct{}

func (UserIDKey) Append(dst []byte, key UserID) []byte {
	return append(dst, key[:]...)
}

func (UserIDKey) Decode(b []byte) (id UserID, err error) {
	if len(b) != len(id) {
		err = fmt.Errorf("%w: user id of %d bytes", ErrBadIndexEntry, len(b))
		return
	}
	copy(id[:], b)
	return
}

func (UserIDKey) Compare(a, b UserID) int {
	return bytes.Compare(a[:], b[:])
}

func (UserIDKey) Score(key UserID) float64 {
	return prefixScore(key[:])
}

// keyOrder orders a skiplist by a KeyCodec.
type keyOrder[K any] struct {
	codec KeyCodec[K]
}

func (o keyOrder[K]) Compare(lhs, rhs interface{}) int {
	return o.codec.Compare(lhs.(K), rhs.(K))
}

func (o keyOrder[K]) CalcScore(key interface{}) float64 {
	return o.codec.Score(key.(K))
}

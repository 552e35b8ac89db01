//go:build debug

package block

import "fmt"

// assertBlockIndex panics if index addresses the file header.
// Only enabled with -tags debug.
func assertBlockIndex(method string, index BlockIndex) {
	if index == 0 {
		panic(fmt.Sprintf("%s: block index 0", method))
	}
}

// assertDoubleFree panics when a free block is freed again.
// Only enabled with -tags debug.
func assertDoubleFree(method string, index BlockIndex) {
	panic(fmt.Sprintf("%s: block(%d) freed twice", method, index))
}

// assertReleased panics when a handle is released more often than acquired.
// Only enabled with -tags debug.
func assertReleased(method string, index BlockIndex, ref int32) {
	if ref < 0 {
		panic(fmt.Sprintf("%s: block(%d) released %d times too often", method, index, -ref))
	}
}

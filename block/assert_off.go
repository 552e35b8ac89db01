//go:build !debug

package block

// assertBlockIndex is a no-op in production.
// Enable with -tags debug for runtime checks.
func assertBlockIndex(string, BlockIndex) {}

// assertDoubleFree is a no-op in production.
// Enable with -tags debug for runtime checks.
func assertDoubleFree(string, BlockIndex) {}

// assertReleased is a no-op in production.
// Enable with -tags debug for runtime checks.
func assertReleased(string, BlockIndex, int32) {}

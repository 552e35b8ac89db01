// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package raf

import (
	"math"
	"os"
)

// Locking and advice are linux only, elsewhere the file is used as is.

func lock(*os.File, bool) error {
	return nil
}

func adviseRandom(*os.File) {}

func datasync(file *os.File) error {
	return file.Sync()
}

func freeSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}

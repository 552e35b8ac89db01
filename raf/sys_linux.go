// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package raf

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func lock(file *os.File, shared bool) error {
	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrFileLocked
	}
	return err
}

// adviseRandom is best effort, some file systems reject the advice.
func adviseRandom(file *os.File) {
	unix.Fadvise(int(file.Fd()), 0, 0, unix.FADV_RANDOM)
}

func datasync(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

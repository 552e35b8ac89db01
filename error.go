package plainstore

import (
	"errors"
	"io/fs"
)

var (
	ErrClosed           = errors.New("closed")
	ErrReadOnly         = errors.New("read-only")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrUnknownMagicCode = errors.New("unknown magic code")
	ErrUnsupported      = errors.New("unsupported")
	ErrFileEmpty        = errors.New("empty file")
	ErrFileTruncated    = errors.New("file truncated")
	ErrFileLocked       = errors.New("file locked")
	ErrBadChecksum      = errors.New("bad checksum")
	ErrBadIndexEntry    = errors.New("bad index entry")
	ErrOutOfRange       = errors.New("out of range")
	ErrOutOfSpace       = errors.New("out of space")
	ErrLowDiskSpace     = errors.New("low disk space")
	ErrAllocateFailed   = errors.New("allocate failed")
	ErrNoLayer          = errors.New("no underlying layer")
	ErrCorruptedRecord  = errors.New("corrupted record")
	ErrLoadInterrupted  = errors.New("load interrupted")
)

var storageErrors = []error{
	ErrClosed,
	ErrReadOnly,
	ErrInvalidBlockSize,
	ErrUnknownMagicCode,
	ErrUnsupported,
	ErrFileEmpty,
	ErrFileTruncated,
	ErrFileLocked,
	ErrBadChecksum,
	ErrOutOfRange,
	ErrOutOfSpace,
	ErrLowDiskSpace,
	ErrAllocateFailed,
	ErrNoLayer,
}

// IsStorageError reports whether err is a generic storage failure:
// file I/O, invalid configuration or allocation exhaustion.
// Corrupted records are reported separately.
func IsStorageError(err error) bool {
	if err == nil || errors.Is(err, ErrCorruptedRecord) {
		return false
	}
	for _, target := range storageErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

package qcow

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidMagic       = errors.New("qcow: invalid magic number")
	ErrUnsupportedVersion = errors.New("qcow: unsupported version")
	ErrInvalidClusterBits = errors.New("qcow: invalid cluster bits")
	ErrInvalidL2Bits      = errors.New("qcow: invalid l2 bits")
	ErrUnsupportedCipher  = errors.New("qcow: unsupported encryption method")
	ErrBackingNameTooLong = errors.New("qcow: backing file name too long")
	ErrImageTooLarge      = errors.New("qcow: image size too large for geometry")
	ErrKeyMissing         = errors.New("qcow: encrypted image requires a key")
	ErrNotEncrypted       = errors.New("qcow: image is not encrypted")
	ErrOffsetOutOfRange   = errors.New("qcow: offset out of range")
	ErrUnaligned          = errors.New("qcow: buffer is not a multiple of the sector size")
	ErrReadOnly           = errors.New("qcow: image is read-only")
	ErrClosed             = errors.New("qcow: image is closed")
	ErrLocked             = errors.New("qcow: image is locked by another handle")
	ErrShortTransfer      = errors.New("qcow: short transfer")
	ErrBadCluster         = errors.New("qcow: cluster does not inflate to cluster size")
)

// FormatError reports a header field that failed validation at open.
// The image is unusable.
type FormatError struct {
	Field string
	Value uint64
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v (%s=%d)", e.Err, e.Field, e.Value)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IOError reports a failed or short transfer against the backing store.
// The handle stays usable; the operation may be retried by the caller.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("qcow: %s at 0x%x: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CodecError reports a compressed cluster that could not be inflated.
// Only reads touching that cluster fail.
type CodecError struct {
	Offset uint64 // Host offset of the compressed stream
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("qcow: failed to decompress cluster at 0x%x: %v", e.Offset, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

package qcow

import (
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
)

// Store is the random-access backing for an image.
// It may also implement Sync() error and io.Closer; Image uses them when
// present.
type Store interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current length of the store in bytes.
	Size() (int64, error)
}

type syncer interface {
	Sync() error
}

// fileStore is a Store over an *os.File holding an advisory lock.
type fileStore struct {
	*os.File
	lock *flock.Flock
}

func (s *fileStore) Size() (int64, error) {
	info, err := s.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *fileStore) Close() error {
	err := s.File.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// openFileStore opens path and takes an exclusive lock for writers or a
// shared lock for readers.
func openFileStore(path string, flag int) (*fileStore, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to open file: %w", err)
	}

	lock := flock.New(path)
	var locked bool
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		locked, err = lock.TryLock()
	} else {
		locked, err = lock.TryRLock()
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("qcow: failed to lock %q: %w", path, err)
	}
	if !locked {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &fileStore{File: f, lock: lock}, nil
}

// readFull reads exactly len(p) bytes at off, reporting short reads as
// *IOError.
func readFull(s Store, op string, p []byte, off uint64) error {
	n, err := s.ReadAt(p, int64(off))
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, n, len(p))
	}
	return &IOError{Op: op, Offset: int64(off), Err: err}
}

// writeFull writes all of p at off, reporting failures as *IOError.
func writeFull(s Store, op string, p []byte, off uint64) error {
	n, err := s.WriteAt(p, int64(off))
	if err == nil && n < len(p) {
		err = fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, n, len(p))
	}
	if err != nil {
		return &IOError{Op: op, Offset: int64(off), Err: err}
	}
	return nil
}

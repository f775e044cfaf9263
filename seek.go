package qcow

import (
	"errors"
	"io"
)

// limit is the number of bytes reachable through sector I/O.
func (img *Image) limit() int64 {
	return int64(img.geo.TotalSectors * SectorSize)
}

// ReadAt reads len(p) bytes from the image at offset off.
// It implements io.ReaderAt.
func (img *Image) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}

	limit := img.limit()
	if off >= limit {
		return 0, io.EOF
	}

	// Clamp read to image size
	short := false
	if off+int64(len(p)) > limit {
		p = p[:limit-off]
		short = true
	}

	if off%SectorSize == 0 && len(p)%SectorSize == 0 {
		if err := img.ReadSectors(uint64(off)/SectorSize, p); err != nil {
			return 0, err
		}
	} else {
		first, span := sectorSpan(off, len(p))
		tmp := make([]byte, span)
		if err := img.ReadSectors(first, tmp); err != nil {
			return 0, err
		}
		copy(p, tmp[off-int64(first*SectorSize):])
	}

	if short {
		return len(p), io.EOF
	}
	return len(p), nil
}

// WriteAt writes len(p) bytes to the image at offset off. Partial edge
// sectors are read, merged and written back.
// It implements io.WriterAt.
func (img *Image) WriteAt(p []byte, off int64) (n int, err error) {
	if img.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > img.limit() {
		return 0, ErrOffsetOutOfRange
	}
	if len(p) == 0 {
		return 0, nil
	}

	if off%SectorSize == 0 && len(p)%SectorSize == 0 {
		if err := img.WriteSectors(uint64(off)/SectorSize, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	first, span := sectorSpan(off, len(p))
	tmp := make([]byte, span)
	last := first + uint64(span)/SectorSize - 1

	head := off % SectorSize
	tail := (off + int64(len(p))) % SectorSize
	if head != 0 {
		if err := img.ReadSectors(first, tmp[:SectorSize]); err != nil {
			return 0, err
		}
	}
	if tail != 0 && (last != first || head == 0) {
		if err := img.ReadSectors(last, tmp[span-SectorSize:]); err != nil {
			return 0, err
		}
	}

	copy(tmp[head:], p)
	if err := img.WriteSectors(first, tmp); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sectorSpan returns the first sector and the sector-aligned byte length
// covering [off, off+n).
func sectorSpan(off int64, n int) (first uint64, span int) {
	first = uint64(off) / SectorSize
	end := (uint64(off) + uint64(n) + SectorSize - 1) / SectorSize
	return first, int(end-first) * SectorSize
}

// SetSeek moves the cursor to the start of a guest sector. It performs no
// I/O.
func (img *Image) SetSeek(block int64) {
	img.pos = block * SectorSize
}

// Seek implements io.Seeker over the cursor used by Read and Write.
func (img *Image) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = img.pos + offset
	case io.SeekEnd:
		abs = img.limit() + offset
	default:
		return 0, errors.New("qcow: invalid whence")
	}
	if abs < 0 {
		return 0, ErrOffsetOutOfRange
	}
	img.pos = abs
	return abs, nil
}

// Read reads from the cursor and advances it.
func (img *Image) Read(p []byte) (int, error) {
	n, err := img.ReadAt(p, img.pos)
	img.pos += int64(n)
	return n, err
}

// Write writes at the cursor and advances it.
func (img *Image) Write(p []byte) (int, error) {
	n, err := img.WriteAt(p, img.pos)
	img.pos += int64(n)
	return n, err
}

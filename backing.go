package qcow

// Backing images are recorded in the header but never consulted:
// unallocated clusters read as zeros. The name is exposed for
// diagnostics only.

// HasBackingFile returns true if the header names a backing file.
func (img *Image) HasBackingFile() bool {
	return img.header.BackingFileOffset != 0 && img.header.BackingFileSize != 0
}

// BackingFile returns the backing file name stored in the header, or ""
// if there is none.
func (img *Image) BackingFile() (string, error) {
	if !img.HasBackingFile() {
		return "", nil
	}
	if img.closed {
		return "", ErrClosed
	}

	pathBuf := make([]byte, img.header.BackingFileSize)
	if err := readFull(img.store, "read backing file name", pathBuf, img.header.BackingFileOffset); err != nil {
		return "", err
	}
	return string(pathBuf), nil
}

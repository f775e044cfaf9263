package qcow

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Decompressor inflates one compressed cluster. It must fill dst exactly
// and fail if the stream is corrupt, ends early, or holds more than
// len(dst) bytes.
type Decompressor interface {
	Decompress(dst, src []byte) error
}

// DeflateDecompressor reads the raw deflate streams (no zlib header)
// that qemu writes for compressed clusters. It keeps one decoder and
// resets it for every cluster, so a value must not be shared between
// images. The zero value is ready to use.
type DeflateDecompressor struct {
	src bytes.Reader
	r   io.ReadCloser
}

func (d *DeflateDecompressor) Decompress(dst, src []byte) error {
	d.src.Reset(src)
	if d.r == nil {
		d.r = flate.NewReader(&d.src)
	} else if err := d.r.(flate.Resetter).Reset(&d.src, nil); err != nil {
		return err
	}

	if _, err := io.ReadFull(d.r, dst); err != nil {
		return err
	}

	// Anything past a full cluster is an oversized stream.
	var extra [1]byte
	n, err := d.r.Read(extra[:])
	if n > 0 {
		return fmt.Errorf("%w: stream expands past %d bytes", ErrBadCluster, len(dst))
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// clusterCache holds the most recently inflated cluster, tagged with the
// host offset of its compressed stream.
type clusterCache struct {
	codec  Decompressor
	data   []byte // Cluster-sized plaintext
	stream []byte // Scratch for the compressed bytes
	offset uint64
	valid  bool
}

func newClusterCache(codec Decompressor, clusterSize uint64) *clusterCache {
	return &clusterCache{
		codec:  codec,
		data:   make([]byte, clusterSize),
		stream: make([]byte, clusterSize),
	}
}

// get returns the plaintext of the compressed cluster d, inflating it if
// the cache holds a different stream. The returned slice is owned by the
// cache and valid until the next call.
func (c *clusterCache) get(s Store, d Descriptor) ([]byte, error) {
	if c.valid && c.offset == d.Offset {
		return c.data, nil
	}
	c.valid = false

	length := d.Length
	if length > uint64(len(c.stream)) {
		length = uint64(len(c.stream))
	}
	if length == 0 {
		return nil, &CodecError{Offset: d.Offset, Err: fmt.Errorf("%w: empty stream", ErrBadCluster)}
	}

	src := c.stream[:length]
	if err := readFull(s, "read compressed cluster", src, d.Offset); err != nil {
		return nil, err
	}
	if err := c.codec.Decompress(c.data, src); err != nil {
		return nil, &CodecError{Offset: d.Offset, Err: err}
	}

	c.offset = d.Offset
	c.valid = true
	return c.data, nil
}

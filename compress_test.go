package qcow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeflateDecompressor(t *testing.T) {
	data := pattern(7, 4096)
	stream := deflate(t, data)

	dst := make([]byte, 4096)
	require.NoError(t, (&DeflateDecompressor{}).Decompress(dst, stream))
	assert.Equal(t, data, dst)
}

func TestDeflateDecompressorReusesDecoder(t *testing.T) {
	d := &DeflateDecompressor{}
	dst := make([]byte, 4096)

	first := pattern(1, 4096)
	require.NoError(t, d.Decompress(dst, deflate(t, first)))
	assert.Equal(t, first, dst)
	decoder := d.r

	// A failed stream leaves the decoder usable for the next cluster.
	require.Error(t, d.Decompress(dst, bytes.Repeat([]byte{0xff}, 64)))

	second := pattern(2, 4096)
	require.NoError(t, d.Decompress(dst, deflate(t, second)))
	assert.Equal(t, second, dst)
	assert.Same(t, decoder, d.r)
}

func TestDeflateDecompressorShortStream(t *testing.T) {
	stream := deflate(t, pattern(7, 2048))

	err := (&DeflateDecompressor{}).Decompress(make([]byte, 4096), stream)
	assert.Error(t, err)
}

func TestDeflateDecompressorOversizedStream(t *testing.T) {
	stream := deflate(t, pattern(7, 8192))

	err := (&DeflateDecompressor{}).Decompress(make([]byte, 4096), stream)
	assert.ErrorIs(t, err, ErrBadCluster)
}

func TestDeflateDecompressorCorruptStream(t *testing.T) {
	// BTYPE 11 is reserved.
	stream := bytes.Repeat([]byte{0xff}, 64)

	err := (&DeflateDecompressor{}).Decompress(make([]byte, 4096), stream)
	assert.Error(t, err)
}

func TestClusterCache(t *testing.T) {
	data := pattern(3, 4096)
	stream := deflate(t, data)
	s := &memStore{}
	_, err := s.WriteAt(stream, 8192)
	require.NoError(t, err)

	c := newClusterCache(&DeflateDecompressor{}, 4096)
	d := Descriptor{Kind: Compressed, Offset: 8192, Length: uint64(len(stream))}

	got, err := c.get(s, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, s.reads)

	// Same stream again is served from memory.
	got, err = c.get(s, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, s.reads)
}

func TestClusterCacheFailureInvalidates(t *testing.T) {
	data := pattern(3, 4096)
	stream := deflate(t, data)
	s := &memStore{}
	_, err := s.WriteAt(stream, 8192)
	require.NoError(t, err)
	_, err = s.WriteAt(bytes.Repeat([]byte{0xff}, 64), 16384)
	require.NoError(t, err)

	c := newClusterCache(&DeflateDecompressor{}, 4096)
	good := Descriptor{Kind: Compressed, Offset: 8192, Length: uint64(len(stream))}
	bad := Descriptor{Kind: Compressed, Offset: 16384, Length: 64}

	_, err = c.get(s, good)
	require.NoError(t, err)

	_, err = c.get(s, bad)
	var ce *CodecError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(16384), ce.Offset)
	assert.False(t, c.valid)

	// A retry of the failed stream does not hit a stale tag.
	reads := s.reads
	_, err = c.get(s, bad)
	require.Error(t, err)
	assert.Equal(t, reads+1, s.reads)

	got, err := c.get(s, good)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClusterCacheZeroLength(t *testing.T) {
	c := newClusterCache(&DeflateDecompressor{}, 4096)

	_, err := c.get(&memStore{}, Descriptor{Kind: Compressed, Offset: 4096})
	assert.ErrorIs(t, err, ErrBadCluster)
}

func TestClusterCacheReadFailure(t *testing.T) {
	c := newClusterCache(&DeflateDecompressor{}, 4096)
	s := &memStore{failReads: true}

	_, err := c.get(s, Descriptor{Kind: Compressed, Offset: 4096, Length: 100})
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, errInjected)
}

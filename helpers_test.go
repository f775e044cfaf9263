package qcow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

type writeRecord struct {
	off int64
	n   int
}

// memStore is an in-memory Store that counts calls and can fail reads.
type memStore struct {
	data []byte

	reads  int
	sizes  int
	syncs  int
	writes []writeRecord

	failReads  bool
	failWrites bool
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.reads++
	if m.failReads {
		return 0, errInjected
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	if m.failWrites {
		return 0, errInjected
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, len(m.data), max(end, 2*int64(cap(m.data))))
			copy(grown, m.data)
			m.data = grown
		}
		m.data = m.data[:end]
	}
	copy(m.data[off:], p)
	m.writes = append(m.writes, writeRecord{off: off, n: len(p)})
	return len(p), nil
}

func (m *memStore) Size() (int64, error) {
	m.sizes++
	return int64(len(m.data)), nil
}

func (m *memStore) Sync() error {
	m.syncs++
	return nil
}

func (m *memStore) uint64At(off uint64) uint64 {
	return binary.BigEndian.Uint64(m.data[off:])
}

type buildOpts struct {
	clusterBits uint8
	l2Bits      uint8
	crypt       uint32
	backing     string
}

// imageBuilder lays out a QCOW image the way qemu does: header, backing
// file name, L1 table, then clusters appended at the aligned end.
type imageBuilder struct {
	t     testing.TB
	store *memStore
	hdr   *Header
	geo   Geometry
}

func buildImage(t testing.TB, size uint64, o buildOpts) *imageBuilder {
	t.Helper()
	if o.clusterBits == 0 {
		o.clusterBits = 12
	}
	if o.l2Bits == 0 {
		o.l2Bits = 9
	}

	hdr := &Header{
		Magic:       Magic,
		Version:     Version,
		Size:        size,
		ClusterBits: o.clusterBits,
		L2Bits:      o.l2Bits,
		CryptMethod: o.crypt,
	}
	off := uint64(HeaderSize)
	if o.backing != "" {
		hdr.BackingFileOffset = off
		hdr.BackingFileSize = uint32(len(o.backing))
		off += uint64(len(o.backing))
	}
	hdr.L1TableOffset = (off + 7) &^ 7
	require.NoError(t, hdr.Validate())

	geo := newGeometry(hdr)
	data := make([]byte, hdr.L1TableOffset+geo.L1Size*8)
	copy(data, hdr.Encode())
	copy(data[HeaderSize:], o.backing)

	return &imageBuilder{t: t, store: &memStore{data: data}, hdr: hdr, geo: geo}
}

// appendCluster writes p at the cluster-aligned end and returns its offset.
func (b *imageBuilder) appendCluster(p []byte) uint64 {
	off := b.geo.alignUp(uint64(len(b.store.data)))
	_, err := b.store.WriteAt(p, int64(off))
	require.NoError(b.t, err)
	return off
}

// l2Offset returns the L2 table for l1Index, allocating it if needed.
func (b *imageBuilder) l2Offset(l1Index uint64) uint64 {
	slot := b.hdr.L1TableOffset + l1Index*8
	if off := b.store.uint64At(slot); off != 0 {
		return off
	}
	off := b.appendCluster(make([]byte, b.geo.L2TableBytes()))
	b.setL1(l1Index, off)
	return off
}

func (b *imageBuilder) setL1(l1Index, raw uint64) {
	binary.BigEndian.PutUint64(b.store.data[b.hdr.L1TableOffset+l1Index*8:], raw)
}

// setEntry stores a raw descriptor for guest cluster.
func (b *imageBuilder) setEntry(cluster, raw uint64) {
	l2 := b.l2Offset(cluster >> b.geo.L2Bits)
	binary.BigEndian.PutUint64(b.store.data[l2+(cluster&(b.geo.L2Size-1))*8:], raw)
}

// addPlain stores a cluster-sized block as guest cluster.
func (b *imageBuilder) addPlain(cluster uint64, data []byte) uint64 {
	require.Len(b.t, data, int(b.geo.ClusterSize))
	b.l2Offset(cluster >> b.geo.L2Bits)
	off := b.appendCluster(data)
	b.setEntry(cluster, Descriptor{Kind: Plain, Offset: off}.Encode(b.geo))
	return off
}

// addCompressed deflates data and stores it as guest cluster.
func (b *imageBuilder) addCompressed(cluster uint64, data []byte) Descriptor {
	require.Len(b.t, data, int(b.geo.ClusterSize))
	stream := deflate(b.t, data)
	require.Less(b.t, len(stream), int(b.geo.ClusterSize))

	b.l2Offset(cluster >> b.geo.L2Bits)
	d := Descriptor{Kind: Compressed, Offset: b.appendCluster(stream), Length: uint64(len(stream))}
	b.setEntry(cluster, d.Encode(b.geo))
	return d
}

func (b *imageBuilder) open(opts ...Option) *Image {
	b.t.Helper()
	img, err := Open(b.store, opts...)
	require.NoError(b.t, err)
	return img
}

// deflate compresses data as a raw deflate stream.
func deflate(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// pattern returns n bytes that differ per sector and per seed.
func pattern(seed byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i/SectorSize) + byte(i%251)
	}
	return p
}

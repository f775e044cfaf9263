package qcow

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Image is an open QCOW image. It exposes the guest disk as a flat array
// of 512-byte sectors and also implements io.ReaderAt, io.WriterAt and
// io.ReadWriteSeeker.
//
// An Image is not safe for concurrent use. Callers serialize requests, or
// hand the image to a Worker.
type Image struct {
	store  Store
	header *Header
	geo    Geometry

	// L1 table - loaded entirely into memory
	l1 *l1Table

	// L2 cache - keeps recently used L2 tables in memory
	l2 *l2Cache

	// Most recently inflated compressed cluster
	clusters *clusterCache

	// Sector cipher for AES images; nil until a key is supplied
	cipher SectorCipher

	// Next allocation point: the end of the store as seen by this handle
	end uint64

	// Cursor for Read, Write and Seek, in bytes
	pos int64

	// Cluster-sized buffer for write merges
	scratch []byte

	readOnly    bool
	writePolicy WritePolicy
	closed      bool

	id  string
	log *zap.Logger
}

// Open opens an image on an existing store.
func Open(store Store, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}

	header, err := readHeader(store)
	if err != nil {
		return nil, err
	}

	geo := newGeometry(header)
	id := uuid.NewString()
	log := o.log.With(zap.String("image", id))

	end, err := store.Size()
	if err != nil {
		return nil, &IOError{Op: "stat store", Err: err}
	}

	// The L1 table is sized from the header; it must fit in the store
	// before anything is allocated for it.
	if l1Bytes := geo.L1Size * 8; header.L1TableOffset > uint64(end) || l1Bytes > uint64(end)-header.L1TableOffset {
		return nil, &IOError{
			Op:     "read L1 table",
			Offset: int64(header.L1TableOffset),
			Err:    fmt.Errorf("%w: table of %d bytes past end of store (%d bytes)", ErrShortTransfer, l1Bytes, end),
		}
	}

	l1, err := loadL1Table(store, header.L1TableOffset, geo.L1Size)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to load L1 table: %w", err)
	}

	img := &Image{
		store:       store,
		header:      header,
		geo:         geo,
		l1:          l1,
		end:         uint64(end),
		scratch:     make([]byte, geo.ClusterSize),
		readOnly:    o.readOnly,
		writePolicy: o.writePolicy,
		id:          id,
		log:         log,
	}
	img.l2 = newL2Cache(o.l2CacheSize, newEvictionPolicy(o.l2Policy, o.l2CacheSize), img, log)
	img.clusters = newClusterCache(o.decompressor, geo.ClusterSize)

	if header.IsEncrypted() {
		switch {
		case o.cipher != nil:
			img.cipher = o.cipher
		case o.key != nil:
			if err := img.SetKey(o.key); err != nil {
				return nil, err
			}
		}
	}

	log.Debug("opened image",
		zap.Uint64("size", header.Size),
		zap.Uint64("cluster_size", geo.ClusterSize),
		zap.Uint64("l2_size", geo.L2Size),
		zap.Uint64("l1_size", geo.L1Size),
		zap.Uint32("crypt_method", header.CryptMethod),
		zap.Stringer("cache_policy", o.l2Policy),
		zap.Stringer("write_policy", o.writePolicy),
		zap.Bool("read_only", o.readOnly))

	return img, nil
}

// OpenFile opens an image file. flag is passed to os.OpenFile; images
// opened without os.O_RDWR or os.O_WRONLY are read-only. The file is
// locked against other writers until Close.
func OpenFile(path string, flag int, opts ...Option) (*Image, error) {
	fs, err := openFileStore(path, flag)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		opts = append(opts, WithReadOnly())
	}

	img, err := Open(fs, opts...)
	if err != nil {
		fs.Close()
		return nil, err
	}
	return img, nil
}

// readHeader reads and validates the header. A bad magic number is
// reported before any further I/O.
func readHeader(s Store) (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := s.ReadAt(buf, 0)
	if n >= 4 {
		if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
			return nil, &FormatError{Field: "magic", Value: uint64(magic), Err: ErrInvalidMagic}
		}
	}
	if n < HeaderSize {
		if err == nil || err == io.EOF {
			err = fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, n, HeaderSize)
		}
		return nil, &IOError{Op: "read header", Offset: 0, Err: err}
	}

	header, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return header, nil
}

// Size returns the virtual size of the image in bytes.
func (img *Image) Size() int64 {
	return int64(img.header.Size)
}

// Sectors returns the number of addressable guest sectors.
func (img *Image) Sectors() uint64 {
	return img.geo.TotalSectors
}

// ClusterSize returns the cluster size in bytes.
func (img *Image) ClusterSize() int {
	return int(img.geo.ClusterSize)
}

// Header returns the image header (read-only).
func (img *Image) Header() Header {
	return *img.header
}

// Geometry returns the values derived from the header.
func (img *Image) Geometry() Geometry {
	return img.geo
}

// IsEncrypted returns true if the image declares AES encryption.
func (img *Image) IsEncrypted() bool {
	return img.header.IsEncrypted()
}

// CacheStats returns L2 cache counters.
func (img *Image) CacheStats() CacheStats {
	return img.l2.stats
}

// ID returns the identifier attached to this handle's log entries.
func (img *Image) ID() string {
	return img.id
}

// checkRequest validates a sector request against the image bounds.
func (img *Image) checkRequest(sector uint64, buf []byte) error {
	if img.closed {
		return ErrClosed
	}
	if len(buf)%SectorSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, len(buf))
	}
	count := uint64(len(buf)) / SectorSize
	if sector > img.geo.TotalSectors || count > img.geo.TotalSectors-sector {
		return fmt.Errorf("%w: sectors [%d, %d) of %d", ErrOffsetOutOfRange, sector, sector+count, img.geo.TotalSectors)
	}
	return nil
}

// descriptorAt returns the descriptor of the cluster holding sector. A
// missing L2 table reads as an unallocated cluster.
func (img *Image) descriptorAt(sector uint64) (Descriptor, error) {
	l1Index, l2Index, _ := img.geo.split(sector)

	l2Offset := img.l1.get(l1Index)
	if l2Offset == 0 {
		return Descriptor{}, nil
	}

	t, err := img.l2.resolve(l2Offset)
	if err != nil {
		return Descriptor{}, err
	}
	return t.entries[l2Index], nil
}

// ReadSectors reads len(buf)/512 sectors starting at sector.
func (img *Image) ReadSectors(sector uint64, buf []byte) error {
	if err := img.checkRequest(sector, buf); err != nil {
		return err
	}
	c, err := img.cipherFor()
	if err != nil {
		return err
	}

	for len(buf) > 0 {
		_, _, in := img.geo.split(sector)
		n := min(img.geo.ClusterSectors-in, uint64(len(buf))/SectorSize)
		chunk := buf[:n*SectorSize]

		d, err := img.descriptorAt(sector)
		if err != nil {
			return err
		}

		switch d.Kind {
		case Unallocated:
			clear(chunk)

		case Compressed:
			data, err := img.clusters.get(img.store, d)
			if err != nil {
				return err
			}
			copy(chunk, data[in*SectorSize:])

		case Plain:
			if err := readFull(img.store, "read cluster", chunk, d.Offset+in*SectorSize); err != nil {
				return err
			}
			if err := decryptSectors(c, sector, chunk); err != nil {
				return err
			}
		}

		sector += n
		buf = buf[len(chunk):]
	}
	return nil
}

// WriteSectors writes len(buf)/512 sectors starting at sector.
//
// Plain clusters are updated in place, as qemu does, rather than copied
// to a fresh cluster at the end of the store; their descriptor never
// changes. Unallocated and compressed clusters get a new cluster at the
// end of the store holding the old contents merged with buf, and their
// descriptor is updated after the data is written.
func (img *Image) WriteSectors(sector uint64, buf []byte) error {
	if img.readOnly {
		return ErrReadOnly
	}
	if err := img.checkRequest(sector, buf); err != nil {
		return err
	}
	c, err := img.cipherFor()
	if err != nil {
		return err
	}

	for len(buf) > 0 {
		l1Index, l2Index, in := img.geo.split(sector)
		n := min(img.geo.ClusterSectors-in, uint64(len(buf))/SectorSize)
		chunk := buf[:n*SectorSize]

		t, err := img.l2ForWrite(l1Index)
		if err != nil {
			return err
		}

		d := t.entries[l2Index]
		if d.Kind == Plain {
			// A cluster at or past the end of the store is claimed so the
			// next allocation does not land on it.
			img.end = max(img.end, d.Offset+img.geo.ClusterSize)

			out := img.scratch[:len(chunk)]
			if err := encryptSectors(c, sector, out, chunk); err != nil {
				return err
			}
			if err := writeFull(img.store, "write cluster", out, d.Offset+in*SectorSize); err != nil {
				return err
			}
		} else {
			data, err := img.materialize(d)
			if err != nil {
				return err
			}
			copy(data[in*SectorSize:], chunk)
			if err := encryptSectors(c, sector-in, data, data); err != nil {
				return err
			}

			off := img.allocate(img.geo.ClusterSize)
			if err := writeFull(img.store, "write cluster", data, off); err != nil {
				return err
			}
			if err := img.barrier(); err != nil {
				return err
			}
			if err := img.setDescriptor(t, l2Index, Descriptor{Kind: Plain, Offset: off}); err != nil {
				return err
			}
			img.log.Debug("allocated cluster",
				zap.Uint64("sector", sector-in),
				zap.Uint64("offset", off),
				zap.Stringer("was", d))
		}

		sector += n
		buf = buf[len(chunk):]
	}
	return nil
}

// materialize fills the scratch buffer with the plaintext of a cluster
// that is about to be replaced.
func (img *Image) materialize(d Descriptor) ([]byte, error) {
	data := img.scratch
	if d.Kind != Compressed {
		clear(data)
		return data, nil
	}

	plain, err := img.clusters.get(img.store, d)
	if err != nil {
		return nil, err
	}
	copy(data, plain)
	return data, nil
}

// allocate reserves size bytes at the cluster-aligned end of the store.
func (img *Image) allocate(size uint64) uint64 {
	off := img.geo.alignUp(img.end)
	img.end = off + size
	return off
}

// l2ForWrite returns the L2 table for l1Index, creating it if needed. A
// new table is written before the L1 entry that points to it.
func (img *Image) l2ForWrite(l1Index uint64) (*l2Table, error) {
	if l2Offset := img.l1.get(l1Index); l2Offset != 0 {
		return img.l2.resolve(l2Offset)
	}

	size := img.geo.L2TableBytes()
	l2Offset := img.allocate(size)
	if err := writeFull(img.store, "write L2 table", make([]byte, size), l2Offset); err != nil {
		return nil, err
	}
	if err := img.barrier(); err != nil {
		return nil, err
	}
	if err := img.l1.setAndPersist(img.store, l1Index, l2Offset); err != nil {
		return nil, err
	}
	if err := img.barrier(); err != nil {
		return nil, err
	}

	img.log.Debug("allocated L2 table",
		zap.Uint64("l1_index", l1Index),
		zap.Uint64("offset", l2Offset))

	return img.l2.insert(l2Offset, make([]Descriptor, img.geo.L2Size))
}

// setDescriptor records d in a resident table, writing the entry through
// when the write policy asks for it.
func (img *Image) setDescriptor(t *l2Table, index uint64, d Descriptor) error {
	img.l2.markDirty(t, index, d)
	if img.writePolicy != WriteThrough {
		return nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], d.Encode(img.geo))
	if err := writeFull(img.store, "write L2 entry", buf[:], t.offset+index*8); err != nil {
		return err
	}
	t.dirty = false
	return img.barrier()
}

// barrier syncs the store between dependent writes under WriteThrough.
func (img *Image) barrier() error {
	if img.writePolicy != WriteThrough {
		return nil
	}
	return img.sync()
}

func (img *Image) sync() error {
	s, ok := img.store.(syncer)
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil {
		return &IOError{Op: "sync", Err: err}
	}
	return nil
}

// readL2 implements tableIO.
func (img *Image) readL2(offset uint64) ([]Descriptor, error) {
	raw := make([]byte, img.geo.L2TableBytes())
	if err := readFull(img.store, "read L2 table", raw, offset); err != nil {
		return nil, err
	}

	entries := make([]Descriptor, img.geo.L2Size)
	for i := range entries {
		entries[i] = DecodeDescriptor(binary.BigEndian.Uint64(raw[i*8:]), img.geo)
	}
	return entries, nil
}

// writeL2 implements tableIO.
func (img *Image) writeL2(offset uint64, entries []Descriptor) error {
	raw := make([]byte, len(entries)*8)
	for i, d := range entries {
		binary.BigEndian.PutUint64(raw[i*8:], d.Encode(img.geo))
	}
	if err := writeFull(img.store, "write L2 table", raw, offset); err != nil {
		return err
	}
	img.log.Debug("wrote back L2 table", zap.Uint64("offset", offset))
	return nil
}

// Flush writes back dirty L2 tables and syncs the store.
func (img *Image) Flush() error {
	if img.closed {
		return ErrClosed
	}
	if err := img.l2.flush(); err != nil {
		return err
	}
	return img.sync()
}

// Close flushes dirty L2 tables and releases the store. The store is
// closed even when the flush fails.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}

	var err error
	if !img.readOnly {
		err = img.Flush()
		if err != nil {
			img.log.Warn("flush on close failed",
				zap.Int("dirty_tables", img.l2.dirtyCount()),
				zap.Error(err))
		}
	}
	img.closed = true
	img.cipher = nil

	if c, ok := img.store.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}

	img.log.Debug("closed image", zap.Any("cache", img.l2.stats))
	return err
}

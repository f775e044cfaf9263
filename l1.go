package qcow

import "encoding/binary"

// l1Table is the fully resident first-level table. Entry i is zero or the
// host offset of the L2 table covering guest clusters
// [i<<l2_bits, (i+1)<<l2_bits).
type l1Table struct {
	offset  uint64
	entries []uint64
}

// loadL1Table reads size big-endian entries at offset.
func loadL1Table(s Store, offset, size uint64) (*l1Table, error) {
	raw := make([]byte, size*8)
	if err := readFull(s, "read L1 table", raw, offset); err != nil {
		return nil, err
	}

	t := &l1Table{offset: offset, entries: make([]uint64, size)}
	for i := range t.entries {
		t.entries[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return t, nil
}

// get returns the raw entry, 0 when no L2 table is allocated or the index
// lies past the table.
func (t *l1Table) get(index uint64) uint64 {
	if index >= uint64(len(t.entries)) {
		return 0
	}
	return t.entries[index]
}

// setAndPersist writes exactly one 8-byte slot. The in-memory entry only
// changes once the slot is on disk.
func (t *l1Table) setAndPersist(s Store, index, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	if err := writeFull(s, "write L1 entry", buf[:], t.offset+index*8); err != nil {
		return err
	}
	t.entries[index] = value
	return nil
}

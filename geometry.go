package qcow

// MaxL1Size keeps the L1 table's byte length within 32 bits.
const MaxL1Size = (1<<31 - 1) / 8

// Geometry holds the values derived from a validated header. It is
// immutable once the image is open.
type Geometry struct {
	ClusterBits       uint32
	ClusterSize       uint64
	ClusterSectors    uint64
	L2Bits            uint32
	L2Size            uint64 // Entries per L2 table
	L1Size            uint64 // Entries in the L1 table
	ClusterOffsetMask uint64
	TotalSectors      uint64
}

// newGeometry derives geometry from a header that passed Validate.
func newGeometry(h *Header) Geometry {
	g := Geometry{
		ClusterBits: uint32(h.ClusterBits),
		ClusterSize: uint64(1) << h.ClusterBits,
		L2Bits:      uint32(h.L2Bits),
		L2Size:      uint64(1) << h.L2Bits,
	}
	g.ClusterSectors = g.ClusterSize >> SectorBits
	g.ClusterOffsetMask = (uint64(1) << (63 - g.ClusterBits)) - 1

	shift := g.ClusterBits + g.L2Bits
	g.L1Size = (h.Size + (uint64(1) << shift) - 1) >> shift
	g.TotalSectors = h.Size >> SectorBits
	return g
}

// L2TableBytes returns the on-disk size of one L2 table.
func (g Geometry) L2TableBytes() uint64 {
	return g.L2Size * 8
}

// split maps a guest sector to its L1 index, L2 index and the sector's
// position inside its cluster.
func (g Geometry) split(sector uint64) (l1Index, l2Index, inCluster uint64) {
	cluster := sector / g.ClusterSectors
	l1Index = cluster >> g.L2Bits
	l2Index = cluster & (g.L2Size - 1)
	inCluster = sector & (g.ClusterSectors - 1)
	return l1Index, l2Index, inCluster
}

// alignUp rounds off up to the next cluster boundary.
func (g Geometry) alignUp(off uint64) uint64 {
	return (off + g.ClusterSize - 1) &^ (g.ClusterSize - 1)
}

package qcow

import "fmt"

// L2 entry flag for compressed clusters.
const DescriptorCompressed = uint64(1) << 63

// DescriptorKind is the allocation state of a guest cluster.
type DescriptorKind uint8

const (
	Unallocated DescriptorKind = iota
	Plain
	Compressed
)

func (k DescriptorKind) String() string {
	switch k {
	case Unallocated:
		return "unallocated"
	case Plain:
		return "plain"
	case Compressed:
		return "compressed"
	}
	return fmt.Sprintf("DescriptorKind(%d)", uint8(k))
}

// Descriptor is a decoded L2 entry.
//
// Raw layout (64 bits, big-endian on disk):
//
//	Bit 63 clear, value 0:  unallocated
//	Bit 63 clear, nonzero:  plain cluster, value is the host byte offset
//	Bit 63 set:             compressed cluster
//	    bits 0 .. 62-cluster_bits:            host byte offset of the stream
//	    bits 63-cluster_bits .. 62:           compressed length in bytes
type Descriptor struct {
	Kind   DescriptorKind
	Offset uint64
	Length uint64 // Compressed length; zero for plain clusters
}

// DecodeDescriptor interprets a raw L2 entry for the given geometry.
func DecodeDescriptor(raw uint64, g Geometry) Descriptor {
	if raw&DescriptorCompressed != 0 {
		return Descriptor{
			Kind:   Compressed,
			Offset: raw & g.ClusterOffsetMask,
			Length: (raw >> (63 - g.ClusterBits)) & (g.ClusterSize - 1),
		}
	}
	if raw == 0 {
		return Descriptor{}
	}
	return Descriptor{Kind: Plain, Offset: raw}
}

// Encode packs the descriptor back into its raw L2 form.
func (d Descriptor) Encode(g Geometry) uint64 {
	switch d.Kind {
	case Plain:
		return d.Offset &^ DescriptorCompressed
	case Compressed:
		return DescriptorCompressed |
			(d.Length&(g.ClusterSize-1))<<(63-g.ClusterBits) |
			d.Offset&g.ClusterOffsetMask
	}
	return 0
}

func (d Descriptor) String() string {
	switch d.Kind {
	case Plain:
		return fmt.Sprintf("plain@0x%x", d.Offset)
	case Compressed:
		return fmt.Sprintf("compressed@0x%x+%d", d.Offset, d.Length)
	}
	return "unallocated"
}

package qcow

import "fmt"

// CheckResult contains the results of an image consistency check.
type CheckResult struct {
	// Corruptions is the number of corrupted entries found.
	Corruptions int

	// Errors contains descriptions of any errors found.
	Errors []string

	// L2Tables is the number of allocated L2 tables.
	L2Tables uint64

	// AllocatedClusters is the number of plain data clusters.
	AllocatedClusters uint64

	// CompressedClusters is the number of compressed data clusters.
	CompressedClusters uint64

	// FragmentedClusters is the number of plain clusters not directly
	// following the previous guest cluster on the host.
	FragmentedClusters uint64

	// ReferencedClusters is the number of host clusters holding the
	// header, the L1 table, L2 tables or plain data.
	ReferencedClusters uint64

	// ImageEnd is the size of the store in bytes.
	ImageEnd uint64
}

// IsClean returns true if no errors or corruptions were found.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0 && len(r.Errors) == 0
}

func (r *CheckResult) corrupt(format string, args ...any) {
	r.Corruptions++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Check walks the L1 and L2 tables and verifies that every table and
// cluster they reference is aligned, lies inside the store and is not
// referenced twice. A writable image is flushed first, so the walk itself
// never writes; a failed flush is returned as the error.
func (img *Image) Check() (*CheckResult, error) {
	if img.closed {
		return nil, ErrClosed
	}
	if !img.readOnly {
		if err := img.Flush(); err != nil {
			return nil, err
		}
	}

	size, err := img.store.Size()
	if err != nil {
		return nil, &IOError{Op: "stat store", Err: err}
	}
	end := uint64(size)
	if img.end > end {
		end = img.end
	}

	result := &CheckResult{ImageEnd: uint64(size)}
	g := img.geo
	used := newClusterBitmap(g.alignUp(end) >> g.ClusterBits)

	// Header and L1 table may share clusters with each other
	markRange(used, 0, HeaderSize, g)
	markRange(used, img.l1.offset, g.L1Size*8, g)

	var lastDataCluster uint64
	for i := uint64(0); i < g.L1Size; i++ {
		l2Offset := img.l1.get(i)
		if l2Offset == 0 {
			continue
		}

		if l2Offset&(g.ClusterSize-1) != 0 {
			result.corrupt("L1[%d]: L2 table offset 0x%x is not cluster-aligned", i, l2Offset)
			continue
		}
		if l2Offset+g.L2TableBytes() > end {
			result.corrupt("L1[%d]: L2 table at 0x%x extends past end of image (0x%x)", i, l2Offset, end)
			continue
		}
		if markRange(used, l2Offset, g.L2TableBytes(), g) {
			result.corrupt("L1[%d]: L2 table at 0x%x overlaps other metadata or data", i, l2Offset)
			continue
		}
		result.L2Tables++

		t, err := img.l2.resolve(l2Offset)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("L1[%d]: failed to read L2 table at 0x%x: %v", i, l2Offset, err))
			continue
		}

		for j, d := range t.entries {
			switch d.Kind {
			case Compressed:
				result.CompressedClusters++
				if d.Length == 0 {
					result.corrupt("L2[%d][%d]: compressed cluster at 0x%x has zero length", i, j, d.Offset)
				} else if d.Offset+d.Length > end {
					result.corrupt("L2[%d][%d]: compressed cluster at 0x%x extends past end of image", i, j, d.Offset)
				}

			case Plain:
				if d.Offset&(g.ClusterSize-1) != 0 {
					result.corrupt("L2[%d][%d]: data offset 0x%x is not cluster-aligned", i, j, d.Offset)
					continue
				}
				if d.Offset+g.ClusterSize > g.alignUp(end) {
					result.corrupt("L2[%d][%d]: data cluster at 0x%x extends past end of image", i, j, d.Offset)
					continue
				}
				idx := d.Offset >> g.ClusterBits
				if used.mark(idx) {
					result.corrupt("L2[%d][%d]: data cluster at 0x%x is referenced twice", i, j, d.Offset)
					continue
				}
				result.AllocatedClusters++

				// Track fragmentation
				if lastDataCluster != 0 && idx != lastDataCluster+1 {
					result.FragmentedClusters++
				}
				lastDataCluster = idx
			}
		}
	}

	result.ReferencedClusters = used.count()
	return result, nil
}

// markRange marks every cluster touched by [off, off+n) and reports
// whether any of them was already marked.
func markRange(b *clusterBitmap, off, n uint64, g Geometry) bool {
	if n == 0 {
		return false
	}
	overlap := false
	for c := off >> g.ClusterBits; c <= (off+n-1)>>g.ClusterBits; c++ {
		if b.mark(c) {
			overlap = true
		}
	}
	return overlap
}

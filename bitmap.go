package qcow

import "math/bits"

// clusterBitmap records which host clusters are referenced. Each bit
// represents one cluster: 1 = referenced.
type clusterBitmap struct {
	// words stores the bitmap; each uint64 tracks 64 clusters
	words []uint64

	// numClusters is the total number of clusters tracked
	numClusters uint64
}

func newClusterBitmap(numClusters uint64) *clusterBitmap {
	return &clusterBitmap{
		words:       make([]uint64, (numClusters+63)/64),
		numClusters: numClusters,
	}
}

// mark sets the bit for clusterIdx and reports whether it was already
// set. Indexes past the end grow the bitmap.
func (b *clusterBitmap) mark(clusterIdx uint64) (wasSet bool) {
	if clusterIdx >= b.numClusters {
		b.grow(clusterIdx + 1)
	}
	wordIdx := clusterIdx / 64
	bit := uint64(1) << (clusterIdx % 64)

	wasSet = b.words[wordIdx]&bit != 0
	b.words[wordIdx] |= bit
	return wasSet
}

// count returns the number of referenced clusters.
func (b *clusterBitmap) count() uint64 {
	var n uint64
	for _, word := range b.words {
		n += uint64(bits.OnesCount64(word))
	}
	return n
}

// grow expands the bitmap to track more clusters.
func (b *clusterBitmap) grow(newNumClusters uint64) {
	if newNumClusters <= b.numClusters {
		return
	}

	newNumWords := (newNumClusters + 63) / 64
	if newNumWords > uint64(len(b.words)) {
		newWords := make([]uint64, newNumWords)
		copy(newWords, b.words)
		b.words = newWords
	}
	b.numClusters = newNumClusters
}

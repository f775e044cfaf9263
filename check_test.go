package qcow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCleanImage(t *testing.T) {
	b := buildImage(t, testImageSize, buildOpts{})
	b.addCompressed(5, pattern(1, 4096))
	img := b.open()
	defer img.Close()

	for i := uint64(0); i < 4; i++ {
		require.NoError(t, img.WriteSectors(i*8, pattern(byte(i), SectorSize)))
	}
	require.NoError(t, img.WriteSectors(2*sectorsPerL2, pattern(9, SectorSize)))

	result, err := img.Check()
	require.NoError(t, err)
	assert.True(t, result.IsClean(), "errors: %v", result.Errors)
	assert.Equal(t, uint64(2), result.L2Tables)
	assert.Equal(t, uint64(5), result.AllocatedClusters)
	assert.Equal(t, uint64(1), result.CompressedClusters)
	// header+L1, two L2 tables, five data clusters
	assert.Equal(t, uint64(8), result.ReferencedClusters)
}

func TestCheckEmptyImage(t *testing.T) {
	b := buildImage(t, testImageSize, buildOpts{})
	img := b.open()
	defer img.Close()

	result, err := img.Check()
	require.NoError(t, err)
	assert.True(t, result.IsClean())
	assert.Zero(t, result.L2Tables)
	assert.Equal(t, uint64(len(b.store.data)), result.ImageEnd)
}

func TestCheckDetectsCorruption(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *imageBuilder)
	}{
		{"misaligned L2 table", func(b *imageBuilder) {
			b.setL1(1, b.appendCluster(make([]byte, 4096))+8)
		}},
		{"L2 table past end", func(b *imageBuilder) {
			b.setL1(1, 1<<30)
		}},
		{"data cluster past end", func(b *imageBuilder) {
			b.setEntry(0, 1<<30)
		}},
		{"misaligned data cluster", func(b *imageBuilder) {
			off := b.addPlain(0, make([]byte, 4096))
			b.setEntry(1, off+512)
		}},
		{"cluster referenced twice", func(b *imageBuilder) {
			off := b.addPlain(0, make([]byte, 4096))
			b.setEntry(1, off)
		}},
		{"data cluster overlaps L2 table", func(b *imageBuilder) {
			b.setEntry(0, b.l2Offset(0))
		}},
		{"compressed cluster without length", func(b *imageBuilder) {
			off := b.appendCluster(make([]byte, 64))
			b.setEntry(0, Descriptor{Kind: Compressed, Offset: off}.Encode(b.geo))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := buildImage(t, testImageSize, buildOpts{})
			tt.setup(b)
			img := b.open()
			defer img.Close()

			result, err := img.Check()
			require.NoError(t, err)
			assert.False(t, result.IsClean())
			assert.Equal(t, 1, result.Corruptions, "errors: %v", result.Errors)
		})
	}
}

func TestCheckFragmentation(t *testing.T) {
	b := buildImage(t, testImageSize, buildOpts{})
	img := b.open()
	defer img.Close()

	// Guest clusters written in reverse are laid out backwards on the host.
	for i := 3; i >= 0; i-- {
		require.NoError(t, img.WriteSectors(uint64(i)*8, pattern(byte(i), SectorSize)))
	}

	result, err := img.Check()
	require.NoError(t, err)
	assert.True(t, result.IsClean())
	assert.Equal(t, uint64(4), result.AllocatedClusters)
	assert.Equal(t, uint64(3), result.FragmentedClusters)
}

func TestCheckClosedImage(t *testing.T) {
	img := buildImage(t, testImageSize, buildOpts{}).open()
	require.NoError(t, img.Close())

	_, err := img.Check()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCheckFlushesBeforeWalk(t *testing.T) {
	b := buildImage(t, testImageSize, buildOpts{})
	img := b.open(WithL2CacheSize(2))
	defer img.Close()

	// Three tables through a two-slot cache leave two of them dirty.
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, img.WriteSectors(i*sectorsPerL2, pattern(byte(i), SectorSize)))
	}
	require.Equal(t, 2, img.l2.dirtyCount())

	result, err := img.Check()
	require.NoError(t, err)
	assert.True(t, result.IsClean(), "errors: %v", result.Errors)
	assert.Equal(t, uint64(3), result.L2Tables)
	assert.Equal(t, uint64(3), result.AllocatedClusters)

	// Evictions during the walk had nothing left to write.
	writes := len(b.store.writes)
	_, err = img.Check()
	require.NoError(t, err)
	assert.Equal(t, writes, len(b.store.writes))
}

func TestCheckReportsFlushFailure(t *testing.T) {
	b := buildImage(t, testImageSize, buildOpts{})
	img := b.open()
	defer img.Close()

	require.NoError(t, img.WriteSectors(0, pattern(1, SectorSize)))
	b.store.failWrites = true

	_, err := img.Check()
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.ErrorIs(t, err, errInjected)

	b.store.failWrites = false
}

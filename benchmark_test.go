package qcow

import (
	"math/rand"
	"testing"
)

// setupBenchImage returns an in-memory image, optionally with every
// cluster allocated.
func setupBenchImage(b *testing.B, size uint64, preallocate bool) *Image {
	b.Helper()

	img := buildImage(b, size, buildOpts{clusterBits: 16, l2Bits: 13}).open()

	if preallocate {
		buf := make([]byte, 1024*1024) // 1MB buffer
		for i := range buf {
			buf[i] = byte(i & 0xff)
		}
		for off := uint64(0); off < size; off += uint64(len(buf)) {
			toWrite := min(uint64(len(buf)), size-off)
			if _, err := img.WriteAt(buf[:toWrite], int64(off)); err != nil {
				b.Fatalf("Preallocate write failed: %v", err)
			}
		}
		if err := img.Flush(); err != nil {
			b.Fatalf("Flush failed: %v", err)
		}
	}

	return img
}

// BenchmarkReadAt4K benchmarks 4KB sequential reads
func BenchmarkReadAt4K(b *testing.B) {
	const imageSize = 64 * 1024 * 1024 // 64MB
	const readSize = 4096

	img := setupBenchImage(b, imageSize, true)
	defer img.Close()

	buf := make([]byte, readSize)
	b.SetBytes(readSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off := int64((i * readSize) % (imageSize - readSize))
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

// BenchmarkReadAt1M benchmarks 1MB reads spanning multiple clusters
func BenchmarkReadAt1M(b *testing.B) {
	const imageSize = 128 * 1024 * 1024 // 128MB
	const readSize = 1024 * 1024        // 1MB

	img := setupBenchImage(b, imageSize, true)
	defer img.Close()

	buf := make([]byte, readSize)
	b.SetBytes(readSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off := int64((i * readSize) % (imageSize - readSize))
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

// BenchmarkReadAtRandom4K benchmarks 4KB random reads over more L2 tables
// than the cache holds, per eviction policy
func BenchmarkReadAtRandom4K(b *testing.B) {
	const imageSize = 256 * 1024 * 1024 // 256MB, 128 L2 tables of 2MB
	const readSize = 4096

	for _, policy := range []CachePolicy{PolicyFrequency, PolicyLRU} {
		b.Run(policy.String(), func(b *testing.B) {
			img := buildImage(b, imageSize, buildOpts{}).open(WithL2CachePolicy(policy))
			defer img.Close()

			// One allocated cluster per L2 table
			buf := make([]byte, readSize)
			for off := int64(0); off < imageSize; off += 2 * 1024 * 1024 {
				if _, err := img.WriteAt(buf, off); err != nil {
					b.Fatalf("WriteAt failed: %v", err)
				}
			}

			rng := rand.New(rand.NewSource(42))
			b.SetBytes(readSize)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				off := int64(rng.Intn(imageSize/readSize)) * readSize
				if _, err := img.ReadAt(buf, off); err != nil {
					b.Fatalf("ReadAt failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkWriteAt64K benchmarks cluster-sized sequential writes
func BenchmarkWriteAt64K(b *testing.B) {
	const imageSize = 64 * 1024 * 1024 // 64MB
	const writeSize = 64 * 1024        // 64KB = cluster size

	img := setupBenchImage(b, imageSize, false)
	defer img.Close()

	buf := make([]byte, writeSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	b.SetBytes(writeSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off := int64((i * writeSize) % (imageSize - writeSize))
		if _, err := img.WriteAt(buf, off); err != nil {
			b.Fatalf("WriteAt failed: %v", err)
		}
	}
}

// BenchmarkReadUnallocated benchmarks reads from unallocated clusters (returns zeros)
func BenchmarkReadUnallocated(b *testing.B) {
	const imageSize = 1024 * 1024 * 1024 // 1GB sparse
	const readSize = 4096

	img := setupBenchImage(b, imageSize, false)
	defer img.Close()

	buf := make([]byte, readSize)
	b.SetBytes(readSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off := int64((i * readSize) % (imageSize - readSize))
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

// BenchmarkOverwrite benchmarks writing to already-allocated clusters
func BenchmarkOverwrite(b *testing.B) {
	const imageSize = 16 * 1024 * 1024 // 16MB
	const writeSize = 4096

	img := setupBenchImage(b, imageSize, true)
	defer img.Close()

	buf := make([]byte, writeSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	b.SetBytes(writeSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		// Always write to the same location (overwrite, no allocation)
		if _, err := img.WriteAt(buf, 0); err != nil {
			b.Fatalf("WriteAt failed: %v", err)
		}
	}
}

// BenchmarkCompressedRead benchmarks reads inside one compressed cluster
func BenchmarkCompressedRead(b *testing.B) {
	const readSize = 4096

	bld := buildImage(b, 64*1024*1024, buildOpts{clusterBits: 16, l2Bits: 13})
	bld.addCompressed(0, pattern(1, 64*1024))
	img := bld.open()
	defer img.Close()

	buf := make([]byte, readSize)
	b.SetBytes(readSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		off := int64((i * readSize) % (64*1024 - readSize))
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

// BenchmarkEncryptedRead benchmarks AES sector decryption on reads
func BenchmarkEncryptedRead(b *testing.B) {
	const readSize = 64 * 1024

	img := buildImage(b, 64*1024*1024, buildOpts{clusterBits: 16, l2Bits: 13, crypt: CryptAES}).
		open(WithKey([]byte("benchmark")))
	defer img.Close()

	buf := make([]byte, readSize)
	if _, err := img.WriteAt(buf, 0); err != nil {
		b.Fatalf("WriteAt failed: %v", err)
	}
	b.SetBytes(readSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := img.ReadAt(buf, 0); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

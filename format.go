// Package qcow provides a pure Go implementation of the QCOW (version 1)
// disk image format.
package qcow

import (
	"encoding/binary"
	"fmt"
)

// QCOW magic number: "QFI\xfb"
const Magic = 0x514649fb

// Version is the only on-disk version this package understands.
const Version = 1

// HeaderSize is the size of the fixed on-disk header. The C layout pads
// two bytes after l2_bits so crypt_method lands on a 4-byte boundary.
const HeaderSize = 48

// SectorSize is the fixed logical addressing unit.
const (
	SectorBits = 9
	SectorSize = 1 << SectorBits
)

// Geometry limits, matching qemu's qcow driver.
const (
	MinClusterBits = 9  // 512 bytes
	MaxClusterBits = 16 // 64KB
	MinL2Bits      = 9 - 3
	MaxL2Bits      = 16

	// MaxBackingFileSize bounds the stored backing file name.
	MaxBackingFileSize = 1023
)

// Encryption methods
const (
	CryptNone = 0
	CryptAES  = 1
)

// Header represents the QCOW file header.
type Header struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	Mtime             uint32
	Size              uint64 // Virtual size in bytes
	ClusterBits       uint8
	L2Bits            uint8
	CryptMethod       uint32
	L1TableOffset     uint64
}

// ParseHeader decodes a QCOW header from raw bytes without validating it.
// The input must be at least HeaderSize bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("qcow: header too short: %d bytes", len(data))
	}

	return &Header{
		Magic:             binary.BigEndian.Uint32(data[0:4]),
		Version:           binary.BigEndian.Uint32(data[4:8]),
		BackingFileOffset: binary.BigEndian.Uint64(data[8:16]),
		BackingFileSize:   binary.BigEndian.Uint32(data[16:20]),
		Mtime:             binary.BigEndian.Uint32(data[20:24]),
		Size:              binary.BigEndian.Uint64(data[24:32]),
		ClusterBits:       data[32],
		L2Bits:            data[33],
		CryptMethod:       binary.BigEndian.Uint32(data[36:40]),
		L1TableOffset:     binary.BigEndian.Uint64(data[40:48]),
	}, nil
}

// Validate checks the header fields that size in-memory structures or
// select behavior. Violations are reported as *FormatError.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return &FormatError{Field: "magic", Value: uint64(h.Magic), Err: ErrInvalidMagic}
	}
	if h.Version != Version {
		return &FormatError{Field: "version", Value: uint64(h.Version), Err: ErrUnsupportedVersion}
	}
	if h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits {
		return &FormatError{Field: "cluster_bits", Value: uint64(h.ClusterBits), Err: ErrInvalidClusterBits}
	}
	if h.L2Bits < MinL2Bits || h.L2Bits > MaxL2Bits {
		return &FormatError{Field: "l2_bits", Value: uint64(h.L2Bits), Err: ErrInvalidL2Bits}
	}
	switch h.CryptMethod {
	case CryptNone, CryptAES:
	default:
		return &FormatError{Field: "crypt_method", Value: uint64(h.CryptMethod), Err: ErrUnsupportedCipher}
	}
	if h.BackingFileSize > MaxBackingFileSize {
		return &FormatError{Field: "backing_file_size", Value: uint64(h.BackingFileSize), Err: ErrBackingNameTooLong}
	}

	shift := uint(h.ClusterBits) + uint(h.L2Bits)
	if shift < 64 {
		l1Size := (h.Size + (uint64(1) << shift) - 1) >> shift
		if h.Size > ^uint64(0)-(uint64(1)<<shift) || l1Size > MaxL1Size {
			return &FormatError{Field: "size", Value: h.Size, Err: ErrImageTooLarge}
		}
	}
	return nil
}

// IsEncrypted returns true if the image declares a cipher.
func (h *Header) IsEncrypted() bool {
	return h.CryptMethod != CryptNone
}

// ClusterSize returns the cluster size in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// Encode serializes the header to its 48-byte on-disk form.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(buf[20:24], h.Mtime)
	binary.BigEndian.PutUint64(buf[24:32], h.Size)
	buf[32] = h.ClusterBits
	buf[33] = h.L2Bits
	binary.BigEndian.PutUint32(buf[36:40], h.CryptMethod)
	binary.BigEndian.PutUint64(buf[40:48], h.L1TableOffset)

	return buf
}

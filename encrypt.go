package qcow

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// KeySize is the AES-128 key length used by the format.
const KeySize = 16

// SectorCipher transforms single sectors. dst and src are SectorSize
// bytes and may alias. The sector number is the absolute guest sector.
type SectorCipher interface {
	EncryptSector(sector uint64, dst, src []byte) error
	DecryptSector(sector uint64, dst, src []byte) error
}

// AESCipher is the format's AES-128-CBC sector cipher.
//
// Security warnings:
//   - The passphrase is used directly as key (no KDF)
//   - IVs are the sector number (plain64), so they are predictable
//
// It exists for compatibility with existing images.
type AESCipher struct {
	block cipher.Block
}

// NewAESCipher builds the cipher from a passphrase. The passphrase is
// truncated or zero-padded to 16 bytes.
func NewAESCipher(key []byte) (*AESCipher, error) {
	k := make([]byte, KeySize)
	copy(k, key)

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to create AES cipher: %w", err)
	}
	return &AESCipher{block: block}, nil
}

// sectorIV is the plain64 IV: sector number little-endian, zero padded.
func sectorIV(sector uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint64(iv, sector)
	return iv
}

func checkSector(dst, src []byte) error {
	if len(src) != SectorSize || len(dst) != SectorSize {
		return fmt.Errorf("qcow: cipher requires %d-byte sectors, got %d/%d", SectorSize, len(dst), len(src))
	}
	return nil
}

// EncryptSector encrypts one sector.
func (c *AESCipher) EncryptSector(sector uint64, dst, src []byte) error {
	if err := checkSector(dst, src); err != nil {
		return err
	}
	cipher.NewCBCEncrypter(c.block, sectorIV(sector)).CryptBlocks(dst, src)
	return nil
}

// DecryptSector decrypts one sector.
func (c *AESCipher) DecryptSector(sector uint64, dst, src []byte) error {
	if err := checkSector(dst, src); err != nil {
		return err
	}
	cipher.NewCBCDecrypter(c.block, sectorIV(sector)).CryptBlocks(dst, src)
	return nil
}

// nopCipher is used for images without encryption.
type nopCipher struct{}

func (nopCipher) EncryptSector(_ uint64, dst, src []byte) error {
	if err := checkSector(dst, src); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (nopCipher) DecryptSector(_ uint64, dst, src []byte) error {
	if err := checkSector(dst, src); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// SetKey supplies the key for an AES image after open.
func (img *Image) SetKey(key []byte) error {
	if img.header.CryptMethod != CryptAES {
		return fmt.Errorf("%w (method=%d)", ErrNotEncrypted, img.header.CryptMethod)
	}

	c, err := NewAESCipher(key)
	if err != nil {
		return err
	}
	img.cipher = c
	return nil
}

// cipherFor returns the sector transform, failing for an AES image with
// no key yet.
func (img *Image) cipherFor() (SectorCipher, error) {
	if !img.header.IsEncrypted() {
		return nopCipher{}, nil
	}
	if img.cipher == nil {
		return nil, ErrKeyMissing
	}
	return img.cipher, nil
}

// decryptSectors decrypts buf in place; first is the guest sector of
// buf[0:512].
func decryptSectors(c SectorCipher, first uint64, buf []byte) error {
	for i := 0; i < len(buf); i += SectorSize {
		s := buf[i : i+SectorSize]
		if err := c.DecryptSector(first+uint64(i/SectorSize), s, s); err != nil {
			return err
		}
	}
	return nil
}

// encryptSectors encrypts src into dst sector by sector.
func encryptSectors(c SectorCipher, first uint64, dst, src []byte) error {
	for i := 0; i < len(src); i += SectorSize {
		if err := c.EncryptSector(first+uint64(i/SectorSize), dst[i:i+SectorSize], src[i:i+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

package qcow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// WritePolicy controls when changed L2 descriptors reach the store.
type WritePolicy int

const (
	// WriteBack keeps changed L2 tables in the cache and writes them when
	// evicted, on Flush and on Close. A crash can lose recent allocations.
	WriteBack WritePolicy = iota

	// WriteThrough writes each changed descriptor immediately and syncs
	// the store after metadata updates.
	WriteThrough
)

func (p WritePolicy) String() string {
	if p == WriteThrough {
		return "write-through"
	}
	return "write-back"
}

// ParseWritePolicy parses "write-back" or "write-through".
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "write-back", "writeback":
		return WriteBack, nil
	case "write-through", "writethrough":
		return WriteThrough, nil
	}
	return 0, fmt.Errorf("qcow: unknown write policy %q", s)
}

// Option configures how an image is opened.
type Option func(*imageOptions)

// imageOptions holds configuration for opening an image.
type imageOptions struct {
	key          []byte
	readOnly     bool
	log          *zap.Logger
	l2CacheSize  int
	l2Policy     CachePolicy
	writePolicy  WritePolicy
	decompressor Decompressor
	cipher       SectorCipher
}

// defaultImageOptions returns the default configuration.
func defaultImageOptions() *imageOptions {
	return &imageOptions{
		log:          zap.NewNop(),
		l2CacheSize:  DefaultL2CacheSize,
		l2Policy:     PolicyFrequency,
		writePolicy:  WriteBack,
		decompressor: &DeflateDecompressor{},
	}
}

// WithKey supplies the passphrase for an AES encrypted image. It is
// ignored for unencrypted images.
func WithKey(key []byte) Option {
	return func(o *imageOptions) {
		o.key = append([]byte(nil), key...)
	}
}

// WithReadOnly rejects writes through the handle.
func WithReadOnly() Option {
	return func(o *imageOptions) {
		o.readOnly = true
	}
}

// WithLogger sets the logger for cache and allocation events.
func WithLogger(log *zap.Logger) Option {
	return func(o *imageOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithL2CacheSize sets the number of resident L2 tables.
func WithL2CacheSize(size int) Option {
	return func(o *imageOptions) {
		if size > 0 {
			o.l2CacheSize = size
		}
	}
}

// WithL2CachePolicy selects the L2 cache eviction strategy.
func WithL2CachePolicy(p CachePolicy) Option {
	return func(o *imageOptions) {
		o.l2Policy = p
	}
}

// WithWritePolicy selects write-back or write-through L2 updates.
func WithWritePolicy(p WritePolicy) Option {
	return func(o *imageOptions) {
		o.writePolicy = p
	}
}

// WithDecompressor replaces the deflate codec for compressed clusters.
func WithDecompressor(d Decompressor) Option {
	return func(o *imageOptions) {
		if d != nil {
			o.decompressor = d
		}
	}
}

// WithCipher replaces the AES sector cipher of an encrypted image. It
// takes precedence over WithKey.
func WithCipher(c SectorCipher) Option {
	return func(o *imageOptions) {
		o.cipher = c
	}
}

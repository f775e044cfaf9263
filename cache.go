package qcow

import (
	"errors"

	"go.uber.org/zap"
)

// DefaultL2CacheSize is the number of resident L2 tables.
const DefaultL2CacheSize = 16

// errL2Unallocated is returned by resolve for a zero L2 offset. Only the
// write path reaches it; reads treat a zero L1 entry as a zero cluster.
var errL2Unallocated = errors.New("qcow: L2 table not allocated")

// l2Table is one resident L2 table, decoded into descriptors.
type l2Table struct {
	offset  uint64
	entries []Descriptor
	dirty   bool
}

// tableIO moves whole L2 tables between the cache and the store.
type tableIO interface {
	readL2(offset uint64) ([]Descriptor, error)
	writeL2(offset uint64, entries []Descriptor) error
}

// CacheStats counts L2 cache activity since open.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

// l2Cache is a fixed set of slots holding decoded L2 tables. At most one
// slot holds a given offset. Not safe for concurrent use; the owning
// Image serializes access.
type l2Cache struct {
	slots  []*l2Table
	policy EvictionPolicy
	io     tableIO
	stats  CacheStats
	log    *zap.Logger
}

func newL2Cache(capacity int, policy EvictionPolicy, tio tableIO, log *zap.Logger) *l2Cache {
	return &l2Cache{
		slots:  make([]*l2Table, capacity),
		policy: policy,
		io:     tio,
		log:    log,
	}
}

// lookup returns the slot index holding offset, or -1.
func (c *l2Cache) lookup(offset uint64) int {
	for i, t := range c.slots {
		if t != nil && t.offset == offset {
			return i
		}
	}
	return -1
}

// resolve returns the L2 table stored at offset, loading it on a miss.
func (c *l2Cache) resolve(offset uint64) (*l2Table, error) {
	if offset == 0 {
		return nil, errL2Unallocated
	}

	if i := c.lookup(offset); i >= 0 {
		c.stats.Hits++
		c.policy.Hit(i)
		return c.slots[i], nil
	}
	c.stats.Misses++

	entries, err := c.io.readL2(offset)
	if err != nil {
		return nil, err
	}
	return c.install(&l2Table{offset: offset, entries: entries})
}

// insert places a freshly allocated table in the cache without reading it
// back from the store.
func (c *l2Cache) insert(offset uint64, entries []Descriptor) (*l2Table, error) {
	if i := c.lookup(offset); i >= 0 {
		c.slots[i].entries = entries
		c.slots[i].dirty = false
		c.policy.Loaded(i)
		return c.slots[i], nil
	}
	return c.install(&l2Table{offset: offset, entries: entries})
}

// install evicts the policy's victim, writing it back first when dirty.
// A failed write-back leaves the victim resident.
func (c *l2Cache) install(t *l2Table) (*l2Table, error) {
	slot := c.policy.Victim()
	if old := c.slots[slot]; old != nil {
		if err := c.writeBack(old); err != nil {
			return nil, err
		}
		c.stats.Evictions++
		c.log.Debug("evicted L2 table",
			zap.Int("slot", slot),
			zap.Uint64("offset", old.offset))
	}

	c.slots[slot] = t
	c.policy.Loaded(slot)
	return t, nil
}

// markDirty updates one descriptor of a resident table.
func (c *l2Cache) markDirty(t *l2Table, index uint64, d Descriptor) {
	t.entries[index] = d
	t.dirty = true
}

func (c *l2Cache) writeBack(t *l2Table) error {
	if !t.dirty {
		return nil
	}
	if err := c.io.writeL2(t.offset, t.entries); err != nil {
		return err
	}
	t.dirty = false
	c.stats.WriteBacks++
	return nil
}

// flush writes back every dirty resident table.
func (c *l2Cache) flush() error {
	for _, t := range c.slots {
		if t == nil {
			continue
		}
		if err := c.writeBack(t); err != nil {
			return err
		}
	}
	return nil
}

// dirtyCount returns how many resident tables await write-back.
func (c *l2Cache) dirtyCount() int {
	n := 0
	for _, t := range c.slots {
		if t != nil && t.dirty {
			n++
		}
	}
	return n
}

package qcow

import (
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// CachePolicy selects the L2 table cache eviction strategy.
type CachePolicy int

const (
	// PolicyFrequency evicts the slot with the lowest usage count, lowest
	// slot index first. Counts are halved when one saturates, so old
	// popularity decays. This is the on-disk format's historical policy.
	PolicyFrequency CachePolicy = iota

	// PolicyLRU evicts the least recently used slot.
	PolicyLRU
)

func (p CachePolicy) String() string {
	switch p {
	case PolicyFrequency:
		return "frequency"
	case PolicyLRU:
		return "lru"
	}
	return fmt.Sprintf("CachePolicy(%d)", int(p))
}

// ParseCachePolicy parses "frequency" or "lru".
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "frequency", "lfu":
		return PolicyFrequency, nil
	case "lru":
		return PolicyLRU, nil
	}
	return 0, fmt.Errorf("qcow: unknown cache policy %q", s)
}

// EvictionPolicy decides which cache slot to replace. Slots are numbered
// 0..capacity-1; the cache calls Hit on every lookup that finds a slot,
// Loaded after filling one, and Victim when it needs a slot to fill.
type EvictionPolicy interface {
	Hit(slot int)
	Loaded(slot int)
	Victim() int
}

func newEvictionPolicy(p CachePolicy, capacity int) EvictionPolicy {
	if p == PolicyLRU {
		return newLRUPolicy(capacity)
	}
	return newFrequencyPolicy(capacity)
}

// frequencyPolicy keeps one usage counter per slot. Empty slots count 0.
type frequencyPolicy struct {
	counts []uint32
	limit  uint32
}

func newFrequencyPolicy(capacity int) *frequencyPolicy {
	return &frequencyPolicy{
		counts: make([]uint32, capacity),
		limit:  math.MaxUint32,
	}
}

func (p *frequencyPolicy) Hit(slot int) {
	p.counts[slot]++
	if p.counts[slot] >= p.limit {
		for i := range p.counts {
			p.counts[i] >>= 1
		}
	}
}

func (p *frequencyPolicy) Loaded(slot int) {
	p.counts[slot] = 1
}

func (p *frequencyPolicy) Victim() int {
	victim := 0
	for i, c := range p.counts {
		if c < p.counts[victim] {
			victim = i
		}
	}
	return victim
}

// lruPolicy tracks slot recency with a bounded LRU list.
type lruPolicy struct {
	capacity int
	order    *simplelru.LRU[int, struct{}]
}

func newLRUPolicy(capacity int) *lruPolicy {
	order, err := simplelru.NewLRU[int, struct{}](capacity, nil)
	if err != nil {
		// Only fails for a non-positive size, which options reject.
		panic(fmt.Sprintf("qcow: lru policy: %v", err))
	}
	return &lruPolicy{capacity: capacity, order: order}
}

func (p *lruPolicy) Hit(slot int) {
	p.order.Get(slot)
}

func (p *lruPolicy) Loaded(slot int) {
	p.order.Add(slot, struct{}{})
}

func (p *lruPolicy) Victim() int {
	if p.order.Len() < p.capacity {
		for i := 0; i < p.capacity; i++ {
			if !p.order.Contains(i) {
				return i
			}
		}
	}
	slot, _, _ := p.order.GetOldest()
	return slot
}

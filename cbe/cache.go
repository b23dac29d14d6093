package cbe

import (
	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Idx is a cache slot handle (spec.md §9: "reference other modules' data
// exclusively via PBAs and module-local indices", never pointers).
type Idx int

const invalidIdx Idx = -1

// cacheEntry is one arena slot.
type cacheEntry struct {
	pba     PBA
	data    Block
	dirty   bool
	pending bool // fetch submitted, awaiting mark_complete
}

// Cache is the PBA-indexed block buffer (spec.md §4.1). Clean slots are
// tracked by an LRU so eviction always picks the least-recently-used
// non-dirty entry; a second-level fastcache.Cache holds evicted clean
// blocks (teacher idiom: triedb/pathdb's disklayer keeps a small "clean
// cache" behind the live dirty layers so a re-read doesn't always cost a
// backend round trip).
type Cache struct {
	capacity int
	arena    []cacheEntry
	byPBA    map[PBA]Idx
	free     []Idx

	clean *lru.Cache[PBA, Idx] // tracks recency for eviction of non-dirty slots
	shadow *fastcache.Cache    // evicted clean blocks, keyed by encoded PBA

	generated []Primitive // pending READ primitives, one per submitted fetch, FIFO
	genPBA    []PBA
}

// NewCache allocates a cache with the given arena capacity. Per spec.md
// §4.1 capacity should be >= height+degree+8; the Library passes
// Config.CacheCapacity, which is not derived from the snapshot's geometry.
func NewCache(capacity int, shadowBytes int) *Cache {
	c := &Cache{
		capacity: capacity,
		arena:    make([]cacheEntry, capacity),
		byPBA:    make(map[PBA]Idx, capacity),
		shadow:   fastcache.New(shadowBytes),
	}
	c.free = make([]Idx, capacity)
	for i := range c.free {
		c.free[i] = Idx(capacity - 1 - i)
	}
	clean, _ := lru.New[PBA, Idx](capacity)
	c.clean = clean
	return c
}

// Available reports whether pba is already resident (regardless of
// pending state).
func (c *Cache) Available(pba PBA) bool {
	_, ok := c.byPBA[pba]
	return ok
}

// Acceptable reports whether the cache has room to start a new fetch:
// either a free slot, or an evictable (resident, clean, non-pending)
// slot.
func (c *Cache) Acceptable() bool {
	if len(c.free) > 0 {
		return true
	}
	return c.clean.Len() > 0
}

func pbaKey(pba PBA) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pba >> (8 * i))
	}
	return b[:]
}

// Submit enqueues a fetch for pba, evicting an LRU clean slot if the
// arena is full. Idempotent if a fetch for pba is already pending or the
// block is already resident.
func (c *Cache) Submit(pba PBA) {
	if _, ok := c.byPBA[pba]; ok {
		return
	}
	var idx Idx
	if len(c.free) > 0 {
		idx = c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
	} else {
		evictPBA, evictIdx, ok := c.clean.RemoveOldest()
		if !ok {
			panic("cbe: cache.Submit called while not acceptable")
		}
		idx = evictIdx
		delete(c.byPBA, evictPBA)
		stale := c.arena[idx]
		c.shadow.Set(pbaKey(stale.pba), stale.data[:])
	}
	c.arena[idx] = cacheEntry{pba: pba, pending: true}
	c.byPBA[pba] = idx
	c.generated = append(c.generated, Primitive{Tag: TagCacheIO, Op: OpRead, Block: pba})
	c.genPBA = append(c.genPBA, pba)

	if raw, ok := c.shadow.HasGet(nil, pbaKey(pba)); ok {
		var blk Block
		copy(blk[:], raw)
		c.MarkComplete(pba, blk)
	}
}

// Index returns the slot handle for a resident pba and records it as
// most-recently-used if clean.
func (c *Cache) Index(pba PBA) (Idx, bool) {
	idx, ok := c.byPBA[pba]
	if !ok || c.arena[idx].pending {
		return invalidIdx, false
	}
	if !c.arena[idx].dirty {
		c.clean.Add(pba, idx)
	}
	return idx, true
}

func (c *Cache) Data(idx Idx) *Block { return &c.arena[idx].data }

func (c *Cache) DataMut(idx Idx) *Block {
	c.arena[idx].dirty = true
	c.clean.Remove(c.arena[idx].pba)
	return &c.arena[idx].data
}

func (c *Cache) MarkDirty(idx Idx) {
	c.arena[idx].dirty = true
	c.clean.Remove(c.arena[idx].pba)
}

// Dirty reports whether any slot still needs flushing to the backend.
func (c *Cache) Dirty() bool {
	for i := range c.arena {
		if _, resident := c.byPBA[c.arena[i].pba]; resident && c.arena[i].dirty {
			return true
		}
	}
	return false
}

// DirtyPBAs lists every dirty resident PBA, for Sync-SB's flush step.
func (c *Cache) DirtyPBAs() []PBA {
	var out []PBA
	for pba, idx := range c.byPBA {
		if c.arena[idx].dirty {
			out = append(out, pba)
		}
	}
	return out
}

// ClearDirty marks pba clean after its flush write has been acked.
func (c *Cache) ClearDirty(pba PBA) {
	if idx, ok := c.byPBA[pba]; ok {
		c.arena[idx].dirty = false
		c.clean.Add(pba, idx)
	}
}

// PeekGenerated returns the oldest pending READ primitive, or the zero
// Primitive if none is pending.
func (c *Cache) PeekGenerated() Primitive {
	if len(c.generated) == 0 {
		return Primitive{}
	}
	return c.generated[0]
}

// DropGenerated removes the oldest pending READ primitive once the I/O
// dispatcher has taken ownership of it.
func (c *Cache) DropGenerated() {
	if len(c.generated) == 0 {
		return
	}
	c.generated = c.generated[1:]
	c.genPBA = c.genPBA[1:]
}

// MarkComplete delivers fetched data for pba and clears its pending bit.
func (c *Cache) MarkComplete(pba PBA, data Block) {
	idx, ok := c.byPBA[pba]
	if !ok {
		return
	}
	c.arena[idx].data = data
	c.arena[idx].pending = false
	c.clean.Add(pba, idx)
	for i, p := range c.genPBA {
		if p == pba {
			c.generated = append(c.generated[:i], c.generated[i+1:]...)
			c.genPBA = append(c.genPBA[:i], c.genPBA[i+1:]...)
			break
		}
	}
}

// Invalidate drops pba from the cache outright (used after a node has
// been relocated to a new PBA by write-back; the old PBA's image must
// not be served from the cache anymore).
func (c *Cache) Invalidate(pba PBA) {
	idx, ok := c.byPBA[pba]
	if !ok {
		return
	}
	delete(c.byPBA, pba)
	c.clean.Remove(pba)
	c.free = append(c.free, idx)
}

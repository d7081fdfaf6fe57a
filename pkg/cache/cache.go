// Package cache implements the client's on-disk, bounded, LRU-managed
// block cache (spec.md §4.3). Entries live in a fixed-size slot arena
// (spec.md §9, "use an arena of CacheSlot{sector, block_index, prev_idx,
// next_idx} indexed by integers") with no cyclic ownership: the ordered
// index maps sector to arena slot, and the LRU head/tail are slot indices.
package cache

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

const sectorSize = 512

// Segment is one scatter-gather target buffer supplied by the caller.
type Segment struct {
	Buf []byte
}

// slot is one arena entry: an LRU list node keyed by its own array index,
// which doubles as the on-disk block index.
type slot struct {
	sector     uint64
	prev, next int
	used       bool
}

const nilSlot = -1

// Cache is the per-device block cache. Zero value is the disabled state
// (no backing file configured): Search/Insert/Clear are no-ops, matching
// spec.md §4.3 ("When no cache file has been configured, all three
// operations are no-ops returning 0").
type Cache struct {
	mu sync.Mutex

	file      *os.File
	blockSize int
	maxBlocks int
	usedBlocks int

	index *btree.Map[uint64, int] // sector -> slot/block index, ordered by sector
	slots []slot

	lruHead, lruTail int

	hits, misses, lruReplacements uint64

	enabled bool
}

// New returns a disabled cache; call Configure to activate it.
func New() *Cache {
	return &Cache{lruHead: nilSlot, lruTail: nilSlot}
}

// Configure opens path read-write and activates the cache, deriving
// maxBlocks from file_size / block_size (spec.md §6, set_cache).
func Configure(path string, blockSize int) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	maxBlocks := int(info.Size() / int64(blockSize))
	if maxBlocks < 1 {
		f.Close()
		return nil, ErrBackingTooSmall
	}
	c := &Cache{
		file:      f,
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		index:     btree.NewMap[uint64, int](32),
		slots:     make([]slot, maxBlocks),
		lruHead:   nilSlot,
		lruTail:   nilSlot,
		enabled:   true,
	}
	log.Debugf("[CACHE] configured path=%s blockSize=%d maxBlocks=%d", path, blockSize, maxBlocks)
	return c, nil
}

// Clear drops all entries and closes the backing file (spec.md §3,
// "cleared on disconnect").
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		c.file.Close()
	}
	*c = Cache{lruHead: nilSlot, lruTail: nilSlot}
}

// Enabled reports whether a backing file has been configured.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stats returns the running hit/miss/eviction counters (spec.md §3).
func (c *Cache) Stats() (hits, misses, lruReplacements uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.lruReplacements
}

// Search looks up sector and, on a hit, copies up to one cached block's
// worth of bytes across segments in order, stopping once a full block has
// been copied. It returns the number of sectors served (spec.md §4.3).
func (c *Cache) Search(sector uint64, segments []Segment) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return 0, nil
	}
	blockIdx, ok := c.index.Get(sector)
	if !ok {
		c.misses++
		return 0, nil
	}
	c.hits++
	c.lruMoveToHead(blockIdx)

	blockOffset := int64(blockIdx) * int64(c.blockSize)
	servedBytes := 0
	for _, seg := range segments {
		if servedBytes >= c.blockSize {
			break
		}
		if len(seg.Buf) > c.blockSize {
			log.Errorf("[CACHE] segment length %d exceeds block size %d, aborting hit for sector %d", len(seg.Buf), c.blockSize, sector)
			return servedBytes / sectorSize, ErrSegmentTooLarge
		}
		n := len(seg.Buf)
		if servedBytes+n > c.blockSize {
			n = c.blockSize - servedBytes
		}
		if _, err := c.file.ReadAt(seg.Buf[:n], blockOffset+int64(servedBytes)); err != nil {
			return servedBytes / sectorSize, err
		}
		servedBytes += n
	}
	return servedBytes / sectorSize, nil
}

// Insert records sector's block contents, writing buffer (exactly
// blockSize bytes) to the backing file. A sector already present is moved
// to the LRU head without a file write (spec.md §4.3).
func (c *Cache) Insert(sector uint64, buffer []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return nil
	}
	if blockIdx, ok := c.index.Get(sector); ok {
		c.lruMoveToHead(blockIdx)
		return nil
	}

	var blockIdx int
	evicting := c.usedBlocks == c.maxBlocks
	if evicting {
		blockIdx = c.lruTail
	} else {
		blockIdx = c.usedBlocks
	}

	n, err := c.file.WriteAt(buffer[:c.blockSize], int64(blockIdx)*int64(c.blockSize))
	if err != nil || n < c.blockSize {
		log.Warnf("[CACHE] short write for sector %d, allocation not advanced: %v", sector, err)
		if err == nil {
			err = ErrShortWrite
		}
		return err
	}

	if evicting {
		evictedSector := c.slots[blockIdx].sector
		c.unlinkLRU(blockIdx)
		c.index.Delete(evictedSector)
	}

	if !evicting {
		c.usedBlocks++
	} else {
		c.lruReplacements++
	}
	c.slots[blockIdx] = slot{sector: sector, used: true}
	c.index.Set(sector, blockIdx)
	c.linkLRUHead(blockIdx)
	return nil
}

func (c *Cache) linkLRUHead(idx int) {
	c.slots[idx].prev = nilSlot
	c.slots[idx].next = c.lruHead
	if c.lruHead != nilSlot {
		c.slots[c.lruHead].prev = idx
	}
	c.lruHead = idx
	if c.lruTail == nilSlot {
		c.lruTail = idx
	}
}

func (c *Cache) unlinkLRU(idx int) {
	s := c.slots[idx]
	if s.prev != nilSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.lruHead = s.next
	}
	if s.next != nilSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.lruTail = s.prev
	}
}

func (c *Cache) lruMoveToHead(idx int) {
	if c.lruHead == idx {
		return
	}
	c.unlinkLRU(idx)
	c.linkLRUHead(idx)
}

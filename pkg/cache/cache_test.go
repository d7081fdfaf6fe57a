package cache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, blocks int, blockSize int) *Cache {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cache")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blocks*blockSize)))
	path := f.Name()
	require.NoError(t, f.Close())
	c, err := Configure(path, blockSize)
	require.NoError(t, err)
	return c
}

func TestDisabledCacheIsNoop(t *testing.T) {
	c := New()
	assert.False(t, c.Enabled())
	n, err := c.Search(0, []Segment{{Buf: make([]byte, 512)}})
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, c.Insert(0, make([]byte, 4096)))
}

func TestInsertThenSearchRoundTrip(t *testing.T) {
	c := newTestCache(t, 4, 4096)
	block := make([]byte, 4096)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, c.Insert(0, block))

	dst := make([]byte, 4096)
	n, err := c.Search(0, []Segment{{Buf: dst}})
	require.NoError(t, err)
	assert.Equal(t, 4096/512, n)
	assert.Equal(t, block, dst)

	hits, misses, _ := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 0, misses)
}

func TestSearchMissIncrementsCounter(t *testing.T) {
	c := newTestCache(t, 4, 4096)
	n, err := c.Search(99, []Segment{{Buf: make([]byte, 512)}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, misses, _ := c.Stats()
	assert.EqualValues(t, 1, misses)
}

func TestDoubleInsertSameSectorIsIdempotent(t *testing.T) {
	c := newTestCache(t, 4, 4096)
	b1 := make([]byte, 4096)
	b2 := make([]byte, 4096)
	for i := range b2 {
		b2[i] = 0xFF
	}
	require.NoError(t, c.Insert(8, b1))
	require.NoError(t, c.Insert(8, b2))

	assert.Equal(t, 1, c.usedBlocks)
	dst := make([]byte, 4096)
	_, err := c.Search(8, []Segment{{Buf: dst}})
	require.NoError(t, err)
	// second insert was a no-op: contents still match the first write
	assert.Equal(t, b1, dst)
}

func TestEvictionOrderIsLRUTail(t *testing.T) {
	c := newTestCache(t, 2, 4096)
	require.NoError(t, c.Insert(0, make([]byte, 4096)))
	require.NoError(t, c.Insert(8, make([]byte, 4096)))
	require.NoError(t, c.Insert(16, make([]byte, 4096)))

	assert.Equal(t, 2, c.usedBlocks)
	_, _, evictions := c.Stats()
	assert.EqualValues(t, 1, evictions)

	// sector 0 was evicted: lookup misses
	n, err := c.Search(0, []Segment{{Buf: make([]byte, 512)}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// sectors 8 and 16 remain
	for _, sector := range []uint64{8, 16} {
		n, err := c.Search(sector, []Segment{{Buf: make([]byte, 512)}})
		require.NoError(t, err)
		assert.NotZero(t, n)
	}
}

func TestSegmentLargerThanBlockIsHardError(t *testing.T) {
	c := newTestCache(t, 2, 4096)
	require.NoError(t, c.Insert(0, make([]byte, 4096)))
	_, err := c.Search(0, []Segment{{Buf: make([]byte, 8192)}})
	assert.ErrorIs(t, err, ErrSegmentTooLarge)
}

func TestInsertEvictionFailureLeavesEvictedSectorSearchable(t *testing.T) {
	c := newTestCache(t, 2, 4096)
	require.NoError(t, c.Insert(0, make([]byte, 4096)))
	require.NoError(t, c.Insert(8, make([]byte, 4096)))

	require.NoError(t, c.file.Close()) // force the next WriteAt to fail

	err := c.Insert(16, make([]byte, 4096))
	assert.Error(t, err)

	// sector 0 (the LRU tail, and so the eviction candidate) must still be
	// reachable through the index: the failed write must not have unlinked it.
	_, ok := c.index.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 2, c.usedBlocks)
}

func TestOversizedSegmentNotCheckedOnceBlockFullyServed(t *testing.T) {
	c := newTestCache(t, 2, 4096)
	require.NoError(t, c.Insert(0, make([]byte, 4096)))
	n, err := c.Search(0, []Segment{{Buf: make([]byte, 4096)}, {Buf: make([]byte, 8192)}})
	require.NoError(t, err)
	assert.Equal(t, 4096/sectorSize, n)
}

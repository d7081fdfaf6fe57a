package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/netblockd/dnbd/pkg/cache"
	"github.com/netblockd/dnbd/pkg/queue"
	"github.com/netblockd/dnbd/pkg/servertable"
)

func TestCollectReportsCacheAndQueueDepth(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cache")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096*2))
	require.NoError(t, f.Close())

	c, err := cache.Configure(f.Name(), 4096)
	require.NoError(t, err)
	_, _ = c.Search(0, []cache.Segment{{Buf: make([]byte, 512)}}) // one miss

	st := servertable.New(50_000_000, 2_000_000_000, 5_000_000_000)
	require.NoError(t, st.SetServerID(1))

	tx := queue.New()
	tx.Enqueue(&queue.Record{Sector: 0})

	collector := NewCollector(c, st, tx, queue.New())

	count := testutil.CollectAndCount(collector)
	require.Greater(t, count, 0)
}

package servertable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	return New(50*time.Millisecond, 2*time.Second, 5*time.Second)
}

func TestSetServerIDOutOfRange(t *testing.T) {
	tbl := newTestTable()
	assert.ErrorIs(t, tbl.SetServerID(0), ErrOutOfRange)
	assert.ErrorIs(t, tbl.SetServerID(9), ErrOutOfRange)
}

func TestSetServerIDLifecycle(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.SetServerID(1))
	assert.ErrorIs(t, tbl.SetServerID(1), ErrExists)

	snap := tbl.Snapshot()
	assert.Equal(t, Active, snap[0].State)
}

func TestNextServerAllWeightsZeroReturnsZero(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.SetServerID(1))
	require.NoError(t, tbl.SetServerID(2))
	// Freshly registered servers start with weight 0 until recompute_weights runs.
	assert.EqualValues(t, 0, tbl.NextServer())
}

func TestRecomputeWeightsNormalizesToWeightNormal(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.SetServerID(1))
	require.NoError(t, tbl.SetServerID(2))
	require.NoError(t, tbl.SetServerID(3))

	require.NoError(t, tbl.RTTUpdate(1, 10*time.Millisecond))
	require.NoError(t, tbl.RTTUpdate(2, 100*time.Millisecond))
	require.NoError(t, tbl.RTTUpdate(3, 500*time.Millisecond))

	tbl.RecomputeWeights()

	snap := tbl.Snapshot()
	var sum int
	for _, srv := range snap {
		if srv.State == Active {
			sum += int(srv.Weight)
		}
	}
	// Integer rounding across 3 active servers may push the sum past
	// WeightNormal by at most the active count (spec.md §8).
	assert.LessOrEqual(t, sum, WeightNormal+3)
	assert.Greater(t, sum, 0)

	// Lower SRTT must earn a strictly higher weight.
	assert.Greater(t, snap[0].Weight, snap[2].Weight)
}

func TestStallDetectionAndRecovery(t *testing.T) {
	tbl := newTestTable()
	frozen := time.Now()
	tbl.now = func() time.Time { return frozen }

	require.NoError(t, tbl.SetServerID(1))
	require.NoError(t, tbl.SetServerID(2))
	tbl.RecomputeWeights()

	// Server 2 goes quiet: client keeps transmitting to it but no reply
	// arrives for longer than timeoutStalled.
	frozen = frozen.Add(10 * time.Second)
	tbl.now = func() time.Time { return frozen }
	tbl.MarkTx(2)
	tbl.RecomputeWeights()

	snap := tbl.Snapshot()
	assert.Equal(t, Stalled, snap[1].State)

	for i := 0; i < 50; i++ {
		if tbl.NextServer() == 2 {
			t.Fatalf("stalled server must not be selected")
		}
	}

	require.NoError(t, tbl.SetServerID(2))
	snap = tbl.Snapshot()
	assert.Equal(t, Active, snap[1].State)
}

func TestRTTUpdateClampsToBounds(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.SetServerID(1))
	require.NoError(t, tbl.RTTUpdate(1, 10*time.Second)) // far above timeoutMax
	snap := tbl.Snapshot()
	maxUs := uint64(tbl.timeoutMax.Microseconds()) << SRTTShift
	assert.LessOrEqual(t, uint64(snap[0].SRTT), maxUs)
}

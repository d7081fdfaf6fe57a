package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePopBlocksUntilReady(t *testing.T) {
	q := New()
	done := make(chan *Record, 1)
	go func() {
		r, ok := q.Pop()
		if ok {
			done <- r
		} else {
			done <- nil
		}
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Enqueue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(&Record{Sector: 1})
	r := <-done
	require.NotNil(t, r)
	assert.EqualValues(t, 1, r.Sector)
}

func TestPopUnblocksOnClose(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	ok := <-done
	assert.False(t, ok)
}

func TestRemoveByPos(t *testing.T) {
	q := New()
	q.Enqueue(&Record{Sector: 16}) // pos 8192
	q.Enqueue(&Record{Sector: 8})  // pos 4096

	r, ok := q.RemoveByPos(4096)
	require.True(t, ok)
	assert.EqualValues(t, 8, r.Sector)
	assert.Equal(t, 1, q.Len())

	_, ok = q.RemoveByPos(4096)
	assert.False(t, ok)
}

func TestSweepOlderThanMovesStaleRecords(t *testing.T) {
	rx := New()
	tx := New()
	now := time.Now()
	rx.Enqueue(&Record{Sector: 1, StartTime: now.Add(-time.Second)})
	rx.Enqueue(&Record{Sector: 2, StartTime: now})

	moved := rx.SweepOlderThan(now.Add(-500*time.Millisecond), tx)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 1, rx.Len())
	assert.Equal(t, 1, tx.Len())

	r, _ := tx.Pop()
	assert.EqualValues(t, 1, r.Sector)
}

func TestDrainReturnsAllAndEmpties(t *testing.T) {
	q := New()
	q.Enqueue(&Record{Sector: 1})
	q.Enqueue(&Record{Sector: 2})
	items := q.Drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, q.Len())
}

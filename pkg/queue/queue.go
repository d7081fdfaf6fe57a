// Package queue implements the client pipeline's two in-flight request
// queues: pending-to-send (tx) and awaiting-reply (rx) (spec.md §4.2).
// Ordering within a queue is not observable to correctness — push-front /
// blocking-pop is an implementation choice, not a contract.
package queue

import (
	"sync"
	"time"
)

// Segment is one scatter-gather target buffer supplied by the host's
// request source (spec.md §3).
type Segment struct {
	Buf []byte
}

// Record is one in-flight read request (spec.md §3, "Request record").
type Record struct {
	Sector    uint64
	Sectors   int
	Segments  []Segment
	StartTime time.Time

	// Complete is invoked once per record, by whichever component (cache
	// hit, matched reply, or shutdown drain) finishes it. A residual record
	// created after a partial completion carries the same callback, so one
	// host request can see several calls.
	Complete func(ok bool, sectorsDone int)
}

// Pos returns the record's byte offset, as carried on the wire.
func (r *Record) Pos() uint64 { return r.Sector << 9 }

// Queue is a mutex-guarded, condition-variable-signalled list of Records.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Record
	closed bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue pushes r to the front and wakes one blocked popper.
func (q *Queue) Enqueue(r *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Record{r}, q.items...)
	q.cond.Signal()
}

// Pop blocks until the queue is non-empty or Close is called, returning
// (nil, false) in the latter case.
func (q *Queue) Pop() (*Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

// RemoveByPos does a positional linear scan matching sector<<9 == pos
// (spec.md §4.2) and removes the first match, if any.
func (q *Queue) RemoveByPos(pos uint64) (*Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.items {
		if r.Pos() == pos {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// SweepOlderThan moves every record whose StartTime precedes threshold
// into dest, returning the count moved. Used by the retransmit timer to
// move stale rx-queue entries back onto the tx-queue (spec.md §4.2, §4.5).
func (q *Queue) SweepOlderThan(threshold time.Time, dest *Queue) int {
	q.mu.Lock()
	var stale []*Record
	var fresh []*Record
	for _, r := range q.items {
		if r.StartTime.Before(threshold) {
			stale = append(stale, r)
		} else {
			fresh = append(fresh, r)
		}
	}
	q.items = fresh
	q.mu.Unlock()

	for _, r := range stale {
		dest.Enqueue(r)
	}
	return len(stale)
}

// Len returns the number of records currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop so the owning pipeline can shut down.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns every queued record, for the shutdown path
// that fails them back to the host with error completions (spec.md §5,
// "Cancellation").
func (q *Queue) Drain() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Package server implements the replica side of the protocol: a single
// receiver goroutine demultiplexing requests into a bounded circular
// buffer with duplicate suppression, and a worker pool reading the
// backing file under one mutex (spec.md §4.6).
//
// The receiver/worker split and the bounded-buffer backpressure are
// grounded on the teacher's bus manager, which likewise has one
// goroutine draining the transport and handing frames to registered
// consumers rather than letting every consumer read the bus directly.
package server

import (
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/rs/xid"

	"github.com/netblockd/dnbd/internal/ring"
	"github.com/netblockd/dnbd/pkg/transport"
	"github.com/netblockd/dnbd/pkg/wire"
)

// DefaultQueueDepth bounds the receiver's backlog before it starts
// dropping requests under the "producer refuses to overwrite" rule
// (spec.md §4.6).
const DefaultQueueDepth = 64

// DupeWindow is how many of the most recently admitted jobs the receiver
// scans before admitting a new one, whether or not those jobs have
// already been served (spec.md §4.6, "duplicate-request suppression").
const DupeWindow = 16

// DupeAge bounds how far back a recent slot is considered for the
// duplicate check (spec.md §4.6, "within 1 second of now").
const DupeAge = time.Second

// job is one admitted request, tagged with a correlation id for logging.
type job struct {
	corr string
	req  wire.RequestFrame
	from *net.UDPAddr
	key  uint64
	at   time.Time
}

// dupeRecord is a scan slot for recently admitted requests. Unlike the job
// ring, it is never consumed: it survives a worker popping the job, so a
// duplicate arriving a moment later is still caught within DupeAge
// (spec.md §4.6, modeled on the original query table's backing array that
// keeps stale entries past last_query rather than forgetting them on pop).
type dupeRecord struct {
	key  uint64
	from *net.UDPAddr
	at   time.Time
}

// Handler serves READ/INIT/HB requests for one replica id against a
// single backing file.
type Handler struct {
	ID        uint8
	socket    *transport.Socket
	blockSize int
	capacity  uint64

	fileMu  sync.Mutex
	backing *os.File

	jobsMu   sync.Mutex
	jobsCond *sync.Cond
	jobs     *ring.Ring[job]

	dupeHistory []dupeRecord
	dupeNext    int

	workers int
	stop    chan struct{}
	wg      sync.WaitGroup

	requestsServed, requestsDropped, requestsDuplicate uint64
	statsMu                                            sync.Mutex
}

// New opens backingPath read-only and returns a Handler ready for Serve.
// Capacity is derived from the file size, truncated to a block multiple.
func New(id uint8, sock *transport.Socket, backingPath string, blockSize, workers int) (*Handler, error) {
	f, err := os.Open(backingPath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	capacity := uint64(info.Size()) - uint64(info.Size())%uint64(blockSize)

	h := &Handler{
		ID:          id,
		socket:      sock,
		backing:     f,
		blockSize:   blockSize,
		capacity:    capacity,
		jobs:        ring.New[job](DefaultQueueDepth),
		dupeHistory: make([]dupeRecord, DupeWindow),
		workers:     workers,
		stop:        make(chan struct{}),
	}
	h.jobsCond = sync.NewCond(&h.jobsMu)
	log.Infof("[SERVER][%d] serving %s capacity=%d blockSize=%d", id, backingPath, capacity, blockSize)
	return h, nil
}

// Serve starts the receiver and worker pool and blocks until Shutdown is
// called (spec.md §4.6, §6).
func (h *Handler) Serve() {
	h.wg.Add(1 + h.workers)
	go h.receiveLoop()
	for i := 0; i < h.workers; i++ {
		go h.workerLoop()
	}
	h.wg.Wait()
}

// Shutdown stops the receiver and worker pool and unblocks Serve
// (spec.md §5, "in-flight recvs are unblocked by socket close").
func (h *Handler) Shutdown() {
	close(h.stop)
	h.socket.Close()
	h.jobsMu.Lock()
	h.jobsCond.Broadcast()
	h.jobsMu.Unlock()
	h.wg.Wait()
	h.fileMu.Lock()
	h.backing.Close()
	h.fileMu.Unlock()
}

// Stats returns the running served/dropped/duplicate counters.
func (h *Handler) Stats() (served, dropped, duplicate uint64) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.requestsServed, h.requestsDropped, h.requestsDuplicate
}

const rxReadTimeout = 500 * time.Millisecond

// receiveLoop is the sole socket reader: it validates, deduplicates, and
// admits requests into the bounded job ring (spec.md §4.6).
func (h *Handler) receiveLoop() {
	defer h.wg.Done()
	buf := make([]byte, wire.RequestHeaderLen)
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		_ = h.socket.SetReadDeadline(time.Now().Add(rxReadTimeout))
		n, from, err := h.socket.RecvFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		req, err := wire.DecodeRequest(buf[:n])
		if err != nil {
			continue
		}
		if wire.IsSRV(req.Cmd) {
			continue // server-originated frames never arrive as requests
		}
		if req.ID != 0 && req.ID != uint16(h.ID) {
			continue // addressed to a different replica
		}

		h.admit(job{corr: xid.New().String(), req: req, from: from, key: dedupKey(req), at: time.Now()})
	}
}

func dedupKey(req wire.RequestFrame) uint64 {
	return req.Pos ^ uint64(wire.Type(req.Cmd))<<61
}

// admit scans the dupe-history slots for a same-position request within
// DupeAge: a match from the same source is a benign retransmit and
// proceeds; a match from a different source is suppressed, since the
// multicast group already delivers that other worker's reply to both
// clients (spec.md §4.6). The history slots persist across a worker
// popping the job, so a duplicate arriving after the job has already been
// served is still caught.
func (h *Handler) admit(j job) {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()

	for _, recent := range h.dupeHistory {
		if recent.at.IsZero() {
			continue // unwritten slot
		}
		if recent.key != j.key || j.at.Sub(recent.at) > DupeAge {
			continue
		}
		if sameSource(recent.from, j.from) {
			break // benign retransmit, fall through and admit
		}
		h.statsMu.Lock()
		h.requestsDuplicate++
		h.statsMu.Unlock()
		log.Debugf("[SERVER][%d][x%x] duplicate request from other client suppressed", h.ID, j.req.Pos)
		return
	}

	h.dupeHistory[h.dupeNext] = dupeRecord{key: j.key, from: j.from, at: j.at}
	h.dupeNext = (h.dupeNext + 1) % len(h.dupeHistory)

	if !h.jobs.Push(j) {
		h.statsMu.Lock()
		h.requestsDropped++
		h.statsMu.Unlock()
		log.Warnf("[SERVER][%d][x%x] job ring full, dropping request", h.ID, j.req.Pos)
		return
	}
	h.jobsCond.Signal()
}

func sameSource(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

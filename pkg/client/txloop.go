package client

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/cache"
	"github.com/netblockd/dnbd/pkg/queue"
	"github.com/netblockd/dnbd/pkg/wire"
)

// sectorSize is the wire protocol's fixed sector unit (spec.md §3).
const sectorSize = 512

// txLoop pops records from the tx-queue, serves what it can from the
// cache, and puts the rest on the wire, moving each record onto the
// rx-queue to await a reply (spec.md §4.5).
func (p *Pipeline) txLoop() {
	defer p.workersWg.Done()
	for {
		rec, ok := p.tx.Pop()
		if !ok {
			return
		}
		p.serviceRecord(rec)
	}
}

func (p *Pipeline) serviceRecord(rec *queue.Record) {
	if served := p.tryCache(rec); served > 0 {
		rec.Complete(true, served)
		if residual := residualRecord(rec, served); residual != nil {
			p.tx.Enqueue(residual)
		}
		return
	}
	p.sendOnWire(rec)
}

// tryCache looks the record's starting sector up in the cache, returning
// the number of sectors served (0 on a miss or when caching is disabled).
func (p *Pipeline) tryCache(rec *queue.Record) int {
	segs := make([]cache.Segment, len(rec.Segments))
	for i, s := range rec.Segments {
		segs[i] = cache.Segment{Buf: s.Buf}
	}
	served, err := p.cache.Search(rec.Sector, segs)
	if err != nil {
		log.Errorf("[CLIENT][TX] cache search for sector %d failed: %v", rec.Sector, err)
		return 0
	}
	return served
}

func (p *Pipeline) sendOnWire(rec *queue.Record) {
	byteLen := rec.Sectors * sectorSize
	if byteLen > wire.MaxBlockSize {
		byteLen = wire.MaxBlockSize
	}
	id := p.servers.NextServer()

	req := wire.RequestFrame{
		ID:   uint16(id),
		Cmd:  wire.CmdRead,
		Pos:  rec.Pos(),
		Time: nowTick(),
		Len:  uint16(byteLen),
	}
	if err := p.socket.Send(wire.EncodeRequest(req)); err != nil {
		log.Warnf("[CLIENT][TX][x%x] send failed, will retry: %v", rec.Pos(), err)
		p.tx.Enqueue(rec)
		return
	}
	if id != 0 {
		p.servers.MarkTx(id)
	}
	log.Debugf("[CLIENT][TX][x%x] sent READ pos=%d len=%d server=%d", rec.Pos(), rec.Pos(), byteLen, id)

	rec.StartTime = time.Now()
	p.rx.Enqueue(rec)
}

// residualRecord returns a new record covering the sectors of rec not yet
// served by served, or nil if rec completed in full.
func residualRecord(rec *queue.Record, served int) *queue.Record {
	if served >= rec.Sectors {
		return nil
	}
	return &queue.Record{
		Sector:    rec.Sector + uint64(served),
		Sectors:   rec.Sectors - served,
		Segments:  trimSegments(rec.Segments, served*sectorSize),
		StartTime: time.Now(),
		Complete:  rec.Complete,
	}
}

// trimSegments drops the first n bytes across segs, in order, returning
// the segments (and partial segment) covering the remainder.
func trimSegments(segs []queue.Segment, n int) []queue.Segment {
	out := make([]queue.Segment, 0, len(segs))
	for _, s := range segs {
		switch {
		case n >= len(s.Buf):
			n -= len(s.Buf)
		case n > 0:
			out = append(out, queue.Segment{Buf: s.Buf[n:]})
			n = 0
		default:
			out = append(out, s)
		}
	}
	return out
}

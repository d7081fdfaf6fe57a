package client

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/queue"
	"github.com/netblockd/dnbd/pkg/wire"
)

// rxReadTimeout bounds each RecvFrom call so the loop notices shutdown
// promptly even with no traffic (spec.md §5).
const rxReadTimeout = 500 * time.Millisecond

// rxLoop is the pipeline's single socket reader: it demultiplexes READ
// replies (matched against the rx-queue by position) and INIT/HB replies
// (folded into the server table) (spec.md §4.5, §4.6).
func (p *Pipeline) rxLoop() {
	defer p.workersWg.Done()
	buf := make([]byte, wire.ReplyHeaderLen+wire.MaxBlockSize)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		_ = p.socket.SetReadDeadline(time.Now().Add(rxReadTimeout))
		n, _, err := p.socket.RecvFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		reply, err := wire.DecodeReply(buf[:n])
		if err != nil {
			continue
		}
		if !wire.IsSRV(reply.Cmd) {
			continue
		}

		switch wire.Type(reply.Cmd) {
		case wire.CmdRead:
			p.handleReadReply(reply)
		case wire.CmdInit, wire.CmdHB:
			p.handleControlReply(reply)
		}
	}
}

func (p *Pipeline) handleReadReply(reply wire.ReplyFrame) {
	p.updateServer(reply)

	rec, ok := p.rx.RemoveByPos(reply.Pos)
	if !ok {
		// No in-flight request matches (already timed out, or this is a
		// second reply to an id=0 broadcast another server already
		// answered). The payload is still opportunistically cached
		// (spec.md §4.5, rx-loop).
		p.opportunisticInsert(reply.Pos/sectorSize, reply.Payload)
		log.Debugf("[CLIENT][RX][x%x] reply matches no in-flight request", reply.Pos)
		return
	}

	copied := copyIntoSegments(rec.Segments, reply.Payload)
	served := copied / sectorSize

	p.opportunisticInsert(rec.Sector, reply.Payload)

	rec.Complete(true, served)
	if residual := residualRecord(rec, served); residual != nil {
		p.tx.Enqueue(residual)
	}
}

// opportunisticInsert caches a reply payload when it is exactly one
// block's worth of bytes; partial or oversized payloads are not cached
// since cache.Insert requires exactly blockSize bytes.
func (p *Pipeline) opportunisticInsert(sector uint64, payload []byte) {
	if len(payload) != p.blockSizeSnapshot() {
		return
	}
	if err := p.cache.Insert(sector, payload); err != nil {
		log.Warnf("[CLIENT][RX][x%x] opportunistic cache insert failed: %v", sector<<9, err)
	}
}

func (p *Pipeline) handleControlReply(reply wire.ReplyFrame) {
	id := uint8(reply.ID)
	if err := p.SetServerID(id); err != nil {
		log.Debugf("[CLIENT][RX] control reply from invalid server id %d: %v", id, err)
	}
	p.updateServer(reply)
}

func (p *Pipeline) updateServer(reply wire.ReplyFrame) {
	rttTicks := wire.RTT(nowTick(), reply.Time)
	if err := p.servers.RTTUpdate(uint8(reply.ID), time.Duration(rttTicks)*clockResolution); err != nil {
		log.Debugf("[CLIENT][RX] RTT update for unknown server %d: %v", reply.ID, err)
	}
}

func (p *Pipeline) blockSizeSnapshot() int {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	return int(p.blockSize)
}

// copyIntoSegments copies src across segs in order, stopping when either
// is exhausted, and returns the number of bytes copied.
func copyIntoSegments(segs []queue.Segment, src []byte) int {
	copied := 0
	for _, s := range segs {
		if copied >= len(src) {
			break
		}
		n := copy(s.Buf, src[copied:])
		copied += n
	}
	return copied
}

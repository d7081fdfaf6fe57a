package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/wire"
)

// workerLoop pulls admitted jobs off the shared ring and serves each one
// (spec.md §4.6). Multiple workers share h.backing under fileMu, matching
// spec.md §3's "single mutex guards file reads".
func (h *Handler) workerLoop() {
	defer h.wg.Done()
	for {
		j, ok := h.pop()
		if !ok {
			return
		}
		h.serve(j)
	}
}

func (h *Handler) pop() (job, bool) {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	for h.jobs.Empty() {
		select {
		case <-h.stop:
			return job{}, false
		default:
		}
		h.jobsCond.Wait()
	}
	return h.jobs.Pop()
}

func (h *Handler) serve(j job) {
	var reply wire.ReplyFrame
	switch wire.Type(j.req.Cmd) {
	case wire.CmdRead:
		r, ok := h.serveRead(j.req)
		if !ok {
			return
		}
		reply = r
	case wire.CmdInit, wire.CmdHB:
		reply = wire.ReplyFrame{
			Capacity:  h.capacity,
			BlockSize: uint16(h.blockSize),
		}
	default:
		return
	}
	reply.ID = uint16(h.ID)
	reply.Cmd = wire.Type(j.req.Cmd) | wire.CmdDirSrv
	reply.Pos = j.req.Pos
	reply.Time = j.req.Time

	if err := h.socket.Send(wire.EncodeReply(reply)); err != nil {
		log.Warnf("[SERVER][%d][%s][x%x] reply send failed: %v", h.ID, j.corr, j.req.Pos, err)
		return
	}

	h.statsMu.Lock()
	h.requestsServed++
	h.statsMu.Unlock()
	log.Debugf("[SERVER][%d][%s][x%x] served", h.ID, j.corr, j.req.Pos)
}

// serveRead reads the requested span of the backing file. A request whose
// Len exceeds the server's block size is dropped outright rather than
// served truncated (spec.md §4.6, §8).
func (h *Handler) serveRead(req wire.RequestFrame) (wire.ReplyFrame, bool) {
	if int(req.Len) > h.blockSize {
		log.Warnf("[SERVER][%d][x%x] read len %d exceeds block size %d, dropping", h.ID, req.Pos, req.Len, h.blockSize)
		return wire.ReplyFrame{}, false
	}
	length := int(req.Len)
	if length <= 0 {
		length = h.blockSize
	}
	payload := make([]byte, length)

	h.fileMu.Lock()
	n, err := h.backing.ReadAt(payload, int64(req.Pos))
	h.fileMu.Unlock()
	if err != nil && n == 0 {
		log.Errorf("[SERVER][%d][x%x] backing file read failed: %v", h.ID, req.Pos, err)
		return wire.ReplyFrame{}, false
	}
	return wire.ReplyFrame{Payload: payload[:n]}, true
}

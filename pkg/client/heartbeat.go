package client

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/wire"
)

// heartbeatLoop periodically broadcasts HB requests and recomputes server
// selection weights from the SRTT samples gathered since the last round
// (spec.md §4.4, §4.5).
func (p *Pipeline) heartbeatLoop() {
	defer p.workersWg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.servers.RecomputeWeights()
			p.sendHeartbeat()
		}
	}
}

func (p *Pipeline) sendHeartbeat() {
	req := wire.RequestFrame{ID: 0, Cmd: wire.CmdHB, Time: nowTick()}
	if err := p.socket.Send(wire.EncodeRequest(req)); err != nil {
		log.Warnf("[CLIENT][HB] broadcast failed: %v", err)
	}
}

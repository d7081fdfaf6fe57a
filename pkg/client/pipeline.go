// Package client implements the distributed block device client: the
// tx/rx/heartbeat worker loops, the retransmit timer, and the control
// surface a host (block-device integration, out of scope per spec.md §1)
// binds to ioctls, a local socket, or a library call (spec.md §6).
//
// Each worker is a dedicated goroutine blocking at its own suspension
// point (spec.md §5) rather than a cooperative scheduler tick, the way the
// teacher's SDO client state machine is driven by an external caller's
// tick; here the "tick" is real wall-clock time and the state machine
// advances on its own goroutine.
package client

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/cache"
	"github.com/netblockd/dnbd/pkg/queue"
	"github.com/netblockd/dnbd/pkg/servertable"
	"github.com/netblockd/dnbd/pkg/transport"
	"github.com/netblockd/dnbd/pkg/wire"
)

// State is the pipeline's lifecycle state (spec.md §4.5).
type State int

const (
	StateLoaded State = iota
	StateConfigured
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateConfigured:
		return "CONFIGURED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// clockResolution is the unit of the wire protocol's 16-bit echo clock.
const clockResolution = time.Millisecond

// Tuning defaults (spec.md §4.4, §4.5).
const (
	DefaultTimeoutMin     = 50 * time.Millisecond
	DefaultTimeoutMax     = 2 * time.Second
	DefaultTimeoutStalled = 8 * time.Second
	HeartbeatInterval     = 4 * time.Second
	TimeoutShift          = 2 // retransmit deadline = diff << TimeoutShift

	HandshakeInterval = time.Second
	HandshakeTimeout  = 4 * time.Second
)

// ReadRequest is what the host's request source hands to Submit: a
// starting sector, a sector count, and scatter-gather target buffers
// (spec.md §6, "Interface consumed from the host").
type ReadRequest struct {
	Sector     uint64
	Sectors    int
	Segments   []queue.Segment
	OnComplete func(ok bool, sectorsDone int)
}

// Pipeline is a bound client device: socket, cache, server table, queues,
// and the workers that drive them. One control mutex serialises
// bind/disconnect/set-cache (spec.md §5, lock order control → {server
// table, cache, queue}).
type Pipeline struct {
	controlMu sync.Mutex
	state     State

	socket *transport.Socket
	group  string
	iface  *net.Interface
	ttl    int

	blockSize uint32
	capacity  uint64

	cache   *cache.Cache
	servers *servertable.Table
	tx, rx  *queue.Queue

	timeoutMin, timeoutMax, timeoutStalled time.Duration

	stop      chan struct{}
	workersWg sync.WaitGroup
}

// New returns a LOADED pipeline with default timeouts.
func New() *Pipeline {
	return &Pipeline{
		state:          StateLoaded,
		servers:        servertable.New(DefaultTimeoutMin, DefaultTimeoutMax, DefaultTimeoutStalled),
		tx:             queue.New(),
		rx:             queue.New(),
		cache:          cache.New(),
		timeoutMin:     DefaultTimeoutMin,
		timeoutMax:     DefaultTimeoutMax,
		timeoutStalled: DefaultTimeoutStalled,
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	return p.state
}

// Cache exposes the configured block cache, e.g. for metrics registration.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// Servers exposes the server table, e.g. for metrics registration.
func (p *Pipeline) Servers() *servertable.Table { return p.servers }

// Queues exposes the tx/rx queues, e.g. for metrics registration.
func (p *Pipeline) Queues() (tx, rx *queue.Queue) { return p.tx, p.rx }

// SetGroup records the multicast destination (spec.md §6, set_group).
func (p *Pipeline) SetGroup(addr string, iface *net.Interface, ttl int) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.state != StateLoaded {
		return ErrWrongState
	}
	p.group, p.iface, p.ttl = addr, iface, ttl
	return nil
}

// SetSocket attaches a pre-bound multicast socket (spec.md §6, set_socket).
// It does not join a group itself; Bind joins one when no socket is attached.
func (p *Pipeline) SetSocket(s *transport.Socket) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.state != StateLoaded {
		return ErrWrongState
	}
	p.socket = s
	return nil
}

// Bind is the convenience path used by the client CLI: join the
// multicast group and move LOADED -> CONFIGURED.
func (p *Pipeline) Bind() error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.state != StateLoaded {
		return ErrWrongState
	}
	if p.group == "" {
		return ErrNotBound
	}
	if p.socket == nil {
		sock, err := transport.Join(p.group, p.iface, p.ttl)
		if err != nil {
			return err
		}
		p.socket = sock
	}
	p.state = StateConfigured
	log.Debugf("[CLIENT] bound to %s", p.group)
	return nil
}

// SetBlockSize configures device geometry (spec.md §6, set_block_size).
func (p *Pipeline) SetBlockSize(n uint32) {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	p.blockSize = n
}

// SetCapacity configures device geometry, truncated to a multiple of
// block size (spec.md §6, set_capacity).
func (p *Pipeline) SetCapacity(bytes uint64) {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.blockSize > 0 {
		bytes -= bytes % uint64(p.blockSize)
	}
	p.capacity = bytes
}

// SetServerID registers a reply-confirmed server (spec.md §6, set_server_id).
func (p *Pipeline) SetServerID(id uint8) error {
	err := p.servers.SetServerID(id)
	if err != nil && !errors.Is(err, servertable.ErrExists) {
		return err
	}
	return nil
}

// SetCache opens path read-write and activates the cache (spec.md §6,
// set_cache; spec.md §4.3).
func (p *Pipeline) SetCache(path string) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()
	if p.blockSize == 0 {
		return ErrNotBound
	}
	c, err := cache.Configure(path, int(p.blockSize))
	if err != nil {
		return err
	}
	p.cache = c
	return nil
}

func nowTick() uint16 {
	return uint16(time.Now().UnixNano() / int64(clockResolution))
}

// DoIt runs the handshake, transitions CONFIGURED -> RUNNING, and blocks
// until Disconnect is called (spec.md §4.5, §6 do_it).
func (p *Pipeline) DoIt() error {
	p.controlMu.Lock()
	if p.state != StateConfigured {
		p.controlMu.Unlock()
		return ErrWrongState
	}
	p.controlMu.Unlock()

	if err := p.handshake(); err != nil {
		return err
	}

	p.controlMu.Lock()
	p.state = StateRunning
	p.stop = make(chan struct{})
	p.controlMu.Unlock()

	p.workersWg.Add(4)
	go p.txLoop()
	go p.rxLoop()
	go p.heartbeatLoop()
	go p.retransmitLoop()

	<-p.stop
	p.workersWg.Wait()
	return nil
}

// handshake broadcasts INIT once per second for up to HandshakeTimeout,
// registering every server that replies (spec.md §4.5).
func (p *Pipeline) handshake() error {
	deadline := time.Now().Add(HandshakeTimeout)
	buf := make([]byte, 1500)
	registered := false

	if err := p.socket.SetReadDeadline(time.Now().Add(HandshakeInterval)); err != nil {
		return err
	}

	for time.Now().Before(deadline) {
		req := wire.RequestFrame{ID: 0, Cmd: wire.CmdInit, Time: nowTick()}
		if err := p.socket.Send(wire.EncodeRequest(req)); err != nil {
			return err
		}

		roundDeadline := time.Now().Add(HandshakeInterval)
		for time.Now().Before(roundDeadline) {
			_ = p.socket.SetReadDeadline(roundDeadline)
			n, _, err := p.socket.RecvFrom(buf)
			if err != nil {
				break
			}
			reply, err := wire.DecodeReply(buf[:n])
			if err != nil || !wire.IsSRV(reply.Cmd) || wire.Type(reply.Cmd) != wire.CmdInit {
				continue
			}
			if err := p.SetServerID(uint8(reply.ID)); err != nil {
				continue
			}
			p.blockSize = uint32(reply.BlockSize)
			p.capacity = reply.Capacity
			registered = true
		}
	}

	if !registered {
		return ErrNoServers
	}
	log.Infof("[CLIENT] handshake complete: capacity=%d blockSize=%d", p.capacity, p.blockSize)
	return nil
}

// Submit enqueues a host read request onto the tx-queue (spec.md §6,
// "Interface consumed from the host").
func (p *Pipeline) Submit(req ReadRequest) error {
	p.controlMu.Lock()
	state := p.state
	p.controlMu.Unlock()
	if state != StateRunning {
		return ErrWrongState
	}
	p.tx.Enqueue(&queue.Record{
		Sector:    req.Sector,
		Sectors:   req.Sectors,
		Segments:  req.Segments,
		StartTime: time.Now(),
		Complete:  req.OnComplete,
	})
	return nil
}

// Disconnect shuts the pipeline down: signal all workers, wait for them to
// exit, drain both queues with error completions, clear the cache and
// server table (spec.md §5, "Cancellation"; spec.md §6 disconnect).
func (p *Pipeline) Disconnect() {
	p.controlMu.Lock()
	if p.state != StateRunning {
		p.controlMu.Unlock()
		return
	}
	close(p.stop)
	p.controlMu.Unlock()

	p.tx.Close()
	p.rx.Close()
	if p.socket != nil {
		p.socket.Close()
	}
	p.workersWg.Wait()

	for _, r := range p.tx.Drain() {
		failRecord(r)
	}
	for _, r := range p.rx.Drain() {
		failRecord(r)
	}

	p.controlMu.Lock()
	p.cache.Clear()
	p.servers = servertable.New(p.timeoutMin, p.timeoutMax, p.timeoutStalled)
	p.state = StateLoaded
	p.controlMu.Unlock()
}

func failRecord(r *queue.Record) {
	if r.Complete != nil {
		r.Complete(false, 0)
	}
}

// Package transport wraps the UDP multicast socket shared by client and
// server (spec.md §6). It plays the same role the teacher's socketcan.go
// plays for a CAN bus: a thin Bus-shaped wrapper so the rest of the stack
// only depends on Send/RecvFrom, not on net.UDPConn directly.
package transport

import (
	"net"
	"time"

	"github.com/higebu/netfd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultPort is the fixed UDP port for the wire protocol (spec.md §6).
const DefaultPort = 5001

// DefaultTTL is the multicast hop limit used unless overridden.
const DefaultTTL = 64

// Socket is a bound, joined multicast UDP datagram socket.
type Socket struct {
	conn  *net.UDPConn
	group *net.UDPAddr
}

// Join binds to groupAddr (host:port) on the given interface (nil for the
// system default route), joins the multicast group, sets the TTL, and
// disables multicast loopback, matching spec.md §6's defaults.
func Join(groupAddr string, iface *net.Interface, ttl int) (*Socket, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := tune(conn, ttl); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debugf("[TRANSPORT] joined %s ttl=%d", group, ttl)
	return &Socket{conn: conn, group: group}, nil
}

// tune sets IP_MULTICAST_TTL and disables IP_MULTICAST_LOOP on the
// socket's raw file descriptor, recovered the way pkg/exporter in the
// tcpinfo pack recovers a *net.UDPConn's fd for setsockopt calls.
func tune(conn *net.UDPConn, ttl int) error {
	fd := netfd.GetFdFromConn(conn)
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0); err != nil {
		return err
	}
	return nil
}

// Send transmits b to the joined multicast group.
func (s *Socket) Send(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.group)
	return err
}

// RecvFrom blocks until a datagram arrives (or the socket is closed/the
// read deadline passes), returning the payload length and sender address.
func (s *Socket) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	return s.conn.ReadFromUDP(buf)
}

// SetReadDeadline bounds the next RecvFrom call; used by the client's
// handshake and rx-loop and, on the server, to let the receiver notice
// shutdown promptly.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close tears down the socket. In-flight RecvFrom calls are unblocked
// (spec.md §5, "in-flight recvs are unblocked by socket close").
func (s *Socket) Close() error {
	return s.conn.Close()
}

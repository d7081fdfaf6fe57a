// Package wire implements the DNBD request/reply binary frame encoding.
//
// Frames are fixed-layout and big-endian, addressed to a server id (or 0
// for broadcast). The command field packs a request type in its low 3
// bits and an orthogonal client/server direction bit above it.
package wire

import "encoding/binary"

// Magic is the constant that opens every frame. Frames failing this check
// are dropped silently by the caller (spec.md §4.1).
const Magic uint32 = 0x19051979

// Command types, packed into the low 3 bits of Cmd.
const (
	CmdInit uint16 = 0x00
	CmdRead uint16 = 0x01
	CmdHB   uint16 = 0x02

	CmdTypeMask uint16 = 0x07

	// CmdDirSrv is set on server-originated frames, clear on client-originated
	// (CLI) ones. It is orthogonal to the command type bits.
	CmdDirSrv uint16 = 0x08
)

// MaxBlockSize bounds a single READ request/reply payload (§4.6).
const MaxBlockSize = 4096

// RequestHeaderLen is the encoded size of a request frame's fixed header.
const RequestHeaderLen = 4 + 2 + 2 + 8 + 2 + 2 // magic,id,cmd,pos,time,len

// ReplyHeaderLen is the encoded size of a reply frame's fixed header,
// before the variant-specific tail (payload, or capacity+blksize).
const ReplyHeaderLen = 4 + 2 + 2 + 8 + 2 // magic,id,cmd,pos,time

// Type returns the low 3 command-type bits of cmd.
func Type(cmd uint16) uint16 { return cmd & CmdTypeMask }

// IsSRV reports whether cmd carries the server-originated direction bit.
func IsSRV(cmd uint16) bool { return cmd&CmdDirSrv != 0 }

// IsCLI reports whether cmd carries the client-originated direction bit.
func IsCLI(cmd uint16) bool { return cmd&CmdDirSrv == 0 }

// RequestFrame is a client- or server-originated request (INIT/READ/HB).
type RequestFrame struct {
	ID   uint16
	Cmd  uint16
	Pos  uint64
	Time uint16
	Len  uint16
}

// EncodeRequest serialises f to its wire form.
func EncodeRequest(f RequestFrame) []byte {
	b := make([]byte, RequestHeaderLen)
	binary.BigEndian.PutUint32(b[0:4], Magic)
	binary.BigEndian.PutUint16(b[4:6], f.ID)
	binary.BigEndian.PutUint16(b[6:8], f.Cmd)
	binary.BigEndian.PutUint64(b[8:16], f.Pos)
	binary.BigEndian.PutUint16(b[16:18], f.Time)
	binary.BigEndian.PutUint16(b[18:20], f.Len)
	return b
}

// DecodeRequest parses a request frame, validating the magic. Any other
// malformation (short buffer) is reported so the caller can drop silently.
func DecodeRequest(b []byte) (RequestFrame, error) {
	if len(b) < RequestHeaderLen {
		return RequestFrame{}, ErrShortFrame
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return RequestFrame{}, ErrBadMagic
	}
	return RequestFrame{
		ID:   binary.BigEndian.Uint16(b[4:6]),
		Cmd:  binary.BigEndian.Uint16(b[6:8]),
		Pos:  binary.BigEndian.Uint64(b[8:16]),
		Time: binary.BigEndian.Uint16(b[16:18]),
		Len:  binary.BigEndian.Uint16(b[18:20]),
	}, nil
}

// ReplyFrame is a server-originated reply. For READ it carries Payload;
// for INIT/HB it carries Capacity/BlockSize instead (spec.md §3).
type ReplyFrame struct {
	ID        uint16
	Cmd       uint16
	Pos       uint64
	Time      uint16
	Payload   []byte
	Capacity  uint64
	BlockSize uint16
}

// EncodeReply serialises f. The tail written depends on Type(f.Cmd): READ
// replies get Payload appended, INIT/HB replies get Capacity+BlockSize.
func EncodeReply(f ReplyFrame) []byte {
	var tail []byte
	if Type(f.Cmd) == CmdRead {
		tail = f.Payload
	} else {
		tail = make([]byte, 10)
		binary.BigEndian.PutUint64(tail[0:8], f.Capacity)
		binary.BigEndian.PutUint16(tail[8:10], f.BlockSize)
	}
	b := make([]byte, ReplyHeaderLen+len(tail))
	binary.BigEndian.PutUint32(b[0:4], Magic)
	binary.BigEndian.PutUint16(b[4:6], f.ID)
	binary.BigEndian.PutUint16(b[6:8], f.Cmd)
	binary.BigEndian.PutUint64(b[8:16], f.Pos)
	binary.BigEndian.PutUint16(b[16:18], f.Time)
	copy(b[ReplyHeaderLen:], tail)
	return b
}

// DecodeReply parses a reply frame. The tail is decoded according to
// Type(f.Cmd): READ replies fill Payload, INIT/HB replies fill Capacity and
// BlockSize (left zero when the tail is shorter than 10 bytes).
func DecodeReply(b []byte) (ReplyFrame, error) {
	if len(b) < ReplyHeaderLen {
		return ReplyFrame{}, ErrShortFrame
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return ReplyFrame{}, ErrBadMagic
	}
	f := ReplyFrame{
		ID:   binary.BigEndian.Uint16(b[4:6]),
		Cmd:  binary.BigEndian.Uint16(b[6:8]),
		Pos:  binary.BigEndian.Uint64(b[8:16]),
		Time: binary.BigEndian.Uint16(b[16:18]),
	}
	tail := b[ReplyHeaderLen:]
	if Type(f.Cmd) == CmdRead {
		f.Payload = tail
	} else if len(tail) >= 10 {
		f.Capacity = binary.BigEndian.Uint64(tail[0:8])
		f.BlockSize = binary.BigEndian.Uint16(tail[8:10])
	}
	return f, nil
}

// RTT computes the round-trip time in ticks between now and a frame's echoed
// Time field, handling the 16-bit wraparound (spec.md §4.1).
func RTT(now, echoed uint16) uint16 {
	return now - echoed
}

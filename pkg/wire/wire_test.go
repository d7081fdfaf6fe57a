package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestRoundTrip(t *testing.T) {
	f := RequestFrame{ID: 3, Cmd: CmdRead, Pos: 8192, Time: 0xBEEF, Len: 4096}
	decoded, err := DecodeRequest(EncodeRequest(f))
	assert.Nil(t, err)
	assert.Equal(t, f, decoded)
}

func TestRequestBadMagic(t *testing.T) {
	b := EncodeRequest(RequestFrame{ID: 1, Cmd: CmdRead})
	b[0] ^= 0xFF
	_, err := DecodeRequest(b)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestRequestShortFrame(t *testing.T) {
	_, err := DecodeRequest(make([]byte, RequestHeaderLen-1))
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestReplyReadRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	f := ReplyFrame{ID: 1, Cmd: CmdRead | CmdDirSrv, Pos: 0, Time: 42, Payload: payload}
	decoded, err := DecodeReply(EncodeReply(f))
	assert.Nil(t, err)
	assert.Equal(t, f.Pos, decoded.Pos)
	assert.Equal(t, f.Time, decoded.Time)
	assert.Equal(t, payload, decoded.Payload)
}

func TestReplyInitRoundTrip(t *testing.T) {
	f := ReplyFrame{ID: 1, Cmd: CmdInit | CmdDirSrv, Time: 7, Capacity: 1048576, BlockSize: 4096}
	decoded, err := DecodeReply(EncodeReply(f))
	assert.Nil(t, err)
	assert.Equal(t, f.Capacity, decoded.Capacity)
	assert.Equal(t, f.BlockSize, decoded.BlockSize)
}

func TestDirectionBit(t *testing.T) {
	assert.True(t, IsCLI(CmdRead))
	assert.False(t, IsSRV(CmdRead))
	assert.True(t, IsSRV(CmdRead|CmdDirSrv))
	assert.False(t, IsCLI(CmdRead|CmdDirSrv))
}

func TestRTTWraparound(t *testing.T) {
	assert.EqualValues(t, 5, RTT(10, 5))
	// now has wrapped past 0xFFFF
	assert.EqualValues(t, 6, RTT(5, 0xFFFF))
}

func TestTypeMasking(t *testing.T) {
	assert.Equal(t, CmdRead, Type(CmdRead|CmdDirSrv))
	assert.Equal(t, CmdHB, Type(CmdHB))
}

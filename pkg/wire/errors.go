package wire

import "errors"

var (
	ErrBadMagic    = errors.New("wire: bad magic")
	ErrShortFrame  = errors.New("wire: frame shorter than fixed header")
	ErrPayloadSize = errors.New("wire: payload exceeds max block size")
)

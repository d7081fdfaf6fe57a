package servertable

import "errors"

var (
	ErrOutOfRange = errors.New("servertable: id out of range")
	ErrExists     = errors.New("servertable: server already active")
)

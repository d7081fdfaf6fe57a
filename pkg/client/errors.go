package client

import "errors"

var (
	ErrWrongState = errors.New("client: operation not valid in current state")
	ErrNoServers  = errors.New("client: no servers responded to handshake")
	ErrNotBound   = errors.New("client: socket/group not configured")
)

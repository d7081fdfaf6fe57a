package cache

import "errors"

var (
	ErrSegmentTooLarge = errors.New("cache: segment exceeds block size")
	ErrShortWrite      = errors.New("cache: short write to backing file")
	ErrBackingTooSmall = errors.New("cache: backing file too small for one block")
)

package disk

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrIO          = errors.New("i/o error")
	ErrCorruptPage = errors.New("corrupt page")
	ErrOutOfSpace  = errors.New("out of space")

	ErrNoSuchPage         = errors.New("no such page")
	ErrBlankPage          = errors.New("page was allocated but never written")
	ErrPageFree           = errors.New("page is on the free list")
	ErrInvalidPage        = errors.New("invalid page id")
	ErrInvalidPayloadSize = errors.New("invalid payload size")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrClosed             = errors.New("page store is closed")

	// ErrBadHeader wraps ErrCorruptPage when page 0 itself does not decode.
	ErrBadHeader = errors.New("unreadable store header")
)

func ioErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %w", ErrOutOfSpace, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

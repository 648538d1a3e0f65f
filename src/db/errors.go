package db

import (
	"errors"

	"github.com/Blackdeer1524/CipherKV/src/bufferpool"
	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
	"github.com/Blackdeer1524/CipherKV/src/txns"
)

var (
	ErrClosed         = errors.New("connection is closed")
	ErrInvalidOptions = errors.New("invalid options")
)

// Errors callers are expected to match with errors.Is.
var (
	ErrIO                    = disk.ErrIO
	ErrCorruptPage           = disk.ErrCorruptPage
	ErrOutOfSpace            = disk.ErrOutOfSpace
	ErrNoSuchPage            = disk.ErrNoSuchPage
	ErrPageFree              = disk.ErrPageFree
	ErrInvalidPage           = disk.ErrInvalidPage
	ErrBlankPage             = disk.ErrBlankPage
	ErrAuthenticationFailure = cipher.ErrAuthenticationFailure
	ErrCacheExhausted        = bufferpool.ErrCacheExhausted
	ErrPagePinned            = bufferpool.ErrPagePinned
	ErrAlreadyActive         = txns.ErrAlreadyActive
	ErrNoActiveTxn           = txns.ErrNoActiveTxn
	ErrFailed                = txns.ErrFailed
	ErrCommitRedone          = txns.ErrCommitRedone
	ErrPayloadTooLarge       = txns.ErrPayloadTooLarge
	ErrPageInUse             = txns.ErrPageInUse
)

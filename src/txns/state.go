package txns

import (
	"errors"
	"fmt"
)

type State int32

const (
	StateIdle State = iota
	StateActive
	StateCommitting
	StateRollingBack
	// StateFailed is terminal: a commit became durable in the log but could
	// not be applied. The connection has to be reopened so recovery can run.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling back"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrAlreadyActive   = errors.New("a transaction is already active")
	ErrNoActiveTxn     = errors.New("no active transaction")
	ErrFailed          = errors.New("transaction manager failed, reopen to recover")
	ErrPayloadTooLarge = errors.New("payload does not fit into a page")
	ErrPageInUse       = errors.New("page was modified by the active transaction")
	ErrCommitRedone    = errors.New("commit failed while applying pages and was redone from the log")
)

package common

import (
	"fmt"
	"math"
)

type PageID uint32

type TxnID uint64

const (
	// HeaderPageID is owned by the page store and never handed out by
	// AllocatePage.
	HeaderPageID PageID = 0

	NilPageID PageID = math.MaxUint32
	NilTxnID  TxnID  = 0
)

func (p PageID) IsNil() bool {
	return p == NilPageID
}

func (p PageID) String() string {
	if p.IsNil() {
		return "page(nil)"
	}
	return fmt.Sprintf("page(%d)", uint32(p))
}

package bufferpool

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/pkg/utils"
)

var ErrNoVictimAvailable = errors.New("no victim available")

type Replacer interface {
	// Pin marks the page as not evictable.
	Pin(pageID common.PageID)
	// Unpin marks the page as evictable. The pool only unpins clean pages.
	Unpin(pageID common.PageID)
	ChooseVictim() (common.PageID, error) // returns ErrNoVictimAvailable if no victim is available
	GetSize() uint64
}

// LRUReplacer keeps evictable pages in recency order. Unpin moves a page to
// the most recently used end, ChooseVictim takes the least recently used one.
type LRUReplacer struct {
	mu        sync.Mutex
	evictable *simplelru.LRU[common.PageID, struct{}]
}

var _ Replacer = &LRUReplacer{}

// NewLRUReplacer sizes the recency list to the pool, so it never drops an
// entry on its own.
func NewLRUReplacer(poolSize uint64) *LRUReplacer {
	return &LRUReplacer{
		evictable: utils.Must(simplelru.NewLRU[common.PageID, struct{}](int(poolSize), nil)),
	}
}

func (r *LRUReplacer) Pin(pageID common.PageID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictable.Remove(pageID)
}

func (r *LRUReplacer) Unpin(pageID common.PageID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictable.Add(pageID, struct{}{})
}

func (r *LRUReplacer) ChooseVictim() (common.PageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pageID, _, ok := r.evictable.RemoveOldest()
	if !ok {
		return common.NilPageID, ErrNoVictimAvailable
	}
	return pageID, nil
}

func (r *LRUReplacer) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(r.evictable.Len())
}

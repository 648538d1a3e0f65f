package bufferpool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/pkg/assert"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

const noFrame = ^uint64(0)

var (
	ErrCacheExhausted = errors.New("page cache exhausted: every frame is pinned or dirty")
	ErrPagePinned     = errors.New("page is pinned")
	ErrNotResident    = errors.New("page is not resident")
)

// Page is a resident plaintext page. Data aliases the frame buffer and is
// valid while the page stays pinned.
type Page struct {
	id   common.PageID
	data []byte
}

func (p *Page) ID() common.PageID {
	return p.id
}

func (p *Page) Data() []byte {
	return p.data
}

type BufferPool interface {
	FetchPage(common.PageID) (*Page, error)
	MarkDirty(common.PageID)
	Unpin(common.PageID)
	FlushPage(common.PageID) error
	SealPage(common.PageID) ([]byte, error)
	WriteSealed(common.PageID, []byte) error
	Discard(common.PageID)
	Forget(common.PageID) error
	DirtyPages() []common.PageID
	PlaintextSize() int
}

type frameInfo struct {
	frameID  uint64
	pinCount uint64
	dirty    bool
}

type Options struct {
	Logger src.Logger
	// Registerer receives the hit, miss and eviction counters. Nil keeps
	// them unregistered.
	Registerer prometheus.Registerer
}

// Manager caches decrypted pages in a fixed number of frames. Dirty frames
// are never written back implicitly: they reach the store only through
// FlushPage or WriteSealed, which is what lets the transaction layer log a
// page before the store sees it.
type Manager struct {
	poolSize uint64

	mu          sync.Mutex
	pageTable   map[common.PageID]frameInfo
	frames      []Page
	emptyFrames []uint64

	replacer    Replacer
	diskManager common.DiskManager
	cipher      common.PageCipher

	metrics *metrics
	log     src.Logger
}

var _ BufferPool = &Manager{}

func New(
	poolSize uint64,
	replacer Replacer,
	diskManager common.DiskManager,
	cipher common.PageCipher,
	opts Options,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")
	assert.Assert(
		diskManager.PayloadSize() > cipher.Overhead(),
		"page payload (%d bytes) can't hold the cipher overhead (%d bytes)",
		diskManager.PayloadSize(),
		cipher.Overhead(),
	)

	if opts.Logger == nil {
		opts.Logger = src.NopLogger()
	}

	plaintextSize := diskManager.PayloadSize() - cipher.Overhead()
	frames := make([]Page, poolSize)
	emptyFrames := make([]uint64, poolSize)
	for i := uint64(0); i < poolSize; i++ {
		frames[i] = Page{id: common.NilPageID, data: make([]byte, plaintextSize)}
		emptyFrames[i] = poolSize - 1 - i
	}

	return &Manager{
		poolSize:    poolSize,
		pageTable:   map[common.PageID]frameInfo{},
		frames:      frames,
		emptyFrames: emptyFrames,
		replacer:    replacer,
		diskManager: diskManager,
		cipher:      cipher,
		metrics:     newMetrics(opts.Registerer),
		log:         opts.Logger,
	}
}

// PlaintextSize is the number of bytes a caller can store in a page.
func (m *Manager) PlaintextSize() int {
	return m.diskManager.PayloadSize() - m.cipher.Overhead()
}

// SetCipher swaps the cipher used for subsequent loads and seals. Resident
// plaintext stays valid.
func (m *Manager) SetCipher(cipher common.PageCipher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assert.Assert(
		cipher.Overhead() == m.cipher.Overhead(),
		"cipher overhead changed from %d to %d",
		m.cipher.Overhead(),
		cipher.Overhead(),
	)
	m.cipher = cipher
}

func (m *Manager) pin(pageID common.PageID) {
	info, ok := m.pageTable[pageID]
	assert.Assert(ok, "no frame for page: %v", pageID)

	info.pinCount++
	m.pageTable[pageID] = info
	m.replacer.Pin(pageID)
}

func (m *Manager) Unpin(pageID common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unpinAssumeLocked(pageID)
}

func (m *Manager) unpinAssumeLocked(pageID common.PageID) {
	info, ok := m.pageTable[pageID]
	assert.Assert(ok, "couldn't unpin page %v: page not found", pageID)
	assert.Assert(info.pinCount > 0, "invalid pin count for page %v: %d", pageID, info.pinCount)

	info.pinCount--
	m.pageTable[pageID] = info
	if info.pinCount == 0 && !info.dirty {
		m.replacer.Unpin(pageID)
	}
}

func (m *Manager) reserveFrame() uint64 {
	if len(m.emptyFrames) > 0 {
		id := m.emptyFrames[len(m.emptyFrames)-1]
		m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
		return id
	}

	return noFrame
}

// evictAssumeLocked frees a clean unpinned frame. Dirty frames never reach
// the replacer, so nothing has to be written back here.
func (m *Manager) evictAssumeLocked() (uint64, error) {
	victim, err := m.replacer.ChooseVictim()
	if err != nil {
		if errors.Is(err, ErrNoVictimAvailable) {
			return noFrame, fmt.Errorf("%w: %d frames", ErrCacheExhausted, m.poolSize)
		}
		return noFrame, err
	}

	victimInfo, ok := m.pageTable[victim]
	assert.Assert(ok, "victim page %v not found", victim)
	assert.Assert(victimInfo.pinCount == 0, "victim page %v is pinned", victim)
	assert.Assert(!victimInfo.dirty, "victim page %v is dirty", victim)

	delete(m.pageTable, victim)
	m.frames[victimInfo.frameID].id = common.NilPageID
	m.metrics.evictions.Inc()
	return victimInfo.frameID, nil
}

func (m *Manager) loadAssumeLocked(frame *Page, pageID common.PageID) error {
	sealed, err := m.diskManager.ReadPage(pageID)
	if errors.Is(err, disk.ErrBlankPage) {
		clear(frame.data)
		frame.id = pageID
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := m.cipher.Open(sealed, pageID)
	if err != nil {
		return err
	}
	assert.Assert(
		len(plaintext) == len(frame.data),
		"opened %v has %d bytes, frame holds %d",
		pageID,
		len(plaintext),
		len(frame.data),
	)

	copy(frame.data, plaintext)
	frame.id = pageID
	return nil
}

// FetchPage pins the page, loading and opening it on a miss. Callers must
// Unpin it when done.
func (m *Manager) FetchPage(pageID common.PageID) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.pageTable[pageID]; ok {
		m.pin(pageID)
		m.metrics.hits.Inc()
		return &m.frames[info.frameID], nil
	}

	frameID := m.reserveFrame()
	if frameID == noFrame {
		var err error
		if frameID, err = m.evictAssumeLocked(); err != nil {
			return nil, err
		}
	}

	frame := &m.frames[frameID]
	if err := m.loadAssumeLocked(frame, pageID); err != nil {
		frame.id = common.NilPageID
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}
	m.metrics.misses.Inc()

	m.pageTable[pageID] = frameInfo{frameID: frameID, pinCount: 1}
	m.replacer.Pin(pageID)
	return frame, nil
}

// MarkDirty flags a pinned page as modified. It stays resident until it is
// flushed or discarded.
func (m *Manager) MarkDirty(pageID common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[pageID]
	assert.Assert(ok, "couldn't mark page %v dirty: page not found", pageID)
	assert.Assert(info.pinCount > 0, "page %v must be pinned to be marked dirty", pageID)

	info.dirty = true
	m.pageTable[pageID] = info
}

func (m *Manager) IsDirty(pageID common.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pageTable[pageID].dirty
}

// SealPage encrypts the resident contents of a page without writing them.
func (m *Manager) SealPage(pageID common.PageID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sealAssumeLocked(pageID)
}

func (m *Manager) sealAssumeLocked(pageID common.PageID) ([]byte, error) {
	info, ok := m.pageTable[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotResident, pageID)
	}
	return m.cipher.Seal(m.frames[info.frameID].data, pageID)
}

// WriteSealed stores an image produced by SealPage and marks the frame
// clean.
func (m *Manager) WriteSealed(pageID common.PageID, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeSealedAssumeLocked(pageID, sealed)
}

func (m *Manager) writeSealedAssumeLocked(pageID common.PageID, sealed []byte) error {
	info, ok := m.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotResident, pageID)
	}

	if err := m.diskManager.WritePage(pageID, sealed); err != nil {
		return err
	}

	if info.dirty {
		info.dirty = false
		m.pageTable[pageID] = info
		if info.pinCount == 0 {
			m.replacer.Unpin(pageID)
		}
	}
	return nil
}

func (m *Manager) FlushPage(pageID common.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[pageID]
	if !ok || !info.dirty {
		return nil
	}

	sealed, err := m.sealAssumeLocked(pageID)
	if err != nil {
		return err
	}
	return m.writeSealedAssumeLocked(pageID, sealed)
}

func (m *Manager) dropAssumeLocked(pageID common.PageID, info frameInfo) {
	m.replacer.Pin(pageID)
	delete(m.pageTable, pageID)

	frame := &m.frames[info.frameID]
	frame.id = common.NilPageID
	clear(frame.data)
	m.emptyFrames = append(m.emptyFrames, info.frameID)
}

// Discard throws away the resident copy of an unpinned page, dirty or not.
// The next fetch reads it from the store again.
func (m *Manager) Discard(pageID common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[pageID]
	if !ok {
		return
	}
	assert.Assert(info.pinCount == 0, "page %v is discarded while pinned %d times", pageID, info.pinCount)

	if info.dirty {
		m.log.Debugw("discarding dirty page", "page_id", pageID)
	}
	m.dropAssumeLocked(pageID, info)
}

// Forget drops a page that is about to be freed.
func (m *Manager) Forget(pageID common.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[pageID]
	if !ok {
		return nil
	}
	if info.pinCount > 0 {
		return fmt.Errorf("%w: %v is pinned %d times", ErrPagePinned, pageID, info.pinCount)
	}

	m.dropAssumeLocked(pageID, info)
	return nil
}

// DirtyPages lists dirty resident pages in ascending id order.
func (m *Manager) DirtyPages() []common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dirty []common.PageID
	for pageID, info := range m.pageTable {
		if info.dirty {
			dirty = append(dirty, pageID)
		}
	}
	slices.Sort(dirty)
	return dirty
}

type Stats struct {
	Capacity uint64
	Resident int
	Pinned   int
	Dirty    int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Capacity: m.poolSize, Resident: len(m.pageTable)}
	for _, info := range m.pageTable {
		if info.pinCount > 0 {
			s.Pinned++
		}
		if info.dirty {
			s.Dirty++
		}
	}
	return s
}

// EnsureAllPagesUnpinned reports frames that are still pinned. Callers use
// it to catch leaked pins once no operation is in flight.
func (m *Manager) EnsureAllPagesUnpinned() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := map[common.PageID]uint64{}
	for pageID, info := range m.pageTable {
		if info.pinCount != 0 {
			pinned[pageID] = info.pinCount
		}
	}

	if len(pinned) > 0 {
		return fmt.Errorf("not all pages were properly unpinned: %v", pinned)
	}
	return nil
}

package disk

import (
	"io"
	"sync"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

type memDevice struct {
	mu     sync.RWMutex
	blocks map[int64][]byte
}

func (d *memDevice) readAt(buf []byte, off int64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	block, ok := d.blocks[off]
	if !ok {
		return io.EOF
	}
	if len(block) < len(buf) {
		copy(buf, block)
		return io.ErrUnexpectedEOF
	}
	copy(buf, block)
	return nil
}

func (d *memDevice) writeAt(buf []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	block := make([]byte, len(buf))
	copy(block, buf)
	d.blocks[off] = block
	return nil
}

func (d *memDevice) sync() error  { return nil }
func (d *memDevice) close() error { return nil }

// InMemoryManager keeps every slot in a map. Checksums, the free list and
// the header behave exactly as in the file-backed Manager.
type InMemoryManager struct {
	*store
}

var _ common.DiskManager = &InMemoryManager{}

func NewInMemoryManager(opts Options) (*InMemoryManager, error) {
	opts = opts.withDefaults()
	if err := validatePageSize(opts.PageSize); err != nil {
		return nil, err
	}

	s := &store{
		dev:      &memDevice{blocks: map[int64][]byte{}},
		header:   newHeader(opts.PageSize),
		maxPages: opts.MaxPages,
		log:      opts.Logger,
	}
	if err := s.persistHeaderAssumeLocked(); err != nil {
		return nil, err
	}
	return &InMemoryManager{store: s}, nil
}

// corruptByte flips one bit of a stored slot. Tests use it to simulate
// media corruption and tampering.
func (m *InMemoryManager) corruptByte(pageID common.PageID, off int) {
	dev := m.dev.(*memDevice)
	dev.mu.Lock()
	defer dev.mu.Unlock()

	block := dev.blocks[m.offset(pageID)]
	block[off] ^= 0x01
}

package txns

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/bufferpool"
	"github.com/Blackdeer1524/CipherKV/src/pkg/assert"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/pkg/utils"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
)

// WAL is the part of recovery.Log the manager drives.
type WAL interface {
	Append(recovery.Record) error
	Commit() error
	Reset() error
}

var _ WAL = &recovery.Log{}

type Options struct {
	Logger     src.Logger
	Registerer prometheus.Registerer
}

// Manager runs at most one transaction at a time. A transaction keeps every
// page it wrote pinned until it ends, so the cache can't evict them and the
// manager only has to remember their ids.
type Manager struct {
	mu sync.Mutex

	state   State
	lastID  common.TxnID
	current common.TxnID
	touched map[common.PageID]struct{}

	pool    bufferpool.BufferPool
	store   common.DiskManager
	wal     WAL
	metrics *metrics
	log     src.Logger
}

func NewManager(
	pool bufferpool.BufferPool,
	store common.DiskManager,
	wal WAL,
	opts Options,
) *Manager {
	if opts.Logger == nil {
		opts.Logger = src.NopLogger()
	}

	return &Manager{
		state:   StateIdle,
		touched: map[common.PageID]struct{}{},
		pool:    pool,
		store:   store,
		wal:     wal,
		metrics: newMetrics(opts.Registerer),
		log:     opts.Logger,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) Active() bool {
	return m.State() == StateActive
}

// Touched reports whether the active transaction wrote the page.
func (m *Manager) Touched(pageID common.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.touched[pageID]
	return ok
}

func (m *Manager) Begin() (common.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
	case StateFailed:
		return common.NilTxnID, ErrFailed
	default:
		return common.NilTxnID, fmt.Errorf("%w: txn %d is %v", ErrAlreadyActive, m.current, m.state)
	}

	m.lastID++
	m.current = m.lastID
	m.state = StateActive
	m.log.Debugw("transaction started", "txn_id", m.current)
	return m.current, nil
}

// WritePage replaces the plaintext of a page inside the active transaction.
// Shorter data is zero padded.
func (m *Manager) WritePage(pageID common.PageID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureActiveAssumeLocked(); err != nil {
		return err
	}
	if len(data) > m.pool.PlaintextSize() {
		return fmt.Errorf(
			"%w: %d bytes, page holds %d",
			ErrPayloadTooLarge,
			len(data),
			m.pool.PlaintextSize(),
		)
	}

	pg, err := m.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	if _, ok := m.touched[pageID]; ok {
		// the first write already holds a pin for the rest of the transaction
		defer m.pool.Unpin(pageID)
	} else {
		m.touched[pageID] = struct{}{}
	}

	n := copy(pg.Data(), data)
	clear(pg.Data()[n:])
	m.pool.MarkDirty(pageID)
	return nil
}

func (m *Manager) ensureActiveAssumeLocked() error {
	switch m.state {
	case StateActive:
		return nil
	case StateFailed:
		return ErrFailed
	default:
		return ErrNoActiveTxn
	}
}

func (m *Manager) releaseAssumeLocked(discard bool) {
	for _, pageID := range utils.SortedKeys(m.touched) {
		m.pool.Unpin(pageID)
		if discard {
			m.pool.Discard(pageID)
		}
	}
	clear(m.touched)
	m.current = common.NilTxnID
}

func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureActiveAssumeLocked(); err != nil {
		return err
	}

	m.state = StateRollingBack
	txnID, pages := m.current, len(m.touched)
	m.releaseAssumeLocked(true)
	m.state = StateIdle

	m.metrics.rollbacks.Inc()
	m.log.Debugw("transaction rolled back", "txn_id", txnID, "pages", pages)
	return nil
}

// Commit logs the sealed image of every dirty page, makes the log durable,
// writes the same images to the store in page id order and truncates the
// log.
//
// A failure before the log is durable rolls the transaction back. A failure
// after it keeps the log and redoes it in-process; if that fails too the
// manager enters StateFailed and recovery finishes the commit on reopen.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureActiveAssumeLocked(); err != nil {
		return err
	}
	m.state = StateCommitting
	txnID := m.current

	dirty := m.pool.DirtyPages()
	for _, pageID := range dirty {
		_, ok := m.touched[pageID]
		assert.Assert(ok, "dirty page %v was not written by txn %d", pageID, txnID)
	}

	if len(dirty) == 0 {
		m.releaseAssumeLocked(false)
		m.state = StateIdle
		m.metrics.commits.Inc()
		return nil
	}

	records, err := m.logAssumeLocked(dirty)
	if err != nil {
		err = errors.Join(err, m.wal.Reset())
		m.releaseAssumeLocked(true)
		m.state = StateIdle
		m.metrics.rollbacks.Inc()
		m.log.Warnw("commit aborted before the log became durable", "txn_id", txnID, "error", err)
		return fmt.Errorf("commit txn %d: %w", txnID, err)
	}

	if err := m.applyAssumeLocked(records); err != nil {
		return m.redoAssumeLocked(txnID, records, err)
	}

	m.releaseAssumeLocked(false)
	m.state = StateIdle
	m.metrics.commits.Inc()
	m.log.Debugw("transaction committed", "txn_id", txnID, "pages", len(records))
	return nil
}

func (m *Manager) logAssumeLocked(dirty []common.PageID) ([]recovery.Record, error) {
	records := make([]recovery.Record, 0, len(dirty))
	for _, pageID := range dirty {
		before, err := m.store.Checksum(pageID)
		if err != nil {
			return nil, err
		}
		sealed, err := m.pool.SealPage(pageID)
		if err != nil {
			return nil, err
		}

		r := recovery.Record{PageID: pageID, BeforeChecksum: before, AfterImage: sealed}
		if err := m.wal.Append(r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err := m.wal.Commit(); err != nil {
		return nil, err
	}
	m.metrics.pagesLogged.Add(float64(len(records)))
	return records, nil
}

func (m *Manager) applyAssumeLocked(records []recovery.Record) error {
	for _, r := range records {
		if err := m.pool.WriteSealed(r.PageID, r.AfterImage); err != nil {
			return err
		}
	}
	if err := m.store.Sync(); err != nil {
		return err
	}
	return m.wal.Reset()
}

func (m *Manager) redoAssumeLocked(txnID common.TxnID, records []recovery.Record, cause error) error {
	m.log.Errorw("commit failed after the log became durable, redoing", "txn_id", txnID, "error", cause)

	_, err := recovery.Replay(m.store, records, m.log)
	if err == nil {
		err = m.wal.Reset()
	}
	if err != nil {
		m.state = StateFailed
		m.log.Errorw("redo failed, the log is kept for recovery", "txn_id", txnID, "error", err)
		return fmt.Errorf("commit txn %d: %w", txnID, errors.Join(ErrFailed, cause, err))
	}

	// the store holds the committed images; drop the frames so nothing
	// stays dirty
	m.releaseAssumeLocked(true)
	m.state = StateIdle
	m.metrics.commits.Inc()
	return fmt.Errorf("commit txn %d: %w", txnID, errors.Join(ErrCommitRedone, cause))
}

// ApplyBatch logs records as one atomic batch and writes them straight to
// the store, bypassing the cache. Page id 0 carries a header image. It is
// used for operations that rewrite pages under a different key.
func (m *Manager) ApplyBatch(records []recovery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
	case StateFailed:
		return ErrFailed
	default:
		return fmt.Errorf("%w: txn %d is %v", ErrAlreadyActive, m.current, m.state)
	}
	if len(records) == 0 {
		return nil
	}

	for _, r := range records {
		if err := m.wal.Append(r); err != nil {
			return errors.Join(err, m.wal.Reset())
		}
	}
	if err := m.wal.Commit(); err != nil {
		return errors.Join(err, m.wal.Reset())
	}
	m.metrics.pagesLogged.Add(float64(len(records)))

	if _, err := recovery.Replay(m.store, records, m.log); err != nil {
		m.state = StateFailed
		return fmt.Errorf("apply batch: %w", errors.Join(ErrFailed, err))
	}
	if err := m.wal.Reset(); err != nil {
		m.state = StateFailed
		return fmt.Errorf("apply batch: %w", errors.Join(ErrFailed, err))
	}
	return nil
}

package txns

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/CipherKV/src/bufferpool"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

const logPath = "/data/test.db-wal"

// faultyStore fails the next failWrites page writes, or every write when
// failWrites is negative.
type faultyStore struct {
	common.DiskManager
	failWrites int
}

func (s *faultyStore) WritePage(pageID common.PageID, payload []byte) error {
	if s.failWrites != 0 {
		if s.failWrites > 0 {
			s.failWrites--
		}
		return disk.ErrIO
	}
	return s.DiskManager.WritePage(pageID, payload)
}

type MockWAL struct {
	mock.Mock
}

func (m *MockWAL) Append(r recovery.Record) error {
	return m.Called(r).Error(0)
}

func (m *MockWAL) Commit() error {
	return m.Called().Error(0)
}

func (m *MockWAL) Reset() error {
	return m.Called().Error(0)
}

type env struct {
	fs      afero.Fs
	store   *faultyStore
	pool    *bufferpool.Manager
	wal     *recovery.Log
	manager *Manager
	pages   []common.PageID
}

func newEnv(t *testing.T, pagesCount int, wal WAL) *env {
	t.Helper()

	inner, err := disk.NewInMemoryManager(disk.Options{PageSize: disk.MinPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, inner.Close()) })
	store := &faultyStore{DiskManager: inner}

	fs := afero.NewMemMapFs()
	log, err := recovery.OpenLog(fs, logPath, disk.MinPageSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, log.Close()) })
	if wal == nil {
		wal = log
	}

	pool := bufferpool.New(
		uint64(pagesCount)+2,
		bufferpool.NewLRUReplacer(uint64(pagesCount)+2),
		store,
		common.PlainCipher{},
		bufferpool.Options{},
	)

	pages := make([]common.PageID, 0, pagesCount)
	for i := 0; i < pagesCount; i++ {
		id, err := store.AllocatePage()
		require.NoError(t, err)
		pages = append(pages, id)
	}

	return &env{
		fs:      fs,
		store:   store,
		pool:    pool,
		wal:     log,
		manager: NewManager(pool, store, wal, Options{}),
		pages:   pages,
	}
}

func (e *env) content(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, e.pool.PlaintextSize())
}

func (e *env) readCached(t *testing.T, pageID common.PageID) []byte {
	t.Helper()

	pg, err := e.pool.FetchPage(pageID)
	require.NoError(t, err)
	defer e.pool.Unpin(pageID)
	return bytes.Clone(pg.Data())
}

func (e *env) logSize(t *testing.T) int64 {
	t.Helper()

	st, err := e.fs.Stat(logPath)
	require.NoError(t, err)
	return st.Size()
}

func TestBeginTwiceIsAlreadyActive(t *testing.T) {
	e := newEnv(t, 1, nil)

	first, err := e.manager.Begin()
	require.NoError(t, err)
	assert.Equal(t, StateActive, e.manager.State())

	_, err = e.manager.Begin()
	require.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, e.manager.Rollback())
	second, err := e.manager.Begin()
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestOperationsWithoutTransaction(t *testing.T) {
	e := newEnv(t, 1, nil)

	assert.ErrorIs(t, e.manager.Commit(), ErrNoActiveTxn)
	assert.ErrorIs(t, e.manager.Rollback(), ErrNoActiveTxn)
	assert.ErrorIs(t, e.manager.WritePage(e.pages[0], []byte("x")), ErrNoActiveTxn)
}

func TestCommitWritesPagesInOrder(t *testing.T) {
	e := newEnv(t, 3, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)

	require.NoError(t, e.manager.WritePage(e.pages[2], []byte("third")))
	require.NoError(t, e.manager.WritePage(e.pages[0], []byte("first")))
	require.NoError(t, e.manager.WritePage(e.pages[0], []byte("first, again")))
	assert.True(t, e.manager.Touched(e.pages[0]))
	assert.False(t, e.manager.Touched(e.pages[1]))

	require.NoError(t, e.manager.Commit())
	assert.Equal(t, StateIdle, e.manager.State())

	want := make([]byte, e.pool.PlaintextSize())
	copy(want, "first, again")
	got, err := e.store.ReadPage(e.pages[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = e.store.ReadPage(e.pages[1])
	assert.ErrorIs(t, err, disk.ErrBlankPage, "untouched pages stay as they were")

	assert.Zero(t, e.logSize(t))
	assert.Empty(t, e.pool.DirtyPages())
	require.NoError(t, e.pool.EnsureAllPagesUnpinned())

	assert.Equal(t, 1.0, testutil.ToFloat64(e.manager.metrics.commits))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.manager.metrics.pagesLogged))
}

func TestRollbackRestoresPreTransactionContent(t *testing.T) {
	e := newEnv(t, 2, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, e.manager.WritePage(e.pages[0], e.content(1)))
	require.NoError(t, e.manager.Commit())

	_, err = e.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, e.manager.WritePage(e.pages[0], e.content(2)))
	require.NoError(t, e.manager.WritePage(e.pages[1], e.content(3)))
	assert.Equal(t, e.content(2), e.readCached(t, e.pages[0]), "reads see the transaction's writes")

	require.NoError(t, e.manager.Rollback())

	assert.Equal(t, e.content(1), e.readCached(t, e.pages[0]))
	assert.Equal(t, make([]byte, e.pool.PlaintextSize()), e.readCached(t, e.pages[1]))
	assert.Empty(t, e.pool.DirtyPages())
	require.NoError(t, e.pool.EnsureAllPagesUnpinned())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.manager.metrics.rollbacks))
}

func TestEmptyCommit(t *testing.T) {
	e := newEnv(t, 1, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, e.manager.Commit())
	assert.Zero(t, e.logSize(t))
}

func TestWriteTooLarge(t *testing.T) {
	e := newEnv(t, 1, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)

	err = e.manager.WritePage(e.pages[0], make([]byte, e.pool.PlaintextSize()+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.True(t, e.manager.Active(), "a rejected write leaves the transaction open")
}

func TestLogFailureRollsBack(t *testing.T) {
	wal := new(MockWAL)
	e := newEnv(t, 2, wal)

	wal.On("Append", mock.Anything).Return(nil).Once()
	wal.On("Append", mock.Anything).Return(disk.ErrIO).Once()
	wal.On("Reset").Return(nil).Once()

	_, err := e.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, e.manager.WritePage(e.pages[0], e.content(1)))
	require.NoError(t, e.manager.WritePage(e.pages[1], e.content(2)))

	err = e.manager.Commit()
	require.ErrorIs(t, err, disk.ErrIO)
	assert.Equal(t, StateIdle, e.manager.State())

	for _, id := range e.pages {
		_, err := e.store.ReadPage(id)
		assert.ErrorIs(t, err, disk.ErrBlankPage, "store must be unchanged")
	}
	assert.Empty(t, e.pool.DirtyPages())
	require.NoError(t, e.pool.EnsureAllPagesUnpinned())

	wal.AssertNotCalled(t, "Commit")
	wal.AssertExpectations(t)
}

func TestStoreFailureAfterDurableLogIsRedone(t *testing.T) {
	e := newEnv(t, 3, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)
	for i, id := range e.pages {
		require.NoError(t, e.manager.WritePage(id, e.content(byte(i+1))))
	}

	e.store.failWrites = 1
	err = e.manager.Commit()
	require.ErrorIs(t, err, ErrCommitRedone)
	require.ErrorIs(t, err, disk.ErrIO)
	assert.Equal(t, StateIdle, e.manager.State())

	for i, id := range e.pages {
		assert.Equal(t, e.content(byte(i+1)), e.readCached(t, id))
	}
	assert.Zero(t, e.logSize(t))
	require.NoError(t, e.pool.EnsureAllPagesUnpinned())
}

func TestFailedRedoKeepsLogForRecovery(t *testing.T) {
	e := newEnv(t, 2, nil)

	_, err := e.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, e.manager.WritePage(e.pages[0], e.content(7)))
	require.NoError(t, e.manager.WritePage(e.pages[1], e.content(8)))

	e.store.failWrites = -1
	err = e.manager.Commit()
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, StateFailed, e.manager.State())

	_, err = e.manager.Begin()
	require.ErrorIs(t, err, ErrFailed)

	// what a reopen does: recover from the log left behind
	e.store.failWrites = 0
	reopened, err := recovery.OpenLog(e.fs, logPath, disk.MinPageSize, nil)
	require.NoError(t, err)
	defer reopened.Close()

	applied, err := reopened.Recover(e.store)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	got, err := e.store.ReadPage(e.pages[1])
	require.NoError(t, err)
	assert.Equal(t, e.content(8), got)
}

func TestApplyBatch(t *testing.T) {
	e := newEnv(t, 1, nil)

	header, err := e.store.StageCipherParams([]byte("next"))
	require.NoError(t, err)

	image := bytes.Repeat([]byte{9}, e.store.PayloadSize())
	require.NoError(t, e.manager.ApplyBatch([]recovery.Record{
		{PageID: common.HeaderPageID, AfterImage: header},
		{PageID: e.pages[0], AfterImage: image},
	}))

	assert.Equal(t, []byte("next"), e.store.CipherParams())
	got, err := e.store.ReadPage(e.pages[0])
	require.NoError(t, err)
	assert.Equal(t, image, got)
	assert.Zero(t, e.logSize(t))

	_, err = e.manager.Begin()
	require.NoError(t, err)
	err = e.manager.ApplyBatch([]recovery.Record{{PageID: e.pages[0], AfterImage: image}})
	require.ErrorIs(t, err, ErrAlreadyActive)
}

func TestApplyBatchLogFailure(t *testing.T) {
	wal := new(MockWAL)
	e := newEnv(t, 1, wal)

	wal.On("Append", mock.Anything).Return(nil)
	wal.On("Commit").Return(errors.New("sync failed"))
	wal.On("Reset").Return(nil)

	err := e.manager.ApplyBatch([]recovery.Record{
		{PageID: e.pages[0], AfterImage: bytes.Repeat([]byte{1}, e.store.PayloadSize())},
	})
	require.Error(t, err)
	assert.Equal(t, StateIdle, e.manager.State())

	_, err = e.store.ReadPage(e.pages[0])
	assert.ErrorIs(t, err, disk.ErrBlankPage)
}

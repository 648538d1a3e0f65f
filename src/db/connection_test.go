package db

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/pkg/utils"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

const dbPath = "/data/test.db"

var (
	testKey  = bytes.Repeat([]byte{0x11}, 32)
	otherKey = bytes.Repeat([]byte{0x22}, 32)
)

var errInjected = errors.New("injected write failure")

// faultyFs fails writes to one file. failWrites counts the writes still to
// fail; a negative value fails all of them.
type faultyFs struct {
	afero.Fs

	mu         sync.Mutex
	target     string
	failWrites int
}

func (f *faultyFs) failOn(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.target = path
	f.failWrites = n
}

func (f *faultyFs) shouldFail(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name != f.target || f.failWrites == 0 {
		return false
	}
	if f.failWrites > 0 {
		f.failWrites--
	}
	return true
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

type faultyFile struct {
	afero.File
	fs   *faultyFs
	name string
}

func (f *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.fs.shouldFail(f.name) {
		return 0, errInjected
	}
	return f.File.WriteAt(p, off)
}

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithKDF(cipher.KDFHKDF),
		WithPageSize(disk.MinPageSize),
		WithCacheSize(16),
		WithWorkers(4),
	}, extra...)
}

func openConn(t *testing.T, fs afero.Fs, key []byte, extra ...Option) *Connection {
	t.Helper()

	c, err := OpenWithFs(fs, dbPath, key, testOptions(extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func fill(c *Connection, b byte) []byte {
	return bytes.Repeat([]byte{b}, c.PayloadSize())
}

func TestWriteReadAcrossReopen(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, []byte("hello")))
	require.NoError(t, c.Close())

	c = openConn(t, fs, testKey)
	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Len(t, data, c.PayloadSize())
	assert.Equal(t, []byte("hello"), data[:5])
	assert.Equal(t, make([]byte, c.PayloadSize()-5), data[5:])
}

func TestPlaintextNeverReachesDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openConn(t, fs, testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	secret := bytes.Repeat([]byte("top secret "), 20)
	require.NoError(t, c.WritePage(p, secret))
	require.NoError(t, c.Close())

	raw, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("top secret")))
}

func TestAllocatedPageReadsAsZeros(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, c.PayloadSize()), data)
}

func TestRollbackRestoresPages(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	q, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, fill(c, 'a')))

	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, fill(c, 'b')))
	require.NoError(t, c.WritePage(q, fill(c, 'c')))

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'b'), data, "a transaction sees its own writes")

	require.NoError(t, c.Rollback())

	data, err = c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'a'), data)
	data, err = c.ReadPage(q)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, c.PayloadSize()), data)
}

func TestRandomCommitsSurviveReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openConn(t, fs, testKey, WithCacheSize(8))

	const pagesCount = 40
	for i := 0; i < pagesCount; i++ {
		_, err := c.AllocatePage()
		require.NoError(t, err)
	}

	want := map[common.PageID][]byte{}
	for round := 0; round < 10; round++ {
		require.NoError(t, c.Begin())
		for _, id := range utils.GenerateUniqueInts[uint32](6, 1, pagesCount+1) {
			pageID := common.PageID(id)
			data := fill(c, byte(round*pagesCount)+byte(id))
			require.NoError(t, c.WritePage(pageID, data))
			want[pageID] = data
		}
		require.NoError(t, c.Commit())
	}
	require.NoError(t, c.Close())

	c = openConn(t, fs, testKey, WithCacheSize(8))
	for id := uint32(1); id <= pagesCount; id++ {
		pageID := common.PageID(id)
		data, err := c.ReadPage(pageID)
		require.NoError(t, err)

		expected, ok := want[pageID]
		if !ok {
			expected = make([]byte, c.PayloadSize())
		}
		assert.Equal(t, expected, data, "%v", pageID)
	}
}

func TestTransactionStateErrors(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	assert.ErrorIs(t, c.Commit(), ErrNoActiveTxn)
	assert.ErrorIs(t, c.Rollback(), ErrNoActiveTxn)

	require.NoError(t, c.Begin())
	assert.ErrorIs(t, c.Begin(), ErrAlreadyActive)
	require.NoError(t, c.Commit())
}

func TestCommitIsAtomicAcrossCrash(t *testing.T) {
	base := afero.NewMemMapFs()
	fs := &faultyFs{Fs: base}
	c := openConn(t, fs, testKey)

	var pages []common.PageID
	for i := 0; i < 3; i++ {
		p, err := c.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, c.WritePage(p, fill(c, 'o')))
		pages = append(pages, p)
	}

	require.NoError(t, c.Begin())
	for _, p := range pages {
		require.NoError(t, c.WritePage(p, fill(c, 'n')))
	}

	fs.failOn(dbPath, -1)
	err := c.Commit()
	require.ErrorIs(t, err, ErrFailed)

	_, err = c.ReadPage(pages[0])
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, c.Begin(), ErrFailed)
	_ = c.Close()

	exists, err := afero.Exists(base, recovery.LogPath(dbPath))
	require.NoError(t, err)
	require.True(t, exists)

	c = openConn(t, base, testKey)
	for _, p := range pages {
		data, err := c.ReadPage(p)
		require.NoError(t, err)
		assert.Equal(t, fill(c, 'n'), data, "%v", p)
	}
}

func TestCommitRedoneAfterStoreWriteFailure(t *testing.T) {
	fs := &faultyFs{Fs: afero.NewMemMapFs()}
	c := openConn(t, fs, testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, fill(c, 'x')))

	fs.failOn(dbPath, 1)
	err = c.Commit()
	require.ErrorIs(t, err, ErrCommitRedone)

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'x'), data)
	require.NoError(t, c.Begin())
	require.NoError(t, c.Rollback())
}

func TestCommitRolledBackWhenLogFails(t *testing.T) {
	fs := &faultyFs{Fs: afero.NewMemMapFs()}
	c := openConn(t, fs, testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, fill(c, 'a')))

	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, fill(c, 'b')))

	fs.failOn(recovery.LogPath(dbPath), 1)
	err = c.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'a'), data)

	require.NoError(t, c.WritePage(p, fill(c, 'c')))
	data, err = c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'c'), data)
}

func TestTornLogIsDiscarded(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, fill(c, 'k')))
	require.NoError(t, c.Close())

	torn := append([]byte("CKVWAL01"), bytes.Repeat([]byte{0x7f}, 40)...)
	require.NoError(t, afero.WriteFile(fs, recovery.LogPath(dbPath), torn, 0o600))

	c = openConn(t, fs, testKey)
	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'k'), data)

	st, err := fs.Stat(recovery.LogPath(dbPath))
	require.NoError(t, err)
	assert.Zero(t, st.Size())
}

func TestFreeListIsLIFO(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	a, err := c.AllocatePage()
	require.NoError(t, err)
	b, err := c.AllocatePage()
	require.NoError(t, err)
	_, err = c.AllocatePage()
	require.NoError(t, err)

	require.NoError(t, c.FreePage(a))
	require.NoError(t, c.FreePage(b))

	got, err := c.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, b, got)
	got, err = c.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, a, got)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), stats.PageCount)
	assert.Zero(t, stats.FreeCount)
}

func TestFreedPageCantBeRead(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, []byte("data")))
	require.NoError(t, c.FreePage(p))

	_, err = c.ReadPage(p)
	assert.ErrorIs(t, err, ErrPageFree)
	assert.ErrorIs(t, c.FreePage(p), ErrPageFree)
	assert.ErrorIs(t, c.FreePage(common.HeaderPageID), ErrInvalidPage)
}

func TestFreeTouchedPage(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, []byte("data")))

	assert.ErrorIs(t, c.FreePage(p), ErrPageInUse)

	require.NoError(t, c.Rollback())
	assert.NoError(t, c.FreePage(p))
}

func TestCacheExhaustedInsideTransaction(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey, WithCacheSize(2))

	var pages []common.PageID
	for i := 0; i < 3; i++ {
		p, err := c.AllocatePage()
		require.NoError(t, err)
		pages = append(pages, p)
	}

	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(pages[0], []byte("a")))
	require.NoError(t, c.WritePage(pages[1], []byte("b")))
	assert.ErrorIs(t, c.WritePage(pages[2], []byte("c")), ErrCacheExhausted)
	require.NoError(t, c.Commit())

	require.NoError(t, c.WritePage(pages[2], []byte("c")))
	data, err := c.ReadPage(pages[0])
	require.NoError(t, err)
	assert.Equal(t, byte('a'), data[0])
}

func TestPayloadTooLarge(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	assert.ErrorIs(t, c.WritePage(p, make([]byte, c.PayloadSize()+1)), ErrPayloadTooLarge)
	assert.NoError(t, c.WritePage(p, make([]byte, c.PayloadSize())))
}

func TestWrongKeyIsRejected(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	require.NoError(t, c.Close())

	_, err := OpenWithFs(fs, dbPath, otherKey, testOptions()...)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestTamperingIsDetected(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	p, err := c.AllocatePage()
	require.NoError(t, err)
	q, err := c.AllocatePage()
	require.NoError(t, err)
	r, err := c.AllocatePage()
	require.NoError(t, err)
	for _, id := range []common.PageID{p, q, r} {
		require.NoError(t, c.WritePage(id, fill(c, byte(id))))
	}
	require.NoError(t, c.Close())

	store, err := disk.Open(fs, dbPath, disk.Options{PageSize: disk.MinPageSize})
	require.NoError(t, err)

	// rewrite p with a valid checksum so only the tag catches it
	sealed, err := store.ReadPage(p)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01
	require.NoError(t, store.WritePage(p, sealed))

	// move q's ciphertext to r
	moved, err := store.ReadPage(q)
	require.NoError(t, err)
	require.NoError(t, store.WritePage(r, moved))
	require.NoError(t, store.Close())

	c = openConn(t, fs, testKey)
	_, err = c.ReadPage(p)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
	_, err = c.ReadPage(r)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	data, err := c.ReadPage(q)
	require.NoError(t, err)
	assert.Equal(t, fill(c, byte(q)), data)
}

func TestCorruptionIsDetected(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, fill(c, 'z')))
	require.NoError(t, c.Close())

	f, err := fs.OpenFile(dbPath, os.O_RDWR, 0)
	require.NoError(t, err)
	off := int64(p)*int64(disk.MinPageSize) + 10
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0xff
	_, err = f.WriteAt(buf, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c = openConn(t, fs, testKey)
	_, err = c.ReadPage(p)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestIntegrityCheck(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	var pages []common.PageID
	for i := 0; i < 6; i++ {
		p, err := c.AllocatePage()
		require.NoError(t, err)
		pages = append(pages, p)
	}
	for _, p := range pages[:4] {
		require.NoError(t, c.WritePage(p, fill(c, byte(p))))
	}
	require.NoError(t, c.FreePage(pages[5]))

	report, err := c.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 6, report.Checked)
	assert.Equal(t, 4, report.Data)
	assert.Equal(t, 1, report.Blank)
	assert.Equal(t, 1, report.Free)
	require.NoError(t, c.Close())

	store, err := disk.Open(fs, dbPath, disk.Options{PageSize: disk.MinPageSize})
	require.NoError(t, err)
	moved, err := store.ReadPage(pages[0])
	require.NoError(t, err)
	require.NoError(t, store.WritePage(pages[1], moved))
	require.NoError(t, store.Close())

	f, err := fs.OpenFile(dbPath, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, int64(pages[2])*int64(disk.MinPageSize)+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c = openConn(t, fs, testKey)
	report, err = c.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Unauthenticated, 1)
	assert.Equal(t, pages[1], report.Unauthenticated[0].PageID)
	require.Len(t, report.Corrupt, 1)
	assert.Equal(t, pages[2], report.Corrupt[0].PageID)
	assert.Equal(t, 2, report.Data)
}

func TestIntegrityCheckCancelled(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)
	_, err := c.AllocatePage()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.IntegrityCheck(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRekey(t *testing.T) {
	fs := afero.NewMemMapFs()

	c := openConn(t, fs, testKey)
	var pages []common.PageID
	for i := 0; i < 5; i++ {
		p, err := c.AllocatePage()
		require.NoError(t, err)
		pages = append(pages, p)
		if i < 4 {
			require.NoError(t, c.WritePage(p, fill(c, byte('a'+i))))
		}
	}
	require.NoError(t, c.FreePage(pages[3]))

	require.NoError(t, c.Rekey(otherKey))

	data, err := c.ReadPage(pages[0])
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'a'), data)
	require.NoError(t, c.WritePage(pages[4], fill(c, 'e')))
	require.NoError(t, c.Close())

	_, err = OpenWithFs(fs, dbPath, testKey, testOptions()...)
	require.ErrorIs(t, err, ErrAuthenticationFailure)

	c = openConn(t, fs, otherKey)
	want := map[common.PageID]byte{pages[0]: 'a', pages[1]: 'b', pages[2]: 'c', pages[4]: 'e'}
	for p, b := range want {
		data, err := c.ReadPage(p)
		require.NoError(t, err)
		assert.Equal(t, fill(c, b), data, "%v", p)
	}

	report, err := c.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Free)
}

func crashDuringRekey(t *testing.T) (afero.Fs, []common.PageID) {
	t.Helper()

	base := afero.NewMemMapFs()
	fs := &faultyFs{Fs: base}
	c, err := OpenWithFs(fs, dbPath, testKey, testOptions()...)
	require.NoError(t, err)

	var pages []common.PageID
	for i := 0; i < 3; i++ {
		p, err := c.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, c.WritePage(p, fill(c, byte('a'+i))))
		pages = append(pages, p)
	}

	fs.failOn(dbPath, -1)
	require.ErrorIs(t, c.Rekey(otherKey), ErrFailed)
	_ = c.Close()

	exists, err := afero.Exists(base, recovery.LogPath(dbPath))
	require.NoError(t, err)
	require.True(t, exists)
	return base, pages
}

func requirePages(t *testing.T, c *Connection, pages []common.PageID) {
	t.Helper()

	for i, p := range pages {
		data, err := c.ReadPage(p)
		require.NoError(t, err)
		assert.Equal(t, fill(c, byte('a'+i)), data, "%v", p)
	}
}

func TestCrashDuringRekeyOpensWithNewKey(t *testing.T) {
	fs, pages := crashDuringRekey(t)

	_, err := OpenWithFs(fs, dbPath, testKey, testOptions()...)
	require.ErrorIs(t, err, ErrAuthenticationFailure)

	c := openConn(t, fs, otherKey)
	requirePages(t, c, pages)

	report, err := c.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestTornHeaderIsRestoredFromLog(t *testing.T) {
	fs, pages := crashDuringRekey(t)

	raw, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	raw[20] ^= 0xff
	require.NoError(t, afero.WriteFile(fs, dbPath, raw, 0o600))

	c := openConn(t, fs, otherKey)
	requirePages(t, c, pages)
}

func TestTornHeaderWithoutLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openConn(t, fs, testKey)
	_, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	raw, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	raw[20] ^= 0xff
	require.NoError(t, afero.WriteFile(fs, dbPath, raw, 0o600))

	_, err = OpenWithFs(fs, dbPath, testKey, testOptions()...)
	require.ErrorIs(t, err, ErrCorruptPage)
	require.ErrorIs(t, err, disk.ErrBadHeader)
}

func TestRekeyInsideTransaction(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	require.NoError(t, c.Begin())
	assert.ErrorIs(t, c.Rekey(otherKey), ErrAlreadyActive)
	require.NoError(t, c.Rollback())
}

func TestBackupOpensWithSameKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openConn(t, fs, testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, fill(c, 'b')))

	var buf bytes.Buffer
	n, err := c.Backup(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, int64(2*disk.MinPageSize), n)

	const copyPath = "/backup/copy.db"
	require.NoError(t, fs.MkdirAll("/backup", 0o700))
	require.NoError(t, afero.WriteFile(fs, copyPath, buf.Bytes(), 0o600))

	restored, err := OpenWithFs(fs, copyPath, testKey, testOptions()...)
	require.NoError(t, err)
	defer restored.Close()

	data, err := restored.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, fill(c, 'b'), data)
}

func TestClosedConnection(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey)

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, []byte("lost")))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.ReadPage(p)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.WritePage(p, nil), ErrClosed)
	assert.ErrorIs(t, c.Begin(), ErrClosed)
	_, err = c.AllocatePage()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInMemoryConnection(t *testing.T) {
	c, err := Open("/mem/scratch.db", testKey, testOptions(InMemory())...)
	require.NoError(t, err)
	defer c.Close()

	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.Begin())
	require.NoError(t, c.WritePage(p, []byte("volatile")))
	require.NoError(t, c.Commit())

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("volatile"), data[:8])
}

func TestInMemoryRejectsFs(t *testing.T) {
	_, err := Open("/mem/scratch.db", testKey, testOptions(InMemory(), WithFs(afero.NewMemMapFs()))...)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = OpenWithFs(afero.NewMemMapFs(), "/mem/scratch.db", testKey, testOptions(InMemory())...)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestOutOfSpace(t *testing.T) {
	c := openConn(t, afero.NewMemMapFs(), testKey, WithMaxPages(3))

	_, err := c.AllocatePage()
	require.NoError(t, err)
	_, err = c.AllocatePage()
	require.NoError(t, err)
	_, err = c.AllocatePage()
	assert.ErrorIs(t, err, ErrOutOfSpace)
}

func TestArgon2Store(t *testing.T) {
	fs := afero.NewMemMapFs()
	argon := WithArgon2(cipher.Argon2Params{
		Memory:      cipher.MinArgon2MemoryKiB,
		Iterations:  1,
		Parallelism: 1,
	})
	passphrase := []byte("correct horse battery staple")

	c, err := OpenWithFs(fs, dbPath, passphrase, WithPageSize(disk.MinPageSize), WithKDF(cipher.KDFArgon2id), argon)
	require.NoError(t, err)
	p, err := c.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, c.WritePage(p, []byte("argon")))
	require.NoError(t, c.Close())

	// the header decides the kdf of an existing store
	c, err = OpenWithFs(fs, dbPath, passphrase, WithKDF(cipher.KDFHKDF))
	require.NoError(t, err)
	defer c.Close()

	data, err := c.ReadPage(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("argon"), data[:5])
}

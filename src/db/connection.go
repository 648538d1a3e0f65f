package db

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/bufferpool"
	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/recovery"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
	"github.com/Blackdeer1524/CipherKV/src/txns"
)

// pageStore is what the connection needs from either store variant.
type pageStore interface {
	common.DiskManager

	PageSize() uint32
	FreeCount() uint32
	DatabaseID() uuid.UUID
	SetCipherParams(params []byte) error
	Backup(w io.Writer) (int64, error)
}

var (
	_ pageStore = &disk.Manager{}
	_ pageStore = &disk.InMemoryManager{}
)

// Connection is an open encrypted page store. All methods are safe for
// concurrent use but run one at a time; at most one transaction is active.
type Connection struct {
	mu     sync.Mutex
	closed bool

	path   string
	opts   options
	store  pageStore
	wal    *recovery.Log
	cipher *cipher.Cipher
	pool   *bufferpool.Manager
	txns   *txns.Manager
	log    src.Logger
}

// Open opens or creates the store at path. A pending write-ahead log is
// replayed before the key is checked, so a store interrupted mid-rekey opens
// with the new key only.
func Open(path string, key []byte, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return open(path, key, o)
}

func OpenWithFs(fs afero.Fs, path string, key []byte, opts ...Option) (*Connection, error) {
	return Open(path, key, append(opts, WithFs(fs))...)
}

func open(path string, key []byte, o options) (c *Connection, err error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.inMemory {
		o.fs = afero.NewMemMapFs()
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = errors.Join(err, closers[i].Close())
			}
		}
	}()

	diskOpts := disk.Options{PageSize: o.pageSize, MaxPages: o.maxPages, Logger: o.logger}

	if err := o.fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create directory for %s: %w", ErrIO, path, err)
	}

	var store pageStore
	if o.inMemory {
		store, err = disk.NewInMemoryManager(diskOpts)
	} else {
		store, err = disk.Open(o.fs, path, diskOpts)
		if errors.Is(err, disk.ErrBadHeader) {
			store, err = openWithLoggedHeader(o, path, diskOpts, err)
		}
	}
	if err != nil {
		return nil, err
	}
	closers = append(closers, store)

	wal, err := recovery.OpenLog(o.fs, recovery.LogPath(path), store.PageSize(), o.logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, wal)

	applied, err := wal.Recover(store)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", path, err)
	}
	if applied > 0 {
		o.logger.Infow("recovered committed pages from the log", "path", path, "pages", applied)
	}

	pageCipher, err := openCipher(store, key, o)
	if err != nil {
		return nil, err
	}
	if store.PayloadSize() <= pageCipher.Overhead() {
		pageCipher.Destroy()
		return nil, fmt.Errorf("%w: %d byte pages can't hold a sealed payload", disk.ErrInvalidPageSize, store.PageSize())
	}

	pool := bufferpool.New(
		o.cacheSize,
		bufferpool.NewLRUReplacer(o.cacheSize),
		store,
		pageCipher,
		bufferpool.Options{Logger: o.logger, Registerer: o.registerer},
	)

	return &Connection{
		path:   path,
		opts:   o,
		store:  store,
		wal:    wal,
		cipher: pageCipher,
		pool:   pool,
		txns: txns.NewManager(pool, store, wal, txns.Options{
			Logger:     o.logger,
			Registerer: o.registerer,
		}),
		log: o.logger,
	}, nil
}

// openWithLoggedHeader retries disk.Open after restoring the header from a
// complete log. Without such a log cause is returned unchanged.
func openWithLoggedHeader(o options, path string, diskOpts disk.Options, cause error) (*disk.Manager, error) {
	image, err := recovery.LoggedHeader(o.fs, recovery.LogPath(path))
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	if image == nil {
		return nil, cause
	}

	o.logger.Warnw("store header is unreadable, restoring it from the log", "path", path, "error", cause)
	if err := disk.RestoreHeader(o.fs, path, image); err != nil {
		return nil, errors.Join(cause, err)
	}
	return disk.Open(o.fs, path, diskOpts)
}

// openCipher derives the page key. A store without cipher parameters is
// new: it gets fresh parameters bound to key.
func openCipher(store pageStore, key []byte, o options) (*cipher.Cipher, error) {
	raw := store.CipherParams()
	if len(raw) == 0 {
		params, err := cipher.NewParams(o.kdf, o.argon2)
		if err != nil {
			return nil, err
		}
		c, err := cipher.New(key, params, store.DatabaseID())
		if err != nil {
			return nil, err
		}
		if err := storeParams(store, c); err != nil {
			c.Destroy()
			return nil, err
		}
		o.logger.Infow("initialised cipher parameters", "kdf", params.KDF)
		return c, nil
	}

	var params cipher.Params
	if err := params.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", disk.ErrCorruptPage, err)
	}
	c, err := cipher.New(key, params, store.DatabaseID())
	if err != nil {
		return nil, err
	}
	if err := c.Verify(params); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

func storeParams(store pageStore, c *cipher.Cipher) error {
	params, err := c.Params()
	if err != nil {
		return err
	}
	encoded, err := params.MarshalBinary()
	if err != nil {
		return err
	}
	if err := store.SetCipherParams(encoded); err != nil {
		return err
	}
	return store.Sync()
}

func (c *Connection) ensureOpenAssumeLocked() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Connection) Path() string {
	return c.path
}

func (c *Connection) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}
	_, err := c.txns.Begin()
	return err
}

func (c *Connection) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}
	return c.txns.Commit()
}

func (c *Connection) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}
	return c.txns.Rollback()
}

// ReadPage returns a copy of the page plaintext. Inside a transaction it
// sees the transaction's own writes. A page that was allocated but never
// written reads as zeros.
func (c *Connection) ReadPage(pageID common.PageID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return nil, err
	}
	if c.txns.State() == txns.StateFailed {
		return nil, ErrFailed
	}

	pg, err := c.pool.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	defer c.pool.Unpin(pageID)

	return bytes.Clone(pg.Data()), nil
}

// WritePage replaces the page content, zero padding short data. Outside a
// transaction the write is committed on its own.
func (c *Connection) WritePage(pageID common.PageID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}

	if c.txns.Active() {
		return c.txns.WritePage(pageID, data)
	}

	if _, err := c.txns.Begin(); err != nil {
		return err
	}
	if err := c.txns.WritePage(pageID, data); err != nil {
		return errors.Join(err, c.txns.Rollback())
	}
	return c.txns.Commit()
}

// AllocatePage takes effect immediately and is not undone by Rollback.
func (c *Connection) AllocatePage() (common.PageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return common.NilPageID, err
	}
	if c.txns.State() == txns.StateFailed {
		return common.NilPageID, ErrFailed
	}
	return c.store.AllocatePage()
}

// FreePage takes effect immediately. Pages written by the active
// transaction can't be freed until it ends.
func (c *Connection) FreePage(pageID common.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenAssumeLocked(); err != nil {
		return err
	}
	if c.txns.State() == txns.StateFailed {
		return ErrFailed
	}
	if c.txns.Touched(pageID) {
		return fmt.Errorf("%w: %v", ErrPageInUse, pageID)
	}

	if err := c.pool.Forget(pageID); err != nil {
		return err
	}
	return c.store.FreePage(pageID)
}

// PayloadSize is the number of plaintext bytes a page holds.
func (c *Connection) PayloadSize() int {
	return c.pool.PlaintextSize()
}

// Close rolls back an active transaction and releases the files and the key
// material. A log left by a failed commit is kept for the next Open.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.txns.Active() {
		c.log.Warnw("rolling back the active transaction on close", "path", c.path)
		err = c.txns.Rollback()
	}

	err = errors.Join(err, c.wal.Close(), c.store.Close())
	c.cipher.Destroy()
	return err
}

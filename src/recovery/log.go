package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/pkg/assert"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

// LogPath is where the write-ahead log of the store at dbPath lives.
func LogPath(dbPath string) string {
	return dbPath + "-wal"
}

// Log is a redo-only write-ahead log holding the sealed after-images of one
// commit at a time. A batch becomes durable when Commit returns; Reset
// empties the log once the store has caught up.
type Log struct {
	mu sync.Mutex

	file     afero.File
	path     string
	pageSize uint32
	log      src.Logger
	closed   bool

	// state of the batch being written
	offset int64
	count  uint32
	digest *xxhash.Digest
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", disk.ErrIO, op, err)
}

// OpenLog opens or creates the log file without interpreting its contents.
// Call Recover before appending.
func OpenLog(fs afero.Fs, path string, pageSize uint32, logger src.Logger) (*Log, error) {
	if logger == nil {
		logger = src.NopLogger()
	}

	file, err := fs.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, ioErr("open log "+path, err)
	}

	return &Log{
		file:     file,
		path:     path,
		pageSize: pageSize,
		log:      logger,
		digest:   xxhash.New(),
	}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Empty reports whether nothing has been appended since the last Reset.
func (l *Log) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.offset == 0
}

func (l *Log) writeAssumeLocked(buf []byte) error {
	if _, err := l.file.WriteAt(buf, l.offset); err != nil {
		return ioErr("write log", err)
	}
	l.offset += int64(len(buf))
	return nil
}

func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	assert.Assert(
		len(r.AfterImage) <= int(l.pageSize),
		"after-image of %v is %d bytes, page size is %d",
		r.PageID,
		len(r.AfterImage),
		l.pageSize,
	)

	if l.offset == 0 {
		if err := l.writeAssumeLocked(encodeLogHeader(l.pageSize)); err != nil {
			return err
		}
	}

	raw := encodeRecord(r)
	if err := l.writeAssumeLocked(raw); err != nil {
		return err
	}
	_, _ = l.digest.Write(raw)
	l.count++
	return nil
}

// Commit writes the end marker and syncs. After it returns nil the batch
// survives a crash.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	assert.Assert(l.offset > 0, "committing an empty log")

	if err := l.writeAssumeLocked(encodeEndMarker(l.count, l.digest.Sum64())); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return ioErr("sync log", err)
	}
	return nil
}

// Reset truncates the log to zero length.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.resetAssumeLocked()
}

func (l *Log) resetAssumeLocked() error {
	if err := l.file.Truncate(0); err != nil {
		return ioErr("truncate log", err)
	}
	if err := l.file.Sync(); err != nil {
		return ioErr("sync log", err)
	}

	l.offset = 0
	l.count = 0
	l.digest.Reset()
	return nil
}

// Records reads back the log file. complete is false when no valid end
// marker was found.
func (l *Log) Records() (records []Record, complete bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.recordsAssumeLocked()
}

func (l *Log) recordsAssumeLocked() ([]Record, bool, error) {
	st, err := l.file.Stat()
	if err != nil {
		return nil, false, ioErr("stat log", err)
	}
	if st.Size() == 0 {
		return nil, false, nil
	}

	buf := make([]byte, st.Size())
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return nil, false, ioErr("read log", err)
	}

	if len(buf) < logHeaderSize {
		// the header itself was torn
		return nil, false, nil
	}
	return decodeLog(buf, l.pageSize)
}

// Recover brings the store in line with the log. A complete log is replayed
// and then truncated; an incomplete one is discarded. It returns the number
// of records written to the store.
func (l *Log) Recover(store common.DiskManager) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, complete, err := l.recordsAssumeLocked()
	if err != nil {
		return 0, err
	}

	if !complete {
		if l.hasContentAssumeLocked() {
			l.log.Warnw(
				"discarding incomplete write-ahead log",
				"path", l.path,
				"records", len(records),
			)
		}
		return 0, l.resetAssumeLocked()
	}

	l.log.Infow("replaying write-ahead log", "path", l.path, "records", len(records))
	applied, err := Replay(store, records, l.log)
	if err != nil {
		return applied, err
	}
	return applied, l.resetAssumeLocked()
}

// LoggedHeader returns the last header image carried by the complete log at
// path. It returns nil when the log is missing, incomplete or holds no
// header record.
func LoggedHeader(fs afero.Fs, path string) ([]byte, error) {
	buf, err := afero.ReadFile(fs, filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read log", err)
	}

	pageSize, err := decodeLogHeader(buf)
	if err != nil {
		return nil, nil
	}
	records, complete, err := decodeLog(buf, pageSize)
	if err != nil || !complete {
		return nil, err
	}

	var image []byte
	for _, r := range records {
		if r.PageID == common.HeaderPageID {
			image = r.AfterImage
		}
	}
	return image, nil
}

func (l *Log) hasContentAssumeLocked() bool {
	st, err := l.file.Stat()
	return err == nil && st.Size() > 0
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.file.Close(); err != nil {
		return ioErr("close log", err)
	}
	return nil
}

// Replay writes every after-image to the store and syncs it. Records the
// store already reflects are skipped, so replaying twice is harmless.
// Page id 0 carries a header image.
func Replay(store common.DiskManager, records []Record, logger src.Logger) (int, error) {
	if logger == nil {
		logger = src.NopLogger()
	}

	applied := 0
	for _, r := range records {
		if r.PageID == common.HeaderPageID {
			if bytes.Equal(store.HeaderImage(), r.AfterImage) {
				continue
			}
			if err := store.WriteHeader(r.AfterImage); err != nil {
				return applied, fmt.Errorf("replay header: %w", err)
			}
			applied++
			continue
		}

		current, err := store.Checksum(r.PageID)
		if err != nil {
			return applied, fmt.Errorf("replay %v: %w", r.PageID, err)
		}
		if current == store.ExpectedChecksum(r.PageID, r.AfterImage) {
			logger.Debugw("page already up to date", "page_id", r.PageID)
			continue
		}

		if err := store.WritePage(r.PageID, r.AfterImage); err != nil {
			return applied, fmt.Errorf("replay %v: %w", r.PageID, err)
		}
		applied++
	}

	if err := store.Sync(); err != nil {
		return applied, err
	}
	return applied, nil
}

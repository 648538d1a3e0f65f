package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

type Options struct {
	// PageSize is used when a new store is created. An existing store keeps
	// the page size recorded in its header.
	PageSize uint32
	// MaxPages bounds the file, header included. Zero means the 32-bit id
	// space is the only limit.
	MaxPages uint32
	Logger   src.Logger
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages == 0 {
		o.MaxPages = math.MaxUint32
	}
	if o.Logger == nil {
		o.Logger = src.NopLogger()
	}
	return o
}

// blockDevice is the raw byte layer under the allocator. Reads past the end
// return io.EOF or io.ErrUnexpectedEOF.
type blockDevice interface {
	readAt(buf []byte, off int64) error
	writeAt(buf []byte, off int64) error
	sync() error
	close() error
}

// store implements common.DiskManager on top of any blockDevice. Manager and
// InMemoryManager differ only in the device they plug in.
type store struct {
	mu       sync.Mutex
	dev      blockDevice
	header   Header
	maxPages uint32
	log      src.Logger
	closed   bool
}

var _ common.DiskManager = &store{}

func (s *store) pageSize() int {
	return int(s.header.PageSize)
}

func (s *store) offset(pageID common.PageID) int64 {
	return int64(pageID) * int64(s.header.PageSize)
}

func (s *store) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *store) checkID(pageID common.PageID) error {
	if pageID == common.HeaderPageID || pageID.IsNil() {
		return fmt.Errorf("%w: %v", ErrInvalidPage, pageID)
	}
	if uint32(pageID) >= s.header.PageCount {
		return fmt.Errorf("%w: %v (page count %d)", ErrNoSuchPage, pageID, s.header.PageCount)
	}
	return nil
}

func (s *store) readRawAssumeLocked(pageID common.PageID) ([]byte, error) {
	if err := s.checkID(pageID); err != nil {
		return nil, err
	}

	buf := make([]byte, s.pageSize())
	if err := s.dev.readAt(buf, s.offset(pageID)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v is past the end of the file", ErrCorruptPage, pageID)
		}
		return nil, ioErr(fmt.Sprintf("read %v", pageID), err)
	}
	return buf, nil
}

func (s *store) readSlotAssumeLocked(pageID common.PageID) (slotKind, []byte, error) {
	raw, err := s.readRawAssumeLocked(pageID)
	if err != nil {
		return 0, nil, err
	}
	return decodeSlot(pageID, raw)
}

func (s *store) writeSlotAssumeLocked(pageID common.PageID, kind slotKind, payload []byte) error {
	buf := encodeSlot(s.pageSize(), pageID, kind, payload)
	if err := s.dev.writeAt(buf, s.offset(pageID)); err != nil {
		return ioErr(fmt.Sprintf("write %v", pageID), err)
	}
	return nil
}

func (s *store) persistHeaderAssumeLocked() error {
	if err := s.dev.writeAt(s.header.encode(), 0); err != nil {
		return ioErr("write header", err)
	}
	if err := s.dev.sync(); err != nil {
		return ioErr("sync header", err)
	}
	return nil
}

func (s *store) ReadPage(pageID common.PageID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	kind, payload, err := s.readSlotAssumeLocked(pageID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindBlank:
		return nil, fmt.Errorf("%w: %v", ErrBlankPage, pageID)
	case kindFree:
		return nil, fmt.Errorf("%w: %v", ErrPageFree, pageID)
	}
	return payload, nil
}

func (s *store) WritePage(pageID common.PageID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.checkID(pageID); err != nil {
		return err
	}
	if len(payload) != s.PayloadSize() {
		return fmt.Errorf(
			"%w: got %d bytes, expected %d",
			ErrInvalidPayloadSize,
			len(payload),
			s.PayloadSize(),
		)
	}

	// a corrupt slot may be overwritten, a free one may not
	kind, _, err := s.readSlotAssumeLocked(pageID)
	if err == nil && kind == kindFree {
		return fmt.Errorf("%w: %v", ErrPageFree, pageID)
	}
	if err != nil && !errors.Is(err, ErrCorruptPage) {
		return err
	}

	return s.writeSlotAssumeLocked(pageID, kindData, payload)
}

// restoreAssumeLocked undoes a failed allocator update: the slot gets its
// previous bytes back and the header on disk is rewritten from prev. raw is
// nil for a slot that did not exist before.
func (s *store) restoreAssumeLocked(prev Header, pageID common.PageID, raw []byte, cause error) error {
	s.header = prev

	var errs []error
	if raw != nil {
		if err := s.dev.writeAt(raw, s.offset(pageID)); err != nil {
			errs = append(errs, ioErr(fmt.Sprintf("restore %v", pageID), err))
		}
	}
	if err := s.dev.writeAt(prev.encode(), 0); err != nil {
		errs = append(errs, ioErr("restore header", err))
	}

	if len(errs) > 0 {
		s.log.Errorw("failed to undo a page store update", "page_id", pageID, "cause", cause, "error", errors.Join(errs...))
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}

func (s *store) AllocatePage() (common.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return common.NilPageID, err
	}

	prev := s.header

	var (
		pageID common.PageID
		raw    []byte
	)
	if !s.header.FreeHead.IsNil() {
		pageID = s.header.FreeHead

		var err error
		if raw, err = s.readRawAssumeLocked(pageID); err != nil {
			return common.NilPageID, fmt.Errorf("free list head: %w", err)
		}
		kind, payload, err := decodeSlot(pageID, raw)
		if err != nil {
			return common.NilPageID, fmt.Errorf("free list head: %w", err)
		}
		if kind != kindFree {
			return common.NilPageID, fmt.Errorf(
				"%w: free list head %v is a %v slot",
				ErrCorruptPage,
				pageID,
				kind,
			)
		}

		s.header.FreeHead = freeSlotNext(payload)
		s.header.FreeCount--
	} else {
		if s.header.PageCount >= s.maxPages || s.header.PageCount == uint32(common.NilPageID) {
			return common.NilPageID, fmt.Errorf(
				"%w: store holds %d pages (limit %d)",
				ErrOutOfSpace,
				s.header.PageCount,
				s.maxPages,
			)
		}
		pageID = common.PageID(s.header.PageCount)
		s.header.PageCount++
	}

	err := s.writeSlotAssumeLocked(pageID, kindBlank, nil)
	if err == nil {
		err = s.persistHeaderAssumeLocked()
	}
	if err != nil {
		return common.NilPageID, s.restoreAssumeLocked(prev, pageID, raw, err)
	}

	s.log.Debugw("allocated page", "page_id", pageID, "free_count", s.header.FreeCount)
	return pageID, nil
}

func (s *store) FreePage(pageID common.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}

	// a corrupt slot may be freed, a free one may not
	raw, err := s.readRawAssumeLocked(pageID)
	if err != nil && !errors.Is(err, ErrCorruptPage) {
		return err
	}
	if err == nil {
		kind, _, err := decodeSlot(pageID, raw)
		if err != nil && !errors.Is(err, ErrCorruptPage) {
			return err
		}
		if err == nil && kind == kindFree {
			return fmt.Errorf("%w: double free of %v", ErrPageFree, pageID)
		}
	}

	prev := s.header
	payload := freeSlotPayload(s.PayloadSize(), s.header.FreeHead)
	s.header.FreeHead = pageID
	s.header.FreeCount++

	err = s.writeSlotAssumeLocked(pageID, kindFree, payload)
	if err == nil {
		err = s.persistHeaderAssumeLocked()
	}
	if err != nil {
		return s.restoreAssumeLocked(prev, pageID, raw, err)
	}

	s.log.Debugw("freed page", "page_id", pageID, "free_count", s.header.FreeCount)
	return nil
}

func (s *store) Checksum(pageID common.PageID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	raw, err := s.readRawAssumeLocked(pageID)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[slotChecksumOff:]), nil
}

func (s *store) ExpectedChecksum(pageID common.PageID, payload []byte) uint32 {
	return slotChecksum(pageID, kindData, payload)
}

func (s *store) PageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.PageCount
}

func (s *store) FreeCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.FreeCount
}

func (s *store) PageSize() uint32 {
	return s.header.PageSize
}

func (s *store) PayloadSize() int {
	return int(s.header.PageSize) - SlotOverhead
}

func (s *store) DatabaseID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.DatabaseID
}

func (s *store) CipherParams() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.header.CipherParams)
}

func (s *store) StageCipherParams(params []byte) ([]byte, error) {
	if len(params) > CipherParamsSize {
		return nil, fmt.Errorf("cipher params are %d bytes, limit is %d", len(params), CipherParamsSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.header
	h.CipherParams = bytes.Clone(params)
	return h.encode(), nil
}

// SetCipherParams stages and persists params in one step. It is meant for
// freshly created stores; rekeying goes through the write-ahead log.
func (s *store) SetCipherParams(params []byte) error {
	image, err := s.StageCipherParams(params)
	if err != nil {
		return err
	}
	return s.WriteHeader(image)
}

func (s *store) HeaderImage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.encode()
}

func (s *store) WriteHeader(image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}

	h, err := decodeHeader(image)
	if err != nil {
		return err
	}
	if h.PageSize != s.header.PageSize {
		return fmt.Errorf("%w: header image page size %d, store page size %d",
			ErrInvalidPageSize, h.PageSize, s.header.PageSize)
	}

	if err := s.dev.writeAt(h.encode(), 0); err != nil {
		return ioErr("write header", err)
	}
	s.header = h
	return nil
}

// Backup streams the raw store image: the header followed by every slot.
// Page payloads stay sealed.
func (s *store) Backup(w io.Writer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	var written int64
	n, err := w.Write(s.header.encode())
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("backup header: %w", err)
	}

	buf := make([]byte, s.pageSize())
	for id := uint32(1); id < s.header.PageCount; id++ {
		if err := s.dev.readAt(buf, s.offset(common.PageID(id))); err != nil {
			return written, ioErr(fmt.Sprintf("backup read page %d", id), err)
		}
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("backup page %d: %w", id, err)
		}
	}
	return written, nil
}

func (s *store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.dev.sync(); err != nil {
		return ioErr("sync", err)
	}
	return nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return errors.Join(s.dev.sync(), s.dev.close())
}

type fileDevice struct {
	file afero.File
}

func (d fileDevice) readAt(buf []byte, off int64) error {
	_, err := d.file.ReadAt(buf, off)
	return err
}

func (d fileDevice) writeAt(buf []byte, off int64) error {
	_, err := d.file.WriteAt(buf, off)
	return err
}

func (d fileDevice) sync() error  { return d.file.Sync() }
func (d fileDevice) close() error { return d.file.Close() }

// Manager is the file-backed page store. The file system is an afero.Fs, so
// tests can run it over afero.NewMemMapFs.
type Manager struct {
	*store
	path string
}

var _ common.DiskManager = &Manager{}

func Open(fs afero.Fs, path string, opts Options) (m *Manager, err error) {
	opts = opts.withDefaults()
	if err := validatePageSize(opts.PageSize); err != nil {
		return nil, err
	}

	file, err := fs.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, ioErr("open "+path, err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, file.Close())
		}
	}()

	st, err := file.Stat()
	if err != nil {
		return nil, ioErr("stat "+path, err)
	}

	s := &store{
		dev:      fileDevice{file: file},
		maxPages: opts.MaxPages,
		log:      opts.Logger,
	}

	if st.Size() == 0 {
		s.header = newHeader(opts.PageSize)
		if err := s.persistHeaderAssumeLocked(); err != nil {
			return nil, err
		}
		opts.Logger.Infow(
			"created page store",
			"path", path,
			"page_size", opts.PageSize,
			"database_id", s.header.DatabaseID,
		)
	} else {
		buf := make([]byte, headerEncodedSz)
		if _, err := file.ReadAt(buf, 0); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: file is shorter than its header", ErrCorruptPage)
			}
			return nil, ioErr("read header", err)
		}
		if s.header, err = decodeHeader(buf); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}

		if want := int64(s.header.PageCount) * int64(s.header.PageSize); st.Size() < want {
			return nil, fmt.Errorf(
				"%w: file is %d bytes, header expects %d",
				ErrCorruptPage,
				st.Size(),
				want,
			)
		}
		if s.header.PageSize != opts.PageSize {
			opts.Logger.Warnw(
				"ignoring configured page size, store was created with another one",
				"configured", opts.PageSize,
				"stored", s.header.PageSize,
			)
		}
		opts.Logger.Infow(
			"opened page store",
			"path", path,
			"pages", s.header.PageCount,
			"free", s.header.FreeCount,
		)
	}

	return &Manager{store: s, path: path}, nil
}

func (m *Manager) Path() string {
	return m.path
}

// RestoreHeader overwrites page 0 of the store file at path with image, a
// header built by this package. Recovery uses it when the header was torn
// while a logged batch was being applied.
func RestoreHeader(fs afero.Fs, path string, image []byte) (err error) {
	h, err := decodeHeader(image)
	if err != nil {
		return err
	}

	file, err := fs.OpenFile(filepath.Clean(path), os.O_RDWR, 0600)
	if err != nil {
		return ioErr("open "+path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			err = errors.Join(err, ioErr("close "+path, closeErr))
		}
	}()

	if _, err := file.WriteAt(h.encode(), 0); err != nil {
		return ioErr("restore header", err)
	}
	if err := file.Sync(); err != nil {
		return ioErr("sync header", err)
	}
	return nil
}

package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

const (
	FormatVersion = 1

	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536

	// CipherParamsSize is the size of the opaque block the cipher layer
	// keeps in the header.
	CipherParamsSize = 128
)

var magic = [8]byte{'C', 'I', 'P', 'H', 'K', 'V', '0', '1'}

const (
	offMagic        = 0
	offVersion      = 8
	offPageSize     = 12
	offPageCount    = 16
	offFreeHead     = 20
	offFreeCount    = 24
	offDatabaseID   = 28
	offParamsLen    = 44
	offParams       = 46
	offHeaderCRC    = offParams + CipherParamsSize
	headerEncodedSz = offHeaderCRC + 4
)

// Header is the content of page 0. It is stored in plaintext: nothing in it
// is secret, and the cipher layer needs it before any key exists.
type Header struct {
	PageSize   uint32
	PageCount  uint32 // including the header page
	FreeHead   common.PageID
	FreeCount  uint32
	DatabaseID uuid.UUID

	CipherParams []byte
}

func newHeader(pageSize uint32) Header {
	return Header{
		PageSize:   pageSize,
		PageCount:  1,
		FreeHead:   common.NilPageID,
		DatabaseID: uuid.New(),
	}
}

func (h *Header) encode() []byte {
	buf := make([]byte, h.PageSize)

	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint16(buf[offVersion:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[offPageCount:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[offFreeHead:], uint32(h.FreeHead))
	binary.LittleEndian.PutUint32(buf[offFreeCount:], h.FreeCount)
	copy(buf[offDatabaseID:], h.DatabaseID[:])
	binary.LittleEndian.PutUint16(buf[offParamsLen:], uint16(len(h.CipherParams)))
	copy(buf[offParams:offParams+CipherParamsSize], h.CipherParams)

	sum := uint32(xxhash.Sum64(buf[:offHeaderCRC]))
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], sum)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerEncodedSz {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrCorruptPage, len(buf))
	}
	if !bytes.Equal(buf[offMagic:offMagic+len(magic)], magic[:]) {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrCorruptPage, buf[offMagic:offMagic+len(magic)])
	}

	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC:])
	if actual := uint32(xxhash.Sum64(buf[:offHeaderCRC])); actual != stored {
		return Header{}, fmt.Errorf(
			"%w: header checksum mismatch (stored %08x, actual %08x)",
			ErrCorruptPage,
			stored,
			actual,
		)
	}

	if v := binary.LittleEndian.Uint16(buf[offVersion:]); v != FormatVersion {
		return Header{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptPage, v)
	}

	h := Header{
		PageSize:  binary.LittleEndian.Uint32(buf[offPageSize:]),
		PageCount: binary.LittleEndian.Uint32(buf[offPageCount:]),
		FreeHead:  common.PageID(binary.LittleEndian.Uint32(buf[offFreeHead:])),
		FreeCount: binary.LittleEndian.Uint32(buf[offFreeCount:]),
	}
	copy(h.DatabaseID[:], buf[offDatabaseID:offDatabaseID+16])

	paramsLen := int(binary.LittleEndian.Uint16(buf[offParamsLen:]))
	if paramsLen > CipherParamsSize {
		return Header{}, fmt.Errorf("%w: cipher params length %d", ErrCorruptPage, paramsLen)
	}
	h.CipherParams = bytes.Clone(buf[offParams : offParams+paramsLen])

	if err := validatePageSize(h.PageSize); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrCorruptPage, err)
	}
	if h.PageCount == 0 {
		return Header{}, fmt.Errorf("%w: page count is zero", ErrCorruptPage)
	}
	return h, nil
}

func validatePageSize(size uint32) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, size)
	}
	return nil
}

package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

var ErrCorruptLog = errors.New("corrupt write-ahead log")

var logMagic = [8]byte{'C', 'K', 'V', 'W', 'A', 'L', '0', '1'}

const (
	LogFormatVersion = 1

	// [magic 8][version u32][page size u32][checksum u32]
	logHeaderSize = 8 + 4 + 4 + 4

	// [length u32][page id u32][before checksum u32] ... [checksum u32]
	recordPrefixSize  = 4 + 4 + 4
	recordTrailerSize = 4

	// [0xFFFFFFFF][record count u32][checksum u32]
	endMarkerLength = ^uint32(0)
	endMarkerSize   = 4 + 4 + 4
)

// Record is a page after-image. BeforeChecksum is the slot checksum the page
// carried when the record was written; it is informational.
type Record struct {
	PageID         common.PageID
	BeforeChecksum uint32
	AfterImage     []byte
}

func (r Record) String() string {
	return fmt.Sprintf(
		"Record{PageID: %v, BeforeChecksum: %08x, AfterImage: %d bytes}",
		r.PageID,
		r.BeforeChecksum,
		len(r.AfterImage),
	)
}

func encodeLogHeader(pageSize uint32) []byte {
	buf := make([]byte, logHeaderSize)
	copy(buf, logMagic[:])
	binary.LittleEndian.PutUint32(buf[8:], LogFormatVersion)
	binary.LittleEndian.PutUint32(buf[12:], pageSize)
	binary.LittleEndian.PutUint32(buf[16:], uint32(xxhash.Sum64(buf[:16])))
	return buf
}

func decodeLogHeader(buf []byte) (uint32, error) {
	if len(buf) < logHeaderSize {
		return 0, fmt.Errorf("%w: header is %d bytes", ErrCorruptLog, len(buf))
	}
	if [8]byte(buf[:8]) != logMagic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrCorruptLog, buf[:8])
	}
	if stored, actual := binary.LittleEndian.Uint32(buf[16:]), uint32(xxhash.Sum64(buf[:16])); stored != actual {
		return 0, fmt.Errorf("%w: header checksum mismatch", ErrCorruptLog)
	}
	if version := binary.LittleEndian.Uint32(buf[8:]); version != LogFormatVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptLog, version)
	}
	return binary.LittleEndian.Uint32(buf[12:]), nil
}

func encodeRecord(r Record) []byte {
	size := recordPrefixSize + len(r.AfterImage) + recordTrailerSize
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(r.AfterImage)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[8:], r.BeforeChecksum)
	copy(buf[recordPrefixSize:], r.AfterImage)

	body := buf[:size-recordTrailerSize]
	binary.LittleEndian.PutUint32(buf[size-recordTrailerSize:], uint32(xxhash.Sum64(body)))
	return buf
}

func encodeEndMarker(count uint32, digest uint64) []byte {
	buf := make([]byte, endMarkerSize)
	binary.LittleEndian.PutUint32(buf[0:], endMarkerLength)
	binary.LittleEndian.PutUint32(buf[4:], count)
	binary.LittleEndian.PutUint32(buf[8:], uint32(digest))
	return buf
}

// decodeLog parses a whole log image. complete reports whether an end
// marker matching the preceding records was found. Anything unreadable makes
// the log incomplete rather than an error: the commit that wrote it never
// became durable. Only a log written for another page size is rejected.
func decodeLog(buf []byte, pageSize uint32) (records []Record, complete bool, err error) {
	logPageSize, err := decodeLogHeader(buf)
	if err != nil {
		// a header that does not check out was never synced
		return nil, false, nil
	}
	if logPageSize != pageSize {
		return nil, false, fmt.Errorf(
			"%w: log was written for page size %d, store uses %d",
			ErrCorruptLog,
			logPageSize,
			pageSize,
		)
	}

	digest := xxhash.New()
	rest := buf[logHeaderSize:]
	for {
		if len(rest) < 4 {
			return records, false, nil
		}

		length := binary.LittleEndian.Uint32(rest)
		if length == endMarkerLength {
			if len(rest) < endMarkerSize {
				return records, false, nil
			}
			count := binary.LittleEndian.Uint32(rest[4:])
			sum := binary.LittleEndian.Uint32(rest[8:])
			if int(count) != len(records) || sum != uint32(digest.Sum64()) {
				return records, false, nil
			}
			return records, true, nil
		}

		if length > pageSize {
			return records, false, nil
		}
		size := recordPrefixSize + int(length) + recordTrailerSize
		if len(rest) < size {
			return records, false, nil
		}

		raw := rest[:size]
		body := raw[:size-recordTrailerSize]
		if binary.LittleEndian.Uint32(raw[size-recordTrailerSize:]) != uint32(xxhash.Sum64(body)) {
			return records, false, nil
		}
		_, _ = digest.Write(raw)

		records = append(records, Record{
			PageID:         common.PageID(binary.LittleEndian.Uint32(raw[4:])),
			BeforeChecksum: binary.LittleEndian.Uint32(raw[8:]),
			AfterImage:     append([]byte(nil), raw[recordPrefixSize:size-recordTrailerSize]...),
		})
		rest = rest[size:]
	}
}

package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

// Slot layout: [checksum u32][kind u8][payload].
const (
	slotChecksumOff = 0
	slotKindOff     = 4
	slotPayloadOff  = 5

	SlotOverhead = slotPayloadOff
)

type slotKind byte

const (
	kindBlank slotKind = iota + 1
	kindData
	kindFree
)

func (k slotKind) String() string {
	switch k {
	case kindBlank:
		return "blank"
	case kindData:
		return "data"
	case kindFree:
		return "free"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// slotChecksum is salted with the page id so a slot copied to another
// position fails verification.
func slotChecksum(pageID common.PageID, kind slotKind, payload []byte) uint32 {
	var prefix [5]byte
	binary.LittleEndian.PutUint32(prefix[:4], uint32(pageID))
	prefix[4] = byte(kind)

	d := xxhash.New()
	_, _ = d.Write(prefix[:])
	_, _ = d.Write(payload)
	return uint32(d.Sum64())
}

func encodeSlot(pageSize int, pageID common.PageID, kind slotKind, payload []byte) []byte {
	buf := make([]byte, pageSize)
	buf[slotKindOff] = byte(kind)
	copy(buf[slotPayloadOff:], payload)
	binary.LittleEndian.PutUint32(
		buf[slotChecksumOff:],
		slotChecksum(pageID, kind, buf[slotPayloadOff:]),
	)
	return buf
}

func decodeSlot(pageID common.PageID, buf []byte) (slotKind, []byte, error) {
	kind := slotKind(buf[slotKindOff])
	payload := buf[slotPayloadOff:]

	stored := binary.LittleEndian.Uint32(buf[slotChecksumOff:])
	if actual := slotChecksum(pageID, kind, payload); actual != stored {
		return 0, nil, fmt.Errorf(
			"%w: %v checksum mismatch (stored %08x, actual %08x)",
			ErrCorruptPage,
			pageID,
			stored,
			actual,
		)
	}

	switch kind {
	case kindBlank, kindData, kindFree:
		return kind, payload, nil
	default:
		return 0, nil, fmt.Errorf("%w: %v has unknown slot kind %d", ErrCorruptPage, pageID, kind)
	}
}

func freeSlotPayload(payloadSize int, next common.PageID) []byte {
	payload := make([]byte, payloadSize)
	binary.LittleEndian.PutUint32(payload, uint32(next))
	return payload
}

func freeSlotNext(payload []byte) common.PageID {
	return common.PageID(binary.LittleEndian.Uint32(payload))
}

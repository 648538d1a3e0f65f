package common

// DiskManager is the page store capability. Implementations own the on-disk
// bytes and the free list; payloads handed in and out are opaque (sealed by
// the cipher layer).
type DiskManager interface {
	ReadPage(pageID PageID) ([]byte, error)
	WritePage(pageID PageID, payload []byte) error
	AllocatePage() (PageID, error)
	FreePage(pageID PageID) error

	// Checksum returns the stored checksum of a slot without validating the
	// payload.
	Checksum(pageID PageID) (uint32, error)
	// ExpectedChecksum is the checksum WritePage would store for payload.
	ExpectedChecksum(pageID PageID, payload []byte) uint32

	PageCount() uint32
	PayloadSize() int

	CipherParams() []byte
	// StageCipherParams builds the header image with new cipher parameters
	// without persisting it. The image is written through WriteHeader.
	StageCipherParams(params []byte) ([]byte, error)
	HeaderImage() []byte
	WriteHeader(image []byte) error

	Sync() error
	Close() error
}

// PageCipher seals and opens page payloads. Seal output must fit into
// DiskManager.PayloadSize.
type PageCipher interface {
	Seal(plaintext []byte, pageID PageID) ([]byte, error)
	Open(sealed []byte, pageID PageID) ([]byte, error)
	Overhead() int
}

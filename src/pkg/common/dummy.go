package common

// PlainCipher passes payloads through unchanged. It exists for components
// that are exercised without key material, such as cache unit tests.
type PlainCipher struct{}

var _ PageCipher = PlainCipher{}

func (PlainCipher) Seal(plaintext []byte, _ PageID) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (PlainCipher) Open(sealed []byte, _ PageID) ([]byte, error) {
	out := make([]byte, len(sealed))
	copy(out, sealed)
	return out, nil
}

func (PlainCipher) Overhead() int {
	return 0
}

package cipher

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Blackdeer1524/CipherKV/src/pkg/common"
)

const (
	NonceSize    = chacha20poly1305.NonceSizeX
	TagSize      = chacha20poly1305.Overhead
	Overhead     = NonceSize + TagSize
	KeyCheckSize = 32

	pageIDNonceBytes = 4

	masterInfo   = "cipherkv-master-v1"
	pageKeyInfo  = "cipherkv-page-key-v1"
	checkKeyInfo = "cipherkv-key-check-v1"
	checkContext = "cipherkv key check"
)

var ErrDestroyed = errors.New("cipher key material was destroyed")

// Cipher seals pages with XChaCha20-Poly1305 under a key derived from the
// store secret. Sealed layout: nonce(24) || ciphertext || tag(16).
//
// The first four nonce bytes carry the page id, the remaining twenty are
// random. The page id and the database id are also bound as associated data,
// so a slot copied to another page or another store fails authentication.
type Cipher struct {
	mu sync.RWMutex
	// keys holds the page key followed by the key-check key
	keys   *memguard.LockedBuffer
	dbID   uuid.UUID
	params Params
}

var _ common.PageCipher = &Cipher{}

// New derives the page keys for a store. It does not verify the secret; see
// Verify.
func New(secret []byte, params Params, dbID uuid.UUID) (*Cipher, error) {
	var master []byte
	var err error

	switch params.KDF {
	case KDFArgon2id:
		master, err = deriveArgon2id(secret, params.Salt, params.Argon2)
	case KDFHKDF:
		if len(secret) < MinRawKeySize {
			return nil, fmt.Errorf("%w: raw keys need at least %d bytes", ErrWeakKey, MinRawKeySize)
		}
		master, err = deriveHKDFSHA256(secret, params.Salt, []byte(masterInfo), KeySize)
	default:
		return nil, fmt.Errorf("%w: unknown kdf %d", ErrInvalidParams, params.KDF)
	}
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	defer memguard.WipeBytes(master)

	pageKey, err := deriveHKDFSHA256(master, dbID[:], []byte(pageKeyInfo), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive page key: %w", err)
	}
	defer memguard.WipeBytes(pageKey)

	checkKey, err := deriveHKDFSHA256(master, dbID[:], []byte(checkKeyInfo), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key-check key: %w", err)
	}
	defer memguard.WipeBytes(checkKey)

	keys := memguard.NewBuffer(2 * KeySize)
	keys.Melt()
	keys.Copy(pageKey)
	keys.CopyAt(KeySize, checkKey)
	keys.Freeze()

	return &Cipher{
		keys:   keys,
		dbID:   dbID,
		params: params,
	}, nil
}

func (c *Cipher) pageKeyAssumeLocked() ([]byte, error) {
	if c.keys == nil || !c.keys.IsAlive() {
		return nil, ErrDestroyed
	}
	return c.keys.Bytes()[:KeySize], nil
}

func (c *Cipher) aad(pageID common.PageID) []byte {
	aad := make([]byte, len(c.dbID)+4)
	copy(aad, c.dbID[:])
	binary.LittleEndian.PutUint32(aad[len(c.dbID):], uint32(pageID))
	return aad
}

func (c *Cipher) Seal(plaintext []byte, pageID common.PageID) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, err := c.pageKeyAssumeLocked()
	if err != nil {
		return nil, err
	}

	random, err := randomBytes(NonceSize - pageIDNonceBytes)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	binary.LittleEndian.PutUint32(nonce, uint32(pageID))
	copy(nonce[pageIDNonceBytes:], random)

	return sealXChaCha20Poly1305(key, nonce, plaintext, c.aad(pageID))
}

func (c *Cipher) Open(sealed []byte, pageID common.PageID) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, err := c.pageKeyAssumeLocked()
	if err != nil {
		return nil, err
	}

	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: sealed page is %d bytes", ErrAuthenticationFailure, len(sealed))
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	if binary.LittleEndian.Uint32(nonce) != uint32(pageID) {
		return nil, fmt.Errorf("%w: nonce belongs to another page", ErrAuthenticationFailure)
	}

	plaintext, err := openXChaCha20Poly1305(key, nonce, ciphertext, c.aad(pageID))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", pageID, err)
	}
	return plaintext, nil
}

func (c *Cipher) Overhead() int {
	return Overhead
}

// KeyCheck is a keyed BLAKE3 digest stored in the header. It lets Open
// reject a wrong secret before any page is touched.
func (c *Cipher) KeyCheck() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.keys == nil || !c.keys.IsAlive() {
		return nil, ErrDestroyed
	}

	h, err := blake3.NewKeyed(c.keys.Bytes()[KeySize:])
	if err != nil {
		return nil, fmt.Errorf("construct keyed blake3: %w", err)
	}
	_, _ = h.Write([]byte(checkContext))
	_, _ = h.Write(c.dbID[:])
	return h.Sum(nil)[:KeyCheckSize], nil
}

// Params returns the parameters the cipher was built with, key check
// included, ready to be stored.
func (c *Cipher) Params() (Params, error) {
	check, err := c.KeyCheck()
	if err != nil {
		return Params{}, err
	}
	p := c.params
	p.KeyCheck = check
	return p, nil
}

// Verify compares the stored key check against the one this cipher derives.
func (c *Cipher) Verify(stored Params) error {
	check, err := c.KeyCheck()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(check, stored.KeyCheck) != 1 {
		return fmt.Errorf("%w: wrong key", ErrAuthenticationFailure)
	}
	return nil
}

func (c *Cipher) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys != nil {
		c.keys.Destroy()
	}
}

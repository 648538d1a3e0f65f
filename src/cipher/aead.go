package cipher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidAEADInput      = errors.New("invalid aead input")
	ErrAuthenticationFailure = errors.New("authentication failed")
)

func sealXChaCha20Poly1305(key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.NonceSizeX)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openXChaCha20Poly1305(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.NonceSizeX)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}

	// an empty page opens to an empty, non-nil slice
	plaintext, err := aead.Open(make([]byte, 0, len(ciphertext)), nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	return plaintext, nil
}

func randomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

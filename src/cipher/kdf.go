package cipher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultArgon2MemoryKiB  uint32 = 64 * 1024
	DefaultArgon2Iterations uint32 = 3
	MinArgon2MemoryKiB      uint32 = 8 * 1024

	KeySize  = 32
	SaltSize = 32

	// MinRawKeySize applies to KDFHKDF, where the secret is expected to be
	// key material rather than a passphrase.
	MinRawKeySize = 16
)

var (
	ErrInvalidArgon2Params = errors.New("invalid argon2 parameters")
	ErrInvalidHKDFInput    = errors.New("invalid hkdf input")
	ErrWeakKey             = errors.New("key is too short")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

func DefaultArgon2Params() Argon2Params {
	parallelism := runtime.NumCPU()
	if parallelism > 4 {
		parallelism = 4
	}
	if parallelism < 1 {
		parallelism = 1
	}

	return Argon2Params{
		Memory:      DefaultArgon2MemoryKiB,
		Iterations:  DefaultArgon2Iterations,
		Parallelism: uint8(parallelism),
	}
}

func (p Argon2Params) Validate() error {
	switch {
	case p.Memory < MinArgon2MemoryKiB:
		return fmt.Errorf("%w: memory must be >= %d KiB", ErrInvalidArgon2Params, MinArgon2MemoryKiB)
	case p.Iterations == 0:
		return fmt.Errorf("%w: iterations must be > 0", ErrInvalidArgon2Params)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be > 0", ErrInvalidArgon2Params)
	default:
		return nil
	}
}

func deriveArgon2id(passphrase, salt []byte, params Argon2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrWeakKey)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidArgon2Params, SaltSize)
	}

	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
}

func deriveHKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, fmt.Errorf("%w: ikm must not be empty", ErrInvalidHKDFInput)
	}
	if length <= 0 {
		return nil, fmt.Errorf("%w: length must be > 0", ErrInvalidHKDFInput)
	}

	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive hkdf-sha256 output: %w", err)
	}
	return out, nil
}

package cipher

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type KDF uint8

const (
	// KDFArgon2id stretches a passphrase.
	KDFArgon2id KDF = iota + 1
	// KDFHKDF expands a high-entropy raw key.
	KDFHKDF
)

func (k KDF) String() string {
	switch k {
	case KDFArgon2id:
		return "argon2id"
	case KDFHKDF:
		return "hkdf"
	default:
		return fmt.Sprintf("kdf(%d)", uint8(k))
	}
}

func ParseKDF(s string) (KDF, error) {
	switch s {
	case "argon2id", "":
		return KDFArgon2id, nil
	case "hkdf", "raw":
		return KDFHKDF, nil
	default:
		return 0, fmt.Errorf("%w: unknown kdf %q", ErrInvalidParams, s)
	}
}

var ErrInvalidParams = errors.New("invalid cipher parameters")

const (
	paramsVersion = 1

	// [version u8][kdf u8][memory u32][iterations u32][parallelism u8][salt][key check]
	paramsEncodedSize = 1 + 1 + 4 + 4 + 1 + SaltSize + KeyCheckSize
)

// Params is everything needed to re-derive the keys of a store except the
// secret itself. It lives in the page store header.
type Params struct {
	KDF      KDF
	Argon2   Argon2Params
	Salt     []byte
	KeyCheck []byte
}

// NewParams draws a fresh salt. KeyCheck is filled in by Cipher.Params.
func NewParams(kdf KDF, argon Argon2Params) (Params, error) {
	if kdf != KDFArgon2id && kdf != KDFHKDF {
		return Params{}, fmt.Errorf("%w: unknown kdf %d", ErrInvalidParams, kdf)
	}
	if kdf == KDFArgon2id {
		if err := argon.Validate(); err != nil {
			return Params{}, err
		}
	}

	salt, err := randomBytes(SaltSize)
	if err != nil {
		return Params{}, err
	}
	return Params{KDF: kdf, Argon2: argon, Salt: salt}, nil
}

func (p Params) MarshalBinary() ([]byte, error) {
	if len(p.Salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes", ErrInvalidParams, len(p.Salt))
	}
	if len(p.KeyCheck) != KeyCheckSize {
		return nil, fmt.Errorf("%w: key check is %d bytes", ErrInvalidParams, len(p.KeyCheck))
	}

	buf := make([]byte, paramsEncodedSize)
	buf[0] = paramsVersion
	buf[1] = byte(p.KDF)
	binary.LittleEndian.PutUint32(buf[2:], p.Argon2.Memory)
	binary.LittleEndian.PutUint32(buf[6:], p.Argon2.Iterations)
	buf[10] = p.Argon2.Parallelism
	copy(buf[11:], p.Salt)
	copy(buf[11+SaltSize:], p.KeyCheck)
	return buf, nil
}

func (p *Params) UnmarshalBinary(data []byte) error {
	if len(data) != paramsEncodedSize {
		return fmt.Errorf("%w: encoded params are %d bytes", ErrInvalidParams, len(data))
	}
	if data[0] != paramsVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidParams, data[0])
	}

	p.KDF = KDF(data[1])
	p.Argon2 = Argon2Params{
		Memory:      binary.LittleEndian.Uint32(data[2:]),
		Iterations:  binary.LittleEndian.Uint32(data[6:]),
		Parallelism: data[10],
	}
	p.Salt = append([]byte(nil), data[11:11+SaltSize]...)
	p.KeyCheck = append([]byte(nil), data[11+SaltSize:]...)

	if p.KDF != KDFArgon2id && p.KDF != KDFHKDF {
		return fmt.Errorf("%w: unknown kdf %d", ErrInvalidParams, p.KDF)
	}
	return nil
}

// Package secp256k1 implements the signature primitives of the vote protocol
// over the secp256k1 curve.
//
// A signature is normalized into a canonical (r, s, recoveryID) triple before
// any verification. Wallets do not agree on the encoding of the recovery
// identifier: some append it as 0/1, some use the legacy 27/28, and some do
// not append it at all. The recovery functions resolve the missing identifier
// by trying both candidates.
//
// The digest is always wrapped with the personal-message prefix before the
// public key recovery, the same way the signing capability does it.
package secp256k1

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

const (
	// CompactLength is the length of a signature without recovery identifier.
	CompactLength = 64

	// RecoverableLength is the length of a signature that embeds the recovery
	// identifier.
	RecoverableLength = 65

	legacyRecoveryOffset = 27
)

// ErrMalformedSignature is returned when a raw signature can't be normalized.
var ErrMalformedSignature = xerrors.New("malformed signature")

// Signature is the canonical form of a secp256k1 signature.
type Signature struct {
	R [32]byte
	S [32]byte

	// V is the recovery identifier, either 0 or 1. It is only meaningful when
	// HasRecoveryID is true.
	V byte

	// HasRecoveryID is false when the raw signature did not carry the recovery
	// identifier, in which case both candidates must be tried.
	HasRecoveryID bool
}

// Normalize parses a raw signature. It accepts compact signatures (64 bytes)
// and recoverable ones (65 bytes) with either a 0/1 or a 27/28 recovery
// identifier.
func Normalize(raw []byte) (Signature, error) {
	var sig Signature

	switch len(raw) {
	case CompactLength:
	case RecoverableLength:
		v := raw[64]
		if v >= legacyRecoveryOffset {
			v -= legacyRecoveryOffset
		}

		if v > 1 {
			return sig, xerrors.Errorf("invalid recovery identifier %d: %w",
				raw[64], ErrMalformedSignature)
		}

		sig.V = v
		sig.HasRecoveryID = true
	default:
		return sig, xerrors.Errorf("invalid length %d: %w", len(raw), ErrMalformedSignature)
	}

	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])

	// Non-homestead rules accept a high s value as some custodies do not
	// normalize it.
	if !crypto.ValidateSignatureValues(sig.V, r, s, false) {
		return sig, xerrors.Errorf("r or s out of range: %w", ErrMalformedSignature)
	}

	return sig, nil
}

// NormalizeHex parses a hexadecimal signature, with or without the 0x prefix.
// An odd number of digits is padded with a leading zero.
func NormalizeHex(text string) (Signature, error) {
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")

	if len(text)%2 == 1 {
		text = "0" + text
	}

	raw, err := hex.DecodeString(text)
	if err != nil {
		return Signature{}, xerrors.Errorf("invalid hex (%v): %w", err, ErrMalformedSignature)
	}

	return Normalize(raw)
}

// Bytes returns the 65 bytes form of the signature with a 0/1 recovery
// identifier, or the 64 bytes form when the identifier is unknown.
func (sig Signature) Bytes() []byte {
	if !sig.HasRecoveryID {
		buffer := make([]byte, CompactLength)
		copy(buffer, sig.R[:])
		copy(buffer[32:], sig.S[:])

		return buffer
	}

	return sig.withRecoveryID(sig.V)
}

// Compact returns a copy of the signature without the recovery identifier.
func (sig Signature) Compact() Signature {
	return Signature{R: sig.R, S: sig.S}
}

// String implements fmt.Stringer. It returns the hexadecimal representation
// of the signature.
func (sig Signature) String() string {
	return fmt.Sprintf("0x%x", sig.Bytes())
}

func (sig Signature) withRecoveryID(v byte) []byte {
	buffer := make([]byte, RecoverableLength)
	copy(buffer, sig.R[:])
	copy(buffer[32:], sig.S[:])
	buffer[64] = v

	return buffer
}

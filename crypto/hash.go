package crypto

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashAlgorithm is the identifier of a hash function.
type HashAlgorithm int

const (
	// Sha256 is the SHA-2 256 bits hash function.
	Sha256 HashAlgorithm = iota
	// Keccak256 is the legacy Keccak hash function used by the ledger.
	Keccak256
)

// hashFactory is a hash factory for the supported algorithms.
//
// - implements crypto.HashFactory
type hashFactory struct {
	hashType HashAlgorithm
}

// NewHashFactory returns a new instance of the factory.
func NewHashFactory(a HashAlgorithm) HashFactory {
	return hashFactory{a}
}

// New implements crypto.HashFactory. It returns a new Hash instance.
func (f hashFactory) New() hash.Hash {
	switch f.hashType {
	case Sha256:
		return sha256.New()
	case Keccak256:
		return sha3.NewLegacyKeccak256()
	default:
		panic("unknown hash type")
	}
}

// Package crypto defines the cryptographic primitives used by the vote
// protocol.
//
// The key custody is an external collaborator: the protocol only sees a
// signing capability that takes an arbitrary payload and returns a raw
// signature, after applying the standard personal-message prefix.
package crypto

import (
	"context"
	"hash"

	"github.com/ethereum/go-ethereum/common"
)

// HashFactory is an interface to produce a hash digest.
type HashFactory interface {
	New() hash.Hash
}

// Signer is the signing capability offered by a wallet or any other key
// custody. It is assumed to prefix the message with the personal-message
// convention before signing it.
type Signer interface {
	// Sign returns the raw signature of the message. The signature might or
	// might not embed a recovery identifier depending on the custody.
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// AddressHinter is implemented by signing capabilities that know the account
// they sign with. The hint is only used to pick among recovered candidates and
// never replaces the recovery.
type AddressHinter interface {
	Address() common.Address
}

// SignerFunc is an adapter to allow the use of ordinary functions as signers.
//
// - implements crypto.Signer
type SignerFunc func(ctx context.Context, msg []byte) ([]byte, error)

// Sign implements crypto.Signer.
func (fn SignerFunc) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	return fn(ctx, msg)
}

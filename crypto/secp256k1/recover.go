package secp256k1

import (
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// ErrRecoveryFailed is returned when no candidate recovery identifier produces
// an acceptable signer.
var ErrRecoveryFailed = xerrors.New("recovery failed")

// Recovered is an identity obtained by public key recovery. The zero value is
// not a valid identity and the fields can only be set by this package, so that
// an address that has not been recovered can't be used as a voter.
type Recovered struct {
	address    common.Address
	recoveryID byte
	valid      bool
}

// Address returns the recovered address.
func (r Recovered) Address() common.Address {
	return r.address
}

// RecoveryID returns the recovery identifier that produced the address.
func (r Recovered) RecoveryID() byte {
	return r.recoveryID
}

// IsValid returns true if the identity comes from a successful recovery.
func (r Recovered) IsValid() bool {
	return r.valid
}

// Equal returns true when both identities are valid and recovered to the same
// address.
func (r Recovered) Equal(other Recovered) bool {
	return r.valid && other.valid && r.address == other.address
}

// String implements fmt.Stringer.
func (r Recovered) String() string {
	if !r.valid {
		return "<unrecovered>"
	}

	return r.address.Hex()
}

// PrefixedHash returns the hash that the signing capability actually signs for
// the digest, which is the digest wrapped with the personal-message prefix.
func PrefixedHash(digest [32]byte) []byte {
	return accounts.TextHash(digest[:])
}

// Recover returns the signer of the digest. When the signature has no recovery
// identifier, the first candidate that recovers to a point is returned.
func Recover(digest [32]byte, sig Signature) (Recovered, error) {
	return RecoverWithCandidates(digest, sig, nil)
}

// RecoverWithCandidates returns the signer of the digest. If the signature
// does not embed the recovery identifier, both 0 and 1 are tried. When an
// expected signer is provided, a candidate is only accepted if it matches.
func RecoverWithCandidates(digest [32]byte, sig Signature, expected *common.Address) (Recovered, error) {
	for _, candidate := range Candidates(digest, sig) {
		if expected != nil && candidate.address != *expected {
			continue
		}

		return candidate, nil
	}

	if expected != nil {
		return Recovered{}, xerrors.Errorf("no candidate matches %s: %w",
			expected.Hex(), ErrRecoveryFailed)
	}

	return Recovered{}, xerrors.Errorf("no candidate yields a curve point: %w",
		ErrRecoveryFailed)
}

// Candidates returns every identity the signature could recover to. A
// signature with an embedded recovery identifier has at most one candidate,
// a compact one has up to two.
func Candidates(digest [32]byte, sig Signature) []Recovered {
	hash := PrefixedHash(digest)

	ids := []byte{sig.V}
	if !sig.HasRecoveryID {
		ids = []byte{0, 1}
	}

	candidates := make([]Recovered, 0, len(ids))

	for _, v := range ids {
		pubkey, err := crypto.SigToPub(hash, sig.withRecoveryID(v))
		if err != nil {
			continue
		}

		candidates = append(candidates, Recovered{
			address:    crypto.PubkeyToAddress(*pubkey),
			recoveryID: v,
			valid:      true,
		})
	}

	return candidates
}

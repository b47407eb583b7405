// Package vote defines the records of the signed-vote lifecycle and the
// digest that binds them to a signature.
//
// A vote goes through explicit stages, each one being its own type so that a
// caller can't tally a vote that was never finalized:
//
//	Intent -> PendingVote -> LoggedVote -> FinalizedVote
//
// The voter of a vote is never asserted by the caller. It is the identity
// recovered from the signature.
package vote

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.dedis.ch/circlevote/crypto"
	"golang.org/x/xerrors"
)

// Support is the option chosen by a voter.
type Support uint8

const (
	// Against rejects the proposal.
	Against Support = iota
	// For accepts the proposal.
	For
	// Abstain is counted but does not influence the outcome.
	Abstain
)

// ErrInvalidSupport is returned when a support value is outside of the known
// options.
var ErrInvalidSupport = xerrors.New("invalid support")

// ParseSupport returns the support matching the name.
func ParseSupport(name string) (Support, error) {
	switch name {
	case "for", "FOR", "For":
		return For, nil
	case "against", "AGAINST", "Against":
		return Against, nil
	case "abstain", "ABSTAIN", "Abstain":
		return Abstain, nil
	default:
		return 0, xerrors.Errorf("unknown option '%s': %w", name, ErrInvalidSupport)
	}
}

// Valid returns nil if the support is one of the known options.
func (s Support) Valid() error {
	if s > Abstain {
		return xerrors.Errorf("value %d: %w", uint8(s), ErrInvalidSupport)
	}

	return nil
}

// String implements fmt.Stringer.
func (s Support) String() string {
	switch s {
	case Against:
		return "Against"
	case For:
		return "For"
	case Abstain:
		return "Abstain"
	default:
		return "Unknown"
	}
}

// Intent is the member's decision before any signature.
type Intent struct {
	ProposalID uint64
	Support    Support
}

var hashFactory = crypto.NewHashFactory(crypto.Keccak256)

// Digest returns the hash signed by the voter. The fields are tightly packed
// in this exact order, as the ledger contract does it:
//
//	uint256 proposalId | address voter | uint8 support | bytes32 logMessageId | uint256 logSequenceNumber
func Digest(proposalID uint64, voter common.Address, support Support,
	logMessageID [32]byte, logSequenceNumber uint64) [32]byte {

	h := hashFactory.New()

	h.Write(math.U256Bytes(new(big.Int).SetUint64(proposalID)))
	h.Write(voter.Bytes())
	h.Write([]byte{byte(support)})
	h.Write(logMessageID[:])
	h.Write(math.U256Bytes(new(big.Int).SetUint64(logSequenceNumber)))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	return digest
}

// MessageID encodes a log sequence number as the 32 bytes big-endian value
// bound into the digest.
func MessageID(sequence uint64) [32]byte {
	var id [32]byte
	binary.BigEndian.PutUint64(id[24:], sequence)

	return id
}

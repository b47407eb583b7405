package vote

import (
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"golang.org/x/xerrors"
)

// DefaultVotingPower is the weight of a vote under the one-member-one-vote
// rule.
const DefaultVotingPower = 1

// PreliminaryDigest returns the digest signed before the log assigns a
// sequence number. The voter and the log fields are zero placeholders as the
// voter is only known once the signature is recovered.
func PreliminaryDigest(proposalID uint64, support Support) [32]byte {
	return Digest(proposalID, common.Address{}, support, [32]byte{}, 0)
}

// PendingVote is a vote signed with the placeholder digest and not yet
// ordered by the log.
type PendingVote struct {
	ProposalID        uint64
	Voter             secp256k1.Recovered
	Support           Support
	LogMessageID      [32]byte
	LogSequenceNumber uint64
	Signature         secp256k1.Signature
	Timestamp         int64
}

// NewPendingVote returns a pending vote for the intent. The voter is the
// identity recovered from the preliminary signature.
func NewPendingVote(intent Intent, voter secp256k1.Recovered,
	sig secp256k1.Signature, timestamp int64) PendingVote {

	return PendingVote{
		ProposalID: intent.ProposalID,
		Voter:      voter,
		Support:    intent.Support,
		Signature:  sig,
		Timestamp:  timestamp,
	}
}

// Message returns the wire message submitted to the log for this vote.
func (v PendingVote) Message() Message {
	return Message{
		ProposalID: v.ProposalID,
		Voter:      v.Voter.Address().Hex(),
		Support:    v.Support,
		Signature:  v.Signature.String(),
		Timestamp:  v.Timestamp,
		Version:    PreliminaryVersion,
	}
}

// Logged returns the vote with the sequence number assigned by the log.
func (v PendingVote) Logged(receipt ordering.Receipt) LoggedVote {
	v.LogSequenceNumber = receipt.Sequence()
	v.LogMessageID = MessageID(receipt.Sequence())

	return LoggedVote{
		PendingVote: v,
		Receipt:     receipt,
	}
}

// LoggedVote is a pending vote that the log accepted. Its signature still
// covers the placeholder digest.
type LoggedVote struct {
	PendingVote

	// Receipt tells whether the sequence number is authoritative or was
	// simulated locally.
	Receipt ordering.Receipt
}

// Digest returns the digest that the final signature must cover.
func (v LoggedVote) Digest(voter common.Address) [32]byte {
	return Digest(v.ProposalID, voter, v.Support, v.LogMessageID, v.LogSequenceNumber)
}

// Finalize returns the finalized vote with the signature over the digest that
// binds the sequence number.
func (v LoggedVote) Finalize(voter secp256k1.Recovered, sig secp256k1.Signature) FinalizedVote {
	v.Voter = voter
	v.Signature = sig

	return FinalizedVote{LoggedVote: v}
}

// FinalizedVote is the only stage eligible for a tally.
type FinalizedVote struct {
	LoggedVote
}

// Digest returns the digest covered by the signature.
func (v FinalizedVote) Digest() [32]byte {
	return v.LoggedVote.Digest(v.Voter.Address())
}

// Authoritative returns true if the sequence number was assigned by the log
// and not simulated.
func (v FinalizedVote) Authoritative() bool {
	return ordering.IsAuthoritative(v.Receipt)
}

// Verify recovers the signer of the vote and returns an error if it is not the
// voter.
func (v FinalizedVote) Verify() error {
	expected := v.Voter.Address()

	_, err := secp256k1.RecoverWithCandidates(v.Digest(), v.Signature, &expected)
	if err != nil {
		return xerrors.Errorf("vote of %s: %w", expected.Hex(), err)
	}

	return nil
}

// Message returns the wire message of the finalized vote. It carries the
// sequence number bound by the signature.
func (v FinalizedVote) Message() Message {
	msg := v.PendingVote.Message()
	msg.Version = FinalVersion

	seq := v.LogSequenceNumber
	msg.LogSequenceNumber = &seq

	return msg
}

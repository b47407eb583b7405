package vote

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"golang.org/x/xerrors"
)

const (
	// PreliminaryVersion is the version of a message signed over the
	// placeholder digest.
	PreliminaryVersion = 1

	// FinalVersion is the version of a message signed over the digest that
	// binds the log sequence number.
	FinalVersion = 2
)

// ErrInvalidMessage is returned when a log message can't be decoded into a
// vote.
var ErrInvalidMessage = xerrors.New("invalid vote message")

// Message is the JSON payload stored in the log.
type Message struct {
	ProposalID uint64  `json:"proposalId"`
	Voter      string  `json:"voter"`
	Support    Support `json:"support"`
	Signature  string  `json:"signature"`
	Timestamp  int64   `json:"timestamp"`
	Version    int     `json:"version"`

	// LogSequenceNumber is the sequence bound by the signature of a final
	// message.
	LogSequenceNumber *uint64 `json:"logSequenceNumber,omitempty"`
}

// Encode returns the UTF-8 JSON representation of the message.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal message: %v", err)
	}

	return data, nil
}

// DecodeMessage parses a JSON payload read from the log.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message

	err := json.Unmarshal(data, &msg)
	if err != nil {
		return msg, xerrors.Errorf("failed to unmarshal (%v): %w", err, ErrInvalidMessage)
	}

	return msg, nil
}

// Record is a vote read back from the log whose signature has been verified.
type Record struct {
	ProposalID uint64
	Voter      secp256k1.Recovered
	Support    Support
	Signature  secp256k1.Signature
	Timestamp  int64
	Version    int

	// Sequence is the sequence number of the message in the log.
	Sequence uint64

	// BoundSequence is the sequence number covered by the signature. It is
	// zero for a preliminary message.
	BoundSequence uint64
}

// RecordIterator is an iterator over verified records.
type RecordIterator interface {
	// HasNext returns true if a record is available.
	HasNext() bool

	// GetNext returns the next record.
	GetNext() Record
}

// FinalizedVotes reads the iterator and returns the final votes, keeping the
// earliest record of each voter per proposal. A final record is only kept when
// the preliminary record of the same proposal and support was read at the
// sequence it binds.
func FinalizedVotes(iter RecordIterator) []FinalizedVote {
	type ballot struct {
		proposal uint64
		voter    common.Address
	}

	votes := []FinalizedVote{}
	seen := map[ballot]struct{}{}
	preliminaries := map[uint64]Record{}

	for iter.HasNext() {
		record := iter.GetNext()
		if !record.IsFinal() {
			preliminaries[record.Sequence] = record
			continue
		}

		prelim, found := preliminaries[record.BoundSequence]
		if !found || prelim.ProposalID != record.ProposalID || prelim.Support != record.Support {
			continue
		}

		key := ballot{proposal: record.ProposalID, voter: record.Voter.Address()}

		_, found = seen[key]
		if found {
			continue
		}

		final, err := record.Finalized()
		if err != nil {
			continue
		}

		seen[key] = struct{}{}
		votes = append(votes, final)
	}

	return votes
}

// IsFinal returns true if the record carries a final signature.
func (r Record) IsFinal() bool {
	return r.Version == FinalVersion
}

// Finalized converts a final record into a vote eligible for a tally.
func (r Record) Finalized() (FinalizedVote, error) {
	if !r.IsFinal() {
		return FinalizedVote{}, xerrors.Errorf("record at sequence %d is preliminary", r.Sequence)
	}

	if r.BoundSequence >= r.Sequence {
		return FinalizedVote{}, xerrors.Errorf("record at sequence %d binds sequence %d: %w",
			r.Sequence, r.BoundSequence, ErrInvalidMessage)
	}

	return r.finalized(ordering.NewAccepted(r.BoundSequence)), nil
}

func (r Record) finalized(receipt ordering.Receipt) FinalizedVote {
	pending := PendingVote{
		ProposalID: r.ProposalID,
		Voter:      r.Voter,
		Support:    r.Support,
		Signature:  r.Signature,
		Timestamp:  r.Timestamp,
	}

	return FinalizedVote{LoggedVote: pending.Logged(receipt)}
}

// Finalized verifies a final message kept outside of the log, such as a local
// copy, and returns the vote with the receipt of its sequence.
func (m Message) Finalized(receipt ordering.Receipt) (FinalizedVote, error) {
	record, err := m.verify(0)
	if err != nil {
		return FinalizedVote{}, err
	}

	if !record.IsFinal() {
		return FinalizedVote{}, xerrors.Errorf("message is preliminary: %w", ErrInvalidMessage)
	}

	if receipt.Sequence() != record.BoundSequence {
		return FinalizedVote{}, xerrors.Errorf("receipt %v does not match sequence %d: %w",
			receipt, record.BoundSequence, ErrInvalidMessage)
	}

	return record.finalized(receipt), nil
}

// Verify decodes the fields of the message, rebuilds the digest from them and
// checks that the signature recovers to the claimed voter. The sequence is the
// position of the message in the log, and a final message must bind an
// earlier one.
func (m Message) Verify(sequence uint64) (Record, error) {
	record, err := m.verify(sequence)
	if err != nil {
		return record, err
	}

	if record.IsFinal() && record.BoundSequence >= sequence {
		return record, xerrors.Errorf("message at sequence %d binds sequence %d: %w",
			sequence, record.BoundSequence, ErrInvalidMessage)
	}

	return record, nil
}

func (m Message) verify(sequence uint64) (Record, error) {
	record := Record{
		ProposalID: m.ProposalID,
		Support:    m.Support,
		Timestamp:  m.Timestamp,
		Version:    m.Version,
		Sequence:   sequence,
	}

	err := m.Support.Valid()
	if err != nil {
		return record, xerrors.Errorf("%v: %w", err, ErrInvalidMessage)
	}

	if !common.IsHexAddress(m.Voter) {
		return record, xerrors.Errorf("voter '%s' is not an address: %w", m.Voter, ErrInvalidMessage)
	}

	claimed := common.HexToAddress(m.Voter)

	var digest [32]byte

	switch m.Version {
	case PreliminaryVersion:
		digest = PreliminaryDigest(m.ProposalID, m.Support)
	case FinalVersion:
		if m.LogSequenceNumber == nil {
			return record, xerrors.Errorf("final message without sequence: %w", ErrInvalidMessage)
		}

		record.BoundSequence = *m.LogSequenceNumber
		digest = Digest(m.ProposalID, claimed, m.Support,
			MessageID(record.BoundSequence), record.BoundSequence)
	default:
		return record, xerrors.Errorf("unknown version %d: %w", m.Version, ErrInvalidMessage)
	}

	sig, err := secp256k1.NormalizeHex(m.Signature)
	if err != nil {
		return record, err
	}

	record.Signature = sig

	voter, err := secp256k1.RecoverWithCandidates(digest, sig, &claimed)
	if err != nil {
		return record, err
	}

	record.Voter = voter

	return record, nil
}

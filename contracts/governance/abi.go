package governance

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/circlevote/vote"
)

// ABI is the interface of the governance contract used by the tally.
const ABI = `[
  {
    "type": "function",
    "name": "tallyVotes",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "proposalId", "type": "uint256"},
      {"name": "votes", "type": "tuple[]", "components": [
        {"name": "voter", "type": "address"},
        {"name": "support", "type": "uint8"},
        {"name": "votingPower", "type": "uint256"},
        {"name": "timestamp", "type": "uint64"},
        {"name": "logMessageId", "type": "bytes32"},
        {"name": "logSequenceNumber", "type": "uint64"},
        {"name": "signature", "type": "bytes"}
      ]}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "TallyCompleted",
    "anonymous": false,
    "inputs": [
      {"name": "proposalId", "type": "uint256", "indexed": true},
      {"name": "forVotes", "type": "uint256", "indexed": false},
      {"name": "againstVotes", "type": "uint256", "indexed": false},
      {"name": "abstainVotes", "type": "uint256", "indexed": false},
      {"name": "passing", "type": "bool", "indexed": false}
    ]
  }
]`

const (
	// MethodTallyVotes is the name of the tally entry point.
	MethodTallyVotes = "tallyVotes"

	// EventTallyCompleted is the name of the event emitted by a tally.
	EventTallyCompleted = "TallyCompleted"

	// ReasonInvalidSignature is the revert reason of a batch with a vote that
	// does not recover to its voter.
	ReasonInvalidSignature = "invalid signature"

	// ReasonInvalidSupport is the revert reason of a batch with an unknown
	// support value.
	ReasonInvalidSupport = "invalid support"
)

// ParsedABI is the parsed form of the ABI.
var ParsedABI = mustParse(ABI)

// VoteTuple is the encoding of a vote in the call data.
type VoteTuple struct {
	Voter             common.Address
	Support           uint8
	VotingPower       *big.Int
	Timestamp         uint64
	LogMessageId      [32]byte
	LogSequenceNumber uint64
	Signature         []byte
}

// TallyCompleted is the decoded event emitted by a successful tally.
type TallyCompleted struct {
	ProposalId   *big.Int
	ForVotes     *big.Int
	AgainstVotes *big.Int
	AbstainVotes *big.Int
	Passing      bool
}

// NewVoteTuple returns the encoding of a finalized vote.
func NewVoteTuple(v vote.FinalizedVote, votingPower uint64) VoteTuple {
	return VoteTuple{
		Voter:             v.Voter.Address(),
		Support:           uint8(v.Support),
		VotingPower:       new(big.Int).SetUint64(votingPower),
		Timestamp:         uint64(v.Timestamp),
		LogMessageId:      v.LogMessageID,
		LogSequenceNumber: v.LogSequenceNumber,
		Signature:         v.Signature.Bytes(),
	}
}

// PackTallyVotes returns the call data of a tally.
func PackTallyVotes(proposalID uint64, votes []VoteTuple) ([]byte, error) {
	return ParsedABI.Pack(MethodTallyVotes, new(big.Int).SetUint64(proposalID), votes)
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("invalid contract abi: " + err.Error())
	}

	return parsed
}

// Package governance implements an in-memory model of the governance
// contract that tallies the off-ledger votes.
//
// The model verifies every vote of a batch with the same digest as the voting
// clients, keeps a single vote per voter, the one with the lowest log
// sequence, and emits a TallyCompleted event with the cumulative counts of the
// proposal. A batch is applied atomically: a single invalid vote reverts it.
package governance

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/core/store"
	"go.dedis.ch/circlevote/core/store/mem"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

const (
	baseGas    = 21000
	gasPerVote = 7000

	votePrefix  = "vote:"
	countPrefix = "count:"
)

// commands defines the methods of the contract. This interface helps in
// testing the contract.
type commands interface {
	tallyVotes(snap store.Snapshot, args []interface{}) ([]*types.Log, error)
}

// Contract executes the calls to the governance contract over a snapshot.
type Contract struct {
	address common.Address
	cmd     commands
}

// NewContract returns a contract deployed at the address.
func NewContract(address common.Address) Contract {
	contract := Contract{
		address: address,
	}

	contract.cmd = governanceCommand{Contract: &contract}

	return contract
}

// Execute runs the method selected by the call data. A RevertError is
// returned when the contract rejects the call, in which case the snapshot
// must be discarded.
func (c Contract) Execute(snap store.Snapshot, calldata []byte) ([]*types.Log, error) {
	if len(calldata) < 4 {
		return nil, xerrors.Errorf("call data too short: %d", len(calldata))
	}

	method, err := ParsedABI.MethodById(calldata[:4])
	if err != nil {
		return nil, xerrors.Errorf("unknown method: %v", err)
	}

	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, xerrors.Errorf("failed to unpack arguments: %v", err)
	}

	switch method.Name {
	case MethodTallyVotes:
		logs, err := c.cmd.tallyVotes(snap, args)
		if err != nil {
			return nil, xerrors.Errorf("failed to %s: %w", method.Name, err)
		}

		return logs, nil
	default:
		return nil, xerrors.Errorf("unsupported method: %s", method.Name)
	}
}

// Counts returns the votes counted so far for the proposal, by support.
func (c Contract) Counts(snap store.Readable, proposalID uint64) ([3]uint64, error) {
	var counts [3]uint64

	raw, err := snap.Get(countKey(proposalID))
	if err != nil {
		return counts, xerrors.Errorf("failed to read counts: %v", err)
	}

	if len(raw) == 24 {
		for i := range counts {
			counts[i] = binary.BigEndian.Uint64(raw[i*8:])
		}
	}

	return counts, nil
}

// governanceCommand implements the commands of the governance contract.
//
// - implements commands
type governanceCommand struct {
	*Contract
}

// tallyVotes implements commands. It counts the votes of the batch that are
// not yet counted, or that replace a vote with a higher sequence.
func (c governanceCommand) tallyVotes(snap store.Snapshot, args []interface{}) ([]*types.Log, error) {
	if len(args) != 2 {
		return nil, xerrors.Errorf("expected 2 arguments, got %d", len(args))
	}

	proposal, ok := args[0].(*big.Int)
	if !ok || !proposal.IsUint64() {
		return nil, xerrors.Errorf("invalid proposal identifier: %v", args[0])
	}

	proposalID := proposal.Uint64()
	tuples := *abi.ConvertType(args[1], new([]VoteTuple)).(*[]VoteTuple)

	counts, err := c.Counts(snap, proposalID)
	if err != nil {
		return nil, err
	}

	for _, tuple := range tuples {
		err := verify(proposalID, tuple)
		if err != nil {
			return nil, err
		}

		key := voteKey(proposalID, tuple.Voter)

		prev, err := snap.Get(key)
		if err != nil {
			return nil, xerrors.Errorf("failed to read vote: %v", err)
		}

		if len(prev) == 9 {
			if binary.BigEndian.Uint64(prev[1:]) <= tuple.LogSequenceNumber {
				continue
			}

			counts[prev[0]]--
		}

		value := make([]byte, 9)
		value[0] = tuple.Support
		binary.BigEndian.PutUint64(value[1:], tuple.LogSequenceNumber)

		err = snap.Set(key, value)
		if err != nil {
			return nil, xerrors.Errorf("failed to store vote: %v", err)
		}

		counts[tuple.Support]++

		circlevote.Logger.Debug().
			Str("contract", "governance").
			Uint64("proposal", proposalID).
			Stringer("voter", tuple.Voter).
			Uint8("support", tuple.Support).
			Msg("vote counted")
	}

	raw := make([]byte, 24)
	for i, count := range counts {
		binary.BigEndian.PutUint64(raw[i*8:], count)
	}

	err = snap.Set(countKey(proposalID), raw)
	if err != nil {
		return nil, xerrors.Errorf("failed to store counts: %v", err)
	}

	event, err := c.makeEvent(proposalID, counts)
	if err != nil {
		return nil, err
	}

	return []*types.Log{event}, nil
}

func (c governanceCommand) makeEvent(proposalID uint64, counts [3]uint64) (*types.Log, error) {
	event := ParsedABI.Events[EventTallyCompleted]

	forVotes := counts[vote.For]
	againstVotes := counts[vote.Against]

	data, err := event.Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(forVotes),
		new(big.Int).SetUint64(againstVotes),
		new(big.Int).SetUint64(counts[vote.Abstain]),
		forVotes > againstVotes,
	)
	if err != nil {
		return nil, xerrors.Errorf("failed to pack event: %v", err)
	}

	return &types.Log{
		Address: c.address,
		Topics:  []common.Hash{event.ID, common.BigToHash(new(big.Int).SetUint64(proposalID))},
		Data:    data,
	}, nil
}

// verify checks that the vote is a valid signature of its voter over the
// digest bound to its log sequence.
func verify(proposalID uint64, tuple VoteTuple) error {
	support := vote.Support(tuple.Support)
	if support.Valid() != nil {
		return ledger.NewRevertError(ReasonInvalidSupport)
	}

	digest := vote.Digest(proposalID, tuple.Voter, support, tuple.LogMessageId, tuple.LogSequenceNumber)

	sig, err := secp256k1.Normalize(tuple.Signature)
	if err != nil {
		return ledger.NewRevertError(ReasonInvalidSignature)
	}

	_, err = secp256k1.RecoverWithCandidates(digest, sig, &tuple.Voter)
	if err != nil {
		return ledger.NewRevertError(ReasonInvalidSignature)
	}

	return nil
}

func voteKey(proposalID uint64, voter common.Address) []byte {
	key := make([]byte, 0, len(votePrefix)+8+common.AddressLength)
	key = append(key, votePrefix...)
	key = binary.BigEndian.AppendUint64(key, proposalID)

	return append(key, voter.Bytes()...)
}

func countKey(proposalID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(countPrefix), proposalID)
}

// Ledger is an in-memory ledger hosting a single governance contract.
//
// - implements ledger.Ledger
type Ledger struct {
	sync.Mutex

	contract Contract
	snap     *mem.Snapshot
	block    uint64
}

// NewLedger returns a ledger with a contract deployed at the address.
func NewLedger(address common.Address) *Ledger {
	return &Ledger{
		contract: NewContract(address),
		snap:     mem.NewSnapshot(),
	}
}

// Transact implements ledger.Ledger. It executes the call in a new block and
// applies the updates only if the execution succeeds.
func (l *Ledger) Transact(ctx context.Context, calldata []byte) (*types.Receipt, error) {
	err := ctx.Err()
	if err != nil {
		return nil, xerrors.Errorf("transaction aborted: %v", err)
	}

	l.Lock()
	defer l.Unlock()

	var logs []*types.Log

	err = l.snap.Stage(func(snap store.Snapshot) error {
		res, err := l.contract.Execute(snap, calldata)
		logs = res

		return err
	})
	if err != nil {
		return nil, err
	}

	l.block++

	txHash := crypto.Keccak256Hash(binary.BigEndian.AppendUint64(nil, l.block), calldata)

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     baseGas + gasPerVote*uint64(countVotes(calldata)),
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(l.block),
		Logs:        logs,
	}

	for i, log := range logs {
		log.TxHash = txHash
		log.BlockNumber = l.block
		log.Index = uint(i)
	}

	return receipt, nil
}

// Counts returns the votes counted for the proposal by support.
func (l *Ledger) Counts(proposalID uint64) ([3]uint64, error) {
	l.Lock()
	defer l.Unlock()

	return l.contract.Counts(l.snap, proposalID)
}

// countVotes returns the length of the vote array of valid call data.
func countVotes(calldata []byte) int {
	args, err := ParsedABI.Methods[MethodTallyVotes].Inputs.Unpack(calldata[4:])
	if err != nil || len(args) != 2 {
		return 0
	}

	return len(*abi.ConvertType(args[1], new([]VoteTuple)).(*[]VoteTuple))
}

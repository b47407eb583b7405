package governance

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/core/store"
	"go.dedis.ch/circlevote/core/store/mem"
	"go.dedis.ch/circlevote/internal/testing/fake"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c1c1e")

func TestLedger_Transact(t *testing.T) {
	keys := fake.MakeKeys(t, 3)

	calldata := makeCalldata(t, 7,
		fake.MakeVote(t, keys[0], 7, vote.For, 1),
		fake.MakeVote(t, keys[1], 7, vote.For, 2),
		fake.MakeVote(t, keys[2], 7, vote.Against, 3),
	)

	l := NewLedger(contractAddr)

	receipt, err := l.Transact(context.Background(), calldata)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, uint64(baseGas+3*gasPerVote), receipt.GasUsed)
	require.Len(t, receipt.Logs, 1)

	event := receipt.Logs[0]
	require.Equal(t, contractAddr, event.Address)
	require.Equal(t, ParsedABI.Events[EventTallyCompleted].ID, event.Topics[0])
	require.Equal(t, common.BigToHash(big.NewInt(7)), event.Topics[1])
	require.Equal(t, receipt.TxHash, event.TxHash)

	completed := unpackEvent(t, event)
	require.Equal(t, int64(2), completed.ForVotes.Int64())
	require.Equal(t, int64(1), completed.AgainstVotes.Int64())
	require.Equal(t, int64(0), completed.AbstainVotes.Int64())
	require.True(t, completed.Passing)

	counts, err := l.Counts(7)
	require.NoError(t, err)
	require.Equal(t, [3]uint64{1, 2, 0}, counts)
}

func TestLedger_Transact_Idempotent(t *testing.T) {
	keys := fake.MakeKeys(t, 2)

	calldata := makeCalldata(t, 1,
		fake.MakeVote(t, keys[0], 1, vote.Against, 10),
		fake.MakeVote(t, keys[1], 1, vote.Abstain, 11),
	)

	l := NewLedger(contractAddr)

	first, err := l.Transact(context.Background(), calldata)
	require.NoError(t, err)

	second, err := l.Transact(context.Background(), calldata)
	require.NoError(t, err)

	require.NotEqual(t, first.TxHash, second.TxHash)
	require.Equal(t, first.Logs[0].Data, second.Logs[0].Data)

	completed := unpackEvent(t, second.Logs[0])
	require.False(t, completed.Passing)
	require.Equal(t, int64(1), completed.AgainstVotes.Int64())
	require.Equal(t, int64(1), completed.AbstainVotes.Int64())
}

func TestLedger_Transact_LowestSequenceWins(t *testing.T) {
	key := fake.MakeKeys(t, 1)[0]

	l := NewLedger(contractAddr)

	_, err := l.Transact(context.Background(), makeCalldata(t, 2, fake.MakeVote(t, key, 2, vote.For, 5)))
	require.NoError(t, err)

	_, err = l.Transact(context.Background(), makeCalldata(t, 2, fake.MakeVote(t, key, 2, vote.Against, 3)))
	require.NoError(t, err)

	counts, err := l.Counts(2)
	require.NoError(t, err)
	require.Equal(t, [3]uint64{1, 0, 0}, counts)

	_, err = l.Transact(context.Background(), makeCalldata(t, 2, fake.MakeVote(t, key, 2, vote.Abstain, 7)))
	require.NoError(t, err)

	counts, err = l.Counts(2)
	require.NoError(t, err)
	require.Equal(t, [3]uint64{1, 0, 0}, counts)
}

func TestLedger_Transact_InvalidSignature(t *testing.T) {
	keys := fake.MakeKeys(t, 2)

	forged := fake.MakeVote(t, keys[1], 3, vote.Against, 2)
	forged.Support = vote.For

	calldata := makeCalldata(t, 3, fake.MakeVote(t, keys[0], 3, vote.For, 1), forged)

	l := NewLedger(contractAddr)

	_, err := l.Transact(context.Background(), calldata)

	var revert ledger.RevertError
	require.True(t, xerrors.As(err, &revert))
	require.Equal(t, ReasonInvalidSignature, revert.Reason)
	require.EqualError(t, err, "failed to tallyVotes: execution reverted: invalid signature")

	// The batch is applied atomically.
	counts, err := l.Counts(3)
	require.NoError(t, err)
	require.Equal(t, [3]uint64{}, counts)
}

func TestLedger_Transact_InvalidSupport(t *testing.T) {
	key := fake.MakeKeys(t, 1)[0]

	tuple := NewVoteTuple(fake.MakeVote(t, key, 3, vote.For, 1), vote.DefaultVotingPower)
	tuple.Support = 5

	calldata, err := PackTallyVotes(3, []VoteTuple{tuple})
	require.NoError(t, err)

	_, err = NewLedger(contractAddr).Transact(context.Background(), calldata)

	var revert ledger.RevertError
	require.True(t, xerrors.As(err, &revert))
	require.Equal(t, ReasonInvalidSupport, revert.Reason)
}

func TestLedger_Transact_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLedger(contractAddr).Transact(ctx, nil)
	require.EqualError(t, err, "transaction aborted: context canceled")
}

func TestContract_Execute(t *testing.T) {
	contract := NewContract(contractAddr)
	snap := mem.NewSnapshot()

	_, err := contract.Execute(snap, []byte{1, 2})
	require.EqualError(t, err, "call data too short: 2")

	_, err = contract.Execute(snap, []byte{1, 2, 3, 4})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown method: ")

	method := ParsedABI.Methods[MethodTallyVotes]

	_, err = contract.Execute(snap, method.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to unpack arguments: ")

	contract.cmd = badCommand{}

	calldata, err := PackTallyVotes(1, []VoteTuple{})
	require.NoError(t, err)

	_, err = contract.Execute(snap, calldata)
	require.EqualError(t, err, fake.Err("failed to tallyVotes"))
}

func TestContract_EmptyBatch(t *testing.T) {
	contract := NewContract(contractAddr)

	calldata, err := PackTallyVotes(1, []VoteTuple{})
	require.NoError(t, err)

	logs, err := contract.Execute(mem.NewSnapshot(), calldata)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	completed := unpackEvent(t, logs[0])
	require.False(t, completed.Passing)
	require.Equal(t, int64(0), completed.ForVotes.Int64())
}

func TestNewVoteTuple(t *testing.T) {
	key := fake.MakeKeys(t, 1)[0]
	final := fake.MakeVote(t, key, 4, vote.Abstain, 42)

	tuple := NewVoteTuple(final, 3)
	require.Equal(t, key.Address(), tuple.Voter)
	require.Equal(t, uint8(vote.Abstain), tuple.Support)
	require.Equal(t, int64(3), tuple.VotingPower.Int64())
	require.Equal(t, uint64(42), tuple.LogSequenceNumber)
	require.Equal(t, vote.MessageID(42), tuple.LogMessageId)
	require.Equal(t, byte(0x2a), tuple.LogMessageId[31])
	require.Len(t, tuple.Signature, 65)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeCalldata(t *testing.T, proposal uint64, votes ...vote.FinalizedVote) []byte {
	tuples := make([]VoteTuple, len(votes))
	for i, v := range votes {
		tuples[i] = NewVoteTuple(v, vote.DefaultVotingPower)
	}

	calldata, err := PackTallyVotes(proposal, tuples)
	require.NoError(t, err)

	return calldata
}

func unpackEvent(t *testing.T, log *types.Log) TallyCompleted {
	var event TallyCompleted

	err := ParsedABI.UnpackIntoInterface(&event, EventTallyCompleted, log.Data)
	require.NoError(t, err)

	return event
}

type badCommand struct{}

func (badCommand) tallyVotes(store.Snapshot, []interface{}) ([]*types.Log, error) {
	return nil, fake.GetError()
}

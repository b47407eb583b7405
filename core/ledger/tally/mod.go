// Package tally implements the coordinator that submits a batch of finalized
// votes to the governance contract and reads the outcome from the receipt.
package tally

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/contracts/governance"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

var (
	// ErrEmptyBatch is returned when a tally is requested without votes.
	ErrEmptyBatch = xerrors.New("empty batch")

	// ErrInvalidSignatureInBatch is returned when the contract rejects the
	// batch because of a vote.
	ErrInvalidSignatureInBatch = xerrors.New("invalid signature in batch")

	// ErrExecutionReverted is returned when the contract reverts for another
	// reason.
	ErrExecutionReverted = xerrors.New("execution reverted")

	// ErrTallyEventMissing is returned when the receipt of a tally does not
	// contain the completion event.
	ErrTallyEventMissing = xerrors.New("tally event missing")

	// ErrNonAuthoritative is returned when a vote carries a simulated sequence
	// number.
	ErrNonAuthoritative = xerrors.New("non-authoritative sequence")

	// ErrProposalMismatch is returned when a vote of the batch belongs to
	// another proposal.
	ErrProposalMismatch = xerrors.New("proposal mismatch")
)

var promTallies = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "circlevote_tallies_total",
	Help: "number of tallies submitted to the ledger by outcome",
}, []string{"outcome"})

func init() {
	circlevote.PromCollectors = append(circlevote.PromCollectors, promTallies)
}

// TallyResult is the outcome of a tally as emitted by the contract.
type TallyResult struct {
	ForVotes     uint64
	AgainstVotes uint64
	AbstainVotes uint64
	IsPassing    bool

	// ResourceUsed is the gas used by the transaction.
	ResourceUsed uint64

	// TxHash is the hash of the tally transaction.
	TxHash common.Hash
}

// Coordinator submits batches of votes to the ledger.
type Coordinator struct {
	ledger         ledger.Ledger
	contract       *common.Address
	votingPower    uint64
	allowSimulated bool
	logger         zerolog.Logger
}

// Option is the type of options to create a coordinator.
type Option func(*Coordinator)

// WithSimulatedVotes allows the votes with a simulated sequence number to be
// part of a batch.
func WithSimulatedVotes() Option {
	return func(c *Coordinator) {
		c.allowSimulated = true
	}
}

// WithVotingPower sets the weight of every vote.
func WithVotingPower(power uint64) Option {
	return func(c *Coordinator) {
		c.votingPower = power
	}
}

// WithContract only accepts the events emitted by the contract at the
// address.
func WithContract(addr common.Address) Option {
	return func(c *Coordinator) {
		c.contract = &addr
	}
}

// NewCoordinator returns a coordinator that transacts on the ledger.
func NewCoordinator(l ledger.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:      l,
		votingPower: vote.DefaultVotingPower,
		logger:      circlevote.Logger.With().Str("component", "tally").Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Tally submits the votes of the proposal in a single transaction. The votes
// are deduplicated by voter, keeping the lowest sequence number, and sent in
// ascending sequence order. Nothing is sent to the ledger if the batch is
// rejected locally.
func (c *Coordinator) Tally(ctx context.Context, proposalID uint64, votes []vote.FinalizedVote) (TallyResult, error) {
	if len(votes) == 0 {
		return TallyResult{}, xerrors.Errorf("proposal %d: %w", proposalID, ErrEmptyBatch)
	}

	batch, err := c.prepare(proposalID, votes)
	if err != nil {
		promTallies.WithLabelValues("rejected").Inc()
		return TallyResult{}, err
	}

	calldata, err := governance.PackTallyVotes(proposalID, batch)
	if err != nil {
		return TallyResult{}, xerrors.Errorf("failed to pack call: %v", err)
	}

	c.logger.Info().
		Uint64("proposal", proposalID).
		Int("votes", len(batch)).
		Msg("submitting tally")

	receipt, err := c.ledger.Transact(ctx, calldata)
	if err != nil {
		promTallies.WithLabelValues("reverted").Inc()
		return TallyResult{}, c.mapError(err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		promTallies.WithLabelValues("reverted").Inc()
		return TallyResult{}, xerrors.Errorf("transaction %s failed: %w", receipt.TxHash.Hex(), ErrExecutionReverted)
	}

	result, err := c.parse(proposalID, receipt)
	if err != nil {
		promTallies.WithLabelValues("missing").Inc()
		return result, err
	}

	promTallies.WithLabelValues("completed").Inc()

	c.logger.Info().
		Uint64("proposal", proposalID).
		Uint64("for", result.ForVotes).
		Uint64("against", result.AgainstVotes).
		Uint64("abstain", result.AbstainVotes).
		Bool("passing", result.IsPassing).
		Uint64("gas", result.ResourceUsed).
		Msg("tally completed")

	return result, nil
}

// prepare checks the votes and returns the deduplicated batch in ascending
// sequence order.
func (c *Coordinator) prepare(proposalID uint64, votes []vote.FinalizedVote) ([]governance.VoteTuple, error) {
	earliest := make(map[common.Address]vote.FinalizedVote)

	for _, v := range votes {
		voter := v.Voter.Address()

		if v.ProposalID != proposalID {
			return nil, xerrors.Errorf("vote of %s is for proposal %d: %w",
				voter.Hex(), v.ProposalID, ErrProposalMismatch)
		}

		if !v.Authoritative() && !c.allowSimulated {
			return nil, xerrors.Errorf("vote of %s at %v: %w", voter.Hex(), v.Receipt, ErrNonAuthoritative)
		}

		prev, found := earliest[voter]
		if found && prev.LogSequenceNumber <= v.LogSequenceNumber {
			c.logger.Debug().
				Stringer("voter", voter).
				Uint64("sequence", v.LogSequenceNumber).
				Msg("duplicate vote ignored")
			continue
		}

		earliest[voter] = v
	}

	selected := make([]vote.FinalizedVote, 0, len(earliest))
	for _, v := range earliest {
		selected = append(selected, v)
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].LogSequenceNumber < selected[j].LogSequenceNumber
	})

	batch := make([]governance.VoteTuple, len(selected))
	for i, v := range selected {
		batch[i] = governance.NewVoteTuple(v, c.votingPower)
	}

	return batch, nil
}

func (c *Coordinator) mapError(err error) error {
	var revert ledger.RevertError

	if !xerrors.As(err, &revert) {
		return xerrors.Errorf("failed to transact: %v", err)
	}

	switch revert.Reason {
	case governance.ReasonInvalidSignature, governance.ReasonInvalidSupport:
		return xerrors.Errorf("%s: %w", revert.Reason, ErrInvalidSignatureInBatch)
	default:
		return xerrors.Errorf("%s: %w", revert.Reason, ErrExecutionReverted)
	}
}

// parse reads the completion event of the proposal from the receipt.
func (c *Coordinator) parse(proposalID uint64, receipt *types.Receipt) (TallyResult, error) {
	result := TallyResult{
		ResourceUsed: receipt.GasUsed,
		TxHash:       receipt.TxHash,
	}

	event := governance.ParsedABI.Events[governance.EventTallyCompleted]
	topic := common.BigToHash(new(big.Int).SetUint64(proposalID))

	for _, log := range receipt.Logs {
		if len(log.Topics) != 2 || log.Topics[0] != event.ID || log.Topics[1] != topic {
			continue
		}

		if c.contract != nil && log.Address != *c.contract {
			continue
		}

		var completed governance.TallyCompleted

		err := governance.ParsedABI.UnpackIntoInterface(&completed, governance.EventTallyCompleted, log.Data)
		if err != nil {
			return result, xerrors.Errorf("failed to unpack event: %v", err)
		}

		totals := []*big.Int{completed.ForVotes, completed.AgainstVotes, completed.AbstainVotes}
		for _, total := range totals {
			if total == nil || !total.IsUint64() {
				return result, xerrors.Errorf("event total %v does not fit in 64 bits", total)
			}
		}

		result.ForVotes = completed.ForVotes.Uint64()
		result.AgainstVotes = completed.AgainstVotes.Uint64()
		result.AbstainVotes = completed.AbstainVotes.Uint64()
		result.IsPassing = completed.Passing

		return result, nil
	}

	return result, xerrors.Errorf("transaction %s: %w", receipt.TxHash.Hex(), ErrTallyEventMissing)
}

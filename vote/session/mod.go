// Package session implements the two-phase signing of a vote.
//
// The digest of a final vote binds the sequence number that the log assigns,
// but that number is only known after a first submission. The session solves
// it with two explicit signatures:
//
//	Unsigned -> PreliminarySigned -> AwaitingSequence -> FinalSigned
//
// The preliminary signature covers a digest with placeholders and is used to
// learn the voter by recovery. The final signature covers the digest with the
// voter and the sequence number. Every step that fails moves the session to
// the Failed state, which refuses any further step.
//
// A session is owned by a single caller and is not safe for concurrent use.
package session

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/core"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/crypto"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

// State is the state of a signing session.
type State int

const (
	// Unsigned is the initial state.
	Unsigned State = iota
	// PreliminarySigned means the voter is known but the vote is not logged.
	PreliminarySigned
	// AwaitingSequence means the vote was handed to the log. Once the log
	// answered, the session waits for the final signature.
	AwaitingSequence
	// FinalSigned means the vote is finalized.
	FinalSigned
	// Failed is the terminal state of a session after an error.
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unsigned:
		return "Unsigned"
	case PreliminarySigned:
		return "PreliminarySigned"
	case AwaitingSequence:
		return "AwaitingSequence"
	case FinalSigned:
		return "FinalSigned"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrSignerMismatch is returned when the final signature does not recover
	// to the voter of the preliminary signature and the change was not
	// confirmed.
	ErrSignerMismatch = xerrors.New("signer mismatch")

	// ErrSessionFailed is returned by any step of a failed session.
	ErrSessionFailed = xerrors.New("session failed")

	// ErrInvalidTransition is returned when a step is called out of order.
	ErrInvalidTransition = xerrors.New("invalid transition")

	// ErrSimulatedSequence is returned when a vote bound to a simulated
	// sequence number would be published, or when the publication itself only
	// got a simulated receipt.
	ErrSimulatedSequence = xerrors.New("simulated sequence")
)

var promSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "circlevote_signing_sessions_total",
	Help: "number of signing sessions by outcome",
}, []string{"outcome"})

func init() {
	circlevote.PromCollectors = append(circlevote.PromCollectors, promSessions)
}

// Transition is the event notified to the observers of a session when its
// state changes.
type Transition struct {
	Session xid.ID
	From    State
	To      State
}

// ConfirmFunc is called when the final signature was produced by another
// account than the preliminary one. It returns true to adopt the new account,
// which triggers a new final signature for it.
type ConfirmFunc func(previous, next common.Address) bool

// Session is the signing workflow of a single vote.
type Session struct {
	id      xid.ID
	signer  crypto.Signer
	log     ordering.Log
	topicID string
	clock   clockwork.Clock
	confirm ConfirmFunc
	logger  zerolog.Logger
	watcher *core.Watcher[Transition]

	state State
	err   error

	// candidates are the identities the preliminary signature recovers to.
	candidates []secp256k1.Recovered

	pending vote.PendingVote
	logged  vote.LoggedVote
	final   vote.FinalizedVote
}

// Option is the type of options to create a session.
type Option func(*Session)

// WithClock sets the clock used to timestamp the votes.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithSignerChangeConfirmation sets the function that decides whether a change
// of account between the two signatures is accepted. Without it, a change
// fails the session.
func WithSignerChangeConfirmation(fn ConfirmFunc) Option {
	return func(s *Session) {
		s.confirm = fn
	}
}

// New returns a new session that signs with the capability and submits to the
// topic of the log.
func New(signer crypto.Signer, log ordering.Log, topicID string, opts ...Option) *Session {
	id := xid.New()

	s := &Session{
		id:      id,
		signer:  signer,
		log:     log,
		topicID: topicID,
		clock:   clockwork.NewRealClock(),
		logger:  circlevote.Logger.With().Str("session", id.String()).Logger(),
		state:   Unsigned,
		watcher: core.NewWatcher[Transition](),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the unique identifier of the session.
func (s *Session) ID() xid.ID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	return s.err
}

// Watch adds an observer notified of every transition of the session.
func (s *Session) Watch(obs core.Observer[Transition]) {
	s.watcher.Add(obs)
}

// Unwatch removes the observer.
func (s *Session) Unwatch(obs core.Observer[Transition]) {
	s.watcher.Remove(obs)
}

// SignPreliminary signs the placeholder digest of the intent and recovers the
// voter from the signature.
func (s *Session) SignPreliminary(ctx context.Context, intent vote.Intent) (vote.PendingVote, error) {
	err := s.expect(Unsigned)
	if err != nil {
		return vote.PendingVote{}, err
	}

	err = intent.Support.Valid()
	if err != nil {
		return vote.PendingVote{}, s.fail(xerrors.Errorf("invalid intent: %w", err))
	}

	digest := vote.PreliminaryDigest(intent.ProposalID, intent.Support)

	sig, err := s.sign(ctx, digest)
	if err != nil {
		return vote.PendingVote{}, s.fail(xerrors.Errorf("preliminary signature: %w", err))
	}

	candidates := secp256k1.Candidates(digest, sig)

	// A custody that knows its account resolves the ambiguity of a compact
	// signature right away.
	hint, ok := s.signer.(crypto.AddressHinter)
	if ok {
		candidates = filter(candidates, hint.Address())
	}

	if len(candidates) == 0 {
		return vote.PendingVote{}, s.fail(xerrors.Errorf("preliminary signature: %w",
			secp256k1.ErrRecoveryFailed))
	}

	s.candidates = candidates
	s.pending = vote.NewPendingVote(intent, candidates[0], sig, s.clock.Now().Unix())
	s.moveTo(PreliminarySigned)

	s.logger.Debug().
		Uint64("proposal", intent.ProposalID).
		Stringer("support", intent.Support).
		Stringer("voter", candidates[0]).
		Int("candidates", len(candidates)).
		Msg("preliminary signature")

	return s.pending, nil
}

// Submit hands the pending vote to the log and waits for the sequence number.
func (s *Session) Submit(ctx context.Context) (vote.LoggedVote, error) {
	err := s.expect(PreliminarySigned)
	if err != nil {
		return vote.LoggedVote{}, err
	}

	s.moveTo(AwaitingSequence)

	data, err := s.pending.Message().Encode()
	if err != nil {
		return vote.LoggedVote{}, s.fail(err)
	}

	receipt, err := s.log.Submit(ctx, s.topicID, data)
	if err != nil {
		return vote.LoggedVote{}, s.fail(xerrors.Errorf("failed to submit: %v", err))
	}

	err = ctx.Err()
	if err != nil {
		return vote.LoggedVote{}, s.fail(xerrors.Errorf("submission aborted: %v", err))
	}

	if !ordering.IsAuthoritative(receipt) {
		s.logger.Warn().
			Stringer("receipt", receipt).
			Msg("sequence number is simulated, the vote is not authoritative")
	}

	s.logged = s.pending.Logged(receipt)

	return s.logged, nil
}

// SignFinal signs the digest that binds the voter and the sequence number.
func (s *Session) SignFinal(ctx context.Context) (vote.FinalizedVote, error) {
	err := s.expect(AwaitingSequence)
	if err != nil {
		return vote.FinalizedVote{}, err
	}

	if s.logged.Receipt == nil {
		return vote.FinalizedVote{}, xerrors.Errorf("vote not logged yet: %w", ErrInvalidTransition)
	}

	// The wallet is asked to sign for the most likely voter.
	first := s.candidates[0].Address()

	sig, err := s.sign(ctx, s.logged.Digest(first))
	if err != nil {
		return vote.FinalizedVote{}, s.fail(xerrors.Errorf("final signature: %w", err))
	}

	voter, err := secp256k1.RecoverWithCandidates(s.logged.Digest(first), sig, &first)
	if err == nil {
		return s.finalize(voter, sig), nil
	}

	signers := secp256k1.Candidates(s.logged.Digest(first), sig)

	// A compact preliminary signature has two candidates. The identity that
	// both signatures recover to is the voter, but the final signature was
	// made for the wrong one and must be made again.
	for _, candidate := range s.candidates[1:] {
		for _, signer := range signers {
			if signer.Equal(candidate) {
				s.logger.Debug().
					Stringer("voter", candidate).
					Msg("ambiguous preliminary signature resolved")

				return s.signFinalFor(ctx, candidate.Address())
			}
		}
	}

	if len(signers) == 0 {
		return vote.FinalizedVote{}, s.fail(xerrors.Errorf("final signature: %w",
			secp256k1.ErrRecoveryFailed))
	}

	// None of the preliminary identities signed: the account changed in
	// between.
	next := signers[0].Address()

	if s.confirm == nil || !s.confirm(first, next) {
		return vote.FinalizedVote{}, s.fail(xerrors.Errorf("expected %s but got %s: %w",
			first.Hex(), next.Hex(), ErrSignerMismatch))
	}

	s.logger.Warn().
		Stringer("previous", first).
		Stringer("next", next).
		Msg("signer change confirmed, signing again for the new account")

	return s.signFinalFor(ctx, next)
}

func (s *Session) signFinalFor(ctx context.Context, addr common.Address) (vote.FinalizedVote, error) {
	sig, err := s.sign(ctx, s.logged.Digest(addr))
	if err != nil {
		return vote.FinalizedVote{}, s.fail(xerrors.Errorf("final signature: %w", err))
	}

	voter, err := secp256k1.RecoverWithCandidates(s.logged.Digest(addr), sig, &addr)
	if err != nil {
		return vote.FinalizedVote{}, s.fail(xerrors.Errorf("%v: %w", err, ErrSignerMismatch))
	}

	return s.finalize(voter, sig), nil
}

// Publish submits the finalized vote to the log so that any member can tally
// it from the mirror. Only a vote bound to a sequence assigned by the log can
// be published, and the publication must be ordered by the log too. The
// session stays finalized whatever the outcome.
func (s *Session) Publish(ctx context.Context) (ordering.Receipt, error) {
	err := s.expect(FinalSigned)
	if err != nil {
		return nil, err
	}

	if !s.final.Authoritative() {
		return nil, xerrors.Errorf("vote bound to %v: %w", s.final.Receipt, ErrSimulatedSequence)
	}

	data, err := s.final.Message().Encode()
	if err != nil {
		return nil, err
	}

	receipt, err := s.log.Submit(ctx, s.topicID, data)
	if err != nil {
		return nil, xerrors.Errorf("failed to publish: %v", err)
	}

	if !ordering.IsAuthoritative(receipt) {
		return nil, xerrors.Errorf("publication got %v: %w", receipt, ErrSimulatedSequence)
	}

	s.logger.Info().Stringer("receipt", receipt).Msg("finalized vote published")

	return receipt, nil
}

// Finalized returns the finalized vote once the session is in the FinalSigned
// state.
func (s *Session) Finalized() (vote.FinalizedVote, bool) {
	return s.final, s.state == FinalSigned
}

// Cast runs the three mandatory steps of a session for the intent.
func Cast(ctx context.Context, s *Session, intent vote.Intent) (vote.FinalizedVote, error) {
	_, err := s.SignPreliminary(ctx, intent)
	if err != nil {
		return vote.FinalizedVote{}, err
	}

	_, err = s.Submit(ctx)
	if err != nil {
		return vote.FinalizedVote{}, err
	}

	return s.SignFinal(ctx)
}

func (s *Session) finalize(voter secp256k1.Recovered, sig secp256k1.Signature) vote.FinalizedVote {
	s.final = s.logged.Finalize(voter, sig)
	s.moveTo(FinalSigned)

	promSessions.WithLabelValues("finalized").Inc()

	s.logger.Info().
		Uint64("proposal", s.final.ProposalID).
		Stringer("voter", voter).
		Uint64("sequence", s.final.LogSequenceNumber).
		Bool("authoritative", s.final.Authoritative()).
		Msg("vote finalized")

	return s.final
}

// sign asks the capability to sign the digest and normalizes the result.
func (s *Session) sign(ctx context.Context, digest [32]byte) (secp256k1.Signature, error) {
	raw, err := s.signer.Sign(ctx, digest[:])
	if err != nil {
		return secp256k1.Signature{}, xerrors.Errorf("signer failed: %v", err)
	}

	err = ctx.Err()
	if err != nil {
		return secp256k1.Signature{}, xerrors.Errorf("signing aborted: %v", err)
	}

	return secp256k1.Normalize(raw)
}

func (s *Session) expect(state State) error {
	if s.state == Failed {
		return xerrors.Errorf("%v: %w", s.err, ErrSessionFailed)
	}

	if s.state != state {
		return xerrors.Errorf("state is %v, expected %v: %w", s.state, state, ErrInvalidTransition)
	}

	return nil
}

func (s *Session) fail(err error) error {
	s.moveTo(Failed)
	s.err = err

	promSessions.WithLabelValues("failed").Inc()

	s.logger.Error().Err(err).Msg("signing session failed")

	return err
}

func (s *Session) moveTo(state State) {
	from := s.state
	s.state = state

	s.watcher.Notify(Transition{Session: s.id, From: from, To: state})
}

func filter(candidates []secp256k1.Recovered, addr common.Address) []secp256k1.Recovered {
	res := make([]secp256k1.Recovered, 0, 1)

	for _, candidate := range candidates {
		if candidate.Address() == addr {
			res = append(res, candidate)
		}
	}

	return res
}

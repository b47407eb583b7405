// Package fake provides fake implementations for interfaces commonly used in
// the repository.
// The implementations offer configuration to return errors when it is needed by
// the unit test and it is also possible to record the call of functions of an
// object in some cases.
package fake

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/circlevote/core/ordering"
	"go.dedis.ch/circlevote/crypto/secp256k1"
	"go.dedis.ch/circlevote/vote"
	"golang.org/x/xerrors"
)

var fakeErr = xerrors.New("fake error")

// GetError returns the fake error.
func GetError() error {
	return fakeErr
}

// Err returns the expected message of an error wrapping the fake error.
func Err(msg string) string {
	return msg + ": " + fakeErr.Error()
}

// Call is a tool to keep track of a function calls.
type Call struct {
	sync.Mutex
	calls [][]interface{}
}

// Get returns the nth call ith parameter.
func (c *Call) Get(n, i int) interface{} {
	c.Lock()
	defer c.Unlock()

	return c.calls[n][i]
}

// Len returns the number of calls.
func (c *Call) Len() int {
	if c == nil {
		return 0
	}

	c.Lock()
	defer c.Unlock()

	return len(c.calls)
}

// Add adds a call to the list.
func (c *Call) Add(args ...interface{}) {
	if c == nil {
		return
	}

	c.Lock()
	c.calls = append(c.calls, args)
	c.Unlock()
}

// Signer is a fake signing capability. It signs with a list of keys, moving to
// the next key after each signature to mimic a wallet that switched accounts.
//
// - implements crypto.Signer
type Signer struct {
	keys    []secp256k1.KeySigner
	index   int
	raw     []byte
	rawAt   int
	compact bool
	err     error
	errAt   int
	call    *Call
}

// SignerOption is the type of options to create a fake signer.
type SignerOption func(*Signer)

// WithCompact makes the signer drop the recovery identifier.
func WithCompact() SignerOption {
	return func(s *Signer) {
		s.compact = true
	}
}

// WithSignError makes the nth signature (starting at 0) fail.
func WithSignError(n int) SignerOption {
	return func(s *Signer) {
		s.err = fakeErr
		s.errAt = n
	}
}

// WithCall records the calls to Sign.
func WithCall(call *Call) SignerOption {
	return func(s *Signer) {
		s.call = call
	}
}

// WithRawSignature makes the signer return a fixed payload.
func WithRawSignature(raw []byte) SignerOption {
	return func(s *Signer) {
		s.keys = nil
		s.raw = raw
	}
}

// WithRawSignatureAt makes the nth signature (starting at 0) return a fixed
// payload.
func WithRawSignatureAt(n int, raw []byte) SignerOption {
	return func(s *Signer) {
		s.raw = raw
		s.rawAt = n
	}
}

// NewSigner returns a fake signer that uses the keys in order, and then sticks
// to the last one.
func NewSigner(keys []secp256k1.KeySigner, opts ...SignerOption) *Signer {
	s := &Signer{
		keys:  keys,
		errAt: -1,
		rawAt: -1,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sign implements crypto.Signer.
func (s *Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	s.call.Add(msg)

	n := s.index
	s.index++

	if s.err != nil && n == s.errAt {
		return nil, s.err
	}

	if s.raw != nil && (s.rawAt < 0 || n == s.rawAt) {
		return s.raw, nil
	}

	key := s.keys[min(n, len(s.keys)-1)]

	sig, err := key.Sign(ctx, msg)
	if err != nil {
		return nil, err
	}

	if s.compact {
		return sig[:secp256k1.CompactLength], nil
	}

	return sig, nil
}

// Log is a fake implementation of the ordering log.
//
// - implements ordering.Log
type Log struct {
	Receipt   ordering.Receipt
	Err       error
	Available bool
	Messages  [][]byte
}

// NewLog returns a fake log that accepts every message with the sequence.
func NewLog(sequence uint64) *Log {
	return &Log{Receipt: ordering.NewAccepted(sequence), Available: true}
}

// NewBadLog returns a fake log that fails every submission.
func NewBadLog() *Log {
	return &Log{Err: fakeErr}
}

// Submit implements ordering.Log.
func (l *Log) Submit(ctx context.Context, topicID string, message []byte) (ordering.Receipt, error) {
	if l.Err != nil {
		return nil, l.Err
	}

	l.Messages = append(l.Messages, message)

	return l.Receipt, nil
}

// IsAvailable implements ordering.Log.
func (l *Log) IsAvailable(context.Context) bool {
	return l.Available
}

// Ledger is a fake ledger that returns a fixed receipt or error.
type Ledger struct {
	Receipt *types.Receipt
	Err     error
	Call    *Call
}

// Transact implements ledger.Ledger.
func (l *Ledger) Transact(ctx context.Context, calldata []byte) (*types.Receipt, error) {
	l.Call.Add(calldata)

	if l.Err != nil {
		return nil, l.Err
	}

	return l.Receipt, nil
}

// MakeKeys generates n signing keys.
func MakeKeys(t *testing.T, n int) []secp256k1.KeySigner {
	keys := make([]secp256k1.KeySigner, n)

	for i := range keys {
		key, err := secp256k1.GenerateKeySigner()
		require.NoError(t, err)

		keys[i] = key
	}

	return keys
}

// MakeVote returns a vote of the key finalized at the sequence number.
func MakeVote(t *testing.T, key secp256k1.KeySigner, proposal uint64,
	support vote.Support, seq uint64) vote.FinalizedVote {

	return MakeVoteWith(t, key, proposal, support, ordering.NewAccepted(seq))
}

// MakeVoteWith returns a vote of the key finalized with the receipt.
func MakeVoteWith(t *testing.T, key secp256k1.KeySigner, proposal uint64,
	support vote.Support, receipt ordering.Receipt) vote.FinalizedVote {

	pending := vote.PendingVote{
		ProposalID: proposal,
		Support:    support,
		Timestamp:  int64(1_700_000_000 + receipt.Sequence()),
	}

	logged := pending.Logged(receipt)

	addr := key.Address()
	digest := logged.Digest(addr)

	raw, err := key.Sign(context.Background(), digest[:])
	require.NoError(t, err)

	sig, err := secp256k1.Normalize(raw)
	require.NoError(t, err)

	voter, err := secp256k1.RecoverWithCandidates(digest, sig, &addr)
	require.NoError(t, err)

	return logged.Finalize(voter, sig)
}

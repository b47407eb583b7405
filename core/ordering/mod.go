// Package ordering defines the interface of the append-only ordered log. The
// log accepts messages on a topic and assigns each of them a strictly
// increasing sequence number.
//
// The result of a submission is a receipt which has two variants. An accepted
// receipt carries a sequence number assigned by the log. A simulated receipt
// carries a sequence number generated locally because the log could not be
// reached; it must never be presented as authoritative.
package ordering

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"
)

// ErrLogUnavailable is the cause of a simulated receipt.
var ErrLogUnavailable = xerrors.New("log unavailable")

// Log is the interface of the append-only ordered log.
type Log interface {
	// Submit appends the message to the topic and returns the receipt of the
	// submission. A submission is never retried: each successful call produces
	// a new entry.
	Submit(ctx context.Context, topicID string, message []byte) (Receipt, error)

	// IsAvailable returns true if the log can be reached.
	IsAvailable(ctx context.Context) bool
}

// Receipt is the result of a submission. It is either Accepted or Simulated.
type Receipt interface {
	// Sequence returns the sequence number of the message.
	Sequence() uint64

	fmt.Stringer

	isReceipt()
}

// Accepted is a receipt for a message ordered by the log.
//
// - implements ordering.Receipt
type Accepted struct {
	sequence uint64
}

// NewAccepted returns an accepted receipt for the sequence number.
func NewAccepted(sequence uint64) Accepted {
	return Accepted{sequence: sequence}
}

// Sequence implements ordering.Receipt.
func (r Accepted) Sequence() uint64 {
	return r.sequence
}

// String implements fmt.Stringer.
func (r Accepted) String() string {
	return fmt.Sprintf("accepted#%d", r.sequence)
}

func (Accepted) isReceipt() {}

// Simulated is a receipt produced locally when the log is unreachable.
//
// - implements ordering.Receipt
type Simulated struct {
	sequence uint64
	cause    error
}

// NewSimulated returns a simulated receipt for the sequence number.
func NewSimulated(sequence uint64, cause error) Simulated {
	return Simulated{sequence: sequence, cause: cause}
}

// Sequence implements ordering.Receipt.
func (r Simulated) Sequence() uint64 {
	return r.sequence
}

// Cause returns the transport error that triggered the fallback. It wraps
// ErrLogUnavailable.
func (r Simulated) Cause() error {
	return r.cause
}

// String implements fmt.Stringer.
func (r Simulated) String() string {
	return fmt.Sprintf("simulated#%d", r.sequence)
}

func (Simulated) isReceipt() {}

// IsAuthoritative returns true if the receipt was issued by the log.
func IsAuthoritative(r Receipt) bool {
	_, ok := r.(Accepted)
	return ok
}

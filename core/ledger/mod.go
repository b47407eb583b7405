// Package ledger defines the collaborator that executes the tally
// transactions.
package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger executes a call on the governance contract and returns the receipt
// once the transaction is included.
type Ledger interface {
	// Transact sends the ABI-encoded call data to the contract. A reverted
	// execution is returned as a RevertError.
	Transact(ctx context.Context, calldata []byte) (*types.Receipt, error)
}

// RevertError is returned when the execution of a transaction is reverted by
// the contract.
type RevertError struct {
	Reason string
}

// NewRevertError returns a revert error with the reason.
func NewRevertError(reason string) RevertError {
	return RevertError{Reason: reason}
}

// Error implements error.
func (e RevertError) Error() string {
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

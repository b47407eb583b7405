// Package eth implements the ledger over an Ethereum JSON-RPC endpoint.
package eth

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"go.dedis.ch/circlevote"
	"go.dedis.ch/circlevote/contracts/governance"
	"go.dedis.ch/circlevote/core/ledger"
	"golang.org/x/xerrors"
)

// unknownReason is the revert reason when the node does not return one.
const unknownReason = "unknown"

// Backend is the subset of the JSON-RPC client used by the ledger.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client is a ledger that sends the calls as transactions signed by a local
// key, and waits until they are mined.
//
// - implements ledger.Ledger
type Client struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	opts     bind.TransactOpts
	logger   zerolog.Logger
}

// Option is the type of options to create a client.
type Option func(*Client)

// WithGasLimit sets a fixed gas limit instead of the estimation of the node.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) {
		c.opts.GasLimit = limit
	}
}

// Dial connects to the endpoint and returns a client of the contract at the
// address.
func Dial(ctx context.Context, endpoint string, address common.Address,
	key *ecdsa.PrivateKey, opts ...Option) (*Client, error) {

	backend, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial: %v", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, xerrors.Errorf("failed to read chain id: %v", err)
	}

	return NewClient(backend, address, key, chainID, opts...)
}

// NewClient returns a client of the contract at the address that signs the
// transactions with the key.
func NewClient(backend Backend, address common.Address, key *ecdsa.PrivateKey,
	chainID *big.Int, opts ...Option) (*Client, error) {

	transactOpts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, xerrors.Errorf("failed to create transactor: %v", err)
	}

	c := &Client{
		backend:  backend,
		contract: bind.NewBoundContract(address, governance.ParsedABI, backend, backend, backend),
		address:  address,
		opts:     *transactOpts,
		logger:   circlevote.Logger.With().Str("component", "eth").Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Transact implements ledger.Ledger. The call is first simulated so that a
// revert is reported before any fee is spent.
func (c *Client) Transact(ctx context.Context, calldata []byte) (*types.Receipt, error) {
	msg := ethereum.CallMsg{
		From: c.opts.From,
		To:   &c.address,
		Data: calldata,
	}

	_, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		reason, found := revertReason(err)
		if found {
			return nil, ledger.NewRevertError(reason)
		}

		return nil, xerrors.Errorf("failed to simulate call: %v", err)
	}

	opts := c.opts
	opts.Context = ctx

	tx, err := c.contract.RawTransact(&opts, calldata)
	if err != nil {
		return nil, xerrors.Errorf("failed to send transaction: %v", err)
	}

	c.logger.Info().Stringer("tx", tx.Hash()).Msg("transaction sent")

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, xerrors.Errorf("failed to wait for %s: %v", tx.Hash().Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		// Replay the call in its block to read the reason.
		reason := unknownReason

		_, err = c.backend.CallContract(ctx, msg, receipt.BlockNumber)
		if err != nil {
			replayed, found := revertReason(err)
			if found {
				reason = replayed
			}
		}

		return nil, ledger.NewRevertError(reason)
	}

	return receipt, nil
}

// revertReason extracts the reason of a revert from the error data returned
// by the node.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError

	if !xerrors.As(err, &dataErr) {
		return "", false
	}

	text, ok := dataErr.ErrorData().(string)
	if !ok {
		return "", false
	}

	data, err := hexutil.Decode(text)
	if err != nil {
		return "", false
	}

	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return unknownReason, true
	}

	return reason, true
}

package eth

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/circlevote/core/ledger"
	"go.dedis.ch/circlevote/internal/testing/fake"
	"golang.org/x/xerrors"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c1c1e")

func TestClient_Transact(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}

	client, err := NewClient(backend, contractAddr, key, big.NewInt(1337))
	require.NoError(t, err)

	receipt, err := client.Transact(context.Background(), []byte{0xca, 0xfe})
	require.NoError(t, err)
	require.Equal(t, uint64(42000), receipt.GasUsed)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, receipt.TxHash, tx.Hash())
	require.Equal(t, contractAddr, *tx.To())
	require.Equal(t, []byte{0xca, 0xfe}, tx.Data())
	require.Equal(t, uint64(3), tx.Nonce())
	require.Equal(t, uint64(100000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
	require.Equal(t, sender, backend.calls[0].From)
}

func TestClient_Transact_GasLimit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}

	client, err := NewClient(backend, contractAddr, key, big.NewInt(1), WithGasLimit(5_000_000))
	require.NoError(t, err)

	_, err = client.Transact(context.Background(), []byte{1})
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), backend.sent[0].Gas())
}

func TestClient_Transact_Reverted(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{callErr: makeRevert(t, "invalid signature")}

	client, err := NewClient(backend, contractAddr, key, big.NewInt(1))
	require.NoError(t, err)

	_, err = client.Transact(context.Background(), []byte{1})

	var revert ledger.RevertError
	require.True(t, xerrors.As(err, &revert))
	require.Equal(t, "invalid signature", revert.Reason)
	require.Empty(t, backend.sent)
}

func TestClient_Transact_FailedReceipt(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{
		status:    types.ReceiptStatusFailed,
		replayErr: makeRevert(t, "proposal closed"),
	}

	client, err := NewClient(backend, contractAddr, key, big.NewInt(1))
	require.NoError(t, err)

	_, err = client.Transact(context.Background(), []byte{1})
	require.EqualError(t, err, "execution reverted: proposal closed")
	require.Len(t, backend.calls, 2)
	require.Equal(t, big.NewInt(7), backend.blocks[1])

	backend.replayErr = nil

	_, err = client.Transact(context.Background(), []byte{1})
	require.EqualError(t, err, "execution reverted: unknown")
}

func TestClient_Transact_Failures(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{callErr: fake.GetError()}

	client, err := NewClient(backend, contractAddr, key, big.NewInt(1))
	require.NoError(t, err)

	_, err = client.Transact(context.Background(), []byte{1})
	require.EqualError(t, err, fake.Err("failed to simulate call"))

	backend.callErr = nil
	backend.sendErr = fake.GetError()

	_, err = client.Transact(context.Background(), []byte{1})
	require.EqualError(t, err, fake.Err("failed to send transaction"))

	backend.sendErr = nil
	backend.receiptErr = fake.GetError()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Transact(ctx, []byte{1})
	require.Error(t, err)
}

func TestRevertReason(t *testing.T) {
	_, found := revertReason(fake.GetError())
	require.False(t, found)

	_, found = revertReason(rpcError{data: 42})
	require.False(t, found)

	_, found = revertReason(rpcError{data: "0xzz"})
	require.False(t, found)

	reason, found := revertReason(rpcError{data: "0x01020304"})
	require.True(t, found)
	require.Equal(t, unknownReason, reason)

	reason, found = revertReason(xerrors.Errorf("wrapped: %w", makeRevert(t, "oops")))
	require.True(t, found)
	require.Equal(t, "oops", reason)
}

func TestDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "eth_chainId", req.Method)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x539",
		})
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := Dial(context.Background(), srv.URL, contractAddr, key)
	require.NoError(t, err)
	require.Equal(t, contractAddr, client.address)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), client.opts.From)

	_, err = Dial(context.Background(), "ftp://localhost", contractAddr, key)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to dial: ")
}

// -----------------------------------------------------------------------------
// Utility functions

func makeRevert(t *testing.T, reason string) error {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)

	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("Error(string)"))[:4]

	return rpcError{data: hexutil.Encode(append(selector, packed...))}
}

type rpcError struct {
	data interface{}
}

func (e rpcError) Error() string {
	return "execution reverted"
}

func (e rpcError) ErrorCode() int {
	return 3
}

func (e rpcError) ErrorData() interface{} {
	return e.data
}

type fakeBackend struct {
	bind.ContractBackend

	status     uint64
	callErr    error
	replayErr  error
	sendErr    error
	receiptErr error
	calls      []ethereum.CallMsg
	blocks     []*big.Int
	sent       []*types.Transaction
}

func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.calls = append(b.calls, msg)
	b.blocks = append(b.blocks, block)

	if block != nil {
		return nil, b.replayErr
	}

	return nil, b.callErr
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(6), BaseFee: big.NewInt(1e9)}, nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2e9), nil
}

func (b *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 3, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}

	b.sent = append(b.sent, tx)

	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}

	return &types.Receipt{
		Status:      b.status,
		TxHash:      hash,
		GasUsed:     42000,
		BlockNumber: big.NewInt(7),
	}, nil
}

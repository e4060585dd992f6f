package custody

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRPCClientProvisionAndRelease(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int64             `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req.Method)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "custody_provisionAddress":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"address":"0xabc"}}`))
		case "custody_release":
			var params ReleaseRequest
			require.NoError(t, json.Unmarshal(req.Params[0], &params))
			require.Equal(t, params.MilestoneID.String(), params.IdempotencyKey)
			require.Equal(t, "150.075", params.Amount.String())
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2,"result":{"txHash":"0xrelease"}}`))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`))
		}
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "token", time.Second)
	addr, err := client.Provision(context.Background(), ProvisionRequest{ContractID: uuid.New(), TotalAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, "0xabc", addr)

	proof, err := client.Release(context.Background(), ReleaseRequest{
		ContractID:  uuid.New(),
		MilestoneID: uuid.New(),
		Amount:      decimal.RequireFromString("150.075"),
	})
	require.NoError(t, err)
	require.Equal(t, "0xrelease", proof)

	err = client.call(context.Background(), "custody_unknown", []any{}, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
	require.Equal(t, []string{"custody_provisionAddress", "custody_release", "custody_unknown"}, seen)
}

func TestRPCClientHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewRPCClient(srv.URL, "", time.Second).Provision(context.Background(), ProvisionRequest{})
	require.ErrorContains(t, err, "status=503")
}

func TestStaticProvisioner(t *testing.T) {
	addr, err := StaticProvisioner{Address: " 0xfeed "}.Provision(context.Background(), ProvisionRequest{})
	require.NoError(t, err)
	require.Equal(t, "0xfeed", addr)
	_, err = StaticProvisioner{}.Provision(context.Background(), ProvisionRequest{})
	require.Error(t, err)
}

type fakeEVM struct {
	receipt *gethtypes.Receipt
	err     error
	head    int64
}

func (f *fakeEVM) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return f.receipt, f.err
}

func (f *fakeEVM) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(f.head)}, nil
}

func transferLog(token, to common.Address, amount *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(common.HexToAddress("0x01").Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func TestEVMFundingVerifier(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	settlement := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	txHash := "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{1}, 32))
	req := FundingRequest{
		ContractID:        uuid.New(),
		SettlementAddress: settlement.Hex(),
		Amount:            decimal.RequireFromString("1000.5"),
		Proof:             txHash,
	}
	client := &fakeEVM{
		head: 110,
		receipt: &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*gethtypes.Log{transferLog(token, settlement, big.NewInt(1_000_500_000))},
		},
	}
	verifier, err := NewEVMFundingVerifier(client, token.Hex(), 6, 5)
	require.NoError(t, err)
	require.NoError(t, verifier.VerifyFunding(context.Background(), req))

	wrongAmount := req
	wrongAmount.Amount = decimal.NewFromInt(1000)
	require.ErrorIs(t, verifier.VerifyFunding(context.Background(), wrongAmount), ErrProofRejected)

	badProof := req
	badProof.Proof = "receipt-123"
	require.ErrorIs(t, verifier.VerifyFunding(context.Background(), badProof), ErrProofRejected)

	client.head = 101
	require.ErrorIs(t, verifier.VerifyFunding(context.Background(), req), ErrProofRejected)

	client.receipt = nil
	client.err = ethereum.NotFound
	require.ErrorIs(t, verifier.VerifyFunding(context.Background(), req), ErrProofRejected)

	client.err = errors.New("connection refused")
	err = verifier.VerifyFunding(context.Background(), req)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrProofRejected))
}

func TestNewEVMFundingVerifierValidation(t *testing.T) {
	_, err := NewEVMFundingVerifier(nil, "0x00000000000000000000000000000000000000aa", 6, 1)
	require.Error(t, err)
	_, err = NewEVMFundingVerifier(&fakeEVM{}, "usdc", 6, 1)
	require.Error(t, err)
}

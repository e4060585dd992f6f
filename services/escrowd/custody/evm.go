package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient defines the subset of the Ethereum RPC used by the verifier.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMFundingVerifier accepts a funding proof when it is the hash of a
// successful, sufficiently confirmed ERC-20 transfer of exactly the contract
// total to the contract's settlement address. Over and under payments are
// rejected and left to operators.
type EVMFundingVerifier struct {
	client        EVMClient
	token         common.Address
	decimals      int32
	confirmations uint64
}

// NewEVMFundingVerifier constructs a verifier for the given token contract.
func NewEVMFundingVerifier(client EVMClient, token string, decimals int32, confirmations uint64) (*EVMFundingVerifier, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if !common.IsHexAddress(strings.TrimSpace(token)) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("token decimals %d out of range", decimals)
	}
	return &EVMFundingVerifier{
		client:        client,
		token:         common.HexToAddress(strings.TrimSpace(token)),
		decimals:      decimals,
		confirmations: confirmations,
	}, nil
}

// VerifyFunding checks the proof on chain. Invalid proofs wrap
// ErrProofRejected; RPC failures are returned unwrapped.
func (v *EVMFundingVerifier) VerifyFunding(ctx context.Context, req FundingRequest) error {
	if v == nil || v.client == nil {
		return fmt.Errorf("evm verifier not initialised")
	}
	proof := strings.TrimSpace(req.Proof)
	if len(proof) != 66 || !strings.HasPrefix(proof, "0x") {
		return fmt.Errorf("%w: proof %q is not a transaction hash", ErrProofRejected, proof)
	}
	if !common.IsHexAddress(req.SettlementAddress) {
		return fmt.Errorf("%w: settlement address %q is not an EVM address", ErrProofRejected, req.SettlementAddress)
	}
	scaled := req.Amount.Shift(v.decimals)
	if !scaled.IsPositive() || !scaled.Equal(scaled.Truncate(0)) {
		return fmt.Errorf("%w: amount %s not representable with %d decimals", ErrProofRejected, req.Amount, v.decimals)
	}
	txHash := common.HexToHash(proof)
	collector := common.HexToAddress(req.SettlementAddress)
	amount := scaled.BigInt()

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("%w: transaction %s not found", ErrProofRejected, txHash.Hex())
		}
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return fmt.Errorf("transaction receipt missing")
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: transaction %s failed", ErrProofRejected, txHash.Hex())
	}
	if v.confirmations > 0 {
		header, err := v.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return fmt.Errorf("block metadata unavailable")
		}
		if header.Number.Cmp(receipt.BlockNumber) < 0 {
			return fmt.Errorf("transaction block ahead of head")
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(v.confirmations)) < 0 {
			return fmt.Errorf("%w: insufficient confirmations: have %s want %d", ErrProofRejected, confirmed.String(), v.confirmations)
		}
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != v.token || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != collector {
			continue
		}
		if new(big.Int).SetBytes(log.Data).Cmp(amount) == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching transfer of %s to %s in %s", ErrProofRejected, req.Amount, collector.Hex(), txHash.Hex())
}

// Package custody talks to the components that hold and move escrowed funds.
// The settlement engine only records authorisation to release; these clients
// provision settlement addresses, verify funding proofs and trigger releases.
package custody

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrProofRejected marks funding proofs that were checked and found invalid,
// as opposed to transport failures while checking them.
var ErrProofRejected = errors.New("custody: funding proof rejected")

// ProvisionRequest asks for a settlement address for a new contract.
type ProvisionRequest struct {
	ContractID  uuid.UUID       `json:"contractId"`
	CreatorID   string          `json:"creatorId"`
	MakerID     string          `json:"makerId"`
	Currency    string          `json:"currency"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// FundingRequest describes a funding proof to verify.
type FundingRequest struct {
	ContractID        uuid.UUID
	SettlementAddress string
	Currency          string
	Amount            decimal.Decimal
	Proof             string
}

// ReleaseRequest asks custody to pay out an approved milestone. Custody must
// treat IdempotencyKey as the deduplication key.
type ReleaseRequest struct {
	ContractID        uuid.UUID       `json:"contractId"`
	MilestoneID       uuid.UUID       `json:"milestoneId"`
	SettlementAddress string          `json:"settlementAddress"`
	Beneficiary       string          `json:"beneficiary"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	IdempotencyKey    string          `json:"idempotencyKey"`
}

// StaticProvisioner hands out the same pre-deployed settlement address for
// every contract.
type StaticProvisioner struct {
	Address string
}

// Provision returns the configured address.
func (p StaticProvisioner) Provision(context.Context, ProvisionRequest) (string, error) {
	addr := strings.TrimSpace(p.Address)
	if addr == "" {
		return "", errors.New("custody: static settlement address not configured")
	}
	return addr, nil
}

// ProvisionerFunc adapts a function to the provisioner contract.
type ProvisionerFunc func(ctx context.Context, req ProvisionRequest) (string, error)

// Provision delegates to the wrapped function.
func (f ProvisionerFunc) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	return f(ctx, req)
}

// VerifierFunc adapts a function to the funding verifier contract.
type VerifierFunc func(ctx context.Context, req FundingRequest) error

// VerifyFunding delegates to the wrapped function.
func (f VerifierFunc) VerifyFunding(ctx context.Context, req FundingRequest) error {
	return f(ctx, req)
}

// ReleaserFunc adapts a function to the releaser contract.
type ReleaserFunc func(ctx context.Context, req ReleaseRequest) (string, error)

// Release delegates to the wrapped function.
func (f ReleaserFunc) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	return f(ctx, req)
}

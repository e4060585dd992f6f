package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContractStatus represents the lifecycle of an escrow contract.
type ContractStatus string

const (
	// ContractCreated marks contracts persisted but not yet funded.
	ContractCreated ContractStatus = "created"
	// ContractFunded marks contracts whose funding proof was accepted. The
	// first milestone is in progress.
	ContractFunded ContractStatus = "funded"
	// ContractInProgress marks contracts where at least one milestone has
	// reported completed work.
	ContractInProgress ContractStatus = "in_progress"
	// ContractCompleted marks contracts whose milestones are all approved.
	// Completed contracts are immutable.
	ContractCompleted ContractStatus = "completed"
	// ContractDisputed marks contracts halted by a milestone dispute.
	ContractDisputed ContractStatus = "disputed"
	// ContractCancelled marks contracts that were cancelled before completion.
	ContractCancelled ContractStatus = "cancelled"
)

// Valid reports whether the status value is one of the supported states.
func (s ContractStatus) Valid() bool {
	switch s {
	case ContractCreated, ContractFunded, ContractInProgress, ContractCompleted, ContractDisputed, ContractCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether milestones of a contract in this status may progress.
func (s ContractStatus) Active() bool {
	return s == ContractFunded || s == ContractInProgress
}

// PartyRole selects which side of a contract a party id is matched against.
type PartyRole string

const (
	RoleCreator PartyRole = "creator"
	RoleMaker   PartyRole = "maker"
)

// ParsePartyRole normalises a role string.
func ParsePartyRole(raw string) (PartyRole, error) {
	switch PartyRole(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCreator:
		return RoleCreator, nil
	case RoleMaker:
		return RoleMaker, nil
	default:
		return "", fmt.Errorf("%w: unsupported party role %q", ErrValidation, raw)
	}
}

// DefaultCurrency is used when a proposal does not name one.
const DefaultCurrency = "USDC"

// Contract is the aggregate root of one escrow agreement between a Creator and
// a Maker. Milestones are owned by the contract and kept sorted by Order.
type Contract struct {
	ID                uuid.UUID
	TotalAmount       decimal.Decimal
	Currency          string
	Status            ContractStatus
	CreatorID         string
	MakerID           string
	SettlementAddress string
	FundingProof      string
	FundedAt          *time.Time
	CompletedAt       *time.Time
	CancelReason      string
	CancelledAt       *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Milestones        []*Milestone
}

// Clone returns a deep copy so callers can mutate the copy freely.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	clone.FundedAt = cloneTime(c.FundedAt)
	clone.CompletedAt = cloneTime(c.CompletedAt)
	clone.CancelledAt = cloneTime(c.CancelledAt)
	if len(c.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(c.Milestones))
		for i, m := range c.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// FindMilestone returns the milestone with the supplied identifier.
func (c *Contract) FindMilestone(id uuid.UUID) *Milestone {
	if c == nil {
		return nil
	}
	for _, m := range c.Milestones {
		if m != nil && m.ID == id {
			return m
		}
	}
	return nil
}

// HasParty reports whether the party id is the creator or the maker.
func (c *Contract) HasParty(partyID string) bool {
	if c == nil {
		return false
	}
	trimmed := strings.TrimSpace(partyID)
	return trimmed != "" && (trimmed == c.CreatorID || trimmed == c.MakerID)
}

// InProgress returns the milestone currently being worked on, if any.
func (c *Contract) InProgress() *Milestone {
	if c == nil {
		return nil
	}
	for _, m := range c.Milestones {
		if m != nil && m.Status == MilestoneInProgress {
			return m
		}
	}
	return nil
}

// allApproved reports whether every milestone is approved. An empty ledger is
// never considered settled.
func (c *Contract) allApproved() bool {
	if c == nil || len(c.Milestones) == 0 {
		return false
	}
	for _, m := range c.Milestones {
		if m == nil || m.Status != MilestoneApproved {
			return false
		}
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

package escrow

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeContractCreated    = "escrow.created"
	EventTypeContractFunded     = "escrow.funded"
	EventTypeContractDisputed   = "escrow.disputed"
	EventTypeContractCompleted  = "escrow.completed"
	EventTypeContractCancelled  = "escrow.cancelled"
	EventTypeMilestoneStarted   = "escrow.milestone.started"
	EventTypeMilestoneCompleted = "escrow.milestone.completed"
	EventTypeMilestoneApproved  = "escrow.milestone.approved"
	EventTypeMilestoneDisputed  = "escrow.milestone.disputed"
)

// Event records a single state change. Events are appended to the audit trail
// in the same transaction as the change and fanned out to subscribers after
// commit.
type Event struct {
	Type        string
	ContractID  uuid.UUID
	MilestoneID uuid.UUID
	Actor       string
	Attributes  map[string]string
	OccurredAt  time.Time
}

// HasMilestone reports whether the event refers to a milestone.
func (e Event) HasMilestone() bool {
	return e.MilestoneID != uuid.Nil
}

func newContractEvent(eventType string, c *Contract, at time.Time) Event {
	attrs := map[string]string{
		"contractId": c.ID.String(),
		"status":     string(c.Status),
		"total":      c.TotalAmount.String(),
		"currency":   c.Currency,
		"creator":    c.CreatorID,
		"maker":      c.MakerID,
	}
	if c.FundingProof != "" {
		attrs["fundingProof"] = c.FundingProof
	}
	if c.CancelReason != "" {
		attrs["reason"] = c.CancelReason
	}
	return Event{Type: eventType, ContractID: c.ID, Attributes: attrs, OccurredAt: at}
}

func newMilestoneEvent(eventType string, c *Contract, m *Milestone, at time.Time) Event {
	attrs := map[string]string{
		"contractId":  c.ID.String(),
		"milestoneId": m.ID.String(),
		"order":       strconv.Itoa(m.Order),
		"status":      string(m.Status),
		"amount":      m.Amount.String(),
		"currency":    c.Currency,
	}
	if m.SettlementProof != "" {
		attrs["settlementProof"] = m.SettlementProof
	}
	if m.DisputeReason != "" {
		attrs["reason"] = m.DisputeReason
		attrs["disputeSource"] = string(m.DisputeSource)
	}
	return Event{Type: eventType, ContractID: c.ID, MilestoneID: m.ID, Attributes: attrs, OccurredAt: at}
}

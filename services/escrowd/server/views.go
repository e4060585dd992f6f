package server

import (
	"time"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/store"
)

// ContractView is the JSON representation of a contract.
type ContractView struct {
	ID                string          `json:"id"`
	CreatorID         string          `json:"creator_id"`
	MakerID           string          `json:"maker_id"`
	TotalAmount       string          `json:"total_amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	SettlementAddress string          `json:"settlement_address"`
	FundingProof      string          `json:"funding_proof,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FundedAt          *time.Time      `json:"funded_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	Milestones        []MilestoneView `json:"milestones"`
}

// MilestoneView is the JSON representation of a milestone.
type MilestoneView struct {
	ID              string     `json:"id"`
	ContractID      string     `json:"contract_id"`
	Order           int        `json:"order"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Percentage      string     `json:"percentage"`
	Amount          string     `json:"amount"`
	Status          string     `json:"status"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	SettlementProof string     `json:"settlement_proof,omitempty"`
	DisputeReason   string     `json:"dispute_reason,omitempty"`
	DisputedAt      *time.Time `json:"disputed_at,omitempty"`
}

// StatsView is the JSON representation of contract stats.
type StatsView struct {
	ContractID         string `json:"contract_id"`
	Status             string `json:"status"`
	Currency           string `json:"currency"`
	TotalMilestones    int    `json:"total_milestones"`
	CompletedCount     int    `json:"completed_count"`
	ApprovedCount      int    `json:"approved_count"`
	DisputedCount      int    `json:"disputed_count"`
	TotalAmount        string `json:"total_amount"`
	ReleasedAmount     string `json:"released_amount"`
	RemainingAmount    string `json:"remaining_amount"`
	ProgressPercentage string `json:"progress_percentage"`
}

// EventView is the JSON representation of an audit event.
type EventView struct {
	Type        string            `json:"type"`
	ContractID  string            `json:"contract_id"`
	MilestoneID string            `json:"milestone_id,omitempty"`
	Actor       string            `json:"actor"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// OverdueView describes an in-progress milestone past its due date.
type OverdueView struct {
	Milestone MilestoneView `json:"milestone"`
	CreatorID string        `json:"creator_id"`
	MakerID   string        `json:"maker_id"`
}

func contractView(c *escrow.Contract) ContractView {
	view := ContractView{
		ID:                c.ID.String(),
		CreatorID:         c.CreatorID,
		MakerID:           c.MakerID,
		TotalAmount:       c.TotalAmount.StringFixed(escrow.AmountScale),
		Currency:          c.Currency,
		Status:            string(c.Status),
		SettlementAddress: c.SettlementAddress,
		FundingProof:      c.FundingProof,
		CancelReason:      c.CancelReason,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		FundedAt:          c.FundedAt,
		CompletedAt:       c.CompletedAt,
		CancelledAt:       c.CancelledAt,
		Milestones:        make([]MilestoneView, 0, len(c.Milestones)),
	}
	for _, ms := range c.Milestones {
		if ms != nil {
			view.Milestones = append(view.Milestones, milestoneView(ms))
		}
	}
	return view
}

func milestoneView(m *escrow.Milestone) MilestoneView {
	return MilestoneView{
		ID:              m.ID.String(),
		ContractID:      m.ContractID.String(),
		Order:           m.Order,
		Name:            m.Name,
		Description:     m.Description,
		Percentage:      m.Percentage.String(),
		Amount:          m.Amount.StringFixed(escrow.AmountScale),
		Status:          string(m.Status),
		DueDate:         m.DueDate,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		ApprovedAt:      m.ApprovedAt,
		SettlementProof: m.SettlementProof,
		DisputeReason:   m.DisputeReason,
		DisputedAt:      m.DisputedAt,
	}
}

func statsView(s escrow.Stats) StatsView {
	return StatsView{
		ContractID:         s.ContractID.String(),
		Status:             string(s.Status),
		Currency:           s.Currency,
		TotalMilestones:    s.TotalMilestones,
		CompletedCount:     s.CompletedCount,
		ApprovedCount:      s.ApprovedCount,
		DisputedCount:      s.DisputedCount,
		TotalAmount:        s.TotalAmount.StringFixed(escrow.AmountScale),
		ReleasedAmount:     s.ReleasedAmount.StringFixed(escrow.AmountScale),
		RemainingAmount:    s.RemainingAmount.StringFixed(escrow.AmountScale),
		ProgressPercentage: s.ProgressPercentage.StringFixed(2),
	}
}

func eventViews(events []escrow.Event) []EventView {
	out := make([]EventView, len(events))
	for i, ev := range events {
		out[i] = EventView{
			Type:       ev.Type,
			ContractID: ev.ContractID.String(),
			Actor:      ev.Actor,
			Attributes: ev.Attributes,
			OccurredAt: ev.OccurredAt,
		}
		if ev.HasMilestone() {
			out[i].MilestoneID = ev.MilestoneID.String()
		}
	}
	return out
}

func overdueViews(items []store.OverdueMilestone) []OverdueView {
	out := make([]OverdueView, 0, len(items))
	for _, item := range items {
		if item.Milestone == nil {
			continue
		}
		out = append(out, OverdueView{
			Milestone: milestoneView(item.Milestone),
			CreatorID: item.CreatorID,
			MakerID:   item.MakerID,
		})
	}
	return out
}

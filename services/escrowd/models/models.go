package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

// Contract is the persisted escrow aggregate root.
type Contract struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	Currency          string          `gorm:"size:16;not null"`
	Status            string          `gorm:"size:32;index;not null"`
	CreatorID         string          `gorm:"size:128;index;not null"`
	MakerID           string          `gorm:"size:128;index;not null"`
	SettlementAddress string          `gorm:"size:128"`
	FundingProof      string          `gorm:"size:256;uniqueIndex:idx_contract_funding_proof,where:funding_proof <> ''"`
	FundedAt          *time.Time
	CompletedAt       *time.Time
	CancelReason      string `gorm:"size:512"`
	CancelledAt       *time.Time
	Version           int64     `gorm:"not null;default:1"`
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
	Milestones        []Milestone `gorm:"foreignKey:ContractID"`
}

// TableName pins the table name.
func (Contract) TableName() string { return "escrow_contracts" }

// Milestone is one persisted ledger row.
type Milestone struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ContractID      uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_milestone_position"`
	Position        int             `gorm:"not null;uniqueIndex:idx_milestone_position"`
	Name            string          `gorm:"size:128;not null"`
	Description     string          `gorm:"type:text"`
	DueDate         *time.Time      `gorm:"index"`
	Percentage      decimal.Decimal `gorm:"type:decimal(11,8);not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(32,8);not null"`
	Status          string          `gorm:"size:32;index;not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ApprovedAt      *time.Time
	SettlementProof string `gorm:"size:256"`
	DisputeReason   string `gorm:"size:1024"`
	DisputedAt      *time.Time
	DisputeSource   string `gorm:"size:32"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the table name.
func (Milestone) TableName() string { return "escrow_milestones" }

// Event is the append-only audit trail of state changes.
type Event struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	ContractID  uuid.UUID  `gorm:"type:uuid;index;not null"`
	MilestoneID *uuid.UUID `gorm:"type:uuid;index"`
	Type        string     `gorm:"size:64;not null"`
	Actor       string     `gorm:"size:128"`
	Attributes  string     `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName pins the table name.
func (Event) TableName() string { return "escrow_events" }

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	Subject     string `gorm:"size:128"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Contract{},
		&Milestone{},
		&Event{},
		&IdempotencyKey{},
	)
}

// ToDomain converts a persisted contract with its milestones into the domain
// aggregate. Milestones are sorted by position.
func (c *Contract) ToDomain() *escrow.Contract {
	if c == nil {
		return nil
	}
	out := &escrow.Contract{
		ID:                c.ID,
		TotalAmount:       c.TotalAmount,
		Currency:          c.Currency,
		Status:            escrow.ContractStatus(c.Status),
		CreatorID:         c.CreatorID,
		MakerID:           c.MakerID,
		SettlementAddress: c.SettlementAddress,
		FundingProof:      c.FundingProof,
		FundedAt:          utcPtr(c.FundedAt),
		CompletedAt:       utcPtr(c.CompletedAt),
		CancelReason:      c.CancelReason,
		CancelledAt:       utcPtr(c.CancelledAt),
		Version:           c.Version,
		CreatedAt:         c.CreatedAt.UTC(),
		UpdatedAt:         c.UpdatedAt.UTC(),
		Milestones:        make([]*escrow.Milestone, 0, len(c.Milestones)),
	}
	rows := append([]Milestone(nil), c.Milestones...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	for i := range rows {
		out.Milestones = append(out.Milestones, rows[i].ToDomain())
	}
	return out
}

// ToDomain converts a persisted milestone.
func (m *Milestone) ToDomain() *escrow.Milestone {
	return &escrow.Milestone{
		ID:              m.ID,
		ContractID:      m.ContractID,
		Order:           m.Position,
		Name:            m.Name,
		Description:     m.Description,
		DueDate:         utcPtr(m.DueDate),
		Percentage:      m.Percentage,
		Amount:          m.Amount,
		Status:          escrow.MilestoneStatus(m.Status),
		StartedAt:       utcPtr(m.StartedAt),
		CompletedAt:     utcPtr(m.CompletedAt),
		ApprovedAt:      utcPtr(m.ApprovedAt),
		SettlementProof: m.SettlementProof,
		DisputeReason:   m.DisputeReason,
		DisputedAt:      utcPtr(m.DisputedAt),
		DisputeSource:   escrow.DisputeSource(m.DisputeSource),
	}
}

// FromDomain converts the aggregate into rows. Milestones are returned on the
// contract row.
func FromDomain(c *escrow.Contract) Contract {
	row := Contract{
		ID:                c.ID,
		TotalAmount:       c.TotalAmount,
		Currency:          c.Currency,
		Status:            string(c.Status),
		CreatorID:         c.CreatorID,
		MakerID:           c.MakerID,
		SettlementAddress: c.SettlementAddress,
		FundingProof:      c.FundingProof,
		FundedAt:          c.FundedAt,
		CompletedAt:       c.CompletedAt,
		CancelReason:      c.CancelReason,
		CancelledAt:       c.CancelledAt,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		Milestones:        make([]Milestone, 0, len(c.Milestones)),
	}
	for _, m := range c.Milestones {
		row.Milestones = append(row.Milestones, MilestoneFromDomain(m, c.UpdatedAt))
	}
	return row
}

// MilestoneFromDomain converts a single domain milestone.
func MilestoneFromDomain(m *escrow.Milestone, updatedAt time.Time) Milestone {
	return Milestone{
		ID:              m.ID,
		ContractID:      m.ContractID,
		Position:        m.Order,
		Name:            m.Name,
		Description:     m.Description,
		DueDate:         m.DueDate,
		Percentage:      m.Percentage,
		Amount:          m.Amount,
		Status:          string(m.Status),
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		ApprovedAt:      m.ApprovedAt,
		SettlementProof: m.SettlementProof,
		DisputeReason:   m.DisputeReason,
		DisputedAt:      m.DisputedAt,
		DisputeSource:   string(m.DisputeSource),
		UpdatedAt:       updatedAt,
	}
}

// EventFromDomain converts an engine event into an audit row.
func EventFromDomain(ev escrow.Event) (Event, error) {
	row := Event{
		ContractID: ev.ContractID,
		Type:       ev.Type,
		Actor:      ev.Actor,
		CreatedAt:  ev.OccurredAt,
	}
	if ev.HasMilestone() {
		id := ev.MilestoneID
		row.MilestoneID = &id
	}
	if len(ev.Attributes) > 0 {
		payload, err := json.Marshal(ev.Attributes)
		if err != nil {
			return Event{}, err
		}
		row.Attributes = string(payload)
	}
	return row, nil
}

// ToDomain converts an audit row back into an engine event.
func (e *Event) ToDomain() (escrow.Event, error) {
	ev := escrow.Event{
		Type:       e.Type,
		ContractID: e.ContractID,
		Actor:      e.Actor,
		OccurredAt: e.CreatedAt.UTC(),
	}
	if e.MilestoneID != nil {
		ev.MilestoneID = *e.MilestoneID
	}
	if e.Attributes != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &ev.Attributes); err != nil {
			return escrow.Event{}, err
		}
	}
	return ev, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus string

const (
	// MilestonePending marks milestones waiting for earlier work to settle.
	MilestonePending MilestoneStatus = "pending"
	// MilestoneInProgress marks the single milestone currently being worked on.
	MilestoneInProgress MilestoneStatus = "in_progress"
	// MilestoneCompleted marks milestones whose work was reported done and
	// await counterparty approval.
	MilestoneCompleted MilestoneStatus = "completed"
	// MilestoneApproved marks milestones whose funds were authorised for
	// release.
	MilestoneApproved MilestoneStatus = "approved"
	// MilestoneDisputed marks milestones halted by a dispute or flipped by a
	// contract cancellation.
	MilestoneDisputed MilestoneStatus = "disputed"
)

// Valid reports whether the status value is one of the supported states.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneCompleted, MilestoneApproved, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the milestone can no longer change state.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneApproved || s == MilestoneDisputed
}

// DisputeSource distinguishes why a milestone ended up disputed.
type DisputeSource string

const (
	DisputeSourceNone         DisputeSource = ""
	DisputeSourceParty        DisputeSource = "party"
	DisputeSourceCancellation DisputeSource = "cancellation"
)

// Milestone is one ordered, percentage weighted portion of the contract total.
type Milestone struct {
	ID              uuid.UUID
	ContractID      uuid.UUID
	Order           int
	Name            string
	Description     string
	DueDate         *time.Time
	Percentage      decimal.Decimal
	Amount          decimal.Decimal
	Status          MilestoneStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ApprovedAt      *time.Time
	SettlementProof string
	DisputeReason   string
	DisputedAt      *time.Time
	DisputeSource   DisputeSource
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.DueDate = cloneTime(m.DueDate)
	clone.StartedAt = cloneTime(m.StartedAt)
	clone.CompletedAt = cloneTime(m.CompletedAt)
	clone.ApprovedAt = cloneTime(m.ApprovedAt)
	clone.DisputedAt = cloneTime(m.DisputedAt)
	return &clone
}

// Overdue reports whether an in-progress milestone has passed its due date.
func (m *Milestone) Overdue(now time.Time) bool {
	if m == nil || m.DueDate == nil || m.Status != MilestoneInProgress {
		return false
	}
	return now.After(*m.DueDate)
}

// MilestoneSpec is the caller supplied definition of a milestone at contract
// creation time.
type MilestoneSpec struct {
	Name        string
	Description string
	Percentage  decimal.Decimal
	DueDate     *time.Time
}

const (
	maxMilestoneNameLength = 128
	maxMilestones          = 64
)

// Validate ensures a single spec is well formed.
func (s MilestoneSpec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("%w: milestone name required", ErrValidation)
	}
	if len(name) > maxMilestoneNameLength {
		return fmt.Errorf("%w: milestone name exceeds %d characters", ErrValidation, maxMilestoneNameLength)
	}
	if !s.Percentage.IsPositive() {
		return fmt.Errorf("%w: milestone %q percentage must be positive", ErrValidation, name)
	}
	if !s.Percentage.Equal(s.Percentage.Truncate(AmountScale)) {
		return fmt.Errorf("%w: milestone %q percentage supports at most %d decimal places", ErrValidation, name, AmountScale)
	}
	return nil
}

// ValidateSpecs checks the full milestone list: non-empty, every entry valid
// and percentages summing to exactly 100.
func ValidateSpecs(specs []MilestoneSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrValidation)
	}
	if len(specs) > maxMilestones {
		return fmt.Errorf("%w: at most %d milestones supported", ErrValidation, maxMilestones)
	}
	sum := decimal.Zero
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		sum = sum.Add(spec.Percentage)
	}
	if !sum.Equal(hundred) {
		return fmt.Errorf("%w: milestone percentages sum to %s, want 100", ErrValidation, sum.String())
	}
	return nil
}

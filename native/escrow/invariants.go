package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CheckInvariants verifies the ledger invariants that must hold at every
// observable state boundary. Violations wrap ErrInternalInconsistency.
func CheckInvariants(c *Contract) error {
	if c == nil {
		return fmt.Errorf("%w: contract nil", ErrInternalInconsistency)
	}
	if !c.Status.Valid() {
		return inconsistent(c, "unknown contract status %q", c.Status)
	}
	if !c.TotalAmount.IsPositive() {
		return inconsistent(c, "total amount %s not positive", c.TotalAmount)
	}
	if c.Status == ContractCreated && (c.FundingProof != "" || c.FundedAt != nil) {
		return inconsistent(c, "unfunded contract carries funding data")
	}
	if c.FundingProof != "" && c.FundedAt == nil {
		return inconsistent(c, "funding proof without funding time")
	}
	if len(c.Milestones) == 0 {
		return inconsistent(c, "contract has no milestones")
	}

	var (
		pctSum     = decimal.Zero
		amountSum  = decimal.Zero
		released   = decimal.Zero
		inProgress = 0
		settledRun = true
	)
	for i, m := range c.Milestones {
		if m == nil {
			return inconsistent(c, "milestone %d missing", i)
		}
		if m.Order != i {
			return inconsistent(c, "milestone order %d at position %d", m.Order, i)
		}
		if m.ContractID != c.ID {
			return inconsistent(c, "milestone %s belongs to contract %s", m.ID, m.ContractID)
		}
		if !m.Status.Valid() {
			return inconsistent(c, "milestone %d has unknown status %q", i, m.Status)
		}
		if !m.Percentage.IsPositive() {
			return inconsistent(c, "milestone %d percentage %s not positive", i, m.Percentage)
		}
		if m.Amount.IsNegative() {
			return inconsistent(c, "milestone %d amount %s negative", i, m.Amount)
		}
		pctSum = pctSum.Add(m.Percentage)
		amountSum = amountSum.Add(m.Amount)

		switch m.Status {
		case MilestoneInProgress:
			inProgress++
			if c.FundedAt == nil {
				return inconsistent(c, "milestone %d in progress before funding", i)
			}
			if !settledRun {
				return inconsistent(c, "milestone %d in progress before earlier milestones were approved", i)
			}
		case MilestoneApproved:
			if m.CompletedAt == nil || m.ApprovedAt == nil {
				return inconsistent(c, "milestone %d approved without completion record", i)
			}
			released = released.Add(m.Amount)
		case MilestoneCompleted:
			if m.CompletedAt == nil {
				return inconsistent(c, "milestone %d completed without timestamp", i)
			}
		case MilestoneDisputed:
			if m.DisputedAt == nil {
				return inconsistent(c, "milestone %d disputed without timestamp", i)
			}
		}
		if m.Status != MilestoneApproved {
			settledRun = false
		}
		if c.Status == ContractCreated && m.Status != MilestonePending && m.Status != MilestoneDisputed {
			return inconsistent(c, "milestone %d is %s on an unfunded contract", i, m.Status)
		}
	}
	if inProgress > 1 {
		return inconsistent(c, "%d milestones in progress", inProgress)
	}
	if inProgress > 0 && (c.Status == ContractCreated || c.Status == ContractCompleted) {
		return inconsistent(c, "milestone in progress on %s contract", c.Status)
	}
	if !pctSum.Equal(hundred) {
		return inconsistent(c, "milestone percentages sum to %s", pctSum)
	}
	if !amountSum.Equal(c.TotalAmount) {
		return inconsistent(c, "milestone amounts sum to %s, total %s", amountSum, c.TotalAmount)
	}
	if released.GreaterThan(c.TotalAmount) {
		return inconsistent(c, "released %s exceeds total %s", released, c.TotalAmount)
	}
	if c.Status == ContractCompleted && (!settledRun || c.CompletedAt == nil) {
		return inconsistent(c, "completed contract has unsettled milestones")
	}
	if c.Status != ContractCompleted && c.CompletedAt != nil {
		return inconsistent(c, "completion time set on %s contract", c.Status)
	}
	return nil
}

func inconsistent(c *Contract, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrInternalInconsistency, detail)
	}
	return fmt.Errorf("%w: contract %s: %s", ErrInternalInconsistency, c.ID, detail)
}

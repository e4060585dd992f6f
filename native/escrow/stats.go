package escrow

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Stats is a read-only projection of a contract's milestone ledger.
type Stats struct {
	ContractID         uuid.UUID
	Status             ContractStatus
	Currency           string
	TotalMilestones    int
	CompletedCount     int
	ApprovedCount      int
	DisputedCount      int
	TotalAmount        decimal.Decimal
	ReleasedAmount     decimal.Decimal
	RemainingAmount    decimal.Decimal
	ProgressPercentage decimal.Decimal
}

// Project derives stats from the contract. Completed counts include approved
// milestones; released amounts only cover approved ones.
func Project(c *Contract) Stats {
	stats := Stats{
		ReleasedAmount:     decimal.Zero,
		RemainingAmount:    decimal.Zero,
		TotalAmount:        decimal.Zero,
		ProgressPercentage: decimal.Zero,
	}
	if c == nil {
		return stats
	}
	stats.ContractID = c.ID
	stats.Status = c.Status
	stats.Currency = c.Currency
	stats.TotalAmount = c.TotalAmount
	for _, ms := range c.Milestones {
		if ms == nil {
			continue
		}
		stats.TotalMilestones++
		switch ms.Status {
		case MilestoneCompleted:
			stats.CompletedCount++
		case MilestoneApproved:
			stats.CompletedCount++
			stats.ApprovedCount++
			stats.ReleasedAmount = stats.ReleasedAmount.Add(ms.Amount)
		case MilestoneDisputed:
			stats.DisputedCount++
		}
	}
	stats.RemainingAmount = c.TotalAmount.Sub(stats.ReleasedAmount)
	if stats.TotalMilestones > 0 {
		stats.ProgressPercentage = decimal.NewFromInt(int64(stats.ApprovedCount)).
			Mul(hundred).
			Div(decimal.NewFromInt(int64(stats.TotalMilestones))).
			Round(2)
	}
	return stats
}

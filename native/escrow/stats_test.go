package escrow

import (
	"errors"
	"testing"
)

func TestProjectQuarterMilestones(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "2000", "25", "25", "25", "25")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	mustComplete(t, m, c, 1)

	stats := Project(c)
	if stats.TotalMilestones != 4 {
		t.Fatalf("total milestones = %d", stats.TotalMilestones)
	}
	if stats.CompletedCount != 2 || stats.ApprovedCount != 1 || stats.DisputedCount != 0 {
		t.Fatalf("counts completed=%d approved=%d disputed=%d", stats.CompletedCount, stats.ApprovedCount, stats.DisputedCount)
	}
	if !stats.ReleasedAmount.Equal(dec(t, "500")) || !stats.RemainingAmount.Equal(dec(t, "1500")) {
		t.Fatalf("released %s remaining %s", stats.ReleasedAmount, stats.RemainingAmount)
	}
	if !stats.ProgressPercentage.Equal(dec(t, "25")) {
		t.Fatalf("progress = %s", stats.ProgressPercentage)
	}

	if _, err := m.Dispute(c, c.Milestones[1].ID, "stitching"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	stats = Project(c)
	if stats.DisputedCount != 1 || stats.CompletedCount != 1 {
		t.Fatalf("after dispute completed=%d disputed=%d", stats.CompletedCount, stats.DisputedCount)
	}
	if stats.Status != ContractDisputed {
		t.Fatalf("status = %s", stats.Status)
	}
}

func TestProjectRoundsProgress(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "300", "33.33", "33.33", "33.34")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	stats := Project(c)
	if !stats.ProgressPercentage.Equal(dec(t, "33.33")) {
		t.Fatalf("progress = %s", stats.ProgressPercentage)
	}
}

func TestProjectNil(t *testing.T) {
	stats := Project(nil)
	if stats.TotalMilestones != 0 || !stats.ProgressPercentage.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	cases := map[string]func(c *Contract){
		"two in progress": func(c *Contract) {
			c.Milestones[1].Status = MilestoneInProgress
		},
		"amount drift": func(c *Contract) {
			c.Milestones[0].Amount = c.Milestones[0].Amount.Add(dec(t, "0.00000001"))
		},
		"order gap": func(c *Contract) {
			c.Milestones[1].Order = 5
		},
		"approved without timestamps": func(c *Contract) {
			c.Milestones[2].Status = MilestoneApproved
		},
		"completed with open milestones": func(c *Contract) {
			now := m.Now()
			c.Status = ContractCompleted
			c.CompletedAt = &now
		},
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestContract(t, m, "900", "30", "30", "40")
			if _, err := m.Fund(c, "proof"); err != nil {
				t.Fatalf("fund: %v", err)
			}
			if err := CheckInvariants(c); err != nil {
				t.Fatalf("clean contract: %v", err)
			}
			corrupt(c)
			if err := CheckInvariants(c); !errors.Is(err, ErrInternalInconsistency) {
				t.Fatalf("expected inconsistency, got %v", err)
			}
		})
	}
}

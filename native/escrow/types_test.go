package escrow

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestContractCloneIsDeep(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	clone := c.Clone()
	clone.Milestones[0].Status = MilestoneDisputed
	*clone.FundedAt = clone.FundedAt.AddDate(1, 0, 0)
	if c.Milestones[0].Status != MilestoneInProgress {
		t.Fatalf("clone shares milestones")
	}
	if c.FundedAt.Equal(*clone.FundedAt) {
		t.Fatalf("clone shares timestamps")
	}
}

func TestHasParty(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "100")
	if !c.HasParty("creator-1") || !c.HasParty(" maker-1 ") {
		t.Fatalf("expected parties to match")
	}
	if c.HasParty("") || c.HasParty("someone") {
		t.Fatalf("unexpected party match")
	}
}

func TestMilestoneOverdue(t *testing.T) {
	clock := newTestClock()
	m := NewMachine(clock.Now)
	due := clock.Now().Add(-24 * time.Hour)
	p := Proposal{
		TotalAmount: dec(t, "100"),
		CreatorID:   "c",
		MakerID:     "m",
		Milestones:  []MilestoneSpec{{Name: "cut", Percentage: hundred, DueDate: &due}},
	}
	c, _, err := m.NewContract(p)
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	if c.Milestones[0].Overdue(clock.Now()) {
		t.Fatalf("pending milestone reported overdue")
	}
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !c.Milestones[0].Overdue(clock.Now()) {
		t.Fatalf("expected overdue")
	}
}

func TestParsePartyRole(t *testing.T) {
	role, err := ParsePartyRole(" Maker ")
	if err != nil || role != RoleMaker {
		t.Fatalf("parse maker: %v %v", role, err)
	}
	if _, err := ParsePartyRole("admin"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("wrap: %w", ErrValidation):            CodeValidation,
		fmt.Errorf("wrap: %w", ErrNotFound):              CodeNotFound,
		fmt.Errorf("wrap: %w", ErrInvalidState):          CodeInvalidState,
		fmt.Errorf("wrap: %w", ErrConflict):              CodeConflict,
		fmt.Errorf("wrap: %w", ErrInternalInconsistency): CodeInternal,
		fmt.Errorf("wrap: %w", ErrExternalDependency):    CodeExternalDependency,
		errors.New("boom"):                               CodeUnknown,
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v) = %s, want %s", err, got, want)
		}
	}
	if !Retryable(fmt.Errorf("x: %w", ErrConflict)) || Retryable(ErrValidation) {
		t.Fatalf("unexpected retryable classification")
	}
}

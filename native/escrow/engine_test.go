package escrow

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.current }

func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", raw, err)
	}
	return d
}

func specs(t *testing.T, pcts ...string) []MilestoneSpec {
	t.Helper()
	out := make([]MilestoneSpec, len(pcts))
	for i, p := range pcts {
		out[i] = MilestoneSpec{Name: "phase " + string(rune('A'+i)), Percentage: dec(t, p)}
	}
	return out
}

func newTestContract(t *testing.T, m *Machine, total string, pcts ...string) *Contract {
	t.Helper()
	c, events, err := m.NewContract(Proposal{
		TotalAmount: dec(t, total),
		CreatorID:   "creator-1",
		MakerID:     "maker-1",
		Milestones:  specs(t, pcts...),
	})
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventTypeContractCreated {
		t.Fatalf("unexpected creation events: %+v", events)
	}
	return c
}

func mustComplete(t *testing.T, m *Machine, c *Contract, idx int) {
	t.Helper()
	if _, err := m.Complete(c, c.Milestones[idx].ID); err != nil {
		t.Fatalf("complete milestone %d: %v", idx, err)
	}
}

func mustApprove(t *testing.T, m *Machine, c *Contract, idx int) []Event {
	t.Helper()
	replayed, events, err := m.Approve(c, c.Milestones[idx].ID, "tx-"+c.Milestones[idx].ID.String())
	if err != nil {
		t.Fatalf("approve milestone %d: %v", idx, err)
	}
	if replayed {
		t.Fatalf("approve milestone %d unexpectedly replayed", idx)
	}
	return events
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestNewContractAllocatesAmounts(t *testing.T) {
	clock := newTestClock()
	m := NewMachine(clock.Now)
	c := newTestContract(t, m, "10000", "15", "15", "40", "30")

	if c.Status != ContractCreated {
		t.Fatalf("status = %s, want created", c.Status)
	}
	if c.Currency != DefaultCurrency {
		t.Fatalf("currency = %s, want %s", c.Currency, DefaultCurrency)
	}
	want := []string{"1500", "1500", "4000", "3000"}
	for i, ms := range c.Milestones {
		if ms.Order != i {
			t.Fatalf("milestone %d has order %d", i, ms.Order)
		}
		if ms.Status != MilestonePending {
			t.Fatalf("milestone %d status = %s", i, ms.Status)
		}
		if !ms.Amount.Equal(dec(t, want[i])) {
			t.Fatalf("milestone %d amount = %s, want %s", i, ms.Amount, want[i])
		}
		if ms.ContractID != c.ID {
			t.Fatalf("milestone %d not linked to contract", i)
		}
	}
	if !c.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created at = %s", c.CreatedAt)
	}
}

func TestNewContractRejectsBadProposal(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	base := func() Proposal {
		return Proposal{
			TotalAmount: dec(t, "1000"),
			CreatorID:   "creator-1",
			MakerID:     "maker-1",
			Milestones:  specs(t, "50", "50"),
		}
	}
	cases := map[string]func(p *Proposal){
		"percentages under 100": func(p *Proposal) { p.Milestones = specs(t, "40", "40", "10") },
		"percentages over 100":  func(p *Proposal) { p.Milestones = specs(t, "60", "50") },
		"zero percentage":       func(p *Proposal) { p.Milestones = specs(t, "100", "0") },
		"no milestones":         func(p *Proposal) { p.Milestones = nil },
		"zero total":            func(p *Proposal) { p.TotalAmount = decimal.Zero },
		"negative total":        func(p *Proposal) { p.TotalAmount = dec(t, "-5") },
		"same parties":          func(p *Proposal) { p.MakerID = p.CreatorID },
		"missing creator":       func(p *Proposal) { p.CreatorID = "  " },
		"blank name":            func(p *Proposal) { p.Milestones[0].Name = " " },
		"long name":             func(p *Proposal) { p.Milestones[0].Name = strings.Repeat("x", 200) },
		"excess precision":      func(p *Proposal) { p.TotalAmount = dec(t, "1.123456789") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base()
			mutate(&p)
			_, _, err := m.NewContract(p)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	clock := newTestClock()
	m := NewMachine(clock.Now)
	c := newTestContract(t, m, "10000", "15", "15", "40", "30")

	events, err := m.Fund(c, "0xfunding")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := eventTypes(events); len(got) != 2 || got[0] != EventTypeContractFunded || got[1] != EventTypeMilestoneStarted {
		t.Fatalf("fund events = %v", got)
	}
	if c.Status != ContractFunded || c.Milestones[0].Status != MilestoneInProgress {
		t.Fatalf("after fund: contract %s milestone %s", c.Status, c.Milestones[0].Status)
	}

	for i := range c.Milestones {
		clock.Advance(time.Hour)
		mustComplete(t, m, c, i)
		if i == 0 && c.Status != ContractInProgress {
			t.Fatalf("first completion left contract %s", c.Status)
		}
		mustApprove(t, m, c, i)
		if i < len(c.Milestones)-1 {
			if c.Milestones[i+1].Status != MilestoneInProgress {
				t.Fatalf("milestone %d not started after approving %d", i+1, i)
			}
		}
	}
	if c.Status != ContractCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if c.CompletedAt == nil {
		t.Fatalf("completed at not set")
	}
	stats := Project(c)
	if !stats.ReleasedAmount.Equal(dec(t, "10000")) || !stats.RemainingAmount.IsZero() {
		t.Fatalf("released %s remaining %s", stats.ReleasedAmount, stats.RemainingAmount)
	}
	if !stats.ProgressPercentage.Equal(hundred) {
		t.Fatalf("progress = %s", stats.ProgressPercentage)
	}
}

func TestFinalApprovalCompletesContract(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "500", "100")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	events := mustApprove(t, m, c, 0)
	got := eventTypes(events)
	if len(got) != 2 || got[0] != EventTypeMilestoneApproved || got[1] != EventTypeContractCompleted {
		t.Fatalf("approve events = %v", got)
	}
}

func TestFundRequiresProofAndCreatedStatus(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "100")
	if _, err := m.Fund(c, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank proof: %v", err)
	}
	if c.Status != ContractCreated {
		t.Fatalf("blank proof changed status to %s", c.Status)
	}
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := m.Fund(c, "proof-2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double fund: %v", err)
	}
}

func TestFundDetectsCorruptLedger(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "50", "50")
	c.Milestones[0].Status = MilestoneCompleted
	if _, err := m.Fund(c, "proof"); !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
	empty := newTestContract(t, m, "100", "100")
	empty.Milestones = nil
	if _, err := m.Fund(empty, "proof"); !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("expected inconsistency for empty ledger, got %v", err)
	}
}

func TestCompleteOutOfOrderRejected(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "50", "30", "20")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	before := c.Clone()
	if _, err := m.Complete(c, c.Milestones[2].ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if c.Milestones[2].Status != before.Milestones[2].Status || c.Status != before.Status {
		t.Fatalf("rejected completion mutated contract")
	}
	if _, err := m.Complete(c, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteBeforeFundingRejected(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "100")
	if _, err := m.Complete(c, c.Milestones[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	snapshot := Project(c)

	replayed, events, err := m.Approve(c, c.Milestones[0].ID, "other-proof")
	if err != nil {
		t.Fatalf("replay approve: %v", err)
	}
	if !replayed || len(events) != 0 {
		t.Fatalf("replayed=%v events=%v", replayed, events)
	}
	if c.Milestones[0].SettlementProof != "tx-"+c.Milestones[0].ID.String() {
		t.Fatalf("replay overwrote settlement proof")
	}
	after := Project(c)
	if !after.ReleasedAmount.Equal(snapshot.ReleasedAmount) || after.ApprovedCount != snapshot.ApprovedCount {
		t.Fatalf("replay changed stats: %+v vs %+v", after, snapshot)
	}
}

func TestApproveRequiresCompletedMilestone(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, _, err := m.Approve(c, c.Milestones[0].ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve in-progress milestone: %v", err)
	}
	if _, _, err := m.Approve(c, c.Milestones[1].ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve pending milestone: %v", err)
	}
}

func TestDisputeAfterApprovalBlocksNextMilestone(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	if c.Milestones[0].Status != MilestoneApproved || c.Milestones[1].Status != MilestoneInProgress {
		t.Fatalf("statuses = %s, %s", c.Milestones[0].Status, c.Milestones[1].Status)
	}

	if _, err := m.Dispute(c, c.Milestones[1].ID, "wrong colourway"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := m.Complete(c, c.Milestones[1].ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete disputed milestone: %v", err)
	}
	if c.Milestones[0].Status != MilestoneApproved {
		t.Fatalf("approved milestone changed to %s", c.Milestones[0].Status)
	}
}

func TestDisputeHaltsProgress(t *testing.T) {
	clock := newTestClock()
	m := NewMachine(clock.Now)
	c := newTestContract(t, m, "1000", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)

	if _, err := m.Dispute(c, c.Milestones[0].ID, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank reason: %v", err)
	}
	events, err := m.Dispute(c, c.Milestones[0].ID, "wrong fabric")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if got := eventTypes(events); len(got) != 2 || got[1] != EventTypeContractDisputed {
		t.Fatalf("dispute events = %v", got)
	}
	if c.Status != ContractDisputed {
		t.Fatalf("status = %s", c.Status)
	}
	ms := c.Milestones[0]
	if ms.Status != MilestoneDisputed || ms.DisputeReason != "wrong fabric" || ms.DisputeSource != DisputeSourceParty {
		t.Fatalf("milestone not disputed: %+v", ms)
	}
	if _, _, err := m.Approve(c, ms.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve disputed: %v", err)
	}
	if _, err := m.Complete(c, c.Milestones[1].ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete on disputed contract: %v", err)
	}

	// A second dispute on a disputed contract only flags the milestone.
	events, err = m.Dispute(c, c.Milestones[1].ID, "late")
	if err != nil {
		t.Fatalf("second dispute: %v", err)
	}
	if got := eventTypes(events); len(got) != 1 || got[0] != EventTypeMilestoneDisputed {
		t.Fatalf("second dispute events = %v", got)
	}
}

func TestDisputeRejectsApprovedMilestone(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "50", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	if _, err := m.Dispute(c, c.Milestones[0].ID, "regret"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCancelFlipsUnsettledMilestones(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "1000", "25", "25", "50")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)

	if _, err := m.Cancel(c, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank reason: %v", err)
	}
	events, err := m.Cancel(c, "maker unavailable")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("cancel events = %v", eventTypes(events))
	}
	if c.Status != ContractCancelled || c.CancelReason != "maker unavailable" {
		t.Fatalf("contract not cancelled: %s %q", c.Status, c.CancelReason)
	}
	if c.Milestones[0].Status != MilestoneApproved {
		t.Fatalf("approved milestone changed to %s", c.Milestones[0].Status)
	}
	for _, ms := range c.Milestones[1:] {
		if ms.Status != MilestoneDisputed {
			t.Fatalf("milestone %d status = %s", ms.Order, ms.Status)
		}
		if ms.DisputeReason != "contract cancelled: maker unavailable" || ms.DisputeSource != DisputeSourceCancellation {
			t.Fatalf("milestone %d dispute = %q/%s", ms.Order, ms.DisputeReason, ms.DisputeSource)
		}
	}

	events, err = m.Cancel(c, "again")
	if err != nil || len(events) != 0 {
		t.Fatalf("repeat cancel: events=%v err=%v", events, err)
	}
	if c.CancelReason != "maker unavailable" {
		t.Fatalf("repeat cancel overwrote reason")
	}
	if _, err := m.Dispute(c, c.Milestones[1].ID, "x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute on cancelled: %v", err)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "100")
	if _, err := m.Fund(c, "proof"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustComplete(t, m, c, 0)
	mustApprove(t, m, c, 0)
	if _, err := m.Cancel(c, "too late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCancelUnfundedContract(t *testing.T) {
	m := NewMachine(newTestClock().Now)
	c := newTestContract(t, m, "100", "60", "40")
	if _, err := m.Cancel(c, "changed mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.Fund(c, "proof"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("fund cancelled: %v", err)
	}
}

func TestWithIDGenerator(t *testing.T) {
	var n byte
	gen := func() uuid.UUID {
		n++
		var id uuid.UUID
		id[15] = n
		return id
	}
	m := NewMachine(newTestClock().Now, WithIDGenerator(gen))
	c := newTestContract(t, m, "100", "50", "50")
	if c.ID[15] != 1 || c.Milestones[0].ID[15] != 2 || c.Milestones[1].ID[15] != 3 {
		t.Fatalf("unexpected ids: %s %s %s", c.ID, c.Milestones[0].ID, c.Milestones[1].ID)
	}
}

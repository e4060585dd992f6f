package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Proposal carries the caller supplied terms of a new contract.
type Proposal struct {
	TotalAmount decimal.Decimal
	Currency    string
	CreatorID   string
	MakerID     string
	Milestones  []MilestoneSpec
}

// Validate checks the proposal terms without allocating amounts.
func (p Proposal) Validate() error {
	if !p.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	creator := strings.TrimSpace(p.CreatorID)
	maker := strings.TrimSpace(p.MakerID)
	if creator == "" {
		return fmt.Errorf("%w: creator id required", ErrValidation)
	}
	if maker == "" {
		return fmt.Errorf("%w: maker id required", ErrValidation)
	}
	if creator == maker {
		return fmt.Errorf("%w: creator and maker must differ", ErrValidation)
	}
	return ValidateSpecs(p.Milestones)
}

// Machine applies lifecycle transitions to contracts. It never performs I/O:
// each transition mutates the supplied contract in place, returns the events
// it produced and verifies the ledger invariants before returning. Callers
// hand in a clone and persist it only on success.
type Machine struct {
	now   func() time.Time
	newID func() uuid.UUID
}

// MachineOption customises a Machine.
type MachineOption func(*Machine)

// WithIDGenerator overrides the identifier source used for new contracts and
// milestones.
func WithIDGenerator(fn func() uuid.UUID) MachineOption {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMachine initialises a state machine using the supplied clock.
func NewMachine(now func() time.Time, opts ...MachineOption) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m := &Machine{now: now, newID: uuid.New}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Now exposes the machine clock.
func (m *Machine) Now() time.Time {
	return m.now()
}

// NewContract validates the proposal and builds a contract in the created
// state with its milestone amounts allocated. The settlement address is left
// empty for the caller to provision.
func (m *Machine) NewContract(p Proposal) (*Contract, []Event, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	pcts := make([]decimal.Decimal, len(p.Milestones))
	for i, spec := range p.Milestones {
		pcts[i] = spec.Percentage
	}
	amounts, err := SplitAmounts(p.TotalAmount, pcts)
	if err != nil {
		return nil, nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	now := m.now()
	c := &Contract{
		ID:          m.newID(),
		TotalAmount: p.TotalAmount,
		Currency:    currency,
		Status:      ContractCreated,
		CreatorID:   strings.TrimSpace(p.CreatorID),
		MakerID:     strings.TrimSpace(p.MakerID),
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones:  make([]*Milestone, len(p.Milestones)),
	}
	for i, spec := range p.Milestones {
		c.Milestones[i] = &Milestone{
			ID:          m.newID(),
			ContractID:  c.ID,
			Order:       i,
			Name:        strings.TrimSpace(spec.Name),
			Description: strings.TrimSpace(spec.Description),
			DueDate:     cloneTime(spec.DueDate),
			Percentage:  spec.Percentage,
			Amount:      amounts[i],
			Status:      MilestonePending,
		}
	}
	if err := CheckInvariants(c); err != nil {
		return nil, nil, err
	}
	return c, []Event{newContractEvent(EventTypeContractCreated, c, now)}, nil
}

// Fund records the funding proof and starts the first milestone.
func (m *Machine) Fund(c *Contract, proof string) ([]Event, error) {
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return nil, fmt.Errorf("%w: funding proof required", ErrValidation)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: contract", ErrNotFound)
	}
	if c.Status != ContractCreated {
		return nil, fmt.Errorf("%w: contract %s is %s, want %s", ErrInvalidState, c.ID, c.Status, ContractCreated)
	}
	if len(c.Milestones) == 0 {
		return nil, inconsistent(c, "contract has no milestones")
	}
	first := c.Milestones[0]
	if first == nil || first.Order != 0 || first.Status != MilestonePending {
		return nil, inconsistent(c, "first milestone not pending")
	}
	now := m.now()
	c.Status = ContractFunded
	c.FundingProof = proof
	c.FundedAt = timePtr(now)
	c.UpdatedAt = now
	first.Status = MilestoneInProgress
	first.StartedAt = timePtr(now)
	events := []Event{
		newContractEvent(EventTypeContractFunded, c, now),
		newMilestoneEvent(EventTypeMilestoneStarted, c, first, now),
	}
	return m.settle(c, events)
}

// Complete marks the in-progress milestone as delivered. The first completion
// moves a funded contract to in_progress.
func (m *Machine) Complete(c *Contract, milestoneID uuid.UUID) ([]Event, error) {
	ms, err := lookup(c, milestoneID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Active() {
		return nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidState, c.ID, c.Status)
	}
	if ms.Status != MilestoneInProgress {
		return nil, fmt.Errorf("%w: milestone %s is %s, want %s", ErrInvalidState, ms.ID, ms.Status, MilestoneInProgress)
	}
	now := m.now()
	ms.Status = MilestoneCompleted
	ms.CompletedAt = timePtr(now)
	if c.Status == ContractFunded {
		c.Status = ContractInProgress
	}
	c.UpdatedAt = now
	return m.settle(c, []Event{newMilestoneEvent(EventTypeMilestoneCompleted, c, ms, now)})
}

// Approve authorises the release of a completed milestone, starts the next
// pending milestone and completes the contract once every milestone is
// approved. Approving an already approved milestone is a replay: the contract
// is left untouched and replayed is true.
func (m *Machine) Approve(c *Contract, milestoneID uuid.UUID, proof string) (replayed bool, events []Event, err error) {
	ms, err := lookup(c, milestoneID)
	if err != nil {
		return false, nil, err
	}
	if ms.Status == MilestoneApproved {
		return true, nil, nil
	}
	if !c.Status.Active() {
		return false, nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidState, c.ID, c.Status)
	}
	if ms.Status != MilestoneCompleted {
		return false, nil, fmt.Errorf("%w: milestone %s is %s, want %s", ErrInvalidState, ms.ID, ms.Status, MilestoneCompleted)
	}
	if ms.CompletedAt == nil {
		return false, nil, inconsistent(c, "milestone %s completed without timestamp", ms.ID)
	}
	now := m.now()
	ms.Status = MilestoneApproved
	ms.ApprovedAt = timePtr(now)
	ms.SettlementProof = strings.TrimSpace(proof)
	c.UpdatedAt = now
	events = append(events, newMilestoneEvent(EventTypeMilestoneApproved, c, ms, now))
	if next := c.nextStartable(); next != nil {
		next.Status = MilestoneInProgress
		next.StartedAt = timePtr(now)
		events = append(events, newMilestoneEvent(EventTypeMilestoneStarted, c, next, now))
	}
	if c.allApproved() {
		c.Status = ContractCompleted
		c.CompletedAt = timePtr(now)
		events = append(events, newContractEvent(EventTypeContractCompleted, c, now))
	} else if c.Status == ContractFunded {
		c.Status = ContractInProgress
	}
	events, err = m.settle(c, events)
	return false, events, err
}

// Dispute halts a milestone and flags the contract as disputed. Approved
// milestones cannot be disputed and completed or cancelled contracts are
// frozen.
func (m *Machine) Dispute(c *Contract, milestoneID uuid.UUID, reason string) ([]Event, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrValidation)
	}
	ms, err := lookup(c, milestoneID)
	if err != nil {
		return nil, err
	}
	if c.Status == ContractCompleted || c.Status == ContractCancelled {
		return nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidState, c.ID, c.Status)
	}
	if ms.Status.Terminal() {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrInvalidState, ms.ID, ms.Status)
	}
	now := m.now()
	ms.Status = MilestoneDisputed
	ms.DisputeReason = reason
	ms.DisputedAt = timePtr(now)
	ms.DisputeSource = DisputeSourceParty
	events := []Event{newMilestoneEvent(EventTypeMilestoneDisputed, c, ms, now)}
	if c.Status != ContractDisputed {
		c.Status = ContractDisputed
		events = append(events, newContractEvent(EventTypeContractDisputed, c, now))
	}
	c.UpdatedAt = now
	return m.settle(c, events)
}

// Cancel terminates the contract and flips every unsettled milestone to
// disputed. Approved milestones keep their status. Cancelling a cancelled
// contract returns no events and leaves it untouched.
func (m *Machine) Cancel(c *Contract, reason string) ([]Event, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason required", ErrValidation)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: contract", ErrNotFound)
	}
	switch c.Status {
	case ContractCancelled:
		return nil, nil
	case ContractCompleted:
		return nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidState, c.ID, c.Status)
	}
	now := m.now()
	c.Status = ContractCancelled
	c.CancelReason = reason
	c.CancelledAt = timePtr(now)
	c.UpdatedAt = now
	events := []Event{newContractEvent(EventTypeContractCancelled, c, now)}
	milestoneReason := "contract cancelled: " + reason
	for _, ms := range c.Milestones {
		if ms == nil || ms.Status.Terminal() {
			continue
		}
		ms.Status = MilestoneDisputed
		ms.DisputeReason = milestoneReason
		ms.DisputedAt = timePtr(now)
		ms.DisputeSource = DisputeSourceCancellation
		events = append(events, newMilestoneEvent(EventTypeMilestoneDisputed, c, ms, now))
	}
	return m.settle(c, events)
}

func (m *Machine) settle(c *Contract, events []Event) ([]Event, error) {
	if err := CheckInvariants(c); err != nil {
		return nil, err
	}
	return events, nil
}

func lookup(c *Contract, milestoneID uuid.UUID) (*Milestone, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: contract", ErrNotFound)
	}
	ms := c.FindMilestone(milestoneID)
	if ms == nil {
		return nil, fmt.Errorf("%w: milestone %s on contract %s", ErrNotFound, milestoneID, c.ID)
	}
	return ms, nil
}

// nextStartable returns the lowest-order milestone that may start now: the
// first unapproved milestone, provided it is pending and nothing else is in
// progress.
func (c *Contract) nextStartable() *Milestone {
	if c.InProgress() != nil {
		return nil
	}
	for _, ms := range c.Milestones {
		if ms == nil || ms.Status == MilestoneApproved {
			continue
		}
		if ms.Status == MilestonePending {
			return ms
		}
		return nil
	}
	return nil
}

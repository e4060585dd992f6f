package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/observability"
	"github.com/Astralabs2050/render-backend-sub001/observability/logging"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/custody"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/store"
)

// Operation names used for spans, metrics and logs.
const (
	OpCreate   = "create"
	OpFund     = "fund"
	OpComplete = "complete"
	OpApprove  = "approve"
	OpDispute  = "dispute"
	OpCancel   = "cancel"
)

// Provisioner deploys or reuses a settlement address for a new contract.
type Provisioner interface {
	Provision(ctx context.Context, req custody.ProvisionRequest) (string, error)
}

// FundingVerifier checks a funding proof before it is recorded.
type FundingVerifier interface {
	VerifyFunding(ctx context.Context, req custody.FundingRequest) error
}

// Releaser pays out an approved milestone and returns the settlement proof.
type Releaser interface {
	Release(ctx context.Context, req custody.ReleaseRequest) (string, error)
}

// Publisher receives committed events. Implementations must not block.
type Publisher interface {
	Publish(events []escrow.Event)
}

// CreateRequest carries the terms of a new contract.
type CreateRequest struct {
	TotalAmount decimal.Decimal
	Currency    string
	CreatorID   string
	MakerID     string
	Milestones  []escrow.MilestoneSpec
}

// Approval is the result of ApproveMilestone. Replayed is set when the
// milestone had already been approved and nothing changed.
type Approval struct {
	Contract  *escrow.Contract
	Milestone *escrow.Milestone
	Replayed  bool
}

// Engine serialises lifecycle transitions per contract, persists them with
// their audit events and drives the custody collaborators.
type Engine struct {
	store       *store.Store
	machine     *escrow.Machine
	provisioner Provisioner
	verifier    FundingVerifier
	releaser    Releaser
	publisher   Publisher
	logger      *slog.Logger
	metrics     *observability.EscrowMetrics
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() uuid.UUID
	locks       *lockSet
}

// Option customises the engine instance.
type Option func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithVerifier supplies the funding proof verifier.
func WithVerifier(v FundingVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithReleaser supplies the custody releaser used when approvals carry no
// settlement proof.
func WithReleaser(r Releaser) Option {
	return func(e *Engine) { e.releaser = r }
}

// WithPublisher supplies the post-commit event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs a settlement engine.
func New(st *store.Store, provisioner Provisioner, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("settlement: store required")
	}
	if provisioner == nil {
		return nil, errors.New("settlement: provisioner required")
	}
	e := &Engine{
		store:       st,
		provisioner: provisioner,
		logger:      slog.Default(),
		tracer:      otel.Tracer("escrowd/settlement"),
		now:         func() time.Time { return time.Now().UTC() },
		locks:       newLockSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	machineOpts := []escrow.MachineOption{}
	if e.newID != nil {
		machineOpts = append(machineOpts, escrow.WithIDGenerator(e.newID))
	}
	e.machine = escrow.NewMachine(e.now, machineOpts...)
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.Escrow()
	}
	return e, nil
}

// CreateContract validates the terms, provisions a settlement address and
// persists the contract. Nothing is stored when provisioning fails.
func (e *Engine) CreateContract(ctx context.Context, req CreateRequest) (c *escrow.Contract, err error) {
	ctx, finish := e.begin(ctx, OpCreate, uuid.Nil)
	defer func() { finish(err) }()

	contract, events, err := e.machine.NewContract(escrow.Proposal{
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
		CreatorID:   req.CreatorID,
		MakerID:     req.MakerID,
		Milestones:  req.Milestones,
	})
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("escrow.contract_id", contract.ID.String()))
	addr, err := e.provisioner.Provision(ctx, custody.ProvisionRequest{
		ContractID:  contract.ID,
		CreatorID:   contract.CreatorID,
		MakerID:     contract.MakerID,
		Currency:    contract.Currency,
		TotalAmount: contract.TotalAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: provision settlement address: %v", escrow.ErrExternalDependency, err)
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: provisioner returned empty settlement address", escrow.ErrExternalDependency)
	}
	contract.SettlementAddress = addr
	for i := range events {
		events[i].Attributes["settlementAddress"] = addr
	}
	stampActor(ctx, events)
	if err := e.store.Create(ctx, contract, events); err != nil {
		return nil, err
	}
	e.publish(events)
	e.logger.Info("escrow contract created",
		slog.String("contract_id", contract.ID.String()),
		slog.String("total", contract.TotalAmount.String()),
		slog.Int("milestones", len(contract.Milestones)),
		logging.MaskField("creator_id", contract.CreatorID),
		logging.MaskField("maker_id", contract.MakerID),
		logging.MaskField("settlement_address", addr))
	return contract.Clone(), nil
}

// FundContract records the funding proof and starts the first milestone.
func (e *Engine) FundContract(ctx context.Context, contractID uuid.UUID, fundingProof string) (c *escrow.Contract, err error) {
	ctx, finish := e.begin(ctx, OpFund, contractID)
	defer func() { finish(err) }()

	proof := strings.TrimSpace(fundingProof)
	if proof == "" {
		return nil, fmt.Errorf("%w: funding proof required", escrow.ErrValidation)
	}
	funded, err := e.mutate(ctx, contractID, func(working *escrow.Contract) ([]escrow.Event, error) {
		if working.Status != escrow.ContractCreated {
			return nil, fmt.Errorf("%w: contract %s is %s, want %s", escrow.ErrInvalidState, working.ID, working.Status, escrow.ContractCreated)
		}
		inUse, err := e.store.FundingProofInUse(ctx, proof, working.ID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("%w: funding proof already recorded on another contract", escrow.ErrValidation)
		}
		if e.verifier != nil {
			err := e.verifier.VerifyFunding(ctx, custody.FundingRequest{
				ContractID:        working.ID,
				SettlementAddress: working.SettlementAddress,
				Currency:          working.Currency,
				Amount:            working.TotalAmount,
				Proof:             proof,
			})
			if err != nil {
				if errors.Is(err, custody.ErrProofRejected) {
					return nil, fmt.Errorf("%w: %v", escrow.ErrValidation, err)
				}
				return nil, fmt.Errorf("%w: verify funding: %v", escrow.ErrExternalDependency, err)
			}
		}
		return e.machine.Fund(working, proof)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("escrow contract funded",
		slog.String("contract_id", contractID.String()),
		logging.MaskField("funding_proof", proof))
	return funded, nil
}

// CompleteMilestone marks the in-progress milestone as delivered.
func (e *Engine) CompleteMilestone(ctx context.Context, milestoneID uuid.UUID) (c *escrow.Contract, err error) {
	contractID, err := e.store.ContractIDForMilestone(ctx, milestoneID)
	if err != nil {
		e.metrics.Observe(OpComplete, 0, err)
		return nil, err
	}
	ctx, finish := e.begin(ctx, OpComplete, contractID)
	defer func() { finish(err) }()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("escrow.milestone_id", milestoneID.String()))

	return e.mutate(ctx, contractID, func(working *escrow.Contract) ([]escrow.Event, error) {
		return e.machine.Complete(working, milestoneID)
	})
}

// ApproveMilestone authorises release of a completed milestone. Without a
// settlement proof the configured releaser is asked to pay out first, keyed by
// the milestone id. Approving an approved milestone is a replay.
func (e *Engine) ApproveMilestone(ctx context.Context, milestoneID uuid.UUID, settlementProof string) (out Approval, err error) {
	contractID, err := e.store.ContractIDForMilestone(ctx, milestoneID)
	if err != nil {
		e.metrics.Observe(OpApprove, 0, err)
		return Approval{}, err
	}
	ctx, finish := e.begin(ctx, OpApprove, contractID)
	defer func() { finish(err) }()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("escrow.milestone_id", milestoneID.String()))

	proof := strings.TrimSpace(settlementProof)
	replayed := false
	contract, err := e.mutate(ctx, contractID, func(working *escrow.Contract) ([]escrow.Event, error) {
		probe := working.Clone()
		again, _, err := e.machine.Approve(probe, milestoneID, proof)
		if err != nil {
			return nil, err
		}
		if again {
			replayed = true
			return nil, nil
		}
		if proof == "" && e.releaser != nil {
			ms := working.FindMilestone(milestoneID)
			released, err := e.releaser.Release(ctx, custody.ReleaseRequest{
				ContractID:        working.ID,
				MilestoneID:       ms.ID,
				SettlementAddress: working.SettlementAddress,
				Beneficiary:       working.MakerID,
				Currency:          working.Currency,
				Amount:            ms.Amount,
				IdempotencyKey:    ms.ID.String(),
			})
			if err != nil {
				return nil, fmt.Errorf("%w: release milestone %s: %v", escrow.ErrExternalDependency, ms.ID, err)
			}
			proof = strings.TrimSpace(released)
		}
		_, events, err := e.machine.Approve(working, milestoneID, proof)
		return events, err
	})
	if err != nil {
		return Approval{}, err
	}
	ms := contract.FindMilestone(milestoneID)
	if !replayed {
		e.metrics.RecordRelease(contract.Currency, ms.Amount)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("escrow.replayed", replayed))
	if !replayed {
		e.logger.Info("milestone approved",
			slog.String("contract_id", contract.ID.String()),
			slog.String("milestone_id", ms.ID.String()),
			slog.String("amount", ms.Amount.String()),
			logging.MaskField("settlement_proof", ms.SettlementProof))
	}
	return Approval{Contract: contract, Milestone: ms.Clone(), Replayed: replayed}, nil
}

// DisputeMilestone halts the milestone and flags the contract as disputed.
func (e *Engine) DisputeMilestone(ctx context.Context, milestoneID uuid.UUID, reason string) (c *escrow.Contract, err error) {
	if strings.TrimSpace(reason) == "" {
		err = fmt.Errorf("%w: dispute reason required", escrow.ErrValidation)
		e.metrics.Observe(OpDispute, 0, err)
		return nil, err
	}
	contractID, err := e.store.ContractIDForMilestone(ctx, milestoneID)
	if err != nil {
		e.metrics.Observe(OpDispute, 0, err)
		return nil, err
	}
	ctx, finish := e.begin(ctx, OpDispute, contractID)
	defer func() { finish(err) }()

	return e.mutate(ctx, contractID, func(working *escrow.Contract) ([]escrow.Event, error) {
		return e.machine.Dispute(working, milestoneID, reason)
	})
}

// CancelContract terminates the contract. Cancelling a cancelled contract
// succeeds without changes.
func (e *Engine) CancelContract(ctx context.Context, contractID uuid.UUID, reason string) (c *escrow.Contract, err error) {
	ctx, finish := e.begin(ctx, OpCancel, contractID)
	defer func() { finish(err) }()

	return e.mutate(ctx, contractID, func(working *escrow.Contract) ([]escrow.Event, error) {
		return e.machine.Cancel(working, reason)
	})
}

// GetStats projects the contract ledger.
func (e *Engine) GetStats(ctx context.Context, contractID uuid.UUID) (escrow.Stats, error) {
	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return escrow.Stats{}, err
	}
	return escrow.Project(c), nil
}

// Get returns the contract with its ledger.
func (e *Engine) Get(ctx context.Context, contractID uuid.UUID) (*escrow.Contract, error) {
	return e.store.Get(ctx, contractID)
}

// ContractForMilestone returns the contract owning the milestone.
func (e *Engine) ContractForMilestone(ctx context.Context, milestoneID uuid.UUID) (*escrow.Contract, error) {
	contractID, err := e.store.ContractIDForMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	return e.store.Get(ctx, contractID)
}

// ListByParty returns the contracts a party participates in under role.
func (e *Engine) ListByParty(ctx context.Context, partyID string, role escrow.PartyRole) ([]*escrow.Contract, error) {
	return e.store.ListByParty(ctx, strings.TrimSpace(partyID), role)
}

// Events returns the audit trail of a contract.
func (e *Engine) Events(ctx context.Context, contractID uuid.UUID) ([]escrow.Event, error) {
	if _, err := e.store.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, contractID)
}

// ListOverdue returns in-progress milestones past their due date.
func (e *Engine) ListOverdue(ctx context.Context, limit int) ([]store.OverdueMilestone, error) {
	return e.store.ListOverdue(ctx, e.now(), limit)
}

// mutate runs fn against a private copy of the contract while holding the
// contract lock and persists the result when fn produced events. The stored
// version guards against writers in other processes.
func (e *Engine) mutate(ctx context.Context, contractID uuid.UUID, fn func(*escrow.Contract) ([]escrow.Event, error)) (*escrow.Contract, error) {
	unlock := e.locks.Lock(contractID)
	defer unlock()

	current, err := e.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	working := current.Clone()
	events, err := fn(working)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return current, nil
	}
	stampActor(ctx, events)
	if err := e.store.SaveTransition(ctx, current.Version, working, events); err != nil {
		return nil, err
	}
	e.publish(events)
	return working.Clone(), nil
}

func (e *Engine) begin(ctx context.Context, op string, contractID uuid.UUID) (context.Context, func(error)) {
	start := e.now()
	attrs := []attribute.KeyValue{attribute.String("escrow.operation", op)}
	if contractID != uuid.Nil {
		attrs = append(attrs, attribute.String("escrow.contract_id", contractID.String()))
	}
	ctx, span := e.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		e.metrics.Observe(op, e.now().Sub(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, escrow.Code(err))
			e.logFailure(ctx, op, contractID, err)
		}
		span.End()
	}
}

func (e *Engine) logFailure(ctx context.Context, op string, contractID uuid.UUID, err error) {
	level := slog.LevelWarn
	if errors.Is(err, escrow.ErrInternalInconsistency) || escrow.Code(err) == escrow.CodeUnknown {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "escrow operation failed",
		slog.String("operation", op),
		slog.String("contract_id", contractID.String()),
		slog.String("code", escrow.Code(err)),
		slog.String("error", err.Error()))
}

func (e *Engine) publish(events []escrow.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	e.publisher.Publish(events)
}

// Package trigger adapts conversational actions and delivery confirmations
// into settlement engine calls. Every action carries the identifiers it needs,
// so the adapter keeps no session state between calls.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/settlement"
)

// Kind names a conversational action.
type Kind string

const (
	KindInitEscrow        Kind = "InitEscrow"
	KindFundEscrow        Kind = "FundEscrow"
	KindCompleteMilestone Kind = "CompleteMilestone"
	KindApproveMilestone  Kind = "ApproveMilestone"
	KindDisputeMilestone  Kind = "DisputeMilestone"
	KindCancelEscrow      Kind = "CancelEscrow"
	KindGetStats          Kind = "GetStats"
)

// Engine is the subset of the settlement engine the adapter drives.
type Engine interface {
	CreateContract(ctx context.Context, req settlement.CreateRequest) (*escrow.Contract, error)
	FundContract(ctx context.Context, contractID uuid.UUID, fundingProof string) (*escrow.Contract, error)
	CompleteMilestone(ctx context.Context, milestoneID uuid.UUID) (*escrow.Contract, error)
	ApproveMilestone(ctx context.Context, milestoneID uuid.UUID, settlementProof string) (settlement.Approval, error)
	DisputeMilestone(ctx context.Context, milestoneID uuid.UUID, reason string) (*escrow.Contract, error)
	CancelContract(ctx context.Context, contractID uuid.UUID, reason string) (*escrow.Contract, error)
	GetStats(ctx context.Context, contractID uuid.UUID) (escrow.Stats, error)
	ContractForMilestone(ctx context.Context, milestoneID uuid.UUID) (*escrow.Contract, error)
}

// MilestoneInput is the wire form of a milestone definition.
type MilestoneInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Percentage  decimal.Decimal `json:"percentage"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

// CreateInput is the wire form of new contract terms.
type CreateInput struct {
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Currency    string           `json:"currency,omitempty"`
	CreatorID   string           `json:"creator_id"`
	MakerID     string           `json:"maker_id"`
	Milestones  []MilestoneInput `json:"milestones"`
}

// Request converts the wire terms into an engine request.
func (in CreateInput) Request() settlement.CreateRequest {
	specs := make([]escrow.MilestoneSpec, len(in.Milestones))
	for i, ms := range in.Milestones {
		specs[i] = escrow.MilestoneSpec{
			Name:        ms.Name,
			Description: ms.Description,
			Percentage:  ms.Percentage,
			DueDate:     ms.DueDate,
		}
	}
	return settlement.CreateRequest{
		TotalAmount: in.TotalAmount,
		Currency:    in.Currency,
		CreatorID:   in.CreatorID,
		MakerID:     in.MakerID,
		Milestones:  specs,
	}
}

// Action is a single conversational step.
type Action struct {
	Kind            Kind         `json:"kind"`
	Actor           string       `json:"actor,omitempty"`
	ContractID      uuid.UUID    `json:"contract_id,omitempty"`
	MilestoneID     uuid.UUID    `json:"milestone_id,omitempty"`
	Create          *CreateInput `json:"create,omitempty"`
	FundingProof    string       `json:"funding_proof,omitempty"`
	SettlementProof string       `json:"settlement_proof,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// Result is the outcome of an action. Only the fields relevant to the kind
// are populated.
type Result struct {
	Kind      Kind              `json:"kind"`
	Contract  *escrow.Contract  `json:"-"`
	Milestone *escrow.Milestone `json:"-"`
	Stats     *escrow.Stats     `json:"-"`
	Replayed  bool              `json:"replayed,omitempty"`
}

// DeliveryConfirmation is posted by the shipping integration when a physical
// stage has been delivered.
type DeliveryConfirmation struct {
	MilestoneID uuid.UUID `json:"milestone_id"`
	Stage       string    `json:"stage,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
}

// Outcome reports how a delivery confirmation was applied. Duplicate is set
// when the milestone had already been completed or approved.
type Outcome struct {
	Contract  *escrow.Contract
	Duplicate bool
}

// Dispatcher routes actions to the engine.
type Dispatcher struct {
	engine Engine
	logger *slog.Logger
}

// NewDispatcher wires a dispatcher around the engine.
func NewDispatcher(engine Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: engine, logger: logger}
}

// Dispatch executes the action against the engine.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) (Result, error) {
	if actor := strings.TrimSpace(action.Actor); actor != "" {
		ctx = settlement.WithActor(ctx, actor)
	}
	res := Result{Kind: action.Kind}
	switch action.Kind {
	case KindInitEscrow:
		if action.Create == nil {
			return res, fmt.Errorf("%w: create terms required", escrow.ErrValidation)
		}
		c, err := d.engine.CreateContract(ctx, action.Create.Request())
		res.Contract = c
		return res, err
	case KindFundEscrow:
		if err := requireID(action.ContractID, "contract_id"); err != nil {
			return res, err
		}
		c, err := d.engine.FundContract(ctx, action.ContractID, action.FundingProof)
		res.Contract = c
		return res, err
	case KindCompleteMilestone:
		if err := requireID(action.MilestoneID, "milestone_id"); err != nil {
			return res, err
		}
		c, err := d.engine.CompleteMilestone(ctx, action.MilestoneID)
		res.Contract = c
		res.Milestone = milestoneOf(c, action.MilestoneID)
		return res, err
	case KindApproveMilestone:
		if err := requireID(action.MilestoneID, "milestone_id"); err != nil {
			return res, err
		}
		approval, err := d.engine.ApproveMilestone(ctx, action.MilestoneID, action.SettlementProof)
		res.Contract = approval.Contract
		res.Milestone = approval.Milestone
		res.Replayed = approval.Replayed
		return res, err
	case KindDisputeMilestone:
		if err := requireID(action.MilestoneID, "milestone_id"); err != nil {
			return res, err
		}
		c, err := d.engine.DisputeMilestone(ctx, action.MilestoneID, action.Reason)
		res.Contract = c
		res.Milestone = milestoneOf(c, action.MilestoneID)
		return res, err
	case KindCancelEscrow:
		if err := requireID(action.ContractID, "contract_id"); err != nil {
			return res, err
		}
		c, err := d.engine.CancelContract(ctx, action.ContractID, action.Reason)
		res.Contract = c
		return res, err
	case KindGetStats:
		if err := requireID(action.ContractID, "contract_id"); err != nil {
			return res, err
		}
		stats, err := d.engine.GetStats(ctx, action.ContractID)
		if err != nil {
			return res, err
		}
		res.Stats = &stats
		return res, nil
	default:
		return res, fmt.Errorf("%w: unknown action kind %q", escrow.ErrValidation, action.Kind)
	}
}

// DeliveryConfirmed completes the delivered milestone. Redelivered
// confirmations for a milestone that already moved past in_progress are
// reported as duplicates rather than errors.
func (d *Dispatcher) DeliveryConfirmed(ctx context.Context, conf DeliveryConfirmation) (Outcome, error) {
	if err := requireID(conf.MilestoneID, "milestone_id"); err != nil {
		return Outcome{}, err
	}
	ctx = settlement.WithActor(ctx, "delivery-webhook")
	c, err := d.engine.CompleteMilestone(ctx, conf.MilestoneID)
	if err == nil {
		d.logger.Info("delivery confirmed",
			slog.String("milestone_id", conf.MilestoneID.String()),
			slog.String("stage", conf.Stage),
			slog.String("event_id", conf.EventID))
		return Outcome{Contract: c}, nil
	}
	if !errors.Is(err, escrow.ErrInvalidState) {
		return Outcome{}, err
	}
	current, lookupErr := d.engine.ContractForMilestone(ctx, conf.MilestoneID)
	if lookupErr != nil {
		return Outcome{}, err
	}
	ms := current.FindMilestone(conf.MilestoneID)
	if ms == nil || (ms.Status != escrow.MilestoneCompleted && ms.Status != escrow.MilestoneApproved) {
		return Outcome{}, err
	}
	d.logger.Info("duplicate delivery confirmation",
		slog.String("milestone_id", conf.MilestoneID.String()),
		slog.String("event_id", conf.EventID),
		slog.String("status", string(ms.Status)))
	return Outcome{Contract: current, Duplicate: true}, nil
}

func requireID(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s required", escrow.ErrValidation, field)
	}
	return nil
}

func milestoneOf(c *escrow.Contract, id uuid.UUID) *escrow.Milestone {
	if c == nil {
		return nil
	}
	return c.FindMilestone(id).Clone()
}

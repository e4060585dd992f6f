package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/models"
)

// Store persists escrow contracts, their milestone ledgers and the audit
// trail. Every mutation runs in a single transaction guarded by the contract
// version column.
type Store struct {
	db *gorm.DB
}

// New wraps the supplied database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts a new contract with its milestones and creation events.
func (s *Store) Create(ctx context.Context, c *escrow.Contract, events []escrow.Event) error {
	if c == nil {
		return fmt.Errorf("%w: contract required", escrow.ErrValidation)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	row := models.FromDomain(c)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		return appendEvents(tx, events)
	})
}

// Get loads the contract and its ledger.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*escrow.Contract, error) {
	var row models.Contract
	err := s.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: contract %s", escrow.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return row.ToDomain(), nil
}

// ContractIDForMilestone resolves the owning contract of a milestone.
func (s *Store) ContractIDForMilestone(ctx context.Context, milestoneID uuid.UUID) (uuid.UUID, error) {
	var row models.Milestone
	err := s.db.WithContext(ctx).Select("id", "contract_id").First(&row, "id = ?", milestoneID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("%w: milestone %s", escrow.ErrNotFound, milestoneID)
		}
		return uuid.Nil, fmt.Errorf("load milestone: %w", err)
	}
	return row.ContractID, nil
}

// ListByParty returns the contracts where partyID plays the given role,
// newest first.
func (s *Store) ListByParty(ctx context.Context, partyID string, role escrow.PartyRole) ([]*escrow.Contract, error) {
	var column string
	switch role {
	case escrow.RoleCreator:
		column = "creator_id"
	case escrow.RoleMaker:
		column = "maker_id"
	default:
		return nil, fmt.Errorf("%w: unsupported party role %q", escrow.ErrValidation, role)
	}
	if partyID == "" {
		return nil, fmt.Errorf("%w: party id required", escrow.ErrValidation)
	}
	var rows []models.Contract
	err := s.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where(column+" = ?", partyID).
		Order("created_at DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	out := make([]*escrow.Contract, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

// SaveTransition persists the mutated contract when the stored version still
// equals expectedVersion. A stale version yields escrow.ErrConflict. On
// success after.Version is advanced.
func (s *Store) SaveTransition(ctx context.Context, expectedVersion int64, after *escrow.Contract, events []escrow.Event) error {
	if after == nil {
		return fmt.Errorf("%w: contract required", escrow.ErrValidation)
	}
	next := expectedVersion + 1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Contract
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "version").
			First(&current, "id = ?", after.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contract %s", escrow.ErrNotFound, after.ID)
			}
			return fmt.Errorf("lock contract: %w", err)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: contract %s at version %d, expected %d", escrow.ErrConflict, after.ID, current.Version, expectedVersion)
		}
		if proof := strings.TrimSpace(after.FundingProof); proof != "" {
			inUse, err := fundingProofInUse(tx, proof, after.ID)
			if err != nil {
				return err
			}
			if inUse {
				return fmt.Errorf("%w: funding proof already recorded on another contract", escrow.ErrValidation)
			}
		}
		res := tx.Model(&models.Contract{}).
			Where("id = ? AND version = ?", after.ID, expectedVersion).
			Updates(contractUpdates(after, next))
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: funding proof already recorded on another contract", escrow.ErrValidation)
			}
			return fmt.Errorf("update contract: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: contract %s changed concurrently", escrow.ErrConflict, after.ID)
		}
		for _, m := range after.Milestones {
			res := tx.Model(&models.Milestone{}).
				Where("id = ? AND contract_id = ?", m.ID, after.ID).
				Updates(milestoneUpdates(m, after.UpdatedAt))
			if res.Error != nil {
				return fmt.Errorf("update milestone %s: %w", m.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: milestone %s missing from ledger", escrow.ErrInternalInconsistency, m.ID)
			}
		}
		return appendEvents(tx, events)
	})
	if err != nil {
		return err
	}
	after.Version = next
	return nil
}

// FundingProofInUse reports whether proof funds a contract other than
// contractID.
func (s *Store) FundingProofInUse(ctx context.Context, proof string, contractID uuid.UUID) (bool, error) {
	return fundingProofInUse(s.db.WithContext(ctx), strings.TrimSpace(proof), contractID)
}

func fundingProofInUse(db *gorm.DB, proof string, contractID uuid.UUID) (bool, error) {
	if proof == "" {
		return false, nil
	}
	var count int64
	if err := db.Model(&models.Contract{}).
		Where("funding_proof = ? AND id <> ?", proof, contractID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check funding proof: %w", err)
	}
	return count > 0, nil
}

// Events returns the audit trail of a contract in append order.
func (s *Store) Events(ctx context.Context, contractID uuid.UUID) ([]escrow.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]escrow.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].ToDomain()
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", rows[i].ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// OverdueMilestone pairs an overdue milestone with its contract parties.
type OverdueMilestone struct {
	Milestone *escrow.Milestone
	CreatorID string
	MakerID   string
}

// ListOverdue returns in-progress milestones whose due date passed before now,
// oldest due date first.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]OverdueMilestone, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.Milestone
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_date IS NOT NULL AND due_date < ?", string(escrow.MilestoneInProgress), now).
		Order("due_date ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ContractID)
	}
	var contracts []models.Contract
	if err := s.db.WithContext(ctx).Select("id", "creator_id", "maker_id").Where("id IN ?", ids).Find(&contracts).Error; err != nil {
		return nil, fmt.Errorf("load overdue contracts: %w", err)
	}
	parties := make(map[uuid.UUID]models.Contract, len(contracts))
	for _, c := range contracts {
		parties[c.ID] = c
	}
	out := make([]OverdueMilestone, 0, len(rows))
	for i := range rows {
		owner := parties[rows[i].ContractID]
		out = append(out, OverdueMilestone{
			Milestone: rows[i].ToDomain(),
			CreatorID: owner.CreatorID,
			MakerID:   owner.MakerID,
		})
	}
	return out, nil
}

func appendEvents(tx *gorm.DB, events []escrow.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]models.Event, 0, len(events))
	for _, ev := range events {
		row, err := models.EventFromDomain(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.Type, err)
		}
		rows = append(rows, row)
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func contractUpdates(c *escrow.Contract, version int64) map[string]any {
	return map[string]any{
		"status":             string(c.Status),
		"settlement_address": c.SettlementAddress,
		"funding_proof":      c.FundingProof,
		"funded_at":          c.FundedAt,
		"completed_at":       c.CompletedAt,
		"cancel_reason":      c.CancelReason,
		"cancelled_at":       c.CancelledAt,
		"version":            version,
		"updated_at":         c.UpdatedAt,
	}
}

func milestoneUpdates(m *escrow.Milestone, at time.Time) map[string]any {
	return map[string]any{
		"status":           string(m.Status),
		"started_at":       m.StartedAt,
		"completed_at":     m.CompletedAt,
		"approved_at":      m.ApprovedAt,
		"settlement_proof": m.SettlementProof,
		"dispute_reason":   m.DisputeReason,
		"disputed_at":      m.DisputedAt,
		"dispute_source":   string(m.DisputeSource),
		"updated_at":       at,
	}
}

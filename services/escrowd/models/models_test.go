package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

func TestContractRowsKeepMilestoneOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	contractID := uuid.New()
	row := Contract{
		ID:          contractID,
		TotalAmount: decimal.RequireFromString("100"),
		Currency:    "USDC",
		Status:      string(escrow.ContractFunded),
		CreatorID:   "creator-1",
		MakerID:     "maker-1",
		FundedAt:    &now,
		Version:     3,
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones: []Milestone{
			{ID: uuid.New(), ContractID: contractID, Position: 2, Name: "Build", Percentage: decimal.NewFromInt(60), Amount: decimal.NewFromInt(60), Status: string(escrow.MilestonePending)},
			{ID: uuid.New(), ContractID: contractID, Position: 1, Name: "Design", Percentage: decimal.NewFromInt(40), Amount: decimal.NewFromInt(40), Status: string(escrow.MilestoneInProgress)},
		},
	}

	c := row.ToDomain()
	require.Len(t, c.Milestones, 2)
	require.Equal(t, "Design", c.Milestones[0].Name)
	require.Equal(t, 1, c.Milestones[0].Order)
	require.Equal(t, escrow.MilestoneInProgress, c.Milestones[0].Status)
	require.Equal(t, time.UTC, c.FundedAt.Location())
	require.Equal(t, int64(3), c.Version)

	back := FromDomain(c)
	require.Equal(t, row.ID, back.ID)
	require.Equal(t, 1, back.Milestones[0].Position)
	require.Equal(t, c.UpdatedAt, back.Milestones[0].UpdatedAt)
	require.True(t, back.TotalAmount.Equal(row.TotalAmount))
}

func TestEventAttributesSurviveStorage(t *testing.T) {
	milestoneID := uuid.New()
	ev := escrow.Event{
		Type:        escrow.EventTypeMilestoneDisputed,
		ContractID:  uuid.New(),
		MilestoneID: milestoneID,
		Actor:       "maker-1",
		Attributes:  map[string]string{"reason": "late delivery"},
		OccurredAt:  time.Now().UTC(),
	}
	row, err := EventFromDomain(ev)
	require.NoError(t, err)
	require.NotNil(t, row.MilestoneID)
	require.JSONEq(t, `{"reason":"late delivery"}`, row.Attributes)

	restored, err := row.ToDomain()
	require.NoError(t, err)
	require.Equal(t, milestoneID, restored.MilestoneID)
	require.Equal(t, "late delivery", restored.Attributes["reason"])

	contractLevel, err := EventFromDomain(escrow.Event{Type: escrow.EventTypeContractFunded, ContractID: ev.ContractID})
	require.NoError(t, err)
	require.Nil(t, contractLevel.MilestoneID)
	require.Empty(t, contractLevel.Attributes)
}

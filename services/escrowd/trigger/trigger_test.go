package trigger

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/custody"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/models"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/settlement"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/store"
)

func newDispatcher(t *testing.T) (*Dispatcher, *settlement.Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	engine, err := settlement.New(store.New(db), custody.StaticProvisioner{Address: "0xtrigger"})
	require.NoError(t, err)
	return NewDispatcher(engine, nil), engine
}

func initAction() Action {
	return Action{
		Kind:  KindInitEscrow,
		Actor: "creator-1",
		Create: &CreateInput{
			TotalAmount: decimal.NewFromInt(300),
			CreatorID:   "creator-1",
			MakerID:     "maker-1",
			Milestones: []MilestoneInput{
				{Name: "sample", Percentage: decimal.NewFromInt(50)},
				{Name: "bulk", Percentage: decimal.NewFromInt(50)},
			},
		},
	}
}

func TestDispatchConversationalFlow(t *testing.T) {
	ctx := context.Background()
	d, engine := newDispatcher(t)

	res, err := d.Dispatch(ctx, initAction())
	require.NoError(t, err)
	contract := res.Contract
	require.Equal(t, escrow.ContractCreated, contract.Status)
	require.Equal(t, escrow.DefaultCurrency, contract.Currency)

	_, err = d.Dispatch(ctx, Action{Kind: KindFundEscrow, Actor: "creator-1", ContractID: contract.ID, FundingProof: "0xfund"})
	require.NoError(t, err)

	first := contract.Milestones[0].ID
	res, err = d.Dispatch(ctx, Action{Kind: KindCompleteMilestone, Actor: "maker-1", MilestoneID: first})
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneCompleted, res.Milestone.Status)

	res, err = d.Dispatch(ctx, Action{Kind: KindApproveMilestone, Actor: "creator-1", MilestoneID: first, SettlementProof: "0xpaid"})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	res, err = d.Dispatch(ctx, Action{Kind: KindApproveMilestone, Actor: "creator-1", MilestoneID: first, SettlementProof: "0xpaid"})
	require.NoError(t, err)
	require.True(t, res.Replayed)

	res, err = d.Dispatch(ctx, Action{Kind: KindGetStats, ContractID: contract.ID})
	require.NoError(t, err)
	require.True(t, res.Stats.ProgressPercentage.Equal(decimal.NewFromInt(50)))

	res, err = d.Dispatch(ctx, Action{Kind: KindDisputeMilestone, Actor: "creator-1", MilestoneID: contract.Milestones[1].ID, Reason: "wrong fabric"})
	require.NoError(t, err)
	require.Equal(t, escrow.ContractDisputed, res.Contract.Status)

	res, err = d.Dispatch(ctx, Action{Kind: KindCancelEscrow, Actor: "operator", ContractID: contract.ID, Reason: "refund agreed"})
	require.NoError(t, err)
	require.Equal(t, escrow.ContractCancelled, res.Contract.Status)

	trail, err := engine.Events(ctx, contract.ID)
	require.NoError(t, err)
	actors := map[string]bool{}
	for _, ev := range trail {
		actors[ev.Actor] = true
	}
	require.True(t, actors["creator-1"])
	require.True(t, actors["maker-1"])
	require.True(t, actors["operator"])
}

func TestDispatchValidation(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t)

	_, err := d.Dispatch(ctx, Action{Kind: "Teleport"})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = d.Dispatch(ctx, Action{Kind: KindInitEscrow})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = d.Dispatch(ctx, Action{Kind: KindFundEscrow, FundingProof: "x"})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = d.Dispatch(ctx, Action{Kind: KindApproveMilestone})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = d.Dispatch(ctx, Action{Kind: KindGetStats, ContractID: uuid.New()})
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestDeliveryConfirmedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t)
	res, err := d.Dispatch(ctx, initAction())
	require.NoError(t, err)
	contract := res.Contract
	_, err = d.Dispatch(ctx, Action{Kind: KindFundEscrow, ContractID: contract.ID, FundingProof: "0xfund"})
	require.NoError(t, err)

	conf := DeliveryConfirmation{MilestoneID: contract.Milestones[0].ID, Stage: "sample", EventID: "evt-1"}
	outcome, err := d.DeliveryConfirmed(ctx, conf)
	require.NoError(t, err)
	require.False(t, outcome.Duplicate)
	require.Equal(t, escrow.ContractInProgress, outcome.Contract.Status)

	outcome, err = d.DeliveryConfirmed(ctx, conf)
	require.NoError(t, err)
	require.True(t, outcome.Duplicate)

	// The second stage has not started, so its confirmation is a real error.
	_, err = d.DeliveryConfirmed(ctx, DeliveryConfirmation{MilestoneID: contract.Milestones[1].ID})
	require.ErrorIs(t, err, escrow.ErrInvalidState)

	_, err = d.DeliveryConfirmed(ctx, DeliveryConfirmation{MilestoneID: uuid.New()})
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"milestone_id":"x"}`)
	sig := Sign("s3cret", body)
	require.Len(t, sig, 64)
	require.True(t, Verify("s3cret", body, sig))
	require.True(t, Verify("s3cret", body, " "+sig+" "))
	require.False(t, Verify("other", body, sig))
	require.False(t, Verify("s3cret", []byte(`{}`), sig))
	require.False(t, Verify("", body, Sign("", body)))
	require.False(t, Verify("s3cret", body, "zz"))
}

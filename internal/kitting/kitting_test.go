package kitting_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/database"
	"workcell/internal/kitting"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/procurement"
	"workcell/internal/qty"
	"workcell/internal/testutil"
	"workcell/internal/validation"
)

func d(s string) decimal.Decimal { return qty.MustParse(s) }

func lot(t *testing.T, db *database.DB, id int64) *models.InventoryLot {
	t.Helper()
	l, err := ledger.Lot(context.Background(), db, id)
	require.NoError(t, err)
	return l
}

type kitFixture struct {
	db     *database.DB
	svc    *kitting.Service
	output int64
	cable  int64
	plug   int64
}

func newKitFixture(t *testing.T) kitFixture {
	db := testutil.SetupTestDB(t)
	return kitFixture{
		db:     db,
		svc:    kitting.New(db, "FG"),
		output: testutil.CreateItem(t, db, "CORD-SET"),
		cable:  testutil.CreateItem(t, db, "CABLE"),
		plug:   testutil.CreateItem(t, db, "PLUG"),
	}
}

func (f kitFixture) create(t *testing.T, build string, pinned *int64) *kitting.Detail {
	t.Helper()
	k, err := f.svc.Create(context.Background(), kitting.Input{
		Header: kitting.Header{Name: "Cord set", OutputItemID: f.output, QuantityToBuild: d(build)},
		Components: []kitting.ComponentInput{
			{ItemID: f.cable, QuantityPerKit: d("1.5"), InventoryID: pinned},
			{ItemID: f.plug, QuantityPerKit: d("2")},
		},
	})
	require.NoError(t, err)
	return k
}

func TestCreateAssignsNumberAndValidates(t *testing.T) {
	f := newKitFixture(t)
	k := f.create(t, "4", nil)
	assert.Regexp(t, `^KIT-\d{4}-0001$`, k.Header.KitNumber)
	assert.Equal(t, kitting.StatusDraft, k.Header.Status)
	assert.Equal(t, "CORD-SET", k.Header.OutputItemCode)
	require.Len(t, k.Components, 2)

	_, err := f.svc.Create(context.Background(), kitting.Input{
		Header: kitting.Header{KitNumber: k.Header.KitNumber, Name: "dup", OutputItemID: f.output, QuantityToBuild: d("1")},
	})
	var ve *validation.ValidationErrors
	require.ErrorAs(t, err, &ve)

	plugLot := testutil.ReceiveLot(t, f.db, f.plug, "1", 0)
	_, err = f.svc.Create(context.Background(), kitting.Input{
		Header:     kitting.Header{Name: "bad pin", OutputItemID: f.output, QuantityToBuild: d("1")},
		Components: []kitting.ComponentInput{{ItemID: f.cable, QuantityPerKit: d("1"), InventoryID: &plugLot}},
	})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "not the component item")
}

func TestReservePinnedLotFirstThenFIFO(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()
	early := testutil.ReceiveLot(t, f.db, f.cable, "10", 0)
	pinned := testutil.ReceiveLot(t, f.db, f.cable, "4", time.Hour)
	testutil.ReceiveLot(t, f.db, f.plug, "8", 0)
	k := f.create(t, "4", &pinned)

	res, err := f.svc.Reserve(ctx, k.Header.KitItemID)
	require.NoError(t, err)
	assert.Equal(t, kitting.StatusReserved, res.Status)
	assert.Empty(t, res.Shortages)
	assert.True(t, d("4").Equal(lot(t, f.db, pinned).QuantityReserved))
	assert.True(t, d("2").Equal(lot(t, f.db, early).QuantityReserved))

	again, err := f.svc.Reserve(ctx, k.Header.KitItemID)
	require.NoError(t, err)
	assert.Empty(t, again.Reserved)
	assert.True(t, d("2").Equal(lot(t, f.db, early).QuantityReserved))
}

func TestReserveShortageRaisesKitRequest(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()
	testutil.ReceiveLot(t, f.db, f.cable, "6", 0)
	testutil.ReceiveLot(t, f.db, f.plug, "5", 0)
	k := f.create(t, "4", nil)

	res, err := f.svc.Reserve(ctx, k.Header.KitItemID)
	require.NoError(t, err)
	assert.Equal(t, kitting.StatusPartial, res.Status)
	require.Len(t, res.Shortages, 1)
	assert.Equal(t, "PLUG", res.Shortages[0].ItemCode)
	assert.True(t, d("3").Equal(res.Shortages[0].Short))
	require.NotNil(t, res.Shortages[0].PurchaseRequestID)
	require.Len(t, res.Warnings, 1)

	prs, err := procurement.ListBySource(ctx, f.db, procurement.SourceKitReserve, k.Header.KitItemID)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.True(t, d("3").Equal(prs[0].QuantityNeeded))

	cancelled, err := f.svc.Cancel(ctx, k.Header.KitItemID)
	require.NoError(t, err)
	assert.Equal(t, kitting.StatusCancelled, cancelled.Status)
	pr, err := procurement.GetRequest(ctx, f.db, prs[0].RequestID)
	require.NoError(t, err)
	assert.Equal(t, procurement.StatusCancelled, pr.Status)

	lots, err := ledger.Lots(ctx, f.db, 0)
	require.NoError(t, err)
	for _, l := range lots {
		assert.True(t, l.QuantityReserved.IsZero(), "lot %d still reserved", l.InventoryID)
	}
	require.NoError(t, f.svc.Delete(ctx, k.Header.KitItemID))
}

func TestCompleteBuildsInSteps(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()
	cable := testutil.ReceiveLot(t, f.db, f.cable, "7", 0)
	plug := testutil.ReceiveLot(t, f.db, f.plug, "8", 0)
	k := f.create(t, "3", nil)
	id := k.Header.KitItemID

	_, err := f.svc.Complete(ctx, id, d("1"))
	assert.ErrorIs(t, err, kitting.ErrInvalidTransition)

	_, err = f.svc.Reserve(ctx, id)
	require.NoError(t, err)

	first, err := f.svc.Complete(ctx, id, d("1"))
	require.NoError(t, err)
	assert.Equal(t, kitting.StatusReserved, first.Status)
	require.Len(t, first.Consumed, 2)
	assert.True(t, d("1.5").Equal(first.Consumed[0].Quantity))
	assert.True(t, d("2").Equal(first.Consumed[1].Quantity))
	fg := lot(t, f.db, first.InventoryID)
	assert.True(t, d("1").Equal(fg.QuantityOnHand))
	assert.Equal(t, ledger.SourceKitItem, fg.SourceType)

	_, err = f.svc.Complete(ctx, id, d("3"))
	var ve *validation.ValidationErrors
	require.ErrorAs(t, err, &ve)

	last, err := f.svc.Complete(ctx, id, d("2"))
	require.NoError(t, err)
	assert.Equal(t, kitting.StatusCompleted, last.Status)
	assert.True(t, d("3").Equal(last.CompletedQuantity))

	cl := lot(t, f.db, cable)
	assert.True(t, d("2.5").Equal(cl.QuantityOnHand))
	assert.True(t, cl.QuantityReserved.IsZero())
	pl := lot(t, f.db, plug)
	assert.True(t, d("2").Equal(pl.QuantityOnHand))
	assert.True(t, pl.QuantityReserved.IsZero())

	detail, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	for _, c := range detail.Components {
		assert.True(t, c.QuantityReserved.Equal(c.QuantityConsumed))
	}
	_, err = f.svc.Cancel(ctx, id)
	assert.ErrorIs(t, err, kitting.ErrInvalidTransition)
}

func TestComponentEditsOnlyInDraft(t *testing.T) {
	f := newKitFixture(t)
	ctx := context.Background()
	k := f.create(t, "1", nil)
	id := k.Header.KitItemID

	c, err := f.svc.AddComponent(ctx, id, kitting.ComponentInput{ItemID: f.plug, QuantityPerKit: d("1")})
	require.NoError(t, err)
	c, err = f.svc.UpdateComponent(ctx, c.ComponentID, kitting.ComponentInput{ItemID: f.plug, QuantityPerKit: d("0.25")})
	require.NoError(t, err)
	assert.True(t, d("0.25").Equal(c.QuantityPerKit))
	require.NoError(t, f.svc.DeleteComponent(ctx, c.ComponentID))

	updated, err := f.svc.UpdateHeader(ctx, id, kitting.Header{Name: "Renamed", OutputItemID: f.output, QuantityToBuild: d("2")})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Header.Name)
	assert.Equal(t, k.Header.KitNumber, updated.Header.KitNumber)

	_, err = f.svc.Reserve(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.AddComponent(ctx, id, kitting.ComponentInput{ItemID: f.plug, QuantityPerKit: d("1")})
	assert.ErrorIs(t, err, kitting.ErrNotEditable)
	assert.ErrorIs(t, f.svc.Delete(ctx, id), kitting.ErrNotEditable)
}

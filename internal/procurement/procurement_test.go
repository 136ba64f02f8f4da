package procurement_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/procurement"
	"workcell/internal/qty"
	"workcell/internal/testutil"
	"workcell/internal/validation"
)

func d(s string) decimal.Decimal { return qty.MustParse(s) }

func TestEnsureShortageUpsertsPendingRequest(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "BOLT")

	s := procurement.Shortage{ItemID: item, Quantity: d("2"), SourceType: procurement.SourceWorkOrder, SourceID: 7, SourceReference: "WO-7"}
	first, err := procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	assert.Equal(t, procurement.StatusPending, first.Status)

	s.Quantity = d("3.5")
	second, err := procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.True(t, d("3.5").Equal(second.QuantityNeeded))

	prs, err := procurement.ListBySource(ctx, db, procurement.SourceWorkOrder, 7)
	require.NoError(t, err)
	require.Len(t, prs, 1)

	require.NoError(t, procurement.ClearShortage(ctx, db, procurement.SourceWorkOrder, 7, item))
	got, err := procurement.GetRequest(ctx, db, first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, procurement.StatusCancelled, got.Status)
}

func TestEnsureShortageRaisesOnlyWhatIsNotInFlight(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "RIVET")

	s := procurement.Shortage{ItemID: item, Quantity: d("4"), SourceType: procurement.SourceSalesOrder, SourceID: 3, SourceReference: "SO-3"}
	first, err := procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	_, err = procurement.SetRequestStatus(ctx, db, first.RequestID, procurement.StatusApproved)
	require.NoError(t, err)

	// Same deficit: the approved request already covers it.
	same, err := procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, same.RequestID)

	// Deficit grows: only the increase is requested.
	s.Quantity = d("10")
	extra, err := procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	assert.NotEqual(t, first.RequestID, extra.RequestID)
	assert.Equal(t, procurement.StatusPending, extra.Status)
	assert.True(t, d("6").Equal(extra.QuantityNeeded), "got %s", extra.QuantityNeeded)

	// Deficit shrinks back: the pending top-up is withdrawn.
	s.Quantity = d("4")
	_, err = procurement.EnsureShortage(ctx, db, s)
	require.NoError(t, err)
	got, err := procurement.GetRequest(ctx, db, extra.RequestID)
	require.NoError(t, err)
	assert.Equal(t, procurement.StatusCancelled, got.Status)

	prs, err := procurement.ListBySource(ctx, db, procurement.SourceSalesOrder, 3)
	require.NoError(t, err)
	assert.Len(t, prs, 2)

	s.Quantity = decimal.Zero
	_, err = procurement.EnsureShortage(ctx, db, s)
	assert.Error(t, err)
}

func TestRequestStatusTransitions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "NUT")

	pr, err := procurement.CreateRequest(ctx, db, procurement.RequestInput{ItemID: item, QuantityNeeded: d("10")})
	require.NoError(t, err)
	assert.Equal(t, procurement.SourceManual, pr.SourceType)
	assert.Equal(t, "normal", pr.Priority)

	pr, err = procurement.SetRequestStatus(ctx, db, pr.RequestID, procurement.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, procurement.StatusApproved, pr.Status)

	_, err = procurement.SetRequestStatus(ctx, db, pr.RequestID, procurement.StatusPending)
	assert.ErrorIs(t, err, procurement.ErrInvalidTransition)

	err = procurement.DeleteRequest(ctx, db, pr.RequestID)
	assert.ErrorIs(t, err, procurement.ErrInvalidTransition)

	_, err = procurement.CreateRequest(ctx, db, procurement.RequestInput{ItemID: item, QuantityNeeded: decimal.RequireFromString("0.00001")})
	var ve *validation.ValidationErrors
	assert.ErrorAs(t, err, &ve)
}

func TestConvertAndReceive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	a := testutil.CreateItem(t, db, "A")
	b := testutil.CreateItem(t, db, "B")

	var ids []int64
	for _, in := range []procurement.RequestInput{
		{ItemID: a, QuantityNeeded: d("2")},
		{ItemID: a, QuantityNeeded: d("3")},
		{ItemID: b, QuantityNeeded: d("1")},
	} {
		pr, err := procurement.CreateRequest(ctx, db, in)
		require.NoError(t, err)
		ids = append(ids, pr.RequestID)
	}

	conv, err := procurement.ConvertToPO(ctx, db, ids, procurement.POData{ExpectedDelivery: "2026-02-01"})
	require.NoError(t, err)
	assert.Regexp(t, `^PO-\d{4}-0001$`, conv.PONumber)

	po, err := procurement.GetOrder(ctx, db, conv.PurchaseOrderID)
	require.NoError(t, err)
	assert.Equal(t, procurement.POOrdered, po.Header.Status)
	require.Len(t, po.Details, 2)
	assert.True(t, d("5").Equal(po.Details[0].Quantity))

	for _, id := range ids {
		pr, err := procurement.GetRequest(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, procurement.StatusConverted, pr.Status)
		require.NotNil(t, pr.ConvertedPOID)
		assert.Equal(t, conv.PurchaseOrderID, *pr.ConvertedPOID)
	}
	_, err = procurement.ConvertToPO(ctx, db, ids[:1], procurement.POData{})
	assert.ErrorIs(t, err, procurement.ErrInvalidTransition)

	lineA := po.Details[0].PODID
	lot, err := procurement.ReceiveDetail(ctx, db, lineA, procurement.ReceiptInput{ReceivedQuantity: d("4"), Location: "DOCK"})
	require.NoError(t, err)
	assert.Equal(t, ledger.SourcePurchaseOrder, lot.SourceType)
	assert.True(t, d("4").Equal(lot.QuantityOnHand))

	po, err = procurement.GetOrder(ctx, db, conv.PurchaseOrderID)
	require.NoError(t, err)
	assert.Equal(t, procurement.POPartial, po.Header.Status)

	_, err = procurement.ReceiveDetail(ctx, db, lineA, procurement.ReceiptInput{ReceivedQuantity: d("2")})
	assert.ErrorIs(t, err, procurement.ErrOverReceipt)

	_, err = procurement.ReceiveDetail(ctx, db, lineA, procurement.ReceiptInput{ReceivedQuantity: d("1")})
	require.NoError(t, err)
	_, err = procurement.ReceiveDetail(ctx, db, po.Details[1].PODID, procurement.ReceiptInput{ReceivedQuantity: d("1"), ExpiryDate: "2027-01-01"})
	require.NoError(t, err)

	po, err = procurement.GetOrder(ctx, db, conv.PurchaseOrderID)
	require.NoError(t, err)
	assert.Equal(t, procurement.POReceived, po.Header.Status)

	_, err = procurement.ReceiveDetail(ctx, db, lineA, procurement.ReceiptInput{ReceivedQuantity: d("1")})
	assert.ErrorIs(t, err, procurement.ErrPOClosed)
}

func TestCreateOrderDirectly(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	bolt := testutil.CreateItem(t, db, "BOLT")
	nut := testutil.CreateItem(t, db, "NUT")
	sup, err := partners.CreateSupplier(ctx, db, models.Supplier{CompanyName: "Fastenal", LeadTimeDays: 5})
	require.NoError(t, err)

	missing := int64(404)
	_, err = procurement.CreateOrder(ctx, db, procurement.POInput{
		Header:  procurement.POData{SupplierID: &missing},
		Details: []procurement.POLineInput{{ItemID: bolt, Quantity: d("1")}},
	})
	var ve *validation.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "supplier_id", ve.Errors[0].Field)

	_, err = procurement.CreateOrder(ctx, db, procurement.POInput{Header: procurement.POData{}})
	require.ErrorAs(t, err, &ve)

	po, err := procurement.CreateOrder(ctx, db, procurement.POInput{
		Header: procurement.POData{SupplierID: &sup.SupplierID, ExpectedDelivery: "2026-03-01"},
		Details: []procurement.POLineInput{
			{ItemID: bolt, Quantity: d("10"), UnitCost: d("0.25")},
			{ItemID: nut, Quantity: d("4")},
		},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^PO-\d{4}-0001$`, po.Header.PONumber)
	assert.Equal(t, procurement.POOrdered, po.Header.Status)
	require.Len(t, po.Details, 2)
	assert.True(t, d("0.25").Equal(po.Details[0].UnitCost))
	boltLine, nutLine := po.Details[0].PODID, po.Details[1].PODID

	_, err = procurement.ReceiveDetail(ctx, db, boltLine, procurement.ReceiptInput{ReceivedQuantity: d("6")})
	require.NoError(t, err)

	_, err = procurement.UpdateOrderDetail(ctx, db, boltLine, procurement.POLineInput{ItemID: bolt, Quantity: d("5")})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "already received")
	_, err = procurement.UpdateOrderDetail(ctx, db, boltLine, procurement.POLineInput{ItemID: nut, Quantity: d("10")})
	require.ErrorAs(t, err, &ve)

	got, err := procurement.UpdateOrderDetail(ctx, db, boltLine, procurement.POLineInput{ItemID: bolt, Quantity: d("6")})
	require.NoError(t, err)
	assert.Equal(t, procurement.POPartial, got.Header.Status, "the nut line is still open")

	got, err = procurement.AddOrderDetail(ctx, db, po.Header.PurchaseOrderID, procurement.POLineInput{ItemID: nut, Quantity: d("2")})
	require.NoError(t, err)
	require.Len(t, got.Details, 3)

	got, err = procurement.UpdateOrder(ctx, db, po.Header.PurchaseOrderID, procurement.POData{Notes: "rush"})
	require.NoError(t, err)
	assert.Equal(t, "rush", got.Header.Notes)
	assert.Equal(t, po.Header.PONumber, got.Header.PONumber)
	assert.Nil(t, got.Header.SupplierID)

	_, err = procurement.ReceiveDetail(ctx, db, nutLine, procurement.ReceiptInput{ReceivedQuantity: d("4")})
	require.NoError(t, err)
	_, err = procurement.ReceiveDetail(ctx, db, got.Details[2].PODID, procurement.ReceiptInput{ReceivedQuantity: d("2")})
	require.NoError(t, err)

	closed, err := procurement.GetOrder(ctx, db, po.Header.PurchaseOrderID)
	require.NoError(t, err)
	assert.Equal(t, procurement.POReceived, closed.Header.Status)
	_, err = procurement.UpdateOrder(ctx, db, po.Header.PurchaseOrderID, procurement.POData{})
	assert.ErrorIs(t, err, procurement.ErrPOClosed)
	_, err = procurement.AddOrderDetail(ctx, db, po.Header.PurchaseOrderID, procurement.POLineInput{ItemID: nut, Quantity: d("1")})
	assert.ErrorIs(t, err, procurement.ErrPOClosed)

	assert.NoError(t, partners.DeleteSupplier(ctx, db, sup.SupplierID), "the order no longer names the supplier")
}

func TestDeleteSupplierInUse(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	bolt := testutil.CreateItem(t, db, "BOLT")
	sup, err := partners.CreateSupplier(ctx, db, models.Supplier{CompanyName: "Fastenal"})
	require.NoError(t, err)
	_, err = procurement.CreateOrder(ctx, db, procurement.POInput{
		Header:  procurement.POData{SupplierID: &sup.SupplierID},
		Details: []procurement.POLineInput{{ItemID: bolt, Quantity: d("1")}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, partners.DeleteSupplier(ctx, db, sup.SupplierID), partners.ErrInUse)
}

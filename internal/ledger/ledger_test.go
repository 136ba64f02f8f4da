package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/qty"
	"workcell/internal/testutil"
)

func d(s string) decimal.Decimal { return qty.MustParse(s) }

func requireQty(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s got %s %v", want, got, msgAndArgs)
}

func TestReceiveCreatesUnreservedLot(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "RES-10K")

	lot, err := ledger.Receive(ctx, db, ledger.ReceiveInput{
		ItemID: item, Quantity: d("12.5"), Location: "B2", BatchNumber: "B-1",
	})
	require.NoError(t, err)
	requireQty(t, "12.5", lot.QuantityOnHand)
	requireQty(t, "0", lot.QuantityReserved)
	assert.Equal(t, "RES-10K", lot.ItemCode)
	assert.Equal(t, "B-1", lot.BatchNumber)
	assert.Equal(t, ledger.SourceManual, lot.SourceType)

	txs, err := ledger.Transactions(ctx, db, lot.InventoryID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxReceive, txs[0].Type)

	_, err = ledger.Receive(ctx, db, ledger.ReceiveInput{ItemID: item, Quantity: d("0")})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
}

func TestReceiveDefaultsBatchNumber(t *testing.T) {
	db := testutil.SetupTestDB(t)
	item := testutil.CreateItem(t, db, "CAP-1U")
	lot, err := ledger.Receive(context.Background(), db, ledger.ReceiveInput{ItemID: item, Quantity: d("1")})
	require.NoError(t, err)
	assert.Regexp(t, `^LOT-[0-9a-f]{8}$`, lot.BatchNumber)
}

func TestLotPrimitives(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "PCB-1")
	lotID := testutil.ReceiveLot(t, db, item, "10", 0)
	owner := ledger.Owner{Type: ledger.OwnerWorkOrder, ID: 1, LineID: 1, Reference: "WO-00001"}

	_, err := ledger.ReserveLot(ctx, db, lotID, d("10.0001"), owner)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAvailable)

	lot, err := ledger.ReserveLot(ctx, db, lotID, d("7"), owner)
	require.NoError(t, err)
	requireQty(t, "7", lot.QuantityReserved)
	requireQty(t, "3", lot.Available())

	_, err = ledger.ReleaseLot(ctx, db, lotID, d("8"), owner)
	assert.ErrorIs(t, err, ledger.ErrOverRelease)

	lot, err = ledger.ReleaseLot(ctx, db, lotID, d("2"), owner)
	require.NoError(t, err)
	requireQty(t, "5", lot.QuantityReserved)

	_, err = ledger.ConsumeLot(ctx, db, lotID, d("6"), owner)
	assert.ErrorIs(t, err, ledger.ErrOverConsume)

	lot, err = ledger.ConsumeLot(ctx, db, lotID, d("4"), owner)
	require.NoError(t, err)
	requireQty(t, "6", lot.QuantityOnHand)
	requireQty(t, "1", lot.QuantityReserved)

	_, err = ledger.Lot(ctx, db, 9999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	txs, err := ledger.Transactions(ctx, db, lotID)
	require.NoError(t, err)
	var types []string
	for _, tx := range txs {
		types = append(types, tx.Type)
	}
	assert.Equal(t, []string{"receive", "reserve", "release", "consume"}, types)
}

func TestJournalTransactionsFilters(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	a := testutil.CreateItem(t, db, "A")
	b := testutil.CreateItem(t, db, "B")
	lotA := testutil.ReceiveLot(t, db, a, "5", 0)
	testutil.ReceiveLot(t, db, b, "5", 0)
	owner := ledger.Owner{Type: ledger.OwnerSalesOrder, ID: 3, LineID: 30, Reference: "SO-3"}
	_, err := ledger.ReserveLot(ctx, db, lotA, d("2"), owner)
	require.NoError(t, err)

	all, err := ledger.JournalTransactions(ctx, db, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.TxReserve, all[0].Type, "newest first")

	onlyA, err := ledger.JournalTransactions(ctx, db, ledger.TransactionFilter{ItemID: a})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	receipts, err := ledger.JournalTransactions(ctx, db, ledger.TransactionFilter{Type: ledger.TxReceive, Limit: 1})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ledger.TxReceive, receipts[0].Type)
}

func TestReserveFIFOSplitsAcrossLots(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "A")
	// Inserted out of order; receipt time decides.
	lot2 := testutil.ReceiveLot(t, db, item, "10", 2*time.Hour)
	lot1 := testutil.ReceiveLot(t, db, item, "6", time.Hour)
	owner := ledger.Owner{Type: ledger.OwnerWorkOrder, ID: 7, LineID: 70}

	rs, remaining, err := ledger.ReserveFIFO(ctx, db, owner, item, d("10"), nil)
	require.NoError(t, err)
	requireQty(t, "0", remaining)
	require.Len(t, rs, 2)
	assert.Equal(t, lot1, rs[0].InventoryID)
	requireQty(t, "6", rs[0].QuantityReserved)
	assert.Equal(t, lot2, rs[1].InventoryID)
	requireQty(t, "4", rs[1].QuantityReserved)

	out, err := ledger.Outstanding(ctx, db, owner)
	require.NoError(t, err)
	requireQty(t, "10", out)
}

func TestReserveFIFOShortage(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "A")
	testutil.ReceiveLot(t, db, item, "6", time.Hour)
	testutil.ReceiveLot(t, db, item, "2", 2*time.Hour)

	rs, remaining, err := ledger.ReserveFIFO(ctx, db, ledger.Owner{Type: ledger.OwnerWorkOrder, ID: 1, LineID: 1}, item, d("10"), nil)
	require.NoError(t, err)
	assert.Len(t, rs, 2)
	requireQty(t, "2", remaining)

	lots, err := ledger.AvailableLots(ctx, db, item)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestReserveFIFOPinnedLotFirst(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "A")
	early := testutil.ReceiveLot(t, db, item, "5", time.Hour)
	late := testutil.ReceiveLot(t, db, item, "3", 2*time.Hour)

	rs, remaining, err := ledger.ReserveFIFO(ctx, db, ledger.Owner{Type: ledger.OwnerKitItem, ID: 1, LineID: 1}, item, d("4"), &late)
	require.NoError(t, err)
	requireQty(t, "0", remaining)
	require.Len(t, rs, 2)
	assert.Equal(t, late, rs[0].InventoryID)
	requireQty(t, "3", rs[0].QuantityReserved)
	assert.Equal(t, early, rs[1].InventoryID)
	requireQty(t, "1", rs[1].QuantityReserved)
}

func TestConsumeLineAndReleaseOwner(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	a := testutil.CreateItem(t, db, "A")
	b := testutil.CreateItem(t, db, "B")
	lotA1 := testutil.ReceiveLot(t, db, a, "4", time.Hour)
	lotA2 := testutil.ReceiveLot(t, db, a, "4", 2*time.Hour)
	lotB := testutil.ReceiveLot(t, db, b, "10", time.Hour)

	wo := ledger.Owner{Type: ledger.OwnerWorkOrder, ID: 3, Reference: "WO-00003"}
	_, _, err := ledger.ReserveFIFO(ctx, db, wo.Line(1), a, d("6"), nil)
	require.NoError(t, err)
	_, _, err = ledger.ReserveFIFO(ctx, db, wo.Line(2), b, d("5"), nil)
	require.NoError(t, err)

	consumed, err := ledger.ConsumeLine(ctx, db, wo.Line(1), d("5"))
	require.NoError(t, err)
	requireQty(t, "5", consumed)

	l1, _ := ledger.Lot(ctx, db, lotA1)
	requireQty(t, "0", l1.QuantityOnHand, "earliest lot consumed first")
	l2, _ := ledger.Lot(ctx, db, lotA2)
	requireQty(t, "3", l2.QuantityOnHand)
	requireQty(t, "1", l2.QuantityReserved)

	consumed, err = ledger.ConsumeLine(ctx, db, wo.Line(1), d("3"))
	require.NoError(t, err)
	requireQty(t, "1", consumed, "cannot consume past the reservation")

	released, err := ledger.ReleaseOwner(ctx, db, wo)
	require.NoError(t, err)
	requireQty(t, "5", released[2])
	_, ok := released[1]
	assert.False(t, ok)

	lb, _ := ledger.Lot(ctx, db, lotB)
	requireQty(t, "0", lb.QuantityReserved)
	requireQty(t, "10", lb.QuantityOnHand)
}

func TestConcurrentReservationsNeverOverReserve(t *testing.T) {
	db := testutil.SetupFileDB(t)
	assert.Greater(t, db.Stats().MaxOpenConnections, 1)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "SCARCE")
	lotID := testutil.ReceiveLot(t, db, item, "10", 0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
				_, err := ledger.Reserve(ctx, tx, ledger.Owner{Type: ledger.OwnerWorkOrder, ID: n, LineID: n}, lotID, d("3"))
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientAvailable)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	lot, err := ledger.Lot(ctx, db, lotID)
	require.NoError(t, err)
	requireQty(t, "9", lot.QuantityReserved)
}

func TestStaleVersionIsConflict(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	item := testutil.CreateItem(t, db, "A")
	lotID := testutil.ReceiveLot(t, db, item, "10", 0)

	_, err := database.Exec(ctx, db, `UPDATE inventory_lots SET version = version + 1 WHERE inventory_id = ?`, lotID)
	require.NoError(t, err)

	err = database.ExecOne(ctx, db, `UPDATE inventory_lots SET quantity_reserved = ? WHERE inventory_id = ? AND version = ?`, d("1"), lotID, 1)
	assert.ErrorIs(t, err, database.ErrConflict)
}

// Any sequence of ledger operations keeps 0 <= reserved <= on hand, and a
// rejected operation leaves the lot untouched.
func TestLedgerInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := database.Open(database.DriverSQLite, ":memory:", 1)
		if err != nil {
			rt.Fatalf("open: %v", err)
		}
		defer db.Close()
		ctx := context.Background()

		itemID, err := database.Insert(ctx, db, `INSERT INTO items (item_code, name, created_at) VALUES ('P', 'P', ?) RETURNING item_id`, testutil.Base)
		if err != nil {
			rt.Fatalf("item: %v", err)
		}
		lot, err := ledger.Receive(ctx, db, ledger.ReceiveInput{ItemID: itemID, Quantity: decimal.NewFromInt(int64(rapid.IntRange(1, 50).Draw(rt, "on_hand")))})
		if err != nil {
			rt.Fatalf("receive: %v", err)
		}
		owner := ledger.Owner{Type: ledger.OwnerWorkOrder, ID: 1, LineID: 1}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{"reserve", "release", "consume"}).Draw(rt, "op")
			amount := decimal.New(int64(rapid.IntRange(1, 400).Draw(rt, "amount")), -1)

			before, err := ledger.Lot(ctx, db, lot.InventoryID)
			if err != nil {
				rt.Fatalf("load: %v", err)
			}
			err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
				var err error
				switch op {
				case "reserve":
					_, err = ledger.ReserveLot(ctx, tx, lot.InventoryID, amount, owner)
				case "release":
					_, err = ledger.ReleaseLot(ctx, tx, lot.InventoryID, amount, owner)
				default:
					_, err = ledger.ConsumeLot(ctx, tx, lot.InventoryID, amount, owner)
				}
				return err
			})
			after, lerr := ledger.Lot(ctx, db, lot.InventoryID)
			if lerr != nil {
				rt.Fatalf("load: %v", lerr)
			}
			if err != nil {
				if !errors.Is(err, ledger.ErrInsufficientAvailable) && !errors.Is(err, ledger.ErrOverRelease) && !errors.Is(err, ledger.ErrOverConsume) {
					rt.Fatalf("unexpected error: %v", err)
				}
				if !after.QuantityOnHand.Equal(before.QuantityOnHand) || !after.QuantityReserved.Equal(before.QuantityReserved) {
					rt.Fatalf("rejected %s changed the lot", op)
				}
			}
			if after.QuantityReserved.IsNegative() || after.QuantityReserved.GreaterThan(after.QuantityOnHand) {
				rt.Fatalf("invariant broken: reserved %s on hand %s", after.QuantityReserved, after.QuantityOnHand)
			}
		}
	})
}

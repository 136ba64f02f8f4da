// Package ledger owns inventory lot quantities. Every change to on-hand or
// reserved quantity goes through this package, is guarded by the lot's
// version column and is journaled to inventory_transactions.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/database"
	"workcell/internal/models"
)

// Journal entry types.
const (
	TxReceive = "receive"
	TxReserve = "reserve"
	TxRelease = "release"
	TxConsume = "consume"
)

// Lot source types.
const (
	SourceManual        = "manual"
	SourcePurchaseOrder = "purchase_order"
	SourceWorkOrder     = "work_order"
	SourceKitItem       = "kit_item"
	SourceSeed          = "seed"
)

var (
	ErrNotFound              = fmt.Errorf("%w: inventory lot", apperr.ErrNotFound)
	ErrInsufficientAvailable = fmt.Errorf("%w: insufficient available quantity", apperr.ErrInvariant)
	ErrOverRelease           = fmt.Errorf("%w: release exceeds reserved quantity", apperr.ErrInvariant)
	ErrOverConsume           = fmt.Errorf("%w: consume exceeds reserved quantity", apperr.ErrInvariant)
	ErrInvalidQuantity       = fmt.Errorf("%w: quantity must be positive", apperr.ErrInvalid)
)

const lotColumns = `l.inventory_id, l.item_id, i.item_code, l.quantity_on_hand, l.quantity_reserved,
	l.location, l.batch_number, l.expiry_date, l.received_at, l.source_type, l.source_id, l.version, l.updated_at`

// ReceiveInput describes a new lot.
type ReceiveInput struct {
	ItemID      int64
	Quantity    decimal.Decimal
	BatchNumber string
	Location    string
	ExpiryDate  *time.Time
	ReceivedAt  time.Time
	SourceType  string
	SourceID    *int64
	Reference   string
	Notes       string
}

// Lot loads one lot. Inside a postgres transaction the row is locked.
func Lot(ctx context.Context, q database.Querier, id int64) (*models.InventoryLot, error) {
	var lot models.InventoryLot
	err := database.Get(ctx, q, &lot, `SELECT `+lotColumns+`
		FROM inventory_lots l JOIN items i ON i.item_id = l.item_id
		WHERE l.inventory_id = ?`+database.ForUpdate(q), id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

// Lots lists lots, optionally for one item, in FIFO order.
func Lots(ctx context.Context, q database.Querier, itemID int64) ([]models.InventoryLot, error) {
	query := `SELECT ` + lotColumns + ` FROM inventory_lots l JOIN items i ON i.item_id = l.item_id`
	var args []any
	if itemID > 0 {
		query += ` WHERE l.item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY l.received_at, l.inventory_id`
	lots := []models.InventoryLot{}
	if err := database.Select(ctx, q, &lots, query, args...); err != nil {
		return nil, err
	}
	sortFIFO(lots)
	return lots, nil
}

// AvailableLots returns the item's lots with available quantity, earliest
// received first. Lots are re-read on every call; callers reserve against
// the returned versions.
func AvailableLots(ctx context.Context, q database.Querier, itemID int64) ([]models.InventoryLot, error) {
	lots, err := Lots(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	out := lots[:0]
	for _, l := range lots {
		if l.Available().IsPositive() {
			out = append(out, l)
		}
	}
	return out, nil
}

// Availability converts lots into picker rows.
func Availability(lots []models.InventoryLot) []models.AvailableLot {
	out := make([]models.AvailableLot, 0, len(lots))
	for _, l := range lots {
		out = append(out, models.AvailableLot{
			InventoryID:  l.InventoryID,
			ItemID:       l.ItemID,
			BatchNumber:  l.BatchNumber,
			Location:     l.Location,
			ExpiryDate:   l.ExpiryDate,
			ReceivedAt:   l.ReceivedAt,
			Quantity:     l.QuantityOnHand,
			ReservedQty:  l.QuantityReserved,
			AvailableQty: l.Available(),
		})
	}
	return out
}

func sortFIFO(lots []models.InventoryLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].InventoryID < lots[j].InventoryID
	})
}

// Receive creates a new lot with nothing reserved.
func Receive(ctx context.Context, q database.Querier, in ReceiveInput) (*models.InventoryLot, error) {
	if !in.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	if in.SourceType == "" {
		in.SourceType = SourceManual
	}
	if in.BatchNumber == "" {
		in.BatchNumber = "LOT-" + uuid.NewString()[:8]
	}
	id, err := database.Insert(ctx, q, `INSERT INTO inventory_lots
		(item_id, quantity_on_hand, quantity_reserved, location, batch_number, expiry_date, received_at, source_type, source_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?) RETURNING inventory_id`,
		in.ItemID, in.Quantity, decimal.Zero, in.Location, in.BatchNumber, in.ExpiryDate, in.ReceivedAt,
		in.SourceType, in.SourceID, in.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert lot: %w", err)
	}
	lot, err := Lot(ctx, q, id)
	if err != nil {
		return nil, err
	}
	owner := Owner{Reference: in.Reference}
	if err := journal(ctx, q, lot, TxReceive, in.Quantity, owner, in.Notes); err != nil {
		return nil, err
	}
	return lot, nil
}

// ReserveLot earmarks qty of the lot. Fails with ErrInsufficientAvailable
// when qty exceeds available.
func ReserveLot(ctx context.Context, q database.Querier, lotID int64, qty decimal.Decimal, owner Owner) (*models.InventoryLot, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	lot, err := Lot(ctx, q, lotID)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(lot.Available()) {
		return nil, fmt.Errorf("%w: lot %d has %s available, requested %s",
			ErrInsufficientAvailable, lotID, lot.Available(), qty)
	}
	if err := update(ctx, q, lot, lot.QuantityOnHand, lot.QuantityReserved.Add(qty)); err != nil {
		return nil, err
	}
	return lot, journal(ctx, q, lot, TxReserve, qty, owner, "")
}

// ReleaseLot returns qty of the lot's reservation to available. Fails with
// ErrOverRelease when qty exceeds reserved.
func ReleaseLot(ctx context.Context, q database.Querier, lotID int64, qty decimal.Decimal, owner Owner) (*models.InventoryLot, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	lot, err := Lot(ctx, q, lotID)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(lot.QuantityReserved) {
		return nil, fmt.Errorf("%w: lot %d has %s reserved, release %s",
			ErrOverRelease, lotID, lot.QuantityReserved, qty)
	}
	if err := update(ctx, q, lot, lot.QuantityOnHand, lot.QuantityReserved.Sub(qty)); err != nil {
		return nil, err
	}
	return lot, journal(ctx, q, lot, TxRelease, qty, owner, "")
}

// ConsumeLot removes qty of reserved stock from the lot, decrementing on-hand
// and reserved together. Fails with ErrOverConsume when qty exceeds reserved.
func ConsumeLot(ctx context.Context, q database.Querier, lotID int64, qty decimal.Decimal, owner Owner) (*models.InventoryLot, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	lot, err := Lot(ctx, q, lotID)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(lot.QuantityReserved) {
		return nil, fmt.Errorf("%w: lot %d has %s reserved, consume %s",
			ErrOverConsume, lotID, lot.QuantityReserved, qty)
	}
	if err := update(ctx, q, lot, lot.QuantityOnHand.Sub(qty), lot.QuantityReserved.Sub(qty)); err != nil {
		return nil, err
	}
	return lot, journal(ctx, q, lot, TxConsume, qty, owner, "")
}

// UpdateDetails changes a lot's location, batch number and expiry. Quantities
// are only changed through reserve, release, consume and receive.
func UpdateDetails(ctx context.Context, q database.Querier, lotID int64, location, batch string, expiry *time.Time) (*models.InventoryLot, error) {
	lot, err := Lot(ctx, q, lotID)
	if err != nil {
		return nil, err
	}
	err = database.ExecOne(ctx, q, `UPDATE inventory_lots
		SET location = ?, batch_number = ?, expiry_date = ?, version = version + 1, updated_at = ?
		WHERE inventory_id = ? AND version = ?`,
		location, batch, expiry, time.Now().UTC(), lotID, lot.Version)
	if err != nil {
		return nil, err
	}
	return Lot(ctx, q, lotID)
}

// update writes new quantities if the lot still has the version it was read
// at. A lost race surfaces as database.ErrConflict and the caller's
// transaction is retried.
func update(ctx context.Context, q database.Querier, lot *models.InventoryLot, onHand, reserved decimal.Decimal) error {
	if reserved.IsNegative() || reserved.GreaterThan(onHand) {
		return fmt.Errorf("%w: lot %d would hold reserved %s of on-hand %s",
			apperr.ErrInvariant, lot.InventoryID, reserved, onHand)
	}
	now := time.Now().UTC()
	err := database.ExecOne(ctx, q, `UPDATE inventory_lots
		SET quantity_on_hand = ?, quantity_reserved = ?, version = version + 1, updated_at = ?
		WHERE inventory_id = ? AND version = ?`,
		onHand, reserved, now, lot.InventoryID, lot.Version)
	if err != nil {
		return err
	}
	lot.QuantityOnHand = onHand
	lot.QuantityReserved = reserved
	lot.Version++
	lot.UpdatedAt = now
	return nil
}

func journal(ctx context.Context, q database.Querier, lot *models.InventoryLot, typ string, qty decimal.Decimal, owner Owner, notes string) error {
	var ownerID *int64
	if owner.Type != "" {
		id := owner.ID
		ownerID = &id
	}
	_, err := database.Exec(ctx, q, `INSERT INTO inventory_transactions
		(inventory_id, item_id, type, quantity, owner_type, owner_id, reference, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.InventoryID, lot.ItemID, typ, qty, owner.Type, ownerID, owner.Reference, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("journal %s: %w", typ, err)
	}
	return nil
}

// Transactions returns the journal of one lot, oldest first.
func Transactions(ctx context.Context, q database.Querier, lotID int64) ([]models.InventoryTransaction, error) {
	txs := []models.InventoryTransaction{}
	err := database.Select(ctx, q, &txs, `SELECT transaction_id, inventory_id, item_id, type, quantity,
		owner_type, owner_id, reference, notes, created_at
		FROM inventory_transactions WHERE inventory_id = ? ORDER BY transaction_id`, lotID)
	return txs, err
}

// TransactionFilter narrows the journal. Zero values match everything.
type TransactionFilter struct {
	ItemID int64
	Type   string
	Limit  int
}

// JournalTransactions returns the journal across all lots, newest first.
// The limit defaults to 100 and is capped at 1000.
func JournalTransactions(ctx context.Context, q database.Querier, f TransactionFilter) ([]models.InventoryTransaction, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `SELECT transaction_id, inventory_id, item_id, type, quantity,
		owner_type, owner_id, reference, notes, created_at FROM inventory_transactions WHERE 1 = 1`
	var args []any
	if f.ItemID > 0 {
		query += ` AND item_id = ?`
		args = append(args, f.ItemID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, transaction_id DESC LIMIT %d`, f.Limit)
	txs := []models.InventoryTransaction{}
	err := database.Select(ctx, q, &txs, query, args...)
	return txs, err
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/qty"
)

// Reservation owners.
const (
	OwnerWorkOrder  = "work_order"
	OwnerKitItem    = "kit_item"
	OwnerSalesOrder = "sales_order"
)

// Owner identifies who holds a reservation: a document (work order, kit,
// sales order) and one of its lines. Reference is copied into the journal.
type Owner struct {
	Type      string
	ID        int64
	LineID    int64
	Reference string
}

// Line returns a copy of o addressing another line of the same document.
func (o Owner) Line(lineID int64) Owner {
	o.LineID = lineID
	return o
}

// Reserve reserves amount of a lot for owner's line and records the holding.
// The returned reservation's QuantityReserved is the amount added by this call.
func Reserve(ctx context.Context, q database.Querier, owner Owner, lotID int64, amount decimal.Decimal) (*models.Reservation, error) {
	lot, err := ReserveLot(ctx, q, lotID, amount, owner)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var existing models.Reservation
	err = database.Get(ctx, q, &existing, `SELECT reservation_id, owner_type, owner_id, line_id, item_id, inventory_id,
		quantity_reserved, quantity_consumed, created_at, updated_at
		FROM reservations WHERE owner_type = ? AND owner_id = ? AND line_id = ? AND inventory_id = ?`,
		owner.Type, owner.ID, owner.LineID, lotID)
	switch {
	case err == nil:
		existing.QuantityReserved = existing.QuantityReserved.Add(amount)
		existing.UpdatedAt = now
		_, err = database.Exec(ctx, q, `UPDATE reservations SET quantity_reserved = ?, updated_at = ? WHERE reservation_id = ?`,
			existing.QuantityReserved, now, existing.ReservationID)
		if err != nil {
			return nil, err
		}
		existing.QuantityReserved = amount
		return &existing, nil
	case !database.IsNoRows(err):
		return nil, err
	}

	id, err := database.Insert(ctx, q, `INSERT INTO reservations
		(owner_type, owner_id, line_id, item_id, inventory_id, quantity_reserved, quantity_consumed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING reservation_id`,
		owner.Type, owner.ID, owner.LineID, lot.ItemID, lotID, amount, decimal.Zero, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return &models.Reservation{
		ReservationID:    id,
		OwnerType:        owner.Type,
		OwnerID:          owner.ID,
		LineID:           owner.LineID,
		ItemID:           lot.ItemID,
		InventoryID:      lotID,
		QuantityReserved: amount,
		QuantityConsumed: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// ReserveFIFO reserves up to want of itemID for owner's line. A pinned lot
// is drawn first; the rest comes from the earliest-received lots. The
// returned reservations carry the quantity added by this call; remaining is
// what could not be reserved.
func ReserveFIFO(ctx context.Context, q database.Querier, owner Owner, itemID int64, want decimal.Decimal, pinned *int64) ([]models.Reservation, decimal.Decimal, error) {
	remaining := want
	var out []models.Reservation

	if pinned != nil && remaining.IsPositive() {
		lot, err := Lot(ctx, q, *pinned)
		if err != nil {
			return nil, remaining, err
		}
		if lot.ItemID == itemID {
			if take := qty.Min(lot.Available(), remaining); take.IsPositive() {
				r, err := Reserve(ctx, q, owner, lot.InventoryID, take)
				if err != nil {
					return nil, remaining, err
				}
				out = append(out, *r)
				remaining = remaining.Sub(take)
			}
		}
	}
	if !remaining.IsPositive() {
		return out, decimal.Zero, nil
	}

	lots, err := AvailableLots(ctx, q, itemID)
	if err != nil {
		return nil, remaining, err
	}
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if pinned != nil && lot.InventoryID == *pinned {
			continue
		}
		take := qty.Min(lot.Available(), remaining)
		r, err := Reserve(ctx, q, owner, lot.InventoryID, take)
		if err != nil {
			return nil, remaining, err
		}
		out = append(out, *r)
		remaining = remaining.Sub(take)
	}
	return out, remaining, nil
}

// Reservations lists an owner's holdings, optionally for one line (lineID >
// 0), ordered FIFO by the reserved lot's receipt.
func Reservations(ctx context.Context, q database.Querier, ownerType string, ownerID, lineID int64) ([]models.Reservation, error) {
	query := `SELECT r.reservation_id, r.owner_type, r.owner_id, r.line_id, r.item_id, r.inventory_id,
		r.quantity_reserved, r.quantity_consumed, r.created_at, r.updated_at
		FROM reservations r JOIN inventory_lots l ON l.inventory_id = r.inventory_id
		WHERE r.owner_type = ? AND r.owner_id = ?`
	args := []any{ownerType, ownerID}
	if lineID > 0 {
		query += ` AND r.line_id = ?`
		args = append(args, lineID)
	}
	query += ` ORDER BY l.received_at, l.inventory_id, r.reservation_id`
	rs := []models.Reservation{}
	if err := database.Select(ctx, q, &rs, query, args...); err != nil {
		return nil, err
	}
	return rs, nil
}

// Outstanding sums what an owner's line still holds in reservations.
func Outstanding(ctx context.Context, q database.Querier, owner Owner) (decimal.Decimal, error) {
	rs, err := Reservations(ctx, q, owner.Type, owner.ID, owner.LineID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rs {
		total = total.Add(r.QuantityReserved)
	}
	return total, nil
}

// ConsumeLine consumes up to amount from the line's reservations, earliest
// lot first, and returns how much was consumed. Consuming less than amount
// is not an error; the caller decides how to report the gap.
func ConsumeLine(ctx context.Context, q database.Querier, owner Owner, amount decimal.Decimal) (decimal.Decimal, error) {
	rs, err := Reservations(ctx, q, owner.Type, owner.ID, owner.LineID)
	if err != nil {
		return decimal.Zero, err
	}
	consumed := decimal.Zero
	for _, r := range rs {
		left := amount.Sub(consumed)
		if !left.IsPositive() {
			break
		}
		take := qty.Min(left, r.QuantityReserved)
		if !take.IsPositive() {
			continue
		}
		if _, err := ConsumeLot(ctx, q, r.InventoryID, take, owner); err != nil {
			return consumed, err
		}
		_, err := database.Exec(ctx, q, `UPDATE reservations
			SET quantity_reserved = ?, quantity_consumed = ?, updated_at = ?
			WHERE reservation_id = ?`,
			r.QuantityReserved.Sub(take), r.QuantityConsumed.Add(take), time.Now().UTC(), r.ReservationID)
		if err != nil {
			return consumed, err
		}
		consumed = consumed.Add(take)
	}
	return consumed, nil
}

// ReleaseOwner releases every outstanding reservation an owner holds, or
// one line's when owner.LineID > 0. It returns the released quantity per line.
func ReleaseOwner(ctx context.Context, q database.Querier, owner Owner) (map[int64]decimal.Decimal, error) {
	rs, err := Reservations(ctx, q, owner.Type, owner.ID, owner.LineID)
	if err != nil {
		return nil, err
	}
	released := make(map[int64]decimal.Decimal)
	for _, r := range rs {
		if !r.QuantityReserved.IsPositive() {
			continue
		}
		if _, err := ReleaseLot(ctx, q, r.InventoryID, r.QuantityReserved, owner.Line(r.LineID)); err != nil {
			return nil, err
		}
		_, err := database.Exec(ctx, q, `UPDATE reservations SET quantity_reserved = ?, updated_at = ? WHERE reservation_id = ?`,
			decimal.Zero, time.Now().UTC(), r.ReservationID)
		if err != nil {
			return nil, err
		}
		released[r.LineID] = released[r.LineID].Add(r.QuantityReserved)
	}
	return released, nil
}

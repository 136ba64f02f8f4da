package kitting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/procurement"
	"workcell/internal/qty"
	"workcell/internal/validation"
)

// Reserved is inventory reserved for one kit line by one reserve run.
type Reserved struct {
	ComponentID int64           `json:"component_id"`
	ItemID      int64           `json:"item_id"`
	ItemCode    string          `json:"item_code"`
	InventoryID int64           `json:"inventory_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Shortage is what a kit line still lacks after reserving.
type Shortage struct {
	ComponentID       int64           `json:"component_id"`
	ItemID            int64           `json:"item_id"`
	ItemCode          string          `json:"item_code"`
	Required          decimal.Decimal `json:"required"`
	Reserved          decimal.Decimal `json:"reserved"`
	Short             decimal.Decimal `json:"short"`
	PurchaseRequestID *int64          `json:"purchase_request_id,omitempty"`
}

// ReserveResult reports one reserve run.
type ReserveResult struct {
	KitItemID int64      `json:"kit_item_id"`
	KitNumber string     `json:"kit_number"`
	Status    string     `json:"status"`
	Reserved  []Reserved `json:"reserved"`
	Shortages []Shortage `json:"shortages"`
	Warnings  []string   `json:"warnings"`
}

// Reserve reserves what each line still needs for the whole run, from the
// line's pinned lot first and then the earliest-received lots. Shortfalls
// raise kit_reserve purchase requests and leave the kit partial.
func (s *Service) Reserve(ctx context.Context, id int64) (*ReserveResult, error) {
	ctx, span := spanFor(ctx, "kitting.reserve", id)
	defer span.End()

	var out *ReserveResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		k, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = reserve(ctx, tx, k)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("kit.status", out.Status))
	return out, nil
}

func reserve(ctx context.Context, q database.Querier, k *models.KitItem) (*ReserveResult, error) {
	if isTerminal(k.Status) {
		return nil, fmt.Errorf("%w: cannot reserve %s in status %s", ErrInvalidTransition, k.KitNumber, k.Status)
	}
	res := &ReserveResult{
		KitItemID: k.KitItemID,
		KitNumber: k.KitNumber,
		Reserved:  []Reserved{},
		Shortages: []Shortage{},
		Warnings:  []string{},
	}
	comps, err := Components(ctx, q, k.KitItemID)
	if err != nil {
		return nil, err
	}
	o := owner(k)
	deficits := map[int64]decimal.Decimal{}
	for i := range comps {
		c := &comps[i]
		if _, ok := deficits[c.ItemID]; !ok {
			deficits[c.ItemID] = decimal.Zero
		}
		req := required(k, *c)
		need := req.Sub(c.QuantityReserved)
		if !need.IsPositive() {
			continue
		}
		rs, remaining, err := ledger.ReserveFIFO(ctx, q, o.Line(c.ComponentID), c.ItemID, need, c.InventoryID)
		if err != nil {
			return nil, err
		}
		got := need.Sub(remaining)
		if got.IsPositive() {
			c.QuantityReserved = c.QuantityReserved.Add(got)
			if c.InventoryID == nil {
				lotID := rs[0].InventoryID
				c.InventoryID = &lotID
			}
			_, err := database.Exec(ctx, q, `UPDATE kit_item_components SET quantity_reserved = ?, inventory_id = ? WHERE component_id = ?`,
				c.QuantityReserved, c.InventoryID, c.ComponentID)
			if err != nil {
				return nil, err
			}
			for _, r := range rs {
				res.Reserved = append(res.Reserved, Reserved{
					ComponentID: c.ComponentID, ItemID: c.ItemID, ItemCode: c.ItemCode,
					InventoryID: r.InventoryID, Quantity: r.QuantityReserved,
				})
			}
		}
		if remaining.IsPositive() {
			deficits[c.ItemID] = deficits[c.ItemID].Add(remaining)
			res.Shortages = append(res.Shortages, Shortage{
				ComponentID: c.ComponentID,
				ItemID:      c.ItemID,
				ItemCode:    c.ItemCode,
				Required:    req,
				Reserved:    c.QuantityReserved,
				Short:       remaining,
			})
			res.Warnings = append(res.Warnings, fmt.Sprintf("Insufficient inventory for %s: required %s, reserved %s, short %s",
				c.ItemCode, req, c.QuantityReserved, remaining))
		}
	}

	items := make([]int64, 0, len(deficits))
	for itemID := range deficits {
		items = append(items, itemID)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	for _, itemID := range items {
		short := deficits[itemID]
		if !short.IsPositive() {
			if err := procurement.ClearShortage(ctx, q, procurement.SourceKitReserve, k.KitItemID, itemID); err != nil {
				return nil, err
			}
			continue
		}
		pr, err := procurement.EnsureShortage(ctx, q, procurement.Shortage{
			ItemID:          itemID,
			Quantity:        short,
			SourceType:      procurement.SourceKitReserve,
			SourceID:        k.KitItemID,
			SourceReference: k.KitNumber,
		})
		if err != nil {
			return nil, err
		}
		for i := range res.Shortages {
			if res.Shortages[i].ItemID == itemID {
				res.Shortages[i].PurchaseRequestID = &pr.RequestID
			}
		}
	}

	status := StatusReserved
	if len(res.Shortages) > 0 {
		status = StatusPartial
	}
	if err := setStatus(ctx, q, k, status); err != nil {
		return nil, err
	}
	res.Status = k.Status
	return res, nil
}

// Consumption is what one build consumed from a kit line.
type Consumption struct {
	ComponentID int64           `json:"component_id"`
	ItemID      int64           `json:"item_id"`
	ItemCode    string          `json:"item_code"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// BuildResult reports one kit build.
type BuildResult struct {
	KitItemID         int64           `json:"kit_item_id"`
	KitNumber         string          `json:"kit_number"`
	Status            string          `json:"status"`
	CompletedQuantity decimal.Decimal `json:"completed_quantity"`
	InventoryID       int64           `json:"inventory_id"`
	Consumed          []Consumption   `json:"consumed"`
	Warnings          []string        `json:"warnings"`
}

// Complete builds quantity kits. Lines consume their proportional share
// (half-up to qty.Places), the last build consumes what remains, and the
// kits are received as a finished goods lot.
func (s *Service) Complete(ctx context.Context, id int64, quantity decimal.Decimal) (*BuildResult, error) {
	ctx, span := spanFor(ctx, "kitting.complete", id)
	defer span.End()

	ve := &validation.ValidationErrors{}
	validation.ValidateWorkOrderQty(ve, "build_quantity", quantity)
	if err := ve.Err(); err != nil {
		return nil, fail(span, err)
	}

	var out *BuildResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		k, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if k.Status != StatusReserved && k.Status != StatusPartial {
			return fmt.Errorf("%w: cannot build %s in status %s; reserve it first", ErrInvalidTransition, k.KitNumber, k.Status)
		}
		total := k.CompletedQuantity.Add(quantity)
		if total.GreaterThan(k.QuantityToBuild) {
			return validation.Single("build_quantity",
				fmt.Sprintf("would bring %s to %s of %s to build", k.KitNumber, total, k.QuantityToBuild))
		}
		final := total.Equal(k.QuantityToBuild)

		out = &BuildResult{KitItemID: k.KitItemID, KitNumber: k.KitNumber, Consumed: []Consumption{}, Warnings: []string{}}
		comps, err := Components(ctx, tx, k.KitItemID)
		if err != nil {
			return err
		}
		o := owner(k)
		for _, c := range comps {
			req := required(k, c)
			left := req.Sub(c.QuantityConsumed)
			want := left
			if !final {
				want = qty.Min(qty.Share(req, quantity, k.QuantityToBuild), left)
			}
			if !want.IsPositive() {
				continue
			}
			got, err := ledger.ConsumeLine(ctx, tx, o.Line(c.ComponentID), want)
			if err != nil {
				return err
			}
			if got.IsPositive() {
				_, err := database.Exec(ctx, tx, `UPDATE kit_item_components SET quantity_consumed = ? WHERE component_id = ?`,
					c.QuantityConsumed.Add(got), c.ComponentID)
				if err != nil {
					return err
				}
				out.Consumed = append(out.Consumed, Consumption{ComponentID: c.ComponentID, ItemID: c.ItemID, ItemCode: c.ItemCode, Quantity: got})
			}
			if gap := want.Sub(got); gap.IsPositive() {
				out.Warnings = append(out.Warnings, fmt.Sprintf("Component %s: %s needed for this build but only %s was reserved; %s not consumed",
					c.ItemCode, want, got, gap))
			}
		}

		lot, err := ledger.Receive(ctx, tx, ledger.ReceiveInput{
			ItemID:     k.OutputItemID,
			Quantity:   quantity,
			Location:   s.FGLocation,
			SourceType: ledger.SourceKitItem,
			SourceID:   &k.KitItemID,
			Reference:  k.KitNumber,
			Notes:      fmt.Sprintf("build of %s", k.KitNumber),
		})
		if err != nil {
			return err
		}
		out.InventoryID = lot.InventoryID

		err = database.ExecOne(ctx, tx, `UPDATE kit_items SET completed_quantity = ?, updated_at = ? WHERE kit_item_id = ? AND status = ?`,
			total, time.Now().UTC(), k.KitItemID, k.Status)
		if err != nil {
			return err
		}
		if final {
			if err := closeOut(ctx, tx, k); err != nil {
				return err
			}
			if err := setStatus(ctx, tx, k, StatusCompleted); err != nil {
				return err
			}
		}
		out.Status = k.Status
		out.CompletedQuantity = total
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// closeOut releases everything a kit still holds and withdraws its pending
// purchase requests.
func closeOut(ctx context.Context, q database.Querier, k *models.KitItem) error {
	if _, err := ledger.ReleaseOwner(ctx, q, owner(k)); err != nil {
		return err
	}
	if _, err := database.Exec(ctx, q, `UPDATE kit_item_components SET quantity_reserved = quantity_consumed WHERE kit_item_id = ?`, k.KitItemID); err != nil {
		return err
	}
	_, err := procurement.CancelPending(ctx, q, procurement.SourceKitReserve, k.KitItemID)
	return err
}

// Cancel releases a kit's reservations and cancels it.
func (s *Service) Cancel(ctx context.Context, id int64) (*models.KitItem, error) {
	ctx, span := spanFor(ctx, "kitting.cancel", id)
	defer span.End()

	var out *models.KitItem
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		k, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if isTerminal(k.Status) {
			return fmt.Errorf("%w: cannot cancel %s in status %s", ErrInvalidTransition, k.KitNumber, k.Status)
		}
		if err := closeOut(ctx, tx, k); err != nil {
			return err
		}
		if err := setStatus(ctx, tx, k, StatusCancelled); err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

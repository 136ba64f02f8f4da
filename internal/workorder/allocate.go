package workorder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/procurement"
	"workcell/internal/qty"
)

// Reserved is inventory reserved for one line by one allocation run.
type Reserved struct {
	WOCID       int64           `json:"woc_id"`
	ItemID      int64           `json:"item_id"`
	ItemCode    string          `json:"item_code"`
	InventoryID int64           `json:"inventory_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Shortage is the part of a line's requirement that could not be covered.
// Purchased lines carry the purchase request raised for the item;
// subassembly lines carry the child work order that will build it.
type Shortage struct {
	WOCID             int64           `json:"woc_id"`
	ItemID            int64           `json:"item_id"`
	ItemCode          string          `json:"item_code"`
	Required          decimal.Decimal `json:"required"`
	Allocated         decimal.Decimal `json:"allocated"`
	Short             decimal.Decimal `json:"short"`
	IsSubassembly     bool            `json:"is_subassembly"`
	ChildWOID         *int64          `json:"child_wo_id,omitempty"`
	ChildWONumber     string          `json:"child_wo_number,omitempty"`
	PurchaseRequestID *int64          `json:"purchase_request_id,omitempty"`
}

// AllocationResult reports one allocation run. Shortages are not errors.
type AllocationResult struct {
	WOID              int64      `json:"wo_id"`
	WONumber          string     `json:"wo_number"`
	Status            string     `json:"status"`
	Reserved          []Reserved `json:"reserved"`
	Shortages         []Shortage `json:"shortages"`
	Warnings          []string   `json:"warnings"`
	CreatedChildren   []Created  `json:"created_children"`
	CancelledChildren []int64    `json:"cancelled_children"`
}

// Allocate reserves inventory for every line not yet fully allocated,
// earliest-received lots first. Purchased shortfalls raise or update a
// purchase request; subassembly shortfalls get a child work order. The work
// order becomes ready when nothing is short, blocked otherwise. Running it
// on a ready order changes nothing.
func (s *Service) Allocate(ctx context.Context, id int64) (*AllocationResult, error) {
	ctx, span := tracer.Start(ctx, "workorder.allocate", trace.WithAttributes(attribute.Int64("wo.id", id)))
	defer span.End()

	var out *AllocationResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = allocate(ctx, tx, wo)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("wo.status", out.Status),
		attribute.Int("wo.shortages", len(out.Shortages)),
	)
	return out, nil
}

func allocate(ctx context.Context, q database.Querier, wo *models.WorkOrder) (*AllocationResult, error) {
	if !allocatable(wo.Status) {
		return nil, fmt.Errorf("%w: cannot allocate %s in status %s", ErrInvalidTransition, wo.WONumber, wo.Status)
	}
	res := &AllocationResult{
		WOID:              wo.WOID,
		WONumber:          wo.WONumber,
		Reserved:          []Reserved{},
		Shortages:         []Shortage{},
		Warnings:          []string{},
		CreatedChildren:   []Created{},
		CancelledChildren: []int64{},
	}
	if wo.Status == StatusReady {
		res.Status = wo.Status
		return res, nil
	}

	comps, err := Components(ctx, q, wo.WOID)
	if err != nil {
		return nil, err
	}
	o := owner(wo)
	purchased := map[int64]decimal.Decimal{}
	for i := range comps {
		c := &comps[i]
		if !c.IsSubassembly {
			if _, ok := purchased[c.ItemID]; !ok {
				purchased[c.ItemID] = decimal.Zero
			}
		}
		need := c.Unallocated()
		if !need.IsPositive() {
			continue
		}

		line := o.Line(c.WOCID)
		var got []models.Reservation
		if c.IsSubassembly {
			got, err = reserveChildOutput(ctx, q, line, wo.WOID, c.ItemID, need)
			if err != nil {
				return nil, err
			}
			need = need.Sub(sumReserved(got))
		}
		rs, remaining, err := ledger.ReserveFIFO(ctx, q, line, c.ItemID, need, c.InventoryID)
		if err != nil {
			return nil, err
		}
		got = append(got, rs...)

		if reserved := sumReserved(got); reserved.IsPositive() {
			c.QuantityAllocated = c.QuantityAllocated.Add(reserved)
			if c.InventoryID == nil {
				lotID := got[0].InventoryID
				c.InventoryID = &lotID
			}
			_, err := database.Exec(ctx, q, `UPDATE work_order_components SET quantity_allocated = ?, inventory_id = ? WHERE woc_id = ?`,
				c.QuantityAllocated, c.InventoryID, c.WOCID)
			if err != nil {
				return nil, err
			}
			for _, r := range got {
				res.Reserved = append(res.Reserved, Reserved{
					WOCID: c.WOCID, ItemID: c.ItemID, ItemCode: c.ItemCode,
					InventoryID: r.InventoryID, Quantity: r.QuantityReserved,
				})
			}
		}
		if !remaining.IsPositive() {
			if c.IsSubassembly {
				if err := retireChild(ctx, q, c, res); err != nil {
					return nil, err
				}
			}
			continue
		}

		sh := Shortage{
			WOCID:         c.WOCID,
			ItemID:        c.ItemID,
			ItemCode:      c.ItemCode,
			Required:      c.QuantityRequired,
			Allocated:     c.QuantityAllocated,
			Short:         remaining,
			IsSubassembly: c.IsSubassembly,
		}
		if c.IsSubassembly {
			child, created, err := ensureChild(ctx, q, wo, c, remaining)
			if err != nil {
				return nil, err
			}
			sh.ChildWOID = &child.WOID
			sh.ChildWONumber = child.WONumber
			if created {
				res.CreatedChildren = append(res.CreatedChildren, Created{WOID: child.WOID, WONumber: child.WONumber})
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("Subassembly %s short %s: waiting on child work order %s (%s)",
				c.ItemCode, remaining, child.WONumber, child.Status))
		} else {
			purchased[c.ItemID] = purchased[c.ItemID].Add(remaining)
			res.Warnings = append(res.Warnings, fmt.Sprintf("Insufficient inventory for %s: required %s, allocated %s, short %s",
				c.ItemCode, c.QuantityRequired, c.QuantityAllocated, remaining))
		}
		res.Shortages = append(res.Shortages, sh)
	}

	if err := syncPurchaseRequests(ctx, q, wo, purchased, res); err != nil {
		return nil, err
	}

	status := StatusReady
	for _, c := range comps {
		if c.Unallocated().IsPositive() {
			status = StatusBlocked
			break
		}
	}
	if err := setStatus(ctx, q, wo, status); err != nil {
		return nil, err
	}
	res.Status = wo.Status
	return res, nil
}

// syncPurchaseRequests keeps one pending request per short purchased item
// sized to the current deficit and cancels pending requests for items that
// are no longer short.
func syncPurchaseRequests(ctx context.Context, q database.Querier, wo *models.WorkOrder, deficits map[int64]decimal.Decimal, res *AllocationResult) error {
	items := make([]int64, 0, len(deficits))
	for id := range deficits {
		items = append(items, id)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })

	for _, itemID := range items {
		short := deficits[itemID]
		if !short.IsPositive() {
			if err := procurement.ClearShortage(ctx, q, procurement.SourceWorkOrder, wo.WOID, itemID); err != nil {
				return err
			}
			continue
		}
		pr, err := procurement.EnsureShortage(ctx, q, procurement.Shortage{
			ItemID:          itemID,
			Quantity:        short,
			SourceType:      procurement.SourceWorkOrder,
			SourceID:        wo.WOID,
			SourceReference: wo.WONumber,
			Priority:        wo.Priority,
		})
		if err != nil {
			return err
		}
		for i := range res.Shortages {
			if res.Shortages[i].ItemID == itemID && !res.Shortages[i].IsSubassembly {
				res.Shortages[i].PurchaseRequestID = &pr.RequestID
			}
		}
	}
	return nil
}

// reserveChildOutput reserves finished lots built by the work order's own
// children before falling back to general stock.
func reserveChildOutput(ctx context.Context, q database.Querier, line ledger.Owner, parentID, itemID int64, want decimal.Decimal) ([]models.Reservation, error) {
	var lotIDs []int64
	err := database.Select(ctx, q, &lotIDs, `SELECT l.inventory_id FROM inventory_lots l
		JOIN work_orders w ON w.wo_id = l.source_id
		WHERE l.source_type = ? AND w.parent_wo_id = ? AND l.item_id = ?
		ORDER BY l.received_at, l.inventory_id`, ledger.SourceWorkOrder, parentID, itemID)
	if err != nil {
		return nil, err
	}
	var out []models.Reservation
	remaining := want
	for _, id := range lotIDs {
		if !remaining.IsPositive() {
			break
		}
		lot, err := ledger.Lot(ctx, q, id)
		if err != nil {
			return nil, err
		}
		take := qty.Min(lot.Available(), remaining)
		if !take.IsPositive() {
			continue
		}
		r, err := ledger.Reserve(ctx, q, line, id, take)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
		remaining = remaining.Sub(take)
	}
	return out, nil
}

// ensureChild returns the live child work order building a subassembly
// line, creating a draft one for the shortfall when the line has none or
// its child already finished.
func ensureChild(ctx context.Context, q database.Querier, parent *models.WorkOrder, c *models.WorkOrderComponent, shortfall decimal.Decimal) (*models.WorkOrder, bool, error) {
	if c.ChildWOID != nil {
		child, err := Load(ctx, q, *c.ChildWOID)
		if err != nil && !isNotFound(err) {
			return nil, false, err
		}
		if err == nil && !IsTerminal(child.Status) {
			if child.Status == StatusDraft && child.QuantityOrdered.GreaterThan(shortfall) {
				if err := resizeDraft(ctx, q, child, shortfall); err != nil {
					return nil, false, err
				}
			}
			return child, false, nil
		}
	}
	child, err := insertHeader(ctx, q, Header{
		BOMID:           c.SubassemblyBOMID,
		OutputItemID:    c.ItemID,
		QuantityOrdered: shortfall,
		Priority:        parent.Priority,
		Notes:           fmt.Sprintf("Subassembly %s for %s", c.ItemCode, parent.WONumber),
	}, parent)
	if err != nil {
		return nil, false, err
	}
	if child.BOMID != nil {
		if err := explode(ctx, q, child); err != nil {
			return nil, false, err
		}
	}
	if _, err := database.Exec(ctx, q, `UPDATE work_order_components SET child_wo_id = ? WHERE woc_id = ?`, child.WOID, c.WOCID); err != nil {
		return nil, false, err
	}
	c.ChildWOID = &child.WOID
	return child, true, nil
}

// resizeDraft shrinks a draft child to what its parent line still lacks.
func resizeDraft(ctx context.Context, q database.Querier, child *models.WorkOrder, quantity decimal.Decimal) error {
	err := database.ExecOne(ctx, q, `UPDATE work_orders SET quantity_ordered = ?, updated_at = ? WHERE wo_id = ? AND status = ?`,
		quantity, time.Now().UTC(), child.WOID, StatusDraft)
	if err != nil {
		return err
	}
	child.QuantityOrdered = quantity
	if child.BOMID == nil {
		return nil
	}
	return explode(ctx, q, child)
}

// retireChild cancels the child of a subassembly line that stock now
// covers, unless the child has already started, and unlinks it from the
// line. Its reservations, descendants and pending requests go with it.
func retireChild(ctx context.Context, q database.Querier, c *models.WorkOrderComponent, res *AllocationResult) error {
	if c.ChildWOID == nil {
		return nil
	}
	child, err := Load(ctx, q, *c.ChildWOID)
	if err != nil {
		return err
	}
	if !allocatable(child.Status) {
		return nil
	}
	if err := cancel(ctx, q, child, &CancelResult{WOID: child.WOID}); err != nil {
		return err
	}
	if _, err := database.Exec(ctx, q, `UPDATE work_order_components SET child_wo_id = NULL WHERE woc_id = ?`, c.WOCID); err != nil {
		return err
	}
	c.ChildWOID = nil
	res.CancelledChildren = append(res.CancelledChildren, child.WOID)
	res.Warnings = append(res.Warnings, fmt.Sprintf("Subassembly %s now covered from stock: cancelled child work order %s",
		c.ItemCode, child.WONumber))
	return nil
}

func sumReserved(rs []models.Reservation) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rs {
		total = total.Add(r.QuantityReserved)
	}
	return total
}

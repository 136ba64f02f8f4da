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
	"workcell/internal/validation"
)

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Start moves a ready work order to in_progress after re-checking that
// every line is fully allocated and its reservations are still held.
func (s *Service) Start(ctx context.Context, id int64) (*models.WorkOrder, error) {
	ctx, span := tracer.Start(ctx, "workorder.start", trace.WithAttributes(attribute.Int64("wo.id", id)))
	defer span.End()

	var out *models.WorkOrder
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		switch wo.Status {
		case StatusReady:
		case StatusDraft, StatusBlocked:
			return fmt.Errorf("%w: %s is %s; allocate it first", ErrNotReady, wo.WONumber, wo.Status)
		default:
			return fmt.Errorf("%w: cannot start %s in status %s", ErrInvalidTransition, wo.WONumber, wo.Status)
		}

		comps, err := Components(ctx, tx, wo.WOID)
		if err != nil {
			return err
		}
		o := owner(wo)
		for _, c := range comps {
			if c.Unallocated().IsPositive() {
				return fmt.Errorf("%w: %s has %s of %s allocated", ErrNotReady, c.ItemCode, c.QuantityAllocated, c.QuantityRequired)
			}
			held, err := ledger.Outstanding(ctx, tx, o.Line(c.WOCID))
			if err != nil {
				return err
			}
			if !held.Equal(c.Outstanding()) {
				return fmt.Errorf("%w: reservations for %s hold %s, expected %s", ErrNotReady, c.ItemCode, held, c.Outstanding())
			}
		}
		if err := setStatus(ctx, tx, wo, StatusInProgress); err != nil {
			return err
		}
		out, err = Load(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// Consumption is what one completion consumed for a line.
type Consumption struct {
	WOCID    int64           `json:"woc_id"`
	ItemID   int64           `json:"item_id"`
	ItemCode string          `json:"item_code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CompletionResult reports one completion.
type CompletionResult struct {
	WOID              int64             `json:"wo_id"`
	WONumber          string            `json:"wo_number"`
	Status            string            `json:"status"`
	QuantityCompleted decimal.Decimal   `json:"quantity_completed"`
	InventoryID       int64             `json:"inventory_id"`
	Consumed          []Consumption     `json:"consumed"`
	Shortages         []Shortage        `json:"shortages"`
	Warnings          []string          `json:"warnings"`
	Parent            *AllocationResult `json:"parent,omitempty"`
}

// Complete records quantity more units built. Each line consumes its
// proportional share of the requirement, quantity_required * quantity /
// quantity_ordered rounded half-up to qty.Places; the completion that
// reaches or passes quantity_ordered finishes the order and consumes exactly
// what remains, while the whole quantity built is received. Lines whose
// reservations cannot cover their share are consumed as far as possible
// and reported as shortages. The output is received as a new lot at the
// finished goods location. A blocked parent is re-allocated in the same
// transaction.
func (s *Service) Complete(ctx context.Context, id int64, quantity decimal.Decimal) (*CompletionResult, error) {
	ctx, span := tracer.Start(ctx, "workorder.complete", trace.WithAttributes(
		attribute.Int64("wo.id", id),
		attribute.String("wo.completed_quantity", quantity.String()),
	))
	defer span.End()

	ve := &validation.ValidationErrors{}
	validation.ValidateWorkOrderQty(ve, "completed_quantity", quantity)
	if err := ve.Err(); err != nil {
		return nil, fail(span, err)
	}

	var out *CompletionResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = s.complete(ctx, tx, wo, quantity)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("wo.status", out.Status))
	return out, nil
}

func (s *Service) complete(ctx context.Context, q database.Querier, wo *models.WorkOrder, quantity decimal.Decimal) (*CompletionResult, error) {
	if wo.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: cannot complete %s in status %s", ErrInvalidTransition, wo.WONumber, wo.Status)
	}
	total := wo.QuantityCompleted.Add(quantity)
	final := !total.LessThan(wo.QuantityOrdered)

	res := &CompletionResult{
		WOID:      wo.WOID,
		WONumber:  wo.WONumber,
		Consumed:  []Consumption{},
		Shortages: []Shortage{},
		Warnings:  []string{},
	}
	comps, err := Components(ctx, q, wo.WOID)
	if err != nil {
		return nil, err
	}
	if over := total.Sub(wo.QuantityOrdered); over.IsPositive() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s completed %s beyond the %s ordered", wo.WONumber, over, wo.QuantityOrdered))
	}
	o := owner(wo)
	for _, c := range comps {
		left := c.QuantityRequired.Sub(c.QuantityConsumed)
		want := left
		if !final {
			want = qty.Min(qty.Share(c.QuantityRequired, quantity, wo.QuantityOrdered), left)
		}
		if !want.IsPositive() {
			continue
		}
		got, err := ledger.ConsumeLine(ctx, q, o.Line(c.WOCID), want)
		if err != nil {
			return nil, err
		}
		if got.IsPositive() {
			_, err := database.Exec(ctx, q, `UPDATE work_order_components SET quantity_consumed = ? WHERE woc_id = ?`,
				c.QuantityConsumed.Add(got), c.WOCID)
			if err != nil {
				return nil, err
			}
			res.Consumed = append(res.Consumed, Consumption{WOCID: c.WOCID, ItemID: c.ItemID, ItemCode: c.ItemCode, Quantity: got})
		}
		if gap := want.Sub(got); gap.IsPositive() {
			res.Shortages = append(res.Shortages, Shortage{
				WOCID:         c.WOCID,
				ItemID:        c.ItemID,
				ItemCode:      c.ItemCode,
				Required:      want,
				Allocated:     got,
				Short:         gap,
				IsSubassembly: c.IsSubassembly,
				ChildWOID:     c.ChildWOID,
			})
			res.Warnings = append(res.Warnings, fmt.Sprintf("Component %s: %s needed for this completion but only %s was allocated; %s not consumed",
				c.ItemCode, want, got, gap))
		}
	}

	lot, err := ledger.Receive(ctx, q, ledger.ReceiveInput{
		ItemID:     wo.OutputItemID,
		Quantity:   quantity,
		Location:   s.FGLocation,
		SourceType: ledger.SourceWorkOrder,
		SourceID:   &wo.WOID,
		Reference:  wo.WONumber,
		Notes:      fmt.Sprintf("completion of %s", wo.WONumber),
	})
	if err != nil {
		return nil, err
	}
	res.InventoryID = lot.InventoryID

	err = database.ExecOne(ctx, q, `UPDATE work_orders SET quantity_completed = ?, updated_at = ? WHERE wo_id = ? AND status = ?`,
		total, time.Now().UTC(), wo.WOID, wo.Status)
	if err != nil {
		return nil, err
	}
	wo.QuantityCompleted = total
	if final {
		// Nothing may stay reserved for a finished order.
		if _, err := ledger.ReleaseOwner(ctx, q, o); err != nil {
			return nil, err
		}
		if _, err := database.Exec(ctx, q, `UPDATE work_order_components SET quantity_allocated = quantity_consumed WHERE wo_id = ?`, wo.WOID); err != nil {
			return nil, err
		}
		if err := setStatus(ctx, q, wo, StatusCompleted); err != nil {
			return nil, err
		}
	}
	res.Status = wo.Status
	res.QuantityCompleted = total

	if wo.ParentWOID != nil {
		parent, err := Load(ctx, q, *wo.ParentWOID)
		if err != nil {
			return nil, err
		}
		if parent.Status == StatusBlocked {
			res.Parent, err = allocate(ctx, q, parent)
			if err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// Release is what cancellation returned to stock for one line.
type Release struct {
	WOCID    int64           `json:"woc_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CancelResult reports a cancellation.
type CancelResult struct {
	WOID              int64     `json:"wo_id"`
	WONumber          string    `json:"wo_number"`
	Status            string    `json:"status"`
	Released          []Release `json:"released"`
	CancelledChildren []int64   `json:"cancelled_children"`
	CancelledRequests int64     `json:"cancelled_requests"`
}

// Cancel releases every reservation of a draft, blocked or ready work order
// and cancels it, together with descendants that have not started and the
// pending purchase requests all of them raised.
func (s *Service) Cancel(ctx context.Context, id int64) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "workorder.cancel", trace.WithAttributes(attribute.Int64("wo.id", id)))
	defer span.End()

	var out *CancelResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !allocatable(wo.Status) {
			return fmt.Errorf("%w: cannot cancel %s in status %s", ErrInvalidTransition, wo.WONumber, wo.Status)
		}
		out = &CancelResult{WOID: wo.WOID, WONumber: wo.WONumber, Released: []Release{}, CancelledChildren: []int64{}}
		return cancel(ctx, tx, wo, out)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func cancel(ctx context.Context, q database.Querier, wo *models.WorkOrder, res *CancelResult) error {
	released, err := ledger.ReleaseOwner(ctx, q, owner(wo))
	if err != nil {
		return err
	}
	if wo.WOID == res.WOID {
		for lineID, amount := range released {
			res.Released = append(res.Released, Release{WOCID: lineID, Quantity: amount})
		}
		sort.Slice(res.Released, func(i, j int) bool { return res.Released[i].WOCID < res.Released[j].WOCID })
	}
	if _, err := database.Exec(ctx, q, `UPDATE work_order_components SET quantity_allocated = quantity_consumed WHERE wo_id = ?`, wo.WOID); err != nil {
		return err
	}
	n, err := procurement.CancelPending(ctx, q, procurement.SourceWorkOrder, wo.WOID)
	if err != nil {
		return err
	}
	res.CancelledRequests += n
	if err := setStatus(ctx, q, wo, StatusCancelled); err != nil {
		return err
	}
	if wo.WOID == res.WOID {
		res.Status = wo.Status
	}

	var children []int64
	if err := database.Select(ctx, q, &children, `SELECT wo_id FROM work_orders WHERE parent_wo_id = ? ORDER BY wo_id`, wo.WOID); err != nil {
		return err
	}
	for _, id := range children {
		child, err := Load(ctx, q, id)
		if err != nil {
			return err
		}
		if !allocatable(child.Status) {
			continue
		}
		if err := cancel(ctx, q, child, res); err != nil {
			return err
		}
		res.CancelledChildren = append(res.CancelledChildren, child.WOID)
	}
	return nil
}

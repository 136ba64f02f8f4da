// Package workorder plans, allocates, starts, completes and cancels work
// orders, spawning child work orders for subassemblies.
package workorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"workcell/internal/apperr"
	"workcell/internal/bom"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/qty"
	"workcell/internal/validation"
)

var tracer = otel.Tracer("workcell/workorder")

var (
	ErrNotFound          = fmt.Errorf("%w: work order", apperr.ErrNotFound)
	ErrComponentNotFound = fmt.Errorf("%w: work order component", apperr.ErrNotFound)
	ErrNotReady          = fmt.Errorf("%w: work order is not ready", apperr.ErrState)
	ErrInvalidTransition = fmt.Errorf("%w: invalid work order status transition", apperr.ErrState)
	ErrNotEditable       = fmt.Errorf("%w: work order can no longer be edited", apperr.ErrState)
	ErrInactiveBOM       = fmt.Errorf("%w: bom is not active", apperr.ErrInvalid)
)

// Service runs work order operations, each in its own transaction.
type Service struct {
	DB *database.DB
	// FGLocation is where finished goods lots are received.
	FGLocation string
}

func New(db *database.DB, fgLocation string) *Service {
	return &Service{DB: db, FGLocation: fgLocation}
}

func owner(wo *models.WorkOrder) ledger.Owner {
	return ledger.Owner{Type: ledger.OwnerWorkOrder, ID: wo.WOID, Reference: wo.WONumber}
}

const headerColumns = `w.wo_id, w.wo_number, w.bom_id, COALESCE(b.bom_number, '') AS bom_number,
	w.output_item_id, i.item_code AS output_item_code, i.name AS output_item_name,
	w.quantity_ordered, w.quantity_completed, w.status, w.priority,
	w.parent_wo_id, COALESCE(p.wo_number, '') AS parent_wo_number, w.root_wo_id, w.depth,
	w.planned_start_date, w.planned_end_date, w.notes,
	(SELECT COUNT(*) FROM work_orders c WHERE c.parent_wo_id = w.wo_id) AS child_count,
	w.created_at, w.updated_at, w.started_at, w.completed_at`

const headerFrom = ` FROM work_orders w
	JOIN items i ON i.item_id = w.output_item_id
	LEFT JOIN boms b ON b.bom_id = w.bom_id
	LEFT JOIN work_orders p ON p.wo_id = w.parent_wo_id`

const componentColumns = `c.woc_id, c.wo_id, c.item_id, i.item_code, i.name AS item_name,
	c.quantity_required, c.quantity_allocated, c.quantity_consumed, c.is_subassembly,
	c.subassembly_bom_id, c.child_wo_id, c.inventory_id, c.sequence_order, c.notes`

// Load reads one work order header.
func Load(ctx context.Context, q database.Querier, id int64) (*models.WorkOrder, error) {
	var wo models.WorkOrder
	err := database.Get(ctx, q, &wo, `SELECT `+headerColumns+headerFrom+` WHERE w.wo_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	wo.ProgressPercent = progress(&wo)
	return &wo, nil
}

// Components reads a work order's lines in sequence order.
func Components(ctx context.Context, q database.Querier, woID int64) ([]models.WorkOrderComponent, error) {
	cs := []models.WorkOrderComponent{}
	err := database.Select(ctx, q, &cs, `SELECT `+componentColumns+`
		FROM work_order_components c JOIN items i ON i.item_id = c.item_id
		WHERE c.wo_id = ? ORDER BY c.sequence_order, c.woc_id`, woID)
	return cs, err
}

func component(ctx context.Context, q database.Querier, wocID int64) (*models.WorkOrderComponent, error) {
	var c models.WorkOrderComponent
	err := database.Get(ctx, q, &c, `SELECT `+componentColumns+`
		FROM work_order_components c JOIN items i ON i.item_id = c.item_id WHERE c.woc_id = ?`, wocID)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrComponentNotFound, wocID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

func progress(wo *models.WorkOrder) int {
	if wo.Status == StatusCompleted {
		return 100
	}
	return qty.Percent(wo.QuantityCompleted, wo.QuantityOrdered)
}

// setStatus moves a work order from its loaded status. A concurrent change
// of status surfaces as database.ErrConflict.
func setStatus(ctx context.Context, q database.Querier, wo *models.WorkOrder, to string) error {
	if wo.Status == to {
		return nil
	}
	if !CanTransition(wo.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, wo.Status, to)
	}
	now := time.Now().UTC()
	query := `UPDATE work_orders SET status = ?, updated_at = ?`
	args := []any{to, now}
	switch to {
	case StatusInProgress:
		query += `, started_at = ?`
		args = append(args, now)
	case StatusCompleted:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE wo_id = ? AND status = ?`
	args = append(args, wo.WOID, wo.Status)
	if err := database.ExecOne(ctx, q, query, args...); err != nil {
		return err
	}
	wo.Status = to
	return nil
}

// Header is the writable part of a work order header.
type Header struct {
	BOMID            *int64          `json:"bom_id"`
	OutputItemID     int64           `json:"output_item_id"`
	QuantityOrdered  decimal.Decimal `json:"quantity_ordered"`
	Priority         string          `json:"priority"`
	PlannedStartDate string          `json:"planned_start_date"`
	PlannedEndDate   string          `json:"planned_end_date"`
	Notes            string          `json:"notes"`
}

func (h *Header) validate(ve *validation.ValidationErrors) {
	if h.Priority == "" {
		h.Priority = "normal"
	}
	validation.ValidateWorkOrderQty(ve, "quantity_ordered", h.QuantityOrdered)
	validation.ValidateEnum(ve, "priority", h.Priority, validation.ValidPriorities)
	validation.ValidateDate(ve, "planned_start_date", h.PlannedStartDate)
	validation.ValidateDate(ve, "planned_end_date", h.PlannedEndDate)
	validation.ValidateMaxLength(ve, "notes", h.Notes, validation.MaxStringLength)
}

// ComponentInput is the writable part of a work order line. InventoryID
// pins a lot that allocation draws from first.
type ComponentInput struct {
	ItemID           int64           `json:"item_id"`
	QuantityRequired decimal.Decimal `json:"quantity_required"`
	InventoryID      *int64          `json:"inventory_id"`
	IsSubassembly    bool            `json:"is_subassembly"`
	SubassemblyBOMID *int64          `json:"subassembly_bom_id"`
	SequenceOrder    int             `json:"sequence_order"`
	Notes            string          `json:"notes"`
}

func (c ComponentInput) validate(ve *validation.ValidationErrors, field string) {
	validation.RequireID(ve, field+".item_id", c.ItemID)
	validation.ValidatePositiveQty(ve, field+".quantity_required", c.QuantityRequired)
	if c.IsSubassembly && c.SubassemblyBOMID == nil {
		ve.Add(field+".subassembly_bom_id", "is required for a subassembly")
	}
}

func checkComponentRefs(ctx context.Context, q database.Querier, ve *validation.ValidationErrors, field string, c ComponentInput) error {
	ok, err := catalog.Exists(ctx, q, c.ItemID)
	if err != nil {
		return err
	}
	if !ok {
		ve.Add(field+".item_id", fmt.Sprintf("references non-existent item %d", c.ItemID))
	}
	if c.InventoryID != nil {
		lot, err := ledger.Lot(ctx, q, *c.InventoryID)
		switch {
		case err != nil && !isNotFound(err):
			return err
		case err != nil:
			ve.Add(field+".inventory_id", fmt.Sprintf("references non-existent lot %d", *c.InventoryID))
		case lot.ItemID != c.ItemID:
			ve.Add(field+".inventory_id", fmt.Sprintf("lot %d holds %s, not the component item", lot.InventoryID, lot.ItemCode))
		}
	}
	if c.SubassemblyBOMID != nil {
		sub, err := bom.LoadHeader(ctx, q, *c.SubassemblyBOMID)
		switch {
		case err != nil && !isNotFound(err):
			return err
		case err != nil:
			ve.Add(field+".subassembly_bom_id", fmt.Sprintf("references non-existent bom %d", *c.SubassemblyBOMID))
		case sub.OutputItemID != c.ItemID:
			ve.Add(field+".subassembly_bom_id", fmt.Sprintf("bom %s produces %s, not the component item", sub.BOMNumber, sub.OutputItemCode))
		}
	}
	return nil
}

// Input creates a work order manually. Without components and with a BOM,
// the BOM is exploded as in CreateFromBOM.
type Input struct {
	Header     Header           `json:"header"`
	Components []ComponentInput `json:"components"`
}

// FromBOMInput is the request to plan a work order from a BOM.
type FromBOMInput struct {
	BOMID            int64           `json:"bom_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Priority         string          `json:"priority"`
	PlannedStartDate string          `json:"planned_start_date"`
	PlannedEndDate   string          `json:"planned_end_date"`
	Notes            string          `json:"notes"`
}

// Created identifies a new work order.
type Created struct {
	WOID     int64  `json:"wo_id"`
	WONumber string `json:"wo_number"`
}

// CreateFromBOM resolves the BOM for the quantity, failing on cycles, and
// stores a draft work order with one line per top-level BOM component.
func (s *Service) CreateFromBOM(ctx context.Context, in FromBOMInput) (*Created, error) {
	h := Header{
		BOMID:            &in.BOMID,
		QuantityOrdered:  in.Quantity,
		Priority:         in.Priority,
		PlannedStartDate: in.PlannedStartDate,
		PlannedEndDate:   in.PlannedEndDate,
		Notes:            in.Notes,
	}
	ve := &validation.ValidationErrors{}
	validation.RequireID(ve, "bom_id", in.BOMID)
	h.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}

	var out *Created
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		b, err := bom.LoadHeader(ctx, tx, in.BOMID)
		if err != nil {
			return err
		}
		if !b.IsActive {
			return fmt.Errorf("%w: %s", ErrInactiveBOM, b.BOMNumber)
		}
		h.OutputItemID = b.OutputItemID
		wo, err := insertHeader(ctx, tx, h, nil)
		if err != nil {
			return err
		}
		if err := explode(ctx, tx, wo); err != nil {
			return err
		}
		out = &Created{WOID: wo.WOID, WONumber: wo.WONumber}
		return nil
	})
	return out, err
}

// Create stores a manually planned work order.
func (s *Service) Create(ctx context.Context, in Input) (*Created, error) {
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	if in.Header.BOMID == nil {
		validation.RequireID(ve, "output_item_id", in.Header.OutputItemID)
	}
	for i, c := range in.Components {
		c.validate(ve, fmt.Sprintf("components[%d]", i))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	var out *Created
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if in.Header.BOMID != nil {
			b, err := bom.LoadHeader(ctx, tx, *in.Header.BOMID)
			if err != nil {
				return err
			}
			if in.Header.OutputItemID == 0 {
				in.Header.OutputItemID = b.OutputItemID
			}
			if b.OutputItemID != in.Header.OutputItemID {
				return validation.Single("output_item_id", fmt.Sprintf("bom %s produces %s", b.BOMNumber, b.OutputItemCode))
			}
		}
		if ok, err := catalog.Exists(ctx, tx, in.Header.OutputItemID); err != nil {
			return err
		} else if !ok {
			return validation.Single("output_item_id", fmt.Sprintf("references non-existent item %d", in.Header.OutputItemID))
		}
		ve := &validation.ValidationErrors{}
		for i, c := range in.Components {
			if err := checkComponentRefs(ctx, tx, ve, fmt.Sprintf("components[%d]", i), c); err != nil {
				return err
			}
		}
		if err := ve.Err(); err != nil {
			return err
		}

		wo, err := insertHeader(ctx, tx, in.Header, nil)
		if err != nil {
			return err
		}
		if len(in.Components) == 0 && wo.BOMID != nil {
			if err := explode(ctx, tx, wo); err != nil {
				return err
			}
		}
		for i, c := range in.Components {
			if c.SequenceOrder == 0 {
				c.SequenceOrder = i + 1
			}
			if _, err := insertComponent(ctx, tx, wo.WOID, c); err != nil {
				return err
			}
		}
		out = &Created{WOID: wo.WOID, WONumber: wo.WONumber}
		return nil
	})
	return out, err
}

// insertHeader stores a draft work order. Without a parent it is its own
// root; children inherit the parent's root and sit one level deeper.
func insertHeader(ctx context.Context, q database.Querier, h Header, parent *models.WorkOrder) (*models.WorkOrder, error) {
	number, err := database.NextNumber(ctx, q, "WO", "work_orders", "wo_number", 4)
	if err != nil {
		return nil, err
	}
	var (
		parentID *int64
		rootID   *int64
		depth    int
	)
	if parent != nil {
		parentID = &parent.WOID
		rootID = parent.RootWOID
		depth = parent.Depth + 1
	}
	now := time.Now().UTC()
	id, err := database.Insert(ctx, q, `INSERT INTO work_orders
		(wo_number, bom_id, output_item_id, quantity_ordered, quantity_completed, status, priority,
		 parent_wo_id, root_wo_id, depth, planned_start_date, planned_end_date, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING wo_id`,
		number, h.BOMID, h.OutputItemID, h.QuantityOrdered, decimal.Zero, StatusDraft, h.Priority,
		parentID, rootID, depth, h.PlannedStartDate, h.PlannedEndDate, h.Notes, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert work order: %w", err)
	}
	if rootID == nil {
		if _, err := database.Exec(ctx, q, `UPDATE work_orders SET root_wo_id = ? WHERE wo_id = ?`, id, id); err != nil {
			return nil, err
		}
	}
	return Load(ctx, q, id)
}

// explode replaces a work order's lines with the BOM's top-level
// requirements for the ordered quantity.
func explode(ctx context.Context, q database.Querier, wo *models.WorkOrder) error {
	rl, err := bom.Resolve(ctx, q, *wo.BOMID, wo.QuantityOrdered)
	if err != nil {
		return err
	}
	if _, err := database.Exec(ctx, q, `DELETE FROM work_order_components WHERE wo_id = ?`, wo.WOID); err != nil {
		return err
	}
	for _, r := range rl.Requirements {
		_, err := insertComponent(ctx, q, wo.WOID, ComponentInput{
			ItemID:           r.ItemID,
			QuantityRequired: r.Quantity,
			IsSubassembly:    r.IsSubassembly,
			SubassemblyBOMID: r.SubassemblyBOMID,
			SequenceOrder:    r.SequenceOrder,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insertComponent(ctx context.Context, q database.Querier, woID int64, c ComponentInput) (int64, error) {
	id, err := database.Insert(ctx, q, `INSERT INTO work_order_components
		(wo_id, item_id, quantity_required, quantity_allocated, quantity_consumed, is_subassembly,
		 subassembly_bom_id, inventory_id, sequence_order, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING woc_id`,
		woID, c.ItemID, c.QuantityRequired, decimal.Zero, decimal.Zero, c.IsSubassembly,
		c.SubassemblyBOMID, c.InventoryID, c.SequenceOrder, c.Notes)
	if err != nil {
		return 0, fmt.Errorf("insert work order component: %w", err)
	}
	return id, nil
}

// Update is a header edit. QuantityOrdered may only change in draft.
type Update struct {
	Priority         *string          `json:"priority"`
	PlannedStartDate *string          `json:"planned_start_date"`
	PlannedEndDate   *string          `json:"planned_end_date"`
	Notes            *string          `json:"notes"`
	QuantityOrdered  *decimal.Decimal `json:"quantity_ordered"`
}

// Update edits a non-terminal work order's header. Changing the quantity
// of a BOM-based draft re-explodes its lines.
func (s *Service) Update(ctx context.Context, id int64, u Update) (*models.WorkOrder, error) {
	ve := &validation.ValidationErrors{}
	if u.Priority != nil {
		validation.ValidateEnum(ve, "priority", *u.Priority, validation.ValidPriorities)
	}
	if u.PlannedStartDate != nil {
		validation.ValidateDate(ve, "planned_start_date", *u.PlannedStartDate)
	}
	if u.PlannedEndDate != nil {
		validation.ValidateDate(ve, "planned_end_date", *u.PlannedEndDate)
	}
	if u.QuantityOrdered != nil {
		validation.ValidateWorkOrderQty(ve, "quantity_ordered", *u.QuantityOrdered)
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	var out *models.WorkOrder
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if IsTerminal(wo.Status) {
			return fmt.Errorf("%w: %s is %s", ErrNotEditable, wo.WONumber, wo.Status)
		}
		if u.Priority != nil {
			wo.Priority = *u.Priority
		}
		if u.PlannedStartDate != nil {
			wo.PlannedStartDate = *u.PlannedStartDate
		}
		if u.PlannedEndDate != nil {
			wo.PlannedEndDate = *u.PlannedEndDate
		}
		if u.Notes != nil {
			wo.Notes = *u.Notes
		}
		reexplode := false
		if u.QuantityOrdered != nil && !u.QuantityOrdered.Equal(wo.QuantityOrdered) {
			if wo.Status != StatusDraft {
				return fmt.Errorf("%w: quantity of %s can only change in draft", ErrNotEditable, wo.WONumber)
			}
			wo.QuantityOrdered = *u.QuantityOrdered
			reexplode = wo.BOMID != nil
		}
		err = database.ExecOne(ctx, tx, `UPDATE work_orders SET priority = ?, planned_start_date = ?, planned_end_date = ?,
			notes = ?, quantity_ordered = ?, updated_at = ? WHERE wo_id = ? AND status = ?`,
			wo.Priority, wo.PlannedStartDate, wo.PlannedEndDate, wo.Notes, wo.QuantityOrdered, time.Now().UTC(),
			wo.WOID, wo.Status)
		if err != nil {
			return err
		}
		if reexplode {
			if err := explode(ctx, tx, wo); err != nil {
				return err
			}
		}
		out, err = Load(ctx, tx, id)
		return err
	})
	return out, err
}

// Delete removes a draft work order that never held inventory and has no
// children. Anything else must be cancelled instead.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		wo, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if wo.Status != StatusDraft {
			return fmt.Errorf("%w: only draft work orders can be deleted, %s is %s", ErrNotEditable, wo.WONumber, wo.Status)
		}
		var held int
		err = database.Get(ctx, tx, &held, `SELECT
			(SELECT COUNT(*) FROM reservations WHERE owner_type = ? AND owner_id = ?) +
			(SELECT COUNT(*) FROM work_orders WHERE parent_wo_id = ?)`, ledger.OwnerWorkOrder, id, id)
		if err != nil {
			return err
		}
		if held > 0 {
			return fmt.Errorf("%w: %s has allocations or child work orders; cancel it instead", ErrNotEditable, wo.WONumber)
		}
		if _, err := database.Exec(ctx, tx, `UPDATE work_order_components SET child_wo_id = NULL WHERE child_wo_id = ?`, id); err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `DELETE FROM work_order_components WHERE wo_id = ?`, id); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `DELETE FROM work_orders WHERE wo_id = ?`, id)
		return err
	})
}

func draftFor(ctx context.Context, q database.Querier, woID int64) (*models.WorkOrder, error) {
	wo, err := Load(ctx, q, woID)
	if err != nil {
		return nil, err
	}
	if wo.Status != StatusDraft {
		return nil, fmt.Errorf("%w: components of %s can only change in draft", ErrNotEditable, wo.WONumber)
	}
	return wo, nil
}

// AddComponent appends a line to a draft work order.
func (s *Service) AddComponent(ctx context.Context, woID int64, c ComponentInput) (*models.WorkOrderComponent, error) {
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *models.WorkOrderComponent
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := draftFor(ctx, tx, woID); err != nil {
			return err
		}
		ve := &validation.ValidationErrors{}
		if err := checkComponentRefs(ctx, tx, ve, "component", c); err != nil {
			return err
		}
		if err := ve.Err(); err != nil {
			return err
		}
		if c.SequenceOrder == 0 {
			var max int
			if err := database.Get(ctx, tx, &max, `SELECT COALESCE(MAX(sequence_order), 0) FROM work_order_components WHERE wo_id = ?`, woID); err != nil {
				return err
			}
			c.SequenceOrder = max + 1
		}
		id, err := insertComponent(ctx, tx, woID, c)
		if err != nil {
			return err
		}
		out, err = component(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateComponent replaces a line of a draft work order.
func (s *Service) UpdateComponent(ctx context.Context, wocID int64, c ComponentInput) (*models.WorkOrderComponent, error) {
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *models.WorkOrderComponent
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := component(ctx, tx, wocID)
		if err != nil {
			return err
		}
		if _, err := draftFor(ctx, tx, cur.WOID); err != nil {
			return err
		}
		ve := &validation.ValidationErrors{}
		if err := checkComponentRefs(ctx, tx, ve, "component", c); err != nil {
			return err
		}
		if err := ve.Err(); err != nil {
			return err
		}
		if c.SequenceOrder == 0 {
			c.SequenceOrder = cur.SequenceOrder
		}
		_, err = database.Exec(ctx, tx, `UPDATE work_order_components SET item_id = ?, quantity_required = ?,
			is_subassembly = ?, subassembly_bom_id = ?, inventory_id = ?, sequence_order = ?, notes = ?
			WHERE woc_id = ?`,
			c.ItemID, c.QuantityRequired, c.IsSubassembly, c.SubassemblyBOMID, c.InventoryID, c.SequenceOrder, c.Notes, wocID)
		if err != nil {
			return err
		}
		out, err = component(ctx, tx, wocID)
		return err
	})
	return out, err
}

// DeleteComponent removes one line, by id, from a draft work order.
func (s *Service) DeleteComponent(ctx context.Context, wocID int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := component(ctx, tx, wocID)
		if err != nil {
			return err
		}
		if _, err := draftFor(ctx, tx, cur.WOID); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `DELETE FROM work_order_components WHERE woc_id = ?`, wocID)
		return err
	})
}

// Package kitting builds kit items: a finished item assembled from a flat
// list of components reserved against pinned or FIFO lots.
package kitting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workcell/internal/apperr"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/qty"
	"workcell/internal/validation"
)

var tracer = otel.Tracer("workcell/kitting")

// Kit statuses.
const (
	StatusDraft     = "draft"
	StatusPartial   = "partial"
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound          = fmt.Errorf("%w: kit item", apperr.ErrNotFound)
	ErrComponentNotFound = fmt.Errorf("%w: kit item component", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: invalid kit item status transition", apperr.ErrState)
	ErrNotEditable       = fmt.Errorf("%w: kit item can no longer be edited", apperr.ErrState)
)

// Service runs kit operations, each in its own transaction.
type Service struct {
	DB         *database.DB
	FGLocation string
}

func New(db *database.DB, fgLocation string) *Service {
	return &Service{DB: db, FGLocation: fgLocation}
}

func owner(k *models.KitItem) ledger.Owner {
	return ledger.Owner{Type: ledger.OwnerKitItem, ID: k.KitItemID, Reference: k.KitNumber}
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

const kitColumns = `k.kit_item_id, k.kit_number, k.name, k.output_item_id, i.item_code AS output_item_code,
	k.quantity_to_build, k.completed_quantity, k.status, k.notes, k.created_at, k.updated_at`

const componentColumns = `c.component_id, c.kit_item_id, c.item_id, i.item_code, i.name AS item_name,
	c.quantity_per_kit, c.inventory_id, c.quantity_reserved, c.quantity_consumed, c.notes`

// Header is the writable part of a kit item.
type Header struct {
	KitNumber       string          `json:"kit_number"`
	Name            string          `json:"name"`
	OutputItemID    int64           `json:"output_item_id"`
	QuantityToBuild decimal.Decimal `json:"quantity_to_build"`
	Notes           string          `json:"notes"`
}

func (h *Header) validate(ve *validation.ValidationErrors) {
	h.KitNumber = strings.TrimSpace(h.KitNumber)
	validation.RequireField(ve, "name", h.Name)
	validation.RequireID(ve, "output_item_id", h.OutputItemID)
	validation.ValidateWorkOrderQty(ve, "quantity_to_build", h.QuantityToBuild)
	validation.ValidateMaxLength(ve, "notes", h.Notes, validation.MaxStringLength)
}

// ComponentInput is one kit line. InventoryID pins the lot reserved first.
type ComponentInput struct {
	ItemID         int64           `json:"item_id"`
	QuantityPerKit decimal.Decimal `json:"quantity_per_kit"`
	InventoryID    *int64          `json:"inventory_id"`
	Notes          string          `json:"notes"`
}

func (c ComponentInput) validate(ve *validation.ValidationErrors, field string) {
	validation.RequireID(ve, field+".item_id", c.ItemID)
	validation.ValidatePositiveQty(ve, field+".quantity_per_kit", c.QuantityPerKit)
}

func checkRefs(ctx context.Context, q database.Querier, ve *validation.ValidationErrors, field string, c ComponentInput) error {
	ok, err := catalog.Exists(ctx, q, c.ItemID)
	if err != nil {
		return err
	}
	if !ok {
		ve.Add(field+".item_id", fmt.Sprintf("references non-existent item %d", c.ItemID))
		return nil
	}
	if c.InventoryID != nil {
		lot, err := ledger.Lot(ctx, q, *c.InventoryID)
		if err != nil {
			if isNotFound(err) {
				ve.Add(field+".inventory_id", fmt.Sprintf("references non-existent lot %d", *c.InventoryID))
				return nil
			}
			return err
		}
		if lot.ItemID != c.ItemID {
			ve.Add(field+".inventory_id", fmt.Sprintf("lot %d holds %s, not the component item", lot.InventoryID, lot.ItemCode))
		}
	}
	return nil
}

// Input creates a kit item with its components.
type Input struct {
	Header     Header           `json:"header"`
	Components []ComponentInput `json:"components"`
}

// Detail is a kit item with its components.
type Detail struct {
	Header     models.KitItem            `json:"header"`
	Components []models.KitItemComponent `json:"components"`
}

// Load reads a kit header.
func Load(ctx context.Context, q database.Querier, id int64) (*models.KitItem, error) {
	var k models.KitItem
	err := database.Get(ctx, q, &k, `SELECT `+kitColumns+` FROM kit_items k
		JOIN items i ON i.item_id = k.output_item_id WHERE k.kit_item_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Components lists a kit's lines in entry order.
func Components(ctx context.Context, q database.Querier, kitID int64) ([]models.KitItemComponent, error) {
	comps := []models.KitItemComponent{}
	err := database.Select(ctx, q, &comps, `SELECT `+componentColumns+` FROM kit_item_components c
		JOIN items i ON i.item_id = c.item_id WHERE c.kit_item_id = ? ORDER BY c.component_id`, kitID)
	return comps, err
}

func component(ctx context.Context, q database.Querier, id int64) (*models.KitItemComponent, error) {
	var c models.KitItemComponent
	err := database.Get(ctx, q, &c, `SELECT `+componentColumns+` FROM kit_item_components c
		JOIN items i ON i.item_id = c.item_id WHERE c.component_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrComponentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// required is the total quantity of a line needed for the whole kit run.
func required(k *models.KitItem, c models.KitItemComponent) decimal.Decimal {
	return qty.Requirement(c.QuantityPerKit, k.QuantityToBuild)
}

func setStatus(ctx context.Context, q database.Querier, k *models.KitItem, to string) error {
	if k.Status == to {
		return nil
	}
	err := database.ExecOne(ctx, q, `UPDATE kit_items SET status = ?, updated_at = ? WHERE kit_item_id = ? AND status = ?`,
		to, time.Now().UTC(), k.KitItemID, k.Status)
	if err != nil {
		return err
	}
	k.Status = to
	return nil
}

// Create stores a draft kit. An empty kit number is assigned as KIT-YYYY-NNNN.
func (s *Service) Create(ctx context.Context, in Input) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	for i, c := range in.Components {
		c.validate(ve, fmt.Sprintf("components[%d]", i))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := catalog.Exists(ctx, tx, in.Header.OutputItemID)
		if err != nil {
			return err
		}
		if !ok {
			return validation.Single("output_item_id", fmt.Sprintf("references non-existent item %d", in.Header.OutputItemID))
		}
		ve := &validation.ValidationErrors{}
		for i, c := range in.Components {
			if err := checkRefs(ctx, tx, ve, fmt.Sprintf("components[%d]", i), c); err != nil {
				return err
			}
		}
		if err := ve.Err(); err != nil {
			return err
		}

		number := in.Header.KitNumber
		if number == "" {
			if number, err = database.NextNumber(ctx, tx, "KIT", "kit_items", "kit_number", 4); err != nil {
				return err
			}
		} else {
			var n int
			if err := database.Get(ctx, tx, &n, `SELECT COUNT(*) FROM kit_items WHERE kit_number = ?`, number); err != nil {
				return err
			}
			if n > 0 {
				return validation.Single("kit_number", "already exists")
			}
		}
		now := time.Now().UTC()
		id, err := database.Insert(ctx, tx, `INSERT INTO kit_items
			(kit_number, name, output_item_id, quantity_to_build, completed_quantity, status, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING kit_item_id`,
			number, in.Header.Name, in.Header.OutputItemID, in.Header.QuantityToBuild, decimal.Zero, StatusDraft,
			in.Header.Notes, now, now)
		if err != nil {
			return fmt.Errorf("insert kit item: %w", err)
		}
		for _, c := range in.Components {
			if _, err := insertComponent(ctx, tx, id, c); err != nil {
				return err
			}
		}
		out, err = get(ctx, tx, id)
		return err
	})
	return out, err
}

func insertComponent(ctx context.Context, q database.Querier, kitID int64, c ComponentInput) (int64, error) {
	id, err := database.Insert(ctx, q, `INSERT INTO kit_item_components
		(kit_item_id, item_id, quantity_per_kit, inventory_id, quantity_reserved, quantity_consumed, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING component_id`,
		kitID, c.ItemID, c.QuantityPerKit, c.InventoryID, decimal.Zero, decimal.Zero, c.Notes)
	if err != nil {
		return 0, fmt.Errorf("insert kit item component: %w", err)
	}
	return id, nil
}

func get(ctx context.Context, q database.Querier, id int64) (*Detail, error) {
	k, err := Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	comps, err := Components(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Header: *k, Components: comps}, nil
}

// Get loads a kit with its components.
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	return get(ctx, s.DB, id)
}

// List returns every kit, newest first.
func (s *Service) List(ctx context.Context) ([]models.KitItem, error) {
	kits := []models.KitItem{}
	err := database.Select(ctx, s.DB, &kits, `SELECT `+kitColumns+` FROM kit_items k
		JOIN items i ON i.item_id = k.output_item_id ORDER BY k.created_at DESC, k.kit_item_id DESC`)
	return kits, err
}

// UpdateHeader edits a draft kit's header.
func (s *Service) UpdateHeader(ctx context.Context, id int64, h Header) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	h.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		k, err := draft(ctx, tx, id)
		if err != nil {
			return err
		}
		if h.KitNumber == "" {
			h.KitNumber = k.KitNumber
		}
		if h.KitNumber != k.KitNumber {
			var n int
			if err := database.Get(ctx, tx, &n, `SELECT COUNT(*) FROM kit_items WHERE kit_number = ? AND kit_item_id <> ?`, h.KitNumber, id); err != nil {
				return err
			}
			if n > 0 {
				return validation.Single("kit_number", "already exists")
			}
		}
		if ok, err := catalog.Exists(ctx, tx, h.OutputItemID); err != nil {
			return err
		} else if !ok {
			return validation.Single("output_item_id", fmt.Sprintf("references non-existent item %d", h.OutputItemID))
		}
		err = database.ExecOne(ctx, tx, `UPDATE kit_items SET kit_number = ?, name = ?, output_item_id = ?,
			quantity_to_build = ?, notes = ?, updated_at = ? WHERE kit_item_id = ? AND status = ?`,
			h.KitNumber, h.Name, h.OutputItemID, h.QuantityToBuild, h.Notes, time.Now().UTC(), id, StatusDraft)
		if err != nil {
			return err
		}
		out, err = get(ctx, tx, id)
		return err
	})
	return out, err
}

// Delete removes a draft or cancelled kit that holds no inventory.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		k, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if k.Status != StatusDraft && k.Status != StatusCancelled {
			return fmt.Errorf("%w: %s is %s; cancel it first", ErrNotEditable, k.KitNumber, k.Status)
		}
		held, err := ledger.Outstanding(ctx, tx, owner(k))
		if err != nil {
			return err
		}
		if held.IsPositive() {
			return fmt.Errorf("%w: %s still holds %s reserved", ErrNotEditable, k.KitNumber, held)
		}
		if _, err := database.Exec(ctx, tx, `DELETE FROM kit_item_components WHERE kit_item_id = ?`, id); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `DELETE FROM kit_items WHERE kit_item_id = ?`, id)
		return err
	})
}

func draft(ctx context.Context, q database.Querier, id int64) (*models.KitItem, error) {
	k, err := Load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if k.Status != StatusDraft {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotEditable, k.KitNumber, k.Status)
	}
	return k, nil
}

// AddComponent appends a line to a draft kit.
func (s *Service) AddComponent(ctx context.Context, kitID int64, c ComponentInput) (*models.KitItemComponent, error) {
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *models.KitItemComponent
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := draft(ctx, tx, kitID); err != nil {
			return err
		}
		ve := &validation.ValidationErrors{}
		if err := checkRefs(ctx, tx, ve, "component", c); err != nil {
			return err
		}
		if err := ve.Err(); err != nil {
			return err
		}
		id, err := insertComponent(ctx, tx, kitID, c)
		if err != nil {
			return err
		}
		out, err = component(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateComponent replaces a line of a draft kit.
func (s *Service) UpdateComponent(ctx context.Context, id int64, c ComponentInput) (*models.KitItemComponent, error) {
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *models.KitItemComponent
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := component(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := draft(ctx, tx, cur.KitItemID); err != nil {
			return err
		}
		ve := &validation.ValidationErrors{}
		if err := checkRefs(ctx, tx, ve, "component", c); err != nil {
			return err
		}
		if err := ve.Err(); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `UPDATE kit_item_components SET item_id = ?, quantity_per_kit = ?, inventory_id = ?, notes = ?
			WHERE component_id = ?`, c.ItemID, c.QuantityPerKit, c.InventoryID, c.Notes, id)
		if err != nil {
			return err
		}
		out, err = component(ctx, tx, id)
		return err
	})
	return out, err
}

// DeleteComponent removes a line of a draft kit.
func (s *Service) DeleteComponent(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := component(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := draft(ctx, tx, cur.KitItemID); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `DELETE FROM kit_item_components WHERE component_id = ?`, id)
		return err
	})
}

// AvailableInventory lists lots of an item that still have available quantity.
func (s *Service) AvailableInventory(ctx context.Context, itemID int64) ([]models.AvailableLot, error) {
	lots, err := ledger.AvailableLots(ctx, s.DB, itemID)
	if err != nil {
		return nil, err
	}
	return ledger.Availability(lots), nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func spanFor(ctx context.Context, name string, id int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("kit.id", id)))
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

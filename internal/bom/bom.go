// Package bom stores bills of materials and expands them into material
// requirements.
package bom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/qty"
	"workcell/internal/validation"
)

var (
	ErrNotFound          = fmt.Errorf("%w: bom", apperr.ErrNotFound)
	ErrComponentNotFound = fmt.Errorf("%w: bom component", apperr.ErrNotFound)
	ErrCyclicBOM         = fmt.Errorf("%w: cyclic bom", apperr.ErrInvalid)
	ErrBOMInUse          = fmt.Errorf("%w: bom is referenced by work orders or other boms; create a new version", apperr.ErrState)
)

// Header is the writable part of a BOM header.
type Header struct {
	BOMNumber      string          `json:"bom_number"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	OutputItemID   int64           `json:"output_item_id"`
	OutputQuantity decimal.Decimal `json:"output_quantity"`
	Version        string          `json:"version"`
	IsActive       *bool           `json:"is_active"`
	Notes          string          `json:"notes"`
}

// ComponentInput is the writable part of a BOM line.
type ComponentInput struct {
	ItemID           int64           `json:"item_id"`
	QuantityPerUnit  decimal.Decimal `json:"quantity_per_unit"`
	IsSubassembly    bool            `json:"is_subassembly"`
	SubassemblyBOMID *int64          `json:"subassembly_bom_id"`
	SequenceOrder    int             `json:"sequence_order"`
	Notes            string          `json:"notes"`
}

// Input creates a BOM with its lines.
type Input struct {
	Header     Header           `json:"header"`
	Components []ComponentInput `json:"components"`
}

// Detail is a BOM with its lines.
type Detail struct {
	Header     models.BOM            `json:"header"`
	Components []models.BOMComponent `json:"components"`
}

const headerColumns = `b.bom_id, b.bom_number, b.name, b.description, b.output_item_id,
	i.item_code AS output_item_code, i.name AS output_item_name, b.output_quantity, b.version,
	b.is_active, b.notes, b.created_at, b.updated_at`

const componentColumns = `c.bom_component_id, c.bom_id, c.item_id, i.item_code, i.name AS item_name,
	c.quantity_per_unit, c.is_subassembly, c.subassembly_bom_id, c.sequence_order, c.notes`

func (h *Header) normalize() {
	h.BOMNumber = strings.TrimSpace(h.BOMNumber)
	if h.OutputQuantity.IsZero() {
		h.OutputQuantity = qty.New(1)
	}
	if h.Version == "" {
		h.Version = "1.0"
	}
}

func (h Header) validate(ve *validation.ValidationErrors) {
	validation.RequireField(ve, "bom_number", h.BOMNumber)
	validation.RequireField(ve, "name", h.Name)
	validation.RequireID(ve, "output_item_id", h.OutputItemID)
	validation.ValidatePositiveQty(ve, "output_quantity", h.OutputQuantity)
	validation.ValidateMaxLength(ve, "notes", h.Notes, validation.MaxStringLength)
}

func (c ComponentInput) validate(ve *validation.ValidationErrors, field string) {
	validation.RequireID(ve, field+".item_id", c.ItemID)
	validation.ValidatePositiveQty(ve, field+".quantity_per_unit", c.QuantityPerUnit)
	if c.IsSubassembly && c.SubassemblyBOMID == nil {
		ve.Add(field+".subassembly_bom_id", "is required for a subassembly")
	}
	if !c.IsSubassembly && c.SubassemblyBOMID != nil {
		ve.Add(field+".subassembly_bom_id", "is only allowed on a subassembly")
	}
}

// checkReferences verifies the items and subassembly BOMs a line points at.
// A subassembly BOM must produce the line's item.
func checkReferences(ctx context.Context, q database.Querier, ve *validation.ValidationErrors, field string, c ComponentInput) error {
	ok, err := catalog.Exists(ctx, q, c.ItemID)
	if err != nil {
		return err
	}
	if !ok {
		ve.Add(field+".item_id", fmt.Sprintf("references non-existent item %d", c.ItemID))
	}
	if c.SubassemblyBOMID == nil {
		return nil
	}
	sub, err := LoadHeader(ctx, q, *c.SubassemblyBOMID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			ve.Add(field+".subassembly_bom_id", fmt.Sprintf("references non-existent bom %d", *c.SubassemblyBOMID))
			return nil
		}
		return err
	}
	if sub.OutputItemID != c.ItemID {
		ve.Add(field+".subassembly_bom_id", fmt.Sprintf("bom %s produces %s, not the component item", sub.BOMNumber, sub.OutputItemCode))
	}
	return nil
}

// Create stores a BOM and its lines. The save is refused with ErrCyclicBOM
// if the new graph contains a cycle.
func Create(ctx context.Context, q database.Querier, in Input) (*Detail, error) {
	in.Header.normalize()
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	for i, c := range in.Components {
		c.validate(ve, fmt.Sprintf("components[%d]", i))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	if ok, err := catalog.Exists(ctx, q, in.Header.OutputItemID); err != nil {
		return nil, err
	} else if !ok {
		ve.Add("output_item_id", fmt.Sprintf("references non-existent item %d", in.Header.OutputItemID))
	}
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM boms WHERE bom_number = ?`, in.Header.BOMNumber); err != nil {
		return nil, err
	}
	if n > 0 {
		ve.Add("bom_number", "already exists")
	}
	for i, c := range in.Components {
		if err := checkReferences(ctx, q, ve, fmt.Sprintf("components[%d]", i), c); err != nil {
			return nil, err
		}
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	active := true
	if in.Header.IsActive != nil {
		active = *in.Header.IsActive
	}
	now := time.Now().UTC()
	bomID, err := database.Insert(ctx, q, `INSERT INTO boms
		(bom_number, name, description, output_item_id, output_quantity, version, is_active, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING bom_id`,
		in.Header.BOMNumber, in.Header.Name, in.Header.Description, in.Header.OutputItemID,
		in.Header.OutputQuantity, in.Header.Version, active, in.Header.Notes, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert bom: %w", err)
	}
	for i, c := range in.Components {
		if c.SequenceOrder == 0 {
			c.SequenceOrder = i + 1
		}
		if _, err := insertComponent(ctx, q, bomID, c); err != nil {
			return nil, err
		}
	}
	if err := CheckAcyclic(ctx, q, bomID); err != nil {
		return nil, err
	}
	return Get(ctx, q, bomID)
}

func insertComponent(ctx context.Context, q database.Querier, bomID int64, c ComponentInput) (int64, error) {
	id, err := database.Insert(ctx, q, `INSERT INTO bom_components
		(bom_id, item_id, quantity_per_unit, is_subassembly, subassembly_bom_id, sequence_order, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING bom_component_id`,
		bomID, c.ItemID, c.QuantityPerUnit, c.IsSubassembly, c.SubassemblyBOMID, c.SequenceOrder, c.Notes)
	if err != nil {
		return 0, fmt.Errorf("insert bom component: %w", err)
	}
	return id, nil
}

// LoadHeader loads a BOM header.
func LoadHeader(ctx context.Context, q database.Querier, id int64) (*models.BOM, error) {
	var b models.BOM
	err := database.Get(ctx, q, &b, `SELECT `+headerColumns+`
		FROM boms b JOIN items i ON i.item_id = b.output_item_id WHERE b.bom_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Components loads a BOM's lines in sequence order.
func Components(ctx context.Context, q database.Querier, bomID int64) ([]models.BOMComponent, error) {
	cs := []models.BOMComponent{}
	err := database.Select(ctx, q, &cs, `SELECT `+componentColumns+`
		FROM bom_components c JOIN items i ON i.item_id = c.item_id
		WHERE c.bom_id = ? ORDER BY c.sequence_order, c.bom_component_id`, bomID)
	return cs, err
}

// Get loads a BOM with its lines.
func Get(ctx context.Context, q database.Querier, id int64) (*Detail, error) {
	h, err := LoadHeader(ctx, q, id)
	if err != nil {
		return nil, err
	}
	cs, err := Components(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Header: *h, Components: cs}, nil
}

// List returns BOM headers, only active ones when activeOnly is set.
func List(ctx context.Context, q database.Querier, activeOnly bool) ([]models.BOM, error) {
	query := `SELECT ` + headerColumns + ` FROM boms b JOIN items i ON i.item_id = b.output_item_id`
	var args []any
	if activeOnly {
		query += ` WHERE b.is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY b.bom_number`
	bs := []models.BOM{}
	err := database.Select(ctx, q, &bs, query, args...)
	return bs, err
}

// InUse reports whether any work order or other BOM references the BOM.
func InUse(ctx context.Context, q database.Querier, bomID int64) (bool, error) {
	var n int
	err := database.Get(ctx, q, &n, `SELECT
		(SELECT COUNT(*) FROM work_orders WHERE bom_id = ?) +
		(SELECT COUNT(*) FROM work_order_components WHERE subassembly_bom_id = ?)`, bomID, bomID)
	return n > 0, err
}

func usedAsSubassembly(ctx context.Context, q database.Querier, bomID int64) (bool, error) {
	var n int
	err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM bom_components WHERE subassembly_bom_id = ?`, bomID)
	return n > 0, err
}

// UpdateHeader edits a BOM header. Once work orders reference the BOM its
// output item and quantity are frozen.
func UpdateHeader(ctx context.Context, q database.Querier, id int64, h Header) (*Detail, error) {
	cur, err := LoadHeader(ctx, q, id)
	if err != nil {
		return nil, err
	}
	h.normalize()
	if h.BOMNumber == "" {
		h.BOMNumber = cur.BOMNumber
	}
	if h.OutputItemID == 0 {
		h.OutputItemID = cur.OutputItemID
	}
	ve := &validation.ValidationErrors{}
	h.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if h.OutputItemID != cur.OutputItemID || !h.OutputQuantity.Equal(cur.OutputQuantity) {
		inUse, err := InUse(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, ErrBOMInUse
		}
	}
	active := cur.IsActive
	if h.IsActive != nil {
		active = *h.IsActive
	}
	_, err = database.Exec(ctx, q, `UPDATE boms SET bom_number = ?, name = ?, description = ?, output_item_id = ?,
		output_quantity = ?, version = ?, is_active = ?, notes = ?, updated_at = ? WHERE bom_id = ?`,
		h.BOMNumber, h.Name, h.Description, h.OutputItemID, h.OutputQuantity, h.Version, active, h.Notes,
		time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if err := CheckAcyclic(ctx, q, id); err != nil {
		return nil, err
	}
	return Get(ctx, q, id)
}

// Delete removes an unreferenced BOM and its lines.
func Delete(ctx context.Context, q database.Querier, id int64) error {
	if _, err := LoadHeader(ctx, q, id); err != nil {
		return err
	}
	inUse, err := InUse(ctx, q, id)
	if err != nil {
		return err
	}
	sub, err := usedAsSubassembly(ctx, q, id)
	if err != nil {
		return err
	}
	if inUse || sub {
		return ErrBOMInUse
	}
	if _, err := database.Exec(ctx, q, `DELETE FROM bom_components WHERE bom_id = ?`, id); err != nil {
		return err
	}
	_, err = database.Exec(ctx, q, `DELETE FROM boms WHERE bom_id = ?`, id)
	return err
}

// AddComponent appends a line to a BOM not yet used by work orders.
func AddComponent(ctx context.Context, q database.Querier, bomID int64, c ComponentInput) (*models.BOMComponent, error) {
	if _, err := LoadHeader(ctx, q, bomID); err != nil {
		return nil, err
	}
	if err := ensureEditable(ctx, q, bomID); err != nil {
		return nil, err
	}
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := checkReferences(ctx, q, ve, "component", c); err != nil {
		return nil, err
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if c.SequenceOrder == 0 {
		var max int
		if err := database.Get(ctx, q, &max, `SELECT COALESCE(MAX(sequence_order), 0) FROM bom_components WHERE bom_id = ?`, bomID); err != nil {
			return nil, err
		}
		c.SequenceOrder = max + 1
	}
	id, err := insertComponent(ctx, q, bomID, c)
	if err != nil {
		return nil, err
	}
	if err := CheckAcyclic(ctx, q, bomID); err != nil {
		return nil, err
	}
	return component(ctx, q, id)
}

// UpdateComponent replaces a line of a BOM not yet used by work orders.
func UpdateComponent(ctx context.Context, q database.Querier, componentID int64, c ComponentInput) (*models.BOMComponent, error) {
	cur, err := component(ctx, q, componentID)
	if err != nil {
		return nil, err
	}
	if err := ensureEditable(ctx, q, cur.BOMID); err != nil {
		return nil, err
	}
	ve := &validation.ValidationErrors{}
	c.validate(ve, "component")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := checkReferences(ctx, q, ve, "component", c); err != nil {
		return nil, err
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if c.SequenceOrder == 0 {
		c.SequenceOrder = cur.SequenceOrder
	}
	_, err = database.Exec(ctx, q, `UPDATE bom_components SET item_id = ?, quantity_per_unit = ?, is_subassembly = ?,
		subassembly_bom_id = ?, sequence_order = ?, notes = ? WHERE bom_component_id = ?`,
		c.ItemID, c.QuantityPerUnit, c.IsSubassembly, c.SubassemblyBOMID, c.SequenceOrder, c.Notes, componentID)
	if err != nil {
		return nil, err
	}
	if err := CheckAcyclic(ctx, q, cur.BOMID); err != nil {
		return nil, err
	}
	return component(ctx, q, componentID)
}

// DeleteComponent removes one line, by id, from a BOM not yet used by work orders.
func DeleteComponent(ctx context.Context, q database.Querier, componentID int64) error {
	cur, err := component(ctx, q, componentID)
	if err != nil {
		return err
	}
	if err := ensureEditable(ctx, q, cur.BOMID); err != nil {
		return err
	}
	_, err = database.Exec(ctx, q, `DELETE FROM bom_components WHERE bom_component_id = ?`, componentID)
	return err
}

func ensureEditable(ctx context.Context, q database.Querier, bomID int64) error {
	inUse, err := InUse(ctx, q, bomID)
	if err != nil {
		return err
	}
	if inUse {
		return ErrBOMInUse
	}
	return nil
}

func component(ctx context.Context, q database.Querier, id int64) (*models.BOMComponent, error) {
	var c models.BOMComponent
	err := database.Get(ctx, q, &c, `SELECT `+componentColumns+`
		FROM bom_components c JOIN items i ON i.item_id = c.item_id WHERE c.bom_component_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrComponentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

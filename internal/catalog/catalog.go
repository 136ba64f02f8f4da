// Package catalog stores the items everything else refers to.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/validation"
)

var ErrNotFound = fmt.Errorf("%w: item", apperr.ErrNotFound)

// ItemInput is the writable part of an item.
type ItemInput struct {
	ItemCode    string          `json:"item_code"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	SalesPrice  decimal.Decimal `json:"sales_price"`
}

func (in ItemInput) validate() error {
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "item_code", in.ItemCode)
	validation.RequireField(ve, "name", in.Name)
	validation.ValidateMaxLength(ve, "item_code", in.ItemCode, 64)
	validation.ValidateMaxLength(ve, "description", in.Description, validation.MaxStringLength)
	validation.ValidateNonNegativeQty(ve, "unit_cost", in.UnitCost)
	validation.ValidateNonNegativeQty(ve, "sales_price", in.SalesPrice)
	return ve.Err()
}

const itemColumns = `item_id, item_code, name, description, unit_cost, sales_price, created_at`

// Create inserts an item. Item codes are unique.
func Create(ctx context.Context, q database.Querier, in ItemInput) (*models.Item, error) {
	in.ItemCode = strings.TrimSpace(in.ItemCode)
	if err := in.validate(); err != nil {
		return nil, err
	}
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM items WHERE item_code = ?`, in.ItemCode); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, validation.Single("item_code", "already exists")
	}
	id, err := database.Insert(ctx, q, `INSERT INTO items (item_code, name, description, unit_cost, sales_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING item_id`,
		in.ItemCode, in.Name, in.Description, in.UnitCost, in.SalesPrice, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return Get(ctx, q, id)
}

// Get loads one item.
func Get(ctx context.Context, q database.Querier, id int64) (*models.Item, error) {
	var it models.Item
	err := database.Get(ctx, q, &it, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetByCode loads one item by its code.
func GetByCode(ctx context.Context, q database.Querier, code string) (*models.Item, error) {
	var it models.Item
	err := database.Get(ctx, q, &it, `SELECT `+itemColumns+` FROM items WHERE item_code = ?`, code)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// List returns every item ordered by code.
func List(ctx context.Context, q database.Querier) ([]models.Item, error) {
	items := []models.Item{}
	err := database.Select(ctx, q, &items, `SELECT `+itemColumns+` FROM items ORDER BY item_code`)
	return items, err
}

// Exists reports whether an item id is known, for validating references.
func Exists(ctx context.Context, q database.Querier, id int64) (bool, error) {
	var n int
	err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM items WHERE item_id = ?`, id)
	return n > 0, err
}

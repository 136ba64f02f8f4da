// Package sales records sales orders and ships their lines out of the
// inventory ledger.
package sales

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
	"workcell/internal/partners"
	"workcell/internal/procurement"
	"workcell/internal/validation"
)

var tracer = otel.Tracer("workcell/sales")

// Sales order statuses.
const (
	StatusOpen      = "open"
	StatusPartial   = "partial"
	StatusShipped   = "shipped"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound          = fmt.Errorf("%w: sales order", apperr.ErrNotFound)
	ErrDetailNotFound    = fmt.Errorf("%w: sales order detail", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: invalid sales order status transition", apperr.ErrState)
)

type Service struct {
	DB *database.DB
}

func New(db *database.DB) *Service {
	return &Service{DB: db}
}

const orderColumns = `sale_id, so_number, customer, customer_id, quotation_id, order_date, status, notes, created_at`

const detailColumns = `d.detail_id, d.sale_id, d.item_id, i.item_code, i.name AS item_name,
	d.quantity, d.quantity_shipped, d.unit_price`

// Header is the writable part of a sales order.
// A customer_id fills an empty customer name from the customer directory.
type Header struct {
	SONumber   string `json:"so_number"`
	Customer   string `json:"customer"`
	CustomerID *int64 `json:"customer_id"`
	OrderDate  string `json:"order_date"`
	Notes      string `json:"notes"`
}

// DetailInput is one ordered line.
type DetailInput struct {
	ItemID    int64           `json:"item_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Input creates a sales order with its lines.
type Input struct {
	Header  Header        `json:"header"`
	Details []DetailInput `json:"details"`

	// QuotationID links an order converted from a quotation.
	QuotationID *int64 `json:"-"`
}

// Detail is a sales order with its lines.
type Detail struct {
	Header  models.SalesOrder         `json:"header"`
	Details []models.SalesOrderDetail `json:"details"`
}

func (h *Header) validate(ve *validation.ValidationErrors) {
	h.SONumber = strings.TrimSpace(h.SONumber)
	h.Customer = strings.TrimSpace(h.Customer)
	if h.CustomerID == nil {
		validation.RequireField(ve, "customer", h.Customer)
	}
	validation.ValidateDate(ve, "order_date", h.OrderDate)
	validation.ValidateMaxLength(ve, "notes", h.Notes, validation.MaxStringLength)
}

func (d DetailInput) validate(ve *validation.ValidationErrors, f string) {
	validation.RequireID(ve, f+"item_id", d.ItemID)
	validation.ValidatePositiveQty(ve, f+"quantity", d.Quantity)
	validation.ValidateNonNegativeQty(ve, f+"unit_price", d.UnitPrice)
}

func (in *Input) validate() error {
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	if len(in.Details) == 0 {
		ve.Add("details", "at least one line is required")
	}
	for i, d := range in.Details {
		d.validate(ve, fmt.Sprintf("details[%d].", i))
	}
	return ve.Err()
}

// resolveCustomer checks customer_id and fills an empty name from it.
func resolveCustomer(ctx context.Context, q database.Querier, h *Header) error {
	if h.CustomerID == nil {
		return nil
	}
	c, err := partners.GetCustomer(ctx, q, *h.CustomerID)
	if errors.Is(err, partners.ErrCustomerNotFound) {
		return validation.Single("customer_id", fmt.Sprintf("references non-existent customer %d", *h.CustomerID))
	}
	if err != nil {
		return err
	}
	if h.Customer == "" {
		h.Customer = c.CompanyName
	}
	return nil
}

// checkNumber rejects a sales order number another order already uses.
func checkNumber(ctx context.Context, q database.Querier, number string, self int64) error {
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM sales_orders WHERE so_number = ? AND sale_id <> ?`, number, self); err != nil {
		return err
	}
	if n > 0 {
		return validation.Single("so_number", "already exists")
	}
	return nil
}

// linePrice is the unit price a line is stored with: the given price, or
// the item's sales price when zero.
func linePrice(ctx context.Context, q database.Querier, field string, d DetailInput) (decimal.Decimal, error) {
	item, err := catalog.Get(ctx, q, d.ItemID)
	if errors.Is(err, catalog.ErrNotFound) {
		return decimal.Zero, validation.Single(field, fmt.Sprintf("references non-existent item %d", d.ItemID))
	}
	if err != nil {
		return decimal.Zero, err
	}
	if d.UnitPrice.IsZero() {
		return item.SalesPrice, nil
	}
	return d.UnitPrice, nil
}

// Create stores an open sales order. An empty number is assigned as
// SO-YYYY-NNNN; a zero unit price takes the item's sales price.
func (s *Service) Create(ctx context.Context, in Input) (*Detail, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = CreateTx(ctx, tx, in)
		return err
	})
	return out, err
}

// CreateTx is Create inside the caller's transaction.
func CreateTx(ctx context.Context, q database.Querier, in Input) (*Detail, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	prices := make([]decimal.Decimal, len(in.Details))
	ve := &validation.ValidationErrors{}
	for i, d := range in.Details {
		field := fmt.Sprintf("details[%d].item_id", i)
		price, err := linePrice(ctx, q, field, d)
		var fe *validation.ValidationErrors
		if errors.As(err, &fe) {
			ve.Add(field, fe.Errors[0].Message)
			continue
		}
		if err != nil {
			return nil, err
		}
		prices[i] = price
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := resolveCustomer(ctx, q, &in.Header); err != nil {
		return nil, err
	}

	number := in.Header.SONumber
	var err error
	if number == "" {
		if number, err = database.NextNumber(ctx, q, "SO", "sales_orders", "so_number", 4); err != nil {
			return nil, err
		}
	} else if err := checkNumber(ctx, q, number, 0); err != nil {
		return nil, err
	}
	id, err := database.Insert(ctx, q, `INSERT INTO sales_orders
		(so_number, customer, customer_id, quotation_id, order_date, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING sale_id`,
		number, in.Header.Customer, in.Header.CustomerID, in.QuotationID, in.Header.OrderDate, StatusOpen,
		in.Header.Notes, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert sales order: %w", err)
	}
	for i, d := range in.Details {
		if err := insertDetail(ctx, q, id, d.ItemID, d.Quantity, prices[i]); err != nil {
			return nil, err
		}
	}
	return get(ctx, q, id)
}

func insertDetail(ctx context.Context, q database.Querier, saleID, itemID int64, quantity, price decimal.Decimal) error {
	_, err := database.Exec(ctx, q, `INSERT INTO sales_order_details (sale_id, item_id, quantity, quantity_shipped, unit_price)
		VALUES (?, ?, ?, ?, ?)`, saleID, itemID, quantity, decimal.Zero, price)
	if err != nil {
		return fmt.Errorf("insert sales order detail: %w", err)
	}
	return nil
}

// editable loads an order whose header and lines may still change.
func editable(ctx context.Context, q database.Querier, id int64) (*models.SalesOrder, error) {
	so, err := load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if so.Status != StatusOpen && so.Status != StatusPartial {
		return nil, fmt.Errorf("%w: cannot edit %s in status %s", ErrInvalidTransition, so.SONumber, so.Status)
	}
	return so, nil
}

// Update replaces the header of an open or partially shipped order. An
// empty number keeps the current one.
func (s *Service) Update(ctx context.Context, id int64, h Header) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	h.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		so, err := editable(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := resolveCustomer(ctx, tx, &h); err != nil {
			return err
		}
		if h.SONumber == "" {
			h.SONumber = so.SONumber
		} else if err := checkNumber(ctx, tx, h.SONumber, id); err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `UPDATE sales_orders SET so_number = ?, customer = ?, customer_id = ?,
			order_date = ?, notes = ? WHERE sale_id = ?`,
			h.SONumber, h.Customer, h.CustomerID, h.OrderDate, h.Notes, id); err != nil {
			return err
		}
		out, err = get(ctx, tx, id)
		return err
	})
	return out, err
}

// AddDetail appends a line to an open or partially shipped order.
func (s *Service) AddDetail(ctx context.Context, saleID int64, in DetailInput) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	in.validate(ve, "")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		so, err := editable(ctx, tx, saleID)
		if err != nil {
			return err
		}
		price, err := linePrice(ctx, tx, "item_id", in)
		if err != nil {
			return err
		}
		if err := insertDetail(ctx, tx, saleID, in.ItemID, in.Quantity, price); err != nil {
			return err
		}
		if err := restatus(ctx, tx, so); err != nil {
			return err
		}
		out, err = get(ctx, tx, saleID)
		return err
	})
	return out, err
}

// UpdateDetail changes a line's item, quantity or price. The quantity may
// not drop below what has shipped, and a line that has shipped keeps its
// item. Pending purchase requests for an item the line no longer orders
// are withdrawn.
func (s *Service) UpdateDetail(ctx context.Context, detailID int64, in DetailInput) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	in.validate(ve, "")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		line, err := detail(ctx, tx, detailID)
		if err != nil {
			return err
		}
		so, err := editable(ctx, tx, line.SaleID)
		if err != nil {
			return err
		}
		if in.Quantity.LessThan(line.QuantityShipped) {
			return validation.Single("quantity", fmt.Sprintf("%s of %s already shipped", line.QuantityShipped, line.ItemCode))
		}
		if in.ItemID != line.ItemID && line.QuantityShipped.IsPositive() {
			return validation.Single("item_id", fmt.Sprintf("%s has shipped and cannot change item", line.ItemCode))
		}
		price, err := linePrice(ctx, tx, "item_id", in)
		if err != nil {
			return err
		}
		if in.ItemID != line.ItemID {
			if err := procurement.ClearShortage(ctx, tx, procurement.SourceSalesOrder, so.SaleID, line.ItemID); err != nil {
				return err
			}
		}
		if _, err := database.Exec(ctx, tx, `UPDATE sales_order_details SET item_id = ?, quantity = ?, unit_price = ?
			WHERE detail_id = ?`, in.ItemID, in.Quantity, price, detailID); err != nil {
			return err
		}
		if err := restatus(ctx, tx, so); err != nil {
			return err
		}
		out, err = get(ctx, tx, so.SaleID)
		return err
	})
	return out, err
}

// restatus derives an editable order's status from its lines: shipped when
// every line has shipped in full, partial when anything has shipped.
func restatus(ctx context.Context, q database.Querier, so *models.SalesOrder) error {
	lines, err := details(ctx, q, so.SaleID)
	if err != nil {
		return err
	}
	status := StatusOpen
	complete := len(lines) > 0
	for _, l := range lines {
		if l.QuantityShipped.IsPositive() {
			status = StatusPartial
		}
		if l.QuantityShipped.LessThan(l.Quantity) {
			complete = false
		}
	}
	if complete {
		status = StatusShipped
	}
	if status == so.Status {
		return nil
	}
	if err := database.ExecOne(ctx, q, `UPDATE sales_orders SET status = ? WHERE sale_id = ? AND status = ?`,
		status, so.SaleID, so.Status); err != nil {
		return err
	}
	so.Status = status
	return nil
}

func load(ctx context.Context, q database.Querier, id int64) (*models.SalesOrder, error) {
	var so models.SalesOrder
	err := database.Get(ctx, q, &so, `SELECT `+orderColumns+` FROM sales_orders WHERE sale_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &so, nil
}

func details(ctx context.Context, q database.Querier, saleID int64) ([]models.SalesOrderDetail, error) {
	ds := []models.SalesOrderDetail{}
	err := database.Select(ctx, q, &ds, `SELECT `+detailColumns+` FROM sales_order_details d
		JOIN items i ON i.item_id = d.item_id WHERE d.sale_id = ? ORDER BY d.detail_id`, saleID)
	return ds, err
}

func detail(ctx context.Context, q database.Querier, id int64) (*models.SalesOrderDetail, error) {
	var d models.SalesOrderDetail
	err := database.Get(ctx, q, &d, `SELECT `+detailColumns+` FROM sales_order_details d
		JOIN items i ON i.item_id = d.item_id WHERE d.detail_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrDetailNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func get(ctx context.Context, q database.Querier, id int64) (*Detail, error) {
	so, err := load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	ds, err := details(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Header: *so, Details: ds}, nil
}

// Get loads a sales order with its lines.
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	return get(ctx, s.DB, id)
}

// List returns every sales order, newest first.
func (s *Service) List(ctx context.Context) ([]models.SalesOrder, error) {
	orders := []models.SalesOrder{}
	err := database.Select(ctx, s.DB, &orders, `SELECT `+orderColumns+` FROM sales_orders ORDER BY created_at DESC, sale_id DESC`)
	return orders, err
}

// Cancel closes an order that has not shipped completely. Shipped goods
// stay shipped; pending purchase requests it raised are withdrawn.
func (s *Service) Cancel(ctx context.Context, id int64) (*models.SalesOrder, error) {
	var out *models.SalesOrder
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		so, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if so.Status != StatusOpen && so.Status != StatusPartial {
			return fmt.Errorf("%w: cannot cancel %s in status %s", ErrInvalidTransition, so.SONumber, so.Status)
		}
		if _, err := procurement.CancelPending(ctx, tx, procurement.SourceSalesOrder, id); err != nil {
			return err
		}
		if err := database.ExecOne(ctx, tx, `UPDATE sales_orders SET status = ? WHERE sale_id = ? AND status = ?`,
			StatusCancelled, id, so.Status); err != nil {
			return err
		}
		so.Status = StatusCancelled
		out = so
		return nil
	})
	return out, err
}

// Delete removes an open order nothing was shipped from.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		so, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if so.Status != StatusOpen && so.Status != StatusCancelled {
			return fmt.Errorf("%w: %s has shipments", ErrInvalidTransition, so.SONumber)
		}
		var shipped int
		if err := database.Get(ctx, tx, &shipped, `SELECT COUNT(*) FROM reservations WHERE owner_type = ? AND owner_id = ?`,
			ledger.OwnerSalesOrder, id); err != nil {
			return err
		}
		if shipped > 0 {
			return fmt.Errorf("%w: %s has shipments", ErrInvalidTransition, so.SONumber)
		}
		if _, err := database.Exec(ctx, tx, `DELETE FROM sales_order_details WHERE sale_id = ?`, id); err != nil {
			return err
		}
		_, err = database.Exec(ctx, tx, `DELETE FROM sales_orders WHERE sale_id = ?`, id)
		return err
	})
}

// AvailableInventory lists lots of an item that can still ship.
func (s *Service) AvailableInventory(ctx context.Context, itemID int64) ([]models.AvailableLot, error) {
	lots, err := ledger.AvailableLots(ctx, s.DB, itemID)
	if err != nil {
		return nil, err
	}
	return ledger.Availability(lots), nil
}

// ShipInput ships part of a line, optionally from a chosen lot first.
type ShipInput struct {
	ShippedQuantity decimal.Decimal `json:"shipped_quantity"`
	InventoryID     *int64          `json:"inventory_id"`
}

// Picked is what one shipment took from one lot.
type Picked struct {
	InventoryID int64           `json:"inventory_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// ShipResult reports one shipment.
type ShipResult struct {
	DetailID        int64           `json:"detail_id"`
	SaleID          int64           `json:"sale_id"`
	SONumber        string          `json:"so_number"`
	Status          string          `json:"status"`
	QuantityShipped decimal.Decimal `json:"quantity_shipped"`
	Picked          []Picked        `json:"picked"`
}

// shortfall aborts the shipping transaction so nothing stays reserved.
type shortfall struct {
	so     *models.SalesOrder
	line   *models.SalesOrderDetail
	amount decimal.Decimal
}

func (e *shortfall) Error() string {
	return fmt.Sprintf("%s short %s for %s", e.line.ItemCode, e.amount, e.so.SONumber)
}

// Ship reserves the quantity (chosen lot first, then FIFO) and consumes it
// in one transaction. If stock is short nothing ships: a sales_order
// purchase request is raised for the gap in its own transaction and the
// call fails with ledger.ErrInsufficientAvailable.
func (s *Service) Ship(ctx context.Context, detailID int64, in ShipInput) (*ShipResult, error) {
	ctx, span := tracer.Start(ctx, "sales.ship", trace.WithAttributes(attribute.Int64("sales.detail_id", detailID)))
	defer span.End()

	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveQty(ve, "shipped_quantity", in.ShippedQuantity)
	if err := ve.Err(); err != nil {
		return nil, fail(span, err)
	}

	var out *ShipResult
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		line, err := detail(ctx, tx, detailID)
		if err != nil {
			return err
		}
		so, err := load(ctx, tx, line.SaleID)
		if err != nil {
			return err
		}
		if so.Status != StatusOpen && so.Status != StatusPartial {
			return fmt.Errorf("%w: cannot ship %s in status %s", ErrInvalidTransition, so.SONumber, so.Status)
		}
		open := line.Quantity.Sub(line.QuantityShipped)
		if in.ShippedQuantity.GreaterThan(open) {
			return validation.Single("shipped_quantity", fmt.Sprintf("only %s of %s remains to ship", open, line.ItemCode))
		}

		o := ledger.Owner{Type: ledger.OwnerSalesOrder, ID: so.SaleID, LineID: line.DetailID, Reference: so.SONumber}
		rs, remaining, err := ledger.ReserveFIFO(ctx, tx, o, line.ItemID, in.ShippedQuantity, in.InventoryID)
		if err != nil {
			return err
		}
		if remaining.IsPositive() {
			return &shortfall{so: so, line: line, amount: remaining}
		}
		if _, err := ledger.ConsumeLine(ctx, tx, o, in.ShippedQuantity); err != nil {
			return err
		}

		shipped := line.QuantityShipped.Add(in.ShippedQuantity)
		if _, err := database.Exec(ctx, tx, `UPDATE sales_order_details SET quantity_shipped = ? WHERE detail_id = ?`, shipped, detailID); err != nil {
			return err
		}
		if err := procurement.ClearShortage(ctx, tx, procurement.SourceSalesOrder, so.SaleID, line.ItemID); err != nil {
			return err
		}

		lines, err := details(ctx, tx, so.SaleID)
		if err != nil {
			return err
		}
		status := rollUp(lines, detailID, shipped)
		if status != so.Status {
			if err := database.ExecOne(ctx, tx, `UPDATE sales_orders SET status = ? WHERE sale_id = ? AND status = ?`,
				status, so.SaleID, so.Status); err != nil {
				return err
			}
		}

		out = &ShipResult{
			DetailID:        detailID,
			SaleID:          so.SaleID,
			SONumber:        so.SONumber,
			Status:          status,
			QuantityShipped: shipped,
			Picked:          make([]Picked, 0, len(rs)),
		}
		for _, r := range rs {
			out.Picked = append(out.Picked, Picked{InventoryID: r.InventoryID, Quantity: r.QuantityReserved})
		}
		return nil
	})

	var short *shortfall
	if errors.As(err, &short) {
		return nil, fail(span, s.raiseShortage(ctx, short))
	}
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// rollUp is the order status once line detailID has shipped in total.
// Quantities are compared as decimals; stored text does not order numerically.
func rollUp(lines []models.SalesOrderDetail, detailID int64, shipped decimal.Decimal) string {
	for _, l := range lines {
		got := l.QuantityShipped
		if l.DetailID == detailID {
			got = shipped
		}
		if got.LessThan(l.Quantity) {
			return StatusPartial
		}
	}
	return StatusShipped
}

func (s *Service) raiseShortage(ctx context.Context, short *shortfall) error {
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := procurement.EnsureShortage(ctx, tx, procurement.Shortage{
			ItemID:          short.line.ItemID,
			Quantity:        short.amount,
			SourceType:      procurement.SourceSalesOrder,
			SourceID:        short.so.SaleID,
			SourceReference: short.so.SONumber,
		})
		return err
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s; purchase request raised", ledger.ErrInsufficientAvailable, short.Error())
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

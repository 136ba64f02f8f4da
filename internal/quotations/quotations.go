// Package quotations keeps priced offers to customers and converts an
// accepted offer into a sales order.
package quotations

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
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/sales"
	"workcell/internal/validation"
)

var tracer = otel.Tracer("workcell/quotations")

// Quotation statuses.
const (
	StatusDraft     = "draft"
	StatusSent      = "sent"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusConverted = "converted"
)

var (
	ErrNotFound       = fmt.Errorf("%w: quotation", apperr.ErrNotFound)
	ErrDetailNotFound = fmt.Errorf("%w: quotation detail", apperr.ErrNotFound)
	ErrConverted      = fmt.Errorf("%w: quotation already converted", apperr.ErrState)
	ErrNotConvertible = fmt.Errorf("%w: quotation cannot be converted", apperr.ErrState)
)

type Service struct {
	DB *database.DB
}

func New(db *database.DB) *Service {
	return &Service{DB: db}
}

const quotationColumns = `q.quotation_id, q.quotation_number, q.customer_id, c.company_name, q.quotation_date,
	q.valid_until, q.status, q.total_amount, q.shipping_address, q.notes, q.converted_sale_id, q.created_at, q.updated_at`

const detailColumns = `d.detail_id, d.quotation_id, d.item_id, i.item_code, i.name AS item_name,
	d.quantity, d.unit_price, d.notes`

// Header is the writable part of a quotation. Status may not be set to
// converted; only ConvertToSO does that.
type Header struct {
	QuotationNumber string `json:"quotation_number"`
	CustomerID      int64  `json:"customer_id"`
	QuotationDate   string `json:"quotation_date"`
	ValidUntil      string `json:"valid_until"`
	Status          string `json:"status"`
	ShippingAddress string `json:"shipping_address"`
	Notes           string `json:"notes"`
}

// DetailInput is one quoted line. A zero unit price takes the item's sales
// price.
type DetailInput struct {
	ItemID    int64           `json:"item_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes"`
}

type Input struct {
	Header  Header        `json:"header"`
	Details []DetailInput `json:"details"`
}

// Detail is a quotation with its lines.
type Detail struct {
	Header  models.Quotation         `json:"header"`
	Details []models.QuotationDetail `json:"details"`
}

func (h *Header) validate(ve *validation.ValidationErrors) {
	h.QuotationNumber = strings.TrimSpace(h.QuotationNumber)
	validation.RequireID(ve, "customer_id", h.CustomerID)
	validation.ValidateDate(ve, "quotation_date", h.QuotationDate)
	validation.ValidateDate(ve, "valid_until", h.ValidUntil)
	validation.ValidateEnum(ve, "status", h.Status, validation.ValidQuotationStatuses)
	if h.Status == StatusConverted {
		ve.Add("status", "is set by converting to a sales order")
	}
	if h.QuotationDate != "" && h.ValidUntil != "" && h.ValidUntil < h.QuotationDate {
		ve.Add("valid_until", "must not be before quotation_date")
	}
	validation.ValidateMaxLength(ve, "shipping_address", h.ShippingAddress, 1000)
	validation.ValidateMaxLength(ve, "notes", h.Notes, validation.MaxStringLength)
}

func (d DetailInput) validate(ve *validation.ValidationErrors, f string) {
	validation.RequireID(ve, f+"item_id", d.ItemID)
	validation.ValidatePositiveQty(ve, f+"quantity", d.Quantity)
	validation.ValidateNonNegativeQty(ve, f+"unit_price", d.UnitPrice)
	validation.ValidateMaxLength(ve, f+"notes", d.Notes, validation.MaxStringLength)
}

func checkCustomer(ctx context.Context, q database.Querier, id int64) error {
	_, err := partners.GetCustomer(ctx, q, id)
	if errors.Is(err, partners.ErrCustomerNotFound) {
		return validation.Single("customer_id", fmt.Sprintf("references non-existent customer %d", id))
	}
	return err
}

func checkNumber(ctx context.Context, q database.Querier, number string, self int64) error {
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM quotations WHERE quotation_number = ? AND quotation_id <> ?`,
		number, self); err != nil {
		return err
	}
	if n > 0 {
		return validation.Single("quotation_number", "already exists")
	}
	return nil
}

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

// Create stores a quotation. An empty number is assigned as QT-YYYY-NNNN,
// an empty date is today and an empty status is draft.
func (s *Service) Create(ctx context.Context, in Input) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	if len(in.Details) == 0 {
		ve.Add("details", "at least one line is required")
	}
	for i, d := range in.Details {
		d.validate(ve, fmt.Sprintf("details[%d].", i))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	h := in.Header
	if h.Status == "" {
		h.Status = StatusDraft
	}
	if h.QuotationDate == "" {
		h.QuotationDate = time.Now().Format("2006-01-02")
	}

	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkCustomer(ctx, tx, h.CustomerID); err != nil {
			return err
		}
		prices := make([]decimal.Decimal, len(in.Details))
		for i, d := range in.Details {
			price, err := linePrice(ctx, tx, fmt.Sprintf("details[%d].item_id", i), d)
			if err != nil {
				return err
			}
			prices[i] = price
		}
		number := h.QuotationNumber
		var err error
		if number == "" {
			if number, err = database.NextNumber(ctx, tx, "QT", "quotations", "quotation_number", 4); err != nil {
				return err
			}
		} else if err := checkNumber(ctx, tx, number, 0); err != nil {
			return err
		}
		now := time.Now().UTC()
		id, err := database.Insert(ctx, tx, `INSERT INTO quotations (quotation_number, customer_id, quotation_date,
			valid_until, status, total_amount, shipping_address, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING quotation_id`,
			number, h.CustomerID, h.QuotationDate, h.ValidUntil, h.Status, decimal.Zero, h.ShippingAddress, h.Notes, now, now)
		if err != nil {
			return fmt.Errorf("insert quotation: %w", err)
		}
		for i, d := range in.Details {
			if _, err := database.Exec(ctx, tx, `INSERT INTO quotation_details (quotation_id, item_id, quantity, unit_price, notes)
				VALUES (?, ?, ?, ?, ?)`, id, d.ItemID, d.Quantity, prices[i], d.Notes); err != nil {
				return fmt.Errorf("insert quotation detail: %w", err)
			}
		}
		out, err = retotal(ctx, tx, id)
		return err
	})
	return out, err
}

func load(ctx context.Context, q database.Querier, id int64) (*models.Quotation, error) {
	var qt models.Quotation
	err := database.Get(ctx, q, &qt, `SELECT `+quotationColumns+` FROM quotations q
		JOIN customers c ON c.customer_id = q.customer_id WHERE q.quotation_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &qt, nil
}

// editable loads a quotation that has not been converted.
func editable(ctx context.Context, q database.Querier, id int64) (*models.Quotation, error) {
	qt, err := load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if qt.Status == StatusConverted {
		return nil, fmt.Errorf("%w: %s", ErrConverted, qt.QuotationNumber)
	}
	return qt, nil
}

func details(ctx context.Context, q database.Querier, id int64) ([]models.QuotationDetail, error) {
	ds := []models.QuotationDetail{}
	if err := database.Select(ctx, q, &ds, `SELECT `+detailColumns+` FROM quotation_details d
		JOIN items i ON i.item_id = d.item_id WHERE d.quotation_id = ? ORDER BY d.detail_id`, id); err != nil {
		return nil, err
	}
	for i := range ds {
		ds[i].Subtotal = ds[i].Quantity.Mul(ds[i].UnitPrice)
	}
	return ds, nil
}

func detail(ctx context.Context, q database.Querier, id int64) (*models.QuotationDetail, error) {
	var d models.QuotationDetail
	err := database.Get(ctx, q, &d, `SELECT `+detailColumns+` FROM quotation_details d
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
	qt, err := load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	ds, err := details(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Header: *qt, Details: ds}, nil
}

// retotal stores the sum of the line subtotals and reloads the quotation.
func retotal(ctx context.Context, q database.Querier, id int64) (*Detail, error) {
	ds, err := details(ctx, q, id)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d.Subtotal)
	}
	if _, err := database.Exec(ctx, q, `UPDATE quotations SET total_amount = ?, updated_at = ? WHERE quotation_id = ?`,
		total, time.Now().UTC(), id); err != nil {
		return nil, err
	}
	return get(ctx, q, id)
}

// Get loads a quotation with its lines.
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	return get(ctx, s.DB, id)
}

// List returns quotation headers, newest first.
func (s *Service) List(ctx context.Context) ([]models.Quotation, error) {
	qs := []models.Quotation{}
	err := database.Select(ctx, s.DB, &qs, `SELECT `+quotationColumns+` FROM quotations q
		JOIN customers c ON c.customer_id = q.customer_id ORDER BY q.created_at DESC, q.quotation_id DESC`)
	return qs, err
}

// Update replaces the header of a quotation that has not been converted.
// An empty number keeps the current one.
func (s *Service) Update(ctx context.Context, id int64, h Header) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	h.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		qt, err := editable(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkCustomer(ctx, tx, h.CustomerID); err != nil {
			return err
		}
		if h.QuotationNumber == "" {
			h.QuotationNumber = qt.QuotationNumber
		} else if err := checkNumber(ctx, tx, h.QuotationNumber, id); err != nil {
			return err
		}
		if h.QuotationDate == "" {
			h.QuotationDate = qt.QuotationDate
		}
		if h.Status == "" {
			h.Status = qt.Status
		}
		if _, err := database.Exec(ctx, tx, `UPDATE quotations SET quotation_number = ?, customer_id = ?,
			quotation_date = ?, valid_until = ?, status = ?, shipping_address = ?, notes = ?, updated_at = ?
			WHERE quotation_id = ?`,
			h.QuotationNumber, h.CustomerID, h.QuotationDate, h.ValidUntil, h.Status, h.ShippingAddress, h.Notes,
			time.Now().UTC(), id); err != nil {
			return err
		}
		out, err = get(ctx, tx, id)
		return err
	})
	return out, err
}

// Delete removes a quotation that has not been converted.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := editable(ctx, tx, id); err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `DELETE FROM quotation_details WHERE quotation_id = ?`, id); err != nil {
			return err
		}
		_, err := database.Exec(ctx, tx, `DELETE FROM quotations WHERE quotation_id = ?`, id)
		return err
	})
}

// AddDetail appends a line and updates the total.
func (s *Service) AddDetail(ctx context.Context, id int64, in DetailInput) (*Detail, error) {
	ve := &validation.ValidationErrors{}
	in.validate(ve, "")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := editable(ctx, tx, id); err != nil {
			return err
		}
		price, err := linePrice(ctx, tx, "item_id", in)
		if err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `INSERT INTO quotation_details (quotation_id, item_id, quantity, unit_price, notes)
			VALUES (?, ?, ?, ?, ?)`, id, in.ItemID, in.Quantity, price, in.Notes); err != nil {
			return fmt.Errorf("insert quotation detail: %w", err)
		}
		out, err = retotal(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateDetail replaces a line and updates the total.
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
		if _, err := editable(ctx, tx, line.QuotationID); err != nil {
			return err
		}
		price, err := linePrice(ctx, tx, "item_id", in)
		if err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `UPDATE quotation_details SET item_id = ?, quantity = ?, unit_price = ?, notes = ?
			WHERE detail_id = ?`, in.ItemID, in.Quantity, price, in.Notes, detailID); err != nil {
			return err
		}
		out, err = retotal(ctx, tx, line.QuotationID)
		return err
	})
	return out, err
}

// DeleteDetail removes a line and updates the total.
func (s *Service) DeleteDetail(ctx context.Context, detailID int64) (*Detail, error) {
	var out *Detail
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		line, err := detail(ctx, tx, detailID)
		if err != nil {
			return err
		}
		if _, err := editable(ctx, tx, line.QuotationID); err != nil {
			return err
		}
		if _, err := database.Exec(ctx, tx, `DELETE FROM quotation_details WHERE detail_id = ?`, detailID); err != nil {
			return err
		}
		out, err = retotal(ctx, tx, line.QuotationID)
		return err
	})
	return out, err
}

// ConvertInput names the sales order a conversion creates. An empty
// number is assigned as SO-YYYY-NNNN.
type ConvertInput struct {
	SalesNumber string `json:"sales_number"`
	OrderDate   string `json:"order_date"`
}

// Conversion reports the sales order a quotation became.
type Conversion struct {
	Message  string `json:"message"`
	SaleID   int64  `json:"sale_id"`
	SONumber string `json:"so_number"`
}

// ConvertToSO copies a draft, sent or accepted quotation into an open sales
// order for the same customer, line for line at the quoted prices, and
// marks the quotation converted. Both happen in one transaction.
func (s *Service) ConvertToSO(ctx context.Context, id int64, in ConvertInput) (*Conversion, error) {
	ctx, span := tracer.Start(ctx, "quotations.convert", trace.WithAttributes(attribute.Int64("quotation.id", id)))
	defer span.End()

	var out *Conversion
	err := s.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		qt, err := editable(ctx, tx, id)
		if err != nil {
			return err
		}
		if qt.Status == StatusRejected || qt.Status == StatusExpired {
			return fmt.Errorf("%w: %s is %s", ErrNotConvertible, qt.QuotationNumber, qt.Status)
		}
		lines, err := details(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("%w: %s has no lines", ErrNotConvertible, qt.QuotationNumber)
		}
		customerID := qt.CustomerID
		order := sales.Input{
			Header: sales.Header{
				SONumber:   in.SalesNumber,
				Customer:   qt.CompanyName,
				CustomerID: &customerID,
				OrderDate:  in.OrderDate,
				Notes:      fmt.Sprintf("Converted from quotation %s", qt.QuotationNumber),
			},
			QuotationID: &id,
		}
		for _, l := range lines {
			order.Details = append(order.Details, sales.DetailInput{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
		}
		so, err := sales.CreateTx(ctx, tx, order)
		if err != nil {
			return err
		}
		if err := database.ExecOne(ctx, tx, `UPDATE quotations SET status = ?, converted_sale_id = ?, updated_at = ?
			WHERE quotation_id = ? AND status = ?`,
			StatusConverted, so.Header.SaleID, time.Now().UTC(), id, qt.Status); err != nil {
			return err
		}
		out = &Conversion{
			Message:  fmt.Sprintf("Quotation %s converted to sales order %s", qt.QuotationNumber, so.Header.SONumber),
			SaleID:   so.Header.SaleID,
			SONumber: so.Header.SONumber,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

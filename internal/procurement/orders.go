package procurement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/validation"
)

// Purchase order statuses.
const (
	POOrdered   = "ordered"
	POPartial   = "partial"
	POReceived  = "received"
	POCancelled = "cancelled"
)

var (
	ErrPONotFound       = fmt.Errorf("%w: purchase order", apperr.ErrNotFound)
	ErrPODetailNotFound = fmt.Errorf("%w: purchase order line", apperr.ErrNotFound)
	ErrOverReceipt      = fmt.Errorf("%w: receipt exceeds the ordered quantity", apperr.ErrInvalid)
	ErrPOClosed         = fmt.Errorf("%w: purchase order is closed", apperr.ErrState)
)

const orderColumns = `purchaseorder_id, po_number, supplier_id, order_date, expected_delivery, status, notes, created_at`

const lineColumns = `d.pod_id, d.purchaseorder_id, d.item_id, i.item_code, i.name AS item_name,
	d.quantity, d.received_quantity, d.unit_cost`

// POData is the header of a purchase order.
type POData struct {
	SupplierID       *int64 `json:"supplier_id"`
	PONumber         string `json:"po_number"`
	OrderDate        string `json:"order_date"`
	ExpectedDelivery string `json:"expected_delivery"`
	Notes            string `json:"notes"`
}

// Conversion identifies the purchase order a set of requests became.
type Conversion struct {
	PurchaseOrderID int64  `json:"purchaseorder_id"`
	PONumber        string `json:"po_number"`
}

// PODetail is a purchase order with its lines.
type PODetail struct {
	Header  models.PurchaseOrder         `json:"header"`
	Details []models.PurchaseOrderDetail `json:"details"`
}

// ConvertToPO merges pending or approved requests into one purchase order,
// one line per item, and marks the requests converted.
func ConvertToPO(ctx context.Context, q database.Querier, requestIDs []int64, data POData) (*Conversion, error) {
	ve := &validation.ValidationErrors{}
	if len(requestIDs) == 0 {
		ve.Add("request_ids", "at least one request is required")
	}
	data.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := checkSupplier(ctx, q, data.SupplierID); err != nil {
		return nil, err
	}

	totals := make(map[int64]decimal.Decimal)
	var items []int64
	for _, id := range requestIDs {
		pr, err := GetRequest(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if pr.Status != StatusPending && pr.Status != StatusApproved {
			return nil, fmt.Errorf("%w: request %d is %s", ErrInvalidTransition, id, pr.Status)
		}
		if _, seen := totals[pr.ItemID]; !seen {
			items = append(items, pr.ItemID)
		}
		totals[pr.ItemID] = totals[pr.ItemID].Add(pr.QuantityNeeded)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })

	poID, number, err := insertOrder(ctx, q, data)
	if err != nil {
		return nil, err
	}
	for _, itemID := range items {
		_, err := database.Exec(ctx, q, `INSERT INTO purchase_order_details
			(purchaseorder_id, item_id, quantity, received_quantity, unit_cost)
			VALUES (?, ?, ?, ?, (SELECT unit_cost FROM items WHERE item_id = ?))`,
			poID, itemID, totals[itemID], decimal.Zero, itemID)
		if err != nil {
			return nil, fmt.Errorf("insert purchase order line: %w", err)
		}
	}
	now := time.Now().UTC()
	for _, id := range requestIDs {
		_, err := database.Exec(ctx, q, `UPDATE purchase_requests SET status = ?, converted_po_id = ?, updated_at = ?
			WHERE request_id = ?`, StatusConverted, poID, now, id)
		if err != nil {
			return nil, err
		}
	}
	return &Conversion{PurchaseOrderID: poID, PONumber: number}, nil
}

// ListOrders returns purchase order headers, newest first.
func ListOrders(ctx context.Context, q database.Querier) ([]models.PurchaseOrder, error) {
	pos := []models.PurchaseOrder{}
	err := database.Select(ctx, q, &pos, `SELECT `+orderColumns+` FROM purchase_orders
		ORDER BY created_at DESC, purchaseorder_id DESC`)
	return pos, err
}

// GetOrder loads a purchase order with its lines.
func GetOrder(ctx context.Context, q database.Querier, id int64) (*PODetail, error) {
	var po models.PurchaseOrder
	err := database.Get(ctx, q, &po, `SELECT `+orderColumns+` FROM purchase_orders WHERE purchaseorder_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrPONotFound, id)
	}
	if err != nil {
		return nil, err
	}
	details := []models.PurchaseOrderDetail{}
	err = database.Select(ctx, q, &details, `SELECT `+lineColumns+`
		FROM purchase_order_details d JOIN items i ON i.item_id = d.item_id
		WHERE d.purchaseorder_id = ? ORDER BY d.pod_id`, id)
	if err != nil {
		return nil, err
	}
	return &PODetail{Header: po, Details: details}, nil
}

// ReceiptInput is a delivery against one purchase order line.
type ReceiptInput struct {
	ReceivedQuantity decimal.Decimal `json:"received_quantity"`
	BatchNumber      string          `json:"batch_number"`
	ExpiryDate       string          `json:"expiry_date"`
	Location         string          `json:"location"`
}

// ReceiveDetail books a delivery into the ledger as a new lot and advances
// the purchase order to partial or received.
func ReceiveDetail(ctx context.Context, q database.Querier, podID int64, in ReceiptInput) (*models.InventoryLot, error) {
	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveQty(ve, "received_quantity", in.ReceivedQuantity)
	validation.ValidateDate(ve, "expiry_date", in.ExpiryDate)
	if err := ve.Err(); err != nil {
		return nil, err
	}

	d, err := orderLine(ctx, q, podID)
	if err != nil {
		return nil, err
	}
	po, err := GetOrder(ctx, q, d.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if po.Header.Status == POReceived || po.Header.Status == POCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrPOClosed, po.Header.PONumber, po.Header.Status)
	}
	received := d.ReceivedQuantity.Add(in.ReceivedQuantity)
	if received.GreaterThan(d.Quantity) {
		return nil, fmt.Errorf("%w: %s of %s already received, %s ordered", ErrOverReceipt,
			d.ReceivedQuantity, d.ItemCode, d.Quantity)
	}

	var expiry *time.Time
	if in.ExpiryDate != "" {
		t, _ := time.Parse("2006-01-02", in.ExpiryDate)
		expiry = &t
	}
	poID := po.Header.PurchaseOrderID
	lot, err := ledger.Receive(ctx, q, ledger.ReceiveInput{
		ItemID:      d.ItemID,
		Quantity:    in.ReceivedQuantity,
		BatchNumber: in.BatchNumber,
		Location:    in.Location,
		ExpiryDate:  expiry,
		SourceType:  ledger.SourcePurchaseOrder,
		SourceID:    &poID,
		Reference:   po.Header.PONumber,
	})
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(ctx, q, `UPDATE purchase_order_details SET received_quantity = ? WHERE pod_id = ?`,
		received, podID); err != nil {
		return nil, err
	}

	if _, err := restatusOrder(ctx, q, poID); err != nil {
		return nil, err
	}
	return lot, nil
}

func orderLine(ctx context.Context, q database.Querier, podID int64) (*models.PurchaseOrderDetail, error) {
	var d models.PurchaseOrderDetail
	err := database.Get(ctx, q, &d, `SELECT `+lineColumns+`
		FROM purchase_order_details d JOIN items i ON i.item_id = d.item_id WHERE d.pod_id = ?`, podID)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrPODetailNotFound, podID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// restatusOrder derives a purchase order's status from its lines: received
// when every line is in, partial when anything has arrived. Quantities are
// compared as decimals.
func restatusOrder(ctx context.Context, q database.Querier, poID int64) (string, error) {
	po, err := GetOrder(ctx, q, poID)
	if err != nil {
		return "", err
	}
	status := POOrdered
	complete := len(po.Details) > 0
	for _, line := range po.Details {
		if line.ReceivedQuantity.IsPositive() {
			status = POPartial
		}
		if line.ReceivedQuantity.LessThan(line.Quantity) {
			complete = false
		}
	}
	if complete {
		status = POReceived
	}
	if status != po.Header.Status {
		if _, err := database.Exec(ctx, q, `UPDATE purchase_orders SET status = ? WHERE purchaseorder_id = ?`,
			status, poID); err != nil {
			return "", err
		}
	}
	return status, nil
}

func (data *POData) validate(ve *validation.ValidationErrors) {
	data.PONumber = strings.TrimSpace(data.PONumber)
	validation.ValidateDate(ve, "order_date", data.OrderDate)
	validation.ValidateDate(ve, "expected_delivery", data.ExpectedDelivery)
	validation.ValidateMaxLength(ve, "notes", data.Notes, validation.MaxStringLength)
}

func checkSupplier(ctx context.Context, q database.Querier, id *int64) error {
	if id == nil {
		return nil
	}
	_, err := partners.GetSupplier(ctx, q, *id)
	if errors.Is(err, partners.ErrSupplierNotFound) {
		return validation.Single("supplier_id", fmt.Sprintf("references non-existent supplier %d", *id))
	}
	return err
}

func checkPONumber(ctx context.Context, q database.Querier, number string, self int64) error {
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM purchase_orders WHERE po_number = ? AND purchaseorder_id <> ?`,
		number, self); err != nil {
		return err
	}
	if n > 0 {
		return validation.Single("po_number", "already exists")
	}
	return nil
}

func insertOrder(ctx context.Context, q database.Querier, data POData) (int64, string, error) {
	number := data.PONumber
	var err error
	if number == "" {
		if number, err = database.NextNumber(ctx, q, "PO", "purchase_orders", "po_number", 4); err != nil {
			return 0, "", err
		}
	} else if err := checkPONumber(ctx, q, number, 0); err != nil {
		return 0, "", err
	}
	if data.OrderDate == "" {
		data.OrderDate = time.Now().Format("2006-01-02")
	}
	poID, err := database.Insert(ctx, q, `INSERT INTO purchase_orders
		(po_number, supplier_id, order_date, expected_delivery, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING purchaseorder_id`,
		number, data.SupplierID, data.OrderDate, data.ExpectedDelivery, POOrdered, data.Notes, time.Now().UTC())
	if err != nil {
		return 0, "", fmt.Errorf("insert purchase order: %w", err)
	}
	return poID, number, nil
}

// POLineInput is one ordered purchase order line. A zero unit cost takes
// the item's standard cost.
type POLineInput struct {
	ItemID   int64           `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

func (l POLineInput) validate(ve *validation.ValidationErrors, f string) {
	validation.RequireID(ve, f+"item_id", l.ItemID)
	validation.ValidatePositiveQty(ve, f+"quantity", l.Quantity)
	validation.ValidateNonNegativeQty(ve, f+"unit_cost", l.UnitCost)
}

// POInput creates a purchase order directly, without purchase requests.
type POInput struct {
	Header  POData        `json:"header"`
	Details []POLineInput `json:"details"`
}

func lineCost(ctx context.Context, q database.Querier, field string, l POLineInput) (decimal.Decimal, error) {
	item, err := catalog.Get(ctx, q, l.ItemID)
	if errors.Is(err, catalog.ErrNotFound) {
		return decimal.Zero, validation.Single(field, fmt.Sprintf("references non-existent item %d", l.ItemID))
	}
	if err != nil {
		return decimal.Zero, err
	}
	if l.UnitCost.IsZero() {
		return item.UnitCost, nil
	}
	return l.UnitCost, nil
}

func insertLine(ctx context.Context, q database.Querier, poID int64, itemID int64, quantity, cost decimal.Decimal) error {
	_, err := database.Exec(ctx, q, `INSERT INTO purchase_order_details
		(purchaseorder_id, item_id, quantity, received_quantity, unit_cost) VALUES (?, ?, ?, ?, ?)`,
		poID, itemID, quantity, decimal.Zero, cost)
	if err != nil {
		return fmt.Errorf("insert purchase order line: %w", err)
	}
	return nil
}

// CreateOrder stores an ordered purchase order with its lines.
func CreateOrder(ctx context.Context, q database.Querier, in POInput) (*PODetail, error) {
	ve := &validation.ValidationErrors{}
	in.Header.validate(ve)
	if len(in.Details) == 0 {
		ve.Add("details", "at least one line is required")
	}
	for i, l := range in.Details {
		l.validate(ve, fmt.Sprintf("details[%d].", i))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := checkSupplier(ctx, q, in.Header.SupplierID); err != nil {
		return nil, err
	}
	costs := make([]decimal.Decimal, len(in.Details))
	for i, l := range in.Details {
		cost, err := lineCost(ctx, q, fmt.Sprintf("details[%d].item_id", i), l)
		if err != nil {
			return nil, err
		}
		costs[i] = cost
	}
	poID, _, err := insertOrder(ctx, q, in.Header)
	if err != nil {
		return nil, err
	}
	for i, l := range in.Details {
		if err := insertLine(ctx, q, poID, l.ItemID, l.Quantity, costs[i]); err != nil {
			return nil, err
		}
	}
	return GetOrder(ctx, q, poID)
}

// openOrder loads a purchase order that can still be edited.
func openOrder(ctx context.Context, q database.Querier, id int64) (*PODetail, error) {
	po, err := GetOrder(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if po.Header.Status == POReceived || po.Header.Status == POCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrPOClosed, po.Header.PONumber, po.Header.Status)
	}
	return po, nil
}

// UpdateOrder replaces the header of an ordered or partially received
// purchase order. An empty number keeps the current one.
func UpdateOrder(ctx context.Context, q database.Querier, id int64, data POData) (*PODetail, error) {
	ve := &validation.ValidationErrors{}
	data.validate(ve)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	po, err := openOrder(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if err := checkSupplier(ctx, q, data.SupplierID); err != nil {
		return nil, err
	}
	if data.PONumber == "" {
		data.PONumber = po.Header.PONumber
	} else if err := checkPONumber(ctx, q, data.PONumber, id); err != nil {
		return nil, err
	}
	if data.OrderDate == "" {
		data.OrderDate = po.Header.OrderDate
	}
	if _, err := database.Exec(ctx, q, `UPDATE purchase_orders SET po_number = ?, supplier_id = ?, order_date = ?,
		expected_delivery = ?, notes = ? WHERE purchaseorder_id = ?`,
		data.PONumber, data.SupplierID, data.OrderDate, data.ExpectedDelivery, data.Notes, id); err != nil {
		return nil, err
	}
	return GetOrder(ctx, q, id)
}

// AddOrderDetail appends a line to an open purchase order.
func AddOrderDetail(ctx context.Context, q database.Querier, poID int64, in POLineInput) (*PODetail, error) {
	ve := &validation.ValidationErrors{}
	in.validate(ve, "")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if _, err := openOrder(ctx, q, poID); err != nil {
		return nil, err
	}
	cost, err := lineCost(ctx, q, "item_id", in)
	if err != nil {
		return nil, err
	}
	if err := insertLine(ctx, q, poID, in.ItemID, in.Quantity, cost); err != nil {
		return nil, err
	}
	if _, err := restatusOrder(ctx, q, poID); err != nil {
		return nil, err
	}
	return GetOrder(ctx, q, poID)
}

// UpdateOrderDetail changes a line's item, quantity or cost. The quantity
// may not drop below what was received, and a line with receipts keeps its
// item.
func UpdateOrderDetail(ctx context.Context, q database.Querier, podID int64, in POLineInput) (*PODetail, error) {
	ve := &validation.ValidationErrors{}
	in.validate(ve, "")
	if err := ve.Err(); err != nil {
		return nil, err
	}
	line, err := orderLine(ctx, q, podID)
	if err != nil {
		return nil, err
	}
	if _, err := openOrder(ctx, q, line.PurchaseOrderID); err != nil {
		return nil, err
	}
	if in.Quantity.LessThan(line.ReceivedQuantity) {
		return nil, validation.Single("quantity", fmt.Sprintf("%s of %s already received", line.ReceivedQuantity, line.ItemCode))
	}
	if in.ItemID != line.ItemID && line.ReceivedQuantity.IsPositive() {
		return nil, validation.Single("item_id", fmt.Sprintf("%s has receipts and cannot change item", line.ItemCode))
	}
	cost, err := lineCost(ctx, q, "item_id", in)
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(ctx, q, `UPDATE purchase_order_details SET item_id = ?, quantity = ?, unit_cost = ?
		WHERE pod_id = ?`, in.ItemID, in.Quantity, cost, podID); err != nil {
		return nil, err
	}
	if _, err := restatusOrder(ctx, q, line.PurchaseOrderID); err != nil {
		return nil, err
	}
	return GetOrder(ctx, q, line.PurchaseOrderID)
}

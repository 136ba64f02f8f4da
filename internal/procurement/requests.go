// Package procurement turns shortages into purchase requests, merges
// requests into purchase orders and receives purchase order lines into the
// inventory ledger.
package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/validation"
)

// Request sources.
const (
	SourceManual     = "manual"
	SourceKitReserve = "kit_reserve"
	SourceSalesOrder = "sales_order"
	SourceWorkOrder  = "work_order"
)

// Request statuses.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusConverted = "converted_to_po"
	StatusCancelled = "cancelled"
)

var (
	ErrRequestNotFound   = fmt.Errorf("%w: purchase request", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: invalid purchase request status transition", apperr.ErrState)
)

var requestTransitions = map[string][]string{
	StatusPending:  {StatusApproved, StatusCancelled},
	StatusApproved: {StatusCancelled},
}

func canTransition(from, to string) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const requestColumns = `r.request_id, r.item_id, i.item_code, i.name AS item_name, r.quantity_needed, r.source_type,
	r.source_id, r.source_reference, r.priority, r.status, r.converted_po_id, r.notes, r.created_at, r.updated_at`

// Shortage is a deficit raised by a reservation run.
type Shortage struct {
	ItemID          int64
	Quantity        decimal.Decimal
	SourceType      string
	SourceID        int64
	SourceReference string
	Priority        string
}

// EnsureShortage makes the pending request for (source, item) ask for
// s.Quantity less what that source already has in flight: approved
// requests, and converted requests whose purchase order is still open.
// Re-running a reservation with the same deficit leaves the requests
// unchanged. When nothing more is needed the pending request is withdrawn
// and the newest in-flight request is returned.
func EnsureShortage(ctx context.Context, q database.Querier, s Shortage) (*models.PurchaseRequest, error) {
	if !s.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: shortage quantity must be positive", apperr.ErrInvalid)
	}
	if s.Priority == "" {
		s.Priority = "normal"
	}
	var open []struct {
		RequestID int64           `db:"request_id"`
		Quantity  decimal.Decimal `db:"quantity_needed"`
		Status    string          `db:"status"`
	}
	err := database.Select(ctx, q, &open, `SELECT r.request_id, r.quantity_needed, r.status
		FROM purchase_requests r LEFT JOIN purchase_orders po ON po.purchaseorder_id = r.converted_po_id
		WHERE r.source_type = ? AND r.source_id = ? AND r.item_id = ?
		  AND (r.status IN (?, ?) OR (r.status = ? AND po.status IN (?, ?)))
		ORDER BY r.request_id`,
		s.SourceType, s.SourceID, s.ItemID, StatusPending, StatusApproved, StatusConverted, POOrdered, POPartial)
	if err != nil {
		return nil, err
	}
	var pending, inFlight int64
	ordered := decimal.Zero
	for _, r := range open {
		if r.Status == StatusPending {
			if pending == 0 {
				pending = r.RequestID
			}
			continue
		}
		ordered = ordered.Add(r.Quantity)
		inFlight = r.RequestID
	}

	need := s.Quantity.Sub(ordered)
	now := time.Now().UTC()
	if !need.IsPositive() {
		if err := ClearShortage(ctx, q, s.SourceType, s.SourceID, s.ItemID); err != nil {
			return nil, err
		}
		return GetRequest(ctx, q, inFlight)
	}
	if pending != 0 {
		_, err := database.Exec(ctx, q, `UPDATE purchase_requests SET quantity_needed = ?, priority = ?, updated_at = ?
			WHERE request_id = ?`, need, s.Priority, now, pending)
		if err != nil {
			return nil, err
		}
		return GetRequest(ctx, q, pending)
	}
	id, err := database.Insert(ctx, q, `INSERT INTO purchase_requests
		(item_id, quantity_needed, source_type, source_id, source_reference, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING request_id`,
		s.ItemID, need, s.SourceType, s.SourceID, s.SourceReference, s.Priority, StatusPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert purchase request: %w", err)
	}
	return GetRequest(ctx, q, id)
}

// ClearShortage cancels the pending request for (source, item), if any,
// once the deficit is gone.
func ClearShortage(ctx context.Context, q database.Querier, sourceType string, sourceID, itemID int64) error {
	_, err := database.Exec(ctx, q, `UPDATE purchase_requests SET status = ?, updated_at = ?
		WHERE source_type = ? AND source_id = ? AND item_id = ? AND status = ?`,
		StatusCancelled, time.Now().UTC(), sourceType, sourceID, itemID, StatusPending)
	return err
}

// CancelPending cancels every pending request raised by a source and
// returns how many were cancelled.
func CancelPending(ctx context.Context, q database.Querier, sourceType string, sourceID int64) (int64, error) {
	res, err := database.Exec(ctx, q, `UPDATE purchase_requests SET status = ?, updated_at = ?
		WHERE source_type = ? AND source_id = ? AND status = ?`,
		StatusCancelled, time.Now().UTC(), sourceType, sourceID, StatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequestInput is a manually entered purchase request.
type RequestInput struct {
	ItemID         int64           `json:"item_id"`
	QuantityNeeded decimal.Decimal `json:"quantity_needed"`
	Priority       string          `json:"priority"`
	Notes          string          `json:"notes"`
}

// CreateRequest stores a manual purchase request.
func CreateRequest(ctx context.Context, q database.Querier, in RequestInput) (*models.PurchaseRequest, error) {
	if in.Priority == "" {
		in.Priority = "normal"
	}
	ve := &validation.ValidationErrors{}
	validation.RequireID(ve, "item_id", in.ItemID)
	validation.ValidatePositiveQty(ve, "quantity_needed", in.QuantityNeeded)
	validation.ValidateEnum(ve, "priority", in.Priority, validation.ValidPriorities)
	validation.ValidateMaxLength(ve, "notes", in.Notes, validation.MaxStringLength)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if ok, err := catalog.Exists(ctx, q, in.ItemID); err != nil {
		return nil, err
	} else if !ok {
		return nil, validation.Single("item_id", fmt.Sprintf("references non-existent item %d", in.ItemID))
	}
	now := time.Now().UTC()
	id, err := database.Insert(ctx, q, `INSERT INTO purchase_requests
		(item_id, quantity_needed, source_type, priority, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING request_id`,
		in.ItemID, in.QuantityNeeded, SourceManual, in.Priority, StatusPending, in.Notes, now, now)
	if err != nil {
		return nil, err
	}
	return GetRequest(ctx, q, id)
}

// GetRequest loads one purchase request.
func GetRequest(ctx context.Context, q database.Querier, id int64) (*models.PurchaseRequest, error) {
	var pr models.PurchaseRequest
	err := database.Get(ctx, q, &pr, `SELECT `+requestColumns+`
		FROM purchase_requests r JOIN items i ON i.item_id = r.item_id WHERE r.request_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListRequests returns purchase requests, newest first, optionally filtered
// by status.
func ListRequests(ctx context.Context, q database.Querier, status string) ([]models.PurchaseRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM purchase_requests r JOIN items i ON i.item_id = r.item_id`
	var args []any
	if status != "" {
		query += ` WHERE r.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY r.created_at DESC, r.request_id DESC`
	prs := []models.PurchaseRequest{}
	err := database.Select(ctx, q, &prs, query, args...)
	return prs, err
}

// ListBySource returns the requests a document raised.
func ListBySource(ctx context.Context, q database.Querier, sourceType string, sourceID int64) ([]models.PurchaseRequest, error) {
	prs := []models.PurchaseRequest{}
	err := database.Select(ctx, q, &prs, `SELECT `+requestColumns+`
		FROM purchase_requests r JOIN items i ON i.item_id = r.item_id
		WHERE r.source_type = ? AND r.source_id = ? ORDER BY r.request_id`, sourceType, sourceID)
	return prs, err
}

// SetRequestStatus moves a request along pending -> approved -> cancelled.
// converted_to_po is only reachable through ConvertToPO.
func SetRequestStatus(ctx context.Context, q database.Querier, id int64, status string) (*models.PurchaseRequest, error) {
	ve := &validation.ValidationErrors{}
	validation.ValidateEnum(ve, "status", status, validation.ValidPRStatuses)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	pr, err := GetRequest(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(pr.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pr.Status, status)
	}
	err = database.ExecOne(ctx, q, `UPDATE purchase_requests SET status = ?, updated_at = ? WHERE request_id = ? AND status = ?`,
		status, time.Now().UTC(), id, pr.Status)
	if err != nil {
		return nil, err
	}
	return GetRequest(ctx, q, id)
}

// DeleteRequest removes a pending or cancelled request.
func DeleteRequest(ctx context.Context, q database.Querier, id int64) error {
	pr, err := GetRequest(ctx, q, id)
	if err != nil {
		return err
	}
	if pr.Status != StatusPending && pr.Status != StatusCancelled {
		return fmt.Errorf("%w: cannot delete a %s request", ErrInvalidTransition, pr.Status)
	}
	_, err = database.Exec(ctx, q, `DELETE FROM purchase_requests WHERE request_id = ?`, id)
	return err
}

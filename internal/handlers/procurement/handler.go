// Package procurement serves purchase requests, purchase orders and the
// supplier directory.
package procurement

import (
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"

	"workcell/internal/audit"
	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/procurement"
	"workcell/internal/response"
	"workcell/internal/validation"
	"workcell/internal/websocket"
)

// Handler holds dependencies for procurement handlers.
type Handler struct {
	DB  *database.DB
	Hub *websocket.Hub
}

const (
	moduleRequest  = "purchase_request"
	moduleOrder    = "purchase_order"
	moduleSupplier = "supplier"
)

// ListRequests handles GET /purchase-requests?status=.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" {
		ve := &validation.ValidationErrors{}
		validation.ValidateEnum(ve, "status", status, validation.ValidPRStatuses)
		if err := ve.Err(); err != nil {
			response.Error(w, err)
			return
		}
	}
	prs, err := procurement.ListRequests(r.Context(), h.DB, status)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, prs)
}

// GetRequest handles GET /purchase-requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request, id int64) {
	pr, err := procurement.GetRequest(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, pr)
}

// CreateRequest handles POST /purchase-requests.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var in procurement.RequestInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var pr *models.PurchaseRequest
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		pr, err = procurement.CreateRequest(r.Context(), tx, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleRequest, pr.RequestID, "Requested %s of %s", pr.QuantityNeeded, pr.ItemCode)
	response.JSONStatus(w, http.StatusCreated, pr)
}

// StatusUpdate is the body of PATCH /purchase-requests/{id}/status.
type StatusUpdate struct {
	Status string `json:"status"`
}

// UpdateRequestStatus handles PATCH /purchase-requests/{id}/status.
func (h *Handler) UpdateRequestStatus(w http.ResponseWriter, r *http.Request, id int64) {
	var req StatusUpdate
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var pr *models.PurchaseRequest
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		pr, err = procurement.SetRequestStatus(r.Context(), tx, id, req.Status)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	action := audit.ActionUpdate
	if pr.Status == procurement.StatusCancelled {
		action = audit.ActionCancel
	}
	h.record(r, action, moduleRequest, id, "Request %d is now %s", id, pr.Status)
	response.JSON(w, pr)
}

// DeleteRequest handles DELETE /purchase-requests/{id}.
func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request, id int64) {
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return procurement.DeleteRequest(r.Context(), tx, id)
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleRequest, id, "Deleted request %d", id)
	response.JSON(w, map[string]string{"status": "deleted"})
}

// ConvertRequest is the body of POST /purchase-requests/convert-to-po.
type ConvertRequest struct {
	RequestIDs []int64            `json:"request_ids"`
	POData     procurement.POData `json:"po_data"`
}

// ConvertToPO handles POST /purchase-requests/convert-to-po.
func (h *Handler) ConvertToPO(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var conv *procurement.Conversion
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		conv, err = procurement.ConvertToPO(r.Context(), tx, req.RequestIDs, req.POData)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionConvert, moduleOrder, conv.PurchaseOrderID, "Created %s from %d requests", conv.PONumber, len(req.RequestIDs))
	response.JSONStatus(w, http.StatusCreated, conv)
}

// ListOrders handles GET /purchase-orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	pos, err := procurement.ListOrders(r.Context(), h.DB)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, pos)
}

// GetOrder handles GET /purchase-orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request, id int64) {
	po, err := procurement.GetOrder(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, po)
}

// orderTx runs fn in a transaction and answers with the order it returns.
func (h *Handler) orderTx(w http.ResponseWriter, r *http.Request, status int, fn func(tx *sqlx.Tx) (*procurement.PODetail, error)) *procurement.PODetail {
	var po *procurement.PODetail
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		po, err = fn(tx)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return nil
	}
	response.JSONStatus(w, status, po)
	return po
}

// CreateOrder handles POST /purchase-orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in procurement.POInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	po := h.orderTx(w, r, http.StatusCreated, func(tx *sqlx.Tx) (*procurement.PODetail, error) {
		return procurement.CreateOrder(r.Context(), tx, in)
	})
	if po != nil {
		h.record(r, audit.ActionCreate, moduleOrder, po.Header.PurchaseOrderID, "Created %s with %d lines", po.Header.PONumber, len(po.Details))
	}
}

// UpdateOrder handles PUT /purchase-orders/{id}.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request, id int64) {
	var in procurement.POData
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	po := h.orderTx(w, r, http.StatusOK, func(tx *sqlx.Tx) (*procurement.PODetail, error) {
		return procurement.UpdateOrder(r.Context(), tx, id, in)
	})
	if po != nil {
		h.record(r, audit.ActionUpdate, moduleOrder, id, "Updated %s", po.Header.PONumber)
	}
}

// AddOrderDetail handles POST /purchase-orders/{id}/details.
func (h *Handler) AddOrderDetail(w http.ResponseWriter, r *http.Request, id int64) {
	var in procurement.POLineInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	po := h.orderTx(w, r, http.StatusCreated, func(tx *sqlx.Tx) (*procurement.PODetail, error) {
		return procurement.AddOrderDetail(r.Context(), tx, id, in)
	})
	if po != nil {
		h.record(r, audit.ActionUpdate, moduleOrder, id, "Added %s of item %d to %s", in.Quantity, in.ItemID, po.Header.PONumber)
	}
}

// UpdateOrderDetail handles PUT /purchase-orders/details/{pod_id}.
func (h *Handler) UpdateOrderDetail(w http.ResponseWriter, r *http.Request, podID int64) {
	var in procurement.POLineInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	po := h.orderTx(w, r, http.StatusOK, func(tx *sqlx.Tx) (*procurement.PODetail, error) {
		return procurement.UpdateOrderDetail(r.Context(), tx, podID, in)
	})
	if po != nil {
		h.record(r, audit.ActionUpdate, moduleOrder, po.Header.PurchaseOrderID, "Updated line %d of %s", podID, po.Header.PONumber)
	}
}

// ListSuppliers handles GET /suppliers.
func (h *Handler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	ss, err := partners.ListSuppliers(r.Context(), h.DB)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, ss)
}

// GetSupplier handles GET /suppliers/{id}.
func (h *Handler) GetSupplier(w http.ResponseWriter, r *http.Request, id int64) {
	s, err := partners.GetSupplier(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, s)
}

// CreateSupplier handles POST /suppliers.
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var in models.Supplier
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	s, err := partners.CreateSupplier(r.Context(), h.DB, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleSupplier, s.SupplierID, "Created supplier %s", s.CompanyName)
	response.JSONStatus(w, http.StatusCreated, s)
}

// UpdateSupplier handles PUT /suppliers/{id}.
func (h *Handler) UpdateSupplier(w http.ResponseWriter, r *http.Request, id int64) {
	var in models.Supplier
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	s, err := partners.UpdateSupplier(r.Context(), h.DB, id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleSupplier, id, "Updated supplier %s", s.CompanyName)
	response.JSON(w, s)
}

// DeleteSupplier handles DELETE /suppliers/{id}.
func (h *Handler) DeleteSupplier(w http.ResponseWriter, r *http.Request, id int64) {
	if err := partners.DeleteSupplier(r.Context(), h.DB, id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleSupplier, id, "Deleted supplier %d", id)
	response.JSON(w, map[string]string{"status": "deleted"})
}

// ReceiveDetail handles POST /purchase-orders/details/{pod_id}/receive.
// The new lot is announced so subscribers can re-run allocation.
func (h *Handler) ReceiveDetail(w http.ResponseWriter, r *http.Request, podID int64) {
	var in procurement.ReceiptInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var lot *models.InventoryLot
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		lot, err = procurement.ReceiveDetail(r.Context(), tx, podID, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	if lot.SourceID != nil {
		h.record(r, audit.ActionReceive, moduleOrder, *lot.SourceID, "Received %s of %s on line %d", lot.QuantityOnHand, lot.ItemCode, podID)
	}
	h.record(r, audit.ActionReceive, "inventory", lot.InventoryID, "Received lot %s of %s", lot.BatchNumber, lot.ItemCode)
	response.JSONStatus(w, http.StatusCreated, lot)
}

func (h *Handler) record(r *http.Request, action, module string, id int64, format string, args ...any) {
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r),
		Action:   action,
		Module:   module,
		RecordID: id,
		Summary:  fmt.Sprintf(format, args...),
	})
}

// Package sales serves sales orders, shipments, quotations and the customer
// directory.
package sales

import (
	"errors"
	"fmt"
	"net/http"

	"workcell/internal/audit"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/quotations"
	"workcell/internal/response"
	"workcell/internal/sales"
	"workcell/internal/websocket"
)

const module = "sales_order"

// Handler holds dependencies for sales handlers.
type Handler struct {
	DB         *database.DB
	Hub        *websocket.Hub
	Sales      *sales.Service
	Quotations *quotations.Service
}

// ListOrders handles GET /sales.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Sales.List(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, orders)
}

// GetOrder handles GET /sales/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request, id int64) {
	so, err := h.Sales.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, so)
}

// CreateOrder handles POST /sales.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in sales.Input
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	so, err := h.Sales.Create(r.Context(), in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, so.Header.SaleID, "Created %s for %s", so.Header.SONumber, so.Header.Customer)
	response.JSONStatus(w, http.StatusCreated, so)
}

// UpdateOrder handles PUT /sales/{id}.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request, id int64) {
	var in sales.Header
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	so, err := h.Sales.Update(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, id, "Updated %s", so.Header.SONumber)
	response.JSON(w, so)
}

// AddDetail handles POST /sales/{id}/details.
func (h *Handler) AddDetail(w http.ResponseWriter, r *http.Request, id int64) {
	var in sales.DetailInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	so, err := h.Sales.AddDetail(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, id, "Added %s of item %d to %s", in.Quantity, in.ItemID, so.Header.SONumber)
	response.JSONStatus(w, http.StatusCreated, so)
}

// UpdateDetail handles PUT /sales/details/{detail_id}.
func (h *Handler) UpdateDetail(w http.ResponseWriter, r *http.Request, detailID int64) {
	var in sales.DetailInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	so, err := h.Sales.UpdateDetail(r.Context(), detailID, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, so.Header.SaleID, "Updated line %d of %s", detailID, so.Header.SONumber)
	response.JSON(w, so)
}

// Inventory handles GET /sales/inventory/{item_id}.
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request, itemID int64) {
	lots, err := h.Sales.AvailableInventory(r.Context(), itemID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, lots)
}

// Ship handles POST /sales/details/{detail_id}/ship. A shortfall answers
// 409 after the purchase request for the gap has been raised.
func (h *Handler) Ship(w http.ResponseWriter, r *http.Request, detailID int64) {
	var in sales.ShipInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	res, err := h.Sales.Ship(r.Context(), detailID, in)
	if errors.Is(err, ledger.ErrInsufficientAvailable) && h.Hub != nil {
		h.Hub.BroadcastChange("purchase_request", "created", detailID)
	}
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionShip, res.SaleID, "Shipped %s on line %d of %s", in.ShippedQuantity, detailID, res.SONumber)
	response.JSON(w, res)
}

// CancelOrder handles POST /sales/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request, id int64) {
	so, err := h.Sales.Cancel(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCancel, id, "Cancelled %s", so.SONumber)
	response.JSON(w, so)
}

// DeleteOrder handles DELETE /sales/{id}.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.Sales.Delete(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, id, "Deleted sales order %d", id)
	response.JSON(w, map[string]string{"status": "deleted"})
}

func (h *Handler) record(r *http.Request, action string, id int64, format string, args ...any) {
	h.recordIn(r, module, action, id, format, args...)
}

func (h *Handler) recordIn(r *http.Request, module, action string, id int64, format string, args ...any) {
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r),
		Action:   action,
		Module:   module,
		RecordID: id,
		Summary:  fmt.Sprintf(format, args...),
	})
}

package manufacturing

import (
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"workcell/internal/apperr"
	"workcell/internal/audit"
	"workcell/internal/response"
	"workcell/internal/validation"
	"workcell/internal/workorder"
)

// ListWorkOrders handles GET /work-orders?status=.
func (h *Handler) ListWorkOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" {
		ve := &validation.ValidationErrors{}
		validation.ValidateEnum(ve, "status", status, validation.ValidWOStatuses)
		if err := ve.Err(); err != nil {
			response.Error(w, err)
			return
		}
	}
	wos, err := h.WorkOrders.List(r.Context(), status)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, wos)
}

// ListRootWorkOrders handles GET /work-orders/roots.
func (h *Handler) ListRootWorkOrders(w http.ResponseWriter, r *http.Request) {
	wos, err := h.WorkOrders.Roots(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, wos)
}

// GetWorkOrder handles GET /work-orders/{id}.
func (h *Handler) GetWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	d, err := h.WorkOrders.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, d)
}

// WorkOrderTree handles GET /work-orders/tree/{id}.
func (h *Handler) WorkOrderTree(w http.ResponseWriter, r *http.Request, id int64) {
	node, err := h.WorkOrders.Tree(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, node)
}

// WorkOrderInventory handles GET /work-orders/inventory/{item_id}.
func (h *Handler) WorkOrderInventory(w http.ResponseWriter, r *http.Request, itemID int64) {
	lots, err := h.WorkOrders.AvailableInventory(r.Context(), itemID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, lots)
}

// CreateWorkOrderFromBOM handles POST /work-orders/from-bom.
func (h *Handler) CreateWorkOrderFromBOM(w http.ResponseWriter, r *http.Request) {
	var in workorder.FromBOMInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	created, err := h.WorkOrders.CreateFromBOM(r.Context(), in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleWorkOrder, created.WOID, "Created %s from BOM %d for %s", created.WONumber, in.BOMID, in.Quantity)
	response.JSONStatus(w, http.StatusCreated, created)
}

// CreateWorkOrder handles POST /work-orders.
func (h *Handler) CreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var in workorder.Input
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	created, err := h.WorkOrders.Create(r.Context(), in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleWorkOrder, created.WOID, "Created %s", created.WONumber)
	response.JSONStatus(w, http.StatusCreated, created)
}

// UpdateWorkOrder handles PUT /work-orders/{id}.
func (h *Handler) UpdateWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	var u workorder.Update
	if err := response.DecodeBody(r, &u); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	wo, err := h.WorkOrders.Update(r.Context(), id, u)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleWorkOrder, id, "Updated %s", wo.WONumber)
	response.JSON(w, wo)
}

// DeleteWorkOrder handles DELETE /work-orders/{id}.
func (h *Handler) DeleteWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.WorkOrders.Delete(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleWorkOrder, id, "Deleted work order %d", id)
	response.JSON(w, deleted)
}

// AddWorkOrderComponent handles POST /work-orders/{id}/components.
func (h *Handler) AddWorkOrderComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in workorder.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := h.WorkOrders.AddComponent(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleWorkOrder, id, "Added %s", c.ItemCode)
	response.JSONStatus(w, http.StatusCreated, c)
}

// UpdateWorkOrderComponent handles PUT /work-orders/components/{id}.
func (h *Handler) UpdateWorkOrderComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in workorder.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := h.WorkOrders.UpdateComponent(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleWorkOrder, c.WOID, "Updated component %s", c.ItemCode)
	response.JSON(w, c)
}

// DeleteWorkOrderComponent handles DELETE /work-orders/components/{id}.
func (h *Handler) DeleteWorkOrderComponent(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.WorkOrders.DeleteComponent(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleWorkOrder, id, "Deleted work order component %d", id)
	response.JSON(w, deleted)
}

// AllocateWorkOrder handles POST /work-orders/{id}/allocate. Shortages are
// reported as warnings, not errors.
func (h *Handler) AllocateWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := h.WorkOrders.Allocate(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionAllocate, moduleWorkOrder, id, "Allocated %s: %s, %d shortages", res.WONumber, res.Status, len(res.Shortages))
	for _, c := range res.CreatedChildren {
		h.record(r, audit.ActionCreate, moduleWorkOrder, c.WOID, "Created %s for a subassembly of %s", c.WONumber, res.WONumber)
	}
	response.JSON(w, res)
}

// StartResponse is the body of POST /work-orders/{id}/start.
type StartResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	WorkOrder any    `json:"work_order,omitempty"`
}

// StartWorkOrder handles POST /work-orders/{id}/start. Refusals carry
// success=false alongside the usual error message.
func (h *Handler) StartWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	wo, err := h.WorkOrders.Start(r.Context(), id)
	if err != nil {
		code := apperr.Status(err)
		if code >= http.StatusInternalServerError {
			response.Error(w, err)
			return
		}
		response.JSONStatus(w, code, StartResponse{Success: false, Message: err.Error(), Error: err.Error()})
		return
	}
	h.record(r, audit.ActionStart, moduleWorkOrder, id, "Started %s", wo.WONumber)
	response.JSON(w, StartResponse{
		Success:   true,
		Message:   fmt.Sprintf("Work order %s started", wo.WONumber),
		WorkOrder: wo,
	})
}

// CompleteRequest is the body of POST /work-orders/{id}/complete.
type CompleteRequest struct {
	CompletedQuantity decimal.Decimal `json:"completed_quantity"`
}

// CompleteWorkOrder handles POST /work-orders/{id}/complete.
func (h *Handler) CompleteWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	var req CompleteRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	res, err := h.WorkOrders.Complete(r.Context(), id, req.CompletedQuantity)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionComplete, moduleWorkOrder, id, "Completed %s of %s (%s total)", req.CompletedQuantity, res.WONumber, res.QuantityCompleted)
	if res.Parent != nil {
		h.record(r, audit.ActionAllocate, moduleWorkOrder, res.Parent.WOID, "Re-allocated %s after child completion: %s", res.Parent.WONumber, res.Parent.Status)
	}
	response.JSON(w, res)
}

// CancelWorkOrder handles POST /work-orders/{id}/cancel.
func (h *Handler) CancelWorkOrder(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := h.WorkOrders.Cancel(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCancel, moduleWorkOrder, id, "Cancelled %s", res.WONumber)
	for _, child := range res.CancelledChildren {
		h.record(r, audit.ActionCancel, moduleWorkOrder, child, "Cancelled with parent %s", res.WONumber)
	}
	response.JSON(w, res)
}

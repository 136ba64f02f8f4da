package manufacturing

import (
	"net/http"

	"github.com/shopspring/decimal"

	"workcell/internal/audit"
	"workcell/internal/kitting"
	"workcell/internal/response"
)

// ListKits handles GET /kit-items.
func (h *Handler) ListKits(w http.ResponseWriter, r *http.Request) {
	kits, err := h.Kits.List(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, kits)
}

// GetKit handles GET /kit-items/{id}.
func (h *Handler) GetKit(w http.ResponseWriter, r *http.Request, id int64) {
	k, err := h.Kits.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, k)
}

// KitInventory handles GET /kit-items/inventory/{item_id}.
func (h *Handler) KitInventory(w http.ResponseWriter, r *http.Request, itemID int64) {
	lots, err := h.Kits.AvailableInventory(r.Context(), itemID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, lots)
}

// CreateKit handles POST /kit-items.
func (h *Handler) CreateKit(w http.ResponseWriter, r *http.Request) {
	var in kitting.Input
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	k, err := h.Kits.Create(r.Context(), in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleKit, k.Header.KitItemID, "Created kit %s", k.Header.KitNumber)
	response.JSONStatus(w, http.StatusCreated, k)
}

// UpdateKit handles PUT /kit-items/{id}.
func (h *Handler) UpdateKit(w http.ResponseWriter, r *http.Request, id int64) {
	var hdr kitting.Header
	if err := response.DecodeBody(r, &hdr); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	k, err := h.Kits.UpdateHeader(r.Context(), id, hdr)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleKit, id, "Updated kit %s", k.Header.KitNumber)
	response.JSON(w, k)
}

// DeleteKit handles DELETE /kit-items/{id}.
func (h *Handler) DeleteKit(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.Kits.Delete(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleKit, id, "Deleted kit %d", id)
	response.JSON(w, deleted)
}

// AddKitComponent handles POST /kit-items/{id}/components.
func (h *Handler) AddKitComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in kitting.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := h.Kits.AddComponent(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleKit, id, "Added %s", c.ItemCode)
	response.JSONStatus(w, http.StatusCreated, c)
}

// UpdateKitComponent handles PUT /kit-items/components/{id}.
func (h *Handler) UpdateKitComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in kitting.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := h.Kits.UpdateComponent(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleKit, c.KitItemID, "Updated component %s", c.ItemCode)
	response.JSON(w, c)
}

// DeleteKitComponent handles DELETE /kit-items/components/{id}.
func (h *Handler) DeleteKitComponent(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.Kits.DeleteComponent(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleKit, id, "Deleted kit component %d", id)
	response.JSON(w, deleted)
}

// ReserveKit handles POST /kit-items/{id}/reserve.
func (h *Handler) ReserveKit(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := h.Kits.Reserve(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionReserve, moduleKit, id, "Reserved kit %s: %s, %d shortages", res.KitNumber, res.Status, len(res.Shortages))
	response.JSON(w, res)
}

// BuildRequest is the body of POST /kit-items/{id}/complete.
type BuildRequest struct {
	BuildQuantity decimal.Decimal `json:"build_quantity"`
}

// CompleteKit handles POST /kit-items/{id}/complete.
func (h *Handler) CompleteKit(w http.ResponseWriter, r *http.Request, id int64) {
	var req BuildRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	res, err := h.Kits.Complete(r.Context(), id, req.BuildQuantity)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionComplete, moduleKit, id, "Built %s of kit %s", req.BuildQuantity, res.KitNumber)
	response.JSON(w, res)
}

// CancelKit handles POST /kit-items/{id}/cancel.
func (h *Handler) CancelKit(w http.ResponseWriter, r *http.Request, id int64) {
	k, err := h.Kits.Cancel(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCancel, moduleKit, id, "Cancelled kit %s", k.KitNumber)
	response.JSON(w, k)
}

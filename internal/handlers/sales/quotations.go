package sales

import (
	"net/http"

	"workcell/internal/audit"
	"workcell/internal/quotations"
	"workcell/internal/response"
)

const moduleQuotation = "quotation"

// ListQuotations handles GET /quotations.
func (h *Handler) ListQuotations(w http.ResponseWriter, r *http.Request) {
	qs, err := h.Quotations.List(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, qs)
}

// GetQuotation handles GET /quotations/{id}.
func (h *Handler) GetQuotation(w http.ResponseWriter, r *http.Request, id int64) {
	qt, err := h.Quotations.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, qt)
}

// CreateQuotation handles POST /quotations.
func (h *Handler) CreateQuotation(w http.ResponseWriter, r *http.Request) {
	var in quotations.Input
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	qt, err := h.Quotations.Create(r.Context(), in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionCreate, qt.Header.QuotationID, "Created %s for %s", qt.Header.QuotationNumber, qt.Header.CompanyName)
	response.JSONStatus(w, http.StatusCreated, qt)
}

// UpdateQuotation handles PUT /quotations/{id}.
func (h *Handler) UpdateQuotation(w http.ResponseWriter, r *http.Request, id int64) {
	var in quotations.Header
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	qt, err := h.Quotations.Update(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionUpdate, id, "Updated %s", qt.Header.QuotationNumber)
	response.JSON(w, qt)
}

// DeleteQuotation handles DELETE /quotations/{id}.
func (h *Handler) DeleteQuotation(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.Quotations.Delete(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionDelete, id, "Deleted quotation %d", id)
	response.JSON(w, map[string]string{"status": "deleted"})
}

// AddQuotationDetail handles POST /quotations/{id}/details.
func (h *Handler) AddQuotationDetail(w http.ResponseWriter, r *http.Request, id int64) {
	var in quotations.DetailInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	qt, err := h.Quotations.AddDetail(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionUpdate, id, "Added item %d to %s", in.ItemID, qt.Header.QuotationNumber)
	response.JSONStatus(w, http.StatusCreated, qt)
}

// UpdateQuotationDetail handles PUT /quotations/details/{detail_id}.
func (h *Handler) UpdateQuotationDetail(w http.ResponseWriter, r *http.Request, detailID int64) {
	var in quotations.DetailInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	qt, err := h.Quotations.UpdateDetail(r.Context(), detailID, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionUpdate, qt.Header.QuotationID, "Updated line %d of %s", detailID, qt.Header.QuotationNumber)
	response.JSON(w, qt)
}

// DeleteQuotationDetail handles DELETE /quotations/details/{detail_id}.
func (h *Handler) DeleteQuotationDetail(w http.ResponseWriter, r *http.Request, detailID int64) {
	qt, err := h.Quotations.DeleteDetail(r.Context(), detailID)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionUpdate, qt.Header.QuotationID, "Removed line %d of %s", detailID, qt.Header.QuotationNumber)
	response.JSON(w, qt)
}

// ConvertQuotation handles POST /quotations/{id}/convert-to-so.
func (h *Handler) ConvertQuotation(w http.ResponseWriter, r *http.Request, id int64) {
	var in quotations.ConvertInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	conv, err := h.Quotations.ConvertToSO(r.Context(), id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleQuotation, audit.ActionConvert, id, "%s", conv.Message)
	h.record(r, audit.ActionCreate, conv.SaleID, "Created %s from quotation %d", conv.SONumber, id)
	response.JSONStatus(w, http.StatusCreated, conv)
}

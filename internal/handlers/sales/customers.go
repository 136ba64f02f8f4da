package sales

import (
	"net/http"

	"workcell/internal/audit"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/response"
)

const moduleCustomer = "customer"

// ListCustomers handles GET /customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := partners.ListCustomers(r.Context(), h.DB)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, cs)
}

// GetCustomer handles GET /customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request, id int64) {
	c, err := partners.GetCustomer(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, c)
}

// CreateCustomer handles POST /customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var in models.Customer
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := partners.CreateCustomer(r.Context(), h.DB, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleCustomer, audit.ActionCreate, c.CustomerID, "Created customer %s", c.CompanyName)
	response.JSONStatus(w, http.StatusCreated, c)
}

// UpdateCustomer handles PUT /customers/{id}.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request, id int64) {
	var in models.Customer
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	c, err := partners.UpdateCustomer(r.Context(), h.DB, id, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleCustomer, audit.ActionUpdate, id, "Updated customer %s", c.CompanyName)
	response.JSON(w, c)
}

// DeleteCustomer handles DELETE /customers/{id}. A customer with orders
// or quotations answers 409.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request, id int64) {
	if err := partners.DeleteCustomer(r.Context(), h.DB, id); err != nil {
		response.Error(w, err)
		return
	}
	h.recordIn(r, moduleCustomer, audit.ActionDelete, id, "Deleted customer %d", id)
	response.JSON(w, map[string]string{"status": "deleted"})
}

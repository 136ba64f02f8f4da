package manufacturing

import (
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"workcell/internal/audit"
	"workcell/internal/bom"
	"workcell/internal/models"
	"workcell/internal/qty"
	"workcell/internal/response"
	"workcell/internal/validation"
)

// ListBOMs handles GET /bom.
func (h *Handler) ListBOMs(w http.ResponseWriter, r *http.Request) {
	h.listBOMs(w, r, false)
}

// ListActiveBOMs handles GET /bom/active.
func (h *Handler) ListActiveBOMs(w http.ResponseWriter, r *http.Request) {
	h.listBOMs(w, r, true)
}

func (h *Handler) listBOMs(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	boms, err := bom.List(r.Context(), h.DB, activeOnly)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, boms)
}

// GetBOM handles GET /bom/{id}.
func (h *Handler) GetBOM(w http.ResponseWriter, r *http.Request, id int64) {
	d, err := bom.Get(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, d)
}

// CreateBOM handles POST /bom.
func (h *Handler) CreateBOM(w http.ResponseWriter, r *http.Request) {
	var in bom.Input
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var d *bom.Detail
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		d, err = bom.Create(r.Context(), tx, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionCreate, moduleBOM, d.Header.BOMID, "Created BOM %s with %d components", d.Header.BOMNumber, len(d.Components))
	response.JSONStatus(w, http.StatusCreated, d)
}

// UpdateBOM handles PUT /bom/{id}.
func (h *Handler) UpdateBOM(w http.ResponseWriter, r *http.Request, id int64) {
	var hdr bom.Header
	if err := response.DecodeBody(r, &hdr); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var d *bom.Detail
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		d, err = bom.UpdateHeader(r.Context(), tx, id, hdr)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleBOM, id, "Updated BOM %s", d.Header.BOMNumber)
	response.JSON(w, d)
}

// DeleteBOM handles DELETE /bom/{id}.
func (h *Handler) DeleteBOM(w http.ResponseWriter, r *http.Request, id int64) {
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return bom.Delete(r.Context(), tx, id)
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleBOM, id, "Deleted BOM %d", id)
	response.JSON(w, deleted)
}

// AddBOMComponent handles POST /bom/{id}/components.
func (h *Handler) AddBOMComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in bom.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var c *models.BOMComponent
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		c, err = bom.AddComponent(r.Context(), tx, id, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleBOM, id, "Added %s to BOM", c.ItemCode)
	response.JSONStatus(w, http.StatusCreated, c)
}

// UpdateBOMComponent handles PUT /bom/components/{id}.
func (h *Handler) UpdateBOMComponent(w http.ResponseWriter, r *http.Request, id int64) {
	var in bom.ComponentInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var c *models.BOMComponent
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		c, err = bom.UpdateComponent(r.Context(), tx, id, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionUpdate, moduleBOM, c.BOMID, "Updated component %s", c.ItemCode)
	response.JSON(w, c)
}

// DeleteBOMComponent handles DELETE /bom/components/{id}.
func (h *Handler) DeleteBOMComponent(w http.ResponseWriter, r *http.Request, id int64) {
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return bom.DeleteComponent(r.Context(), tx, id)
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	h.record(r, audit.ActionDelete, moduleBOM, id, "Deleted BOM component %d", id)
	response.JSON(w, deleted)
}

// Explosion is a resolved BOM with its leaf totals.
type Explosion struct {
	*bom.RequirementList
	Totals []bom.Requirement `json:"totals"`
}

// ExplodeBOM handles GET /bom/{id}/explode?quantity=N.
func (h *Handler) ExplodeBOM(w http.ResponseWriter, r *http.Request, id int64) {
	quantity := qty.New(1)
	if v := r.URL.Query().Get("quantity"); v != "" {
		d, err := decimal.NewFromString(v)
		ve := &validation.ValidationErrors{}
		if err != nil {
			ve.Add("quantity", "must be a number")
		} else {
			validation.ValidateWorkOrderQty(ve, "quantity", d)
		}
		if err := ve.Err(); err != nil {
			response.Error(w, err)
			return
		}
		quantity = d
	}
	rl, err := bom.Resolve(r.Context(), h.DB, id, quantity)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, Explosion{RequirementList: rl, Totals: rl.Flatten()})
}

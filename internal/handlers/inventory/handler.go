// Package inventory serves the item catalog and the lot ledger.
package inventory

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"workcell/internal/audit"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
	"workcell/internal/response"
	"workcell/internal/validation"
	"workcell/internal/websocket"
)

// Handler holds dependencies for inventory handlers.
type Handler struct {
	DB  *database.DB
	Hub *websocket.Hub
}

// ListItems handles GET /items.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := catalog.List(r.Context(), h.DB)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, items)
}

// GetItem handles GET /items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request, id int64) {
	it, err := catalog.Get(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, it)
}

// CreateItem handles POST /items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var in catalog.ItemInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	var it *models.Item
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		it, err = catalog.Create(r.Context(), tx, in)
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r), Action: audit.ActionCreate, Module: "item",
		RecordID: it.ItemID, Summary: "Created item " + it.ItemCode,
	})
	response.JSONStatus(w, http.StatusCreated, it)
}

// ListLots handles GET /inventories?item_id=.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	itemID, err := queryID(r, "item_id")
	if err != nil {
		response.Error(w, err)
		return
	}
	lots, err := ledger.Lots(r.Context(), h.DB, itemID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, ledger.Availability(lots))
}

// GetLot handles GET /inventories/{id}.
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request, id int64) {
	lot, err := ledger.Lot(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, lot)
}

// LotTransactions handles GET /inventories/{id}/transactions.
func (h *Handler) LotTransactions(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := ledger.Lot(r.Context(), h.DB, id); err != nil {
		response.Error(w, err)
		return
	}
	txs, err := ledger.Transactions(r.Context(), h.DB, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, txs)
}

// Transactions handles GET /inventorytransactions?item_id=&type=&limit=.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	f := ledger.TransactionFilter{Type: r.URL.Query().Get("type")}
	var err error
	if f.ItemID, err = queryID(r, "item_id"); err != nil {
		response.Error(w, err)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.ValidateEnum(ve, "type", f.Type, validation.ValidInventoryTypes)
	if v := r.URL.Query().Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit <= 0 {
			ve.Add("limit", "must be a positive integer")
		}
	}
	if err := ve.Err(); err != nil {
		response.Error(w, err)
		return
	}
	txs, err := ledger.JournalTransactions(r.Context(), h.DB, f)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, txs)
}

// ReceiptRequest is a manual receipt.
type ReceiptRequest struct {
	ItemID      int64           `json:"item_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	BatchNumber string          `json:"batch_number"`
	Location    string          `json:"location"`
	ExpiryDate  string          `json:"expiry_date"`
	Notes       string          `json:"notes"`
}

// ReceiveLot handles POST /inventories.
func (h *Handler) ReceiveLot(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.RequireID(ve, "item_id", req.ItemID)
	validation.ValidatePositiveQty(ve, "quantity", req.Quantity)
	validation.ValidateDate(ve, "expiry_date", req.ExpiryDate)
	validation.ValidateMaxLength(ve, "notes", req.Notes, validation.MaxStringLength)
	if err := ve.Err(); err != nil {
		response.Error(w, err)
		return
	}

	var lot *models.InventoryLot
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		ok, err := catalog.Exists(r.Context(), tx, req.ItemID)
		if err != nil {
			return err
		}
		if !ok {
			return validation.Single("item_id", fmt.Sprintf("references non-existent item %d", req.ItemID))
		}
		lot, err = ledger.Receive(r.Context(), tx, ledger.ReceiveInput{
			ItemID:      req.ItemID,
			Quantity:    req.Quantity,
			BatchNumber: strings.TrimSpace(req.BatchNumber),
			Location:    req.Location,
			ExpiryDate:  parseDate(req.ExpiryDate),
			SourceType:  ledger.SourceManual,
			Reference:   "manual receipt",
			Notes:       req.Notes,
		})
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r), Action: audit.ActionReceive, Module: "inventory",
		RecordID: lot.InventoryID, Summary: "Received " + lot.QuantityOnHand.String() + " of " + lot.ItemCode,
	})
	response.JSONStatus(w, http.StatusCreated, lot)
}

// LotUpdate changes where a lot is and how it is labelled.
type LotUpdate struct {
	Location    string `json:"location"`
	BatchNumber string `json:"batch_number"`
	ExpiryDate  string `json:"expiry_date"`
}

// UpdateLot handles PUT /inventories/{id}. Quantities cannot be edited.
func (h *Handler) UpdateLot(w http.ResponseWriter, r *http.Request, id int64) {
	var req LotUpdate
	if err := response.DecodeBody(r, &req); err != nil {
		response.Err(w, "invalid body", http.StatusBadRequest)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "batch_number", req.BatchNumber)
	validation.ValidateDate(ve, "expiry_date", req.ExpiryDate)
	if err := ve.Err(); err != nil {
		response.Error(w, err)
		return
	}
	var lot *models.InventoryLot
	err := h.DB.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		lot, err = ledger.UpdateDetails(r.Context(), tx, id, req.Location, strings.TrimSpace(req.BatchNumber), parseDate(req.ExpiryDate))
		return err
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r), Action: audit.ActionUpdate, Module: "inventory",
		RecordID: id, Summary: "Updated lot " + lot.BatchNumber,
	})
	response.JSON(w, lot)
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

// queryID reads an optional positive id from the query string; absent is 0.
func queryID(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, validation.Single(name, "must be a positive integer")
	}
	return id, nil
}

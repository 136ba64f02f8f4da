package sales_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/audit"
	"workcell/internal/handlers/sales"
	"workcell/internal/models"
	"workcell/internal/procurement"
	"workcell/internal/quotations"
	svc "workcell/internal/sales"
	"workcell/internal/testutil"
)

func newHandler(t *testing.T) *sales.Handler {
	db := testutil.SetupTestDB(t)
	return &sales.Handler{DB: db, Sales: svc.New(db), Quotations: quotations.New(db)}
}

func createOrder(t *testing.T, h *sales.Handler, item int64, quantity string) svc.Detail {
	t.Helper()
	w := httptest.NewRecorder()
	h.CreateOrder(w, testutil.JSONRequest("POST", "/sales", map[string]any{
		"header":  map[string]any{"customer": "Acme"},
		"details": []map[string]any{{"item_id": item, "quantity": quantity, "unit_price": "9.99"}},
	}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var so svc.Detail
	testutil.DecodeJSON(t, w, &so)
	return so
}

func TestShipOverHTTP(t *testing.T) {
	h := newHandler(t)
	item := testutil.CreateItem(t, h.DB, "WIDGET")
	testutil.ReceiveLot(t, h.DB, item, "4", 0)
	so := createOrder(t, h, item, "6")
	line := so.Details[0].DetailID

	w := httptest.NewRecorder()
	h.Inventory(w, httptest.NewRequest("GET", "/sales/inventory/1", nil), item)
	testutil.AssertStatus(t, w, http.StatusOK)
	var lots []models.AvailableLot
	testutil.DecodeJSON(t, w, &lots)
	require.Len(t, lots, 1)

	w = httptest.NewRecorder()
	h.Ship(w, testutil.JSONRequest("POST", "/sales/details/1/ship", map[string]any{"shipped_quantity": "3"}), line)
	testutil.AssertStatus(t, w, http.StatusOK)
	var res svc.ShipResult
	testutil.DecodeJSON(t, w, &res)
	assert.Equal(t, svc.StatusPartial, res.Status)
	assert.True(t, decimal.NewFromInt(3).Equal(res.QuantityShipped))

	w = httptest.NewRecorder()
	h.Ship(w, testutil.JSONRequest("POST", "/sales/details/1/ship", map[string]any{"shipped_quantity": "3"}), line)
	testutil.AssertStatus(t, w, http.StatusConflict)

	prs, err := procurement.ListBySource(t.Context(), h.DB, procurement.SourceSalesOrder, so.Header.SaleID)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.True(t, decimal.NewFromInt(2).Equal(prs[0].QuantityNeeded))

	w = httptest.NewRecorder()
	h.Ship(w, testutil.JSONRequest("POST", "/sales/details/1/ship", map[string]any{"shipped_quantity": "-1"}), line)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	h.DeleteOrder(w, httptest.NewRequest("DELETE", "/sales/1", nil), so.Header.SaleID)
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = httptest.NewRecorder()
	h.CancelOrder(w, httptest.NewRequest("POST", "/sales/1/cancel", nil), so.Header.SaleID)
	testutil.AssertStatus(t, w, http.StatusOK)

	entries, err := audit.List(t.Context(), h.DB, "sales_order", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionCancel, entries[0].Action)
}

func TestCreateListAndDelete(t *testing.T) {
	h := newHandler(t)
	item := testutil.CreateItem(t, h.DB, "WIDGET")

	w := httptest.NewRecorder()
	h.CreateOrder(w, testutil.JSONRequest("POST", "/sales", map[string]any{"header": map[string]any{"customer": "Acme"}}))
	testutil.AssertStatus(t, w, http.StatusBadRequest)
	assert.Contains(t, w.Body.String(), "details")

	so := createOrder(t, h, item, "1")
	assert.True(t, decimal.RequireFromString("9.99").Equal(so.Details[0].UnitPrice))

	w = httptest.NewRecorder()
	h.ListOrders(w, httptest.NewRequest("GET", "/sales", nil))
	var orders []models.SalesOrder
	testutil.DecodeJSON(t, w, &orders)
	require.Len(t, orders, 1)

	w = httptest.NewRecorder()
	h.DeleteOrder(w, httptest.NewRequest("DELETE", "/sales/1", nil), so.Header.SaleID)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	h.GetOrder(w, httptest.NewRequest("GET", "/sales/1", nil), so.Header.SaleID)
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestQuotationToOrderOverHTTP(t *testing.T) {
	h := newHandler(t)
	item := testutil.CreateItem(t, h.DB, "WIDGET")

	w := httptest.NewRecorder()
	h.CreateCustomer(w, testutil.JSONRequest("POST", "/customers", map[string]any{"contact_name": "Bob"}))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	h.CreateCustomer(w, testutil.JSONRequest("POST", "/customers", map[string]any{"company_name": "Hooli", "shipping_address_city": "Palo Alto"}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var c models.Customer
	testutil.DecodeJSON(t, w, &c)

	w = httptest.NewRecorder()
	h.CreateQuotation(w, testutil.JSONRequest("POST", "/quotations", map[string]any{
		"header":  map[string]any{"customer_id": c.CustomerID, "quotation_number": "Q-1"},
		"details": []map[string]any{{"item_id": item, "quantity": "4", "unit_price": "2.5"}},
	}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var qt quotations.Detail
	testutil.DecodeJSON(t, w, &qt)
	assert.True(t, decimal.NewFromInt(10).Equal(qt.Header.TotalAmount))

	w = httptest.NewRecorder()
	h.AddQuotationDetail(w, testutil.JSONRequest("POST", "/quotations/1/details", map[string]any{"item_id": item, "quantity": "1", "unit_price": "5"}), qt.Header.QuotationID)
	testutil.AssertStatus(t, w, http.StatusCreated)
	testutil.DecodeJSON(t, w, &qt)
	require.Len(t, qt.Details, 2)

	w = httptest.NewRecorder()
	h.DeleteQuotationDetail(w, httptest.NewRequest("DELETE", "/quotations/details/2", nil), qt.Details[1].DetailID)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	h.ConvertQuotation(w, testutil.JSONRequest("POST", "/quotations/1/convert-to-so", map[string]any{"sales_number": "SO-Q-1"}), qt.Header.QuotationID)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var conv quotations.Conversion
	testutil.DecodeJSON(t, w, &conv)
	assert.Equal(t, "SO-Q-1", conv.SONumber)

	w = httptest.NewRecorder()
	h.UpdateQuotationDetail(w, testutil.JSONRequest("PUT", "/quotations/details/1", map[string]any{"item_id": item, "quantity": "9"}), qt.Details[0].DetailID)
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = httptest.NewRecorder()
	h.GetOrder(w, httptest.NewRequest("GET", "/sales/1", nil), conv.SaleID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var so svc.Detail
	testutil.DecodeJSON(t, w, &so)
	assert.Equal(t, "Hooli", so.Header.Customer)
	require.Len(t, so.Details, 1)

	w = httptest.NewRecorder()
	h.UpdateDetail(w, testutil.JSONRequest("PUT", "/sales/details/1", map[string]any{"item_id": item, "quantity": "6", "unit_price": "2.5"}), so.Details[0].DetailID)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	h.AddDetail(w, testutil.JSONRequest("POST", "/sales/1/details", map[string]any{"item_id": item, "quantity": "1"}), conv.SaleID)
	testutil.AssertStatus(t, w, http.StatusCreated)
	testutil.DecodeJSON(t, w, &so)
	require.Len(t, so.Details, 2)
	assert.True(t, decimal.NewFromInt(6).Equal(so.Details[0].Quantity))

	w = httptest.NewRecorder()
	h.UpdateOrder(w, testutil.JSONRequest("PUT", "/sales/1", map[string]any{"customer_id": c.CustomerID, "notes": "call first"}), conv.SaleID)
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeJSON(t, w, &so)
	assert.Equal(t, "call first", so.Header.Notes)
	assert.Equal(t, "SO-Q-1", so.Header.SONumber)

	w = httptest.NewRecorder()
	h.DeleteCustomer(w, httptest.NewRequest("DELETE", "/customers/1", nil), c.CustomerID)
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = httptest.NewRecorder()
	h.ListQuotations(w, httptest.NewRequest("GET", "/quotations", nil))
	var list []models.Quotation
	testutil.DecodeJSON(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, quotations.StatusConverted, list[0].Status)

	entries, err := audit.List(t.Context(), h.DB, "quotation", 10)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionConvert, entries[0].Action)
}

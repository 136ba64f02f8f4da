package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/audit"
	"workcell/internal/config"
	"workcell/internal/testutil"
	"workcell/internal/websocket"
)

func newTestApp(t *testing.T) *App {
	cfg := config.Default()
	cfg.RateLimit.RPS = 0
	return New(testutil.SetupTestDB(t), websocket.NewHub(), cfg)
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("X-User", "tester")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestApp(t).Router()
	w := serve(h, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestRoutesServedAtRootAndVersioned(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()

	w := serve(h, "POST", "/items", `{"item_code":"NUT-M3","name":"M3 nut"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = serve(h, "POST", "/api/v1/items", `{"item_code":"NUT-M4","name":"M4 nut"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for _, prefix := range []string{"", "/api/v1"} {
		w = serve(h, "GET", prefix+"/items", "")
		require.Equal(t, http.StatusOK, w.Code)
		var items []map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
		assert.Len(t, items, 2, prefix)
	}

	entries, err := audit.List(t.Context(), a.DB, "item", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tester", entries[0].Username)

	w = serve(h, "GET", "/api/v1/audit?module=item&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logged []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logged))
	assert.Len(t, logged, 1)
}

func TestInvalidIDAndUnknownRoutes(t *testing.T) {
	h := newTestApp(t).Router()

	w := serve(h, "GET", "/work-orders/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid id"}`, w.Body.String())

	w = serve(h, "GET", "/api/v1/sales/0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h, "GET", "/work-orders/42", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(h, "PATCH", "/items", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStartFailureCarriesSuccessFlag(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()
	out := testutil.CreateItem(t, a.DB, "GADGET")
	part := testutil.CreateItem(t, a.DB, "SCREW")
	bomID := testutil.CreateBOM(t, a.DB, "BOM-G", out, testutil.Component{ItemID: part, PerUnit: "4"})

	w := serve(h, "POST", "/api/v1/work-orders/from-bom", `{"bom_id":`+jsonInt(bomID)+`,"quantity":"2"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := jsonInt(int64(created["wo_id"].(float64)))

	w = serve(h, "POST", "/api/v1/work-orders/"+id+"/start", "")
	require.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["error"])
}

func jsonInt(v int64) string { return strconv.FormatInt(v, 10) }

func TestDirectoryQuotationAndDashboardRoutes(t *testing.T) {
	h := newTestApp(t).Router()

	for _, prefix := range []string{"", "/api/v1"} {
		for _, path := range []string{"/customers", "/suppliers", "/quotations", "/inventorytransactions", "/dashboard/stats"} {
			w := serve(h, "GET", prefix+path, "")
			assert.Equal(t, http.StatusOK, w.Code, prefix+path)
		}
	}

	w := serve(h, "POST", "/customers", `{"company_name":"Umbrella"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = serve(h, "PUT", "/customers/1", `{"company_name":"Umbrella Corp"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = serve(h, "POST", "/suppliers", `{"company_name":"Acme Parts"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = serve(h, "PUT", "/suppliers/1", `{"company_name":"Acme Parts","lead_time_days":400}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h, "GET", "/dashboard/stats", "")
	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	for _, key := range []string{"cards", "charts", "recentSalesOrders", "recentActivity"} {
		assert.Contains(t, stats, key)
	}
}

package manufacturing_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/audit"
	"workcell/internal/database"
	"workcell/internal/handlers/manufacturing"
	"workcell/internal/kitting"
	"workcell/internal/models"
	"workcell/internal/qty"
	"workcell/internal/testutil"
	"workcell/internal/websocket"
	"workcell/internal/workorder"
)

func newTestHandler(db *database.DB) *manufacturing.Handler {
	return &manufacturing.Handler{
		DB:         db,
		Hub:        websocket.NewHub(),
		WorkOrders: workorder.New(db, "FG"),
		Kits:       kitting.New(db, "FG"),
	}
}

type widget struct {
	h      *manufacturing.Handler
	db     *database.DB
	widget int64
	part   int64
	bomID  int64
}

func newWidget(t *testing.T) widget {
	db := testutil.SetupTestDB(t)
	out := testutil.CreateItem(t, db, "WIDGET")
	part := testutil.CreateItem(t, db, "A")
	bomID := testutil.CreateBOM(t, db, "BOM-WIDGET", out, testutil.Component{ItemID: part, PerUnit: "2"})
	return widget{h: newTestHandler(db), db: db, widget: out, part: part, bomID: bomID}
}

func (f widget) createWO(t *testing.T, quantity string) workorder.Created {
	t.Helper()
	w := httptest.NewRecorder()
	f.h.CreateWorkOrderFromBOM(w, testutil.JSONRequest("POST", "/work-orders/from-bom", map[string]any{
		"bom_id": f.bomID, "quantity": quantity, "priority": "high",
	}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var c workorder.Created
	testutil.DecodeJSON(t, w, &c)
	return c
}

func TestWorkOrderLifecycleOverHTTP(t *testing.T) {
	f := newWidget(t)
	testutil.ReceiveLot(t, f.db, f.part, "4", 0)
	wo := f.createWO(t, "5")
	assert.Regexp(t, `^WO-\d{4}-0001$`, wo.WONumber)

	w := httptest.NewRecorder()
	f.h.AllocateWorkOrder(w, httptest.NewRequest("POST", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var alloc workorder.AllocationResult
	testutil.DecodeJSON(t, w, &alloc)
	assert.Equal(t, workorder.StatusBlocked, alloc.Status)
	require.Len(t, alloc.Warnings, 1)
	require.Len(t, alloc.Shortages, 1)
	assert.True(t, qty.MustParse("6").Equal(alloc.Shortages[0].Short))

	w = httptest.NewRecorder()
	f.h.StartWorkOrder(w, httptest.NewRequest("POST", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusConflict)
	var refused manufacturing.StartResponse
	testutil.DecodeJSON(t, w, &refused)
	assert.False(t, refused.Success)
	assert.Contains(t, refused.Message, "allocate it first")
	assert.Equal(t, refused.Message, refused.Error)

	testutil.ReceiveLot(t, f.db, f.part, "6", 1)
	w = httptest.NewRecorder()
	f.h.AllocateWorkOrder(w, httptest.NewRequest("POST", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeJSON(t, w, &alloc)
	assert.Equal(t, workorder.StatusReady, alloc.Status)
	assert.Empty(t, alloc.Warnings)

	w = httptest.NewRecorder()
	f.h.StartWorkOrder(w, httptest.NewRequest("POST", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var started manufacturing.StartResponse
	testutil.DecodeJSON(t, w, &started)
	assert.True(t, started.Success)

	w = httptest.NewRecorder()
	f.h.CompleteWorkOrder(w, testutil.JSONRequest("POST", "/", map[string]any{"completed_quantity": "0"}), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	f.h.CompleteWorkOrder(w, testutil.JSONRequest("POST", "/", map[string]any{"completed_quantity": "6"}), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var done workorder.CompletionResult
	testutil.DecodeJSON(t, w, &done)
	assert.Equal(t, workorder.StatusCompleted, done.Status)
	assert.True(t, done.QuantityCompleted.Equal(decimal.NewFromInt(6)), "got %s", done.QuantityCompleted)
	require.Len(t, done.Warnings, 1)
	assert.Contains(t, done.Warnings[0], "beyond the 5 ordered")
	assert.NotZero(t, done.InventoryID)

	w = httptest.NewRecorder()
	f.h.CompleteWorkOrder(w, testutil.JSONRequest("POST", "/", map[string]any{"completed_quantity": "1"}), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = httptest.NewRecorder()
	f.h.CancelWorkOrder(w, httptest.NewRequest("POST", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = httptest.NewRecorder()
	f.h.WorkOrderTree(w, httptest.NewRequest("GET", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var node models.WorkOrderNode
	testutil.DecodeJSON(t, w, &node)
	assert.Equal(t, 100, node.ProgressPercent)

	entries, err := audit.List(t.Context(), f.db, "work_order", 50)
	require.NoError(t, err)
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	assert.Equal(t, map[string]int{"CREATE": 1, "ALLOCATE": 2, "START": 1, "COMPLETE": 1}, actions)
}

func TestWorkOrderQueries(t *testing.T) {
	f := newWidget(t)
	lot := testutil.ReceiveLot(t, f.db, f.part, "3", 0)
	wo := f.createWO(t, "1")

	w := httptest.NewRecorder()
	f.h.ListWorkOrders(w, httptest.NewRequest("GET", "/work-orders?status=draft", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	var list []models.WorkOrder
	testutil.DecodeJSON(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "WIDGET", list[0].OutputItemCode)

	w = httptest.NewRecorder()
	f.h.ListWorkOrders(w, httptest.NewRequest("GET", "/work-orders?status=bogus", nil))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	f.h.GetWorkOrder(w, httptest.NewRequest("GET", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var d workorder.Detail
	testutil.DecodeJSON(t, w, &d)
	require.Len(t, d.Components, 1)
	assert.True(t, qty.MustParse("2").Equal(d.Components[0].QuantityRequired))
	assert.NotNil(t, d.Children)

	w = httptest.NewRecorder()
	f.h.GetWorkOrder(w, httptest.NewRequest("GET", "/", nil), 404)
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	f.h.WorkOrderInventory(w, httptest.NewRequest("GET", "/", nil), f.part)
	testutil.AssertStatus(t, w, http.StatusOK)
	var avail []models.AvailableLot
	testutil.DecodeJSON(t, w, &avail)
	require.Len(t, avail, 1)
	assert.Equal(t, lot, avail[0].InventoryID)

	w = httptest.NewRecorder()
	f.h.UpdateWorkOrder(w, testutil.JSONRequest("PUT", "/", map[string]any{"quantity_ordered": "2", "notes": "rush"}), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	f.h.DeleteWorkOrder(w, httptest.NewRequest("DELETE", "/", nil), wo.WOID)
	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestBOMEndpoints(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := newTestHandler(db)
	lamp := testutil.CreateItem(t, db, "LAMP")
	shade := testutil.CreateItem(t, db, "SHADE")

	w := httptest.NewRecorder()
	h.CreateBOM(w, testutil.JSONRequest("POST", "/bom", map[string]any{
		"header":     map[string]any{"bom_number": "BOM-LAMP", "name": "Lamp", "output_item_id": lamp},
		"components": []map[string]any{{"item_id": shade, "quantity_per_unit": "1.5"}},
	}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var created struct {
		Header models.BOM `json:"header"`
	}
	testutil.DecodeJSON(t, w, &created)
	bomID := created.Header.BOMID

	w = httptest.NewRecorder()
	h.AddBOMComponent(w, testutil.JSONRequest("POST", "/", map[string]any{
		"item_id": lamp, "quantity_per_unit": "1", "is_subassembly": true, "subassembly_bom_id": bomID,
	}), bomID)
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)
	assert.Contains(t, w.Body.String(), "cyclic")

	w = httptest.NewRecorder()
	h.ExplodeBOM(w, httptest.NewRequest("GET", "/bom/1/explode?quantity=3", nil), bomID)
	testutil.AssertStatus(t, w, http.StatusOK)
	var ex struct {
		Totals []struct {
			ItemCode string          `json:"item_code"`
			Quantity decimal.Decimal `json:"quantity"`
		} `json:"totals"`
	}
	testutil.DecodeJSON(t, w, &ex)
	require.Len(t, ex.Totals, 1)
	assert.Equal(t, "SHADE", ex.Totals[0].ItemCode)
	assert.True(t, qty.MustParse("4.5").Equal(ex.Totals[0].Quantity))

	w = httptest.NewRecorder()
	h.ExplodeBOM(w, httptest.NewRequest("GET", "/bom/1/explode?quantity=x", nil), bomID)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	h.ListActiveBOMs(w, httptest.NewRequest("GET", "/bom/active", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	var boms []models.BOM
	testutil.DecodeJSON(t, w, &boms)
	assert.Len(t, boms, 1)

	w = httptest.NewRecorder()
	h.DeleteBOM(w, httptest.NewRequest("DELETE", "/", nil), bomID)
	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestKitEndpoints(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := newTestHandler(db)
	out := testutil.CreateItem(t, db, "KIT")
	part := testutil.CreateItem(t, db, "PART")
	testutil.ReceiveLot(t, db, part, "3", 0)

	w := httptest.NewRecorder()
	h.CreateKit(w, testutil.JSONRequest("POST", "/kit-items", map[string]any{
		"header":     map[string]any{"name": "Kit", "output_item_id": out, "quantity_to_build": "2"},
		"components": []map[string]any{{"item_id": part, "quantity_per_kit": "2"}},
	}))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var k kitting.Detail
	testutil.DecodeJSON(t, w, &k)
	id := k.Header.KitItemID

	w = httptest.NewRecorder()
	h.ReserveKit(w, httptest.NewRequest("POST", "/", nil), id)
	testutil.AssertStatus(t, w, http.StatusOK)
	var res kitting.ReserveResult
	testutil.DecodeJSON(t, w, &res)
	assert.Equal(t, kitting.StatusPartial, res.Status)
	require.Len(t, res.Shortages, 1)
	assert.True(t, qty.MustParse("1").Equal(res.Shortages[0].Short))

	w = httptest.NewRecorder()
	h.CompleteKit(w, testutil.JSONRequest("POST", "/", map[string]any{"build_quantity": "1"}), id)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	h.CancelKit(w, httptest.NewRequest("POST", "/", nil), id)
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	h.GetKit(w, httptest.NewRequest("GET", "/", nil), id)
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeJSON(t, w, &k)
	assert.Equal(t, kitting.StatusCancelled, k.Header.Status)
	assert.True(t, qty.MustParse("1").Equal(k.Header.CompletedQuantity), fmt.Sprint(k.Header.CompletedQuantity))
}

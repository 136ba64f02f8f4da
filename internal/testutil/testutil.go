package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/qty"
)

// SetupTestDB creates an in-memory SQLite database with foreign keys enabled
// and the full schema migrated.
func SetupTestDB(t *testing.T) *database.DB {
	t.Helper()
	testDB, err := database.Open(database.DriverSQLite, ":memory:", 3)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	if _, err := testDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return testDB
}

// SetupFileDB creates a SQLite database file in a temp dir, opened with the
// production pool so concurrent transactions really race for the write lock.
func SetupFileDB(t *testing.T) *database.DB {
	t.Helper()
	testDB, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "workcell.db"), 10)
	if err != nil {
		t.Fatalf("Failed to open file DB: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return testDB
}

// Base is the reference receipt time used by fixtures; lots received at
// Base.Add(n) sort in n order.
var Base = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

// CreateItem inserts a catalog item and returns its id.
func CreateItem(t *testing.T, db *database.DB, code string) int64 {
	t.Helper()
	id, err := database.Insert(context.Background(), db,
		`INSERT INTO items (item_code, name, unit_cost, sales_price, created_at) VALUES (?, ?, ?, ?, ?) RETURNING item_id`,
		code, "Item "+code, qty.Zero, qty.Zero, Base)
	if err != nil {
		t.Fatalf("create item %s: %v", code, err)
	}
	return id
}

// ReceiveLot receives quantity of an item at Base plus offset and returns the lot id.
func ReceiveLot(t *testing.T, db *database.DB, itemID int64, quantity string, offset time.Duration) int64 {
	t.Helper()
	lot, err := ledger.Receive(context.Background(), db, ledger.ReceiveInput{
		ItemID:     itemID,
		Quantity:   qty.MustParse(quantity),
		Location:   "A1",
		ReceivedAt: Base.Add(offset),
	})
	if err != nil {
		t.Fatalf("receive lot: %v", err)
	}
	return lot.InventoryID
}

// Component is a BOM line used by CreateBOM.
type Component struct {
	ItemID         int64
	PerUnit        string
	SubassemblyBOM int64
}

// CreateBOM inserts an active BOM with components directly, bypassing the
// acyclicity check so tests can build broken graphs.
func CreateBOM(t *testing.T, db *database.DB, number string, outputItemID int64, comps ...Component) int64 {
	t.Helper()
	ctx := context.Background()
	bomID, err := database.Insert(ctx, db, `INSERT INTO boms (bom_number, name, output_item_id, output_quantity, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING bom_id`, number, "BOM "+number, outputItemID, qty.New(1), true, Base, Base)
	if err != nil {
		t.Fatalf("create bom %s: %v", number, err)
	}
	for i, c := range comps {
		AddBOMComponent(t, db, bomID, i+1, c)
	}
	return bomID
}

// AddBOMComponent appends one component row to a BOM.
func AddBOMComponent(t *testing.T, db *database.DB, bomID int64, seq int, c Component) {
	t.Helper()
	var sub *int64
	if c.SubassemblyBOM > 0 {
		id := c.SubassemblyBOM
		sub = &id
	}
	_, err := database.Exec(context.Background(), db, `INSERT INTO bom_components
		(bom_id, item_id, quantity_per_unit, is_subassembly, subassembly_bom_id, sequence_order)
		VALUES (?, ?, ?, ?, ?, ?)`, bomID, c.ItemID, qty.MustParse(c.PerUnit), sub != nil, sub, seq)
	if err != nil {
		t.Fatalf("add bom component: %v", err)
	}
}

// JSONRequest builds a request with a JSON body.
func JSONRequest(method, path string, body interface{}) *http.Request {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertStatus checks that the HTTP status code matches expected.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// DecodeJSON decodes the recorder body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v (body %s)", err, w.Body.String())
	}
}

package database

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// column types per driver, substituted into the DDL below.
var dialects = map[string]*strings.Replacer{
	DriverSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ref}}", "INTEGER",
		"{{qty}}", "TEXT NOT NULL DEFAULT '0'",
		"{{ts}}", "DATETIME",
		"{{true}}", "INTEGER NOT NULL DEFAULT 1",
		"{{false}}", "INTEGER NOT NULL DEFAULT 0",
	),
	DriverPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ref}}", "BIGINT",
		"{{qty}}", "NUMERIC(18,4) NOT NULL DEFAULT 0",
		"{{ts}}", "TIMESTAMPTZ",
		"{{true}}", "BOOLEAN NOT NULL DEFAULT TRUE",
		"{{false}}", "BOOLEAN NOT NULL DEFAULT FALSE",
	),
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		item_id {{id}},
		item_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		unit_cost {{qty}},
		sales_price {{qty}},
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_lots (
		inventory_id {{id}},
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_on_hand {{qty}},
		quantity_reserved {{qty}},
		location TEXT NOT NULL DEFAULT '',
		batch_number TEXT NOT NULL DEFAULT '',
		expiry_date {{ts}},
		received_at {{ts}} NOT NULL,
		source_type TEXT NOT NULL DEFAULT 'manual' CHECK(source_type IN ('manual','purchase_order','work_order','kit_item','seed')),
		source_id {{ref}},
		version INTEGER NOT NULL DEFAULT 1,
		updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_lots_fifo ON inventory_lots(item_id, received_at, inventory_id)`,
	`CREATE TABLE IF NOT EXISTS inventory_transactions (
		transaction_id {{id}},
		inventory_id {{ref}} NOT NULL REFERENCES inventory_lots(inventory_id),
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		type TEXT NOT NULL CHECK(type IN ('receive','reserve','release','consume')),
		quantity {{qty}},
		owner_type TEXT NOT NULL DEFAULT '',
		owner_id {{ref}},
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_transactions_lot ON inventory_transactions(inventory_id)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id {{id}},
		owner_type TEXT NOT NULL CHECK(owner_type IN ('work_order','kit_item','sales_order')),
		owner_id {{ref}} NOT NULL,
		line_id {{ref}} NOT NULL,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		inventory_id {{ref}} NOT NULL REFERENCES inventory_lots(inventory_id),
		quantity_reserved {{qty}},
		quantity_consumed {{qty}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_owner ON reservations(owner_type, owner_id, line_id)`,
	`CREATE TABLE IF NOT EXISTS boms (
		bom_id {{id}},
		bom_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		output_item_id {{ref}} NOT NULL REFERENCES items(item_id),
		output_quantity {{qty}},
		version TEXT NOT NULL DEFAULT '1.0',
		is_active {{true}},
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bom_components (
		bom_component_id {{id}},
		bom_id {{ref}} NOT NULL REFERENCES boms(bom_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_per_unit {{qty}},
		is_subassembly {{false}},
		subassembly_bom_id {{ref}} REFERENCES boms(bom_id),
		sequence_order INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bom_components_bom ON bom_components(bom_id)`,
	`CREATE TABLE IF NOT EXISTS work_orders (
		wo_id {{id}},
		wo_number TEXT NOT NULL UNIQUE,
		bom_id {{ref}} REFERENCES boms(bom_id),
		output_item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_ordered {{qty}},
		quantity_completed {{qty}},
		status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft','blocked','ready','in_progress','completed','cancelled')),
		priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low','normal','high','urgent')),
		parent_wo_id {{ref}} REFERENCES work_orders(wo_id),
		root_wo_id {{ref}},
		depth INTEGER NOT NULL DEFAULT 0,
		planned_start_date TEXT NOT NULL DEFAULT '',
		planned_end_date TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		started_at {{ts}},
		completed_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_orders_parent ON work_orders(parent_wo_id)`,
	`CREATE INDEX IF NOT EXISTS idx_work_orders_root ON work_orders(root_wo_id)`,
	`CREATE TABLE IF NOT EXISTS work_order_components (
		woc_id {{id}},
		wo_id {{ref}} NOT NULL REFERENCES work_orders(wo_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_required {{qty}},
		quantity_allocated {{qty}},
		quantity_consumed {{qty}},
		is_subassembly {{false}},
		subassembly_bom_id {{ref}} REFERENCES boms(bom_id),
		child_wo_id {{ref}} REFERENCES work_orders(wo_id),
		inventory_id {{ref}} REFERENCES inventory_lots(inventory_id),
		sequence_order INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_order_components_wo ON work_order_components(wo_id)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		supplier_id {{id}},
		company_name TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		lead_time_days INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		customer_id {{id}},
		company_name TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		shipping_address TEXT NOT NULL DEFAULT '',
		shipping_address_city TEXT NOT NULL DEFAULT '',
		shipping_address_state TEXT NOT NULL DEFAULT '',
		shipping_address_zip TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_orders (
		purchaseorder_id {{id}},
		po_number TEXT NOT NULL UNIQUE,
		supplier_id {{ref}} REFERENCES suppliers(supplier_id),
		order_date TEXT NOT NULL DEFAULT '',
		expected_delivery TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ordered' CHECK(status IN ('ordered','partial','received','cancelled')),
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_order_details (
		pod_id {{id}},
		purchaseorder_id {{ref}} NOT NULL REFERENCES purchase_orders(purchaseorder_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity {{qty}},
		received_quantity {{qty}},
		unit_cost {{qty}}
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_requests (
		request_id {{id}},
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_needed {{qty}},
		source_type TEXT NOT NULL DEFAULT 'manual' CHECK(source_type IN ('manual','kit_reserve','sales_order','work_order')),
		source_id {{ref}},
		source_reference TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low','normal','high','urgent')),
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','approved','converted_to_po','cancelled')),
		converted_po_id {{ref}} REFERENCES purchase_orders(purchaseorder_id),
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchase_requests_source ON purchase_requests(source_type, source_id, item_id)`,
	`CREATE TABLE IF NOT EXISTS kit_items (
		kit_item_id {{id}},
		kit_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		output_item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_to_build {{qty}},
		completed_quantity {{qty}},
		status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft','partial','reserved','completed','cancelled')),
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kit_item_components (
		component_id {{id}},
		kit_item_id {{ref}} NOT NULL REFERENCES kit_items(kit_item_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity_per_kit {{qty}},
		inventory_id {{ref}} REFERENCES inventory_lots(inventory_id),
		quantity_reserved {{qty}},
		quantity_consumed {{qty}},
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS quotations (
		quotation_id {{id}},
		quotation_number TEXT NOT NULL UNIQUE,
		customer_id {{ref}} NOT NULL REFERENCES customers(customer_id),
		quotation_date TEXT NOT NULL DEFAULT '',
		valid_until TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft','sent','accepted','rejected','expired','converted')),
		total_amount {{qty}},
		shipping_address TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		converted_sale_id {{ref}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quotation_details (
		detail_id {{id}},
		quotation_id {{ref}} NOT NULL REFERENCES quotations(quotation_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity {{qty}},
		unit_price {{qty}},
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sales_orders (
		sale_id {{id}},
		so_number TEXT NOT NULL UNIQUE,
		customer TEXT NOT NULL,
		customer_id {{ref}} REFERENCES customers(customer_id),
		quotation_id {{ref}} REFERENCES quotations(quotation_id),
		order_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','partial','shipped','cancelled')),
		notes TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales_order_details (
		detail_id {{id}},
		sale_id {{ref}} NOT NULL REFERENCES sales_orders(sale_id) ON DELETE CASCADE,
		item_id {{ref}} NOT NULL REFERENCES items(item_id),
		quantity {{qty}},
		quantity_shipped {{qty}},
		unit_price {{qty}}
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id {{id}},
		username TEXT NOT NULL DEFAULT 'system',
		action TEXT NOT NULL,
		module TEXT NOT NULL,
		record_id TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// columns added after the first release; databases created earlier get
// them on start.
var alters = []string{
	"ALTER TABLE sales_orders ADD COLUMN customer_id {{ref}} REFERENCES customers(customer_id)",
	"ALTER TABLE sales_orders ADD COLUMN quotation_id {{ref}} REFERENCES quotations(quotation_id)",
}

// Migrate creates every table and index that does not exist yet and adds
// missing columns.
func Migrate(db *sqlx.DB) error {
	r, ok := dialects[db.DriverName()]
	if !ok {
		return fmt.Errorf("no dialect for driver %q", db.DriverName())
	}
	for _, ddl := range schema {
		if _, err := db.Exec(r.Replace(ddl)); err != nil {
			return fmt.Errorf("%w\n%s", err, firstLine(ddl))
		}
	}
	for _, ddl := range alters {
		if _, err := db.Exec(r.Replace(ddl)); err != nil {
			// sqlite says "duplicate column", postgres "already exists"
			if !strings.Contains(err.Error(), "duplicate column") && !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("%w\n%s", err, ddl)
			}
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

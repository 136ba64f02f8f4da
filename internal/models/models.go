package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ItemID      int64           `db:"item_id" json:"item_id"`
	ItemCode    string          `db:"item_code" json:"item_code"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	UnitCost    decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	SalesPrice  decimal.Decimal `db:"sales_price" json:"sales_price"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// InventoryLot is a quantity of one item received at one time.
// Invariant: 0 <= QuantityReserved <= QuantityOnHand.
type InventoryLot struct {
	InventoryID      int64           `db:"inventory_id" json:"inventory_id"`
	ItemID           int64           `db:"item_id" json:"item_id"`
	ItemCode         string          `db:"item_code" json:"item_code"`
	QuantityOnHand   decimal.Decimal `db:"quantity_on_hand" json:"quantity_on_hand"`
	QuantityReserved decimal.Decimal `db:"quantity_reserved" json:"quantity_reserved"`
	Location         string          `db:"location" json:"location"`
	BatchNumber      string          `db:"batch_number" json:"batch_number"`
	ExpiryDate       *time.Time      `db:"expiry_date" json:"expiry_date"`
	ReceivedAt       time.Time       `db:"received_at" json:"received_at"`
	SourceType       string          `db:"source_type" json:"source_type"`
	SourceID         *int64          `db:"source_id" json:"source_id"`
	Version          int64           `db:"version" json:"version"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Available is on hand minus reserved.
func (l InventoryLot) Available() decimal.Decimal {
	return l.QuantityOnHand.Sub(l.QuantityReserved)
}

// AvailableLot is the row shape the inventory pickers consume.
type AvailableLot struct {
	InventoryID  int64           `json:"inventory_id"`
	ItemID       int64           `json:"item_id"`
	BatchNumber  string          `json:"batch_number"`
	Location     string          `json:"location"`
	ExpiryDate   *time.Time      `json:"expiry_date"`
	ReceivedAt   time.Time       `json:"received_at"`
	Quantity     decimal.Decimal `json:"quantity"`
	ReservedQty  decimal.Decimal `json:"reserved_qty"`
	AvailableQty decimal.Decimal `json:"available_qty"`
}

type InventoryTransaction struct {
	TransactionID int64           `db:"transaction_id" json:"transaction_id"`
	InventoryID   int64           `db:"inventory_id" json:"inventory_id"`
	ItemID        int64           `db:"item_id" json:"item_id"`
	Type          string          `db:"type" json:"type"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	OwnerType     string          `db:"owner_type" json:"owner_type"`
	OwnerID       *int64          `db:"owner_id" json:"owner_id"`
	Reference     string          `db:"reference" json:"reference"`
	Notes         string          `db:"notes" json:"notes"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Reservation is quantity of one lot held for one owner line.
type Reservation struct {
	ReservationID    int64           `db:"reservation_id" json:"reservation_id"`
	OwnerType        string          `db:"owner_type" json:"owner_type"`
	OwnerID          int64           `db:"owner_id" json:"owner_id"`
	LineID           int64           `db:"line_id" json:"line_id"`
	ItemID           int64           `db:"item_id" json:"item_id"`
	InventoryID      int64           `db:"inventory_id" json:"inventory_id"`
	QuantityReserved decimal.Decimal `db:"quantity_reserved" json:"quantity_reserved"`
	QuantityConsumed decimal.Decimal `db:"quantity_consumed" json:"quantity_consumed"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

type BOM struct {
	BOMID          int64           `db:"bom_id" json:"bom_id"`
	BOMNumber      string          `db:"bom_number" json:"bom_number"`
	Name           string          `db:"name" json:"name"`
	Description    string          `db:"description" json:"description"`
	OutputItemID   int64           `db:"output_item_id" json:"output_item_id"`
	OutputItemCode string          `db:"output_item_code" json:"output_item_code"`
	OutputItemName string          `db:"output_item_name" json:"output_item_name"`
	OutputQuantity decimal.Decimal `db:"output_quantity" json:"output_quantity"`
	Version        string          `db:"version" json:"version"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	Notes          string          `db:"notes" json:"notes"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

type BOMComponent struct {
	BOMComponentID   int64           `db:"bom_component_id" json:"bom_component_id"`
	BOMID            int64           `db:"bom_id" json:"bom_id"`
	ItemID           int64           `db:"item_id" json:"item_id"`
	ItemCode         string          `db:"item_code" json:"item_code"`
	ItemName         string          `db:"item_name" json:"item_name"`
	QuantityPerUnit  decimal.Decimal `db:"quantity_per_unit" json:"quantity_per_unit"`
	IsSubassembly    bool            `db:"is_subassembly" json:"is_subassembly"`
	SubassemblyBOMID *int64          `db:"subassembly_bom_id" json:"subassembly_bom_id"`
	SequenceOrder    int             `db:"sequence_order" json:"sequence_order"`
	Notes            string          `db:"notes" json:"notes"`
}

type WorkOrder struct {
	WOID              int64           `db:"wo_id" json:"wo_id"`
	WONumber          string          `db:"wo_number" json:"wo_number"`
	BOMID             *int64          `db:"bom_id" json:"bom_id"`
	BOMNumber         string          `db:"bom_number" json:"bom_number"`
	OutputItemID      int64           `db:"output_item_id" json:"output_item_id"`
	OutputItemCode    string          `db:"output_item_code" json:"output_item_code"`
	OutputItemName    string          `db:"output_item_name" json:"output_item_name"`
	QuantityOrdered   decimal.Decimal `db:"quantity_ordered" json:"quantity_ordered"`
	QuantityCompleted decimal.Decimal `db:"quantity_completed" json:"quantity_completed"`
	Status            string          `db:"status" json:"status"`
	Priority          string          `db:"priority" json:"priority"`
	ParentWOID        *int64          `db:"parent_wo_id" json:"parent_wo_id"`
	ParentWONumber    string          `db:"parent_wo_number" json:"parent_wo_number"`
	RootWOID          *int64          `db:"root_wo_id" json:"root_wo_id"`
	Depth             int             `db:"depth" json:"depth"`
	PlannedStartDate  string          `db:"planned_start_date" json:"planned_start_date"`
	PlannedEndDate    string          `db:"planned_end_date" json:"planned_end_date"`
	Notes             string          `db:"notes" json:"notes"`
	ChildCount        int             `db:"child_count" json:"child_count"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	StartedAt         *time.Time      `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at"`
	ProgressPercent   int             `db:"-" json:"progress_percent"`
}

type WorkOrderComponent struct {
	WOCID             int64           `db:"woc_id" json:"woc_id"`
	WOID              int64           `db:"wo_id" json:"wo_id"`
	ItemID            int64           `db:"item_id" json:"item_id"`
	ItemCode          string          `db:"item_code" json:"item_code"`
	ItemName          string          `db:"item_name" json:"item_name"`
	QuantityRequired  decimal.Decimal `db:"quantity_required" json:"quantity_required"`
	QuantityAllocated decimal.Decimal `db:"quantity_allocated" json:"quantity_allocated"`
	QuantityConsumed  decimal.Decimal `db:"quantity_consumed" json:"quantity_consumed"`
	IsSubassembly     bool            `db:"is_subassembly" json:"is_subassembly"`
	SubassemblyBOMID  *int64          `db:"subassembly_bom_id" json:"subassembly_bom_id"`
	ChildWOID         *int64          `db:"child_wo_id" json:"child_wo_id"`
	InventoryID       *int64          `db:"inventory_id" json:"inventory_id"`
	SequenceOrder     int             `db:"sequence_order" json:"sequence_order"`
	Notes             string          `db:"notes" json:"notes"`
}

// Outstanding is the quantity still held in reservations for this line.
func (c WorkOrderComponent) Outstanding() decimal.Decimal {
	return c.QuantityAllocated.Sub(c.QuantityConsumed)
}

// Unallocated is the part of the requirement not yet reserved, never negative.
func (c WorkOrderComponent) Unallocated() decimal.Decimal {
	d := c.QuantityRequired.Sub(c.QuantityAllocated)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// WorkOrderNode is one node of the work order tree.
type WorkOrderNode struct {
	WOID              int64            `json:"wo_id"`
	WONumber          string           `json:"wo_number"`
	Status            string           `json:"status"`
	Priority          string           `json:"priority"`
	ProgressPercent   int              `json:"progress_percent"`
	OutputItemID      int64            `json:"output_item_id"`
	OutputItemCode    string           `json:"output_item_code"`
	OutputItemName    string           `json:"output_item_name"`
	QuantityOrdered   decimal.Decimal  `json:"quantity_ordered"`
	QuantityCompleted decimal.Decimal  `json:"quantity_completed"`
	Depth             int              `json:"depth"`
	Children          []*WorkOrderNode `json:"children"`
}

type PurchaseRequest struct {
	RequestID       int64           `db:"request_id" json:"request_id"`
	ItemID          int64           `db:"item_id" json:"item_id"`
	ItemCode        string          `db:"item_code" json:"item_code"`
	ItemName        string          `db:"item_name" json:"item_name"`
	QuantityNeeded  decimal.Decimal `db:"quantity_needed" json:"quantity_needed"`
	SourceType      string          `db:"source_type" json:"source_type"`
	SourceID        *int64          `db:"source_id" json:"source_id"`
	SourceReference string          `db:"source_reference" json:"source_reference"`
	Priority        string          `db:"priority" json:"priority"`
	Status          string          `db:"status" json:"status"`
	ConvertedPOID   *int64          `db:"converted_po_id" json:"converted_po_id"`
	Notes           string          `db:"notes" json:"notes"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

type PurchaseOrder struct {
	PurchaseOrderID  int64     `db:"purchaseorder_id" json:"purchaseorder_id"`
	PONumber         string    `db:"po_number" json:"po_number"`
	SupplierID       *int64    `db:"supplier_id" json:"supplier_id"`
	OrderDate        string    `db:"order_date" json:"order_date"`
	ExpectedDelivery string    `db:"expected_delivery" json:"expected_delivery"`
	Status           string    `db:"status" json:"status"`
	Notes            string    `db:"notes" json:"notes"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type PurchaseOrderDetail struct {
	PODID            int64           `db:"pod_id" json:"pod_id"`
	PurchaseOrderID  int64           `db:"purchaseorder_id" json:"purchaseorder_id"`
	ItemID           int64           `db:"item_id" json:"item_id"`
	ItemCode         string          `db:"item_code" json:"item_code"`
	ItemName         string          `db:"item_name" json:"item_name"`
	Quantity         decimal.Decimal `db:"quantity" json:"quantity"`
	ReceivedQuantity decimal.Decimal `db:"received_quantity" json:"received_quantity"`
	UnitCost         decimal.Decimal `db:"unit_cost" json:"unit_cost"`
}

type KitItem struct {
	KitItemID         int64           `db:"kit_item_id" json:"kit_item_id"`
	KitNumber         string          `db:"kit_number" json:"kit_number"`
	Name              string          `db:"name" json:"name"`
	OutputItemID      int64           `db:"output_item_id" json:"output_item_id"`
	OutputItemCode    string          `db:"output_item_code" json:"output_item_code"`
	QuantityToBuild   decimal.Decimal `db:"quantity_to_build" json:"quantity_to_build"`
	CompletedQuantity decimal.Decimal `db:"completed_quantity" json:"completed_quantity"`
	Status            string          `db:"status" json:"status"`
	Notes             string          `db:"notes" json:"notes"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

type KitItemComponent struct {
	ComponentID      int64           `db:"component_id" json:"component_id"`
	KitItemID        int64           `db:"kit_item_id" json:"kit_item_id"`
	ItemID           int64           `db:"item_id" json:"item_id"`
	ItemCode         string          `db:"item_code" json:"item_code"`
	ItemName         string          `db:"item_name" json:"item_name"`
	QuantityPerKit   decimal.Decimal `db:"quantity_per_kit" json:"quantity_per_kit"`
	InventoryID      *int64          `db:"inventory_id" json:"inventory_id"`
	QuantityReserved decimal.Decimal `db:"quantity_reserved" json:"quantity_reserved"`
	QuantityConsumed decimal.Decimal `db:"quantity_consumed" json:"quantity_consumed"`
	Notes            string          `db:"notes" json:"notes"`
}

type SalesOrder struct {
	SaleID      int64     `db:"sale_id" json:"sale_id"`
	SONumber    string    `db:"so_number" json:"so_number"`
	Customer    string    `db:"customer" json:"customer"`
	CustomerID  *int64    `db:"customer_id" json:"customer_id"`
	QuotationID *int64    `db:"quotation_id" json:"quotation_id"`
	OrderDate   string    `db:"order_date" json:"order_date"`
	Status      string    `db:"status" json:"status"`
	Notes       string    `db:"notes" json:"notes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type SalesOrderDetail struct {
	DetailID        int64           `db:"detail_id" json:"detail_id"`
	SaleID          int64           `db:"sale_id" json:"sale_id"`
	ItemID          int64           `db:"item_id" json:"item_id"`
	ItemCode        string          `db:"item_code" json:"item_code"`
	ItemName        string          `db:"item_name" json:"item_name"`
	Quantity        decimal.Decimal `db:"quantity" json:"quantity"`
	QuantityShipped decimal.Decimal `db:"quantity_shipped" json:"quantity_shipped"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
}

type Customer struct {
	CustomerID           int64     `db:"customer_id" json:"customer_id"`
	CompanyName          string    `db:"company_name" json:"company_name"`
	ContactName          string    `db:"contact_name" json:"contact_name"`
	Email                string    `db:"email" json:"email"`
	Phone                string    `db:"phone" json:"phone"`
	ShippingAddress      string    `db:"shipping_address" json:"shipping_address"`
	ShippingAddressCity  string    `db:"shipping_address_city" json:"shipping_address_city"`
	ShippingAddressState string    `db:"shipping_address_state" json:"shipping_address_state"`
	ShippingAddressZip   string    `db:"shipping_address_zip" json:"shipping_address_zip"`
	Notes                string    `db:"notes" json:"notes"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

type Supplier struct {
	SupplierID   int64     `db:"supplier_id" json:"supplier_id"`
	CompanyName  string    `db:"company_name" json:"company_name"`
	ContactName  string    `db:"contact_name" json:"contact_name"`
	Email        string    `db:"email" json:"email"`
	Phone        string    `db:"phone" json:"phone"`
	Address      string    `db:"address" json:"address"`
	LeadTimeDays int       `db:"lead_time_days" json:"lead_time_days"`
	Notes        string    `db:"notes" json:"notes"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Quotation is a priced offer to a customer. TotalAmount is the sum of its
// lines' quantity * unit_price, kept current on every line change.
type Quotation struct {
	QuotationID     int64           `db:"quotation_id" json:"quotation_id"`
	QuotationNumber string          `db:"quotation_number" json:"quotation_number"`
	CustomerID      int64           `db:"customer_id" json:"customer_id"`
	CompanyName     string          `db:"company_name" json:"company_name"`
	QuotationDate   string          `db:"quotation_date" json:"quotation_date"`
	ValidUntil      string          `db:"valid_until" json:"valid_until"`
	Status          string          `db:"status" json:"status"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	ShippingAddress string          `db:"shipping_address" json:"shipping_address"`
	Notes           string          `db:"notes" json:"notes"`
	ConvertedSaleID *int64          `db:"converted_sale_id" json:"converted_sale_id"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

type QuotationDetail struct {
	DetailID    int64           `db:"detail_id" json:"detail_id"`
	QuotationID int64           `db:"quotation_id" json:"quotation_id"`
	ItemID      int64           `db:"item_id" json:"item_id"`
	ItemCode    string          `db:"item_code" json:"item_code"`
	ItemName    string          `db:"item_name" json:"item_name"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal    decimal.Decimal `db:"-" json:"subtotal"`
	Notes       string          `db:"notes" json:"notes"`
}

type AuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Action    string    `db:"action" json:"action"`
	Module    string    `db:"module" json:"module"`
	RecordID  string    `db:"record_id" json:"record_id"`
	Summary   string    `db:"summary" json:"summary"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

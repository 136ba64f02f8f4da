package validation

// Common enum values - these MUST match DB CHECK constraints in the database package.
var (
	ValidWOStatuses        = []string{"draft", "blocked", "ready", "in_progress", "completed", "cancelled"}
	ValidPriorities        = []string{"low", "normal", "high", "urgent"}
	ValidPRStatuses        = []string{"pending", "approved", "converted_to_po", "cancelled"}
	ValidPRSourceTypes     = []string{"manual", "kit_reserve", "sales_order", "work_order"}
	ValidPOStatuses        = []string{"ordered", "partial", "received", "cancelled"}
	ValidKitStatuses       = []string{"draft", "partial", "reserved", "completed", "cancelled"}
	ValidSalesStatuses     = []string{"open", "partial", "shipped", "cancelled"}
	ValidQuotationStatuses = []string{"draft", "sent", "accepted", "rejected", "expired", "converted"}
	ValidInventoryTypes    = []string{"receive", "reserve", "release", "consume"}
	ValidLotSourceTypes    = []string{"manual", "purchase_order", "work_order", "kit_item", "seed"}
	ValidReservationOwners = []string{"work_order", "kit_item", "sales_order"}
)

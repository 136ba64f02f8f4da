// Package dashboard aggregates the headline counts, monthly trends and
// recent activity shown on the landing page.
package dashboard

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/audit"
	"workcell/internal/database"
)

// Months is how many calendar months the trend charts cover, current
// month included.
const Months = 6

const (
	recentOrders   = 5
	recentActivity = 10
)

type Cards struct {
	TotalActiveItems        int             `json:"totalActiveItems"`
	TotalInventoryQty       decimal.Decimal `json:"totalInventoryQty"`
	OpenSalesOrders         int             `json:"openSalesOrders"`
	OpenPurchaseOrders      int             `json:"openPurchaseOrders"`
	ActiveWorkOrders        int             `json:"activeWorkOrders"`
	PendingPurchaseRequests int             `json:"pendingPurchaseRequests"`
}

type Dataset struct {
	Label string            `json:"label"`
	Data  []decimal.Decimal `json:"data"`
}

// Chart is one month-bucketed series, oldest month first.
type Chart struct {
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

type Charts struct {
	MonthlySales          Chart `json:"monthlySales"`
	MonthlyPurchaseOrders Chart `json:"monthlyPurchaseOrders"`
	InventoryTransactions Chart `json:"inventoryTransactions"`
}

type RecentOrder struct {
	SaleID      int64           `db:"sale_id" json:"sale_id"`
	SONumber    string          `db:"so_number" json:"so_number"`
	CompanyName string          `db:"company_name" json:"company_name"`
	OrderDate   string          `db:"order_date" json:"order_date"`
	Status      string          `db:"status" json:"status"`
	TotalAmount decimal.Decimal `db:"-" json:"total_amount"`
	ItemCount   int             `db:"-" json:"item_count"`
}

type Activity struct {
	Description string    `json:"description"`
	Module      string    `json:"module"`
	Username    string    `json:"username"`
	Timestamp   time.Time `json:"timestamp"`
}

type Stats struct {
	Cards             Cards         `json:"cards"`
	Charts            Charts        `json:"charts"`
	RecentSalesOrders []RecentOrder `json:"recentSalesOrders"`
	RecentActivity    []Activity    `json:"recentActivity"`
}

// months returns the first instant of each trend month ending at now's
// month, oldest first.
func months(now time.Time) []time.Time {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]time.Time, Months)
	for i := range out {
		out[i] = first.AddDate(0, i-(Months-1), 0)
	}
	return out
}

// series accumulates values into month buckets. Anything at or after the
// last month's start lands in the last bucket.
type series struct {
	start  []time.Time
	values []decimal.Decimal
}

func newSeries(start []time.Time) *series {
	values := make([]decimal.Decimal, len(start))
	for i := range values {
		values[i] = decimal.Zero
	}
	return &series{start: start, values: values}
}

func (s *series) add(at time.Time, v decimal.Decimal) {
	at = at.UTC()
	for i := len(s.start) - 1; i >= 0; i-- {
		if !at.Before(s.start[i]) {
			s.values[i] = s.values[i].Add(v)
			return
		}
	}
}

func (s *series) chart(label string) Chart {
	labels := make([]string, len(s.start))
	for i, m := range s.start {
		labels[i] = m.Format("Jan 2006")
	}
	return Chart{Labels: labels, Datasets: []Dataset{{Label: label, Data: s.values}}}
}

type line struct {
	SaleID    int64           `db:"sale_id"`
	CreatedAt time.Time       `db:"created_at"`
	Quantity  decimal.Decimal `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

// Load computes the dashboard as of now. Amounts are summed as decimals in
// Go because quantities are stored as text.
func Load(ctx context.Context, q database.Querier, now time.Time) (*Stats, error) {
	st := &Stats{}
	if err := cards(ctx, q, &st.Cards); err != nil {
		return nil, err
	}

	start := months(now)
	since := start[0]

	sales := newSeries(start)
	var lines []line
	if err := database.Select(ctx, q, &lines, `SELECT d.sale_id, s.created_at, d.quantity, d.unit_price
		FROM sales_order_details d JOIN sales_orders s ON s.sale_id = d.sale_id
		WHERE s.status <> 'cancelled' AND s.created_at >= ?`, since); err != nil {
		return nil, err
	}
	for _, l := range lines {
		sales.add(l.CreatedAt, l.Quantity.Mul(l.UnitPrice))
	}
	st.Charts.MonthlySales = sales.chart("Sales")

	pos := newSeries(start)
	var poTimes []time.Time
	if err := database.Select(ctx, q, &poTimes, `SELECT created_at FROM purchase_orders WHERE created_at >= ?`, since); err != nil {
		return nil, err
	}
	for _, at := range poTimes {
		pos.add(at, decimal.NewFromInt(1))
	}
	st.Charts.MonthlyPurchaseOrders = pos.chart("Purchase Orders")

	txs := newSeries(start)
	var txTimes []time.Time
	if err := database.Select(ctx, q, &txTimes, `SELECT created_at FROM inventory_transactions WHERE created_at >= ?`, since); err != nil {
		return nil, err
	}
	for _, at := range txTimes {
		txs.add(at, decimal.NewFromInt(1))
	}
	st.Charts.InventoryTransactions = txs.chart("Transactions")

	orders, err := recentSales(ctx, q)
	if err != nil {
		return nil, err
	}
	st.RecentSalesOrders = orders

	entries, err := audit.List(ctx, q, "", recentActivity)
	if err != nil {
		return nil, err
	}
	st.RecentActivity = make([]Activity, 0, len(entries))
	for _, e := range entries {
		st.RecentActivity = append(st.RecentActivity, Activity{
			Description: e.Summary,
			Module:      e.Module,
			Username:    e.Username,
			Timestamp:   e.CreatedAt,
		})
	}
	return st, nil
}

func cards(ctx context.Context, q database.Querier, c *Cards) error {
	counts := []struct {
		dest  *int
		query string
	}{
		{&c.TotalActiveItems, `SELECT COUNT(*) FROM items`},
		{&c.OpenSalesOrders, `SELECT COUNT(*) FROM sales_orders WHERE status IN ('open','partial')`},
		{&c.OpenPurchaseOrders, `SELECT COUNT(*) FROM purchase_orders WHERE status IN ('ordered','partial')`},
		{&c.ActiveWorkOrders, `SELECT COUNT(*) FROM work_orders WHERE status NOT IN ('completed','cancelled')`},
		{&c.PendingPurchaseRequests, `SELECT COUNT(*) FROM purchase_requests WHERE status = 'pending'`},
	}
	for _, n := range counts {
		if err := database.Get(ctx, q, n.dest, n.query); err != nil {
			return err
		}
	}
	var onHand []decimal.Decimal
	if err := database.Select(ctx, q, &onHand, `SELECT quantity_on_hand FROM inventory_lots`); err != nil {
		return err
	}
	c.TotalInventoryQty = decimal.Zero
	for _, v := range onHand {
		c.TotalInventoryQty = c.TotalInventoryQty.Add(v)
	}
	return nil
}

func recentSales(ctx context.Context, q database.Querier) ([]RecentOrder, error) {
	orders := []RecentOrder{}
	if err := database.Select(ctx, q, &orders, `SELECT s.sale_id, s.so_number, COALESCE(c.company_name, s.customer) AS company_name,
		s.order_date, s.status FROM sales_orders s LEFT JOIN customers c ON c.customer_id = s.customer_id
		ORDER BY s.created_at DESC, s.sale_id DESC LIMIT ?`, recentOrders); err != nil {
		return nil, err
	}
	for i := range orders {
		var lines []line
		if err := database.Select(ctx, q, &lines, `SELECT sale_id, quantity, unit_price FROM sales_order_details
			WHERE sale_id = ?`, orders[i].SaleID); err != nil {
			return nil, err
		}
		orders[i].TotalAmount = decimal.Zero
		for _, l := range lines {
			orders[i].TotalAmount = orders[i].TotalAmount.Add(l.Quantity.Mul(l.UnitPrice))
		}
		orders[i].ItemCount = len(lines)
	}
	return orders, nil
}

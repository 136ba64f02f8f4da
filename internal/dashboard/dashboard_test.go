package dashboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/audit"
	"workcell/internal/dashboard"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/procurement"
	"workcell/internal/qty"
	"workcell/internal/sales"
	"workcell/internal/testutil"
)

func TestEmptyDashboard(t *testing.T) {
	db := testutil.SetupTestDB(t)
	st, err := dashboard.Load(context.Background(), db, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Zero(t, st.Cards.TotalActiveItems)
	assert.True(t, st.Cards.TotalInventoryQty.IsZero())
	assert.Equal(t, []string{"Oct 2025", "Nov 2025", "Dec 2025", "Jan 2026", "Feb 2026", "Mar 2026"}, st.Charts.MonthlySales.Labels)
	require.Len(t, st.Charts.MonthlySales.Datasets, 1)
	assert.Len(t, st.Charts.MonthlySales.Datasets[0].Data, dashboard.Months)
	assert.Empty(t, st.RecentSalesOrders)
	assert.Empty(t, st.RecentActivity)
}

func TestDashboardCountsAndTrends(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	lamp := testutil.CreateItem(t, db, "LAMP")
	shade := testutil.CreateItem(t, db, "SHADE")
	testutil.ReceiveLot(t, db, lamp, "2.5", 0)
	testutil.ReceiveLot(t, db, shade, "4", 0)

	c, err := partners.CreateCustomer(ctx, db, models.Customer{CompanyName: "Initech"})
	require.NoError(t, err)
	svc := sales.New(db)
	_, err = svc.Create(ctx, sales.Input{
		Header: sales.Header{Customer: "Walk-in"},
		Details: []sales.DetailInput{
			{ItemID: lamp, Quantity: qty.MustParse("2"), UnitPrice: qty.MustParse("10")},
		},
	})
	require.NoError(t, err)
	latest, err := svc.Create(ctx, sales.Input{
		Header: sales.Header{CustomerID: &c.CustomerID},
		Details: []sales.DetailInput{
			{ItemID: lamp, Quantity: qty.MustParse("1"), UnitPrice: qty.MustParse("10")},
			{ItemID: shade, Quantity: qty.MustParse("3"), UnitPrice: qty.MustParse("0.5")},
		},
	})
	require.NoError(t, err)

	_, err = procurement.CreateRequest(ctx, db, procurement.RequestInput{ItemID: shade, QuantityNeeded: qty.MustParse("5")})
	require.NoError(t, err)
	_, err = procurement.CreateOrder(ctx, db, procurement.POInput{
		Details: []procurement.POLineInput{{ItemID: shade, Quantity: qty.MustParse("1")}},
	})
	require.NoError(t, err)
	require.NoError(t, audit.Write(ctx, db, audit.Entry{Username: "ann", Action: audit.ActionCreate, Module: "sales_order", RecordID: latest.Header.SaleID, Summary: "Created order"}))

	st, err := dashboard.Load(ctx, db, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, st.Cards.TotalActiveItems)
	assert.True(t, qty.MustParse("6.5").Equal(st.Cards.TotalInventoryQty), "got %s", st.Cards.TotalInventoryQty)
	assert.Equal(t, 2, st.Cards.OpenSalesOrders)
	assert.Equal(t, 1, st.Cards.OpenPurchaseOrders)
	assert.Equal(t, 0, st.Cards.ActiveWorkOrders)
	assert.Equal(t, 1, st.Cards.PendingPurchaseRequests)

	thisMonth := dashboard.Months - 1
	assert.True(t, qty.MustParse("31.5").Equal(st.Charts.MonthlySales.Datasets[0].Data[thisMonth]))
	assert.True(t, qty.MustParse("1").Equal(st.Charts.MonthlyPurchaseOrders.Datasets[0].Data[thisMonth]))
	assert.True(t, qty.MustParse("2").Equal(st.Charts.InventoryTransactions.Datasets[0].Data[thisMonth]))

	require.Len(t, st.RecentSalesOrders, 2)
	top := st.RecentSalesOrders[0]
	assert.Equal(t, latest.Header.SaleID, top.SaleID)
	assert.Equal(t, "Initech", top.CompanyName)
	assert.Equal(t, 2, top.ItemCount)
	assert.True(t, qty.MustParse("11.5").Equal(top.TotalAmount))

	require.Len(t, st.RecentActivity, 1)
	assert.Equal(t, "Created order", st.RecentActivity[0].Description)
}

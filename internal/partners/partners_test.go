package partners_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/apperr"
	"workcell/internal/models"
	"workcell/internal/partners"
	"workcell/internal/qty"
	"workcell/internal/sales"
	"workcell/internal/testutil"
	"workcell/internal/validation"
)

func TestCustomerLifecycle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	c, err := partners.CreateCustomer(ctx, db, models.Customer{CompanyName: "  Initech ", Email: "buyer@initech.test"})
	require.NoError(t, err)
	assert.Equal(t, "Initech", c.CompanyName)

	c, err = partners.UpdateCustomer(ctx, db, c.CustomerID, models.Customer{CompanyName: "Initech Ltd", ShippingAddressCity: "Austin"})
	require.NoError(t, err)
	assert.Equal(t, "Initech Ltd", c.CompanyName)
	assert.Equal(t, "Austin", c.ShippingAddressCity)
	assert.Empty(t, c.Email)

	_, err = partners.UpdateCustomer(ctx, db, 999, models.Customer{CompanyName: "Nobody"})
	assert.ErrorIs(t, err, partners.ErrCustomerNotFound)

	lamp := testutil.CreateItem(t, db, "LAMP")
	_, err = sales.New(db).Create(ctx, sales.Input{
		Header:  sales.Header{CustomerID: &c.CustomerID},
		Details: []sales.DetailInput{{ItemID: lamp, Quantity: qty.MustParse("1")}},
	})
	require.NoError(t, err)

	err = partners.DeleteCustomer(ctx, db, c.CustomerID)
	assert.ErrorIs(t, err, partners.ErrInUse)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	list, err := partners.ListCustomers(ctx, db)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSupplierValidation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	var ve *validation.ValidationErrors

	_, err := partners.CreateSupplier(ctx, db, models.Supplier{CompanyName: " ", Email: "not-an-email", LeadTimeDays: 400})
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, e := range ve.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["company_name"])
	assert.True(t, fields["email"])
	assert.True(t, fields["lead_time_days"])

	s, err := partners.CreateSupplier(ctx, db, models.Supplier{CompanyName: "Acme", LeadTimeDays: 14})
	require.NoError(t, err)
	assert.Equal(t, 14, s.LeadTimeDays)

	require.NoError(t, partners.DeleteSupplier(ctx, db, s.SupplierID))
	_, err = partners.GetSupplier(ctx, db, s.SupplierID)
	assert.ErrorIs(t, err, partners.ErrSupplierNotFound)
}

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/catalog"
	"workcell/internal/qty"
	"workcell/internal/testutil"
	"workcell/internal/validation"
)

func TestCreateAndLookup(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	it, err := catalog.Create(ctx, db, catalog.ItemInput{ItemCode: " PCB-1 ", Name: "Main board", UnitCost: qty.MustParse("4.25")})
	require.NoError(t, err)
	assert.Equal(t, "PCB-1", it.ItemCode)

	byCode, err := catalog.GetByCode(ctx, db, "PCB-1")
	require.NoError(t, err)
	assert.Equal(t, it.ItemID, byCode.ItemID)

	ok, err := catalog.Exists(ctx, db, it.ItemID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = catalog.Create(ctx, db, catalog.ItemInput{ItemCode: "PCB-1", Name: "again"})
	var ve *validation.ValidationErrors
	require.ErrorAs(t, err, &ve)

	_, err = catalog.Create(ctx, db, catalog.ItemInput{ItemCode: "NEG", Name: "neg", SalesPrice: qty.New(-1)})
	require.ErrorAs(t, err, &ve)

	_, err = catalog.Get(ctx, db, 999)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	items, err := catalog.List(ctx, db)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

package bom_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"workcell/internal/apperr"
	"workcell/internal/bom"
	"workcell/internal/database"
	"workcell/internal/qty"
	"workcell/internal/testutil"
	"workcell/internal/validation"
)

func d(s string) decimal.Decimal { return qty.MustParse(s) }

func TestResolveNestedQuantities(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	fg := testutil.CreateItem(t, db, "FG-LAMP")
	sub := testutil.CreateItem(t, db, "SUB-BASE")
	screw := testutil.CreateItem(t, db, "SCREW-M3")
	plate := testutil.CreateItem(t, db, "PLATE")

	subBOM := testutil.CreateBOM(t, db, "BOM-BASE", sub,
		testutil.Component{ItemID: screw, PerUnit: "4"},
		testutil.Component{ItemID: plate, PerUnit: "0.3333"},
	)
	top := testutil.CreateBOM(t, db, "BOM-LAMP", fg,
		testutil.Component{ItemID: sub, PerUnit: "2", SubassemblyBOM: subBOM},
		testutil.Component{ItemID: screw, PerUnit: "1.5"},
	)

	rl, err := bom.Resolve(ctx, db, top, d("3"))
	require.NoError(t, err)
	require.Len(t, rl.Requirements, 2)

	subReq := rl.Requirements[0]
	assert.True(t, subReq.IsSubassembly)
	assert.True(t, d("6").Equal(subReq.Quantity))
	require.Len(t, subReq.Children, 2)
	assert.True(t, d("24").Equal(subReq.Children[0].Quantity))
	assert.True(t, d("1.9998").Equal(subReq.Children[1].Quantity))
	assert.True(t, d("4.5").Equal(rl.Requirements[1].Quantity))

	flat := rl.Flatten()
	require.Len(t, flat, 2)
	assert.Equal(t, "PLATE", flat[0].ItemCode)
	assert.Equal(t, "SCREW-M3", flat[1].ItemCode)
	assert.True(t, d("28.5").Equal(flat[1].Quantity), "got %s", flat[1].Quantity)
}

func TestResolveRoundsRequirementUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fg := testutil.CreateItem(t, db, "FG")
	wire := testutil.CreateItem(t, db, "WIRE")
	b := testutil.CreateBOM(t, db, "BOM-FG", fg, testutil.Component{ItemID: wire, PerUnit: "0.0001"})

	rl, err := bom.Resolve(context.Background(), db, b, d("0.5"))
	require.NoError(t, err)
	assert.True(t, d("0.0001").Equal(rl.Requirements[0].Quantity), "got %s", rl.Requirements[0].Quantity)
}

func TestCheckAcyclicDetectsCycles(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	a := testutil.CreateItem(t, db, "A")
	b := testutil.CreateItem(t, db, "B")
	c := testutil.CreateItem(t, db, "C")

	t.Run("self reference by item", func(t *testing.T) {
		id := testutil.CreateBOM(t, db, "BOM-SELF", a, testutil.Component{ItemID: a, PerUnit: "1"})
		err := bom.CheckAcyclic(ctx, db, id)
		assert.ErrorIs(t, err, bom.ErrCyclicBOM)
		assert.ErrorIs(t, err, apperr.ErrInvalid)
	})

	t.Run("transitive", func(t *testing.T) {
		bomB := testutil.CreateBOM(t, db, "BOM-B", b)
		bomC := testutil.CreateBOM(t, db, "BOM-C", c, testutil.Component{ItemID: b, PerUnit: "1", SubassemblyBOM: bomB})
		testutil.AddBOMComponent(t, db, bomB, 1, testutil.Component{ItemID: c, PerUnit: "1", SubassemblyBOM: bomC})

		err := bom.CheckAcyclic(ctx, db, bomC)
		require.ErrorIs(t, err, bom.ErrCyclicBOM)
		assert.Contains(t, err.Error(), "BOM-C -> BOM-B")

		_, err = bom.Resolve(ctx, db, bomB, d("1"))
		assert.ErrorIs(t, err, bom.ErrCyclicBOM)
	})
}

func TestCreateValidatesAndRejectsCycles(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	fg := testutil.CreateItem(t, db, "FG-1")
	part := testutil.CreateItem(t, db, "PART-1")

	created, err := bom.Create(ctx, db, bom.Input{
		Header: bom.Header{BOMNumber: "BOM-FG-1", Name: "Widget", OutputItemID: fg},
		Components: []bom.ComponentInput{
			{ItemID: part, QuantityPerUnit: d("2")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "FG-1", created.Header.OutputItemCode)
	assert.True(t, created.Header.IsActive)
	assert.True(t, qty.New(1).Equal(created.Header.OutputQuantity))
	require.Len(t, created.Components, 1)
	assert.Equal(t, 1, created.Components[0].SequenceOrder)

	_, err = bom.Create(ctx, db, bom.Input{
		Header: bom.Header{BOMNumber: "BOM-FG-1", Name: "Dup", OutputItemID: fg},
	})
	var ve *validation.ValidationErrors
	require.ErrorAs(t, err, &ve)

	_, err = bom.Create(ctx, db, bom.Input{
		Header:     bom.Header{BOMNumber: "BOM-LOOP", Name: "Loop", OutputItemID: part},
		Components: []bom.ComponentInput{{ItemID: part, QuantityPerUnit: d("1")}},
	})
	assert.ErrorIs(t, err, bom.ErrCyclicBOM)

	other := testutil.CreateItem(t, db, "OTHER")
	_, err = bom.Create(ctx, db, bom.Input{
		Header: bom.Header{BOMNumber: "BOM-WRONG-SUB", Name: "Wrong", OutputItemID: other},
		Components: []bom.ComponentInput{
			{ItemID: part, QuantityPerUnit: d("1"), IsSubassembly: true, SubassemblyBOMID: &created.Header.BOMID},
		},
	})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "subassembly_bom_id")
}

func TestComponentEditsRefusedOnceInUse(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	fg := testutil.CreateItem(t, db, "FG-2")
	part := testutil.CreateItem(t, db, "PART-2")
	bomID := testutil.CreateBOM(t, db, "BOM-FG-2", fg, testutil.Component{ItemID: part, PerUnit: "1"})

	added, err := bom.AddComponent(ctx, db, bomID, bom.ComponentInput{ItemID: part, QuantityPerUnit: d("0.5")})
	require.NoError(t, err)
	assert.Equal(t, 2, added.SequenceOrder)

	_, err = database.Exec(ctx, db, `INSERT INTO work_orders (wo_number, bom_id, output_item_id, quantity_ordered, created_at, updated_at)
		VALUES ('WO-X', ?, ?, '1', ?, ?)`, bomID, fg, testutil.Base, testutil.Base)
	require.NoError(t, err)

	_, err = bom.AddComponent(ctx, db, bomID, bom.ComponentInput{ItemID: part, QuantityPerUnit: d("1")})
	assert.ErrorIs(t, err, bom.ErrBOMInUse)
	err = bom.DeleteComponent(ctx, db, added.BOMComponentID)
	assert.ErrorIs(t, err, bom.ErrBOMInUse)
	err = bom.Delete(ctx, db, bomID)
	assert.ErrorIs(t, err, bom.ErrBOMInUse)
	assert.ErrorIs(t, err, apperr.ErrState)
}

func TestDeleteUnusedBOM(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	fg := testutil.CreateItem(t, db, "FG-3")
	part := testutil.CreateItem(t, db, "PART-3")
	bomID := testutil.CreateBOM(t, db, "BOM-FG-3", fg, testutil.Component{ItemID: part, PerUnit: "1"})

	h, err := bom.LoadHeader(ctx, db, bomID)
	require.NoError(t, err)
	assert.Equal(t, "BOM-FG-3", h.BOMNumber)
	assert.Equal(t, fg, h.OutputItemID)

	require.NoError(t, bom.Delete(ctx, db, bomID))
	_, err = bom.LoadHeader(ctx, db, bomID)
	assert.ErrorIs(t, err, bom.ErrNotFound)
	_, err = bom.Get(ctx, db, bomID)
	assert.ErrorIs(t, err, bom.ErrNotFound)

	boms, err := bom.List(ctx, db, false)
	require.NoError(t, err)
	assert.Empty(t, boms)
}

// A chain of BOMs is acyclic until its last BOM points back at any earlier one.
func TestCycleDetectionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := database.Open(database.DriverSQLite, ":memory:", 1)
		if err != nil {
			rt.Fatalf("open: %v", err)
		}
		defer db.Close()
		ctx := context.Background()

		n := rapid.IntRange(1, 6).Draw(rt, "chain")
		items := make([]int64, n)
		boms := make([]int64, n)
		for i := 0; i < n; i++ {
			items[i], err = database.Insert(ctx, db, `INSERT INTO items (item_code, name, created_at) VALUES (?, ?, ?) RETURNING item_id`,
				fmt.Sprintf("I%d", i), "item", testutil.Base)
			if err != nil {
				rt.Fatalf("item: %v", err)
			}
			boms[i], err = database.Insert(ctx, db, `INSERT INTO boms (bom_number, name, output_item_id, output_quantity, created_at, updated_at)
				VALUES (?, 'b', ?, '1', ?, ?) RETURNING bom_id`, fmt.Sprintf("B%d", i), items[i], testutil.Base, testutil.Base)
			if err != nil {
				rt.Fatalf("bom: %v", err)
			}
		}
		link := func(from, to int) {
			_, err := database.Exec(ctx, db, `INSERT INTO bom_components (bom_id, item_id, quantity_per_unit, is_subassembly, subassembly_bom_id)
				VALUES (?, ?, '1', ?, ?)`, boms[from], items[to], true, boms[to])
			if err != nil {
				rt.Fatalf("link: %v", err)
			}
		}
		for i := 0; i+1 < n; i++ {
			link(i, i+1)
		}
		if err := bom.CheckAcyclic(ctx, db, boms[0]); err != nil {
			rt.Fatalf("chain reported cyclic: %v", err)
		}

		back := rapid.IntRange(0, n-1).Draw(rt, "back")
		link(n-1, back)
		if err := bom.CheckAcyclic(ctx, db, boms[0]); err == nil {
			rt.Fatalf("cycle %d -> %d not detected", n-1, back)
		}
	})
}

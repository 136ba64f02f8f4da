// Package seed loads items, BOMs and opening stock from an xlsx workbook.
//
// The workbook has up to four sheets, each with a header row:
//
//	Items          item_code, name, description, unit_cost, sales_price
//	BOMs           bom_number, name, output_item_code, output_quantity, version
//	BOMComponents  bom_number, item_code, quantity_per_unit, subassembly_bom_number
//	Inventory      item_code, quantity, location, batch_number
//
// Missing sheets are skipped. Columns are matched by header name.
package seed

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"workcell/internal/bom"
	"workcell/internal/catalog"
	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/qty"
)

const (
	SheetItems         = "Items"
	SheetBOMs          = "BOMs"
	SheetBOMComponents = "BOMComponents"
	SheetInventory     = "Inventory"
)

// Summary counts what a load created.
type Summary struct {
	Items   int  `json:"items"`
	BOMs    int  `json:"boms"`
	Lots    int  `json:"lots"`
	Skipped bool `json:"skipped"`
}

// LoadFile opens path and loads it.
func LoadFile(ctx context.Context, db *database.DB, path string) (*Summary, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open seed %s: %w", path, err)
	}
	defer f.Close()
	return load(ctx, db, f)
}

// Load reads a workbook from r and loads it.
func Load(ctx context.Context, db *database.DB, r io.Reader) (*Summary, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	defer f.Close()
	return load(ctx, db, f)
}

// load applies the whole workbook in one transaction. A database that
// already has items is left alone.
func load(ctx context.Context, db *database.DB, f *excelize.File) (*Summary, error) {
	sum := &Summary{}
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		*sum = Summary{}
		var n int
		if err := database.Get(ctx, tx, &n, `SELECT COUNT(*) FROM items`); err != nil {
			return err
		}
		if n > 0 {
			sum.Skipped = true
			return nil
		}
		items, err := rows(f, SheetItems)
		if err != nil {
			return err
		}
		for _, r := range items {
			in := catalog.ItemInput{
				ItemCode:    r.get("item_code"),
				Name:        r.get("name"),
				Description: r.get("description"),
			}
			if in.UnitCost, err = r.decimal("unit_cost"); err != nil {
				return err
			}
			if in.SalesPrice, err = r.decimal("sales_price"); err != nil {
				return err
			}
			if _, err := catalog.Create(ctx, tx, in); err != nil {
				return r.wrap(err)
			}
			sum.Items++
		}
		if sum.BOMs, err = loadBOMs(ctx, tx, f); err != nil {
			return err
		}
		sum.Lots, err = loadInventory(ctx, tx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if sum.Skipped {
		log.Printf("seed: database already has items, skipping workbook")
	} else {
		log.Printf("seed: loaded %d items, %d boms, %d lots", sum.Items, sum.BOMs, sum.Lots)
	}
	return sum, nil
}

type pendingBOM struct {
	row        row
	header     bom.Header
	components []row
}

// loadBOMs creates BOMs after every BOM they use as a subassembly. BOMs
// left over once no more can be created reference an unknown or cyclic
// subassembly.
func loadBOMs(ctx context.Context, q database.Querier, f *excelize.File) (int, error) {
	headers, err := rows(f, SheetBOMs)
	if err != nil {
		return 0, err
	}
	comps, err := rows(f, SheetBOMComponents)
	if err != nil {
		return 0, err
	}

	var pending []*pendingBOM
	byNumber := map[string]*pendingBOM{}
	for _, r := range headers {
		out, err := itemID(ctx, q, r, "output_item_code")
		if err != nil {
			return 0, err
		}
		h := bom.Header{
			BOMNumber:    r.get("bom_number"),
			Name:         r.get("name"),
			OutputItemID: out,
			Version:      r.get("version"),
		}
		if h.OutputQuantity, err = r.decimal("output_quantity"); err != nil {
			return 0, err
		}
		p := &pendingBOM{row: r, header: h}
		pending = append(pending, p)
		byNumber[h.BOMNumber] = p
	}
	for _, r := range comps {
		p, ok := byNumber[r.get("bom_number")]
		if !ok {
			return 0, r.wrap(fmt.Errorf("unknown bom %q", r.get("bom_number")))
		}
		p.components = append(p.components, r)
	}

	created := map[string]int64{}
	for len(pending) > 0 {
		var next []*pendingBOM
		for _, p := range pending {
			if !ready(p, created) {
				next = append(next, p)
				continue
			}
			in := bom.Input{Header: p.header}
			for _, r := range p.components {
				c, err := componentInput(ctx, q, r, created)
				if err != nil {
					return 0, err
				}
				in.Components = append(in.Components, c)
			}
			d, err := bom.Create(ctx, q, in)
			if err != nil {
				return 0, p.row.wrap(err)
			}
			created[p.header.BOMNumber] = d.Header.BOMID
		}
		if len(next) == len(pending) {
			names := make([]string, len(next))
			for i, p := range next {
				names[i] = p.header.BOMNumber
			}
			return 0, fmt.Errorf("%s: unresolved subassembly references in %s", SheetBOMs, strings.Join(names, ", "))
		}
		pending = next
	}
	return len(created), nil
}

func ready(p *pendingBOM, created map[string]int64) bool {
	for _, r := range p.components {
		if sub := r.get("subassembly_bom_number"); sub != "" {
			if _, ok := created[sub]; !ok {
				return false
			}
		}
	}
	return true
}

func componentInput(ctx context.Context, q database.Querier, r row, created map[string]int64) (bom.ComponentInput, error) {
	var c bom.ComponentInput
	id, err := itemID(ctx, q, r, "item_code")
	if err != nil {
		return c, err
	}
	c.ItemID = id
	if c.QuantityPerUnit, err = r.decimal("quantity_per_unit"); err != nil {
		return c, err
	}
	if sub := r.get("subassembly_bom_number"); sub != "" {
		subID := created[sub]
		c.IsSubassembly = true
		c.SubassemblyBOMID = &subID
	}
	return c, nil
}

func loadInventory(ctx context.Context, q database.Querier, f *excelize.File) (int, error) {
	lots, err := rows(f, SheetInventory)
	if err != nil {
		return 0, err
	}
	for _, r := range lots {
		id, err := itemID(ctx, q, r, "item_code")
		if err != nil {
			return 0, err
		}
		amount, err := r.decimal("quantity")
		if err != nil {
			return 0, err
		}
		_, err = ledger.Receive(ctx, q, ledger.ReceiveInput{
			ItemID:      id,
			Quantity:    amount,
			Location:    r.get("location"),
			BatchNumber: r.get("batch_number"),
			SourceType:  ledger.SourceSeed,
			Reference:   "seed",
		})
		if err != nil {
			return 0, r.wrap(err)
		}
	}
	return len(lots), nil
}

func itemID(ctx context.Context, q database.Querier, r row, col string) (int64, error) {
	code := r.get(col)
	it, err := catalog.GetByCode(ctx, q, code)
	if err != nil {
		return 0, r.wrap(fmt.Errorf("%s %q: %w", col, code, err))
	}
	return it.ItemID, nil
}

// row is one data row keyed by lowercased header.
type row struct {
	sheet  string
	number int
	cells  map[string]string
}

func (r row) get(col string) string { return strings.TrimSpace(r.cells[col]) }

func (r row) decimal(col string) (decimal.Decimal, error) {
	v := r.get(col)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := qty.Parse(v)
	if err != nil {
		return d, r.wrap(fmt.Errorf("%s: %w", col, err))
	}
	return d, nil
}

func (r row) wrap(err error) error {
	return fmt.Errorf("%s row %d: %w", r.sheet, r.number, err)
}

// rows reads a sheet's data rows. A missing sheet has none; blank rows are
// dropped.
func rows(f *excelize.File, sheet string) ([]row, error) {
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, nil
	}
	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	header := make([]string, len(all[0]))
	for i, h := range all[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	var out []row
	for i, cells := range all[1:] {
		r := row{sheet: sheet, number: i + 2, cells: map[string]string{}}
		blank := true
		for j, v := range cells {
			if j < len(header) && header[j] != "" {
				r.cells[header[j]] = v
				if strings.TrimSpace(v) != "" {
					blank = false
				}
			}
		}
		if !blank {
			out = append(out, r)
		}
	}
	return out, nil
}

package bom

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/qty"
)

var tracer = otel.Tracer("workcell/bom")

// Requirement is the material one BOM line needs for a build. Subassembly
// lines carry the resolved requirements of their own BOM in Children.
type Requirement struct {
	BOMComponentID   int64           `json:"bom_component_id"`
	ItemID           int64           `json:"item_id"`
	ItemCode         string          `json:"item_code"`
	ItemName         string          `json:"item_name"`
	QuantityPerUnit  decimal.Decimal `json:"quantity_per_unit"`
	Quantity         decimal.Decimal `json:"quantity"`
	IsSubassembly    bool            `json:"is_subassembly"`
	SubassemblyBOMID *int64          `json:"subassembly_bom_id,omitempty"`
	SequenceOrder    int             `json:"sequence_order"`
	Children         []Requirement   `json:"children,omitempty"`
}

// RequirementList is a resolved BOM.
type RequirementList struct {
	BOMID         int64           `json:"bom_id"`
	BOMNumber     string          `json:"bom_number"`
	OutputItemID  int64           `json:"output_item_id"`
	BuildQuantity decimal.Decimal `json:"build_quantity"`
	Requirements  []Requirement   `json:"requirements"`
}

// Flatten sums the leaf (non-subassembly) requirements of the whole tree
// per item, ordered by item code.
func (rl *RequirementList) Flatten() []Requirement {
	totals := make(map[int64]*Requirement)
	var walk func(rs []Requirement)
	walk = func(rs []Requirement) {
		for _, r := range rs {
			if r.IsSubassembly && r.SubassemblyBOMID != nil {
				walk(r.Children)
				continue
			}
			if t, ok := totals[r.ItemID]; ok {
				t.Quantity = t.Quantity.Add(r.Quantity)
				continue
			}
			totals[r.ItemID] = &Requirement{ItemID: r.ItemID, ItemCode: r.ItemCode, ItemName: r.ItemName, Quantity: r.Quantity}
		}
	}
	walk(rl.Requirements)

	out := make([]Requirement, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemCode < out[j].ItemCode })
	return out
}

// graph loads BOM headers and components once per resolution.
type graph struct {
	ctx   context.Context
	q     database.Querier
	boms  map[int64]*models.BOM
	comps map[int64][]models.BOMComponent
}

func newGraph(ctx context.Context, q database.Querier) *graph {
	return &graph{ctx: ctx, q: q, boms: map[int64]*models.BOM{}, comps: map[int64][]models.BOMComponent{}}
}

func (g *graph) load(bomID int64) (*models.BOM, []models.BOMComponent, error) {
	if b, ok := g.boms[bomID]; ok {
		return b, g.comps[bomID], nil
	}
	b, err := LoadHeader(g.ctx, g.q, bomID)
	if err != nil {
		return nil, nil, err
	}
	cs, err := Components(g.ctx, g.q, bomID)
	if err != nil {
		return nil, nil, err
	}
	g.boms[bomID] = b
	g.comps[bomID] = cs
	return b, cs, nil
}

// frame is one BOM on the current expansion path.
type frame struct {
	bomID      int64
	bomNumber  string
	outputItem int64
}

type path []frame

func (p path) contains(bomID int64) bool {
	for _, f := range p {
		if f.bomID == bomID {
			return true
		}
	}
	return false
}

func (p path) producing(itemID int64) bool {
	for _, f := range p {
		if f.outputItem == itemID {
			return true
		}
	}
	return false
}

func (p path) String() string {
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.bomNumber
	}
	return strings.Join(names, " -> ")
}

// walk expands bomID for units of output. It fails with ErrCyclicBOM when a
// BOM is reachable from itself or a line consumes an item an enclosing BOM
// produces.
func (g *graph) walk(bomID int64, units decimal.Decimal, p path) ([]Requirement, error) {
	b, comps, err := g.load(bomID)
	if err != nil {
		return nil, err
	}
	if p.contains(bomID) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCyclicBOM, p, b.BOMNumber)
	}
	p = append(p, frame{bomID: bomID, bomNumber: b.BOMNumber, outputItem: b.OutputItemID})

	out := make([]Requirement, 0, len(comps))
	for _, c := range comps {
		if p.producing(c.ItemID) {
			return nil, fmt.Errorf("%w: %s consumes %s, which it produces", ErrCyclicBOM, p, c.ItemCode)
		}
		r := Requirement{
			BOMComponentID:   c.BOMComponentID,
			ItemID:           c.ItemID,
			ItemCode:         c.ItemCode,
			ItemName:         c.ItemName,
			QuantityPerUnit:  c.QuantityPerUnit,
			Quantity:         qty.Requirement(c.QuantityPerUnit, units),
			IsSubassembly:    c.IsSubassembly,
			SubassemblyBOMID: c.SubassemblyBOMID,
			SequenceOrder:    c.SequenceOrder,
		}
		if c.IsSubassembly && c.SubassemblyBOMID != nil {
			children, err := g.walk(*c.SubassemblyBOMID, r.Quantity, p)
			if err != nil {
				return nil, err
			}
			r.Children = children
		}
		out = append(out, r)
	}
	return out, nil
}

// Resolve expands a BOM for buildQuantity units of its output item. Each
// line's quantity is quantity_per_unit * buildQuantity rounded up to
// qty.Places; subassembly lines are resolved recursively for their own
// quantity.
func Resolve(ctx context.Context, q database.Querier, bomID int64, buildQuantity decimal.Decimal) (*RequirementList, error) {
	ctx, span := tracer.Start(ctx, "bom.resolve", trace.WithAttributes(
		attribute.Int64("bom.id", bomID),
		attribute.String("bom.build_quantity", buildQuantity.String()),
	))
	defer span.End()

	g := newGraph(ctx, q)
	b, _, err := g.load(bomID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	reqs, err := g.walk(bomID, buildQuantity, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &RequirementList{
		BOMID:         b.BOMID,
		BOMNumber:     b.BOMNumber,
		OutputItemID:  b.OutputItemID,
		BuildQuantity: buildQuantity,
		Requirements:  reqs,
	}, nil
}

// CheckAcyclic fails with ErrCyclicBOM when the BOM's graph contains a cycle.
func CheckAcyclic(ctx context.Context, q database.Querier, bomID int64) error {
	_, err := newGraph(ctx, q).walk(bomID, qty.New(1), nil)
	return err
}

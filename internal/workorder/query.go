package workorder

import (
	"context"

	"workcell/internal/database"
	"workcell/internal/ledger"
	"workcell/internal/models"
)

// Detail is a work order with its lines and direct children.
type Detail struct {
	Header     models.WorkOrder            `json:"header"`
	Components []models.WorkOrderComponent `json:"components"`
	Children   []models.WorkOrder          `json:"children"`
}

func listWhere(ctx context.Context, q database.Querier, where string, args ...any) ([]models.WorkOrder, error) {
	wos := []models.WorkOrder{}
	if err := database.Select(ctx, q, &wos, `SELECT `+headerColumns+headerFrom+where, args...); err != nil {
		return nil, err
	}
	for i := range wos {
		wos[i].ProgressPercent = progress(&wos[i])
	}
	return wos, nil
}

// List returns work orders, newest first, optionally with one status.
func (s *Service) List(ctx context.Context, status string) ([]models.WorkOrder, error) {
	if status != "" {
		return listWhere(ctx, s.DB, ` WHERE w.status = ? ORDER BY w.created_at DESC, w.wo_id DESC`, status)
	}
	return listWhere(ctx, s.DB, ` ORDER BY w.created_at DESC, w.wo_id DESC`)
}

// Roots returns the top-level work orders.
func (s *Service) Roots(ctx context.Context) ([]models.WorkOrder, error) {
	return listWhere(ctx, s.DB, ` WHERE w.parent_wo_id IS NULL ORDER BY w.created_at DESC, w.wo_id DESC`)
}

// Get loads a work order with its lines and direct children.
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	wo, err := Load(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	comps, err := Components(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	children, err := listWhere(ctx, s.DB, ` WHERE w.parent_wo_id = ? ORDER BY w.wo_id`, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Header: *wo, Components: comps, Children: children}, nil
}

// Tree returns the subtree rooted at a work order. The whole family is read
// in one query through root_wo_id and linked by parent_wo_id.
func (s *Service) Tree(ctx context.Context, id int64) (*models.WorkOrderNode, error) {
	wo, err := Load(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	root := wo.WOID
	if wo.RootWOID != nil {
		root = *wo.RootWOID
	}
	family, err := listWhere(ctx, s.DB, ` WHERE w.root_wo_id = ? ORDER BY w.depth, w.wo_id`, root)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*models.WorkOrderNode, len(family))
	for _, w := range family {
		nodes[w.WOID] = &models.WorkOrderNode{
			WOID:              w.WOID,
			WONumber:          w.WONumber,
			Status:            w.Status,
			Priority:          w.Priority,
			ProgressPercent:   w.ProgressPercent,
			OutputItemID:      w.OutputItemID,
			OutputItemCode:    w.OutputItemCode,
			OutputItemName:    w.OutputItemName,
			QuantityOrdered:   w.QuantityOrdered,
			QuantityCompleted: w.QuantityCompleted,
			Depth:             w.Depth,
			Children:          []*models.WorkOrderNode{},
		}
	}
	for _, w := range family {
		if w.ParentWOID == nil {
			continue
		}
		if parent, ok := nodes[*w.ParentWOID]; ok {
			parent.Children = append(parent.Children, nodes[w.WOID])
		}
	}
	return nodes[wo.WOID], nil
}

// AvailableInventory lists an item's lots with available quantity,
// earliest received first.
func (s *Service) AvailableInventory(ctx context.Context, itemID int64) ([]models.AvailableLot, error) {
	lots, err := ledger.AvailableLots(ctx, s.DB, itemID)
	if err != nil {
		return nil, err
	}
	return ledger.Availability(lots), nil
}

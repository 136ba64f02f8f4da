package inventory

import (
	"net/http"

	"github.com/xuri/excelize/v2"

	"workcell/internal/ledger"
	"workcell/internal/response"
)

var exportHeaders = []string{"Lot", "Item", "Batch", "Location", "On hand", "Reserved", "Available", "Received", "Source"}

// ExportLots handles GET /inventories/export?item_id=, writing the lot
// list as an xlsx workbook.
func (h *Handler) ExportLots(w http.ResponseWriter, r *http.Request) {
	itemID, err := queryID(r, "item_id")
	if err != nil {
		response.Error(w, err)
		return
	}
	lots, err := ledger.Lots(r.Context(), h.DB, itemID)
	if err != nil {
		response.Error(w, err)
		return
	}
	rows := make([][]any, 0, len(lots))
	for _, l := range lots {
		rows = append(rows, []any{
			l.InventoryID, l.ItemCode, l.BatchNumber, l.Location,
			l.QuantityOnHand.InexactFloat64(), l.QuantityReserved.InexactFloat64(), l.Available().InexactFloat64(),
			l.ReceivedAt.Format("2006-01-02 15:04"), l.SourceType,
		})
	}
	exportExcel(w, "Inventory", exportHeaders, rows)
}

func exportExcel(w http.ResponseWriter, sheetName string, headers []string, data [][]any) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		response.Err(w, "failed to create sheet", http.StatusInternalServerError)
		return
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D3D3D3"}, Pattern: 1},
	})
	if err != nil {
		response.Err(w, "failed to create header style", http.StatusInternalServerError)
		return
	}

	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}
	for rowIdx, row := range data {
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			response.Err(w, "failed to write row", http.StatusInternalServerError)
			return
		}
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	f.SetColWidth(sheetName, "A", last, 15)
	f.DeleteSheet("Sheet1")

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=inventory.xlsx")
	if err := f.Write(w); err != nil {
		response.Err(w, "failed to write workbook", http.StatusInternalServerError)
	}
}

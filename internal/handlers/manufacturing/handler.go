// Package manufacturing serves BOMs, work orders and kit items.
package manufacturing

import (
	"fmt"
	"net/http"

	"workcell/internal/audit"
	"workcell/internal/database"
	"workcell/internal/kitting"
	"workcell/internal/websocket"
	"workcell/internal/workorder"
)

// Handler holds dependencies for manufacturing handlers.
type Handler struct {
	DB         *database.DB
	Hub        *websocket.Hub
	WorkOrders *workorder.Service
	Kits       *kitting.Service
}

// Audit modules, also the resource part of broadcast event types.
const (
	moduleBOM       = "bom"
	moduleWorkOrder = "work_order"
	moduleKit       = "kit_item"
)

func (h *Handler) record(r *http.Request, action, module string, id int64, format string, args ...any) {
	audit.Log(r.Context(), h.DB, h.Hub, audit.Entry{
		Username: audit.Username(r),
		Action:   action,
		Module:   module,
		RecordID: id,
		Summary:  fmt.Sprintf(format, args...),
	})
}

var deleted = map[string]string{"status": "deleted"}

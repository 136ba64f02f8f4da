// Package audit records who did what to which record and tells connected
// clients about it.
package audit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/websocket"
)

// Action constants.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionDelete   = "DELETE"
	ActionAllocate = "ALLOCATE"
	ActionStart    = "START"
	ActionComplete = "COMPLETE"
	ActionCancel   = "CANCEL"
	ActionReserve  = "RESERVE"
	ActionReceive  = "RECEIVE"
	ActionConvert  = "CONVERT"
	ActionShip     = "SHIP"
)

// pastTense maps actions to the verb used in broadcast event types.
var pastTense = map[string]string{
	ActionCreate:   "created",
	ActionUpdate:   "updated",
	ActionDelete:   "deleted",
	ActionAllocate: "allocated",
	ActionStart:    "started",
	ActionComplete: "completed",
	ActionCancel:   "cancelled",
	ActionReserve:  "reserved",
	ActionReceive:  "received",
	ActionConvert:  "converted",
	ActionShip:     "shipped",
}

// Entry is one audited action.
type Entry struct {
	Username string
	Action   string
	Module   string
	RecordID any
	Summary  string
}

// Write stores an entry.
func Write(ctx context.Context, q database.Querier, e Entry) error {
	if e.Username == "" {
		e.Username = "system"
	}
	_, err := database.Exec(ctx, q, `INSERT INTO audit_log (username, action, module, record_id, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, e.Username, e.Action, e.Module, fmt.Sprint(e.RecordID), e.Summary, time.Now().UTC())
	return err
}

// Log stores an entry after the action committed and broadcasts
// "<module>_<past tense>" on the hub. Failures are logged, never returned:
// the action itself already happened.
func Log(ctx context.Context, db *database.DB, hub *websocket.Hub, e Entry) {
	if err := Write(ctx, db, e); err != nil {
		log.Printf("audit: %s %s %v: %v", e.Action, e.Module, e.RecordID, err)
	}
	if hub == nil {
		return
	}
	verb, ok := pastTense[e.Action]
	if !ok {
		verb = strings.ToLower(e.Action)
	}
	hub.BroadcastChange(e.Module, verb, e.RecordID)
}

// Username identifies the caller. Authentication happens upstream; a
// trusted proxy may pass the user in X-User.
func Username(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User")); u != "" {
		return u
	}
	return "system"
}

// List returns the latest entries, optionally for one module.
func List(ctx context.Context, q database.Querier, module string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, username, action, module, record_id, summary, created_at FROM audit_log`
	var args []any
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)
	entries := []models.AuditEntry{}
	err := database.Select(ctx, q, &entries, query, args...)
	return entries, err
}

// Cleanup deletes entries older than retentionDays.
func Cleanup(ctx context.Context, q database.Querier, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := database.Exec(ctx, q, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

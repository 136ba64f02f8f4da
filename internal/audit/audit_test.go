package audit_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/audit"
	"workcell/internal/testutil"
	"workcell/internal/websocket"
)

func TestLogAndList(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	audit.Log(ctx, db, websocket.NewHub(), audit.Entry{Action: audit.ActionAllocate, Module: "work_order", RecordID: int64(3), Summary: "Allocated WO-2026-0003"})
	audit.Log(ctx, db, nil, audit.Entry{Username: "ana", Action: audit.ActionReceive, Module: "inventory_lot", RecordID: 9})

	all, err := audit.List(ctx, db, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	wo, err := audit.List(ctx, db, "work_order", 10)
	require.NoError(t, err)
	require.Len(t, wo, 1)
	assert.Equal(t, "system", wo[0].Username)
	assert.Equal(t, "3", wo[0].RecordID)
	assert.Equal(t, audit.ActionAllocate, wo[0].Action)

	n, err := audit.Cleanup(ctx, db, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUsername(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "system", audit.Username(r))
	r.Header.Set("X-User", "planner")
	assert.Equal(t, "planner", audit.Username(r))
}

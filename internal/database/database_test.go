package database_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workcell/internal/database"
	"workcell/internal/testutil"
)

func numberedTable(t *testing.T, db *database.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE numbered (id INTEGER PRIMARY KEY, number TEXT NOT NULL UNIQUE)`)
	require.NoError(t, err)
}

func TestNextNumberComparesSuffixNumerically(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	numberedTable(t, db)
	year := time.Now().Format("2006")

	n, err := database.NextNumber(ctx, db, "SO", "numbered", "number", 4)
	require.NoError(t, err)
	assert.Equal(t, "SO-"+year+"-0001", n)

	for _, number := range []string{"SO-" + year + "-9999", "SO-" + year + "-10000", "SO-" + year + "-0042", "SO-" + year + "-manual", "SO-2001-99999"} {
		_, err := db.Exec(`INSERT INTO numbered (number) VALUES (?)`, number)
		require.NoError(t, err)
	}
	n, err = database.NextNumber(ctx, db, "SO", "numbered", "number", 4)
	require.NoError(t, err)
	assert.Equal(t, "SO-"+year+"-10001", n)

	n, err = database.NextNumber(ctx, db, "PO", "numbered", "number", 4)
	require.NoError(t, err)
	assert.Equal(t, "PO-"+year+"-0001", n)
}

func TestDuplicateNumberIsRetriedAsConflict(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	numberedTable(t, db)
	year := time.Now().Format("2006")

	// Another writer takes the number between our read and our insert on
	// the first attempt only.
	attempts := 0
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		attempts++
		n, err := database.NextNumber(ctx, tx, "WO", "numbered", "number", 4)
		if err != nil {
			return err
		}
		if attempts == 1 {
			if _, err := tx.Exec(`INSERT INTO numbered (number) VALUES (?)`, n); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`INSERT INTO numbered (number) VALUES (?)`, n)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	var numbers []string
	require.NoError(t, database.Select(ctx, db, &numbers, `SELECT number FROM numbered ORDER BY id`))
	assert.Equal(t, []string{fmt.Sprintf("WO-%s-0001", year)}, numbers)

	_, err = db.Exec(`INSERT INTO numbered (number) VALUES (?)`, numbers[0])
	require.Error(t, err)
	err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO numbered (number) VALUES (?)`, numbers[0])
		return err
	})
	assert.ErrorIs(t, err, database.ErrConflict)
}

func TestMigrateAddsColumnsToOlderDatabases(t *testing.T) {
	raw, err := sqlx.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "old.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	_, err = raw.Exec(`CREATE TABLE sales_orders (
		sale_id INTEGER PRIMARY KEY AUTOINCREMENT,
		so_number TEXT NOT NULL UNIQUE,
		customer TEXT NOT NULL,
		order_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)

	require.NoError(t, database.Migrate(raw))
	require.NoError(t, database.Migrate(raw), "migrating twice is a no-op")

	_, err = raw.Exec(`INSERT INTO customers (company_name, created_at) VALUES ('Acme', ?)`, time.Now().UTC())
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO sales_orders (so_number, customer, customer_id, created_at) VALUES ('SO-1', 'Acme', 1, ?)`, time.Now().UTC())
	require.NoError(t, err)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"

	"workcell/internal/apperr"
)

// ErrConflict is returned when a guarded row changed under a transaction.
// WithTx retries the whole operation when it sees it.
var ErrConflict = fmt.Errorf("%w: row changed by another transaction", apperr.ErrConflict)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteBusy             = 5
	sqliteConstraintUnique = 2067
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB wraps the connection pool with the transaction retry budget.
type DB struct {
	*sqlx.DB
	Retries int
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type Querier interface {
	sqlx.ExtContext
}

// Open connects to the database and runs migrations.
func Open(driver, dsn string, retries int) (*DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		conn, err = sqlx.Open(DriverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		if isMemory(dsn) {
			// Every connection to :memory: is a separate database.
			conn.SetMaxOpenConns(1)
		} else {
			conn.SetMaxOpenConns(10)
			conn.SetMaxIdleConns(5)
			conn.SetConnMaxLifetime(0)
		}
	case DriverPostgres:
		conn, err = sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if retries < 1 {
		retries = 1
	}
	db := &DB{DB: conn, Retries: retries}
	if err := Migrate(db.DB); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// sqliteDSN appends the pragmas every connection needs. Write transactions
// take the database lock up front so concurrent reservations queue instead
// of failing on upgrade.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	params := []string{
		"_pragma=busy_timeout(10000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
		"_time_format=sqlite",
	}
	if !isMemory(path) {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return path + sep + strings.Join(params, "&")
}

func isMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// WithTx runs fn in a transaction, retrying from scratch when fn or the
// commit reports a write conflict.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= db.Retries; attempt++ {
		err = db.runTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		log.Printf("db: write conflict (attempt %d/%d)", attempt, db.Retries)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps driver-level lock, serialization and unique-key failures
// onto ErrConflict.
func classify(err error) error {
	if errors.Is(err, ErrConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xff == sqliteBusy || sqliteErr.Code() == sqliteConstraintUnique {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// IsPostgres reports whether q talks to postgres.
func IsPostgres(q Querier) bool {
	return q.DriverName() == DriverPostgres
}

// ForUpdate returns the row-lock suffix for SELECTs on the given connection.
// SQLite write transactions already hold the database lock.
func ForUpdate(q Querier) string {
	if IsPostgres(q) {
		return " FOR UPDATE"
	}
	return ""
}

// Get runs a single-row query, rebinding ? placeholders for the driver.
func Get(ctx context.Context, q Querier, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
}

// Select runs a multi-row query, rebinding ? placeholders for the driver.
func Select(ctx context.Context, q Querier, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q, dest, q.Rebind(query), args...)
}

// Exec runs a statement, rebinding ? placeholders for the driver.
func Exec(ctx context.Context, q Querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

// Insert runs an INSERT ... RETURNING <id> statement and returns the id.
func Insert(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var id int64
	if err := sqlx.GetContext(ctx, q, &id, q.Rebind(query), args...); err != nil {
		return 0, err
	}
	return id, nil
}

// ExecOne runs an UPDATE expected to touch exactly one row. Zero rows is
// reported as ErrConflict.
func ExecOne(ctx context.Context, q Querier, query string, args ...any) error {
	res, err := Exec(ctx, q, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// NextNumber returns the next document number of the form PREFIX-YYYY-NNNN
// for a table whose column holds such numbers. Sequence suffixes are compared
// as integers, so numbering carries on past the padded width. Two writers can
// still pick the same number; the losing insert fails the unique index and
// WithTx retries it.
func NextNumber(ctx context.Context, q Querier, prefix, table, column string, digits int) (string, error) {
	year := time.Now().Format("2006")
	stem := prefix + "-" + year + "-"
	var taken []string
	err := Select(ctx, q, &taken, "SELECT "+column+" FROM "+table+" WHERE "+column+" LIKE ?", stem+"%")
	if err != nil {
		return "", err
	}
	last := 0
	for _, number := range taken {
		n, err := strconv.Atoi(strings.TrimPrefix(number, stem))
		if err == nil && n > last {
			last = n
		}
	}
	return fmt.Sprintf("%s%0*d", stem, digits, last+1), nil
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"librashelf/internal/catalog"
)

// ErrDuplicateBorrow is returned when a borrow id has already been recorded.
var ErrDuplicateBorrow = errors.New("borrow already recorded")

// Postgres SQLSTATE classes that describe a condition a later attempt may not hit.
var transientSQLStateClasses = map[string]bool{
	"08": true, // connection exception
	"40": true, // transaction rollback (serialization failure, deadlock)
	"53": true, // insufficient resources
	"57": true, // operator intervention (admin shutdown, query canceled)
}

// MySQL server errors worth another attempt.
var transientMySQLErrors = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock
}

// wrap annotates err with op and marks transient driver failures with
// catalog.ErrTransientStore so callers can retry them.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, catalog.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is a driver or network failure that may clear up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, catalog.ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientSQLStateClasses[string(pqErr.Code.Class())]
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return transientSQLStateClasses[pgErr.Code[:2]]
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return transientMySQLErrors[myErr.Number]
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return false
}

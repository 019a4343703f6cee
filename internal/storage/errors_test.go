package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"librashelf/internal/catalog"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("syntax error"), false},
		{"marked", fmt.Errorf("op: %w", catalog.ErrTransientStore), true},
		{"deadline", context.DeadlineExceeded, true},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"mysql invalid conn", mysql.ErrInvalidConn, true},
		{"pq serialization", &pq.Error{Code: "40001"}, true},
		{"pq connection", &pq.Error{Code: "08006"}, true},
		{"pq unique", &pq.Error{Code: "23505"}, false},
		{"pgx canceled", &pgconn.PgError{Code: "57014"}, true},
		{"pgx check", &pgconn.PgError{Code: "23514"}, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("op", nil))

	transient := wrap("swap copies", &pq.Error{Code: "40P01"})
	assert.ErrorIs(t, transient, catalog.ErrTransientStore)
	assert.True(t, catalog.Retryable(transient))
	var pqErr *pq.Error
	assert.ErrorAs(t, transient, &pqErr)
	assert.Contains(t, transient.Error(), "swap copies")

	permanent := wrap("insert book", &pq.Error{Code: "23505"})
	assert.NotErrorIs(t, permanent, catalog.ErrTransientStore)
	assert.False(t, catalog.Retryable(permanent))
}

package storage

import (
	"context"
	"fmt"
)

var schemas = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS books (
			id          CHAR(36) PRIMARY KEY,
			title       TEXT NOT NULL,
			author      TEXT NOT NULL,
			genre       VARCHAR(32) NOT NULL,
			isbn        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			copies      INTEGER NOT NULL CHECK (copies >= 0),
			available   BOOLEAN NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			CHECK (available = (copies > 0))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_books_genre ON books (genre)`,
		`CREATE TABLE IF NOT EXISTS borrows (
			id         CHAR(36) PRIMARY KEY,
			book_id    CHAR(36) NOT NULL,
			quantity   INTEGER NOT NULL CHECK (quantity > 0),
			due_date   TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_borrows_book_id ON borrows (book_id)`,
	},
	"mysql": {
		`CREATE TABLE IF NOT EXISTS books (
			id          CHAR(36) PRIMARY KEY,
			title       VARCHAR(512) NOT NULL,
			author      VARCHAR(512) NOT NULL,
			genre       VARCHAR(32) NOT NULL,
			isbn        VARCHAR(64) NOT NULL,
			description TEXT NOT NULL,
			copies      INT NOT NULL CHECK (copies >= 0),
			available   BOOLEAN NOT NULL,
			version     INT NOT NULL DEFAULT 1,
			created_at  DATETIME(6) NOT NULL,
			updated_at  DATETIME(6) NOT NULL,
			INDEX idx_books_genre (genre)
		)`,
		`CREATE TABLE IF NOT EXISTS borrows (
			id         CHAR(36) PRIMARY KEY,
			book_id    CHAR(36) NOT NULL,
			quantity   INT NOT NULL CHECK (quantity > 0),
			due_date   DATETIME(6) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_borrows_book_id (book_id)
		)`,
	},
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS books (
			id          CHAR(36) PRIMARY KEY,
			title       TEXT NOT NULL,
			author      TEXT NOT NULL,
			genre       TEXT NOT NULL,
			isbn        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			copies      INTEGER NOT NULL CHECK (copies >= 0),
			available   BOOLEAN NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_books_genre ON books (genre)`,
		`CREATE TABLE IF NOT EXISTS borrows (
			id         CHAR(36) PRIMARY KEY,
			book_id    CHAR(36) NOT NULL,
			quantity   INTEGER NOT NULL CHECK (quantity > 0),
			due_date   TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_borrows_book_id ON borrows (book_id)`,
	},
}

// Migrate creates the books and borrows tables when they do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ctx, span := s.start(ctx, "storage.migrate")
	defer span.End()

	statements, ok := schemas[s.dialect]
	if !ok {
		return fail(span, fmt.Errorf("%w: %q", ErrUnsupportedDriver, s.dialect))
	}

	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fail(span, wrap(fmt.Sprintf("apply schema statement %d", i+1), err))
		}
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"    // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
)

const (
	tableBooks   = "books"
	tableBorrows = "borrows"

	colID          = "id"
	colTitle       = "title"
	colAuthor      = "author"
	colGenre       = "genre"
	colISBN        = "isbn"
	colDescription = "description"
	colCopies      = "copies"
	colAvailable   = "available"
	colVersion     = "version"
	colCreatedAt   = "created_at"
	colUpdatedAt   = "updated_at"
	colBookID      = "book_id"
	colQuantity    = "quantity"
	colDueDate     = "due_date"
	aliasTotal     = "total_quantity"
)

// ErrUnsupportedDriver is returned for a database/sql driver with no known SQL dialect.
var ErrUnsupportedDriver = errors.New("unsupported sql driver")

var sortColumns = map[catalog.SortField]string{
	catalog.SortByTitle:     colTitle,
	catalog.SortByAuthor:    colAuthor,
	catalog.SortByGenre:     colGenre,
	catalog.SortByISBN:      colISBN,
	catalog.SortByCopies:    colCopies,
	catalog.SortByAvailable: colAvailable,
	catalog.SortByCreatedAt: colCreatedAt,
	catalog.SortByUpdatedAt: colUpdatedAt,
}

type bookRow struct {
	ID          string    `db:"id"`
	Title       string    `db:"title"`
	Author      string    `db:"author"`
	Genre       string    `db:"genre"`
	ISBN        string    `db:"isbn"`
	Description string    `db:"description"`
	Copies      int       `db:"copies"`
	Available   bool      `db:"available"`
	Version     int       `db:"version"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func toBookRow(b catalog.Book) bookRow {
	return bookRow{
		ID:          b.ID.String(),
		Title:       b.Title,
		Author:      b.Author,
		Genre:       string(b.Genre),
		ISBN:        b.ISBN,
		Description: b.Description,
		Copies:      b.Copies,
		Available:   catalog.Availability(b.Copies),
		Version:     b.Version,
		CreatedAt:   b.CreatedAt.UTC(),
		UpdatedAt:   b.UpdatedAt.UTC(),
	}
}

func (r bookRow) toBook() (catalog.Book, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return catalog.Book{}, fmt.Errorf("parse book id %q: %w", r.ID, err)
	}
	return catalog.Book{
		ID:          id,
		Title:       r.Title,
		Author:      r.Author,
		Genre:       catalog.Genre(r.Genre),
		ISBN:        r.ISBN,
		Description: r.Description,
		Copies:      r.Copies,
		Available:   r.Available,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}, nil
}

type borrowRow struct {
	ID        string    `db:"id"`
	BookID    string    `db:"book_id"`
	Quantity  int       `db:"quantity"`
	DueDate   time.Time `db:"due_date"`
	CreatedAt time.Time `db:"created_at"`
}

type summaryRow struct {
	BookID        string `db:"book_id"`
	Title         string `db:"title"`
	ISBN          string `db:"isbn"`
	TotalQuantity int    `db:"total_quantity"`
}

// SQLStore persists books and borrows in a relational database through sqlx.
// Statements are built with goqu for the dialect matching the driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	builder goqu.DialectWrapper
	tracer  trace.Tracer
}

// NewSQLStore creates a store over db. The dialect is derived from db.DriverName().
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}

	return &SQLStore{
		db:      db,
		dialect: dialect,
		builder: goqu.Dialect(dialect),
		tracer:  otel.Tracer("librashelf/storage"),
	}, nil
}

// DialectFor maps a database/sql driver name to its goqu dialect.
func DialectFor(driverName string) (string, error) {
	switch driverName {
	case "postgres", "pgx":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driverName)
	}
}

func (s *SQLStore) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", s.dialect))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, catalog.ErrConflict) && !errors.Is(err, catalog.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *SQLStore) Insert(ctx context.Context, book catalog.Book) error {
	ctx, span := s.start(ctx, "storage.books.insert", attribute.String("book.id", book.ID.String()))
	defer span.End()

	query, args, err := s.builder.Insert(tableBooks).Prepared(true).Rows(toBookRow(book)).ToSQL()
	if err != nil {
		return fail(span, fmt.Errorf("build insert book: %w", err))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail(span, wrap("insert book", err))
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	ctx, span := s.start(ctx, "storage.books.find_by_id", attribute.String("book.id", id.String()))
	defer span.End()

	query, args, err := s.builder.From(tableBooks).Prepared(true).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build find book: %w", err))
	}

	var rows []bookRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fail(span, wrap("find book", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	book, err := rows[0].toBook()
	if err != nil {
		return nil, fail(span, err)
	}
	return &book, nil
}

func (s *SQLStore) Find(ctx context.Context, query catalog.ListQuery) ([]catalog.Book, error) {
	ctx, span := s.start(ctx, "storage.books.find",
		attribute.String("query.genre", string(query.Genre)),
		attribute.String("query.sort_by", string(query.SortBy)),
	)
	defer span.End()

	column, ok := sortColumns[query.SortBy]
	if !ok {
		column = colCreatedAt
	}
	order := goqu.I(column).Asc()
	tiebreak := goqu.I(colID).Asc()
	if query.Descending {
		order = goqu.I(column).Desc()
		tiebreak = goqu.I(colID).Desc()
	}

	stmt := s.builder.From(tableBooks).Prepared(true).Order(order, tiebreak)
	if query.Genre != "" {
		stmt = stmt.Where(goqu.C(colGenre).Eq(string(query.Genre)))
	}
	if query.Limit > 0 {
		stmt = stmt.Limit(uint(query.Limit))
	}

	sqlQuery, args, err := stmt.ToSQL()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build find books: %w", err))
	}

	var rows []bookRow
	if err := s.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		return nil, fail(span, wrap("find books", err))
	}

	books := make([]catalog.Book, 0, len(rows))
	for _, row := range rows {
		book, err := row.toBook()
		if err != nil {
			return nil, fail(span, err)
		}
		books = append(books, book)
	}
	span.SetAttributes(attribute.Int("books.returned", len(books)))
	return books, nil
}

func (s *SQLStore) UpdateDetails(ctx context.Context, book catalog.Book) error {
	ctx, span := s.start(ctx, "storage.books.update_details", attribute.String("book.id", book.ID.String()))
	defer span.End()

	stmt := s.builder.Update(tableBooks).Prepared(true).
		Set(goqu.Record{
			colTitle:       book.Title,
			colAuthor:      book.Author,
			colGenre:       string(book.Genre),
			colISBN:        book.ISBN,
			colDescription: book.Description,
			colVersion:     bumpVersion(),
			colUpdatedAt:   book.UpdatedAt.UTC(),
		}).
		Where(goqu.C(colID).Eq(book.ID.String()))

	return fail(span, s.execUpdate(ctx, stmt, "update book details", catalog.ErrNotFound))
}

func (s *SQLStore) UpdateIfCopies(ctx context.Context, book catalog.Book, expectedCopies int) error {
	ctx, span := s.start(ctx, "storage.books.update_if_copies",
		attribute.String("book.id", book.ID.String()),
		attribute.Int("copies.expected", expectedCopies),
		attribute.Int("copies.next", book.Copies),
	)
	defer span.End()

	stmt := s.builder.Update(tableBooks).Prepared(true).
		Set(goqu.Record{
			colTitle:       book.Title,
			colAuthor:      book.Author,
			colGenre:       string(book.Genre),
			colISBN:        book.ISBN,
			colDescription: book.Description,
			colCopies:      book.Copies,
			colAvailable:   catalog.Availability(book.Copies),
			colVersion:     bumpVersion(),
			colUpdatedAt:   book.UpdatedAt.UTC(),
		}).
		Where(
			goqu.C(colID).Eq(book.ID.String()),
			goqu.C(colCopies).Eq(expectedCopies),
		)

	return fail(span, s.execUpdate(ctx, stmt, "update book", catalog.ErrConflict))
}

func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.start(ctx, "storage.books.delete", attribute.String("book.id", id.String()))
	defer span.End()

	query, args, err := s.builder.Delete(tableBooks).Prepared(true).
		Where(goqu.C(colID).Eq(id.String())).
		ToSQL()
	if err != nil {
		return fail(span, fmt.Errorf("build delete book: %w", err))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fail(span, wrap("delete book", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(span, wrap("delete book", err))
	}
	if n == 0 {
		return fail(span, catalog.ErrNotFound)
	}
	return nil
}

// bumpVersion increments the stored version. Every write changes the row, which
// keeps MySQL from reporting zero affected rows for an unchanged update.
func bumpVersion() exp.LiteralExpression {
	return goqu.L("? + 1", goqu.I(colVersion))
}

// execUpdate runs stmt and returns none when no row matched.
func (s *SQLStore) execUpdate(ctx context.Context, stmt *goqu.UpdateDataset, op string, none error) error {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return none
	}
	return nil
}

// BorrowIfCopies decrements the book's copies and inserts the borrow row in one
// transaction. The update runs first so a lost race never reaches the insert.
func (s *SQLStore) BorrowIfCopies(ctx context.Context, borrow circulation.Borrow, expectedCopies int) error {
	ctx, span := s.start(ctx, "storage.borrows.borrow_if_copies",
		attribute.String("borrow.id", borrow.ID.String()),
		attribute.String("book.id", borrow.BookID.String()),
		attribute.Int("borrow.quantity", borrow.Quantity),
		attribute.Int("copies.expected", expectedCopies),
	)
	defer span.End()

	next := expectedCopies - borrow.Quantity
	update, updateArgs, err := s.builder.Update(tableBooks).Prepared(true).
		Set(goqu.Record{
			colCopies:    next,
			colAvailable: catalog.Availability(next),
			colVersion:   bumpVersion(),
			colUpdatedAt: borrow.CreatedAt.UTC(),
		}).
		Where(
			goqu.C(colID).Eq(borrow.BookID.String()),
			goqu.C(colCopies).Eq(expectedCopies),
		).
		ToSQL()
	if err != nil {
		return fail(span, fmt.Errorf("build take copies: %w", err))
	}

	insert, insertArgs, err := s.builder.Insert(tableBorrows).Prepared(true).Rows(borrowRow{
		ID:        borrow.ID.String(),
		BookID:    borrow.BookID.String(),
		Quantity:  borrow.Quantity,
		DueDate:   borrow.DueDate.UTC(),
		CreatedAt: borrow.CreatedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return fail(span, fmt.Errorf("build insert borrow: %w", err))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fail(span, wrap("begin transaction", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, update, updateArgs...)
	if err != nil {
		return fail(span, wrap("take copies", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(span, wrap("take copies", err))
	}
	if n == 0 {
		return fail(span, catalog.ErrConflict)
	}

	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return fail(span, wrap("prepare statement", err))
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, insertArgs...); err != nil {
		return fail(span, wrap("insert borrow", err))
	}

	if err := tx.Commit(); err != nil {
		return fail(span, wrap("commit transaction", err))
	}
	return nil
}

// SummarizeBorrows totals borrowed quantities per book still in the catalog,
// ordered by title.
func (s *SQLStore) SummarizeBorrows(ctx context.Context) ([]circulation.BorrowSummary, error) {
	ctx, span := s.start(ctx, "storage.borrows.summarize")
	defer span.End()

	query, args, err := s.builder.From(goqu.T(tableBorrows).As("br")).Prepared(true).
		InnerJoin(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("br."+colBookID).Eq(goqu.I("b."+colID)))).
		Select(
			goqu.I("b."+colID).As(colBookID),
			goqu.I("b."+colTitle).As(colTitle),
			goqu.I("b."+colISBN).As(colISBN),
			goqu.SUM(goqu.I("br."+colQuantity)).As(aliasTotal),
		).
		GroupBy(goqu.I("b."+colID), goqu.I("b."+colTitle), goqu.I("b."+colISBN)).
		Order(goqu.I("b."+colTitle).Asc(), goqu.I("b."+colID).Asc()).
		ToSQL()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build summarize borrows: %w", err))
	}

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fail(span, wrap("summarize borrows", err))
	}

	summary := make([]circulation.BorrowSummary, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.BookID)
		if err != nil {
			return nil, fail(span, fmt.Errorf("parse book id %q: %w", row.BookID, err))
		}
		summary = append(summary, circulation.BorrowSummary{
			BookID:        id,
			Book:          circulation.BookSummary{Title: row.Title, ISBN: row.ISBN},
			TotalQuantity: row.TotalQuantity,
		})
	}
	return summary, nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return wrap("ping database", s.db.PingContext(ctx))
}

package catalog_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
	"librashelf/internal/retry"
	"librashelf/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func newService(t *testing.T, repo catalog.Repository, opts ...retry.Option) catalog.Service {
	t.Helper()
	svc, err := catalog.NewService(repo, discardLogger(), append([]retry.Option{retry.WithBaseDelay(0)}, opts...)...)
	require.NoError(t, err)
	return svc
}

func dune() catalog.NewBook {
	return catalog.NewBook{
		Title:  "Dune",
		Author: "Herbert",
		Genre:  catalog.GenreFiction,
		ISBN:   "X1",
		Copies: intPtr(2),
	}
}

func TestCreateBook_DerivesAvailability(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, book.ID)
	assert.Equal(t, 2, book.Copies)
	assert.True(t, book.Available)
	assert.Equal(t, 1, book.Version)

	input := dune()
	input.Copies = intPtr(0)
	input.Available = boolPtr(true)
	empty, err := svc.CreateBook(ctx, input)
	require.NoError(t, err)
	assert.False(t, empty.Available)

	stored, err := store.FindByID(ctx, empty.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Available)
}

func TestCreateBook_RejectsInvalidInput(t *testing.T) {
	svc := newService(t, storage.NewMemoryStore())

	input := dune()
	input.Copies = intPtr(-1)
	_, err := svc.CreateBook(context.Background(), input)

	var ve *catalog.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, "copies")
}

func TestGetBook_ReturnsNilWhenAbsent(t *testing.T) {
	svc := newService(t, storage.NewMemoryStore())

	book, err := svc.GetBook(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, book)
}

func TestUpdateBook_CopiesToZeroFlipsAvailability(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	input := dune()
	input.Copies = intPtr(3)
	book, err := svc.CreateBook(ctx, input)
	require.NoError(t, err)

	updated, err := svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Copies: intPtr(0), Available: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Copies)
	assert.False(t, updated.Available)
	assert.Equal(t, book.Version+1, updated.Version)

	restocked, err := svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Copies: intPtr(5)})
	require.NoError(t, err)
	assert.True(t, restocked.Available)
}

func TestUpdateBook_DetailsLeaveCopiesAlone(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)

	updated, err := svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Title: strPtr("Dune Messiah"), Available: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, 2, updated.Copies)
	assert.True(t, updated.Available)

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", got.Title)
	assert.True(t, got.Consistent())
}

func TestUpdateBook_EmptyPatchReturnsCurrent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)

	same, err := svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Available: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, book.Version, same.Version)
	assert.True(t, same.Available)
}

func TestUpdateBook_MissingBook(t *testing.T) {
	svc := newService(t, storage.NewMemoryStore())

	_, err := svc.UpdateBook(context.Background(), uuid.New(), catalog.BookPatch{Copies: intPtr(1)})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

// contendedRepo makes the first n conditional writes lose to a concurrent borrow.
type contendedRepo struct {
	*storage.MemoryStore
	losses atomic.Int32
}

func (r *contendedRepo) UpdateIfCopies(ctx context.Context, book catalog.Book, expected int) error {
	if r.losses.Add(-1) >= 0 {
		current, err := r.MemoryStore.FindByID(ctx, book.ID)
		if err != nil {
			return err
		}
		borrow := circulation.Borrow{ID: uuid.New(), BookID: book.ID, Quantity: 1, CreatedAt: time.Now().UTC()}
		if err := r.MemoryStore.BorrowIfCopies(ctx, borrow, current.Copies); err != nil {
			return err
		}
		return catalog.ErrConflict
	}
	return r.MemoryStore.UpdateIfCopies(ctx, book, expected)
}

func TestUpdateBook_RetriesLostCopiesRace(t *testing.T) {
	ctx := context.Background()
	repo := &contendedRepo{MemoryStore: storage.NewMemoryStore()}
	svc := newService(t, repo)

	input := dune()
	input.Copies = intPtr(5)
	book, err := svc.CreateBook(ctx, input)
	require.NoError(t, err)

	repo.losses.Store(2)
	updated, err := svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Copies: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Copies)
	assert.True(t, updated.Available)
}

func TestUpdateBook_GivesUpWithConflict(t *testing.T) {
	ctx := context.Background()
	repo := &contendedRepo{MemoryStore: storage.NewMemoryStore()}
	svc := newService(t, repo, retry.WithMaxAttempts(3))

	input := dune()
	input.Copies = intPtr(10)
	book, err := svc.CreateBook(ctx, input)
	require.NoError(t, err)

	repo.losses.Store(3)
	_, err = svc.UpdateBook(ctx, book.ID, catalog.BookPatch{Copies: intPtr(4)})
	assert.ErrorIs(t, err, catalog.ErrConflict)

	stored, err := repo.FindByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Copies)
	assert.True(t, stored.Consistent())
}

func TestDeleteBook_MissingAlwaysNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	id := uuid.New()
	assert.ErrorIs(t, svc.DeleteBook(ctx, id), catalog.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteBook(ctx, id), catalog.ErrNotFound)

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)
	require.NoError(t, svc.DeleteBook(ctx, book.ID))
	assert.ErrorIs(t, svc.DeleteBook(ctx, book.ID), catalog.ErrNotFound)

	gone, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestListBooks_FilterSortLimit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	for _, in := range []catalog.NewBook{
		{Title: "Hyperion", Author: "Simmons", Genre: catalog.GenreFiction, ISBN: "X2", Copies: intPtr(1)},
		{Title: "Dune", Author: "Herbert", Genre: catalog.GenreFiction, ISBN: "X1", Copies: intPtr(2)},
		{Title: "Cosmos", Author: "Sagan", Genre: catalog.GenreScience, ISBN: "X3", Copies: intPtr(4)},
	} {
		_, err := svc.CreateBook(ctx, in)
		require.NoError(t, err)
	}

	books, err := svc.ListBooks(ctx, catalog.ListQuery{Genre: catalog.GenreFiction, SortBy: catalog.SortByTitle, Limit: 1})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune", books[0].Title)

	books, err = svc.ListBooks(ctx, catalog.ListQuery{SortBy: catalog.SortByCopies, Descending: true})
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, []string{"Cosmos", "Dune", "Hyperion"}, []string{books[0].Title, books[1].Title, books[2].Title})

	books, err = svc.ListBooks(ctx, catalog.ListQuery{Genre: catalog.GenreHistory})
	require.NoError(t, err)
	assert.NotNil(t, books)
	assert.Empty(t, books)
}

func TestListBooks_RejectsBadQuery(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemoryStore())

	for name, query := range map[string]catalog.ListQuery{
		"filter": {Genre: "POETRY"},
		"sortBy": {SortBy: "pages"},
		"limit":  {Limit: -1},
	} {
		_, err := svc.ListBooks(ctx, query)
		var ve *catalog.ValidationError
		require.True(t, errors.As(err, &ve), name)
		assert.Contains(t, ve.Fields, name)
	}
}

// flakyRepo fails the first reads with a transient store error.
type flakyRepo struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (r *flakyRepo) FindByID(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	if r.failures.Add(-1) >= 0 {
		return nil, catalog.ErrTransientStore
	}
	return r.MemoryStore.FindByID(ctx, id)
}

func TestGetBook_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{MemoryStore: storage.NewMemoryStore()}
	svc := newService(t, repo, retry.WithMaxAttempts(3))

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)

	repo.failures.Store(2)
	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.ID, got.ID)

	repo.failures.Store(3)
	_, err = svc.GetBook(ctx, book.ID)
	assert.ErrorIs(t, err, catalog.ErrTransientStore)
}

// flakyWriter fails the first writes with a transient store error.
type flakyWriter struct {
	*storage.MemoryStore
	failures atomic.Int32
	inserts  atomic.Int32
	deletes  atomic.Int32
}

func (r *flakyWriter) Insert(ctx context.Context, book catalog.Book) error {
	r.inserts.Add(1)
	if r.failures.Add(-1) >= 0 {
		return catalog.ErrTransientStore
	}
	return r.MemoryStore.Insert(ctx, book)
}

func (r *flakyWriter) Delete(ctx context.Context, id uuid.UUID) error {
	r.deletes.Add(1)
	if r.failures.Add(-1) >= 0 {
		return catalog.ErrTransientStore
	}
	return r.MemoryStore.Delete(ctx, id)
}

func TestCreateAndDelete_RetryTransientFailures(t *testing.T) {
	ctx := context.Background()
	repo := &flakyWriter{MemoryStore: storage.NewMemoryStore()}
	svc := newService(t, repo, retry.WithMaxAttempts(3))

	repo.failures.Store(2)
	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.inserts.Load())
	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	repo.failures.Store(1)
	require.NoError(t, svc.DeleteBook(ctx, book.ID))
	assert.Equal(t, int32(2), repo.deletes.Load())
	gone, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCreateAndDelete_SurfaceTransientFailuresPastTheBound(t *testing.T) {
	ctx := context.Background()
	repo := &flakyWriter{MemoryStore: storage.NewMemoryStore()}
	svc := newService(t, repo, retry.WithMaxAttempts(3))

	repo.failures.Store(3)
	_, err := svc.CreateBook(ctx, dune())
	assert.ErrorIs(t, err, catalog.ErrTransientStore)
	assert.Equal(t, int32(3), repo.inserts.Load())

	book, err := svc.CreateBook(ctx, dune())
	require.NoError(t, err)

	repo.failures.Store(3)
	err = svc.DeleteBook(ctx, book.ID)
	assert.ErrorIs(t, err, catalog.ErrTransientStore)
	assert.Equal(t, int32(3), repo.deletes.Load())

	err = svc.DeleteBook(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Equal(t, int32(4), repo.deletes.Load(), "missing books are not retried")
}

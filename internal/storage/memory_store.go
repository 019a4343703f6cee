package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
)

// MemoryStore keeps books and borrows in process memory. Every method holds the
// store lock for its whole duration, so each conditional write is atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	books     map[uuid.UUID]catalog.Book
	borrows   []circulation.Borrow
	borrowIDs map[uuid.UUID]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:     make(map[uuid.UUID]catalog.Book),
		borrowIDs: make(map[uuid.UUID]struct{}),
	}
}

func (m *MemoryStore) Insert(_ context.Context, book catalog.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book.SetCopies(book.Copies)
	m.books[book.ID] = book
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*catalog.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[id]
	if !ok {
		return nil, nil
	}
	return &book, nil
}

func (m *MemoryStore) Find(_ context.Context, query catalog.ListQuery) ([]catalog.Book, error) {
	m.mu.RLock()
	books := make([]catalog.Book, 0, len(m.books))
	for _, book := range m.books {
		if query.Genre != "" && book.Genre != query.Genre {
			continue
		}
		books = append(books, book)
	}
	m.mu.RUnlock()

	compare := compareBy(query.SortBy)
	slices.SortStableFunc(books, func(a, b catalog.Book) int {
		c := compare(a, b)
		if c == 0 {
			c = strings.Compare(a.ID.String(), b.ID.String())
		}
		if query.Descending {
			return -c
		}
		return c
	})

	if query.Limit > 0 && len(books) > query.Limit {
		books = books[:query.Limit]
	}
	return books, nil
}

func compareBy(field catalog.SortField) func(a, b catalog.Book) int {
	switch field {
	case catalog.SortByTitle:
		return func(a, b catalog.Book) int { return strings.Compare(a.Title, b.Title) }
	case catalog.SortByAuthor:
		return func(a, b catalog.Book) int { return strings.Compare(a.Author, b.Author) }
	case catalog.SortByGenre:
		return func(a, b catalog.Book) int { return strings.Compare(string(a.Genre), string(b.Genre)) }
	case catalog.SortByISBN:
		return func(a, b catalog.Book) int { return strings.Compare(a.ISBN, b.ISBN) }
	case catalog.SortByCopies:
		return func(a, b catalog.Book) int { return cmp.Compare(a.Copies, b.Copies) }
	case catalog.SortByAvailable:
		return func(a, b catalog.Book) int { return cmp.Compare(boolRank(a.Available), boolRank(b.Available)) }
	case catalog.SortByUpdatedAt:
		return func(a, b catalog.Book) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	default:
		return func(a, b catalog.Book) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
}

func boolRank(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (m *MemoryStore) UpdateDetails(_ context.Context, book catalog.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.books[book.ID]
	if !ok {
		return catalog.ErrNotFound
	}

	current.Title = book.Title
	current.Author = book.Author
	current.Genre = book.Genre
	current.ISBN = book.ISBN
	current.Description = book.Description
	current.UpdatedAt = book.UpdatedAt
	current.Version++
	m.books[book.ID] = current
	return nil
}

func (m *MemoryStore) UpdateIfCopies(_ context.Context, book catalog.Book, expectedCopies int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.books[book.ID]
	if !ok || current.Copies != expectedCopies {
		return catalog.ErrConflict
	}

	book.SetCopies(book.Copies)
	book.CreatedAt = current.CreatedAt
	book.Version = current.Version + 1
	m.books[book.ID] = book
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.books[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(m.books, id)
	return nil
}

func (m *MemoryStore) BorrowIfCopies(_ context.Context, borrow circulation.Borrow, expectedCopies int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.books[borrow.BookID]
	if !ok || current.Copies != expectedCopies {
		return catalog.ErrConflict
	}
	if _, dup := m.borrowIDs[borrow.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateBorrow, borrow.ID)
	}

	current.SetCopies(expectedCopies - borrow.Quantity)
	current.UpdatedAt = borrow.CreatedAt
	current.Version++
	m.books[borrow.BookID] = current
	m.borrows = append(m.borrows, borrow)
	m.borrowIDs[borrow.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) SummarizeBorrows(_ context.Context) ([]circulation.BorrowSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[uuid.UUID]int)
	for _, borrow := range m.borrows {
		if _, ok := m.books[borrow.BookID]; ok {
			totals[borrow.BookID] += borrow.Quantity
		}
	}

	summary := make([]circulation.BorrowSummary, 0, len(totals))
	for id, total := range totals {
		book := m.books[id]
		summary = append(summary, circulation.BorrowSummary{
			BookID:        id,
			Book:          circulation.BookSummary{Title: book.Title, ISBN: book.ISBN},
			TotalQuantity: total,
		})
	}
	slices.SortFunc(summary, func(a, b circulation.BorrowSummary) int {
		if c := strings.Compare(a.Book.Title, b.Book.Title); c != 0 {
			return c
		}
		return strings.Compare(a.BookID.String(), b.BookID.String())
	})
	return summary, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	CreateBook(ctx context.Context, input NewBook) (*Book, error)
	ListBooks(ctx context.Context, query ListQuery) ([]Book, error)
	// GetBook returns nil and no error when the book does not exist.
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, patch BookPatch) (*Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
}

// Repository is the persistence port the catalog and the borrow processor write through.
//
// Every write that touches copies is conditional on the copies value the caller last
// observed. When that value no longer matches, UpdateIfCopies returns ErrConflict
// and changes nothing; the caller re-reads and decides again.
type Repository interface {
	Insert(ctx context.Context, book Book) error
	// FindByID returns nil and no error when the book does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*Book, error)
	Find(ctx context.Context, query ListQuery) ([]Book, error)
	// UpdateDetails writes the bibliographic fields of book and never touches
	// copies or available. Returns ErrNotFound when the book is gone.
	UpdateDetails(ctx context.Context, book Book) error
	// UpdateIfCopies writes every field of book, including copies and the derived
	// available flag, only if the stored copies still equal expectedCopies.
	UpdateIfCopies(ctx context.Context, book Book, expectedCopies int) error
	// Delete hard-removes the book. Returns ErrNotFound when nothing was deleted.
	Delete(ctx context.Context, id uuid.UUID) error
}

// internal/circulation/service.go
package circulation

import (
	"context"
)

// Service defines the interface for the circulation service.
type Service interface {
	Borrow(ctx context.Context, req BorrowRequest) (*Receipt, error)
	Summary(ctx context.Context) ([]BorrowSummary, error)
}

// Ledger persists committed borrows.
type Ledger interface {
	// BorrowIfCopies takes borrow.Quantity copies from the book and records borrow
	// as one atomic write, only if the stored copies still equal expectedCopies.
	// The book's updated_at becomes borrow.CreatedAt. Returns catalog.ErrConflict
	// and changes nothing when copies moved or the book is gone.
	BorrowIfCopies(ctx context.Context, borrow Borrow, expectedCopies int) error
	SummarizeBorrows(ctx context.Context) ([]BorrowSummary, error)
}

// IdempotencyGuard remembers request keys for a while.
type IdempotencyGuard interface {
	// Claim records key and reports false when it was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so the request can be sent again.
	Release(ctx context.Context, key string) error
}

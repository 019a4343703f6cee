// internal/circulation/domain.go
package circulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"librashelf/internal/catalog"
)

// DefaultLoanPeriod is how long a borrow lasts when no due date is given.
const DefaultLoanPeriod = 14 * 24 * time.Hour

var (
	// ErrInsufficientCopies is returned when a borrow asks for more copies than are in stock.
	// It is terminal: repeating the same request cannot succeed until stock grows.
	ErrInsufficientCopies = errors.New("insufficient copies")

	// ErrDuplicateRequest is returned when an idempotency key was already used.
	ErrDuplicateRequest = errors.New("duplicate request")
)

// InsufficientCopiesError carries the numbers behind an ErrInsufficientCopies rejection.
type InsufficientCopiesError struct {
	BookID    uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientCopiesError) Error() string {
	return fmt.Sprintf("insufficient copies of book %s: requested %d, available %d", e.BookID, e.Requested, e.Available)
}

func (e *InsufficientCopiesError) Unwrap() error {
	return ErrInsufficientCopies
}

// Borrow records a committed borrow transaction.
type Borrow struct {
	ID        uuid.UUID `json:"id"`
	BookID    uuid.UUID `json:"book"`
	Quantity  int       `json:"quantity"`
	DueDate   time.Time `json:"dueDate"`
	CreatedAt time.Time `json:"createdAt"`
}

// BorrowRequest asks for quantity copies of a book.
type BorrowRequest struct {
	BookID   uuid.UUID  `json:"book" validate:"required"`
	Quantity int        `json:"quantity" validate:"gt=0"`
	DueDate  *time.Time `json:"dueDate"`
	// IdempotencyKey, when set, makes a repeated request fail with ErrDuplicateRequest
	// instead of borrowing twice.
	IdempotencyKey string `json:"-"`
}

// Receipt is what a committed borrow returns: the record and the book as it stands after it.
type Receipt struct {
	Borrow Borrow       `json:"borrow"`
	Book   catalog.Book `json:"book"`
}

// BookSummary identifies a book inside a borrow summary.
type BookSummary struct {
	Title string `json:"title"`
	ISBN  string `json:"isbn"`
}

// BorrowSummary totals the copies borrowed from one book.
type BorrowSummary struct {
	BookID        uuid.UUID   `json:"-"`
	Book          BookSummary `json:"book"`
	TotalQuantity int         `json:"totalQuantity"`
}

// State is a step of the borrow transaction.
type State string

const (
	StateValidating State = "validating"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
)

// outcome labels borrow results for metrics and logs.
type outcome string

const (
	outcomeCommitted    outcome = "committed"
	outcomeInsufficient outcome = "insufficient_copies"
	outcomeNotFound     outcome = "not_found"
	outcomeInvalid      outcome = "invalid"
	outcomeDuplicate    outcome = "duplicate"
	outcomeConflict     outcome = "conflict"
	outcomeFailed       outcome = "failed"
)

func (o outcome) state() State {
	switch o {
	case outcomeCommitted:
		return StateCommitted
	case outcomeInvalid:
		return StateValidating
	default:
		return StateRejected
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
)

// Store is everything the services persist through.
type Store interface {
	catalog.Repository
	circulation.Ledger
	Ping(ctx context.Context) error
}

// BreakerSettings tune when the breaker opens and how long it stays open.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker after that many transient failures in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker rejects calls before probing again.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips after 5 consecutive transient failures and lets a trial call through after 10s.
var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 10 * time.Second}

// Breaker guards a Store with a circuit breaker. Only transient store failures count
// against it; conflicts and missing books are ordinary answers. While open, calls fail
// fast with catalog.ErrTransientStore.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Store, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return &Breaker{next: next, cb: cb}
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %w", catalog.ErrTransientStore, err)
	}
	if err != nil {
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}

func exec(b *Breaker, fn func() error) error {
	_, err := call(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (b *Breaker) Insert(ctx context.Context, book catalog.Book) error {
	return exec(b, func() error { return b.next.Insert(ctx, book) })
}

func (b *Breaker) FindByID(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	return call(b, func() (*catalog.Book, error) { return b.next.FindByID(ctx, id) })
}

func (b *Breaker) Find(ctx context.Context, query catalog.ListQuery) ([]catalog.Book, error) {
	return call(b, func() ([]catalog.Book, error) { return b.next.Find(ctx, query) })
}

func (b *Breaker) UpdateDetails(ctx context.Context, book catalog.Book) error {
	return exec(b, func() error { return b.next.UpdateDetails(ctx, book) })
}

func (b *Breaker) UpdateIfCopies(ctx context.Context, book catalog.Book, expectedCopies int) error {
	return exec(b, func() error { return b.next.UpdateIfCopies(ctx, book, expectedCopies) })
}

func (b *Breaker) Delete(ctx context.Context, id uuid.UUID) error {
	return exec(b, func() error { return b.next.Delete(ctx, id) })
}

func (b *Breaker) BorrowIfCopies(ctx context.Context, borrow circulation.Borrow, expectedCopies int) error {
	return exec(b, func() error { return b.next.BorrowIfCopies(ctx, borrow, expectedCopies) })
}

func (b *Breaker) SummarizeBorrows(ctx context.Context) ([]circulation.BorrowSummary, error) {
	return call(b, func() ([]circulation.BorrowSummary, error) { return b.next.SummarizeBorrows(ctx) })
}

func (b *Breaker) Ping(ctx context.Context) error {
	return exec(b, func() error { return b.next.Ping(ctx) })
}

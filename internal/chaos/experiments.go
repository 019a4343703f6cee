package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
	"librashelf/internal/clients"
)

// Library is the part of the server API the experiments drive.
type Library interface {
	CreateBook(ctx context.Context, input catalog.NewBook) (*catalog.Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error)
	ListBooks(ctx context.Context, query catalog.ListQuery) ([]catalog.Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, patch catalog.BookPatch) (*catalog.Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
	Borrow(ctx context.Context, req circulation.BorrowRequest, idempotencyKey string) (*circulation.Receipt, error)
}

// RaceConfig sizes the load of a borrow race.
type RaceConfig struct {
	Copies    int
	Borrowers int
	Duration  time.Duration
}

// DefaultRace seeds 20 copies and sends 50 single-copy borrows at once.
var DefaultRace = RaceConfig{Copies: 20, Borrowers: 50, Duration: 30 * time.Second}

// RegisterExperiments registers the predefined experiments against lib.
func (e *Engine) RegisterExperiments(lib Library, race RaceConfig) {
	e.Register(ConcurrentBorrowRace(lib, race))
	e.Register(RestockDuringBorrows(lib, race))
	e.Register(IdempotentReplay(lib, race.Borrowers))
}

// seededBook creates a throwaway book on setup and deletes it on rollback.
type seededBook struct {
	lib    Library
	copies int
	mu     sync.Mutex
	id     uuid.UUID
}

func (s *seededBook) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *seededBook) setup(name string) Action {
	return Action{
		Type:   "seed-book",
		Target: "catalog",
		Execute: func(ctx context.Context) error {
			copies := s.copies
			book, err := s.lib.CreateBook(ctx, catalog.NewBook{
				Title:  fmt.Sprintf("%s %s", name, uuid.NewString()[:8]),
				Author: "Chaos Monkey",
				Genre:  catalog.GenreScience,
				ISBN:   uuid.NewString(),
				Copies: &copies,
			})
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.id = book.ID
			s.mu.Unlock()
			return nil
		},
	}
}

func (s *seededBook) teardown() Action {
	return Action{
		Type:   "remove-book",
		Target: "catalog",
		Execute: func(ctx context.Context) error {
			id := s.ID()
			if id == uuid.Nil {
				return nil
			}
			return s.lib.DeleteBook(ctx, id)
		},
	}
}

// invariantViolations counts the books whose copies and availability disagree.
func invariantViolations(lib Library) Metric {
	return Metric{
		Name: "invariant_violations",
		Query: func(ctx context.Context) (float64, error) {
			books, err := lib.ListBooks(ctx, catalog.ListQuery{})
			if err != nil {
				return 0, err
			}
			violations := 0
			for _, book := range books {
				if !book.Consistent() {
					violations++
				}
			}
			return float64(violations), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ConcurrentBorrowRace fires more single-copy borrows than there are copies at one book.
// Every committed borrow must be matched by exactly one copy leaving the shelf.
func ConcurrentBorrowRace(lib Library, cfg RaceConfig) Experiment {
	book := &seededBook{lib: lib, copies: cfg.Copies}
	var committed atomic.Int64

	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Concurrent borrows never take more copies than exist and never leave available out of step with copies",
		Setup: []Action{
			book.setup("Race"),
			{
				Type:   "reset-counters",
				Target: "client",
				Execute: func(context.Context) error {
					committed.Store(0)
					return nil
				},
			},
		},
		SteadyState: []Metric{
			invariantViolations(lib),
			{
				// Copies handed out plus copies on the shelf must equal the seeded stock.
				Name: "stock_drift",
				Query: func(ctx context.Context) (float64, error) {
					current, err := lib.GetBook(ctx, book.ID())
					if err != nil {
						return 0, err
					}
					drift := int64(cfg.Copies) - committed.Load() - int64(current.Copies)
					if drift < 0 {
						drift = -drift
					}
					return float64(drift), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "overcommitted_borrows",
				Query: func(context.Context) (float64, error) {
					return float64(max(0, committed.Load()-int64(cfg.Copies))), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-borrows",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					return fanOut(cfg.Borrowers, func(int) error {
						_, err := lib.Borrow(ctx, circulation.BorrowRequest{BookID: book.ID(), Quantity: 1}, "")
						if err == nil {
							committed.Add(1)
							return nil
						}
						return expectRejection(err, "InsufficientCopies", "Conflict")
					})
				},
			},
		},
		Rollback: []Action{book.teardown()},
		Validation: []Assertion{
			{Metric: "invariant_violations", Condition: func(v float64) bool { return v == 0 }, Message: "Every book must keep available == (copies > 0)"},
			{Metric: "stock_drift", Condition: func(v float64) bool { return v == 0 }, Message: "Committed borrows plus remaining copies must equal the seeded stock"},
			{Metric: "overcommitted_borrows", Condition: func(v float64) bool { return v == 0 }, Message: "No more borrows than copies may commit"},
		},
		Duration:       cfg.Duration,
		SampleInterval: 100 * time.Millisecond,
	}
}

// RestockDuringBorrows changes the stock of a book while borrows compete for it.
func RestockDuringBorrows(lib Library, cfg RaceConfig) Experiment {
	book := &seededBook{lib: lib, copies: cfg.Copies}

	return Experiment{
		Name:        "restock-during-borrows",
		Hypothesis:  "Catalog updates of copies interleaved with borrows never break the copies/available invariant",
		Setup:       []Action{book.setup("Restock")},
		SteadyState: []Metric{invariantViolations(lib)},
		Method: []Action{
			{
				Type:   "concurrent-borrows",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					return fanOut(cfg.Borrowers, func(int) error {
						_, err := lib.Borrow(ctx, circulation.BorrowRequest{BookID: book.ID(), Quantity: 1 + rand.IntN(2)}, "")
						if err == nil {
							return nil
						}
						return expectRejection(err, "InsufficientCopies", "Conflict")
					})
				},
			},
			{
				Type:   "concurrent-restocks",
				Target: "catalog",
				Execute: func(ctx context.Context) error {
					return fanOut(cfg.Borrowers/5+1, func(int) error {
						copies := rand.IntN(cfg.Copies + 1)
						_, err := lib.UpdateBook(ctx, book.ID(), catalog.BookPatch{Copies: &copies})
						if err == nil {
							return nil
						}
						return expectRejection(err, "Conflict")
					})
				},
			},
		},
		Rollback: []Action{book.teardown()},
		Validation: []Assertion{
			{Metric: "invariant_violations", Condition: func(v float64) bool { return v == 0 }, Message: "Every book must keep available == (copies > 0)"},
		},
		Duration:       cfg.Duration,
		SampleInterval: 100 * time.Millisecond,
	}
}

// IdempotentReplay resends one borrow with the same idempotency key many times at once.
// Exactly one copy may leave the shelf.
func IdempotentReplay(lib Library, replays int) Experiment {
	book := &seededBook{lib: lib, copies: replays}
	var key string

	return Experiment{
		Name:       "idempotent-replay",
		Hypothesis: "A borrow resent with the same idempotency key commits at most once",
		Setup: []Action{
			book.setup("Replay"),
			{
				Type:   "pick-idempotency-key",
				Target: "client",
				Execute: func(context.Context) error {
					key = uuid.NewString()
					return nil
				},
			},
		},
		SteadyState: []Metric{
			{
				Name: "copies_taken",
				Query: func(ctx context.Context) (float64, error) {
					current, err := lib.GetBook(ctx, book.ID())
					if err != nil {
						return 0, err
					}
					return float64(replays - current.Copies), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:   "replayed-borrows",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					return fanOut(replays, func(int) error {
						_, err := lib.Borrow(ctx, circulation.BorrowRequest{BookID: book.ID(), Quantity: 1}, key)
						if err == nil {
							return nil
						}
						return expectRejection(err, "DuplicateRequest")
					})
				},
			},
		},
		Rollback: []Action{book.teardown()},
		Validation: []Assertion{
			{Metric: "copies_taken", Condition: func(v float64) bool { return v == 1 }, Message: "Exactly one replayed borrow must commit"},
		},
		Duration:       10 * time.Second,
		SampleInterval: 100 * time.Millisecond,
	}
}

// fanOut runs fn n times concurrently and joins the unexpected errors.
func fanOut(n int, fn func(i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if err := fn(i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}

// expectRejection swallows API rejections named in allowed and returns everything else.
func expectRejection(err error, allowed ...string) error {
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		for _, name := range allowed {
			if apiErr.Name == name {
				return nil
			}
		}
	}
	return err
}

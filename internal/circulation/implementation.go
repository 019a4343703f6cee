// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"librashelf/internal/catalog"
	"librashelf/internal/retry"
)

// service implements the Service interface.
type service struct {
	books    catalog.Repository
	ledger   Ledger
	guard    IdempotencyGuard
	policy   retry.Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	now      func() time.Time
}

// NewService creates a new circulation service. guard may be nil, in which case
// idempotency keys are ignored.
func NewService(books catalog.Repository, ledger Ledger, guard IdempotencyGuard, logger *slog.Logger, retryOpts ...retry.Option) (Service, error) {
	opts := append([]retry.Option{retry.WithRetryable(catalog.Retryable)}, retryOpts...)
	policy, err := retry.NewPolicy(opts...)
	if err != nil {
		return nil, fmt.Errorf("build retry policy: %w", err)
	}

	outcomes, err := otel.Meter("librashelf/circulation").Int64Counter(
		"librashelf.borrow.outcomes",
		metric.WithDescription("Borrow transactions by final outcome"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create borrow outcome counter: %w", err)
	}

	return &service{
		books:    books,
		ledger:   ledger,
		guard:    guard,
		policy:   policy,
		logger:   logger,
		tracer:   otel.Tracer("librashelf/circulation"),
		outcomes: outcomes,
		now:      time.Now,
	}, nil
}

// Borrow takes quantity copies of a book out of stock and records the loan.
//
// The decrement is a compare-and-set on the copies value read in the same attempt,
// written together with the ledger row. A lost race re-reads and re-checks stock,
// so copies never go below zero and a request is only rejected for insufficient
// stock against a fresh read. The borrow id stays fixed across attempts, so an
// attempt retried after an unacknowledged commit fails on the duplicate id
// instead of recording the loan twice.
func (s *service) Borrow(ctx context.Context, req BorrowRequest) (receipt *Receipt, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("book.id", req.BookID.String()),
			attribute.Int("borrow.quantity", req.Quantity),
		),
	)
	defer span.End()

	result := outcomeFailed
	defer func() {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(result))))
		span.SetAttributes(attribute.String("borrow.state", string(result.state())))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(result))
		}
	}()

	now := s.now().UTC()
	dueDate, err := s.validate(req, now)
	if err != nil {
		result = outcomeInvalid
		return nil, err
	}

	if req.IdempotencyKey != "" && s.guard != nil {
		key := "borrow:" + req.IdempotencyKey
		claimed, err := s.guard.Claim(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if !claimed {
			result = outcomeDuplicate
			return nil, fmt.Errorf("idempotency key %q: %w", req.IdempotencyKey, ErrDuplicateRequest)
		}
		defer func() {
			if result == outcomeCommitted {
				return
			}
			if releaseErr := s.guard.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				s.logger.WarnContext(ctx, "failed to release idempotency key", "key", req.IdempotencyKey, "error", releaseErr)
			}
		}()
	}

	borrow := Borrow{
		ID:       uuid.New(),
		BookID:   req.BookID,
		Quantity: req.Quantity,
		DueDate:  dueDate,
	}
	var book catalog.Book
	attempts, err := s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return s.commit(ctx, &borrow, attempt, &book)
	})
	span.SetAttributes(attribute.Int("borrow.attempts", attempts))
	if err != nil {
		result = classify(err)
		if result == outcomeConflict {
			s.logger.WarnContext(ctx, "borrow abandoned after repeated conflicts",
				"book_id", req.BookID,
				"quantity", req.Quantity,
				"attempts", attempts,
			)
		}
		return nil, fmt.Errorf("failed to borrow book %s: %w", req.BookID, err)
	}

	result = outcomeCommitted
	s.logger.InfoContext(ctx, "borrow committed",
		"borrow_id", borrow.ID,
		"book_id", req.BookID,
		"quantity", req.Quantity,
		"copies_left", book.Copies,
		"attempts", attempts,
	)
	return &Receipt{Borrow: borrow, Book: book}, nil
}

func (s *service) validate(req BorrowRequest, now time.Time) (time.Time, error) {
	if err := catalog.ValidateStruct(req); err != nil {
		return time.Time{}, err
	}
	if req.DueDate == nil {
		return now.Add(DefaultLoanPeriod), nil
	}
	if !req.DueDate.After(now) {
		return time.Time{}, catalog.NewValidationError("dueDate", "must be in the future")
	}
	return req.DueDate.UTC(), nil
}

// commit is one read-check-write attempt. The copies decrement and the ledger
// row land together or not at all.
func (s *service) commit(ctx context.Context, borrow *Borrow, attempt int, out *catalog.Book) error {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow.attempt",
		trace.WithAttributes(attribute.Int("attempt", attempt)),
	)
	defer span.End()

	current, err := s.books.FindByID(ctx, borrow.BookID)
	if err != nil {
		return err
	}
	if current == nil {
		return catalog.ErrNotFound
	}
	if borrow.Quantity > current.Copies {
		return &InsufficientCopiesError{
			BookID:    borrow.BookID,
			Requested: borrow.Quantity,
			Available: current.Copies,
		}
	}

	borrow.CreatedAt = s.now().UTC()
	if err := s.ledger.BorrowIfCopies(ctx, *borrow, current.Copies); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			s.logger.DebugContext(ctx, "copies changed during borrow, retrying",
				"book_id", borrow.BookID,
				"attempt", attempt,
				"expected_copies", current.Copies,
			)
		}
		span.RecordError(err)
		return err
	}

	*out = *current
	out.SetCopies(current.Copies - borrow.Quantity)
	out.Version = current.Version + 1
	out.UpdatedAt = borrow.CreatedAt
	return nil
}

// Summary totals borrowed copies per book.
func (s *service) Summary(ctx context.Context) ([]BorrowSummary, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.summary")
	defer span.End()

	var summary []BorrowSummary
	_, err := s.policy.Do(ctx, func(ctx context.Context, _ int) error {
		found, err := s.ledger.SummarizeBorrows(ctx)
		if err != nil {
			return err
		}
		summary = found
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to summarize borrows: %w", err)
	}

	if summary == nil {
		summary = []BorrowSummary{}
	}
	return summary, nil
}

func classify(err error) outcome {
	switch {
	case errors.Is(err, ErrInsufficientCopies):
		return outcomeInsufficient
	case errors.Is(err, catalog.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, catalog.ErrConflict):
		return outcomeConflict
	default:
		return outcomeFailed
	}
}

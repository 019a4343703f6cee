// internal/catalog/implementation.go
package catalog

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
	"go.opentelemetry.io/otel/trace"

	"librashelf/internal/retry"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	policy retry.Policy
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance. Reads and copies-changing
// updates are retried under a policy built from retryOpts; only conflicts and
// transient store failures are ever retried.
func NewService(repo Repository, logger *slog.Logger, retryOpts ...retry.Option) (Service, error) {
	opts := append([]retry.Option{retry.WithRetryable(Retryable)}, retryOpts...)
	policy, err := retry.NewPolicy(opts...)
	if err != nil {
		return nil, fmt.Errorf("build retry policy: %w", err)
	}

	return &service{
		repo:   repo,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("librashelf/catalog"),
		now:    time.Now,
	}, nil
}

// CreateBook adds a new book to the catalog. The available flag is derived from
// copies; a contradicting caller value is dropped.
func (s *service) CreateBook(ctx context.Context, input NewBook) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.create_book")
	defer span.End()

	if err := ValidateStruct(input); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	now := s.now().UTC()
	book := Book{
		ID:          uuid.New(),
		Title:       input.Title,
		Author:      input.Author,
		Genre:       input.Genre,
		ISBN:        input.ISBN,
		Description: input.Description,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	book.SetCopies(*input.Copies)

	if input.Available != nil && *input.Available != book.Available {
		s.logger.WarnContext(ctx, "ignoring available flag that contradicts copies",
			"isbn", book.ISBN,
			"copies", book.Copies,
			"requested_available", *input.Available,
		)
	}

	span.SetAttributes(attribute.String("book.id", book.ID.String()), attribute.Int("book.copies", book.Copies))

	// A retry after an unacknowledged insert fails on the duplicate id.
	attempts, err := s.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return s.repo.Insert(ctx, book)
	})
	span.SetAttributes(attribute.Int("book.insert_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	s.logger.InfoContext(ctx, "book created", "book_id", book.ID, "isbn", book.ISBN, "copies", book.Copies)
	return &book, nil
}

// ListBooks returns books narrowed by genre, ordered and capped per query.
func (s *service) ListBooks(ctx context.Context, query ListQuery) ([]Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_books",
		trace.WithAttributes(
			attribute.String("query.genre", string(query.Genre)),
			attribute.String("query.sort_by", string(query.SortBy)),
			attribute.Bool("query.descending", query.Descending),
			attribute.Int("query.limit", query.Limit),
		),
	)
	defer span.End()

	if query.SortBy == "" {
		query.SortBy = SortByCreatedAt
	}
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	var books []Book
	_, err := s.policy.Do(ctx, func(ctx context.Context, _ int) error {
		found, err := s.repo.Find(ctx, query)
		if err != nil {
			return err
		}
		books = found
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list books: %w", err)
	}

	if books == nil {
		books = []Book{}
	}
	span.SetAttributes(attribute.Int("books.returned", len(books)))
	return books, nil
}

func validateQuery(query ListQuery) error {
	if query.Genre != "" && !query.Genre.Valid() {
		return NewValidationError("filter", fmt.Sprintf("must be one of %s", joinGenres()))
	}
	if !query.SortBy.Valid() {
		return NewValidationError("sortBy", fmt.Sprintf("cannot sort by %q", query.SortBy))
	}
	if query.Limit < 0 {
		return NewValidationError("limit", "must be a non-negative integer")
	}
	return nil
}

// GetBook retrieves a book by its ID. Absence is reported as a nil book.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	var book *Book
	_, err := s.policy.Do(ctx, func(ctx context.Context, _ int) error {
		found, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		book = found
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get book %s: %w", id, err)
	}

	span.SetAttributes(attribute.Bool("book.found", book != nil))
	return book, nil
}

// UpdateBook applies a partial update. When copies change the write competes with
// borrow transactions: it only lands if copies still hold the value read, and the
// whole read-merge-write is repeated otherwise.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, patch BookPatch) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_book",
		trace.WithAttributes(
			attribute.String("book.id", id.String()),
			attribute.Bool("patch.copies", patch.Copies != nil),
		),
	)
	defer span.End()

	if err := ValidateStruct(patch); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	var updated Book
	attempts, err := s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}

		next := *current
		if patch.Empty() {
			updated = next
			return nil
		}

		patch.apply(&next)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now().UTC()

		if patch.Copies == nil {
			err = s.repo.UpdateDetails(ctx, next)
		} else {
			err = s.repo.UpdateIfCopies(ctx, next, current.Copies)
		}
		if err != nil {
			if errors.Is(err, ErrConflict) {
				s.logger.DebugContext(ctx, "copies changed during update, retrying",
					"book_id", id,
					"attempt", attempt,
					"expected_copies", current.Copies,
				)
			}
			return err
		}

		updated = next
		return nil
	})
	span.SetAttributes(attribute.Int("update.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		if errors.Is(err, ErrConflict) {
			s.logger.WarnContext(ctx, "update abandoned after repeated conflicts",
				"book_id", id,
				"attempts", attempts,
			)
		}
		return nil, fmt.Errorf("failed to update book %s: %w", id, err)
	}

	return &updated, nil
}

// DeleteBook hard-removes a book. Deleting a missing book reports ErrNotFound, every time.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	_, err := s.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete book %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "book deleted", "book_id", id)
	return nil
}

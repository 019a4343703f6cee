// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"librashelf/internal/catalog"
	"librashelf/internal/httpx"
)

// IdempotencyHeader carries the client-chosen key that makes a borrow safe to resend.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	service Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHandler creates the borrow handler. limiter may be nil to disable rate limiting.
func NewHandler(service Service, limiter *rate.Limiter, logger *slog.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Routes mounts the borrow endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/borrow", func(r chi.Router) {
		r.Post("/", h.handleBorrow)
		r.Get("/", h.handleSummary)
	})
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		httpx.WriteError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded", nil)
		return
	}

	var req BorrowRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		h.writeError(w, r, catalog.NewValidationError("body", err.Error()))
		return
	}
	req.IdempotencyKey = r.Header.Get(IdempotencyHeader)

	receipt, err := h.service.Borrow(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusCreated, "Book borrowed successfully", receipt)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusOK, "Borrowed books summary retrieved successfully", summary)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var name string
	switch {
	case errors.Is(err, ErrInsufficientCopies):
		status, name = http.StatusUnprocessableEntity, "InsufficientCopies"
	case errors.Is(err, ErrDuplicateRequest):
		status, name = http.StatusConflict, "DuplicateRequest"
	default:
		status, name = catalog.StatusFor(err)
	}
	catalog.WriteStatusError(w, r, h.logger, status, name, err)
}

// internal/catalog/handler.go
package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"librashelf/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the book endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/books", func(r chi.Router) {
		r.Post("/", h.handleCreateBook)
		r.Get("/", h.handleListBooks)
		r.Route("/{bookId}", func(r chi.Router) {
			r.Get("/", h.handleGetBook)
			r.Put("/", h.handleUpdateBook)
			r.Patch("/", h.handleUpdateBook)
			r.Delete("/", h.handleDeleteBook)
		})
	})
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var input NewBook
	if err := httpx.Decode(w, r, &input); err != nil {
		h.WriteError(w, r, NewValidationError("body", err.Error()))
		return
	}

	book, err := h.service.CreateBook(r.Context(), input)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusCreated, "Book created successfully", book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	query, err := ParseListQuery(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	books, err := h.service.ListBooks(r.Context(), query)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusOK, "Books retrieved successfully", books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := bookID(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if book == nil {
		h.WriteError(w, r, ErrNotFound)
		return
	}

	httpx.WriteData(w, http.StatusOK, "Book retrieved successfully", book)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := bookID(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	var patch BookPatch
	if err := httpx.Decode(w, r, &patch); err != nil {
		h.WriteError(w, r, NewValidationError("body", err.Error()))
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, patch)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusOK, "Book updated successfully", book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := bookID(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		h.WriteError(w, r, err)
		return
	}

	httpx.WriteData(w, http.StatusOK, "Book deleted successfully", nil)
}

func bookID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "bookId"))
	if err != nil {
		return uuid.Nil, NewValidationError("bookId", "must be a valid UUID")
	}
	return id, nil
}

// ParseListQuery reads filter, sortBy, sort and limit from the query string.
func ParseListQuery(r *http.Request) (ListQuery, error) {
	values := r.URL.Query()
	query := ListQuery{
		Genre:  Genre(strings.TrimSpace(values.Get("filter"))),
		SortBy: SortField(strings.TrimSpace(values.Get("sortBy"))),
	}

	switch strings.ToLower(strings.TrimSpace(values.Get("sort"))) {
	case "", "asc":
	case "desc":
		query.Descending = true
	default:
		return ListQuery{}, NewValidationError("sort", "must be asc or desc")
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return ListQuery{}, NewValidationError("limit", "must be a non-negative integer")
		}
		query.Limit = limit
	}

	return query, nil
}

// StatusFor maps a catalog error to its HTTP status and error name.
func StatusFor(err error) (int, string) {
	switch {
	case IsValidation(err):
		return http.StatusBadRequest, "ValidationError"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable, "TransientStoreFailure"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

// WriteError writes err as an error envelope. Unclassified errors are logged and
// reported without their details.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, name := StatusFor(err)
	WriteStatusError(w, r, h.logger, status, name, err)
}

// WriteStatusError writes err under an already decided status and name.
func WriteStatusError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, name string, err error) {
	var fields map[string]string
	var ve *ValidationError
	if errors.As(err, &ve) {
		fields = ve.Fields
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal server error"
	}

	httpx.WriteError(w, status, name, message, fields)
}

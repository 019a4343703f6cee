// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
	"librashelf/internal/httpx"
)

// APIError is a failure envelope returned by the server.
type APIError struct {
	Status  int
	Name    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Name, e.Message)
}

// Client talks to a running server over its JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateBook(ctx context.Context, input catalog.NewBook) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPost, "/api/books", nil, input, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, "/api/books/"+id.String(), nil, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) ListBooks(ctx context.Context, query catalog.ListQuery) ([]catalog.Book, error) {
	params := url.Values{}
	if query.Genre != "" {
		params.Set("filter", string(query.Genre))
	}
	if query.SortBy != "" {
		params.Set("sortBy", string(query.SortBy))
	}
	if query.Descending {
		params.Set("sort", "desc")
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}

	var books []catalog.Book
	if err := c.do(ctx, http.MethodGet, "/api/books", params, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) UpdateBook(ctx context.Context, id uuid.UUID, patch catalog.BookPatch) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPatch, "/api/books/"+id.String(), nil, patch, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) DeleteBook(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/books/"+id.String(), nil, nil, nil)
}

// Borrow sends a borrow request. idempotencyKey may be empty.
func (c *Client) Borrow(ctx context.Context, req circulation.BorrowRequest, idempotencyKey string) (*circulation.Receipt, error) {
	var receipt circulation.Receipt
	if err := c.doWithHeader(ctx, http.MethodPost, "/api/borrow", nil, req, &receipt, circulation.IdempotencyHeader, idempotencyKey); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) Summary(ctx context.Context) ([]circulation.BorrowSummary, error) {
	var summary []circulation.BorrowSummary
	if err := c.do(ctx, http.MethodGet, "/api/borrow", nil, nil, &summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	return c.doWithHeader(ctx, method, path, params, body, out, "", "")
}

func (c *Client) doWithHeader(ctx context.Context, method, path string, params url.Values, body, out any, header, value string) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := httpx.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if header != "" && value != "" {
		req.Header.Set(header, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope httpx.ErrorEnvelope
		if err := httpx.Unmarshal(raw, &envelope); err != nil {
			return &APIError{Status: resp.StatusCode, Name: "Unknown", Message: string(raw)}
		}
		return &APIError{
			Status:  resp.StatusCode,
			Name:    envelope.Error.Name,
			Message: envelope.Message,
			Fields:  envelope.Error.Errors,
		}
	}

	if out == nil {
		return nil
	}
	envelope := httpx.Envelope{Data: out}
	if err := httpx.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

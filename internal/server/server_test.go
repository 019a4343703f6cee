package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librashelf/internal/catalog"
	"librashelf/internal/circulation"
	"librashelf/internal/config"
	"librashelf/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() config.Config {
	return config.Config{
		HTTPAddr:         ":0",
		StoreDriver:      "memory",
		BorrowRateLimit:  100,
		BorrowRateBurst:  10,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   time.Millisecond,
		ServiceName:      "librashelf-test",
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBuild_MemoryStore(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	rec := get(t, app.Handler, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"ok","data":{"status":"ok"}}`, rec.Body.String())

	rec = get(t, app.Handler, "/api/shelves")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"NotFound"`)

	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/borrow", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBuild_EndToEndBorrow(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	body := `{"title":"Dune","author":"Herbert","genre":"FICTION","isbn":"X1","copies":2}`
	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/books", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	books, err := app.Store.Find(context.Background(), catalog.ListQuery{SortBy: catalog.SortByTitle})
	require.NoError(t, err)
	require.Len(t, books, 1)

	borrow := `{"book":"` + books[0].ID.String() + `","quantity":2}`
	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/borrow", bytes.NewBufferString(borrow)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = get(t, app.Handler, "/api/books/"+books[0].ID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"copies":0`)
	assert.Contains(t, rec.Body.String(), `"available":false`)
}

func TestBuild_UnreachableRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Build(ctx, cfg, quietLogger())
	assert.ErrorContains(t, err, "connect redis")
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestRouter_HealthReportsStoreOutage(t *testing.T) {
	store := storage.NewMemoryStore()
	books, err := catalog.NewService(store, quietLogger())
	require.NoError(t, err)
	borrows, err := circulation.NewService(store, store, nil, quietLogger())
	require.NoError(t, err)

	h := NewRouter(
		catalog.NewHandler(books, quietLogger()),
		circulation.NewHandler(borrows, nil, quietLogger()),
		downPinger{},
		quietLogger(),
	)

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Unavailable"`)
}

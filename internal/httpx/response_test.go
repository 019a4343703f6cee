package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteData(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteData(rec, http.StatusCreated, "Book created successfully", map[string]int{"copies": 2})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"message":"Book created successfully","data":{"copies":2}}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "ValidationError", "validation failed", map[string]string{"copies": "is required"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"validation failed","error":{"name":"ValidationError","errors":{"copies":"is required"}}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "NotFound", "book not found", nil)
	assert.JSONEq(t, `{"success":false,"message":"book not found","error":{"name":"NotFound"}}`, rec.Body.String())
}

func TestDecode(t *testing.T) {
	var v struct {
		Quantity int `json:"quantity"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3}`))
	require.NoError(t, Decode(httptest.NewRecorder(), req, &v))
	assert.Equal(t, 3, v.Quantity)

	for name, body := range map[string]string{
		"empty":      "",
		"malformed":  `{"quantity":`,
		"wrong type": `{"quantity":"three"}`,
		"too large":  `{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := Decode(httptest.NewRecorder(), req, &v)
		assert.ErrorIs(t, err, ErrMalformedBody, name)
	}
}

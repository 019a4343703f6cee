// Package httpx holds the JSON envelope shared by every HTTP handler.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// Envelope wraps a successful response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// ErrorBody names the failure and, for validation failures, lists the offending fields.
type ErrorBody struct {
	Name   string            `json:"name"`
	Errors map[string]string `json:"errors,omitempty"`
}

// ErrorEnvelope wraps a failed response.
type ErrorEnvelope struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Error   ErrorBody `json:"error"`
}

// WriteData writes a success envelope with the given status.
func WriteData(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Success: true, Message: message, Data: data})
}

// WriteError writes a failure envelope with the given status.
func WriteError(w http.ResponseWriter, status int, name, message string, fields map[string]string) {
	write(w, status, ErrorEnvelope{
		Message: message,
		Error:   ErrorBody{Name: name, Errors: fields},
	})
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrMalformedBody is returned by Decode when the body is not a single JSON document.
var ErrMalformedBody = errors.New("malformed request body")

// Decode reads a JSON request body into v.
func Decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformedBody)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// Unmarshal decodes data with the same configuration the handlers use.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal encodes v with the same configuration the handlers use.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when the referenced book does not exist.
	ErrNotFound = errors.New("book not found")

	// ErrConflict is returned when a conditional write kept losing to concurrent writers
	// until the retry bound was exhausted. Retrying the whole operation is safe.
	ErrConflict = errors.New("concurrency conflict: copies changed concurrently")

	// ErrTransientStore wraps store failures that may succeed on a later attempt:
	// timeouts, dropped connections, busy or locked databases.
	ErrTransientStore = errors.New("transient store failure")
)

// ValidationError reports malformed or constraint-violating input, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Retryable reports whether an attempt that failed with err may be repeated from scratch.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransientStore)
}

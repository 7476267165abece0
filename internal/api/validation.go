package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// queryParams reads typed query parameters, collecting every problem
type queryParams struct {
	r    *http.Request
	errs ValidationErrors
}

func newQueryParams(r *http.Request) *queryParams {
	return &queryParams{r: r}
}

func (q *queryParams) add(field, format string, args ...any) {
	q.errs = append(q.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Int returns the named parameter, or def when absent
func (q *queryParams) Int(name string, def, min, max int, required bool) int {
	raw := q.r.URL.Query().Get(name)
	if raw == "" {
		if required {
			q.add(name, "is required")
		}
		return def
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		q.add(name, "must be an integer")
		return def
	}
	if v < min || v > max {
		q.add(name, "must be between %d and %d", min, max)
		return def
	}
	return v
}

// Time parses an RFC 3339 timestamp
func (q *queryParams) Time(name string) time.Time {
	raw := q.r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.add(name, "must be an RFC 3339 timestamp")
		return time.Time{}
	}
	return t
}

// Bool parses a boolean parameter
func (q *queryParams) Bool(name string) bool {
	raw := q.r.URL.Query().Get(name)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		q.add(name, "must be a boolean")
		return false
	}
	return v
}

// String returns the raw parameter
func (q *queryParams) String(name string) string {
	return q.r.URL.Query().Get(name)
}

// Errors returns the problems found so far
func (q *queryParams) Errors() ValidationErrors {
	return q.errs
}

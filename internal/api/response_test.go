package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"message": "hello"})

	result := w.Result()
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, result.StatusCode)
	}
	if result.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", result.Header.Get("Content-Type"))
	}

	if !decodeResponse(t, w).Success {
		t.Error("Response should be successful")
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		code   string
	}{
		{"error", func(w http.ResponseWriter) { Error(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid input") }, http.StatusBadRequest, "BAD_REQUEST"},
		{"internal", func(w http.ResponseWriter) { InternalError(w, "boom") }, http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "no store") }, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"validation", func(w http.ResponseWriter) {
			ValidationErrorResponse(w, ValidationErrors{{Field: "width", Message: "is required"}})
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			response := decodeResponse(t, w)
			if response.Success {
				t.Error("Response should not be successful")
			}
			if response.Error == nil || response.Error.Code != tt.code {
				t.Errorf("Expected code %s, got %+v", tt.code, response.Error)
			}
		})
	}
}

func TestList(t *testing.T) {
	tests := []struct {
		name                 string
		total, page, perPage int
		wantPages            int
	}{
		{"exact", 20, 1, 10, 2},
		{"remainder", 21, 2, 10, 3},
		{"defaults", 5, 0, 0, 1},
		{"empty", 0, 1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			List(w, []string{}, tt.total, tt.page, tt.perPage)

			response := decodeResponse(t, w)
			if response.Meta == nil {
				t.Fatal("Response should have meta")
			}
			if response.Meta.TotalPages != tt.wantPages {
				t.Errorf("Expected %d pages, got %d", tt.wantPages, response.Meta.TotalPages)
			}
			if response.Meta.Total != tt.total {
				t.Errorf("Expected total %d, got %d", tt.total, response.Meta.Total)
			}
		})
	}
}

func TestQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?w=640&h=abc&big=99999&since=2024-01-02T03:04:05Z&ended=true&bad=maybe", nil)
	q := newQueryParams(r)

	if v := q.Int("w", 0, 1, 4096, true); v != 640 {
		t.Errorf("Expected 640, got %d", v)
	}
	q.Int("h", 0, 1, 4096, true)
	q.Int("big", 0, 1, 4096, false)
	q.Int("missing", 0, 1, 4096, true)
	if v := q.Int("optional", 7, 1, 10, false); v != 7 {
		t.Errorf("Expected default 7, got %d", v)
	}
	if ts := q.Time("since"); ts.Year() != 2024 {
		t.Errorf("Unexpected time %v", ts)
	}
	if !q.Bool("ended") {
		t.Error("Expected ended=true")
	}
	q.Bool("bad")

	errs := q.Errors()
	if len(errs) != 4 {
		t.Fatalf("Expected 4 errors, got %v", errs)
	}
	if !errs.HasErrors() || errs.Error() == "" {
		t.Error("Expected errors to be reported")
	}

	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"h", "big", "missing", "bad"} {
		if !fields[f] {
			t.Errorf("Expected error for %s", f)
		}
	}
}

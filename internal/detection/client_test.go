package detection

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Address: "localhost:5100",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.baseURL != "http://localhost:5100" {
		t.Errorf("Expected baseURL 'http://localhost:5100', got %s", client.baseURL)
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", client.httpClient.Timeout)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(ClientConfig{Address: "http://localhost:5100/"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.baseURL != "http://localhost:5100" {
		t.Errorf("Expected baseURL 'http://localhost:5100', got %s", client.baseURL)
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", client.httpClient.Timeout)
	}
	if client.quality != 90 {
		t.Errorf("Expected default JPEG quality 90, got %d", client.quality)
	}
}

func TestNewClient_MissingAddress(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("Expected error for empty address")
	}
}

func TestClient_Recognize_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/detect" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req["image_data"] == "" {
			t.Error("Expected image_data in request")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"detections": []map[string]interface{}{
				{
					"id":         "0",
					"label":      "person",
					"confidence": 0.95,
					"bbox":       map[string]float64{"left": 10, "top": 20, "right": 110, "bottom": 220},
				},
				{
					"id":         "1",
					"label":      "kite",
					"confidence": 0.7,
				},
			},
			"process_time_ms": 25.5,
		})
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{Address: server.URL})

	results, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 300, 300)))
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Title != "person" || results[0].Confidence != 0.95 {
		t.Errorf("Unexpected first result %v", results[0])
	}
	want := geometry.Rect{Left: 10, Top: 20, Right: 110, Bottom: 220}
	if results[0].Location == nil || *results[0].Location != want {
		t.Errorf("Expected location %+v, got %v", want, results[0].Location)
	}
	if results[1].Location != nil {
		t.Errorf("Expected nil location for box-less detection, got %+v", *results[1].Location)
	}

	requests, errCount, _ := client.Stats()
	if requests != 1 || errCount != 0 {
		t.Errorf("Expected 1 request and 0 errors, got %d and %d", requests, errCount)
	}
}

func TestClient_Recognize_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "model not loaded",
		})
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{Address: server.URL})

	_, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	var detErr *DetectorError
	if !errors.As(err, &detErr) {
		t.Fatalf("Expected DetectorError, got %v", err)
	}
	if detErr.Message != "model not loaded" {
		t.Errorf("Expected message 'model not loaded', got %q", detErr.Message)
	}

	_, errCount, _ := client.Stats()
	if errCount != 1 {
		t.Errorf("Expected 1 error, got %d", errCount)
	}
}

func TestClient_Recognize_FailedReply(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"server error without text", http.StatusInternalServerError, `{"success":false}`, "backend returned 500 Internal Server Error"},
		{"unavailable with text", http.StatusServiceUnavailable, `{"success":false,"error":"warming up"}`, "warming up"},
		{"server error with non-json body", http.StatusBadGateway, "upstream down", "backend returned 502 Bad Gateway"},
		{"ok status without success", http.StatusOK, `{"success":false}`, "backend reported failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := NewClient(ClientConfig{Address: server.URL})

			results, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
			if results != nil {
				t.Errorf("Expected no results, got %v", results)
			}
			var detErr *DetectorError
			if !errors.As(err, &detErr) {
				t.Fatalf("Expected DetectorError, got %v", err)
			}
			if detErr.Op != "detect" || detErr.Message != tt.wantMsg {
				t.Errorf("Expected detect: %q, got %q: %q", tt.wantMsg, detErr.Op, detErr.Message)
			}

			if _, errCount, _ := client.Stats(); errCount != 1 {
				t.Errorf("Expected 1 error, got %d", errCount)
			}
		})
	}
}

func TestClient_Load_FailedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":true,"model_id":"ssd"}`))
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{Address: server.URL})
	if _, err := client.Load(context.Background(), Model{Path: "model.pb", InputSize: 300}); err == nil {
		t.Fatal("Expected error for a 500 reply")
	}
	if client.ModelID() != "" {
		t.Errorf("Expected no model id after a failed load, got %q", client.ModelID())
	}
}

func TestClient_Recognize_Unreachable(t *testing.T) {
	client, _ := NewClient(ClientConfig{Address: "127.0.0.1:1", Timeout: time.Second})

	if _, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8))); err == nil {
		t.Error("Expected error for unreachable backend")
	}
}

func TestClient_Load(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var model Model
		_ = json.NewDecoder(r.Body).Decode(&model)
		if model.InputSize != 300 {
			t.Errorf("Expected input size 300, got %d", model.InputSize)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":  true,
			"model_id": "ssd",
		})
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{Address: server.URL})
	id, err := client.Load(context.Background(), Model{Path: "model.pb", InputSize: 300})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if id != "ssd" || client.ModelID() != "ssd" {
		t.Errorf("Expected model id 'ssd', got %q / %q", id, client.ModelID())
	}
}

func TestNewDetector_ModelInitFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "no such asset",
		})
	}))
	defer server.Close()

	_, err := NewDetector(context.Background(), ClientConfig{Address: server.URL}, Model{Path: "x.pb", InputSize: 300, Labels: []string{"a"}})
	if !errors.Is(err, ErrModelInit) {
		t.Errorf("Expected ErrModelInit, got %v", err)
	}
}

func TestNewDetector_MissingLabels(t *testing.T) {
	_, err := NewDetector(context.Background(), ClientConfig{Address: "localhost:5100"}, Model{
		Path:       "x.pb",
		LabelsPath: filepath.Join(t.TempDir(), "missing.txt"),
		InputSize:  300,
	})
	if !errors.Is(err, ErrModelInit) {
		t.Errorf("Expected ErrModelInit, got %v", err)
	}
}

func TestEmbeddedServer_RoundTrip(t *testing.T) {
	fixture := []Recognition{
		{ID: "0", Title: "person", Confidence: 0.9, Location: &geometry.Rect{Left: 1, Top: 2, Right: 30, Bottom: 40}},
		{ID: "1", Title: "dog", Confidence: 0.3, Location: &geometry.Rect{Left: 5, Top: 5, Right: 9, Bottom: 9}},
	}
	backend := NewEmbeddedServer(EmbeddedServerConfig{Fixture: fixture})
	server := httptest.NewServer(backend.Handler())
	defer server.Close()

	labelsPath := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(labelsPath, []byte("person\ndog\n"), 0644); err != nil {
		t.Fatalf("Failed to write labels: %v", err)
	}

	client, err := NewDetector(context.Background(), ClientConfig{Address: server.URL}, Model{
		Path:       "ssd.pb",
		LabelsPath: labelsPath,
		InputSize:  300,
	})
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	results, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 300, 300)))
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if *results[0].Location != *fixture[0].Location {
		t.Errorf("Expected %+v, got %+v", *fixture[0].Location, *results[0].Location)
	}

	// Wrong crop size is rejected
	if _, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10))); err == nil {
		t.Error("Expected error for wrong input size")
	}
}

func TestEmbeddedServer_DetectBeforeLoad(t *testing.T) {
	backend := NewEmbeddedServer(EmbeddedServerConfig{})
	server := httptest.NewServer(backend.Handler())
	defer server.Close()

	client, _ := NewClient(ClientConfig{Address: server.URL})
	_, err := client.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 300, 300)))

	var detErr *DetectorError
	if !errors.As(err, &detErr) {
		t.Errorf("Expected DetectorError, got %v", err)
	}
}

func TestEmbeddedServer_StartStop(t *testing.T) {
	backend := NewEmbeddedServer(EmbeddedServerConfig{Addr: "127.0.0.1:0"})
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + backend.Address() + "/status")
	if err != nil {
		t.Fatalf("Status request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := backend.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestDetectorError(t *testing.T) {
	err := &DetectorError{Op: "detect", Message: "boom"}
	if err.Error() != "detect: boom" {
		t.Errorf("Unexpected message %q", err.Error())
	}
	if (&DetectorError{Message: "boom"}).Error() != "boom" {
		t.Error("Expected bare message without op")
	}
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
	"github.com/Spatial-NVR/objdetect/internal/logging"
	"github.com/Spatial-NVR/objdetect/internal/pipeline"
	"github.com/Spatial-NVR/objdetect/internal/store"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

type fakeTracks struct {
	tracks []tracking.Track
}

func (f *fakeTracks) Tracks() []tracking.Track { return f.tracks }

func (f *fakeTracks) Overlay(w, h int) []tracking.OverlayBox {
	out := []tracking.OverlayBox{}
	for _, t := range f.tracks {
		out = append(out, tracking.OverlayBox{TrackID: t.ID, Label: t.Label, Box: geometry.Rect{Right: float64(w), Bottom: float64(h)}})
	}
	return out
}

type fakeStats struct{}

func (fakeStats) Stats() pipeline.Stats { return pipeline.Stats{Frames: 10, Dropped: 4} }

type fakeHistory struct {
	records   []store.TrackRecord
	lastQuery store.TrackFilter
	err       error
}

func (f *fakeHistory) ListTracks(_ context.Context, filter store.TrackFilter) ([]store.TrackRecord, error) {
	f.lastQuery = filter
	if f.err != nil {
		return nil, f.err
	}
	end := min(filter.Offset+filter.Limit, len(f.records))
	if filter.Offset >= end {
		return []store.TrackRecord{}, nil
	}
	return f.records[filter.Offset:end], nil
}

func (f *fakeHistory) CountTracks(context.Context, store.TrackFilter) (int, error) {
	return len(f.records), f.err
}

func (f *fakeHistory) CountCycles(context.Context) (int64, int64, error) { return 5, 1, f.err }

func (f *fakeHistory) Health(context.Context) error { return f.err }

type fakeBus struct{ err error }

func (f fakeBus) HealthCheck(context.Context) error { return f.err }

func newTestServer(history *fakeHistory, logs *logging.RingBuffer) *Server {
	deps := Deps{
		Tracks: &fakeTracks{tracks: []tracking.Track{{ID: "t1", Label: "person", Confidence: 0.9}}},
		Stats:  fakeStats{},
		Bus:    fakeBus{},
		Logs:   logs,
		Hub:    NewHub(nil, nil, nil),
	}
	if history != nil {
		deps.History = history
	}
	return NewServer(deps)
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode %s: %v (%s)", target, err, w.Body.String())
	}
	return w, resp
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name    string
		history *fakeHistory
		bus     fakeBus
		want    int
	}{
		{"healthy", &fakeHistory{}, fakeBus{}, http.StatusOK},
		{"database down", &fakeHistory{err: errors.New("locked")}, fakeBus{}, http.StatusServiceUnavailable},
		{"bus down", &fakeHistory{}, fakeBus{err: errors.New("closed")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.history, nil)
			s.deps.Bus = tt.bus

			w, resp := get(t, s.Router(), "/health")
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			if resp.Data == nil {
				t.Error("Expected health data")
			}
		})
	}
}

func TestServer_Tracks(t *testing.T) {
	w, resp := get(t, newTestServer(nil, nil).Router(), "/api/v1/tracks")
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("Unexpected response %d %+v", w.Code, resp)
	}
	tracks, ok := resp.Data.([]any)
	if !ok || len(tracks) != 1 {
		t.Fatalf("Expected one track, got %v", resp.Data)
	}
	if tracks[0].(map[string]any)["label"] != "person" {
		t.Errorf("Unexpected track %v", tracks[0])
	}
}

func TestServer_TrackHistory(t *testing.T) {
	history := &fakeHistory{}
	for i := 0; i < 5; i++ {
		history.records = append(history.records, store.TrackRecord{ID: string(rune('a' + i)), Label: "person"})
	}
	h := newTestServer(history, nil).Router()

	w, resp := get(t, h, "/api/v1/tracks/history?page=2&per_page=2&label=person&ended=true&since=2024-01-01T00:00:00Z")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Meta == nil || resp.Meta.Total != 5 || resp.Meta.TotalPages != 3 || resp.Meta.Page != 2 {
		t.Errorf("Unexpected meta %+v", resp.Meta)
	}
	items := resp.Data.([]any)
	if len(items) != 2 || items[0].(map[string]any)["id"] != "c" {
		t.Errorf("Unexpected page %v", items)
	}

	q := history.lastQuery
	if q.Label != "person" || !q.EndedOnly || q.Since.IsZero() || q.Offset != 2 || q.Limit != 2 {
		t.Errorf("Unexpected filter %+v", q)
	}
}

func TestServer_TrackHistory_Errors(t *testing.T) {
	tests := []struct {
		name    string
		history *fakeHistory
		target  string
		want    int
	}{
		{"bad page", &fakeHistory{}, "/api/v1/tracks/history?page=zero", http.StatusBadRequest},
		{"bad since", &fakeHistory{}, "/api/v1/tracks/history?since=yesterday", http.StatusBadRequest},
		{"store error", &fakeHistory{err: errors.New("boom")}, "/api/v1/tracks/history", http.StatusInternalServerError},
		{"no store", nil, "/api/v1/tracks/history", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := get(t, newTestServer(tt.history, nil).Router(), tt.target)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			if resp.Success {
				t.Error("Expected failure response")
			}
		})
	}
}

func TestServer_Overlay(t *testing.T) {
	h := newTestServer(nil, nil).Router()

	w, resp := get(t, h, "/api/v1/overlay?width=480&height=640")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	data := resp.Data.(map[string]any)
	if data["width"] != float64(480) || len(data["boxes"].([]any)) != 1 {
		t.Errorf("Unexpected overlay %v", data)
	}

	w, resp = get(t, h, "/api/v1/overlay?width=480")
	if w.Code != http.StatusBadRequest || resp.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected validation error, got %d %+v", w.Code, resp.Error)
	}
}

func TestServer_Stats(t *testing.T) {
	_, resp := get(t, newTestServer(&fakeHistory{}, nil).Router(), "/api/v1/stats")
	data := resp.Data.(map[string]any)

	if data["pipeline"].(map[string]any)["dropped"] != float64(4) {
		t.Errorf("Unexpected pipeline stats %v", data["pipeline"])
	}
	if data["cycles"].(map[string]any)["failed"] != float64(1) {
		t.Errorf("Unexpected cycles %v", data["cycles"])
	}
	if data["clients"] != float64(0) || data["tracks"] != float64(1) {
		t.Errorf("Unexpected stats %v", data)
	}
}

func TestServer_Logs(t *testing.T) {
	logs := logging.NewRingBuffer(10)
	logs.Add(logging.LogEntry{Level: "DEBUG", Message: "noise", Component: "tracker"})
	logs.Add(logging.LogEntry{Level: "WARN", Message: "slow", Component: "pipeline"})
	logs.Add(logging.LogEntry{Level: "ERROR", Message: "down", Component: "eventbus"})
	h := newTestServer(nil, logs).Router()

	tests := []struct {
		target string
		want   int
	}{
		{"/api/v1/logs", 3},
		{"/api/v1/logs?level=warn", 2},
		{"/api/v1/logs?component=pipeline", 1},
		{"/api/v1/logs?limit=1", 1},
	}
	for _, tt := range tests {
		w, resp := get(t, h, tt.target)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tt.target, w.Code)
			continue
		}
		if n := len(resp.Data.([]any)); n != tt.want {
			t.Errorf("%s: expected %d entries, got %d", tt.target, tt.want, n)
		}
	}

	if w, _ := get(t, h, "/api/v1/logs?level=loud"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid level, got %d", w.Code)
	}
	if w, _ := get(t, newTestServer(nil, nil).Router(), "/api/v1/logs"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a buffer, got %d", w.Code)
	}
}

func TestServer_LogStream(t *testing.T) {
	logs := logging.NewRingBuffer(10)
	server := httptest.NewServer(newTestServer(nil, logs).Router())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Unexpected content type %q", ct)
	}

	// Headers are flushed after the subscription is in place
	go func() {
		time.Sleep(50 * time.Millisecond)
		logger := slog.New(logging.NewStreamHandler(logs, slog.DiscardHandler, slog.LevelInfo))
		logger.Info("streamed", "component", "test")
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var entry logging.LogEntry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entry); err != nil {
			t.Fatalf("Invalid event %q: %v", line, err)
		}
		if entry.Message != "streamed" || entry.Component != "test" {
			t.Errorf("Unexpected entry %+v", entry)
		}
		return
	}
	t.Fatal("Stream ended without an event")
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(nil, nil)
	s.deps.AllowedOrigins = []string{"http://localhost:3000"}
	h := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tracks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}

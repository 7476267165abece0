package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// EmbeddedServer is an in-process detection backend speaking the same
// protocol as an external model server. It replays a fixed set of
// detections for every image, which lets the pipeline run end to end on
// machines without an inference runtime.
type EmbeddedServer struct {
	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	addr     string

	fixture   []Recognition
	inputSize int
	modelID   string

	// Stats
	startTime      time.Time
	processedCount int64
	errorCount     int64
}

// EmbeddedServerConfig holds embedded server configuration
type EmbeddedServerConfig struct {
	Addr    string
	Fixture []Recognition
	Logger  *slog.Logger
}

// NewEmbeddedServer creates a new embedded detection server
func NewEmbeddedServer(cfg EmbeddedServerConfig) *EmbeddedServer {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:50051"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &EmbeddedServer{
		addr:      cfg.Addr,
		fixture:   cfg.Fixture,
		logger:    cfg.Logger.With("component", "embedded-detection"),
		startTime: time.Now(),
	}
}

// Handler returns the HTTP handler serving the detection protocol
func (s *EmbeddedServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/load", s.handleLoad)
	r.Post("/detect", s.handleDetect)
	r.Get("/status", s.handleStatus)
	return r
}

// Start starts the embedded detection server
func (s *EmbeddedServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startTime = time.Now()
	server := s.server
	s.mu.Unlock()

	s.logger.Info("Embedded detection server starting", "addr", s.Address(), "fixture", len(s.fixture))

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Embedded detection server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the embedded server
func (s *EmbeddedServer) Stop(ctx context.Context) error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the server is listening on
func (s *EmbeddedServer) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *EmbeddedServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req Model
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.InputSize <= 0 {
		s.respondError(w, http.StatusBadRequest, "input_size must be positive")
		return
	}

	modelID := fmt.Sprintf("embedded_%d", time.Now().UnixNano())

	s.mu.Lock()
	s.modelID = modelID
	s.inputSize = req.InputSize
	s.mu.Unlock()

	s.logger.Info("Model loaded", "model_id", modelID, "path", req.Path, "labels", len(req.Labels))

	s.respondJSON(w, map[string]interface{}{
		"success":  true,
		"model_id": modelID,
	})
}

func (s *EmbeddedServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req struct {
		ModelID   string `json:"model_id"`
		ImageData string `json:"image_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.RLock()
	modelID, inputSize := s.modelID, s.inputSize
	s.mu.RUnlock()

	if modelID == "" || req.ModelID != modelID {
		s.respondError(w, http.StatusConflict, "model not loaded")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid image data")
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid image data")
		return
	}
	if cfg.Width != inputSize || cfg.Height != inputSize {
		s.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("expected %dx%d image, got %dx%d", inputSize, inputSize, cfg.Width, cfg.Height))
		return
	}

	detections := make([]map[string]interface{}, 0, len(s.fixture))
	for _, rec := range s.fixture {
		d := map[string]interface{}{
			"id":         rec.ID,
			"label":      rec.Title,
			"confidence": rec.Confidence,
		}
		if rec.Location != nil {
			d["bbox"] = rec.Location
		}
		detections = append(detections, d)
	}

	s.mu.Lock()
	s.processedCount++
	s.mu.Unlock()

	s.respondJSON(w, map[string]interface{}{
		"success":         true,
		"detections":      detections,
		"process_time_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *EmbeddedServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	processed := s.processedCount
	errors := s.errorCount
	modelID := s.modelID
	s.mu.RUnlock()

	s.respondJSON(w, map[string]interface{}{
		"connected":       true,
		"model_id":        modelID,
		"processed_count": processed,
		"error_count":     errors,
		"uptime":          time.Since(s.startTime).Seconds(),
	})
}

func (s *EmbeddedServer) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *EmbeddedServer) respondError(w http.ResponseWriter, status int, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

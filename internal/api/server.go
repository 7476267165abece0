package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/objdetect/internal/logging"
	"github.com/Spatial-NVR/objdetect/internal/pipeline"
	"github.com/Spatial-NVR/objdetect/internal/store"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

// TrackSource exposes the live tracks
type TrackSource interface {
	Tracks() []tracking.Track
	Overlay(canvasW, canvasH int) []tracking.OverlayBox
}

// StatsSource exposes pipeline counters
type StatsSource interface {
	Stats() pipeline.Stats
}

// History is the persisted track and cycle log
type History interface {
	ListTracks(ctx context.Context, f store.TrackFilter) ([]store.TrackRecord, error)
	CountTracks(ctx context.Context, f store.TrackFilter) (int, error)
	CountCycles(ctx context.Context) (total, failed int64, err error)
	Health(ctx context.Context) error
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP API. Tracks and Stats are
// required; the rest degrade the endpoints that use them.
type Deps struct {
	Tracks         TrackSource
	Stats          StatsSource
	History        History
	Bus            HealthChecker
	Logs           *logging.RingBuffer
	Hub            *Hub
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the REST API and the overlay WebSocket
type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// NewServer creates the API server
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:    deps,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/tracks", s.handleTracks)
			r.Get("/tracks/history", s.handleTrackHistory)
			r.Get("/overlay", s.handleOverlay)
			r.Get("/stats", s.handleStats)
			r.Get("/logs", s.handleLogs)
		})

		// Streams outlive the request timeout
		r.Get("/logs/stream", s.handleLogStream)
	})

	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.HandleWebSocket)
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]string{}

	if s.deps.History != nil {
		if err := s.deps.History.Health(ctx); err != nil {
			status = "degraded"
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}
	if s.deps.Bus != nil {
		if err := s.deps.Bus.HealthCheck(ctx); err != nil {
			status = "degraded"
			checks["eventbus"] = err.Error()
		} else {
			checks["eventbus"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	OK(w, s.deps.Tracks.Tracks())
}

func (s *Server) handleTrackHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		ServiceUnavailable(w, "Track history is not available")
		return
	}

	q := newQueryParams(r)
	page := q.Int("page", 1, 1, 1_000_000, false)
	perPage := q.Int("per_page", 50, 1, 500, false)
	filter := store.TrackFilter{
		Label:     q.String("label"),
		Since:     q.Time("since"),
		EndedOnly: q.Bool("ended"),
	}
	if errs := q.Errors(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	total, err := s.deps.History.CountTracks(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to count tracks", "error", err)
		InternalError(w, "Failed to load track history")
		return
	}

	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage
	records, err := s.deps.History.ListTracks(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list tracks", "error", err)
		InternalError(w, "Failed to load track history")
		return
	}

	List(w, records, total, page, perPage)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	q := newQueryParams(r)
	cv := Canvas{
		Width:  q.Int("width", 0, 1, 16384, true),
		Height: q.Int("height", 0, 1, 16384, true),
	}
	if errs := q.Errors(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	boxes := s.deps.Tracks.Overlay(cv.Width, cv.Height)
	if boxes == nil {
		boxes = []tracking.OverlayBox{}
	}
	OK(w, OverlayFrame{Canvas: cv, Boxes: boxes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"pipeline": s.deps.Stats.Stats(),
		"tracks":   len(s.deps.Tracks.Tracks()),
	}
	if s.deps.Hub != nil {
		stats["clients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.History != nil {
		total, failed, err := s.deps.History.CountCycles(r.Context())
		if err != nil {
			s.logger.Warn("Failed to count cycles", "error", err)
		} else {
			stats["cycles"] = map[string]int64{"total": total, "failed": failed}
		}
	}
	OK(w, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		ServiceUnavailable(w, "Log buffer is not available")
		return
	}

	q := newQueryParams(r)
	query := logging.Query{
		Limit:     q.Int("limit", 100, 1, 10_000, false),
		MinLevel:  slog.LevelDebug,
		Component: q.String("component"),
	}
	if raw := q.String("level"); raw != "" {
		if err := query.MinLevel.UnmarshalText([]byte(raw)); err != nil {
			q.add("level", "must be one of debug, info, warn, error")
		}
	}
	if errs := q.Errors(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	OK(w, s.deps.Logs.Find(query))
}

// handleLogStream provides Server-Sent Events for live log streaming
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		ServiceUnavailable(w, "Log buffer is not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(ch)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

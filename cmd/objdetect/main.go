// Package main runs the object detector: it polls a camera for preview
// frames, detects and tracks objects, announces new labels and serves the
// live overlay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/api"
	"github.com/Spatial-NVR/objdetect/internal/config"
	"github.com/Spatial-NVR/objdetect/internal/detection"
	"github.com/Spatial-NVR/objdetect/internal/eventbus"
	"github.com/Spatial-NVR/objdetect/internal/frame"
	"github.com/Spatial-NVR/objdetect/internal/logging"
	"github.com/Spatial-NVR/objdetect/internal/pipeline"
	"github.com/Spatial-NVR/objdetect/internal/speech"
	"github.com/Spatial-NVR/objdetect/internal/store"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

const defaultConfigPath = "objdetect.yaml"

func main() {
	cfg, err := config.LoadOrCreate(getEnv("OBJDETECT_CONFIG", defaultConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logs := logging.Setup(os.Stdout, logging.Options{
		Level:      cfg.LogLevel(),
		Format:     cfg.Logging.Format,
		BufferSize: cfg.Logging.BufferSize,
	})

	if err := run(cfg, logs); err != nil {
		logs.Logger.Error("Detector stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *logging.Logging) error {
	logger := logs.Logger
	logger.Info("Starting object detector", "config_path", cfg.Path(), "source", cfg.Source.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeCfg := store.DefaultConfig(cfg.Storage.DataDir)
	storeCfg.Path = cfg.DatabasePath()
	db, err := store.Open(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus, err := eventbus.New(cfg.EventBus, logger)
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Stop()

	detectorAddr := cfg.Detection.Address
	if cfg.Detection.Embedded {
		var fixture []detection.Recognition
		if cfg.Detection.Fixture != "" {
			if fixture, err = detection.LoadFixture(cfg.Detection.Fixture); err != nil {
				return err
			}
		}
		embedded := detection.NewEmbeddedServer(detection.EmbeddedServerConfig{
			Addr:    detectorAddr,
			Fixture: fixture,
			Logger:  logger,
		})
		if err := embedded.Start(ctx); err != nil {
			return fmt.Errorf("start embedded detection server: %w", err)
		}
		defer embedded.Stop(context.Background())
		detectorAddr = embedded.Address()
	}

	detector, err := detection.NewDetector(ctx, detection.ClientConfig{
		Address:     detectorAddr,
		Timeout:     cfg.Detection.Timeout,
		JPEGQuality: cfg.Detection.JPEGQuality,
	}, detection.Model{
		Path:       cfg.Model.Path,
		LabelsPath: cfg.Model.Labels,
		InputSize:  cfg.Model.InputSize,
	})
	if err != nil {
		if pubErr := bus.PublishFatal("detector", err); pubErr != nil {
			logger.Warn("Failed to publish fatal event", "error", pubErr)
		}
		return err
	}
	defer detector.Close()

	tracker := tracking.NewMultiBoxTracker(cfg.Tracking, logger)

	var speaker speech.Speaker = speech.NewNATSSpeaker(bus)
	if cfg.Speech.Sink == "log" {
		speaker = speech.LogSpeaker{Logger: logger}
	}
	announcer := speech.NewAnnouncer(speaker, cfg.SpeechCooldown(), logger)
	announcer.SetMuted(cfg.SpeechMuted())

	pipe, err := pipeline.New(pipeline.Config{
		InputSize:      cfg.Model.InputSize,
		MinConfidence:  cfg.MinConfidence(),
		MaintainAspect: cfg.Detection.MaintainAspect,
		Buffers:        cfg.Detection.Buffers,
	}, pipeline.Deps{
		Detector:  detector,
		Tracker:   tracker,
		Announcer: announcer,
		Recorder:  db,
		Publisher: bus,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if err := pipe.Configure(cfg.Source.PreviewWidth, cfg.Source.PreviewHeight, cfg.Source.Rotation, cfg.Source.ScreenOrientation); err != nil {
		return err
	}

	hub := api.NewHub(tracker.Overlay, cfg.Server.AllowedOrigins, logger)
	go hub.Run(ctx)

	pipe.OnInvalidate(hub.Invalidate)
	pipe.OnResult(func(r pipeline.Result) {
		hub.Broadcast(api.DetectionsMessage(r))
	})

	source := frame.NewHTTPSource(cfg.Source.URL, cfg.Source.Timeout)
	if cfg.Source.Username != "" {
		source.SetBasicAuth(cfg.Source.Username, cfg.Source.Password)
	}
	frames, err := source.Stream(ctx, cfg.Source.FPS)
	if err != nil {
		return fmt.Errorf("start frame source: %w", err)
	}
	defer source.Close()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Inference loop stopped", "error", err)
		}
	}()
	go func() {
		if err := pipe.Capture(ctx, frames); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Capture stopped", "error", err)
			cancel()
		}
	}()

	cfg.OnChange(func(c *config.Config) {
		pipe.SetMinConfidence(c.MinConfidence())
		announcer.SetCooldown(c.SpeechCooldown())
		announcer.SetMuted(c.SpeechMuted())
		logs.Level.Set(c.LogLevel())

		if err := bus.Publish(eventbus.SubjectConfig, map[string]any{
			"min_confidence": c.MinConfidence(),
			"speech_muted":   c.SpeechMuted(),
			"log_level":      c.LogLevel().String(),
		}); err != nil {
			logger.Warn("Failed to publish config change", "error", err)
		}
	})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	go pruneCycles(ctx, db, time.Duration(cfg.Storage.RetentionHours)*time.Hour, logger)

	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewServer(api.Deps{
			Tracks:         tracker,
			Stats:          pipe,
			History:        db,
			Bus:            bus,
			Logs:           logs.Buffer,
			Hub:            hub,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger,
		}).Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Shutting down after a component failure")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// An inference pass in flight still records into the store
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for the inference loop")
	}

	stats := pipe.Stats()
	logger.Info("Detector stopped",
		"frames", stats.Frames,
		"processed", stats.Processed,
		"dropped", stats.Dropped,
		"failed", stats.Failed,
	)
	return nil
}

// pruneCycles deletes cycle records older than retention every hour.
// A non-positive retention keeps everything.
func pruneCycles(ctx context.Context, db *store.DB, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.PruneCycles(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("Failed to prune cycles", "error", err)
		} else if n > 0 {
			logger.Info("Pruned cycles", "count", n, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

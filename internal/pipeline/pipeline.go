// Package pipeline connects frame capture, inference, filtering, tracking
// and the notifiers. Frames arriving while an inference pass is in flight
// are acknowledged but never queued.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/detection"
	"github.com/Spatial-NVR/objdetect/internal/eventbus"
	"github.com/Spatial-NVR/objdetect/internal/frame"
	"github.com/Spatial-NVR/objdetect/internal/geometry"
	"github.com/Spatial-NVR/objdetect/internal/speech"
	"github.com/Spatial-NVR/objdetect/internal/store"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

// ErrNotConfigured is returned when frames arrive before Configure
var ErrNotConfigured = errors.New("pipeline not configured")

// Defaults for the model input
const (
	DefaultInputSize = 300
	DefaultBuffers   = 2
)

// Recorder persists tracking history
type Recorder interface {
	RecordUpdate(ctx context.Context, u tracking.Update) error
	RecordCycle(ctx context.Context, c store.Cycle) error
}

// Publisher fans results out to other processes
type Publisher interface {
	Publish(subject string, data any) error
}

// Config configures the pipeline
type Config struct {
	InputSize      int     `yaml:"input_size"`
	MinConfidence  float64 `yaml:"min_confidence"` // Zero means detection.DefaultMinConfidence
	MaintainAspect bool    `yaml:"maintain_aspect"`
	Buffers        int     `yaml:"buffers"`
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		InputSize:     DefaultInputSize,
		MinConfidence: detection.DefaultMinConfidence,
		Buffers:       DefaultBuffers,
	}
}

// Result is the outcome of one inference pass
type Result struct {
	Seq        int64                   `json:"seq"`
	FrameSeq   int64                   `json:"frame_seq"`
	Timestamp  time.Time               `json:"timestamp"`
	Latency    time.Duration           `json:"latency"`
	Brightness float64                 `json:"brightness"` // Mean luminance of the frame, 0-255
	Raw        int                     `json:"raw"`
	Detections []detection.Recognition `json:"detections"`
	Update     tracking.Update         `json:"update"`
}

// Stats are pipeline counters
type Stats struct {
	Frames        int64         `json:"frames"`
	Submitted     int64         `json:"submitted"`
	Dropped       int64         `json:"dropped"`
	Processed     int64         `json:"processed"`
	Failed        int64         `json:"failed"`
	LastLatency   time.Duration `json:"last_latency"`
	Busy          bool          `json:"busy"`
	MinConfidence float64       `json:"min_confidence"`
}

// Deps are the collaborators of a pipeline. Only Detector and Tracker are
// required.
type Deps struct {
	Detector  detection.Detector
	Tracker   *tracking.MultiBoxTracker
	Announcer *speech.Announcer
	Recorder  Recorder
	Publisher Publisher
	Logger    *slog.Logger
}

type geometryState struct {
	previewW, previewH int
	rotation           int
	screenOrientation  int
	sensorOrientation  int
	transforms         geometry.TransformPair
}

// job is handed from the capture side to the worker. The crop and luma
// buffers belong to the worker until it returns them.
type job struct {
	seq         int64
	frameSeq    int64
	timestamp   time.Time
	crop        *image.RGBA
	luma        []byte
	cropToFrame geometry.Matrix
}

// Pipeline runs detection on preview frames
type Pipeline struct {
	cfg       Config
	detector  detection.Detector
	tracker   *tracking.MultiBoxTracker
	announcer *speech.Announcer
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger

	cropper *frame.Cropper
	crops   *frame.BufferPool
	lumas   chan []byte
	gate    Gate
	jobs    chan job

	geoMu sync.RWMutex
	geo   *geometryState

	listenerMu   sync.RWMutex
	onInvalidate []func()
	onResult     []func(Result)

	minConfidence atomic.Uint64
	timestamp     atomic.Int64
	frames        atomic.Int64
	submitted     atomic.Int64
	dropped       atomic.Int64
	processed     atomic.Int64
	failed        atomic.Int64
	lastLatency   atomic.Int64
}

// New creates a pipeline
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = detection.DefaultMinConfidence
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:       cfg,
		detector:  deps.Detector,
		tracker:   deps.Tracker,
		announcer: deps.Announcer,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		logger:    logger.With("component", "pipeline"),
		cropper:   frame.NewCropper(),
		crops:     frame.NewBufferPool(cfg.Buffers, cfg.InputSize),
		lumas:     make(chan []byte, cfg.Buffers),
		jobs:      make(chan job, 1),
	}
	p.SetMinConfidence(cfg.MinConfidence)

	return p, nil
}

// Configure computes the frame to crop transforms for a preview size.
// The sensor orientation is the camera rotation less the screen orientation.
func (p *Pipeline) Configure(previewW, previewH, rotation, screenOrientation int) error {
	sensorOrientation := rotation - screenOrientation

	pair, err := geometry.NewTransformPair(
		previewW, previewH,
		p.cfg.InputSize, p.cfg.InputSize,
		sensorOrientation, p.cfg.MaintainAspect,
	)
	if err != nil {
		return fmt.Errorf("failed to configure %dx%d preview: %w", previewW, previewH, err)
	}

	p.geoMu.Lock()
	p.geo = &geometryState{
		previewW:          previewW,
		previewH:          previewH,
		rotation:          rotation,
		screenOrientation: screenOrientation,
		sensorOrientation: sensorOrientation,
		transforms:        pair,
	}
	p.geoMu.Unlock()

	p.logger.Info("Initializing at size",
		"width", previewW, "height", previewH,
		"rotation", rotation, "screen_orientation", screenOrientation,
		"sensor_orientation", sensorOrientation,
		"crop", p.cfg.InputSize,
	)
	return nil
}

// Transforms returns the current transform pair
func (p *Pipeline) Transforms() (geometry.TransformPair, bool) {
	p.geoMu.RLock()
	defer p.geoMu.RUnlock()
	if p.geo == nil {
		return geometry.TransformPair{}, false
	}
	return p.geo.transforms, true
}

// geometryFor returns the geometry for a frame, recomputing it when the
// preview size changed
func (p *Pipeline) geometryFor(f *frame.Frame) (geometryState, error) {
	p.geoMu.RLock()
	geo := p.geo
	p.geoMu.RUnlock()

	if geo == nil {
		return geometryState{}, ErrNotConfigured
	}
	if geo.previewW == f.Width && geo.previewH == f.Height {
		return *geo, nil
	}

	if err := p.Configure(f.Width, f.Height, geo.rotation, geo.screenOrientation); err != nil {
		return geometryState{}, err
	}

	p.geoMu.RLock()
	defer p.geoMu.RUnlock()
	return *p.geo, nil
}

// OnInvalidate registers a callback fired whenever the overlay should be
// redrawn
func (p *Pipeline) OnInvalidate(fn func()) {
	p.listenerMu.Lock()
	p.onInvalidate = append(p.onInvalidate, fn)
	p.listenerMu.Unlock()
}

// OnResult registers a callback fired after every successful pass
func (p *Pipeline) OnResult(fn func(Result)) {
	p.listenerMu.Lock()
	p.onResult = append(p.onResult, fn)
	p.listenerMu.Unlock()
}

func (p *Pipeline) invalidate() {
	p.listenerMu.RLock()
	defer p.listenerMu.RUnlock()
	for _, fn := range p.onInvalidate {
		fn()
	}
}

// ProcessFrame acknowledges a preview frame and submits it for inference
// if no pass is in flight. It reports whether the frame was submitted.
func (p *Pipeline) ProcessFrame(f *frame.Frame) (bool, error) {
	seq := p.timestamp.Add(1)
	p.frames.Add(1)

	geo, err := p.geometryFor(f)
	if err != nil {
		p.dropped.Add(1)
		return false, err
	}

	p.tracker.OnFrame(f.Width, f.Height, geo.sensorOrientation)
	p.invalidate()

	if !p.gate.TryAcquire() {
		p.dropped.Add(1)
		return false, nil
	}

	crop, ok := p.crops.Get()
	if !ok {
		// Buffers are only missing if a job leaked them
		p.gate.Release()
		p.dropped.Add(1)
		p.logger.Warn("No free crop buffer, dropping frame", "seq", seq)
		return false, nil
	}

	var luma []byte
	select {
	case luma = <-p.lumas:
	default:
	}
	luma = frame.CopyLuma(luma, f.Luma)

	p.cropper.Render(crop, f.RGB, geo.transforms.Forward)

	p.logger.Debug("Preparing image for detection", "seq", seq, "frame", f.Seq)

	j := job{
		seq:         seq,
		frameSeq:    f.Seq,
		timestamp:   f.Timestamp,
		crop:        crop,
		luma:        luma,
		cropToFrame: geo.transforms.Inverse,
	}

	select {
	case p.jobs <- j:
	default:
		// The gate guarantees the slot is empty
		p.recycle(j)
		p.gate.Release()
		p.dropped.Add(1)
		return false, nil
	}

	p.submitted.Add(1)
	return true, nil
}

// Capture feeds frames into the pipeline until the channel closes or the
// context is cancelled
func (p *Pipeline) Capture(ctx context.Context, frames <-chan *frame.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := p.ProcessFrame(f); err != nil {
				if errors.Is(err, ErrNotConfigured) {
					return err
				}
				p.logger.Warn("Frame rejected", "seq", f.Seq, "error", err)
			}
		}
	}
}

// Run processes submitted jobs until the context is cancelled. A pass that
// has started runs to completion.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-p.jobs:
			p.process(context.WithoutCancel(ctx), j)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, j job) {
	defer p.gate.Release()
	defer p.recycle(j)

	p.logger.Debug("Running detection on image", "seq", j.seq)

	start := time.Now()
	raw, err := p.detector.Recognize(ctx, j.crop)
	latency := time.Since(start)
	p.lastLatency.Store(int64(latency))

	cycle := store.Cycle{
		Seq:       j.seq,
		StartedAt: start,
		Latency:   latency,
	}

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Detection failed", "seq", j.seq, "error", err)
		cycle.Error = err.Error()
		p.recordCycle(ctx, cycle)
		return
	}

	mapped := detection.FilterResults(raw, p.MinConfidence(), j.cropToFrame)
	update := p.tracker.TrackResults(mapped, j.timestamp)

	if p.announcer != nil {
		if _, err := p.announcer.Announce(ctx, mapped); err != nil {
			p.logger.Warn("Announcement failed", "error", err)
		}
	}
	p.invalidate()

	result := Result{
		Seq:        j.seq,
		FrameSeq:   j.frameSeq,
		Timestamp:  j.timestamp,
		Latency:    latency,
		Brightness: meanLuma(j.luma),
		Raw:        len(raw),
		Detections: mapped,
		Update:     update,
	}

	cycle.RawDetections = len(raw)
	cycle.Detections = len(mapped)
	p.recordCycle(ctx, cycle)
	p.publish(ctx, result)

	p.processed.Add(1)

	p.listenerMu.RLock()
	for _, fn := range p.onResult {
		fn(result)
	}
	p.listenerMu.RUnlock()
}

func (p *Pipeline) recordCycle(ctx context.Context, c store.Cycle) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordCycle(ctx, c); err != nil {
		p.logger.Warn("Failed to record cycle", "seq", c.Seq, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, r Result) {
	if p.recorder != nil && !r.Update.Empty() {
		if err := p.recorder.RecordUpdate(ctx, r.Update); err != nil {
			p.logger.Warn("Failed to record tracks", "seq", r.Seq, "error", err)
		}
	}

	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(eventbus.SubjectDetections, r); err != nil {
		p.logger.Warn("Failed to publish detections", "seq", r.Seq, "error", err)
	}
	if !r.Update.Empty() {
		if err := p.publisher.Publish(eventbus.SubjectTracks, r.Update); err != nil {
			p.logger.Warn("Failed to publish tracks", "seq", r.Seq, "error", err)
		}
	}
}

func (p *Pipeline) recycle(j job) {
	p.crops.Put(j.crop)
	select {
	case p.lumas <- j.luma:
	default:
	}
}

// SetMinConfidence changes the confidence threshold for later passes
func (p *Pipeline) SetMinConfidence(v float64) {
	p.minConfidence.Store(math.Float64bits(v))
}

// MinConfidence returns the current confidence threshold
func (p *Pipeline) MinConfidence() float64 {
	return math.Float64frombits(p.minConfidence.Load())
}

// Busy reports whether an inference pass is in flight
func (p *Pipeline) Busy() bool {
	return p.gate.Busy()
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:        p.frames.Load(),
		Submitted:     p.submitted.Load(),
		Dropped:       p.dropped.Load(),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		LastLatency:   time.Duration(p.lastLatency.Load()),
		Busy:          p.gate.Busy(),
		MinConfidence: p.MinConfidence(),
	}
}

func meanLuma(luma []byte) float64 {
	if len(luma) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range luma {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(luma))
}

package tracking

import (
	"fmt"
	"image/color"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/objdetect/internal/detection"
	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

// MultiBoxTracker keeps track identities across detection cycles and
// renders them for the overlay
type MultiBoxTracker struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger

	tracks map[string]*Track

	frameWidth        int
	frameHeight       int
	sensorOrientation int
	framesSeen        int64
}

// NewMultiBoxTracker creates a new tracker
func NewMultiBoxTracker(cfg Config, logger *slog.Logger) *MultiBoxTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiBoxTracker{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "tracker"),
		tracks: make(map[string]*Track),
	}
}

// OnFrame records the geometry of the latest preview frame
func (t *MultiBoxTracker) OnFrame(width, height, sensorOrientation int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if width != t.frameWidth || height != t.frameHeight || sensorOrientation != t.sensorOrientation {
		t.logger.Debug("Frame geometry changed",
			"width", width, "height", height, "orientation", sensorOrientation)
	}
	t.frameWidth = width
	t.frameHeight = height
	t.sensorOrientation = sensorOrientation
	t.framesSeen++
}

// FramesSeen returns the number of frames reported through OnFrame
func (t *MultiBoxTracker) FramesSeen() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.framesSeen
}

type candidate struct {
	rec detection.Recognition
	box geometry.Rect
}

// TrackResults folds one cycle of frame-space detections into the tracks
func (t *MultiBoxTracker) TrackResults(results []detection.Recognition, ts time.Time) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	update := Update{Timestamp: ts}

	candidates := t.sizeFilter(results, &update)
	candidates = t.dedupe(candidates, &update)

	matched := t.associate(candidates, ts, &update)

	// Unmatched detections start new tracks while colors remain
	for i, c := range candidates {
		if matched[i] {
			continue
		}
		col, ok := t.freeColor()
		if !ok {
			update.Rejected++
			t.logger.Debug("Track limit reached, dropping detection", "label", c.rec.Title)
			continue
		}
		track := &Track{
			ID:         uuid.New().String(),
			Label:      c.rec.Title,
			Confidence: c.rec.Confidence,
			Location:   c.box,
			Color:      col,
			FirstSeen:  ts,
			LastSeen:   ts,
			Hits:       1,
		}
		t.tracks[track.ID] = track
		update.Started = append(update.Started, *track)
	}

	t.expire(&update)

	if !update.Empty() {
		t.logger.Debug("Tracks updated",
			"started", len(update.Started),
			"updated", len(update.Updated),
			"ended", len(update.Ended),
			"active", len(t.tracks),
		)
	}

	return update
}

// sizeFilter drops results without a location or with a side below MinSize
func (t *MultiBoxTracker) sizeFilter(results []detection.Recognition, update *Update) []candidate {
	out := make([]candidate, 0, len(results))
	for _, r := range results {
		if r.Location == nil {
			update.Rejected++
			continue
		}
		box := r.Location.Sorted()
		if box.Width() < t.cfg.MinSize || box.Height() < t.cfg.MinSize {
			update.Rejected++
			continue
		}
		out = append(out, candidate{rec: r, box: box})
	}
	return out
}

// dedupe keeps the most confident of any boxes overlapping by more than
// MaxOverlap of the smaller box. Survivors keep their input order.
func (t *MultiBoxTracker) dedupe(candidates []candidate, update *Update) []candidate {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].rec.Confidence > candidates[order[b]].rec.Confidence
	})

	keep := make([]bool, len(candidates))
	var kept []int
	for _, i := range order {
		overlapped := false
		for _, k := range kept {
			if candidates[i].box.OverlapOfSmaller(candidates[k].box) > t.cfg.MaxOverlap {
				overlapped = true
				break
			}
		}
		if overlapped {
			update.Rejected++
			continue
		}
		keep[i] = true
		kept = append(kept, i)
	}

	out := make([]candidate, 0, len(kept))
	for i, c := range candidates {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

type pairing struct {
	trackID string
	index   int
	iou     float64
}

// associate greedily matches candidates to same-label tracks by IoU and
// returns which candidates were consumed
func (t *MultiBoxTracker) associate(candidates []candidate, ts time.Time, update *Update) []bool {
	var pairs []pairing
	for id, track := range t.tracks {
		for i, c := range candidates {
			if c.rec.Title != track.Label {
				continue
			}
			iou := track.Location.IoU(c.box)
			if iou >= t.cfg.MinCorrelation {
				pairs = append(pairs, pairing{trackID: id, index: i, iou: iou})
			}
		}
	}

	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].iou != pairs[b].iou {
			return pairs[a].iou > pairs[b].iou
		}
		if pairs[a].trackID != pairs[b].trackID {
			return pairs[a].trackID < pairs[b].trackID
		}
		return pairs[a].index < pairs[b].index
	})

	matched := make([]bool, len(candidates))
	seen := make(map[string]bool, len(t.tracks))
	for _, p := range pairs {
		if seen[p.trackID] || matched[p.index] {
			continue
		}
		seen[p.trackID] = true
		matched[p.index] = true

		track := t.tracks[p.trackID]
		c := candidates[p.index]
		track.Location = c.box
		track.Confidence = c.rec.Confidence
		track.LastSeen = ts
		track.Hits++
		track.Missed = 0
		update.Updated = append(update.Updated, *track)
	}

	for id, track := range t.tracks {
		if !seen[id] {
			track.Missed++
		}
	}

	return matched
}

// expire removes tracks that have gone unmatched for too long
func (t *MultiBoxTracker) expire(update *Update) {
	for id, track := range t.tracks {
		if track.Missed > t.cfg.MaxMissed {
			update.Ended = append(update.Ended, *track)
			delete(t.tracks, id)
		}
	}
	sort.Slice(update.Ended, func(a, b int) bool {
		return update.Ended[a].ID < update.Ended[b].ID
	})
}

// freeColor returns the first palette color not held by a live track
func (t *MultiBoxTracker) freeColor() (color.RGBA, bool) {
	used := make(map[color.RGBA]bool, len(t.tracks))
	for _, track := range t.tracks {
		used[track.Color] = true
	}
	for _, c := range t.cfg.Palette {
		if !used[c] {
			return c, true
		}
	}
	return color.RGBA{}, false
}

// Tracks returns a snapshot of live tracks ordered by first sighting
func (t *MultiBoxTracker) Tracks() []Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot()
}

func (t *MultiBoxTracker) snapshot() []Track {
	out := make([]Track, 0, len(t.tracks))
	for _, track := range t.tracks {
		out = append(out, *track)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FirstSeen.Equal(out[b].FirstSeen) {
			return out[a].FirstSeen.Before(out[b].FirstSeen)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Track returns a single live track
func (t *MultiBoxTracker) Track(id string) (Track, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	track, ok := t.tracks[id]
	if !ok {
		return Track{}, false
	}
	return *track, true
}

// Overlay maps live tracks onto a canvasW x canvasH overlay. The frame is
// rotated by the sensor orientation and scaled uniformly to fit the canvas.
func (t *MultiBoxTracker) Overlay(canvasW, canvasH int) []OverlayBox {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.frameWidth <= 0 || t.frameHeight <= 0 || canvasW <= 0 || canvasH <= 0 {
		return []OverlayBox{}
	}

	m := FrameToCanvas(t.frameWidth, t.frameHeight, canvasW, canvasH, t.sensorOrientation)

	tracks := t.snapshot()
	out := make([]OverlayBox, 0, len(tracks))
	for _, track := range tracks {
		out = append(out, OverlayBox{
			TrackID: track.ID,
			Label:   track.Label,
			Caption: Caption(track),
			Color:   track.HexColor(),
			Box:     m.MapRect(track.Location),
		})
	}
	return out
}

// FrameToCanvas returns the transform from frame to overlay canvas
// coordinates, preserving the frame aspect ratio
func FrameToCanvas(frameW, frameH, canvasW, canvasH, orientation int) geometry.Matrix {
	rotated := absInt(orientation)%180 == 90

	inW, inH := frameW, frameH
	if rotated {
		inW, inH = frameH, frameW
	}
	multiplier := min(float64(canvasH)/float64(inH), float64(canvasW)/float64(inW))

	return geometry.TransformationMatrix(
		frameW, frameH,
		int(multiplier*float64(inW)), int(multiplier*float64(inH)),
		orientation, false,
	)
}

// Caption returns the overlay text for a track
func Caption(track Track) string {
	if track.Label == "" {
		return fmt.Sprintf("%.2f", track.Confidence)
	}
	return fmt.Sprintf("%s %.2f", track.Label, track.Confidence)
}

// Reset drops all tracks
func (t *MultiBoxTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[string]*Track)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

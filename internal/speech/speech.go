// Package speech announces newly detected object labels
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/objdetect/internal/detection"
	"github.com/Spatial-NVR/objdetect/internal/eventbus"
)

// DefaultCooldown is the minimum time between two announcements of a label
const DefaultCooldown = 10 * time.Second

// Utterance is a single announcement
type Utterance struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Speaker turns utterances into speech
type Speaker interface {
	Speak(ctx context.Context, u Utterance) error
}

// Announcer speaks each label at most once per cooldown window
type Announcer struct {
	speaker Speaker
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	muted    bool
	cooldown time.Duration
	lastSaid map[string]time.Time
}

// NewAnnouncer creates an announcer. A non-positive cooldown selects
// DefaultCooldown.
func NewAnnouncer(speaker Speaker, cooldown time.Duration, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Announcer{
		speaker:  speaker,
		logger:   logger.With("component", "speech"),
		now:      time.Now,
		cooldown: cooldown,
		lastSaid: make(map[string]time.Time),
	}
}

// SetCooldown changes the cooldown window
func (a *Announcer) SetCooldown(d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	a.mu.Lock()
	a.cooldown = d
	a.mu.Unlock()
}

// Cooldown returns the current cooldown window
func (a *Announcer) Cooldown() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cooldown
}

// SetMuted stops or resumes announcements. Labels seen while muted are
// not remembered.
func (a *Announcer) SetMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
}

// Muted reports whether announcements are suppressed
func (a *Announcer) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

// Announce speaks the distinct labels of one cycle in input order, skipping
// labels already spoken within the cooldown. It returns the labels spoken.
func (a *Announcer) Announce(ctx context.Context, results []detection.Recognition) ([]string, error) {
	now := a.now()

	a.mu.Lock()
	if a.muted {
		a.mu.Unlock()
		return nil, nil
	}
	var due []Utterance
	for _, r := range results {
		if r.Title == "" {
			continue
		}
		if last, ok := a.lastSaid[r.Title]; ok && now.Sub(last) < a.cooldown {
			continue
		}
		a.lastSaid[r.Title] = now
		due = append(due, Utterance{
			ID:         uuid.New().String(),
			Text:       r.Title,
			Label:      r.Title,
			Confidence: r.Confidence,
			Timestamp:  now,
		})
	}
	a.mu.Unlock()

	spoken := make([]string, 0, len(due))
	var errs []error
	for _, u := range due {
		if err := a.speaker.Speak(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("speak %q: %w", u.Label, err))
			continue
		}
		spoken = append(spoken, u.Label)
	}

	if len(spoken) > 0 {
		a.logger.Debug("Announced labels", "labels", spoken)
	}
	return spoken, errors.Join(errs...)
}

// Reset forgets all previous announcements
func (a *Announcer) Reset() {
	a.mu.Lock()
	a.lastSaid = make(map[string]time.Time)
	a.mu.Unlock()
}

// NATSSpeaker publishes utterances for an external text-to-speech service
type NATSSpeaker struct {
	bus     *eventbus.Bus
	subject string
}

// NewNATSSpeaker creates a speaker publishing on eventbus.SubjectSpeech
func NewNATSSpeaker(bus *eventbus.Bus) *NATSSpeaker {
	return &NATSSpeaker{bus: bus, subject: eventbus.SubjectSpeech}
}

// Speak publishes the utterance
func (s *NATSSpeaker) Speak(_ context.Context, u Utterance) error {
	return s.bus.Publish(s.subject, u)
}

// LogSpeaker writes utterances to the log
type LogSpeaker struct {
	Logger *slog.Logger
}

// Speak logs the utterance
func (s LogSpeaker) Speak(_ context.Context, u Utterance) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Speak", "text", u.Text, "confidence", u.Confidence)
	return nil
}

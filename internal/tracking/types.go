// Package tracking associates per-frame detections with persistent tracks
package tracking

import (
	"encoding/json"
	"fmt"
	"image/color"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

// Track is a persistent identity for an object seen across frames
type Track struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Location   geometry.Rect `json:"location"` // Frame coordinates
	Color      color.RGBA    `json:"-"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
	Hits       int           `json:"hits"`
	Missed     int           `json:"missed"`
}

// MarshalJSON encodes the color as #RRGGBB
func (t Track) MarshalJSON() ([]byte, error) {
	type plain Track
	return json.Marshal(struct {
		plain
		Color string `json:"color"`
	}{plain(t), t.HexColor()})
}

// HexColor returns the track color as #RRGGBB
func (t Track) HexColor() string {
	return HexColor(t.Color)
}

// HexColor formats a color as #RRGGBB
func HexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// Update describes what changed in a tracking cycle
type Update struct {
	Timestamp time.Time `json:"timestamp"`
	Started   []Track   `json:"started,omitempty"`
	Updated   []Track   `json:"updated,omitempty"`
	Ended     []Track   `json:"ended,omitempty"`
	Rejected  int       `json:"rejected"`
}

// Empty reports whether nothing changed
func (u Update) Empty() bool {
	return len(u.Started) == 0 && len(u.Updated) == 0 && len(u.Ended) == 0
}

// OverlayBox is a track positioned on the overlay canvas
type OverlayBox struct {
	TrackID string        `json:"track_id"`
	Label   string        `json:"label"`
	Caption string        `json:"caption"`
	Color   string        `json:"color"`
	Box     geometry.Rect `json:"box"`
}

// Config holds tracker tuning
type Config struct {
	MinSize        float64      `yaml:"min_size" json:"min_size"`               // Boxes with a side shorter than this are ignored
	MaxOverlap     float64      `yaml:"max_overlap" json:"max_overlap"`         // Same-cycle overlap above which the weaker box is dropped
	MinCorrelation float64      `yaml:"min_correlation" json:"min_correlation"` // Minimum IoU to continue a track
	MaxMissed      int          `yaml:"max_missed" json:"max_missed"`           // Cycles a track may go unmatched
	Palette        []color.RGBA `yaml:"-" json:"-"`
}

// DefaultPalette is the set of track colors; its size caps the number of
// simultaneous tracks
var DefaultPalette = []color.RGBA{
	{0x00, 0x00, 0xFF, 0xFF},
	{0xFF, 0x00, 0x00, 0xFF},
	{0x00, 0xFF, 0x00, 0xFF},
	{0xFF, 0xFF, 0x00, 0xFF},
	{0x00, 0xFF, 0xFF, 0xFF},
	{0xFF, 0x00, 0xFF, 0xFF},
	{0xFF, 0xFF, 0xFF, 0xFF},
	{0x55, 0xFF, 0x55, 0xFF},
	{0xFF, 0xA5, 0x00, 0xFF},
	{0xFF, 0x88, 0x88, 0xFF},
	{0xAA, 0xAA, 0xFF, 0xFF},
	{0xFF, 0xFF, 0xAA, 0xFF},
	{0x55, 0xAA, 0xAA, 0xFF},
	{0xAA, 0x33, 0xAA, 0xFF},
	{0x0D, 0x00, 0x68, 0xFF},
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		MinSize:        16,
		MaxOverlap:     0.2,
		MinCorrelation: 0.3,
		MaxMissed:      3,
		Palette:        DefaultPalette,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxOverlap <= 0 {
		c.MaxOverlap = d.MaxOverlap
	}
	if c.MinCorrelation <= 0 {
		c.MinCorrelation = d.MinCorrelation
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = d.MaxMissed
	}
	if len(c.Palette) == 0 {
		c.Palette = d.Palette
	}
	return c
}

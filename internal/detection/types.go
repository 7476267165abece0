// Package detection provides the detector adapter and result filtering for
// the object detection pipeline
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

// ErrModelInit is returned when the detection model cannot be initialized
var ErrModelInit = errors.New("detector could not be initialized")

// Recognition is a single detection result returned by the model
type Recognition struct {
	ID         string         `json:"id,omitempty" yaml:"id,omitempty"`
	Title      string         `json:"title" yaml:"title"`
	Confidence float64        `json:"confidence" yaml:"confidence"`
	Location   *geometry.Rect `json:"location,omitempty" yaml:"location,omitempty"`
}

// String implements fmt.Stringer
func (r Recognition) String() string {
	s := fmt.Sprintf("[%s] %s (%.1f%%)", r.ID, r.Title, r.Confidence*100)
	if r.Location != nil {
		s += fmt.Sprintf(" %+v", *r.Location)
	}
	return s
}

// Model describes the model a detector should load
type Model struct {
	Path       string   `json:"model_path"`
	LabelsPath string   `json:"-"`
	Labels     []string `json:"labels"`
	InputSize  int      `json:"input_size"`
}

// Detector runs inference on a fixed-size square image
type Detector interface {
	// Recognize returns detections with locations in crop pixel coordinates
	Recognize(ctx context.Context, img image.Image) ([]Recognition, error)

	// Close releases the detector
	Close() error
}

// DetectorError represents an error reported by the detection backend
type DetectorError struct {
	Op      string
	Message string
}

func (e *DetectorError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

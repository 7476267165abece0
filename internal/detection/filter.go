package detection

import "github.com/Spatial-NVR/objdetect/internal/geometry"

// DefaultMinConfidence is the minimum detection confidence to track a detection
const DefaultMinConfidence = 0.6

// FilterResults keeps results that have a location and meet minConfidence,
// mapping each kept location from crop to frame coordinates. The input is
// left untouched and the output preserves input order.
func FilterResults(results []Recognition, minConfidence float64, cropToFrame geometry.Matrix) []Recognition {
	mapped := make([]Recognition, 0, len(results))

	for _, result := range results {
		if result.Location == nil || result.Confidence < minConfidence {
			continue
		}

		location := cropToFrame.MapRect(*result.Location)
		mapped = append(mapped, Recognition{
			ID:         result.ID,
			Title:      result.Title,
			Confidence: result.Confidence,
			Location:   &location,
		})
	}

	return mapped
}

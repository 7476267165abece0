package detection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFixture reads the detections an EmbeddedServer replays. The file is
// a YAML list of recognitions with locations in crop pixels.
func LoadFixture(path string) ([]Recognition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	var fixture []Recognition
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	for i, r := range fixture {
		if r.Title == "" {
			return nil, fmt.Errorf("fixture entry %d has no title", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("fixture entry %d: confidence %v out of range", i, r.Confidence)
		}
	}
	return fixture, nil
}

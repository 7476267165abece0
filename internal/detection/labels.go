package detection

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadLabels reads a label file with one label per line. Blank lines keep
// their slot so that class indices stay aligned with the model output.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	// Drop trailing blank lines left by editors
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}

	return labels, nil
}

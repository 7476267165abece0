package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
)

// maxResponseBytes caps a backend reply
const maxResponseBytes = 8 << 20

// Client is an HTTP client for a detection backend
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	quality    int
	modelID    string
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address     string
	Timeout     time.Duration
	JPEGQuality int
}

// NewClient creates a new detection backend client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detector address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 90
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		quality: cfg.JPEGQuality,
		logger:  slog.Default().With("component", "detection_client"),
	}, nil
}

// NewDetector creates a client and loads the model on the backend.
// Any failure is wrapped in ErrModelInit.
func NewDetector(ctx context.Context, cfg ClientConfig, model Model) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInit, err)
	}

	if len(model.Labels) == 0 && model.LabelsPath != "" {
		labels, err := LoadLabels(model.LabelsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelInit, err)
		}
		model.Labels = labels
	}

	if _, err := client.Load(ctx, model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInit, err)
	}

	return client, nil
}

// Load loads a model on the backend and remembers its ID for later requests
func (c *Client) Load(ctx context.Context, model Model) (string, error) {
	if model.InputSize <= 0 {
		return "", fmt.Errorf("invalid model input size: %d", model.InputSize)
	}

	var result struct {
		Success bool   `json:"success"`
		ModelID string `json:"model_id"`
		Error   string `json:"error"`
	}
	if err := c.post(ctx, "/load", model, &result); err != nil {
		return "", fmt.Errorf("failed to load model: %w", err)
	}
	if !result.Success {
		return "", &DetectorError{Op: "load", Message: failureMessage(result.Error)}
	}

	c.mu.Lock()
	c.modelID = result.ModelID
	c.mu.Unlock()

	c.logger.Info("Model loaded", "model_id", result.ModelID, "path", model.Path, "labels", len(model.Labels))
	return result.ModelID, nil
}

// ModelID returns the ID of the loaded model
func (c *Client) ModelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelID
}

// Recognize sends an image for detection
func (c *Client) Recognize(ctx context.Context, img image.Image) ([]Recognition, error) {
	c.mu.Lock()
	c.requestCount++
	modelID := c.modelID
	c.mu.Unlock()

	start := time.Now()

	data, err := ImageToBytes(img, c.quality)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	body := map[string]interface{}{
		"model_id":   modelID,
		"image_data": base64.StdEncoding.EncodeToString(data),
	}

	var result struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		Detections []struct {
			ID         string  `json:"id"`
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
			BBox       *struct {
				Left   float64 `json:"left"`
				Top    float64 `json:"top"`
				Right  float64 `json:"right"`
				Bottom float64 `json:"bottom"`
			} `json:"bbox"`
		} `json:"detections"`
		ProcessTimeMs float64 `json:"process_time_ms"`
	}

	if err := c.post(ctx, "/detect", body, &result); err != nil {
		c.recordError()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if !result.Success {
		c.recordError()
		return nil, &DetectorError{Op: "detect", Message: failureMessage(result.Error)}
	}

	recognitions := make([]Recognition, 0, len(result.Detections))
	for _, d := range result.Detections {
		rec := Recognition{
			ID:         d.ID,
			Title:      d.Label,
			Confidence: d.Confidence,
		}
		if d.BBox != nil {
			rec.Location = &geometry.Rect{
				Left:   d.BBox.Left,
				Top:    d.BBox.Top,
				Right:  d.BBox.Right,
				Bottom: d.BBox.Bottom,
			}
		}
		recognitions = append(recognitions, rec)
	}

	c.logger.Debug("Detection complete", "detections", len(recognitions), "backend_ms", result.ProcessTimeMs)
	return recognitions, nil
}

// post sends body as JSON and decodes the reply into out. A non-2xx status
// is a DetectorError carrying the backend's error text when it sent one.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &failure)
		msg := failure.Error
		if msg == "" {
			msg = "backend returned " + resp.Status
		}
		return &DetectorError{Op: strings.TrimPrefix(path, "/"), Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

func failureMessage(msg string) string {
	if msg == "" {
		return "backend reported failure"
	}
	return msg
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// Close closes the client connection
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}

// ImageToBytes converts an image to JPEG bytes
func ImageToBytes(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

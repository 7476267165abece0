package frame

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// Source delivers preview frames
type Source interface {
	// Grab fetches a single frame
	Grab(ctx context.Context) (*Frame, error)

	// Stream starts a continuous frame stream at the given rate
	Stream(ctx context.Context, fps int) (<-chan *Frame, error)

	// Close stops any running stream
	Close() error
}

// MaxSnapshotBytes caps the size of one snapshot response
const MaxSnapshotBytes = 32 << 20

// HTTPSource polls a snapshot endpoint (go2rtc frame.jpeg, IP camera
// snapshot.cgi and the like) for preview frames
type HTTPSource struct {
	mu         sync.Mutex
	url        string
	username   string
	password   string
	httpClient *http.Client
	stopCh     chan struct{}
	seq        int64
	maxBytes   int64
	logger     *slog.Logger
}

// NewHTTPSource creates a frame source for a snapshot URL
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBytes: MaxSnapshotBytes,
		logger:   slog.Default().With("component", "frame_source"),
	}
}

// SetBasicAuth sets credentials sent with every snapshot request
func (s *HTTPSource) SetBasicAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
}

// Grab fetches and decodes a single frame, honoring EXIF orientation
func (s *HTTPSource) Grab(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.mu.Lock()
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", s.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return New(img, seq, time.Now()), nil
}

// Stream starts polling at fps. Frames the consumer cannot take right away
// are dropped so the camera side never stalls.
func (s *HTTPSource) Stream(ctx context.Context, fps int) (<-chan *Frame, error) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream already running for %s", s.url)
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	// Default to 5 FPS if not specified or invalid
	if fps <= 0 {
		fps = 5
	}

	frameCh := make(chan *Frame, 1)
	interval := time.Second / time.Duration(fps)

	go func() {
		defer close(frameCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				f, err := s.Grab(ctx)
				if err != nil {
					s.logger.Warn("Failed to grab frame", "error", err)
					continue
				}

				select {
				case frameCh <- f:
				default:
					s.logger.Debug("Dropped frame", "seq", f.Seq)
				}
			}
		}
	}()

	return frameCh, nil
}

// Close stops the running stream
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	return nil
}

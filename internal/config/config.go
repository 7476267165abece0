// Package config provides configuration management for the detector
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/objdetect/internal/eventbus"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

// Config represents the main configuration
type Config struct {
	Version   string          `yaml:"version"`
	Source    SourceConfig    `yaml:"source"`
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Tracking  tracking.Config `yaml:"tracking"`
	Speech    SpeechConfig    `yaml:"speech"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	EventBus  eventbus.Config `yaml:"eventbus"`
	Logging   LoggingConfig   `yaml:"logging"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SourceConfig describes where preview frames come from
type SourceConfig struct {
	URL               string        `yaml:"url" json:"url"`
	Username          string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password          string        `yaml:"password,omitempty" json:"-"`
	FPS               int           `yaml:"fps" json:"fps"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	PreviewWidth      int           `yaml:"preview_width" json:"preview_width"`
	PreviewHeight     int           `yaml:"preview_height" json:"preview_height"`
	Rotation          int           `yaml:"rotation" json:"rotation"`                     // Camera sensor rotation in degrees
	ScreenOrientation int           `yaml:"screen_orientation" json:"screen_orientation"` // Display rotation in degrees
}

// ModelConfig describes the detection model
type ModelConfig struct {
	Path      string `yaml:"path" json:"path"`
	Labels    string `yaml:"labels" json:"labels"`
	InputSize int    `yaml:"input_size" json:"input_size"`
}

// DetectionConfig holds detector backend and filter settings
type DetectionConfig struct {
	Address        string        `yaml:"address" json:"address"`
	Embedded       bool          `yaml:"embedded" json:"embedded"`                   // Serve a replay backend in-process
	Fixture        string        `yaml:"fixture,omitempty" json:"fixture,omitempty"` // Detections the embedded backend replays
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	JPEGQuality    int           `yaml:"jpeg_quality" json:"jpeg_quality"`
	MinConfidence  float64       `yaml:"min_confidence" json:"min_confidence"`
	MaintainAspect bool          `yaml:"maintain_aspect" json:"maintain_aspect"`
	Buffers        int           `yaml:"buffers" json:"buffers"`
}

// SpeechConfig holds announcement settings
type SpeechConfig struct {
	Muted    bool          `yaml:"muted" json:"muted"`
	Sink     string        `yaml:"sink" json:"sink"` // nats or log
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Address        string   `yaml:"address" json:"address"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	DataDir        string `yaml:"data_dir" json:"data_dir"`
	Database       string `yaml:"database" json:"database"`
	RetentionHours int    `yaml:"retention_hours" json:"retention_hours"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // json or text
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

const defaultMinConfidence = 0.6

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.Detection.MinConfidence = defaultMinConfidence
	c.encKey = encryptionKey()
	c.setDefaults()
	return c
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Seeded so an explicit zero stays visible to Validate
	var cfg Config
	cfg.Detection.MinConfidence = defaultMinConfidence
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = encryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// LoadOrCreate loads path, writing a default configuration there first if
// the file does not exist
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.path = path
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		slog.Info("Wrote default configuration", "path", path)
		return cfg, nil
	}
	return Load(path)
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.Source.URL == "":
		return errors.New("source.url is required")
	case c.Source.PreviewWidth <= 0 || c.Source.PreviewHeight <= 0:
		return fmt.Errorf("invalid preview size %dx%d", c.Source.PreviewWidth, c.Source.PreviewHeight)
	case c.Source.Rotation%90 != 0:
		return fmt.Errorf("source.rotation must be a multiple of 90, got %d", c.Source.Rotation)
	case c.Source.ScreenOrientation%90 != 0:
		return fmt.Errorf("source.screen_orientation must be a multiple of 90, got %d", c.Source.ScreenOrientation)
	case c.Model.Path == "":
		return errors.New("model.path is required")
	case c.Model.InputSize <= 0:
		return fmt.Errorf("invalid model.input_size %d", c.Model.InputSize)
	case c.Detection.MinConfidence <= 0 || c.Detection.MinConfidence > 1:
		return fmt.Errorf("detection.min_confidence must be within (0, 1], got %v", c.Detection.MinConfidence)
	case c.Detection.JPEGQuality < 1 || c.Detection.JPEGQuality > 100:
		return fmt.Errorf("invalid detection.jpeg_quality %d", c.Detection.JPEGQuality)
	case c.Speech.Sink != "nats" && c.Speech.Sink != "log":
		return fmt.Errorf("unknown speech.sink %q", c.Speech.Sink)
	case c.Logging.Format != "json" && c.Logging.Format != "text":
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel converts a level name into a slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return errors.New("config has no path")
	}

	cfgCopy := &Config{
		Version:   c.Version,
		Source:    c.Source,
		Model:     c.Model,
		Detection: c.Detection,
		Tracking:  c.Tracking,
		Speech:    c.Speech,
		Server:    c.Server,
		Storage:   c.Storage,
		EventBus:  c.EventBus,
		Logging:   c.Logging,
		path:      c.path,
		encKey:    c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# objdetect configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration when its file changes, until stop is
// closed
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so atomic renames are seen too
	path := c.Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.Path())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		slog.Error("Ignoring invalid config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.Source = newCfg.Source
	c.Model = newCfg.Model
	c.Detection = newCfg.Detection
	c.Tracking = newCfg.Tracking
	c.Speech = newCfg.Speech
	c.Server = newCfg.Server
	c.Storage = newCfg.Storage
	c.EventBus = newCfg.EventBus
	c.Logging = newCfg.Logging
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// MinConfidence returns the current confidence threshold
func (c *Config) MinConfidence() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Detection.MinConfidence
}

// SpeechCooldown returns the current announcement cooldown
func (c *Config) SpeechCooldown() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Speech.Cooldown
}

// SpeechMuted reports whether announcements are muted
func (c *Config) SpeechMuted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Speech.Muted
}

// LogLevel returns the configured log level, or info when unparseable
func (c *Config) LogLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, _ := ParseLevel(c.Logging.Level)
	return level
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Path returns the current config file path
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// DatabasePath resolves the database file, relative paths being taken
// from the data directory
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.Storage.Database) {
		return c.Storage.Database
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.Database)
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	if c.Source.FPS == 0 {
		c.Source.FPS = 5
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Source.PreviewWidth == 0 {
		c.Source.PreviewWidth = 640
	}
	if c.Source.PreviewHeight == 0 {
		c.Source.PreviewHeight = 480
	}

	if c.Model.Path == "" {
		c.Model.Path = "assets/ssd_mobilenet_v1_android_export.pb"
	}
	if c.Model.Labels == "" {
		c.Model.Labels = "assets/coco_labels_list.txt"
	}
	if c.Model.InputSize == 0 {
		c.Model.InputSize = 300
	}

	if c.Detection.Address == "" {
		c.Detection.Address = "localhost:50051"
	}
	if c.Detection.Timeout == 0 {
		c.Detection.Timeout = 30 * time.Second
	}
	if c.Detection.JPEGQuality == 0 {
		c.Detection.JPEGQuality = 90
	}
	if c.Detection.Buffers == 0 {
		c.Detection.Buffers = 2
	}

	d := tracking.DefaultConfig()
	if c.Tracking.MinSize == 0 {
		c.Tracking.MinSize = d.MinSize
	}
	if c.Tracking.MaxOverlap == 0 {
		c.Tracking.MaxOverlap = d.MaxOverlap
	}
	if c.Tracking.MinCorrelation == 0 {
		c.Tracking.MinCorrelation = d.MinCorrelation
	}
	if c.Tracking.MaxMissed == 0 {
		c.Tracking.MaxMissed = d.MaxMissed
	}

	if c.Speech.Sink == "" {
		c.Speech.Sink = "nats"
	}
	if c.Speech.Cooldown == 0 {
		c.Speech.Cooldown = 10 * time.Second
	}

	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "objdetect.db"
	}
	if c.Storage.RetentionHours == 0 {
		c.Storage.RetentionHours = 72
	}

	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = eventbus.DefaultPort
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.BufferSize == 0 {
		c.Logging.BufferSize = 1000
	}
}

const encryptedPrefix = "encrypted:"

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	if c.Source.Password != "" && !strings.HasPrefix(c.Source.Password, encryptedPrefix) {
		encrypted, err := encrypt(c.encKey, c.Source.Password)
		if err != nil {
			return err
		}
		c.Source.Password = encryptedPrefix + encrypted
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	if strings.HasPrefix(c.Source.Password, encryptedPrefix) {
		decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.Source.Password, encryptedPrefix))
		if err != nil {
			return err
		}
		c.Source.Password = decrypted
	}
	return nil
}

// encryptionKey returns the key from OBJDETECT_ENCRYPTION_KEY or the
// built-in default
func encryptionKey() []byte {
	if keyStr := os.Getenv("OBJDETECT_ENCRYPTION_KEY"); keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("objdetect-default-key-change-me!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

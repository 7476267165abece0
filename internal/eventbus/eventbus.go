// Package eventbus runs an embedded NATS server that carries detection,
// tracking and speech events to local and remote subscribers
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the pipeline
const (
	SubjectDetections = "detections.results"
	SubjectTracks     = "tracks.updated"
	SubjectSpeech     = "speech.announce"
	SubjectFatal      = "system.fatal"
	SubjectConfig     = "config.changed"
)

// DefaultPort is the client port of the embedded server
const DefaultPort = 12001

// Bus provides pub/sub messaging over embedded NATS
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Config configures the event bus
type Config struct {
	Host string `yaml:"host"`
	// Port for clients. Zero means DefaultPort, -1 picks a random free port.
	Port int `yaml:"port"`
	// StoreDir enables JetStream persistence when set
	StoreDir string `yaml:"store_dir"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: DefaultPort,
	}
}

// New starts an embedded NATS server and connects to it
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("objdetect"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	b.logger.Info("Event bus started", "url", ns.ClientURL(), "jetstream", opts.JetStream)

	return b, nil
}

// Conn returns the NATS connection for direct use
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// ClientURL returns the NATS client URL
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish marshals data as JSON and publishes it to a subject
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// SubscribeJSON subscribes to a subject and decodes each message into a
// fresh value of T
func SubscribeJSON[T any](b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	return b.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			b.logger.Error("Failed to unmarshal message", "subject", subject, "error", err)
			return
		}
		handler(v)
	})
}

// Unsubscribe removes all subscriptions for a subject
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// Flush waits until the server has processed all published messages
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Stop drains the connection and shuts down the server
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

// FatalEvent is published on SubjectFatal before the process exits
type FatalEvent struct {
	Component string    `json:"component"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishFatal publishes a fatal event and flushes it
func (b *Bus) PublishFatal(component string, err error) error {
	if pubErr := b.Publish(SubjectFatal, FatalEvent{
		Component: component,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}); pubErr != nil {
		return pubErr
	}
	return b.conn.FlushTimeout(time.Second)
}

// HealthCheck verifies the connection to the embedded server
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	_, err := b.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if errors.Is(err, nats.ErrNoResponders) {
		return nil
	}
	return err
}

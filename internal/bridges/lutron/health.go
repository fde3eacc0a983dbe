package lutron

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is how often health is published.
const defaultHealthInterval = 30 * time.Second

// metricsMeasurement is the InfluxDB measurement for bridge statistics.
const metricsMeasurement = "lutron_bridge"

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsWriter records bridge statistics in a time-series store.
// It is optional - if nil, no metrics are written.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID is the bridge identifier for health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Client provides connection state and statistics.
	Client Connector

	// Metrics is optional.
	Metrics MetricsWriter
}

// HealthReporter publishes the bridge health to MQTT at regular intervals
// and, when configured, writes the same statistics as metrics.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	client    Connector
	metrics   MetricsWriter

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter. Call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		client:    cfg.Client,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament payload.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
			h.writeMetrics()
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.client == nil || !h.client.IsConnected() {
		return HealthDegraded, "bridge disconnected"
	}

	if state := h.client.Stats().ProtocolState; state != StateReady.String() {
		return HealthDegraded, "handshake incomplete: " + state
	}

	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var stats ClientStats
	if h.client != nil {
		stats = h.client.Stats()
	}

	msg := NewHealthMessage(h.bridgeID, h.version, status, stats, h.startTime)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

// writeMetrics records the client statistics as one point.
func (h *HealthReporter) writeMetrics() {
	if h.metrics == nil || h.client == nil {
		return
	}

	stats := h.client.Stats()

	connected := 0
	if stats.Connected {
		connected = 1
	}

	fields := map[string]interface{}{
		"connected":        connected,
		"frames_received":  stats.FramesRx,
		"events_emitted":   stats.EventsEmitted,
		"events_dropped":   stats.EventsDropped,
		"commands_sent":    stats.CommandsTx,
		"commands_dropped": stats.CommandsDropped,
		"probes_sent":      stats.ProbesSent,
		"reconnects":       stats.Reconnects,
		"connect_failures": stats.ConnectFailures,
		"backoff_seconds":  stats.BackoffDelay.Seconds(),
	}
	if !stats.LastActivity.IsZero() {
		fields["silence_seconds"] = time.Since(stats.LastActivity).Seconds()
	}

	h.metrics.WritePoint(metricsMeasurement, map[string]string{"bridge": h.bridgeID}, fields)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

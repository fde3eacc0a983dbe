package lutron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds writing one action to the bridge.
	commandTimeout = 5 * time.Second

	// configTimeout bounds a restart triggered by a config message.
	configTimeout = 30 * time.Second

	// EventChannel is the WebSocket channel DeviceEvents are broadcast on.
	EventChannel = "lutron.event"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// EventSink receives every DeviceEvent in addition to MQTT.
// It is optional - the WebSocket hub implements it.
type EventSink interface {
	Broadcast(channel string, payload any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health messages. Default: "lutron".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Client is the bridge session.
	Client Connector

	// Logger is optional structured logger.
	Logger Logger

	// Events is optional; it receives every DeviceEvent.
	Events EventSink

	// Metrics is optional; it receives statistics each health interval.
	Metrics MetricsWriter
}

// Bridge connects the Lutron session to Gray Logic Core over MQTT.
// It handles:
//   - Publishing DeviceEvents as state messages
//   - Executing command messages through ProcessAction and acknowledging them
//   - status/reconnect requests and runtime address changes
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID string
	mqtt     MQTTClient
	client   Connector
	health   *HealthReporter
	events   EventSink

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("lutron client is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:  opts.BridgeID,
		mqtt:      opts.MQTTClient,
		client:    opts.Client,
		events:    opts.Events,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Client:    opts.Client,
		Metrics:   opts.Metrics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to command, request and config topics, hooks the
// DeviceEvent callback and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.client.SetOnEvent(b.handleDeviceEvent)

	subscriptions := []string{CommandSubscribeTopic(), RequestSubscribeTopic(), ConfigTopic()}
	for _, topic := range subscriptions {
		if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	b.health.Start(ctx)

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}

	b.logInfo("bridge started", "bridge_id", b.bridgeID)
	return nil
}

// Stop detaches from the client and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.client.SetOnEvent(nil)
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// PublishHealth publishes the current health status immediately. main calls
// it after an MQTT reconnect so the retained status replaces the will.
func (b *Bridge) PublishHealth() error {
	return b.health.PublishNow()
}

// LWTPayload returns the payload to register as the MQTT will message.
func (b *Bridge) LWTPayload() ([]byte, error) {
	return b.health.LWTPayload()
}

// handleDeviceEvent publishes a DeviceEvent. It runs on the client's
// dispatcher goroutine.
func (b *Bridge) handleDeviceEvent(event DeviceEvent) {
	msg := NewEventMessage(event)

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal event", err)
		return
	}

	if err := b.mqtt.Publish(StateTopic(event.IntegrationID), payload, 1, false); err != nil {
		b.logError("failed to publish event", err)
	}

	if b.events != nil {
		b.events.Broadcast(EventChannel, msg)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		var topicID string
		if len(parts) > minTopicParts {
			topicID = parts[3]
		}
		b.handleCommand(topicID, payload)
	case "request":
		b.handleRequest(payload)
	case "config":
		b.handleConfig(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand executes a command message and acknowledges it.
func (b *Bridge) handleCommand(topicID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = "cmd-" + uuid.NewString()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicID
	}

	if strings.TrimSpace(cmd.Action) == "" {
		b.publishAck(NewAckError(cmd, ErrCodeInvalidCommand, "action is required"))
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"action", cmd.Action)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err := b.client.ProcessAction(ctx, cmd.Action)
	switch {
	case err == nil:
		b.publishAck(NewAckMessage(cmd, AckAccepted))
	case errors.Is(err, ErrNotConnected):
		b.publishAck(NewAckError(cmd, ErrCodeNotConnected, "bridge not connected, command dropped"))
	default:
		b.publishAck(NewAckError(cmd, ErrCodeBridgeError, err.Error()))
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(ack.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest answers status and reconnect requests.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = "req-" + uuid.NewString()
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
	}

	switch req.Action {
	case "status":
		resp.Success = true
		resp.Data = map[string]any{
			"display": b.client.DisplayInformation(),
			"stats":   b.client.Stats(),
		}
	case "reconnect":
		if err := b.client.ForceReconnect("requested over MQTT"); err != nil {
			resp.Error = &ResponseError{Code: ErrCodeNotRunning, Message: err.Error()}
		} else {
			resp.Success = true
		}
	default:
		resp.Error = &ResponseError{
			Code:    ErrCodeInvalidCommand,
			Message: fmt.Sprintf("unknown action: %s", req.Action),
		}
	}

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	if err := b.mqtt.Publish(ResponseTopic(req.RequestID), respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// handleConfig applies a runtime bridge address change.
func (b *Bridge) handleConfig(payload []byte) {
	var msg ConfigMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logError("failed to parse config", err)
		return
	}
	if msg.BridgeAddress == nil {
		b.logInfo("config message without bridge_address ignored")
		return
	}
	address := *msg.BridgeAddress

	ctx, cancel := context.WithTimeout(b.ctx, configTimeout)
	defer cancel()

	if err := b.client.UpdateAddress(ctx, address); err != nil {
		b.logError("failed to apply bridge address", err)
		return
	}
	b.logInfo("bridge address applied", "address", address)
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

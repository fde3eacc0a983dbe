package lutron

import (
	"fmt"
	"strings"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Lutron bridge.
// The topic layout follows graylogic/{category}/lutron/{id}.

// Topic constants.
const (
	// TopicPrefix is the root of all Gray Logic topics.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment of every topic.
	Protocol = "lutron"

	// bridgeTopicID is used in ack topics when a command names no device.
	bridgeTopicID = "bridge"
)

// CommandMessage is sent from Core to have the bridge execute an action.
// Topic: graylogic/command/lutron/{integration_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the integration ID the action targets. Taken from the
	// topic when empty.
	DeviceID string `json:"device_id,omitempty"`

	// Action is the raw integration command, e.g. "#OUTPUT,5,1,75".
	// The bridge appends the line terminator.
	Action string `json:"action"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the action was written to the bridge.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the action could not be written.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent to acknowledge a command.
// Topic: graylogic/ack/lutron/{integration_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeNotRunning     = "NOT_RUNNING"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeBridgeError    = "BRIDGE_ERROR"
)

// EventMessage carries a DeviceEvent to Core.
// Topic: graylogic/state/lutron/{integration_id}
// QoS: 1, Retained: No (reports include button presses)
type EventMessage struct {
	// IntegrationID is the device's integration ID.
	IntegrationID string `json:"integration_id"`

	// Timestamp is when the bridge report was processed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Message is the raw report, e.g. "~OUTPUT,5,1,100.00".
	Message string `json:"message"`

	// Protocol is the protocol identifier ("lutron").
	Protocol string `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/lutron
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the session with the Lutron bridge.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// Address is the bridge address.
	Address string `json:"address"`

	// ProtocolState is the handshake state (e.g. "READY").
	ProtocolState string `json:"protocol_state"`

	// ConnectedSince is when the current session was established.
	ConnectedSince *time.Time `json:"connected_since,omitempty"`

	// BackoffSeconds is the delay before the next reconnect attempt.
	BackoffSeconds float64 `json:"backoff_seconds"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsDropped uint64 `json:"commands_dropped"`
	Reconnects      uint64 `json:"reconnects"`
	ConnectFailures uint64 `json:"connect_failures"`
}

// RequestMessage is sent from Core for request/response operations.
// Topic: graylogic/request/lutron/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation: "status" or "reconnect".
	Action string `json:"action"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/lutron/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConfigMessage changes bridge settings at runtime.
// Topic: graylogic/config/lutron
//
// A nil BridgeAddress leaves the address alone; an empty one clears it and
// stops the client.
type ConfigMessage struct {
	BridgeAddress *string `json:"bridge_address,omitempty"`
}

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment for cmd.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewEventMessage wraps a DeviceEvent for publishing.
func NewEventMessage(event DeviceEvent) EventMessage {
	ts := event.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return EventMessage{
		IntegrationID: event.IntegrationID,
		Timestamp:     ts.UTC(),
		Message:       event.Message,
		Protocol:      Protocol,
	}
}

// NewHealthMessage builds a health report from client statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats ClientStats, startTime time.Time) HealthMessage {
	conn := &ConnectionStatus{
		Status:         "disconnected",
		Address:        stats.Address,
		ProtocolState:  stats.ProtocolState,
		BackoffSeconds: stats.BackoffDelay.Seconds(),
	}
	if stats.Connected {
		conn.Status = "connected"
	}
	if !stats.ConnectedSince.IsZero() {
		since := stats.ConnectedSince.UTC()
		conn.ConnectedSince = &since
	}

	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    conn,
		Statistics: &BridgeStatistics{
			FramesReceived:  stats.FramesRx,
			EventsPublished: stats.EventsEmitted,
			EventsDropped:   stats.EventsDropped,
			CommandsSent:    stats.CommandsTx,
			CommandsDropped: stats.CommandsDropped,
			Reconnects:      stats.Reconnects,
			ConnectFailures: stats.ConnectFailures,
		},
	}
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// CommandTopic returns the command topic for an integration ID.
func CommandTopic(integrationID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, TopicSegment(integrationID))
}

// AckTopic returns the acknowledgment topic for an integration ID.
func AckTopic(integrationID string) string {
	if integrationID == "" {
		integrationID = bridgeTopicID
	}
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, TopicSegment(integrationID))
}

// StateTopic returns the event topic for an integration ID.
func StateTopic(integrationID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, TopicSegment(integrationID))
}

// HealthTopic returns the health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// ResponseTopic returns the response topic for a request.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, TopicSegment(requestID))
}

// CommandSubscribeTopic returns the wildcard topic for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the wildcard topic for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// ConfigTopic returns the runtime configuration topic.
func ConfigTopic() string {
	return fmt.Sprintf("%s/config/%s", TopicPrefix, Protocol)
}

// topicReplacer removes characters with meaning in MQTT topic filters.
var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// TopicSegment makes s safe for use as a single topic level.
func TopicSegment(s string) string {
	return topicReplacer.Replace(s)
}

package lutron

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command", CommandTopic("5"), "graylogic/command/lutron/5"},
		{"ack", AckTopic("5"), "graylogic/ack/lutron/5"},
		{"ack without device", AckTopic(""), "graylogic/ack/lutron/bridge"},
		{"state", StateTopic("DEV42"), "graylogic/state/lutron/DEV42"},
		{"state with wildcard", StateTopic("a/b#"), "graylogic/state/lutron/a_b_"},
		{"health", HealthTopic(), "graylogic/health/lutron"},
		{"response", ResponseTopic("req-1"), "graylogic/response/lutron/req-1"},
		{"command subscribe", CommandSubscribeTopic(), "graylogic/command/lutron/#"},
		{"request subscribe", RequestSubscribeTopic(), "graylogic/request/lutron/#"},
		{"config", ConfigTopic(), "graylogic/config/lutron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestNewEventMessage(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("BST", 3600))
	msg := NewEventMessage(DeviceEvent{IntegrationID: "5", Message: "~OUTPUT,5,1,100", ReceivedAt: at})

	if msg.IntegrationID != "5" || msg.Message != "~OUTPUT,5,1,100" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Protocol != Protocol {
		t.Errorf("Protocol = %q, want %q", msg.Protocol, Protocol)
	}
	if msg.Timestamp.Location() != time.UTC || !msg.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v in UTC", msg.Timestamp, at)
	}

	if NewEventMessage(DeviceEvent{IntegrationID: "1"}).Timestamp.IsZero() {
		t.Error("zero ReceivedAt produced a zero Timestamp")
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "cmd-1", DeviceID: "5", Action: "#OUTPUT,5,1,0"}
	ack := NewAckError(cmd, ErrCodeNotConnected, "bridge not connected")

	if ack.CommandID != "cmd-1" || ack.DeviceID != "5" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Status != AckFailed {
		t.Errorf("Status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConnected {
		t.Errorf("Error = %+v", ack.Error)
	}
}

func TestNewHealthMessage(t *testing.T) {
	since := time.Now().Add(-time.Minute)
	stats := ClientStats{
		Connected:      true,
		Address:        "192.168.1.50",
		ProtocolState:  "READY",
		FramesRx:       12,
		EventsEmitted:  10,
		CommandsTx:     3,
		Reconnects:     1,
		BackoffDelay:   10 * time.Second,
		ConnectedSince: since,
	}

	msg := NewHealthMessage("lutron", "1.0.0", HealthHealthy, stats, time.Now().Add(-time.Hour))

	if msg.Connection.Status != "connected" {
		t.Errorf("Connection.Status = %q, want connected", msg.Connection.Status)
	}
	if msg.Connection.ProtocolState != "READY" {
		t.Errorf("Connection.ProtocolState = %q", msg.Connection.ProtocolState)
	}
	if msg.Connection.BackoffSeconds != 10 {
		t.Errorf("Connection.BackoffSeconds = %v, want 10", msg.Connection.BackoffSeconds)
	}
	if msg.Connection.ConnectedSince == nil || !msg.Connection.ConnectedSince.Equal(since) {
		t.Errorf("Connection.ConnectedSince = %v", msg.Connection.ConnectedSince)
	}
	if msg.Statistics.FramesReceived != 12 || msg.Statistics.EventsPublished != 10 {
		t.Errorf("Statistics = %+v", msg.Statistics)
	}
	if msg.UptimeSeconds < 3599 {
		t.Errorf("UptimeSeconds = %d, want about 3600", msg.UptimeSeconds)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["status"] != "healthy" {
		t.Errorf("status = %v", decoded["status"])
	}
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("lutron-1")
	if msg.Status != HealthOffline || msg.Bridge != "lutron-1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Connection != nil {
		t.Error("LWT message carries connection details")
	}
}

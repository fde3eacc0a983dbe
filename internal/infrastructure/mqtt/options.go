package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// disconnectQuiesceMillis lets queued publishes drain on Close.
	disconnectQuiesceMillis = 1000

	maxQoS = 2
)

// Will is the Last Will and Testament the broker publishes, retained at
// QoS 1, when this client vanishes without a DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
}

// Option customises Connect.
type Option func(*settings)

type settings struct {
	will           *Will
	connectTimeout time.Duration
}

// WithWill replaces the default service-status will. The Lutron bridge
// points it at its health topic so consumers see the bridge go offline.
func WithWill(topic string, payload []byte) Option {
	return func(s *settings) {
		s.will = &Will{Topic: topic, Payload: payload}
	}
}

// WithConnectTimeout bounds the initial connect. Zero keeps the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// serviceStatus is the retained body on ServiceStatusTopic.
type serviceStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusPayload renders a serviceStatus stamped with the current time.
func statusPayload(clientID, status, reason string) []byte {
	// A struct of strings always marshals.
	data, _ := json.Marshal(serviceStatus{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// brokerURL returns tcp:// or ssl:// depending on cfg.Broker.TLS.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions maps the service config onto paho. Sessions are clean;
// the client replays its own subscriptions on every connect.
func buildClientOptions(cfg config.MQTTConfig, s settings) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(s.connectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if s.will != nil {
		opts.SetBinaryWill(s.will.Topic, s.will.Payload, 1, true)
	} else {
		id := cfg.Broker.ClientID
		opts.SetBinaryWill(ServiceStatusTopic(id), statusPayload(id, "offline", "unexpected_disconnect"), 1, true)
	}
	return opts
}

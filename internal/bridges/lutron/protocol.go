package lutron

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default integration credentials of a factory-configured bridge.
const (
	DefaultLogin    = "lutron"
	DefaultPassword = "integration"

	// credentialTerminator ends a credential reply. Commands use "\r\n".
	credentialTerminator = "\n"

	// integrationIDField is the index of the device ID in a frame.
	integrationIDField = 1
)

// ProtocolState is the handshake state of a bridge session.
type ProtocolState int32

const (
	// StateAwaitingLogin is the state of a fresh connection.
	StateAwaitingLogin ProtocolState = iota

	// StateAwaitingPassword follows a successful login reply.
	StateAwaitingPassword

	// StateReady follows a successful password reply. Only READY sessions
	// produce DeviceEvents.
	StateReady
)

// String returns the state name used in logs and status output.
func (s ProtocolState) String() string {
	switch s {
	case StateAwaitingLogin:
		return "AWAITING_LOGIN"
	case StateAwaitingPassword:
		return "AWAITING_PASSWORD"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("ProtocolState(%d)", int32(s))
	}
}

// DeviceEvent is a report from the bridge, keyed by integration ID.
// The message body is passed through uninterpreted.
type DeviceEvent struct {
	// IntegrationID is the second comma-separated field of the frame.
	IntegrationID string `json:"integration_id"`

	// Message is the full frame, starting with '~', without "\r\n".
	Message string `json:"message"`

	// ReceivedAt is when the frame was processed.
	ReceivedAt time.Time `json:"received_at"`
}

// Credentials are the integration login sent during the handshake.
type Credentials struct {
	Login    string
	Password string
}

// String redacts the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Login: %q, Password: [REDACTED]}", c.Login)
}

// ProtocolHandlerConfig configures a ProtocolHandler.
type ProtocolHandlerConfig struct {
	// Credentials are sent in reply to the prompts.
	// Defaults: lutron / integration.
	Credentials Credentials

	// RequireLogin selects whether a session starts in AWAITING_LOGIN.
	// When false, sessions start READY for bridges with login disabled.
	RequireLogin bool

	// Write sends raw bytes to the bridge.
	Write func(p []byte) error

	// Clock stamps liveness and events. Default: real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger Logger
}

// ProtocolHandler drives the login handshake and turns frames into
// DeviceEvents.
//
// Every classified item, prompts included, refreshes the liveness clock
// read by the Watchdog.
//
// Thread Safety:
//   - Handle and Reset are called by the single inbound consumer.
//   - State, LastActivity and the counters may be read from any goroutine.
type ProtocolHandler struct {
	creds        Credentials
	requireLogin bool
	write        func(p []byte) error
	clock        clockwork.Clock
	logger       Logger

	state        atomic.Int32
	lastActivity atomic.Int64 // UnixNano

	framesRejected  atomic.Uint64
	framesMalformed atomic.Uint64
	handshakeErrors atomic.Uint64
}

// NewProtocolHandler creates a handler in the initial state.
func NewProtocolHandler(cfg ProtocolHandlerConfig) *ProtocolHandler {
	if cfg.Credentials.Login == "" {
		cfg.Credentials.Login = DefaultLogin
	}
	if cfg.Credentials.Password == "" {
		cfg.Credentials.Password = DefaultPassword
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Write == nil {
		cfg.Write = func([]byte) error { return ErrNotConnected }
	}

	h := &ProtocolHandler{
		creds:        cfg.Credentials,
		requireLogin: cfg.RequireLogin,
		write:        cfg.Write,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	h.Reset()
	return h
}

// Reset returns the handler to its initial state for a new connection.
// The connection itself counts as activity.
func (h *ProtocolHandler) Reset() {
	if h.requireLogin {
		h.state.Store(int32(StateAwaitingLogin))
	} else {
		h.state.Store(int32(StateReady))
	}
	h.touch()
}

// Handle processes one item. It returns a DeviceEvent and true when the
// item was a well-formed frame on a READY session.
func (h *ProtocolHandler) Handle(item Item) (DeviceEvent, bool) {
	h.touch()

	switch item.Kind {
	case ItemLoginPrompt:
		if err := h.write([]byte(h.creds.Login + credentialTerminator)); err != nil {
			h.handshakeErrors.Add(1)
			h.logger.Error("failed to send login", "error", err)
			return DeviceEvent{}, false
		}
		h.state.Store(int32(StateAwaitingPassword))
		h.logger.Debug("login sent")
		return DeviceEvent{}, false

	case ItemPasswordPrompt:
		if err := h.write([]byte(h.creds.Password + credentialTerminator)); err != nil {
			h.handshakeErrors.Add(1)
			h.logger.Error("failed to send password", "error", err)
			return DeviceEvent{}, false
		}
		if h.State() == StateAwaitingLogin {
			h.logger.Warn("password prompt before login prompt")
		}
		h.state.Store(int32(StateReady))
		h.logger.Info("bridge session ready")
		return DeviceEvent{}, false

	case ItemFrame:
		if state := h.State(); state != StateReady {
			h.framesRejected.Add(1)
			h.logger.Debug("frame before handshake completed", "state", state.String(), "frame", item.Text)
			return DeviceEvent{}, false
		}
		event, ok := ParseFrame(item.Text)
		if !ok {
			h.framesMalformed.Add(1)
			return DeviceEvent{}, false
		}
		event.ReceivedAt = h.clock.Now()
		return event, true

	default:
		return DeviceEvent{}, false
	}
}

// State returns the current handshake state.
func (h *ProtocolHandler) State() ProtocolState {
	return ProtocolState(h.state.Load())
}

// LastActivity returns when inbound data was last classified.
func (h *ProtocolHandler) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// FramesRejected returns frames dropped because the handshake was incomplete.
func (h *ProtocolHandler) FramesRejected() uint64 {
	return h.framesRejected.Load()
}

// FramesMalformed returns frames dropped for lacking an integration ID.
func (h *ProtocolHandler) FramesMalformed() uint64 {
	return h.framesMalformed.Load()
}

// HandshakeErrors returns failed credential writes.
func (h *ProtocolHandler) HandshakeErrors() uint64 {
	return h.handshakeErrors.Load()
}

func (h *ProtocolHandler) touch() {
	h.lastActivity.Store(h.clock.Now().UnixNano())
}

// ParseFrame extracts the integration ID from a frame such as
// "~OUTPUT,5,1,100". It reports false when the frame has no non-empty
// second field.
func ParseFrame(text string) (DeviceEvent, bool) {
	if !strings.HasPrefix(text, string(frameStart)) {
		return DeviceEvent{}, false
	}

	fields := strings.Split(text, ",")
	if len(fields) <= integrationIDField {
		return DeviceEvent{}, false
	}

	id := strings.TrimSpace(fields[integrationIDField])
	if id == "" {
		return DeviceEvent{}, false
	}

	return DeviceEvent{IntegrationID: id, Message: text}, true
}

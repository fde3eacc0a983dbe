package lutron

import "errors"

// Sentinel errors for the Lutron bridge client.
// Use errors.Is() to check for these in calling code.
var (
	// ErrNotConnected is returned when no live session to the bridge exists.
	// Commands issued while disconnected are dropped, never queued.
	ErrNotConnected = errors.New("lutron: not connected to bridge")

	// ErrConnectionFailed is returned when dialling the bridge fails.
	ErrConnectionFailed = errors.New("lutron: connection failed")

	// ErrWriteFailed is returned when a write to the bridge fails.
	ErrWriteFailed = errors.New("lutron: write failed")

	// ErrNoBridgeAddress is returned by Start when no bridge address is set.
	ErrNoBridgeAddress = errors.New("lutron: bridge address not configured")

	// ErrAlreadyRunning is returned by Start when the client is running.
	ErrAlreadyRunning = errors.New("lutron: client already running")

	// ErrNotRunning is returned when an operation needs a started client.
	ErrNotRunning = errors.New("lutron: client not running")

	// ErrEmptyCommand is returned when an empty command is submitted.
	ErrEmptyCommand = errors.New("lutron: command cannot be empty")

	// ErrSessionClosed is returned when the session actor has shut down.
	ErrSessionClosed = errors.New("lutron: session closed")
)

package lutron

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ziutek/telnet"
)

// Transport timing defaults.
const (
	// BridgePort is the integration port of the bridge.
	BridgePort = 23

	// defaultConnectTimeout is the maximum time to wait for the TCP session.
	defaultConnectTimeout = 10 * time.Second

	// defaultPollInterval bounds how long a single Read waits for data.
	defaultPollInterval = 250 * time.Millisecond

	// defaultWriteTimeout is the deadline for a single write.
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize is the size of a single read from the bridge.
	readBufferSize = 1024
)

// Transport is the raw bidirectional byte stream to the bridge.
//
// Read is poll-based: when nothing arrives within the poll window it
// returns (nil, nil) instead of blocking. Close is idempotent.
type Transport interface {
	Read() ([]byte, error)
	Write(p []byte) error
	Close() error
	RemoteAddr() string
}

// Dialer opens Transports to a bridge address.
// This allows tests to substitute in-memory transports.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// TelnetDialer dials the bridge's telnet integration port.
//
// The TCP session is wrapped in a telnet connection, which answers the
// bridge's option negotiation with a fixed profile and strips IAC
// sequences from the data stream.
type TelnetDialer struct {
	// ConnectTimeout bounds the TCP connect. Default: 10 seconds.
	ConnectTimeout time.Duration

	// PollInterval bounds a single Read. Default: 250ms.
	PollInterval time.Duration

	// WriteTimeout bounds a single Write. Default: 5 seconds.
	WriteTimeout time.Duration
}

// Ensure TelnetDialer implements Dialer.
var _ Dialer = (*TelnetDialer)(nil)

// Dial connects to address. A bare host is dialled on BridgePort; an
// address that already carries a port is used as given.
func (d *TelnetDialer) Dial(ctx context.Context, address string) (Transport, error) {
	target := bridgeHostPort(address)

	connectTimeout := d.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	netDialer := net.Dialer{Timeout: connectTimeout}
	raw, err := netDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	conn, err := telnet.NewConn(raw)
	if err != nil {
		raw.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: telnet session: %w", ErrConnectionFailed, err)
	}

	t := &telnetTransport{
		conn:         conn,
		remote:       target,
		pollInterval: d.PollInterval,
		writeTimeout: d.WriteTimeout,
		buf:          make([]byte, readBufferSize),
	}
	if t.pollInterval == 0 {
		t.pollInterval = defaultPollInterval
	}
	if t.writeTimeout == 0 {
		t.writeTimeout = defaultWriteTimeout
	}
	return t, nil
}

// bridgeHostPort appends BridgePort unless address already names a port.
func bridgeHostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(BridgePort))
}

// telnetTransport is a Transport over a telnet connection.
type telnetTransport struct {
	conn         *telnet.Conn
	remote       string
	pollInterval time.Duration
	writeTimeout time.Duration

	// buf is only touched by the single reader goroutine.
	buf []byte

	closeOnce sync.Once
	closeErr  error
}

func (t *telnetTransport) Read() ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.pollInterval)); err != nil {
		return nil, err
	}

	n, err := t.conn.Read(t.buf)
	if n > 0 {
		// Any error is reported again by the next Read.
		data := make([]byte, n)
		copy(data, t.buf[:n])
		return data, nil
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (t *telnetTransport) Write(p []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (t *telnetTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *telnetTransport) RemoteAddr() string {
	return t.remote
}

package lutron

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport. Read polls its inbound channel
// for a few milliseconds, like the telnet transport's read deadline.
type fakeTransport struct {
	remote  string
	inbound chan []byte

	mu       sync.Mutex
	writes   []string
	writeErr error
	readErr  error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(remote string) *fakeTransport {
	return &fakeTransport{
		remote:  remote,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read() ([]byte, error) {
	timer := time.NewTimer(5 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, io.EOF
	case data := <-f.inbound:
		return data, nil
	case <-timer.C:
		return nil, nil
	}
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string {
	return f.remote
}

// Push queues inbound data as if the bridge had sent it.
func (f *fakeTransport) Push(s string) {
	f.inbound <- []byte(s)
}

// Fail makes the next Read return err, as when the bridge drops the link.
func (f *fakeTransport) Fail(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.Close() //nolint:errcheck // fake
}

func (f *fakeTransport) SetWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeTransport) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeTransports and records dial attempts.
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	addresses  []string
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, address string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.addresses = append(d.addresses, address)
	if d.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, d.err)
	}

	t := newFakeTransport(bridgeHostPort(address))
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addresses)
}

func (d *fakeDialer) Addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.addresses))
	copy(out, d.addresses)
	return out
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// fakeJournal collects journal entries.
type fakeJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *fakeJournal) Record(_ context.Context, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *fakeJournal) Kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	kinds := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// recordingWriter captures credential writes from a ProtocolHandler.
type recordingWriter struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (w *recordingWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, string(p))
	return nil
}

func (w *recordingWriter) Writes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.writes))
	copy(out, w.writes)
	return out
}

// fakeLink is a Link with settable state.
type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	lastActivity time.Time
	probeErr     error
	probes       int
	reconnects   int
	onReconnect  func()
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

func (l *fakeLink) Probe(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probes++
	return l.probeErr
}

func (l *fakeLink) Reconnect(context.Context) error {
	l.mu.Lock()
	l.reconnects++
	fn := l.onReconnect
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (l *fakeLink) Set(connected bool, lastActivity time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
	l.lastActivity = lastActivity
}

func (l *fakeLink) Counts() (probes, reconnects int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probes, l.reconnects
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

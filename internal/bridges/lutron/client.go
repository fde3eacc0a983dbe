package lutron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Client defaults.
const (
	// commandTerminator ends every command written to the bridge.
	commandTerminator = "\r\n"

	// eventQueueSize bounds DeviceEvents waiting for the callback.
	eventQueueSize = 256

	// journalQueueSize bounds lifecycle records waiting to be stored.
	journalQueueSize = 32

	// journalTimeout bounds a single journal write.
	journalTimeout = 5 * time.Second

	// handshakeWriteTimeout bounds a credential write.
	handshakeWriteTimeout = 5 * time.Second
)

// Status values reported by DisplayInformation.
const (
	StatusRunning = "RUNNING"
	StatusStopped = "STOPPED"
)

// Journal entry kinds.
const (
	JournalConnected     = "connected"
	JournalConnectFailed = "connect_failed"
	JournalDisconnected  = "disconnected"
	JournalReady         = "ready"
	JournalReconnecting  = "reconnecting"
	JournalStarted       = "started"
	JournalStopped       = "stopped"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// JournalEntry records one connection lifecycle event.
type JournalEntry struct {
	Kind    string
	Address string
	Detail  string
	Time    time.Time
}

// Journal stores connection lifecycle events.
// It is optional - if nil, the client keeps no history.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// Connector is the part of Client used by the MQTT bridge and the API.
// This allows mocking the client in tests.
type Connector interface {
	ProcessAction(ctx context.Context, action string) error
	UpdateAddress(ctx context.Context, address string) error
	ForceReconnect(reason string) error
	SetOnEvent(callback func(DeviceEvent))
	IsConnected() bool
	DisplayInformation() map[string]string
	Stats() ClientStats
}

// Ensure Client implements Connector.
var _ Connector = (*Client)(nil)

// ClientConfig holds the bridge session settings.
type ClientConfig struct {
	// Address is the bridge host name or IP. Port 23 is implied.
	Address string

	// Credentials answer the login and password prompts.
	Credentials Credentials

	// RequireLogin waits for the handshake before accepting frames.
	RequireLogin bool

	// MaxFrameBuffer bounds bytes held for an unterminated frame.
	// Default: 8 KiB.
	MaxFrameBuffer int

	// WatchdogInitialDelay is the wait before the first liveness check.
	// Default: 60 seconds.
	WatchdogInitialDelay time.Duration

	// WatchdogPeriod is the interval between liveness checks.
	// Default: 5 minutes.
	WatchdogPeriod time.Duration

	// ProbeTolerance is extra silence allowed before probing. Default: 0.
	ProbeTolerance time.Duration

	// ProbeCommand is the keep-alive query. Default: ?SYSTEM,10.
	ProbeCommand string

	// BackoffFloor is the first reconnect delay. Default: 5 seconds.
	BackoffFloor time.Duration

	// BackoffCeiling caps the reconnect delay. Default: 10 minutes.
	BackoffCeiling time.Duration
}

// ClientOptions holds the dependencies for a Client.
type ClientOptions struct {
	// Config is the session configuration.
	Config ClientConfig

	// Dialer opens transports. Default: &TelnetDialer{}.
	Dialer Dialer

	// Clock drives the watchdog and timestamps. Default: real clock.
	Clock clockwork.Clock

	// Logger is optional structured logger.
	Logger Logger

	// Journal is optional lifecycle storage.
	Journal Journal
}

// ClientStats holds operational statistics.
//
// Counters from the protocol handler and watchdog cover the current run
// (since the last Start); the others cover the lifetime of the Client.
type ClientStats struct {
	Running         bool          `json:"running"`
	Connected       bool          `json:"connected"`
	Address         string        `json:"address"`
	ProtocolState   string        `json:"protocol_state"`
	FramesRx        uint64        `json:"frames_rx"`
	FramesRejected  uint64        `json:"frames_rejected"`
	FramesMalformed uint64        `json:"frames_malformed"`
	BufferOverflows uint64        `json:"buffer_overflows"`
	EventsEmitted   uint64        `json:"events_emitted"`
	EventsDropped   uint64        `json:"events_dropped"` // Events dropped due to full queue
	CommandsTx      uint64        `json:"commands_tx"`
	CommandsDropped uint64        `json:"commands_dropped"` // Commands dropped while disconnected
	HandshakeErrors uint64        `json:"handshake_errors"`
	ProbesSent      uint64        `json:"probes_sent"`
	Reconnects      uint64        `json:"reconnects"`
	ConnectFailures uint64        `json:"connect_failures"`
	Disconnects     uint64        `json:"disconnects"`
	BackoffDelay    time.Duration `json:"backoff_delay_ns"`
	LastActivity    time.Time     `json:"last_activity"`
	ConnectedSince  time.Time     `json:"connected_since"`
}

// Client maintains the session with one Lutron bridge.
//
// Start connects and launches the watchdog; Stop tears everything down and
// may be followed by another Start. Connection failures never surface as
// fatal errors: the client degrades to "not connected" and the watchdog
// keeps retrying with backoff.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - DeviceEvent callbacks are invoked from one dispatcher goroutine, in
//     the order the bridge sent them.
type Client struct {
	dialer  Dialer
	clock   clockwork.Clock
	logger  Logger
	journal Journal

	// mu guards cfg.Address and run.
	mu  sync.Mutex
	cfg ClientConfig
	run *clientRun

	onEvent    func(DeviceEvent)
	callbackMu sync.RWMutex

	// Statistics (atomic for performance)
	framesRx        atomic.Uint64
	bufferOverflows atomic.Uint64
	eventsEmitted   atomic.Uint64
	eventsDropped   atomic.Uint64
	commandsTx      atomic.Uint64
	commandsDropped atomic.Uint64
	connectFailures atomic.Uint64
	disconnects     atomic.Uint64
	connectedSince  atomic.Int64 // UnixNano, 0 when disconnected
}

// NewClient creates a stopped Client. Call Start to connect.
func NewClient(opts ClientOptions) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &TelnetDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Config.ProbeCommand == "" {
		opts.Config.ProbeCommand = DefaultProbeCommand
	}

	return &Client{
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		logger:  opts.Logger,
		journal: opts.Journal,
		cfg:     opts.Config,
	}
}

// Start connects to the configured bridge and starts the watchdog.
//
// A failed first connection is logged and left to the watchdog; Start only
// fails when no address is configured or the client is already running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	address := strings.TrimSpace(c.cfg.Address)
	if address == "" {
		c.mu.Unlock()
		return ErrNoBridgeAddress
	}
	run := c.newRun(address)
	c.run = run
	c.mu.Unlock()

	run.start()
	run.record(JournalStarted, "")

	connectCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(run.ctx, cancel)
	err := run.connect(connectCtx)
	stopAfter()
	cancel()

	if err != nil {
		c.logger.Warn("initial bridge connection failed, watchdog will retry",
			"address", address,
			"error", err)
	}

	run.watchdog.Start()

	c.logger.Info("lutron client started", "address", address)
	return nil
}

// Stop disconnects from the bridge and stops the watchdog. Safe to call
// multiple times and when not running.
func (c *Client) Stop() {
	c.mu.Lock()
	run := c.run
	c.run = nil
	c.mu.Unlock()

	if run == nil {
		return
	}

	run.stop()
	c.connectedSince.Store(0)
	c.logger.Info("lutron client stopped", "address", run.address)
}

// Send writes command followed by "\r\n" to the bridge.
//
// When no live session exists the command is dropped and ErrNotConnected
// is returned; commands are never queued for later delivery.
func (c *Client) Send(ctx context.Context, command string) error {
	if strings.TrimSpace(command) == "" {
		return ErrEmptyCommand
	}

	run := c.currentRun()
	if run == nil {
		c.commandsDropped.Add(1)
		c.logger.Warn("command dropped, client not running", "command", command)
		return ErrNotConnected
	}
	return run.send(ctx, command)
}

// ProcessAction forwards a host action verbatim to the bridge.
func (c *Client) ProcessAction(ctx context.Context, action string) error {
	return c.Send(ctx, action)
}

// UpdateAddress changes the bridge address. When it differs from the
// current one the client is stopped and started again on the new address.
func (c *Client) UpdateAddress(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)

	c.mu.Lock()
	old := c.cfg.Address
	c.cfg.Address = address
	c.mu.Unlock()

	if old == address {
		return nil
	}

	c.logger.Info("bridge address changed, restarting", "old", old, "new", address)
	c.Stop()
	return c.Start(ctx)
}

// ForceReconnect asks the watchdog to recycle the connection now.
func (c *Client) ForceReconnect(reason string) error {
	run := c.currentRun()
	if run == nil {
		return ErrNotRunning
	}
	run.watchdog.ForceReconnect(reason)
	return nil
}

// SetOnEvent sets the callback for DeviceEvents.
func (c *Client) SetOnEvent(callback func(DeviceEvent)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// IsConnected reports whether a live session to the bridge exists.
func (c *Client) IsConnected() bool {
	run := c.currentRun()
	return run != nil && run.session.IsConnected()
}

// Address returns the configured bridge address.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Address
}

// Status returns RUNNING when started with a live connection, otherwise
// STOPPED.
func (c *Client) Status() string {
	if c.IsConnected() {
		return StatusRunning
	}
	return StatusStopped
}

// DisplayInformation returns the key/value status shown to operators.
func (c *Client) DisplayInformation() map[string]string {
	info := map[string]string{"Status": c.Status()}

	if address := c.Address(); address != "" {
		info["Bridge Address"] = address
	}
	if run := c.currentRun(); run != nil {
		info["Protocol State"] = run.handler.State().String()
	}
	return info
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		Address:         c.Address(),
		FramesRx:        c.framesRx.Load(),
		BufferOverflows: c.bufferOverflows.Load(),
		EventsEmitted:   c.eventsEmitted.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		CommandsTx:      c.commandsTx.Load(),
		CommandsDropped: c.commandsDropped.Load(),
		ConnectFailures: c.connectFailures.Load(),
		Disconnects:     c.disconnects.Load(),
		ProtocolState:   StatusStopped,
	}

	if since := c.connectedSince.Load(); since != 0 {
		stats.ConnectedSince = time.Unix(0, since)
	}

	if run := c.currentRun(); run != nil {
		stats.Running = true
		stats.Connected = run.session.IsConnected()
		stats.ProtocolState = run.handler.State().String()
		stats.FramesRejected = run.handler.FramesRejected()
		stats.FramesMalformed = run.handler.FramesMalformed()
		stats.HandshakeErrors = run.handler.HandshakeErrors()
		stats.LastActivity = run.handler.LastActivity()
		stats.ProbesSent = run.watchdog.Probes()
		stats.Reconnects = run.watchdog.Reconnects()
		stats.BackoffDelay = run.watchdog.Backoff().Current()
	}

	return stats
}

func (c *Client) currentRun() *clientRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *Client) dispatch(event DeviceEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event callback panic recovered",
				"integration_id", event.IntegrationID,
				"panic", r)
		}
	}()

	c.callbackMu.RLock()
	callback := c.onEvent
	c.callbackMu.RUnlock()

	if callback != nil {
		callback(event)
	}
	c.eventsEmitted.Add(1)
}

// clientRun is everything owned by one Start/Stop cycle.
type clientRun struct {
	client  *Client
	address string

	session  *Session
	handler  *ProtocolHandler
	watchdog *Watchdog

	// framer and framerGen belong to the session's consumer goroutine.
	framer    *Framer
	framerGen uint64

	events  chan DeviceEvent
	journal chan JournalEntry

	ctx    context.Context
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup
}

// Ensure clientRun implements Link.
var _ Link = (*clientRun)(nil)

func (c *Client) newRun(address string) *clientRun {
	ctx, cancel := context.WithCancel(context.Background())

	r := &clientRun{
		client:  c,
		address: address,
		framer:  NewFramer(c.cfg.MaxFrameBuffer),
		events:  make(chan DeviceEvent, eventQueueSize),
		journal: make(chan JournalEntry, journalQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    newCloseOnce(),
	}

	r.session = NewSession(SessionConfig{
		OnChunk: r.handleChunk,
		OnLost:  r.handleLost,
		Logger:  c.logger,
	})

	r.handler = NewProtocolHandler(ProtocolHandlerConfig{
		Credentials:  c.cfg.Credentials,
		RequireLogin: c.cfg.RequireLogin,
		Write:        r.writeRaw,
		Clock:        c.clock,
		Logger:       c.logger,
	})

	r.watchdog = NewWatchdog(r, WatchdogConfig{
		InitialDelay:   c.cfg.WatchdogInitialDelay,
		Period:         c.cfg.WatchdogPeriod,
		ProbeTolerance: c.cfg.ProbeTolerance,
		Backoff:        NewBackoff(c.cfg.BackoffFloor, c.cfg.BackoffCeiling),
		Clock:          c.clock,
		Logger:         c.logger,
	})

	return r
}

func (r *clientRun) start() {
	r.wg.Add(2)
	go r.dispatchLoop()
	go r.journalLoop()
}

func (r *clientRun) stop() {
	r.cancel()
	r.watchdog.Stop()
	r.session.Close()
	r.record(JournalStopped, "")
	r.done.Close()
	r.wg.Wait()
}

// connect dials the bridge and hands the transport to the session.
func (r *clientRun) connect(ctx context.Context) error {
	c := r.client

	t, err := c.dialer.Dial(ctx, r.address)
	if err != nil {
		c.connectFailures.Add(1)
		r.record(JournalConnectFailed, err.Error())
		return err
	}

	r.handler.Reset()
	if _, err := r.session.Attach(ctx, t); err != nil {
		return err
	}

	c.connectedSince.Store(c.clock.Now().UnixNano())
	r.record(JournalConnected, t.RemoteAddr())
	c.logger.Info("connected to bridge", "address", t.RemoteAddr())
	return nil
}

func (r *clientRun) send(ctx context.Context, command string) error {
	c := r.client

	err := r.session.Write(ctx, []byte(command+commandTerminator))
	switch {
	case err == nil:
		c.commandsTx.Add(1)
		c.logger.Debug("command sent", "command", command)
		return nil
	case errors.Is(err, ErrNotConnected):
		c.commandsDropped.Add(1)
		c.logger.Warn("command dropped, bridge not connected", "command", command)
		return err
	default:
		c.commandsDropped.Add(1)
		c.logger.Warn("command write failed", "command", command, "error", err)
		return err
	}
}

func (r *clientRun) writeRaw(p []byte) error {
	ctx, cancel := context.WithTimeout(r.ctx, handshakeWriteTimeout)
	defer cancel()
	return r.session.Write(ctx, p)
}

// handleChunk runs on the session's consumer goroutine.
func (r *clientRun) handleChunk(gen uint64, data []byte) {
	c := r.client

	if gen != r.framerGen {
		r.framer.Reset()
		r.framerGen = gen
	}

	overflows := r.framer.Overflows()
	items := r.framer.Feed(data)
	if r.framer.Overflows() != overflows {
		c.bufferOverflows.Add(1)
		c.logger.Warn("inbound buffer overflow, discarding partial frame")
	}

	for _, item := range items {
		if item.Kind == ItemFrame {
			c.framesRx.Add(1)
		}

		before := r.handler.State()
		event, ok := r.handler.Handle(item)
		if before != StateReady && r.handler.State() == StateReady {
			r.record(JournalReady, "")
		}
		if ok {
			r.emit(event)
		}
	}
}

// handleLost runs on the session goroutine and must not call into it.
func (r *clientRun) handleLost(gen uint64, err error) {
	c := r.client
	c.disconnects.Add(1)
	c.connectedSince.Store(0)
	c.logger.Warn("bridge connection lost", "generation", gen, "error", err)
	r.record(JournalDisconnected, err.Error())
}

func (r *clientRun) emit(event DeviceEvent) {
	select {
	case r.events <- event:
	default:
		r.client.eventsDropped.Add(1)
		r.client.logger.Warn("event queue full, dropping event",
			"integration_id", event.IntegrationID)
	}
}

func (r *clientRun) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done.Done():
			return
		case event := <-r.events:
			r.client.dispatch(event)
		}
	}
}

// record queues a journal entry without blocking.
func (r *clientRun) record(kind, detail string) {
	if r.client.journal == nil {
		return
	}

	entry := JournalEntry{
		Kind:    kind,
		Address: r.address,
		Detail:  detail,
		Time:    r.client.clock.Now().UTC(),
	}

	select {
	case r.journal <- entry:
	default:
		r.client.logger.Debug("journal queue full, dropping entry", "kind", kind)
	}
}

func (r *clientRun) journalLoop() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.journal:
			r.store(entry)
		case <-r.done.Done():
			// Flush what was queued before shutdown.
			for {
				select {
				case entry := <-r.journal:
					r.store(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *clientRun) store(entry JournalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := r.client.journal.Record(ctx, entry); err != nil {
		r.client.logger.Warn("failed to record journal entry", "kind", entry.Kind, "error", err)
	}
}

// IsConnected implements Link.
func (r *clientRun) IsConnected() bool {
	return r.session.IsConnected()
}

// LastActivity implements Link.
func (r *clientRun) LastActivity() time.Time {
	return r.handler.LastActivity()
}

// Probe implements Link.
func (r *clientRun) Probe(ctx context.Context) error {
	return r.send(ctx, r.client.cfg.ProbeCommand)
}

// Reconnect implements Link.
func (r *clientRun) Reconnect(ctx context.Context) error {
	wasConnected := r.session.IsConnected()
	if err := r.session.Detach(ctx); err != nil {
		return err
	}
	if wasConnected {
		r.client.disconnects.Add(1)
		r.client.connectedSince.Store(0)
		r.record(JournalDisconnected, "recycled by watchdog")
	}

	r.record(JournalReconnecting, "")
	return r.connect(ctx)
}

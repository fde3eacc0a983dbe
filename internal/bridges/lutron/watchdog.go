package lutron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Watchdog defaults.
const (
	// DefaultProbeCommand asks the bridge for its system time, which any
	// live session answers.
	DefaultProbeCommand = "?SYSTEM,10"

	defaultWatchdogInitialDelay = 60 * time.Second
	defaultWatchdogPeriod       = 5 * time.Minute

	// silenceLimitFactor is how many periods of silence force a reconnect.
	silenceLimitFactor = 3

	// probeTimeout bounds a single keep-alive probe write.
	probeTimeout = 5 * time.Second
)

// Verdict is the outcome of one watchdog evaluation.
type Verdict int

const (
	// VerdictHealthy means recent traffic was seen; backoff is reset.
	VerdictHealthy Verdict = iota

	// VerdictProbe means the link is quiet; a keep-alive probe is sent.
	VerdictProbe

	// VerdictReconnect means the link is down or silent for too long.
	VerdictReconnect
)

// String returns the verdict name used in logs.
func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictProbe:
		return "probe"
	case VerdictReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Link is the connection supervised by a Watchdog.
type Link interface {
	// IsConnected reports whether a live transport exists.
	IsConnected() bool

	// LastActivity returns when inbound data was last processed.
	LastActivity() time.Time

	// Probe sends the keep-alive query.
	Probe(ctx context.Context) error

	// Reconnect drops any current transport and dials again.
	Reconnect(ctx context.Context) error
}

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	// InitialDelay is the wait before the first evaluation. Default: 60s.
	InitialDelay time.Duration

	// Period is the interval between evaluations. Default: 5 minutes.
	Period time.Duration

	// ProbeTolerance is extra silence allowed past Period before probing.
	// Default: 0.
	ProbeTolerance time.Duration

	// Backoff paces reconnect attempts. Default: NewBackoff(5s, 10m).
	Backoff *Backoff

	// Clock drives timers. Default: real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger Logger
}

// Watchdog detects dead or silent bridge sessions and recovers them.
//
// Evaluations run on a timer goroutine. Reconnects run on a separate worker
// goroutine so a slow connect never delays the next evaluation; requests
// that arrive while one is pending are coalesced. After its backoff wait the
// worker evaluates the link again and drops the request if the link has
// recovered, unless the request was forced.
type Watchdog struct {
	link         Link
	initialDelay time.Duration
	period       time.Duration
	tolerance    time.Duration
	backoff      *Backoff
	clock        clockwork.Clock
	logger       Logger

	trigger chan string
	forced  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	evaluations atomic.Uint64
	probes      atomic.Uint64
	reconnects  atomic.Uint64
	skipped     atomic.Uint64
}

// NewWatchdog creates a Watchdog for link. Call Start to begin.
func NewWatchdog(link Link, cfg WatchdogConfig) *Watchdog {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultWatchdogInitialDelay
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultWatchdogPeriod
	}
	if cfg.ProbeTolerance < 0 {
		cfg.ProbeTolerance = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(defaultBackoffFloor, defaultBackoffCeiling)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watchdog{
		link:         link,
		initialDelay: cfg.InitialDelay,
		period:       cfg.Period,
		tolerance:    cfg.ProbeTolerance,
		backoff:      cfg.Backoff,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		trigger:      make(chan string, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         newCloseOnce(),
	}
}

// Start launches the evaluation timer and the reconnect worker.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(2)
		go w.tickLoop()
		go w.reconnectLoop()
	})
}

// Stop cancels the timer, interrupts any reconnect in progress and waits
// for both goroutines. Safe to call multiple times.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.done.Close()
		w.wg.Wait()
	})
}

// Evaluate classifies the link at time now.
//
//   - not connected, or silent for more than 3 periods: reconnect
//   - silent for more than period+tolerance: probe
//   - otherwise: healthy
func (w *Watchdog) Evaluate(now time.Time) Verdict {
	if !w.link.IsConnected() {
		return VerdictReconnect
	}

	elapsed := now.Sub(w.link.LastActivity())
	switch {
	case elapsed > silenceLimitFactor*w.period:
		return VerdictReconnect
	case elapsed > w.period+w.tolerance:
		return VerdictProbe
	default:
		return VerdictHealthy
	}
}

// RequestReconnect asks the worker for a reconnect cycle. It returns false
// when a request is already pending.
func (w *Watchdog) RequestReconnect(reason string) bool {
	select {
	case w.trigger <- reason:
		return true
	default:
		w.logger.Debug("reconnect already pending", "reason", reason)
		return false
	}
}

// ForceReconnect queues a reconnect that runs even if the link looks
// healthy once the backoff wait ends. It returns false when it was merged
// into a pending request.
func (w *Watchdog) ForceReconnect(reason string) bool {
	w.forced.Store(true)
	return w.RequestReconnect(reason)
}

// Backoff returns the backoff state driven by this watchdog.
func (w *Watchdog) Backoff() *Backoff {
	return w.backoff
}

// Evaluations returns the number of completed evaluations.
func (w *Watchdog) Evaluations() uint64 {
	return w.evaluations.Load()
}

// Probes returns the number of keep-alive probes attempted.
func (w *Watchdog) Probes() uint64 {
	return w.probes.Load()
}

// Reconnects returns the number of reconnect cycles run by the worker.
func (w *Watchdog) Reconnects() uint64 {
	return w.reconnects.Load()
}

func (w *Watchdog) tickLoop() {
	defer w.wg.Done()

	timer := w.clock.NewTimer(w.initialDelay)
	defer timer.Stop()

	select {
	case <-w.done.Done():
		return
	case <-timer.Chan():
	}
	w.tick()

	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-w.done.Done():
			return
		case <-ticker.Chan():
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	defer w.evaluations.Add(1)

	now := w.clock.Now()
	verdict := w.Evaluate(now)

	switch verdict {
	case VerdictHealthy:
		if w.backoff.Failures() > 0 {
			w.logger.Info("bridge connection healthy, backoff reset")
		}
		w.backoff.Reset()

	case VerdictProbe:
		w.probes.Add(1)
		ctx, cancel := context.WithTimeout(w.ctx, probeTimeout)
		err := w.link.Probe(ctx)
		cancel()
		if err != nil {
			w.logger.Warn("keep-alive probe failed", "error", err)
		} else {
			w.logger.Debug("keep-alive probe sent",
				"silent_for", now.Sub(w.link.LastActivity()).String())
		}

	case VerdictReconnect:
		reason := "bridge not connected"
		if w.link.IsConnected() {
			reason = "bridge silent for " + now.Sub(w.link.LastActivity()).Truncate(time.Second).String()
		}
		w.RequestReconnect(reason)
	}
}

func (w *Watchdog) reconnectLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done.Done():
			return
		case reason := <-w.trigger:
			delay := w.backoff.Current()
			w.logger.Warn("bridge connection unhealthy, reconnecting",
				"reason", reason,
				"delay", delay.String())

			select {
			case <-w.done.Done():
				return
			case <-w.clock.After(delay):
			}

			if !w.forced.Swap(false) {
				if verdict := w.Evaluate(w.clock.Now()); verdict != VerdictReconnect {
					w.skipped.Add(1)
					w.logger.Info("bridge connection recovered, reconnect dropped",
						"reason", reason,
						"verdict", verdict.String())
					continue
				}
			}
			next := w.backoff.Fail()

			w.reconnects.Add(1)
			if err := w.link.Reconnect(w.ctx); err != nil {
				w.logger.Warn("bridge reconnect failed",
					"error", err,
					"next_delay", next.String())
			}
		}
	}
}

package lutron

import (
	"context"
	"sync"
	"sync/atomic"
)

// chunkQueueSize bounds inbound reads waiting for the consumer.
const chunkQueueSize = 64

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// OnChunk receives inbound data in arrival order, on a single goroutine.
	// gen identifies the transport the data came from and increases with
	// every Attach.
	OnChunk func(gen uint64, data []byte)

	// OnLost is told when the current transport fails. It runs on the
	// session goroutine and must not call back into the Session.
	OnLost func(gen uint64, err error)

	// Logger is optional.
	Logger Logger
}

// Session exclusively owns the live Transport to the bridge.
//
// A single goroutine holds the transport handle; attach, detach, write and
// failure notifications reach it as messages. Each attached transport gets
// a reader goroutine, and all reads flow through one bounded queue to one
// consumer, so data is processed in the order it was read.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Session struct {
	onChunk func(gen uint64, data []byte)
	onLost  func(gen uint64, err error)
	logger  Logger

	ops    chan sessionOp
	chunks chan inboundChunk

	connected  atomic.Bool
	generation atomic.Uint64

	done *closeOnce
	wg   sync.WaitGroup
}

type sessionOpKind int

const (
	opAttach sessionOpKind = iota
	opDetach
	opWrite
	opLost
)

type sessionOp struct {
	kind      sessionOpKind
	transport Transport
	data      []byte
	gen       uint64
	err       error
	reply     chan sessionResult
}

type sessionResult struct {
	gen uint64
	err error
}

type inboundChunk struct {
	gen  uint64
	data []byte
}

// NewSession starts the owner and consumer goroutines. Call Close to stop.
func NewSession(cfg SessionConfig) *Session {
	if cfg.OnChunk == nil {
		cfg.OnChunk = func(uint64, []byte) {}
	}
	if cfg.OnLost == nil {
		cfg.OnLost = func(uint64, error) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	s := &Session{
		onChunk: cfg.OnChunk,
		onLost:  cfg.OnLost,
		logger:  cfg.Logger,
		ops:     make(chan sessionOp),
		chunks:  make(chan inboundChunk, chunkQueueSize),
		done:    newCloseOnce(),
	}

	s.wg.Add(2)
	go s.run()
	go s.consume()

	return s
}

// Attach hands t to the session, replacing any current transport.
// It returns the generation assigned to t. If the session is closed or ctx
// ends before the hand-over, t is closed.
func (s *Session) Attach(ctx context.Context, t Transport) (uint64, error) {
	op := sessionOp{kind: opAttach, transport: t, reply: make(chan sessionResult, 1)}

	select {
	case s.ops <- op:
	case <-s.done.Done():
		t.Close() //nolint:errcheck // Not handed over, caller still owns it
		return 0, ErrSessionClosed
	case <-ctx.Done():
		t.Close() //nolint:errcheck // Not handed over, caller still owns it
		return 0, ctx.Err()
	}

	res, err := s.await(ctx, op.reply)
	if err != nil {
		return 0, err
	}
	return res.gen, nil
}

// Detach closes the current transport, if any. Safe when not connected.
func (s *Session) Detach(ctx context.Context) error {
	_, err := s.request(ctx, sessionOp{kind: opDetach})
	return err
}

// Write sends p on the current transport. It returns ErrNotConnected when
// there is none. A failed write drops the transport.
func (s *Session) Write(ctx context.Context, p []byte) error {
	_, err := s.request(ctx, sessionOp{kind: opWrite, data: p})
	return err
}

// IsConnected reports whether a transport is attached.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Generation returns the generation of the most recent Attach.
func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

// Close stops the session and closes the transport. Safe to call multiple
// times.
func (s *Session) Close() {
	s.done.Close()
	s.wg.Wait()
}

func (s *Session) request(ctx context.Context, op sessionOp) (sessionResult, error) {
	op.reply = make(chan sessionResult, 1)

	select {
	case s.ops <- op:
	case <-s.done.Done():
		return sessionResult{}, ErrSessionClosed
	case <-ctx.Done():
		return sessionResult{}, ctx.Err()
	}

	return s.await(ctx, op.reply)
}

func (s *Session) await(ctx context.Context, reply <-chan sessionResult) (sessionResult, error) {
	select {
	case res := <-reply:
		return res, res.err
	case <-s.done.Done():
		return sessionResult{}, ErrSessionClosed
	case <-ctx.Done():
		return sessionResult{}, ctx.Err()
	}
}

// run is the only goroutine that touches the transport handle.
func (s *Session) run() {
	defer s.wg.Done()

	var (
		current Transport
		gen     uint64
	)

	drop := func() {
		if current == nil {
			return
		}
		if err := current.Close(); err != nil {
			s.logger.Debug("closing bridge transport", "error", err)
		}
		current = nil
		s.connected.Store(false)
	}

	for {
		select {
		case <-s.done.Done():
			drop()
			return

		case op := <-s.ops:
			switch op.kind {
			case opAttach:
				drop()
				gen++
				current = op.transport
				s.generation.Store(gen)
				s.connected.Store(true)

				s.wg.Add(1)
				go s.readLoop(current, gen)

				op.reply <- sessionResult{gen: gen}

			case opDetach:
				drop()
				op.reply <- sessionResult{}

			case opWrite:
				if current == nil {
					op.reply <- sessionResult{err: ErrNotConnected}
					continue
				}
				if err := current.Write(op.data); err != nil {
					lostGen := gen
					drop()
					s.onLost(lostGen, err)
					op.reply <- sessionResult{err: err}
					continue
				}
				op.reply <- sessionResult{}

			case opLost:
				// Reports from replaced transports are stale.
				if op.gen != gen || current == nil {
					continue
				}
				drop()
				s.onLost(op.gen, op.err)
			}
		}
	}
}

// readLoop polls one transport until it fails or the session closes.
func (s *Session) readLoop(t Transport, gen uint64) {
	defer s.wg.Done()

	for {
		data, err := t.Read()
		if err != nil {
			select {
			case s.ops <- sessionOp{kind: opLost, gen: gen, err: err}:
			case <-s.done.Done():
			}
			return
		}

		if len(data) == 0 {
			select {
			case <-s.done.Done():
				return
			default:
			}
			continue
		}

		select {
		case s.chunks <- inboundChunk{gen: gen, data: data}:
		case <-s.done.Done():
			return
		}
	}
}

// consume delivers queued reads to OnChunk one at a time.
func (s *Session) consume() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done.Done():
			return
		case c := <-s.chunks:
			if c.gen != s.generation.Load() {
				continue
			}
			s.deliver(c)
		}
	}
}

func (s *Session) deliver(c inboundChunk) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("inbound handler panic recovered", "panic", r)
		}
	}()
	s.onChunk(c.gen, c.data)
}

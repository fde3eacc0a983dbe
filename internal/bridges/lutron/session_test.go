package lutron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
	gens   []uint64
	lost   []uint64
	errs   []error
}

func (r *chunkRecorder) OnChunk(gen uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, string(data))
	r.gens = append(r.gens, gen)
}

func (r *chunkRecorder) OnLost(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, gen)
	r.errs = append(r.errs, err)
}

func (r *chunkRecorder) Data() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func (r *chunkRecorder) Lost() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.lost))
	copy(out, r.lost)
	return out
}

func newTestSession(t *testing.T) (*Session, *chunkRecorder) {
	t.Helper()
	rec := &chunkRecorder{}
	s := NewSession(SessionConfig{OnChunk: rec.OnChunk, OnLost: rec.OnLost})
	t.Cleanup(s.Close)
	return s, rec
}

func TestSession_DeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, rec := newTestSession(t)
	ft := newFakeTransport("bridge:23")

	gen, err := s.Attach(context.Background(), ft)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}
	if !s.IsConnected() {
		t.Error("IsConnected() = false after Attach")
	}

	var want strings.Builder
	for i := 0; i < 50; i++ {
		chunk := string(rune('a' + i%26))
		want.WriteString(chunk)
		ft.Push(chunk)
	}

	waitFor(t, time.Second, "all chunks", func() bool {
		return rec.Data() == want.String()
	})

	s.Close()
	if !ft.IsClosed() {
		t.Error("transport still open after Close")
	}
}

func TestSession_Write(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.Write(ctx, []byte("#OUTPUT,1,1,0\r\n")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write() without transport error = %v, want ErrNotConnected", err)
	}

	ft := newFakeTransport("bridge:23")
	if _, err := s.Attach(ctx, ft); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := s.Write(ctx, []byte("#OUTPUT,1,1,0\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if writes := ft.Writes(); len(writes) != 1 || writes[0] != "#OUTPUT,1,1,0\r\n" {
		t.Errorf("writes = %q", writes)
	}
}

func TestSession_WriteFailureDropsTransport(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	ft := newFakeTransport("bridge:23")
	ft.SetWriteErr(errors.New("broken pipe"))
	gen, _ := s.Attach(ctx, ft)

	if err := s.Write(ctx, []byte("x")); err == nil {
		t.Fatal("Write() error = nil, want failure")
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after failed write")
	}
	if !ft.IsClosed() {
		t.Error("transport not closed after failed write")
	}
	if lost := rec.Lost(); len(lost) != 1 || lost[0] != gen {
		t.Errorf("lost = %v, want [%d]", lost, gen)
	}
}

func TestSession_ReadFailureReportsLost(t *testing.T) {
	s, rec := newTestSession(t)

	ft := newFakeTransport("bridge:23")
	gen, _ := s.Attach(context.Background(), ft)

	ft.Fail(errors.New("connection reset"))

	waitFor(t, time.Second, "lost notification", func() bool {
		return len(rec.Lost()) == 1
	})
	if lost := rec.Lost(); lost[0] != gen {
		t.Errorf("lost generation = %d, want %d", lost[0], gen)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after read failure")
	}
}

func TestSession_AttachReplacesTransport(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	first := newFakeTransport("bridge:23")
	second := newFakeTransport("bridge:23")

	if _, err := s.Attach(ctx, first); err != nil {
		t.Fatalf("Attach(first) error = %v", err)
	}
	gen, err := s.Attach(ctx, second)
	if err != nil {
		t.Fatalf("Attach(second) error = %v", err)
	}
	if gen != 2 || s.Generation() != 2 {
		t.Errorf("generation = %d/%d, want 2", gen, s.Generation())
	}
	if !first.IsClosed() {
		t.Error("replaced transport left open")
	}

	second.Push("hello")
	waitFor(t, time.Second, "chunk from second transport", func() bool {
		return rec.Data() == "hello"
	})

	// Closing the replaced transport is not reported as a loss.
	time.Sleep(20 * time.Millisecond)
	if lost := rec.Lost(); len(lost) != 0 {
		t.Errorf("lost = %v, want none", lost)
	}
}

func TestSession_Detach(t *testing.T) {
	s, rec := newTestSession(t)
	ctx := context.Background()

	if err := s.Detach(ctx); err != nil {
		t.Fatalf("Detach() without transport error = %v", err)
	}

	ft := newFakeTransport("bridge:23")
	s.Attach(ctx, ft) //nolint:errcheck // test

	if err := s.Detach(ctx); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if s.IsConnected() || !ft.IsClosed() {
		t.Error("transport still attached after Detach")
	}

	time.Sleep(20 * time.Millisecond)
	if lost := rec.Lost(); len(lost) != 0 {
		t.Errorf("lost = %v, want none after Detach", lost)
	}
}

func TestSession_Closed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewSession(SessionConfig{})
	s.Close()
	s.Close()

	ft := newFakeTransport("bridge:23")
	if _, err := s.Attach(context.Background(), ft); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Attach() error = %v, want ErrSessionClosed", err)
	}
	if !ft.IsClosed() {
		t.Error("transport not closed when Attach failed")
	}
	if err := s.Write(context.Background(), []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Write() error = %v, want ErrSessionClosed", err)
	}
}

func TestSession_HandlerPanicRecovered(t *testing.T) {
	var mu sync.Mutex
	var calls int
	s := NewSession(SessionConfig{OnChunk: func(uint64, []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	}})
	defer s.Close()

	ft := newFakeTransport("bridge:23")
	s.Attach(context.Background(), ft) //nolint:errcheck // test
	ft.Push("a")
	ft.Push("b")

	waitFor(t, time.Second, "both chunks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

package lutron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 2 * time.Millisecond
)

type clientFixture struct {
	client  *Client
	dialer  *fakeDialer
	clock   *clockwork.FakeClock
	journal *fakeJournal
}

func newClientFixture(t *testing.T, mutate func(*ClientConfig)) *clientFixture {
	t.Helper()

	cfg := ClientConfig{
		Address:      "192.168.1.50",
		RequireLogin: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &clientFixture{
		dialer:  &fakeDialer{},
		clock:   clockwork.NewFakeClock(),
		journal: &fakeJournal{},
	}
	f.client = NewClient(ClientOptions{
		Config:  cfg,
		Dialer:  f.dialer,
		Clock:   f.clock,
		Journal: f.journal,
	})
	return f
}

// login answers the handshake on the most recent transport.
func (f *clientFixture) login(t *testing.T) *fakeTransport {
	t.Helper()

	ft := f.dialer.Last()
	require.NotNil(t, ft, "no transport dialed")

	ft.Push("login: ")
	require.Eventually(t, func() bool { return len(ft.Writes()) == 1 }, waitTimeout, waitTick)
	ft.Push("password: ")
	require.Eventually(t, func() bool {
		return f.client.Stats().ProtocolState == StateReady.String()
	}, waitTimeout, waitTick)

	return ft
}

func TestClient_StartHandshakeAndEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newClientFixture(t, nil)

	var mu sync.Mutex
	var events []DeviceEvent
	f.client.SetOnEvent(func(e DeviceEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, f.client.Start(context.Background()))
	assert.Equal(t, []string{"192.168.1.50"}, f.dialer.Addresses())
	assert.Equal(t, StatusRunning, f.client.Status())
	assert.Equal(t, StateAwaitingLogin.String(), f.client.DisplayInformation()["Protocol State"])

	ft := f.login(t)
	assert.Equal(t, []string{"lutron\n", "integration\n"}, ft.Writes())

	ft.Push("~OUTPUT,5,1,100.00\r\n~DEV")
	ft.Push("ICE,7,2,3\r\nGNET> ")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, waitTimeout, waitTick)

	mu.Lock()
	assert.Equal(t, "5", events[0].IntegrationID)
	assert.Equal(t, "~OUTPUT,5,1,100.00", events[0].Message)
	assert.Equal(t, "7", events[1].IntegrationID)
	assert.Equal(t, "~DEVICE,7,2,3", events[1].Message)
	mu.Unlock()

	require.NoError(t, f.client.Send(context.Background(), "#OUTPUT,5,1,0"))
	assert.Equal(t, "#OUTPUT,5,1,0\r\n", ft.Writes()[2])

	stats := f.client.Stats()
	assert.True(t, stats.Running)
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(2), stats.FramesRx)
	assert.Equal(t, uint64(1), stats.CommandsTx)

	f.client.Stop()
	f.client.Stop()

	assert.True(t, ft.IsClosed())
	assert.Equal(t, StatusStopped, f.client.Status())
	assert.False(t, f.client.IsConnected())
}

func TestClient_FramesBeforeHandshakeAreRejected(t *testing.T) {
	f := newClientFixture(t, nil)

	var mu sync.Mutex
	var count int
	f.client.SetOnEvent(func(DeviceEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, f.client.Start(context.Background()))
	defer f.client.Stop()

	ft := f.dialer.Last()
	ft.Push("~OUTPUT,1,1,0\r\n")
	require.Eventually(t, func() bool { return f.client.Stats().FramesRejected == 1 }, waitTimeout, waitTick)

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestClient_LoginNotRequired(t *testing.T) {
	f := newClientFixture(t, func(cfg *ClientConfig) { cfg.RequireLogin = false })

	received := make(chan DeviceEvent, 1)
	f.client.SetOnEvent(func(e DeviceEvent) { received <- e })

	require.NoError(t, f.client.Start(context.Background()))
	defer f.client.Stop()

	f.dialer.Last().Push("~OUTPUT,9,1,50\r\n")

	select {
	case e := <-received:
		assert.Equal(t, "9", e.IntegrationID)
	case <-time.After(waitTimeout):
		t.Fatal("no event delivered")
	}
	assert.Empty(t, f.dialer.Last().Writes())
}

func TestClient_StartErrors(t *testing.T) {
	f := newClientFixture(t, func(cfg *ClientConfig) { cfg.Address = "  " })
	assert.ErrorIs(t, f.client.Start(context.Background()), ErrNoBridgeAddress)

	f = newClientFixture(t, nil)
	require.NoError(t, f.client.Start(context.Background()))
	defer f.client.Stop()
	assert.ErrorIs(t, f.client.Start(context.Background()), ErrAlreadyRunning)
}

func TestClient_SendDroppedWhenNotConnected(t *testing.T) {
	f := newClientFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.client.Send(ctx, "   "), ErrEmptyCommand)
	assert.ErrorIs(t, f.client.Send(ctx, "#OUTPUT,1,1,0"), ErrNotConnected)
	assert.Equal(t, uint64(1), f.client.Stats().CommandsDropped)

	require.NoError(t, f.client.Start(ctx))
	defer f.client.Stop()

	ft := f.dialer.Last()
	ft.Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { return !f.client.IsConnected() }, waitTimeout, waitTick)

	assert.ErrorIs(t, f.client.ProcessAction(ctx, "#OUTPUT,1,1,0"), ErrNotConnected)
	assert.Equal(t, uint64(2), f.client.Stats().CommandsDropped)
	assert.Equal(t, uint64(1), f.client.Stats().Disconnects)
	assert.Equal(t, StatusStopped, f.client.Status())
	assert.Empty(t, ft.Writes())
}

func TestClient_InitialConnectFailureRecoveredByWatchdog(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newClientFixture(t, nil)
	f.dialer.SetErr(errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.client.Start(ctx))
	defer f.client.Stop()

	assert.False(t, f.client.IsConnected())
	assert.Equal(t, uint64(1), f.client.Stats().ConnectFailures)

	// First evaluation after the initial delay finds no connection.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(60 * time.Second)

	// Ticker plus the 5s backoff wait.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.dialer.SetErr(nil)
	f.clock.Advance(5 * time.Second)

	require.Eventually(t, f.client.IsConnected, waitTimeout, waitTick)
	assert.Equal(t, 2, f.dialer.Dials())

	stats := f.client.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Equal(t, 10*time.Second, stats.BackoffDelay)
}

func TestClient_SilentBridgeIsProbed(t *testing.T) {
	f := newClientFixture(t, func(cfg *ClientConfig) {
		cfg.WatchdogInitialDelay = time.Second
		cfg.WatchdogPeriod = time.Minute
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.client.Start(ctx))
	defer f.client.Stop()
	ft := f.login(t)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	// Silent for just over one period.
	f.clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return f.client.Stats().ProbesSent == 1 }, waitTimeout, waitTick)
	require.Eventually(t, func() bool { return len(ft.Writes()) == 3 }, waitTimeout, waitTick)
	assert.Equal(t, "?SYSTEM,10\r\n", ft.Writes()[2])
}

func TestClient_ForceReconnect(t *testing.T) {
	f := newClientFixture(t, nil)
	assert.ErrorIs(t, f.client.ForceReconnect("operator"), ErrNotRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.client.Start(ctx))
	defer f.client.Stop()
	first := f.dialer.Last()

	require.NoError(t, f.client.ForceReconnect("operator"))

	// Initial delay timer plus the backoff wait.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitTimeout, waitTick)
	assert.True(t, first.IsClosed())
	require.Eventually(t, f.client.IsConnected, waitTimeout, waitTick)
}

func TestClient_UpdateAddress(t *testing.T) {
	f := newClientFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.client.Start(ctx))
	defer f.client.Stop()
	first := f.dialer.Last()

	require.NoError(t, f.client.UpdateAddress(ctx, "192.168.1.50"))
	assert.Equal(t, 1, f.dialer.Dials())

	require.NoError(t, f.client.UpdateAddress(ctx, "10.0.0.7:2323"))
	assert.Equal(t, []string{"192.168.1.50", "10.0.0.7:2323"}, f.dialer.Addresses())
	assert.Equal(t, "10.0.0.7:2323", f.client.Address())
	assert.True(t, first.IsClosed())
	assert.Equal(t, "10.0.0.7:2323", f.client.DisplayInformation()["Bridge Address"])
	assert.True(t, f.client.IsConnected())
}

func TestClient_Journal(t *testing.T) {
	f := newClientFixture(t, nil)

	require.NoError(t, f.client.Start(context.Background()))
	f.login(t)
	f.client.Stop()

	assert.Equal(t, []string{
		JournalStarted,
		JournalConnected,
		JournalReady,
		JournalStopped,
	}, f.journal.Kinds())
}

func TestClient_JournalDisconnect(t *testing.T) {
	f := newClientFixture(t, nil)

	require.NoError(t, f.client.Start(context.Background()))
	f.dialer.Last().Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { return !f.client.IsConnected() }, waitTimeout, waitTick)
	f.client.Stop()

	assert.Equal(t, []string{
		JournalStarted,
		JournalConnected,
		JournalDisconnected,
		JournalStopped,
	}, f.journal.Kinds())
}

func TestClient_RestartAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newClientFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.client.Start(ctx))
		assert.True(t, f.client.IsConnected())
		f.client.Stop()
		assert.False(t, f.client.IsConnected())
	}
	assert.Equal(t, 3, f.dialer.Dials())
}

func TestClient_CallbackPanicRecovered(t *testing.T) {
	f := newClientFixture(t, func(cfg *ClientConfig) { cfg.RequireLogin = false })

	var mu sync.Mutex
	var calls int
	f.client.SetOnEvent(func(DeviceEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("callback failure")
	})

	require.NoError(t, f.client.Start(context.Background()))
	defer f.client.Stop()

	f.dialer.Last().Push("~OUTPUT,1,1,0\r\n~OUTPUT,2,1,0\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, waitTimeout, waitTick)
}

func TestClient_DisplayInformationStopped(t *testing.T) {
	f := newClientFixture(t, nil)

	info := f.client.DisplayInformation()
	assert.Equal(t, StatusStopped, info["Status"])
	assert.Equal(t, "192.168.1.50", info["Bridge Address"])
	assert.NotContains(t, info, "Protocol State")
}

// ABOUTME: Tests for the connection supervisor state machine using the loopback transport
// ABOUTME: Covers pairing, disconnect classification, backoff exhaustion and stale events

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-menubot/internal/credentials"
	"github.com/2389/coven-menubot/internal/metrics"
	"github.com/2389/coven-menubot/internal/transport"
	"github.com/2389/coven-menubot/internal/transport/loopback"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func fastBackoff(maxAttempts int) Backoff {
	return Backoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  maxAttempts,
	}
}

type channelRecorder struct {
	ready atomic.Int32
	lost  atomic.Int32
}

func (r *channelRecorder) ChannelReady() { r.ready.Add(1) }
func (r *channelRecorder) ChannelLost()  { r.lost.Add(1) }

type inboundRecorder struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *inboundRecorder) Deliver(_ context.Context, msg transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *inboundRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type harness struct {
	net      *loopback.Network
	store    *credentials.MemoryStore
	sup      *Supervisor
	channel  *channelRecorder
	inbound  *inboundRecorder
	metrics  *metrics.Metrics
	stopLoop context.CancelFunc
	exited   chan error
}

func newHarness(t *testing.T, net *loopback.Network, cfg Config) *harness {
	t.Helper()

	h := &harness{
		net:     net,
		store:   credentials.NewMemoryStore(),
		channel: &channelRecorder{},
		inbound: &inboundRecorder{},
		metrics: metrics.New(),
		exited:  make(chan error, 1),
	}
	h.sup = New(net, h.store, cfg,
		WithListener(h.channel),
		WithInbound(h.inbound),
		WithMetrics(h.metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.stopLoop = cancel
	go func() { h.exited <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(waitFor):
			t.Error("supervisor did not exit")
		}
	})
	return h
}

func (h *harness) seedRegistered(t *testing.T) *credentials.Identity {
	t.Helper()
	id := credentials.NewIdentity()
	id.Registered = true
	id.AccountID = "loopback:bot"
	id.Secret = "resume-token"
	require.NoError(t, h.store.Save(context.Background(), id))
	return id
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.State() == want }, waitFor, tick,
		"expected state %s, have %s", want, h.sup.State())
}

func (h *harness) waitConnects(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.net.Connects() >= n }, waitFor, tick,
		"expected %d connects, have %d", n, h.net.Connects())
}

func TestStart_FreshIdentityAwaitsPairing(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	ctx := context.Background()

	assert.Equal(t, StateIdle, h.sup.State())
	require.NoError(t, h.sup.Start(ctx))

	h.waitState(t, StateAwaitingPairing)
	ch := h.sup.Challenge()
	require.NotNil(t, ch)
	assert.Equal(t, transport.ChallengeQR, ch.Kind)
	assert.Equal(t, "loopback-qr-1", ch.Payload)

	board := h.sup.Board().Current()
	require.NotNil(t, board)
	assert.Equal(t, ch.Payload, board.Payload)

	// A fresh unregistered identity is persisted before connecting
	id, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, id.Registered)
	assert.NotEmpty(t, id.DeviceID)

	require.NoError(t, h.net.ApprovePairing())
	h.waitState(t, StateOpen)

	assert.Nil(t, h.sup.Challenge(), "challenge is cleared once open")
	assert.Nil(t, h.sup.Board().Current())
	assert.Equal(t, int32(1), h.channel.ready.Load())

	id, err = h.store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, id.Registered, "credentials issued at pairing are persisted")
}

func TestStart_RegisteredIdentityOpensWithoutChallenge(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	seeded := h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	assert.Nil(t, h.sup.Challenge())
	got, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seeded.DeviceID, got.DeviceID)
}

func TestStart_NoOpWhileActive(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	ctx := context.Background()

	require.NoError(t, h.sup.Start(ctx))
	h.waitState(t, StateAwaitingPairing)
	require.NoError(t, h.sup.Start(ctx))
	require.NoError(t, h.sup.Start(ctx))

	assert.Equal(t, 1, h.net.Connects())
	assert.Equal(t, StateAwaitingPairing, h.sup.State())
}

func TestRecoverableClose_ReconnectsWithSameCredentials(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	seeded := h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	require.NoError(t, h.net.Drop(transport.ReasonRecoverable))
	h.waitConnects(t, 2)
	h.waitState(t, StateOpen)

	assert.Equal(t, 0, h.sup.Attempts(), "reaching open resets the attempt counter")
	assert.Equal(t, int32(2), h.channel.ready.Load())
	assert.Equal(t, int32(1), h.channel.lost.Load())

	got, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seeded.DeviceID, got.DeviceID)
	assert.True(t, got.Registered)
}

func TestLoggedOutClose_ResetsAndGoesIdle(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	require.NoError(t, h.net.Drop(transport.ReasonLoggedOut))
	h.waitState(t, StateIdle)

	_, err := h.store.Load(context.Background())
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.Equal(t, int32(1), h.channel.lost.Load())

	// No automatic reconnect follows a logout
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.net.Connects())
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestCredentialsInvalidClose_StartsFreshPairing(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	seeded := h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	require.NoError(t, h.net.Drop(transport.ReasonCredentialsInvalid))
	h.waitConnects(t, 2)
	h.waitState(t, StateAwaitingPairing)

	got, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Registered)
	assert.NotEqual(t, seeded.DeviceID, got.DeviceID, "a new identity replaces the rejected one")
}

func TestConnectError_CredentialsInvalidStartsFreshPairing(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)
	net.FailNextConnect(transport.ErrCredentialsInvalid)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateAwaitingPairing)
	assert.Equal(t, 2, net.Connects())
}

func TestConnectError_RetriesWithBackoff(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)
	net.FailNextConnect(errors.New("dial tcp: connection refused"))
	net.FailNextConnect(errors.New("dial tcp: connection refused"))

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)
	assert.Equal(t, 3, net.Connects())
	assert.Equal(t, 0, h.sup.Attempts())

	reg := h.metrics.Registry()
	families, err := reg.Gather()
	require.NoError(t, err)
	var reconnects float64
	for _, f := range families {
		if f.GetName() == "coven_menubot_reconnect_attempts_total" {
			reconnects = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), reconnects)
}

func TestRepeatedCloses_ExhaustAttemptsAndRepair(t *testing.T) {
	// Registered identity that never opens: each connection is dropped
	// before reaching open, so attempts accumulate.
	net := loopback.NewNetwork(loopback.WithAutoOpen(false))
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	seeded := h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))

	for i := 1; i <= 6; i++ {
		h.waitConnects(t, i)
		require.Eventually(t, func() bool {
			return net.Drop(transport.ReasonRecoverable) == nil
		}, waitFor, tick)
		require.Eventually(t, func() bool { return h.sup.Attempts() == i }, waitFor, tick,
			"attempt %d not counted", i)

		got, err := h.store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, seeded.DeviceID, got.DeviceID, "credentials survive attempt %d", i)
	}

	// The seventh closure exceeds the ceiling
	h.waitConnects(t, 7)
	require.Eventually(t, func() bool {
		return net.Drop(transport.ReasonRecoverable) == nil
	}, waitFor, tick)

	h.waitConnects(t, 8)
	h.waitState(t, StateAwaitingPairing)
	assert.Equal(t, 0, h.sup.Attempts())

	got, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Registered)
	assert.NotEqual(t, seeded.DeviceID, got.DeviceID)
	assert.NotNil(t, h.sup.Challenge())
}

func TestStop_LogsOutAndResets(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)
	conn := net.Current()

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, StateIdle, h.sup.State())
	assert.True(t, conn.LoggedOut())
	assert.Equal(t, int32(1), h.channel.lost.Load())

	_, err := h.store.Load(context.Background())
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	assert.ErrorIs(t, h.sup.Send(context.Background(), "alice", "hi"), transport.ErrNotConnected)
}

func TestStop_WhileAwaitingPairingClearsChallenge(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateAwaitingPairing)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, StateIdle, h.sup.State())
	assert.Nil(t, h.sup.Challenge())
	assert.Equal(t, int32(0), h.channel.lost.Load(), "channel was never ready")
}

func TestRecoverableCloseWhileAwaitingPairing_ClearsChallenge(t *testing.T) {
	net := loopback.NewNetwork()
	backoff := fastBackoff(6)
	backoff.InitialDelay = time.Hour
	backoff.MaxDelay = time.Hour
	h := newHarness(t, net, Config{Backoff: backoff})

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateAwaitingPairing)
	require.NotNil(t, h.sup.Challenge())

	require.NoError(t, net.Drop(transport.ReasonRecoverable))
	require.Eventually(t, func() bool { return h.sup.Attempts() == 1 }, waitFor, tick)

	assert.Equal(t, StateConnecting, h.sup.State())
	assert.Nil(t, h.sup.Challenge(), "challenge is only valid while awaiting pairing")
	assert.Nil(t, h.sup.Board().Current())
}

func TestPairingCodeFailure_ClearsChallenge(t *testing.T) {
	net := loopback.NewNetwork()
	net.SetPairingCode("", errors.New("rate limited"))
	backoff := fastBackoff(6)
	backoff.InitialDelay = time.Hour
	backoff.MaxDelay = time.Hour
	h := newHarness(t, net, Config{Backoff: backoff, PhoneNumber: "5511999990000"})

	require.NoError(t, h.sup.Start(context.Background()))
	require.Eventually(t, func() bool { return h.sup.Attempts() == 1 }, waitFor, tick)

	assert.Equal(t, StateConnecting, h.sup.State())
	assert.Nil(t, h.sup.Challenge())
	assert.Nil(t, h.sup.Board().Current())
}

func TestForceNewSession_IssuesFreshChallenge(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	ctx := context.Background()

	require.NoError(t, h.sup.Start(ctx))
	h.waitState(t, StateAwaitingPairing)
	first := h.sup.Challenge()
	require.NotNil(t, first)
	before, err := h.store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, h.sup.ForceNewSession(ctx))
	h.waitConnects(t, 2)
	require.Eventually(t, func() bool {
		c := h.sup.Challenge()
		return c != nil && c.Payload != first.Payload
	}, waitFor, tick)

	after, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.DeviceID, after.DeviceID)
}

func TestForceNewSession_FromOpen(t *testing.T) {
	h := newHarness(t, loopback.NewNetwork(), Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	require.NoError(t, h.sup.ForceNewSession(context.Background()))
	h.waitState(t, StateAwaitingPairing)
	assert.Equal(t, int32(1), h.channel.lost.Load())
}

func TestSend_OnlyWhenOpen(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	ctx := context.Background()

	assert.ErrorIs(t, h.sup.Send(ctx, "alice", "hi"), transport.ErrNotConnected)

	require.NoError(t, h.sup.Start(ctx))
	h.waitState(t, StateAwaitingPairing)
	assert.ErrorIs(t, h.sup.Send(ctx, "alice", "hi"), transport.ErrNotConnected)

	require.NoError(t, net.ApprovePairing())
	h.waitState(t, StateOpen)
	require.NoError(t, h.sup.Send(ctx, "alice", "hi"))
	assert.Equal(t, []string{"hi"}, net.SentTo("alice"))
}

func TestInbound_DeliveredWhileOpen(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	require.NoError(t, net.Deliver("alice", "1"))
	require.NoError(t, net.Deliver("bob", "2"))
	require.Eventually(t, func() bool { return h.inbound.count() == 2 }, waitFor, tick)
}

func TestInbound_DroppedBeforeOpen(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateAwaitingPairing)

	require.NoError(t, net.Deliver("alice", "1"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.inbound.count())
}

func TestPhonePairing_PublishesCode(t *testing.T) {
	net := loopback.NewNetwork()
	net.SetPairingCode("ABCD-1234", nil)
	h := newHarness(t, net, Config{Backoff: fastBackoff(6), PhoneNumber: "5511999990000"})

	require.NoError(t, h.sup.Start(context.Background()))
	require.Eventually(t, func() bool {
		c := h.sup.Challenge()
		return c != nil && c.Kind == transport.ChallengeCode
	}, waitFor, tick)

	assert.Equal(t, StateAwaitingPairing, h.sup.State())
	assert.Equal(t, "ABCD-1234", h.sup.Challenge().Payload)
	assert.Equal(t, "ABCD-1234", h.sup.Board().Current().Payload)
}

func TestPhonePairing_FailureRetries(t *testing.T) {
	net := loopback.NewNetwork()
	net.SetPairingCode("", errors.New("rate limited"))
	h := newHarness(t, net, Config{Backoff: fastBackoff(6), PhoneNumber: "5511999990000"})

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitConnects(t, 2)
	assert.NotEqual(t, StateOpen, h.sup.State())
}

func TestRun_ExitClosesWithoutLogout(t *testing.T) {
	net := loopback.NewNetwork()
	h := newHarness(t, net, Config{Backoff: fastBackoff(6)})
	h.seedRegistered(t)

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)
	conn := net.Current()

	h.stopLoop()
	select {
	case err := <-h.exited:
		require.NoError(t, err)
		h.exited <- err
	case <-time.After(waitFor):
		t.Fatal("supervisor did not exit")
	}

	assert.True(t, conn.Closed())
	assert.False(t, conn.LoggedOut())
	assert.Equal(t, StateIdle, h.sup.State())

	_, err := h.store.Load(context.Background())
	assert.NoError(t, err, "credentials survive process shutdown")

	assert.ErrorIs(t, h.sup.Start(context.Background()), ErrNotRunning)
}

// scriptedTransport hands out connections whose handlers the test keeps,
// so events can be injected from retired connections.
type scriptedTransport struct {
	mu       sync.Mutex
	handlers []transport.EventHandler
}

type nopConn struct{}

func (nopConn) Send(context.Context, string, string) error { return nil }
func (nopConn) Logout(context.Context) error               { return nil }
func (nopConn) Close() error                               { return nil }

func (s *scriptedTransport) Connect(_ context.Context, _ *credentials.Identity, h transport.EventHandler) (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
	return nopConn{}, nil
}

func (s *scriptedTransport) handler(i int) transport.EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.handlers) {
		return nil
	}
	return s.handlers[i]
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	st := &scriptedTransport{}
	store := credentials.NewMemoryStore()
	channel := &channelRecorder{}
	sup := New(st, store, Config{Backoff: fastBackoff(6)}, WithListener(channel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.NoError(t, sup.Start(ctx))
	require.Eventually(t, func() bool { return st.count() == 1 }, waitFor, tick)
	first := st.handler(0)
	first(transport.Event{Kind: transport.EventOpened})
	require.Eventually(t, func() bool { return sup.State() == StateOpen }, waitFor, tick)

	first(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonRecoverable})
	require.Eventually(t, func() bool { return st.count() == 2 }, waitFor, tick)
	st.handler(1)(transport.Event{Kind: transport.EventOpened})
	require.Eventually(t, func() bool { return sup.State() == StateOpen }, waitFor, tick)

	// The retired connection reports a logout; it must not affect the new one
	first(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonLoggedOut})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateOpen, sup.State())

	_, err := store.Load(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), channel.ready.Load())
}

func TestEarlyEventsBeforeConnectReturns(t *testing.T) {
	// The loopback network emits the challenge synchronously inside
	// Connect, before the supervisor records the connection handle.
	h := newHarness(t, loopback.NewNetwork(loopback.WithAutoApprove()), Config{Backoff: fastBackoff(6)})

	require.NoError(t, h.sup.Start(context.Background()))
	h.waitState(t, StateOpen)

	id, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, id.Registered)
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 3*time.Second, b.Delay(0))
	assert.Equal(t, 3*time.Second, b.Delay(1))
	assert.Equal(t, 6*time.Second, b.Delay(2))
	assert.Equal(t, 12*time.Second, b.Delay(3))
	assert.Equal(t, 48*time.Second, b.Delay(5))
	assert.Equal(t, time.Minute, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(50))

	flat := Backoff{InitialDelay: 3 * time.Second, Multiplier: 1}
	assert.Equal(t, 3*time.Second, flat.Delay(10))
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(6))
	assert.True(t, b.Exhausted(7))

	unlimited := Backoff{InitialDelay: time.Second}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting_pairing", StateAwaitingPairing.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
}

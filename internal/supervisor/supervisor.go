// ABOUTME: Connection supervisor: an event-loop state machine owning the transport session
// ABOUTME: Handles pairing, credential lifecycle, disconnect classification and reconnect backoff

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-menubot/internal/credentials"
	"github.com/2389/coven-menubot/internal/metrics"
	"github.com/2389/coven-menubot/internal/pairing"
	"github.com/2389/coven-menubot/internal/transport"
)

var (
	// ErrPairingFailed indicates a pairing challenge could not be issued.
	ErrPairingFailed = errors.New("pairing failed")

	// ErrNotRunning indicates a command was sent to a supervisor whose loop
	// has exited.
	ErrNotRunning = errors.New("supervisor not running")
)

// eventBufferSize is the capacity of the loop's inbox.
const eventBufferSize = 64

// Listener is told when the channel becomes usable or unusable.
type Listener interface {
	ChannelReady()
	ChannelLost()
}

// Inbound receives messages while the connection is open.
type Inbound interface {
	Deliver(ctx context.Context, msg transport.Message)
}

// Config holds supervisor tuning.
type Config struct {
	Backoff Backoff
	// PhoneNumber enables numeric pairing codes when the connection supports it.
	PhoneNumber string
	// ConnectTimeout bounds the handshake part of Connect. Zero means no bound.
	ConnectTimeout time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBoard publishes pairing challenges on b.
func WithBoard(b *pairing.Board) Option {
	return func(s *Supervisor) { s.board = b }
}

// WithListener registers the channel listener.
func WithListener(l Listener) Option {
	return func(s *Supervisor) { s.listener = l }
}

// WithInbound registers the message consumer.
func WithInbound(in Inbound) Option {
	return func(s *Supervisor) { s.inbound = in }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMetrics records state transitions and resets.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdForceNew
)

type command struct {
	kind commandKind
	ctx  context.Context
	done chan error
}

type connResult struct {
	gen  uint64
	conn transport.Conn
	err  error
}

type connEvent struct {
	gen uint64
	ev  transport.Event
}

type reconnectDue struct {
	seq uint64
}

type pairCodeResult struct {
	gen  uint64
	code string
	err  error
}

// Supervisor owns a single logical transport connection.
//
// All mutations happen on the goroutine running Run. Fields read by other
// goroutines (state, challenge, conn, attempts) are written under mu.
type Supervisor struct {
	transport transport.Transport
	creds     credentials.Store
	cfg       Config

	board    *pairing.Board
	listener Listener
	inbound  Inbound
	logger   *slog.Logger
	metrics  *metrics.Metrics

	events chan any
	done   chan struct{}
	once   sync.Once

	mu        sync.RWMutex
	state     State
	challenge *transport.Challenge
	conn      transport.Conn
	attempts  int

	// Loop-only fields.
	gen           uint64
	connecting    bool
	pending       []transport.Event
	codeRequested bool
	timer         *time.Timer
	timerSeq      uint64
}

// New creates a Supervisor. Call Run to start its loop.
func New(t transport.Transport, creds credentials.Store, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		transport: t,
		creds:     creds,
		cfg:       cfg,
		events:    make(chan any, eventBufferSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.board == nil {
		s.board = pairing.NewBoard(s.logger)
	}
	return s
}

// Run processes commands and connection events until ctx is cancelled.
// On exit the connection is closed without logging out, so the paired
// identity can be resumed by the next process.
func (s *Supervisor) Run(ctx context.Context) error {
	started := false
	s.once.Do(func() { started = true })
	if !started {
		return fmt.Errorf("supervisor already running")
	}
	defer close(s.done)
	defer s.shutdown()

	s.logger.Info("supervisor running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-s.events:
			s.handle(ctx, v)
		}
	}
}

// Start connects if idle. It is a no-op while connecting, awaiting pairing
// or open.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.command(ctx, cmdStart)
}

// Stop logs out if open, closes the connection and returns to idle.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.command(ctx, cmdStop)
}

// ForceNewSession discards credentials and the pairing challenge and
// connects again to obtain a fresh challenge.
func (s *Supervisor) ForceNewSession(ctx context.Context) error {
	return s.command(ctx, cmdForceNew)
}

// Send transmits text to partyID. It fails with transport.ErrNotConnected
// unless the connection is open.
func (s *Supervisor) Send(ctx context.Context, partyID, text string) error {
	s.mu.RLock()
	state, conn := s.state, s.conn
	s.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return transport.ErrNotConnected
	}
	return conn.Send(ctx, partyID, text)
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Challenge returns a copy of the active pairing challenge, or nil.
func (s *Supervisor) Challenge() *transport.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.challenge == nil {
		return nil
	}
	c := *s.challenge
	return &c
}

// Attempts returns the number of consecutive failed connection attempts.
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Board returns the pairing board challenges are published on.
func (s *Supervisor) Board() *pairing.Board {
	return s.board
}

func (s *Supervisor) command(ctx context.Context, kind commandKind) error {
	c := command{kind: kind, ctx: ctx, done: make(chan error, 1)}
	select {
	case s.events <- c:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues v for the loop. It returns false once the loop has exited.
func (s *Supervisor) post(v any) bool {
	select {
	case s.events <- v:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) handle(ctx context.Context, v any) {
	switch m := v.(type) {
	case command:
		m.done <- s.handleCommand(ctx, m)
	case connResult:
		s.handleConnResult(ctx, m)
	case connEvent:
		if m.gen != s.gen {
			s.logger.Debug("dropping event from stale connection", "kind", m.ev.Kind)
			return
		}
		if s.connecting {
			s.pending = append(s.pending, m.ev)
			return
		}
		s.handleEvent(ctx, m.ev)
	case reconnectDue:
		if m.seq != s.timerSeq {
			return
		}
		s.timer = nil
		if !s.state.active() {
			return
		}
		s.beginConnect(ctx)
	case pairCodeResult:
		s.handlePairCode(ctx, m)
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, c command) error {
	switch c.kind {
	case cmdStart:
		if s.state.active() {
			s.logger.Debug("start ignored", "state", s.state)
			return nil
		}
		s.setAttempts(0)
		s.beginConnect(ctx)
		return nil

	case cmdForceNew:
		s.logger.Warn("forcing new session")
		s.cancelReconnect()
		wasOpen := s.state == StateOpen
		s.retire()
		if wasOpen {
			s.notifyLost()
		}
		s.invalidate(c.ctx, "force_new_session")
		s.setAttempts(0)
		s.beginConnect(ctx)
		return nil

	case cmdStop:
		s.cancelReconnect()
		wasOpen := s.state == StateOpen
		conn := s.conn
		s.setState(StateClosing)

		var logoutErr error
		if conn != nil && wasOpen {
			if err := conn.Logout(c.ctx); err != nil {
				logoutErr = fmt.Errorf("logging out: %w", err)
				s.logger.Warn("logout failed", "error", err)
			}
			s.invalidate(c.ctx, "logout")
		}
		s.retire()
		if wasOpen {
			s.notifyLost()
		}
		s.setChallenge(nil)
		s.setAttempts(0)
		s.setState(StateIdle)
		s.logger.Info("supervisor stopped")
		return logoutErr
	}
	return nil
}

// beginConnect launches a connect attempt unless one is already in flight.
func (s *Supervisor) beginConnect(ctx context.Context) {
	if s.connecting {
		return
	}
	s.connecting = true
	s.gen++
	gen := s.gen
	s.pending = nil
	s.codeRequested = false
	s.setState(StateConnecting)

	go func() {
		id, err := s.loadIdentity(ctx)
		if err != nil {
			s.post(connResult{gen: gen, err: err})
			return
		}

		connectCtx := ctx
		if s.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
		}

		conn, err := s.transport.Connect(connectCtx, id, func(ev transport.Event) {
			s.post(connEvent{gen: gen, ev: ev})
		})
		if !s.post(connResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

// loadIdentity returns the stored identity, creating a fresh one if absent.
func (s *Supervisor) loadIdentity(ctx context.Context) (*credentials.Identity, error) {
	id, err := s.creds.Load(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, credentials.ErrNotFound) {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	id = credentials.NewIdentity()
	if err := s.creds.Save(ctx, id); err != nil {
		return nil, fmt.Errorf("saving fresh credentials: %w", err)
	}
	s.logger.Info("created fresh identity", "device_id", id.DeviceID)
	return id, nil
}

func (s *Supervisor) handleConnResult(ctx context.Context, r connResult) {
	if r.gen != s.gen {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	s.connecting = false

	if r.err != nil {
		s.pending = nil
		if errors.Is(r.err, transport.ErrCredentialsInvalid) {
			s.logger.Warn("credentials rejected, starting new session", "error", r.err)
			s.invalidate(ctx, "credentials_invalid")
			s.setAttempts(0)
			s.beginConnect(ctx)
			return
		}
		s.logger.Error("connect failed", "error", r.err, "attempt", s.attempts+1)
		s.scheduleReconnect(ctx)
		return
	}

	s.mu.Lock()
	s.conn = r.conn
	s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		// A replayed close retires this generation; later events are stale.
		if r.gen != s.gen {
			return
		}
		s.handleEvent(ctx, ev)
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventChallenge:
		s.handleChallenge(ctx, ev.Challenge)

	case transport.EventCredentials:
		if ev.Identity == nil {
			return
		}
		if err := s.creds.Save(ctx, ev.Identity); err != nil {
			s.logger.Error("failed to persist credentials", "error", err)
			return
		}
		s.logger.Info("credentials updated", "registered", ev.Identity.Registered)

	case transport.EventOpened:
		s.setChallenge(nil)
		s.board.Clear()
		s.setAttempts(0)
		s.setState(StateOpen)
		s.logger.Info("=== CONNECTION OPEN ===")
		if s.listener != nil {
			s.listener.ChannelReady()
		}

	case transport.EventClosed:
		s.handleClosed(ctx, ev.Reason, ev.Err)

	case transport.EventMessage:
		if ev.Message == nil || s.inbound == nil {
			return
		}
		if s.state != StateOpen {
			s.logger.Debug("dropping message received while not open", "state", s.state)
			return
		}
		s.inbound.Deliver(ctx, *ev.Message)
	}
}

func (s *Supervisor) handleChallenge(ctx context.Context, c *transport.Challenge) {
	if c == nil {
		return
	}
	if s.state != StateConnecting && s.state != StateAwaitingPairing {
		s.logger.Debug("ignoring challenge", "state", s.state)
		return
	}

	s.setChallenge(c)
	s.setState(StateAwaitingPairing)
	s.board.Publish(c)

	if s.cfg.PhoneNumber == "" || s.codeRequested {
		return
	}
	pairer, ok := s.conn.(transport.PhonePairer)
	if !ok {
		return
	}
	s.codeRequested = true
	gen := s.gen
	phone := s.cfg.PhoneNumber
	go func() {
		code, err := pairer.RequestPairingCode(ctx, phone)
		s.post(pairCodeResult{gen: gen, code: code, err: err})
	}()
}

func (s *Supervisor) handlePairCode(ctx context.Context, r pairCodeResult) {
	if r.gen != s.gen {
		return
	}
	if r.err != nil {
		s.logger.Error("pairing code request failed",
			"error", fmt.Errorf("%w: %v", ErrPairingFailed, r.err))
		s.retire()
		s.setState(StateConnecting)
		s.scheduleReconnect(ctx)
		return
	}

	c := &transport.Challenge{
		Kind:     transport.ChallengeCode,
		Payload:  r.code,
		IssuedAt: time.Now(),
	}
	s.setChallenge(c)
	s.board.Publish(c)
}

func (s *Supervisor) handleClosed(ctx context.Context, reason transport.CloseReason, cause error) {
	wasOpen := s.state == StateOpen
	s.retire()
	if wasOpen {
		s.notifyLost()
	}

	s.logger.Warn("connection closed", "reason", reason, "error", cause, "was_open", wasOpen)

	switch reason {
	case transport.ReasonLoggedOut:
		s.invalidate(ctx, "logged_out")
		s.setAttempts(0)
		s.setState(StateIdle)
		s.logger.Error("session logged out; start again to pair a new device")

	case transport.ReasonCredentialsInvalid:
		s.invalidate(ctx, "credentials_invalid")
		s.setAttempts(0)
		s.beginConnect(ctx)

	default:
		s.setState(StateConnecting)
		s.scheduleReconnect(ctx)
	}
}

// scheduleReconnect arms the backoff timer, or resets credentials and
// connects immediately once attempts are exhausted.
func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	attempt := s.attempts + 1
	if s.cfg.Backoff.Exhausted(attempt) {
		s.logger.Warn("reconnect attempts exhausted, requesting fresh pairing",
			"max_attempts", s.cfg.Backoff.MaxAttempts)
		s.invalidate(ctx, "attempts_exhausted")
		s.setAttempts(0)
		s.beginConnect(ctx)
		return
	}
	s.setAttempts(attempt)

	delay := s.cfg.Backoff.Delay(attempt)
	s.cancelReconnect()
	seq := s.timerSeq
	s.timer = time.AfterFunc(delay, func() {
		s.post(reconnectDue{seq: seq})
	})
	s.metrics.ReconnectScheduled()
	s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// cancelReconnect stops any armed timer and invalidates one already firing.
func (s *Supervisor) cancelReconnect() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

// retire abandons the current connection: its later events and results are
// ignored and the handle is closed.
func (s *Supervisor) retire() {
	s.gen++
	s.connecting = false
	s.pending = nil

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing connection", "error", err)
		}
	}
}

// invalidate discards stored credentials and any pairing challenge.
func (s *Supervisor) invalidate(ctx context.Context, cause string) {
	if err := s.creds.Reset(ctx); err != nil {
		s.logger.Error("failed to reset credentials", "error", err, "cause", cause)
	}
	s.setChallenge(nil)
	s.board.Clear()
	s.metrics.CredentialsReset(cause)
	s.logger.Info("credentials reset", "cause", cause)
}

func (s *Supervisor) notifyLost() {
	if s.listener != nil {
		s.listener.ChannelLost()
	}
}

func (s *Supervisor) shutdown() {
	s.cancelReconnect()
	wasOpen := s.state == StateOpen
	s.retire()
	if wasOpen {
		s.notifyLost()
	}
	s.setChallenge(nil)
	s.setState(StateIdle)
	s.logger.Info("supervisor shut down")
}

// setState records the transition. A challenge only lives while awaiting
// pairing, so leaving that state clears it.
func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	stale := to != StateAwaitingPairing && s.challenge != nil
	if stale {
		s.challenge = nil
	}
	s.mu.Unlock()

	if stale {
		s.board.Clear()
	}
	if from != to {
		s.logger.Debug("state changed", "from", from, "to", to)
		s.metrics.StateChanged(from.String(), to.String())
	}
}

func (s *Supervisor) setChallenge(c *transport.Challenge) {
	s.mu.Lock()
	s.challenge = c
	s.mu.Unlock()
}

func (s *Supervisor) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

// ABOUTME: Dialogue session manager: one menu conversation per remote party
// ABOUTME: Applies the inbound policy, walks the menu tree and arms inactivity timers

package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-menubot/internal/menu"
	"github.com/2389/coven-menubot/internal/metrics"
	"github.com/2389/coven-menubot/internal/policy"
	"github.com/2389/coven-menubot/internal/transport"
)

// ErrTransportUnavailable indicates a reply could not be sent because the
// channel is down. Replies are dropped, never retried.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Sender delivers replies. The supervisor satisfies it.
type Sender interface {
	Send(ctx context.Context, partyID, text string) error
}

// Texts are the fixed replies not defined by the menu.
type Texts struct {
	InvalidOption string
	Warning       string
	ResetNotice   string
}

// DefaultTexts returns the built-in Portuguese replies.
func DefaultTexts() Texts {
	return Texts{
		InvalidOption: "Opção inválida. Escolha novamente:",
		Warning:       "Você está inativo há 5 minutos. O atendimento será encerrado em 5 minutos se não houver resposta.",
		ResetNotice:   "Atendimento encerrado por inatividade. Reiniciando sessão.",
	}
}

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	WarnAfter   time.Duration
	ResetAfter  time.Duration
	HomeTokens  []string
	Texts       Texts
	OutboxSize  int
	SendTimeout time.Duration
}

// DefaultConfig returns 5m warning, 10m reset and the "0"/"inicio"/"menu"
// home tokens.
func DefaultConfig() Config {
	return Config{
		WarnAfter:   5 * time.Minute,
		ResetAfter:  10 * time.Minute,
		HomeTokens:  []string{"0", "inicio", "menu"},
		Texts:       DefaultTexts(),
		OutboxSize:  16,
		SendTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = d.ResetAfter
	}
	if len(c.HomeTokens) == 0 {
		c.HomeTokens = d.HomeTokens
	}
	if c.Texts.InvalidOption == "" {
		c.Texts.InvalidOption = d.Texts.InvalidOption
	}
	if c.Texts.Warning == "" {
		c.Texts.Warning = d.Texts.Warning
	}
	if c.Texts.ResetNotice == "" {
		c.Texts.ResetNotice = d.Texts.ResetNotice
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records inbound verdicts, replies and timer actions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithPolicy replaces the default direct-chats-only policy.
func WithPolicy(p *policy.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// Manager owns the session registry.
type Manager struct {
	tree    *menu.Tree
	sender  Sender
	cfg     Config
	home    map[string]struct{}
	policy  *policy.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	sendable atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a Manager over tree that replies through sender.
func NewManager(tree *menu.Tree, sender Sender, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tree:     tree,
		sender:   sender,
		cfg:      cfg,
		home:     make(map[string]struct{}, len(cfg.HomeTokens)),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, tok := range cfg.HomeTokens {
		m.home[menu.Normalize(tok)] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "dialogue")
	if m.policy == nil {
		m.policy = policy.New(policy.DefaultRules())
	}
	return m
}

// Deliver handles one inbound message. Messages rejected by the policy are
// dropped silently.
func (m *Manager) Deliver(_ context.Context, msg transport.Message) {
	verdict := m.policy.Evaluate(msg)
	m.metrics.InboundMessage(string(verdict))
	if verdict != policy.Allowed {
		m.logger.Debug("ignoring message", "party", msg.PartyID, "verdict", verdict)
		return
	}
	m.handle(msg.PartyID, msg.Text)
}

func (m *Manager) handle(partyID, text string) {
	for {
		s, ok := m.session(partyID)
		if !ok {
			m.logger.Debug("manager closed, dropping message", "party", partyID)
			return
		}
		if s.handle(text) {
			return
		}
		// Destroyed between lookup and lock; the next lookup creates a new one.
	}
}

// session returns the party's session, creating it if absent.
func (m *Manager) session(partyID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}
	if s, ok := m.sessions[partyID]; ok {
		return s, true
	}

	s := newSession(m, partyID)
	m.sessions[partyID] = s
	m.workers.Add(1)
	go s.drain()

	m.metrics.SessionsChanged(1)
	m.logger.Info("session created", "party", partyID)
	return s, true
}

// Reset returns the party's session to the root node without sending
// anything. It reports whether a session existed.
func (m *Manager) Reset(partyID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[partyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.reset()
	return true
}

// Destroy removes the party's session, cancelling its timers. It reports
// whether a session existed.
func (m *Manager) Destroy(partyID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[partyID]
	delete(m.sessions, partyID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.destroy()
	m.metrics.SessionsChanged(-1)
	m.logger.Info("session destroyed", "party", partyID)
	return true
}

// Close destroys every session and waits for queued replies to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.destroy()
	}
	m.metrics.SessionsChanged(-len(all))
	m.workers.Wait()
	m.cancel()
	m.logger.Info("dialogue manager closed", "sessions", len(all))
	return nil
}

// Snapshot returns a copy of the party's session state.
func (m *Manager) Snapshot(partyID string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[partyID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ChannelReady marks the channel usable. Sessions are kept across outages.
func (m *Manager) ChannelReady() {
	m.sendable.Store(true)
	m.logger.Info("channel ready", "sessions", m.Len())
}

// ChannelLost marks the channel unusable; replies fail until it returns.
func (m *Manager) ChannelLost() {
	m.sendable.Store(false)
	m.logger.Warn("channel lost", "sessions", m.Len())
}

// send delivers one reply on behalf of a session worker.
func (m *Manager) send(partyID, text string) {
	if !m.sendable.Load() {
		m.metrics.Reply("failed")
		m.logger.Warn("reply not sent", "party", partyID, "error", ErrTransportUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SendTimeout)
	defer cancel()

	if err := m.sender.Send(ctx, partyID, text); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			err = fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		m.metrics.Reply("failed")
		m.logger.Warn("reply not sent", "party", partyID, "error", err)
		return
	}
	m.metrics.Reply("sent")
}

func (m *Manager) isHome(normalized string) bool {
	_, ok := m.home[normalized]
	return ok
}

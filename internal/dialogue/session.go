// ABOUTME: Per-party dialogue state with its own lock, inactivity timers and reply outbox
// ABOUTME: Timers capture an epoch when armed and do nothing if it has moved on

package dialogue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-menubot/internal/menu"
)

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	PartyID      string
	NodeID       string
	Trail        []string
	LastActivity time.Time
	Warned       bool
	Suspended    bool
}

// Session is the conversation with one party.
type Session struct {
	m       *Manager
	partyID string
	logger  *slog.Logger
	outbox  chan string

	mu           sync.Mutex
	node         string
	trail        []string
	lastActivity time.Time
	warnTimer    *time.Timer
	resetTimer   *time.Timer
	warned       bool
	suspended    bool
	fresh        bool
	epoch        uint64
	destroyed    bool
}

func newSession(m *Manager, partyID string) *Session {
	return &Session{
		m:       m,
		partyID: partyID,
		logger:  m.logger.With("party", partyID),
		outbox:  make(chan string, m.cfg.OutboxSize),
		node:    m.tree.RootID(),
		fresh:   true,
	}
}

// handle processes one inbound text. It returns false if the session was
// destroyed before the lock was acquired.
func (s *Session) handle(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}

	s.lastActivity = time.Now()
	s.warned = false
	s.rearm()

	fresh := s.fresh
	s.fresh = false

	input := menu.Normalize(text)
	if s.m.isHome(input) {
		s.toRoot()
		s.enqueue(s.m.tree.Root().Prompt)
		return true
	}

	if s.suspended {
		s.logger.Debug("session suspended, discarding input")
		return true
	}

	node := s.current()
	opt, err := node.Resolve(input)
	if err != nil {
		if fresh {
			s.enqueue(s.m.tree.Root().Prompt)
			return true
		}
		s.enqueue(s.m.cfg.Texts.InvalidOption + "\n" + node.Prompt)
		return true
	}

	switch opt.Kind {
	case menu.OptionNavigate:
		next, ok := s.m.tree.Node(opt.Target)
		if !ok {
			s.logger.Error("menu target missing", "target", opt.Target)
			return true
		}
		s.trail = append(s.trail, s.node)
		s.node = next.ID
		s.enqueue(next.Prompt)

	case menu.OptionBack:
		if n := len(s.trail); n > 0 {
			s.node = s.trail[n-1]
			s.trail = s.trail[:n-1]
		} else {
			s.node = s.m.tree.RootID()
		}
		s.enqueue(s.current().Prompt)

	case menu.OptionHome:
		s.toRoot()
		s.enqueue(s.m.tree.Root().Prompt)

	case menu.OptionReply:
		s.enqueue(opt.Text)
		if opt.Suspend {
			s.suspended = true
			s.logger.Info("session suspended", "node", s.node)
		}
	}
	return true
}

// current returns the session's node, falling back to root.
// Must be called with mu held.
func (s *Session) current() *menu.Node {
	if n, ok := s.m.tree.Node(s.node); ok {
		return n
	}
	return s.m.tree.Root()
}

// toRoot must be called with mu held.
func (s *Session) toRoot() {
	s.node = s.m.tree.RootID()
	s.trail = nil
	s.suspended = false
}

// rearm replaces both timers. Must be called with mu held.
func (s *Session) rearm() {
	s.stopTimers()
	s.epoch++
	epoch := s.epoch
	s.warnTimer = time.AfterFunc(s.m.cfg.WarnAfter, func() { s.warn(epoch) })
	s.resetTimer = time.AfterFunc(s.m.cfg.ResetAfter, func() { s.expire(epoch) })
}

// stopTimers must be called with mu held.
func (s *Session) stopTimers() {
	if s.warnTimer != nil {
		s.warnTimer.Stop()
		s.warnTimer = nil
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}

func (s *Session) warn(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.epoch != epoch || s.warned {
		return
	}
	if time.Since(s.lastActivity) < s.m.cfg.WarnAfter {
		return
	}
	s.warned = true
	s.enqueue(s.m.cfg.Texts.Warning)
	s.m.metrics.InactivityFired("warning")
	s.logger.Info("inactivity warning sent")
}

func (s *Session) expire(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.epoch != epoch {
		return
	}
	if time.Since(s.lastActivity) < s.m.cfg.ResetAfter {
		return
	}
	s.toRoot()
	s.warned = false
	s.fresh = true
	s.epoch++
	s.stopTimers()
	s.enqueue(s.m.cfg.Texts.ResetNotice)
	s.m.metrics.InactivityFired("reset")
	s.logger.Info("session reset after inactivity")
}

// reset returns to root silently and disarms timers.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.toRoot()
	s.warned = false
	s.epoch++
	s.stopTimers()
}

func (s *Session) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.destroyed = true
	s.epoch++
	s.stopTimers()
	close(s.outbox)
}

// enqueue queues a reply for the worker. Empty texts are skipped.
// Must be called with mu held and the session not destroyed.
func (s *Session) enqueue(text string) {
	if text == "" {
		return
	}
	select {
	case s.outbox <- text:
	default:
		s.m.metrics.Reply("dropped")
		s.logger.Warn("outbox full, dropping reply")
	}
}

// drain sends queued replies in order until the outbox is closed.
func (s *Session) drain() {
	defer s.m.workers.Done()
	for text := range s.outbox {
		s.m.send(s.partyID, text)
	}
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PartyID:      s.partyID,
		NodeID:       s.node,
		Trail:        append([]string(nil), s.trail...),
		LastActivity: s.lastActivity,
		Warned:       s.warned,
		Suspended:    s.suspended,
	}
}

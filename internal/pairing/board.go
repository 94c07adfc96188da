// ABOUTME: Publishes the current pairing challenge to presentation subscribers
// ABOUTME: Pull via Current, push via Subscribe; a nil challenge means cleared

package pairing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-menubot/internal/transport"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 8

// Update is delivered to subscribers whenever the challenge changes.
// Challenge is nil when the challenge was cleared.
type Update struct {
	Challenge *transport.Challenge
}

// Board holds the latest pairing challenge and fans changes out.
type Board struct {
	mu          sync.RWMutex
	current     *transport.Challenge
	subscribers map[string]chan Update
	logger      *slog.Logger
}

// NewBoard creates a Board. Pass nil logger for default.
func NewBoard(logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		subscribers: make(map[string]chan Update),
		logger:      logger.With("component", "pairing"),
	}
}

// Current returns a copy of the active challenge, or nil.
func (b *Board) Current() *transport.Challenge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.current)
}

// Subscribe registers for updates. The current challenge, if any, is sent
// immediately. The subscription ends when ctx is cancelled.
func (b *Board) Subscribe(ctx context.Context) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	if b.current != nil {
		ch <- Update{Challenge: clone(b.current)}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish replaces the active challenge.
func (b *Board) Publish(c *transport.Challenge) {
	b.mu.Lock()
	b.current = clone(c)
	b.broadcastLocked()
	b.mu.Unlock()

	if c != nil {
		b.logger.Info("pairing challenge published", "kind", c.Kind)
	}
}

// Clear removes the active challenge. Clearing an empty board is a no-op.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return
	}
	b.current = nil
	b.broadcastLocked()
}

// broadcastLocked sends the current value to every subscriber without
// blocking. Must be called with mu held.
func (b *Board) broadcastLocked() {
	for id, ch := range b.subscribers {
		select {
		case ch <- Update{Challenge: clone(b.current)}:
		default:
			b.logger.Debug("dropped pairing update for slow subscriber", "sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Board) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subID]; ok {
		delete(b.subscribers, subID)
		close(ch)
	}
}

// Close closes all subscriber channels.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func clone(c *transport.Challenge) *transport.Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ABOUTME: In-process transport whose network side is driven by method calls
// ABOUTME: Backs the console mode and exercises the supervisor in tests

package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-menubot/internal/credentials"
	"github.com/2389/coven-menubot/internal/transport"
)

// Sent is a message accepted by a loopback connection.
type Sent struct {
	PartyID string
	Text    string
	At      time.Time
}

// Option configures a Network.
type Option func(*Network)

// WithAutoOpen controls whether a registered identity opens immediately on
// connect. Defaults to true.
func WithAutoOpen(enabled bool) Option {
	return func(n *Network) { n.autoOpen = enabled }
}

// WithAutoApprove pairs unregistered identities right after the challenge
// is issued.
func WithAutoApprove() Option {
	return func(n *Network) { n.autoApprove = true }
}

// WithSentHook calls fn for every accepted outbound message.
func WithSentHook(fn func(Sent)) Option {
	return func(n *Network) { n.sentHook = fn }
}

// Network simulates the remote side of a messaging service. Only the most
// recent connection is controllable.
type Network struct {
	mu          sync.Mutex
	autoOpen    bool
	autoApprove bool
	sentHook    func(Sent)

	current   *Conn
	connects  int
	sent      []Sent
	failNext  []error
	code      string
	codeErr   error
	challenge int
	messages  int
}

// NewNetwork creates a loopback network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{autoOpen: true, code: "LOOP-0000"}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ transport.Transport = (*Network)(nil)

// Connect implements transport.Transport.
func (n *Network) Connect(ctx context.Context, id *credentials.Identity, handler transport.EventHandler) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.connects++
	if len(n.failNext) > 0 {
		err := n.failNext[0]
		n.failNext = n.failNext[1:]
		n.mu.Unlock()
		return nil, err
	}

	c := &Conn{network: n, identity: id.Clone(), handler: handler}
	n.current = c
	autoOpen, autoApprove := n.autoOpen, n.autoApprove
	if !id.Registered {
		n.challenge++
	}
	seq := n.challenge
	n.mu.Unlock()

	switch {
	case id.Registered && autoOpen:
		c.emit(transport.Event{Kind: transport.EventOpened})
	case !id.Registered:
		c.emit(transport.Event{
			Kind: transport.EventChallenge,
			Challenge: &transport.Challenge{
				Kind:     transport.ChallengeQR,
				Payload:  fmt.Sprintf("loopback-qr-%d", seq),
				IssuedAt: time.Now(),
			},
		})
		if autoApprove {
			c.approve()
		}
	}
	return c, nil
}

// Connects returns how many times Connect has been called.
func (n *Network) Connects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

// FailNextConnect makes the next Connect call return err. Calls queue up.
func (n *Network) FailNextConnect(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = append(n.failNext, err)
}

// SetPairingCode sets the result of RequestPairingCode.
func (n *Network) SetPairingCode(code string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code, n.codeErr = code, err
}

// ApprovePairing simulates the operator confirming the challenge on the
// primary device. The connection reports new credentials and opens.
func (n *Network) ApprovePairing() error {
	c, err := n.live()
	if err != nil {
		return err
	}
	c.approve()
	return nil
}

// Open reports the current connection as open.
func (n *Network) Open() error {
	c, err := n.live()
	if err != nil {
		return err
	}
	c.emit(transport.Event{Kind: transport.EventOpened})
	return nil
}

// Drop closes the current connection from the network side.
func (n *Network) Drop(reason transport.CloseReason) error {
	c, err := n.live()
	if err != nil {
		return err
	}
	c.markClosed()
	c.emit(transport.Event{
		Kind:   transport.EventClosed,
		Reason: reason,
		Err:    fmt.Errorf("loopback drop: %s", reason),
	})
	return nil
}

// Deliver delivers an inbound direct message from partyID.
func (n *Network) Deliver(partyID, text string) error {
	return n.DeliverMessage(transport.Message{PartyID: partyID, SenderID: partyID, Text: text})
}

// DeliverMessage delivers msg, filling ID and Timestamp when empty.
func (n *Network) DeliverMessage(msg transport.Message) error {
	c, err := n.live()
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.messages++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("loopback-%d", n.messages)
	}
	n.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.emit(transport.Event{Kind: transport.EventMessage, Message: &msg})
	return nil
}

// Sent returns a copy of every accepted outbound message.
func (n *Network) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Sent, len(n.sent))
	copy(out, n.sent)
	return out
}

// SentTo returns the texts sent to partyID in order.
func (n *Network) SentTo(partyID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.PartyID == partyID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Current returns the most recent connection, or nil.
func (n *Network) Current() *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Network) live() (*Conn, error) {
	n.mu.Lock()
	c := n.current
	n.mu.Unlock()
	if c == nil || c.Closed() {
		return nil, transport.ErrNotConnected
	}
	return c, nil
}

func (n *Network) record(s Sent) {
	n.mu.Lock()
	n.sent = append(n.sent, s)
	hook := n.sentHook
	n.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

// Conn is a loopback connection handle.
type Conn struct {
	network  *Network
	handler  transport.EventHandler
	identity *credentials.Identity

	mu        sync.Mutex
	closed    bool
	loggedOut bool
}

var (
	_ transport.Conn        = (*Conn)(nil)
	_ transport.PhonePairer = (*Conn)(nil)
)

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, partyID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return transport.ErrNotConnected
	}
	c.network.record(Sent{PartyID: partyID, Text: text, At: time.Now()})
	return nil
}

// Logout implements transport.Conn.
func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotConnected
	}
	c.loggedOut = true
	c.closed = true
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.markClosed()
	return nil
}

// RequestPairingCode implements transport.PhonePairer.
func (c *Conn) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if phoneNumber == "" {
		return "", fmt.Errorf("phone number required")
	}
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	return c.network.code, c.network.codeErr
}

// Closed reports whether the connection has been closed from either side.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout was called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) approve() {
	id := c.identity.Clone()
	id.Registered = true
	if id.AccountID == "" {
		id.AccountID = "loopback:" + uuid.NewString()[:8]
	}
	c.emit(transport.Event{Kind: transport.EventCredentials, Identity: id})
	c.emit(transport.Event{Kind: transport.EventOpened})
}

func (c *Conn) emit(ev transport.Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

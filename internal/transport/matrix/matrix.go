// ABOUTME: Matrix transport adapter built on mautrix: login, sync, send and logout
// ABOUTME: Maps sync lifecycle and homeserver errors onto transport events and close reasons

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-menubot/internal/credentials"
	"github.com/2389/coven-menubot/internal/dedupe"
	"github.com/2389/coven-menubot/internal/transport"
)

// Metadata keys stored on the identity.
const (
	metaHomeserver = "homeserver"
	metaPlatform   = "platform"
)

// networkTimeout bounds individual homeserver calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// Config holds the homeserver account used by the bot.
type Config struct {
	Homeserver string
	// Username and Password are used to log in when no registered
	// identity is stored. Without a password, pairing is unavailable.
	Username   string
	Password   string
	DeviceName string
	// FormatMarkdown sends an HTML formatted_body rendered from the reply text.
	FormatMarkdown bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithDedupe shares a dedupe cache across connections so events replayed
// after a reconnect are dropped.
func WithDedupe(c *dedupe.Cache) Option {
	return func(t *Transport) { t.seen = c }
}

// Transport connects to a Matrix homeserver.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Cache
	md     goldmark.Markdown

	// Events older than the first connect are backlog and never answered.
	// Later reconnects keep this cutoff so messages sent during the gap
	// still arrive; replays are dropped by seen.
	cutoffOnce sync.Once
	cutoff     time.Time
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Matrix transport.
func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg: cfg,
		md:  goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps())),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "matrix")
	if t.seen == nil {
		t.seen = dedupe.New(dedupe.DefaultTTL, dedupe.DefaultCapacity)
	}
	return t
}

// Connect implements transport.Transport. Unregistered identities log in
// with the configured password; registered ones resume with the stored
// access token.
func (t *Transport) Connect(ctx context.Context, ident *credentials.Identity, handler transport.EventHandler) (transport.Conn, error) {
	t.cutoffOnce.Do(func() { t.cutoff = time.Now() })

	var (
		client *mautrix.Client
		err    error
	)
	if ident.Registered {
		client, err = t.resume(ctx, ident)
	} else {
		client, err = t.login(ctx, ident, handler)
	}
	if err != nil {
		return nil, err
	}

	c := newConn(t, client, handler)
	go c.run()
	return c, nil
}

func (t *Transport) resume(ctx context.Context, ident *credentials.Identity) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(t.homeserver(ident), id.UserID(ident.AccountID), ident.Secret)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.DeviceID = id.DeviceID(ident.DeviceID)

	if _, err := client.Whoami(ctx); err != nil {
		if tokenRejected(err) {
			return nil, fmt.Errorf("%w: %w", transport.ErrCredentialsInvalid, err)
		}
		return nil, fmt.Errorf("checking access token: %w", err)
	}
	return client, nil
}

func (t *Transport) login(ctx context.Context, ident *credentials.Identity, handler transport.EventHandler) (*mautrix.Client, error) {
	if t.cfg.Password == "" {
		return nil, fmt.Errorf("%w: no matrix password configured", transport.ErrPairingUnavailable)
	}

	client, err := mautrix.NewClient(t.cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: t.cfg.Username,
		},
		Password:                 t.cfg.Password,
		InitialDeviceDisplayName: t.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix login: %w", err)
	}
	t.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)

	issued := ident.Clone()
	issued.Registered = true
	issued.AccountID = resp.UserID.String()
	issued.DeviceID = resp.DeviceID.String()
	issued.Secret = resp.AccessToken
	if issued.Metadata == nil {
		issued.Metadata = make(map[string]string)
	}
	issued.Metadata[metaHomeserver] = t.cfg.Homeserver
	issued.Metadata[metaPlatform] = "matrix"
	handler(transport.Event{Kind: transport.EventCredentials, Identity: issued})

	return client, nil
}

func (t *Transport) homeserver(ident *credentials.Identity) string {
	if hs := ident.Metadata[metaHomeserver]; hs != "" {
		return hs
	}
	return t.cfg.Homeserver
}

// render converts reply text to HTML. Plain text with line breaks renders
// as <br> separated lines.
func (t *Transport) render(text string) (string, error) {
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Transport) content(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if !t.cfg.FormatMarkdown {
		return content
	}
	formatted, err := t.render(text)
	if err != nil {
		t.logger.Debug("sending plain body", "error", err)
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = formatted
	return content
}

// classify maps a sync error to a close reason.
func classify(err error) transport.CloseReason {
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		return transport.ReasonLoggedOut
	case errors.Is(err, mautrix.MMissingToken), errors.Is(err, mautrix.MForbidden):
		return transport.ReasonCredentialsInvalid
	default:
		return transport.ReasonRecoverable
	}
}

func tokenRejected(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken)
}

// syncer stops the sync loop on the first failure so the supervisor's
// backoff decides when to reconnect.
type syncer struct {
	*mautrix.DefaultSyncer
}

func (s *syncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// conn is one sync session.
type conn struct {
	t       *Transport
	client  *mautrix.Client
	handler transport.EventHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	openOnce sync.Once

	mu      sync.Mutex
	groups  map[id.RoomID]bool
	closed  bool
	stopped chan struct{}
}

var _ transport.Conn = (*conn)(nil)

func newConn(t *Transport, client *mautrix.Client, handler transport.EventHandler) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		t:       t,
		client:  client,
		handler: handler,
		logger:  t.logger.With("user_id", client.UserID),
		ctx:     ctx,
		cancel:  cancel,
		groups:  make(map[id.RoomID]bool),
		stopped: make(chan struct{}),
	}

	s := &syncer{DefaultSyncer: mautrix.NewDefaultSyncer()}
	s.OnSync(c.onSync)
	s.OnEventType(event.EventMessage, c.onMessage)
	s.OnEventType(event.StateMember, c.onMember)
	client.Syncer = s
	return c
}

func (c *conn) run() {
	defer close(c.stopped)

	err := c.client.SyncWithContext(c.ctx)
	if c.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("sync stopped")
	}
	reason := classify(err)
	c.logger.Warn("sync ended", "reason", reason, "error", err)
	c.handler(transport.Event{Kind: transport.EventClosed, Reason: reason, Err: err})
}

func (c *conn) onSync(_ context.Context, _ *mautrix.RespSync, _ string) bool {
	c.openOnce.Do(func() {
		c.logger.Info("initial sync complete")
		c.handler(transport.Event{Kind: transport.EventOpened})
	})
	return true
}

func (c *conn) onMessage(ctx context.Context, evt *event.Event) {
	msg, ok := c.toMessage(ctx, evt)
	if !ok {
		return
	}
	c.handler(transport.Event{Kind: transport.EventMessage, Message: msg})
}

// toMessage filters and converts a timeline event.
func (c *conn) toMessage(ctx context.Context, evt *event.Event) (*transport.Message, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return nil, false
	}
	if evt.Timestamp < c.t.cutoff.UnixMilli() {
		return nil, false
	}
	if c.t.seen.Observe(dedupe.Key(evt.RoomID.String(), evt.ID.String())) {
		c.logger.Debug("dropping redelivered event", "event_id", evt.ID)
		return nil, false
	}

	return &transport.Message{
		ID:        evt.ID.String(),
		PartyID:   evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Text:      content.Body,
		Group:     c.isGroup(ctx, evt.RoomID),
		FromSelf:  evt.Sender == c.client.UserID,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}, true
}

// isGroup reports whether the room has more than two joined members. The
// answer is cached per connection.
func (c *conn) isGroup(ctx context.Context, room id.RoomID) bool {
	c.mu.Lock()
	group, ok := c.groups[room]
	c.mu.Unlock()
	if ok {
		return group
	}

	resp, err := c.client.JoinedMembers(ctx, room)
	if err != nil {
		c.logger.Debug("joined members lookup failed", "room", room, "error", err)
		return false
	}
	group = len(resp.Joined) > 2

	c.mu.Lock()
	c.groups[room] = group
	c.mu.Unlock()
	return group
}

func (c *conn) onMember(_ context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != c.client.UserID.String() {
		if member.Membership == event.MembershipJoin {
			c.forgetRoom(evt.RoomID)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, networkTimeout)
		defer cancel()
		if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			c.logger.Warn("failed to accept invite", "room", evt.RoomID, "error", err)
			return
		}
		c.logger.Info("accepted invite", "room", evt.RoomID, "inviter", evt.Sender)
	}()
}

// forgetRoom drops the cached member count after a membership change.
func (c *conn) forgetRoom(room id.RoomID) {
	c.mu.Lock()
	delete(c.groups, room)
	c.mu.Unlock()
}

// Send implements transport.Conn.
func (c *conn) Send(ctx context.Context, partyID, text string) error {
	if c.isClosed() {
		return transport.ErrNotConnected
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(partyID), event.EventMessage, c.t.content(text))
	if err != nil {
		return fmt.Errorf("sending to %s: %w", partyID, err)
	}
	return nil
}

// Logout implements transport.Conn.
func (c *conn) Logout(ctx context.Context) error {
	if c.isClosed() {
		return transport.ErrNotConnected
	}
	_, err := c.client.Logout(ctx)
	c.Close()
	if err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
}

// Close implements transport.Conn.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.client.StopSync()
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ABOUTME: Narrow contract between the connection supervisor and a messaging library
// ABOUTME: Defines connect, connection handles, lifecycle events and inbound messages

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-menubot/internal/credentials"
)

var (
	// ErrNotConnected indicates a send was attempted while the channel is not open.
	ErrNotConnected = errors.New("transport not connected")

	// ErrCredentialsInvalid indicates the network rejected the stored identity.
	ErrCredentialsInvalid = errors.New("credentials invalid")

	// ErrPairingUnavailable indicates the adapter cannot pair without operator input.
	ErrPairingUnavailable = errors.New("pairing unavailable")
)

// Transport opens connections to the messaging network.
type Transport interface {
	// Connect starts a session for id. Lifecycle events and inbound messages
	// for the returned connection are delivered through handler, possibly
	// before Connect returns.
	Connect(ctx context.Context, id *credentials.Identity, handler EventHandler) (Conn, error)
}

// Conn is an open (or opening) connection handle.
type Conn interface {
	Send(ctx context.Context, partyID, text string) error
	// Logout unregisters the device on the network and closes the connection.
	Logout(ctx context.Context) error
	Close() error
}

// PhonePairer is implemented by connections that can issue a numeric pairing
// code bound to a phone number as an alternative to scanning a QR payload.
type PhonePairer interface {
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
}

// EventHandler receives connection events.
type EventHandler func(Event)

// EventKind discriminates Event payloads.
type EventKind int

const (
	EventChallenge EventKind = iota
	EventCredentials
	EventOpened
	EventClosed
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventCredentials:
		return "credentials"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// CloseReason classifies why a connection closed.
type CloseReason int

const (
	// ReasonRecoverable covers network blips, server restarts and timeouts.
	ReasonRecoverable CloseReason = iota
	// ReasonLoggedOut means the device was unlinked; credentials are gone.
	ReasonLoggedOut
	// ReasonCredentialsInvalid means the stored identity can no longer be used.
	ReasonCredentialsInvalid
)

func (r CloseReason) String() string {
	switch r {
	case ReasonRecoverable:
		return "recoverable"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonCredentialsInvalid:
		return "credentials_invalid"
	default:
		return "unknown"
	}
}

// Event is a single notification from a connection.
type Event struct {
	Kind EventKind

	Challenge *Challenge            // EventChallenge
	Identity  *credentials.Identity // EventCredentials
	Reason    CloseReason           // EventClosed
	Err       error                 // EventClosed, optional cause
	Message   *Message              // EventMessage
}

// ChallengeKind is the form of a pairing challenge.
type ChallengeKind string

const (
	ChallengeQR   ChallengeKind = "qr"
	ChallengeCode ChallengeKind = "code"
)

// Challenge is a one-time artifact the operator uses to pair this device.
type Challenge struct {
	Kind     ChallengeKind
	Payload  string
	IssuedAt time.Time
}

// Message is an inbound text message.
type Message struct {
	ID        string
	PartyID   string // address replies go to
	SenderID  string // author within the party's chat
	Text      string
	Group     bool
	FromSelf  bool
	Timestamp time.Time
}

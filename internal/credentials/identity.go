// ABOUTME: Transport identity bundle and the Store interface for persisting it
// ABOUTME: Identities are copied on every boundary so callers never share mutable state

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no identity has been saved.
var ErrNotFound = errors.New("credentials not found")

// Identity is the credential bundle for one transport session.
type Identity struct {
	Registered bool              `json:"registered"`
	AccountID  string            `json:"account_id,omitempty"`
	DeviceID   string            `json:"device_id"`
	Secret     string            `json:"secret,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewIdentity returns a fresh, unregistered identity with a random device id.
func NewIdentity() *Identity {
	now := time.Now().UTC()
	return &Identity{
		DeviceID:  uuid.New().String(),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the identity.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

// Store persists a single transport identity.
type Store interface {
	// Load returns the saved identity or ErrNotFound.
	Load(ctx context.Context) (*Identity, error)
	// Save replaces the saved identity.
	Save(ctx context.Context, id *Identity) error
	// Reset discards the saved identity.
	Reset(ctx context.Context) error
	Close() error
}

func encode(id *Identity) ([]byte, error) {
	if id == nil {
		return nil, fmt.Errorf("nil identity")
	}
	stamped := id.Clone()
	stamped.UpdatedAt = time.Now().UTC()
	if stamped.CreatedAt.IsZero() {
		stamped.CreatedAt = stamped.UpdatedAt
	}
	data, err := json.Marshal(stamped)
	if err != nil {
		return nil, fmt.Errorf("marshaling identity: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Identity, error) {
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("unmarshaling identity: %w", err)
	}
	return &id, nil
}

// ABOUTME: Tests for inbound message policy
// ABOUTME: Covers scope toggles, block list mutation and self filtering

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-menubot/internal/transport"
)

func direct(party, text string) transport.Message {
	return transport.Message{PartyID: party, SenderID: party, Text: text}
}

func TestEvaluate_DefaultRules(t *testing.T) {
	p := New(DefaultRules())

	assert.Equal(t, Allowed, p.Evaluate(direct("alice", "oi")))
	assert.Equal(t, DeniedSelf, p.Evaluate(transport.Message{PartyID: "alice", Text: "oi", FromSelf: true}))
	assert.Equal(t, DeniedGroup, p.Evaluate(transport.Message{PartyID: "room", SenderID: "bob", Text: "oi", Group: true}))
	assert.Equal(t, DeniedEmpty, p.Evaluate(direct("alice", "   ")))
}

func TestEvaluate_ScopeToggles(t *testing.T) {
	p := New(Rules{AllowGroups: true, AllowDirect: false})

	assert.Equal(t, Allowed, p.Evaluate(transport.Message{PartyID: "room", SenderID: "bob", Text: "1", Group: true}))
	assert.Equal(t, DeniedDirect, p.Evaluate(direct("alice", "1")))
}

func TestEvaluate_BlockedPartyOrSender(t *testing.T) {
	p := New(Rules{AllowDirect: true, AllowGroups: true, Blocked: []string{" spammer ", "", "!room:x"}})

	assert.Equal(t, DeniedBlocked, p.Evaluate(direct("spammer", "hi")))
	assert.Equal(t, DeniedBlocked, p.Evaluate(transport.Message{PartyID: "!room:x", SenderID: "bob", Text: "hi", Group: true}))
	assert.Equal(t, DeniedBlocked, p.Evaluate(transport.Message{PartyID: "!other:x", SenderID: "spammer", Text: "hi", Group: true}))
	assert.Equal(t, []string{"spammer", "!room:x"}, p.Rules().Blocked)
}

func TestBlockAndUnblock(t *testing.T) {
	p := New(DefaultRules())

	p.Block("carol")
	p.Block("carol")
	assert.Equal(t, DeniedBlocked, p.Evaluate(direct("carol", "hi")))
	assert.Equal(t, []string{"carol"}, p.Rules().Blocked)

	p.Unblock("carol")
	assert.Equal(t, Allowed, p.Evaluate(direct("carol", "hi")))
	assert.Empty(t, p.Rules().Blocked)
}

func TestUpdate_ReplacesRules(t *testing.T) {
	p := New(DefaultRules())
	p.Block("dave")

	p.Update(Rules{AllowDirect: true, AllowGroups: true})

	assert.Equal(t, Allowed, p.Evaluate(direct("dave", "hi")))
	assert.True(t, p.Rules().AllowGroups)
}

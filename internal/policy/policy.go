// ABOUTME: Runtime-mutable rules deciding which inbound messages the bot answers
// ABOUTME: Filters self messages, group or direct scopes, and blocked parties

package policy

import (
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/2389/coven-menubot/internal/transport"
)

// Rules is the serializable policy.
type Rules struct {
	AllowDirect bool     `yaml:"allow_direct"`
	AllowGroups bool     `yaml:"allow_groups"`
	Blocked     []string `yaml:"blocked"`
}

// DefaultRules answers direct chats only.
func DefaultRules() Rules {
	return Rules{AllowDirect: true}
}

// Verdict explains a policy decision.
type Verdict string

const (
	Allowed       Verdict = "allowed"
	DeniedSelf    Verdict = "self"
	DeniedGroup   Verdict = "group_disabled"
	DeniedDirect  Verdict = "direct_disabled"
	DeniedBlocked Verdict = "blocked"
	DeniedEmpty   Verdict = "empty"
)

// Policy evaluates Rules. Safe for concurrent use.
type Policy struct {
	mu      sync.RWMutex
	rules   Rules
	blocked map[string]struct{}
}

// New creates a Policy from rules.
func New(rules Rules) *Policy {
	p := &Policy{}
	p.Update(rules)
	return p
}

// Update replaces all rules.
func (p *Policy) Update(rules Rules) {
	ids := lo.Uniq(lo.FilterMap(rules.Blocked, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))

	p.mu.Lock()
	defer p.mu.Unlock()

	rules.Blocked = ids
	p.rules = rules
	p.blocked = lo.SliceToMap(ids, func(id string) (string, struct{}) {
		return id, struct{}{}
	})
}

// Block adds id to the block list.
func (p *Policy) Block(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.blocked[id]; ok {
		return
	}
	p.blocked[id] = struct{}{}
	p.rules.Blocked = append(p.rules.Blocked, id)
}

// Unblock removes id from the block list.
func (p *Policy) Unblock(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.blocked, id)
	p.rules.Blocked = lo.Without(p.rules.Blocked, id)
}

// Rules returns a copy of the current rules.
func (p *Policy) Rules() Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r := p.rules
	r.Blocked = append([]string(nil), p.rules.Blocked...)
	return r
}

// Evaluate decides whether msg should be answered.
func (p *Policy) Evaluate(msg transport.Message) Verdict {
	if msg.FromSelf {
		return DeniedSelf
	}
	if strings.TrimSpace(msg.Text) == "" {
		return DeniedEmpty
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if msg.Group && !p.rules.AllowGroups {
		return DeniedGroup
	}
	if !msg.Group && !p.rules.AllowDirect {
		return DeniedDirect
	}
	if _, ok := p.blocked[msg.PartyID]; ok {
		return DeniedBlocked
	}
	if _, ok := p.blocked[msg.SenderID]; ok && msg.SenderID != "" {
		return DeniedBlocked
	}
	return Allowed
}

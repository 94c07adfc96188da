// ABOUTME: Menu graph types: nodes keyed by id with tagged option variants
// ABOUTME: Trees are built once from a Document and never mutated afterwards

package menu

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnknownOption indicates the input matches no option of the node.
	ErrUnknownOption = errors.New("unknown menu option")

	// ErrInvalidMenu indicates a malformed menu document.
	ErrInvalidMenu = errors.New("invalid menu")
)

// OptionKind discriminates Option variants.
type OptionKind int

const (
	OptionNavigate OptionKind = iota
	OptionReply
	OptionBack
	OptionHome
)

func (k OptionKind) String() string {
	switch k {
	case OptionNavigate:
		return "navigate"
	case OptionReply:
		return "reply"
	case OptionBack:
		return "back"
	case OptionHome:
		return "home"
	default:
		return "unknown"
	}
}

// Option is one selectable entry of a node.
type Option struct {
	Key     string
	Label   string
	Kind    OptionKind
	Target  string // OptionNavigate
	Text    string // OptionReply
	Suspend bool   // OptionReply
}

// Node is a prompt with its options.
type Node struct {
	ID      string
	Prompt  string
	options []Option
	index   map[string]int
}

// Options returns the node's options in document order.
func (n *Node) Options() []Option {
	out := make([]Option, len(n.options))
	copy(out, n.options)
	return out
}

// Resolve matches input against the node's option keys.
func (n *Node) Resolve(input string) (Option, error) {
	i, ok := n.index[Normalize(input)]
	if !ok {
		return Option{}, ErrUnknownOption
	}
	return n.options[i], nil
}

// Tree is an immutable menu graph.
type Tree struct {
	root  string
	nodes map[string]*Node
}

// RootID returns the id of the root node.
func (t *Tree) RootID() string {
	return t.root
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.nodes[t.root]
}

// Node looks up a node by id.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

var foldMarks = runes.Remove(runes.In(unicode.Mn))

// Normalize trims, lower-cases and strips diacritics so that "Início",
// " inicio " and "INICIO" compare equal.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, foldMarks, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

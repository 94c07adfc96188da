// ABOUTME: Menu document decoding (YAML, TOML, embedded default) and validation
// ABOUTME: Build rejects dangling targets, duplicate keys and navigation cycles

package menu

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultMenu []byte

// Document is the serialized form of a menu.
type Document struct {
	Root  string             `yaml:"root" toml:"root"`
	Nodes map[string]NodeDoc `yaml:"nodes" toml:"nodes"`
}

// NodeDoc is a serialized node. When Prompt is empty it is composed from
// Title and the option labels.
type NodeDoc struct {
	Title   string      `yaml:"title" toml:"title"`
	Prompt  string      `yaml:"prompt" toml:"prompt"`
	Options []OptionDoc `yaml:"options" toml:"options"`
}

// OptionDoc is a serialized option.
type OptionDoc struct {
	Key     string `yaml:"key" toml:"key"`
	Label   string `yaml:"label" toml:"label"`
	Goto    string `yaml:"goto" toml:"goto"`
	Reply   string `yaml:"reply" toml:"reply"`
	Suspend bool   `yaml:"suspend" toml:"suspend"`
	Action  string `yaml:"action" toml:"action"`
}

// LoadFile reads and builds a menu. The format is chosen by extension:
// .yaml/.yml or .toml.
func LoadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading menu file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return nil, fmt.Errorf("%w: unsupported menu file extension %q", ErrInvalidMenu, ext)
	}
}

// Default returns the built-in menu.
func Default() (*Tree, error) {
	return ParseYAML(defaultMenu)
}

// ParseYAML decodes and builds a YAML menu document. Unknown fields are errors.
func ParseYAML(data []byte) (*Tree, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing yaml: %v", ErrInvalidMenu, err)
	}
	return Build(doc)
}

// ParseTOML decodes and builds a TOML menu document. Unknown fields are errors.
func ParseTOML(data []byte) (*Tree, error) {
	var doc Document
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing toml: %v", ErrInvalidMenu, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidMenu, undecoded[0].String())
	}
	return Build(doc)
}

// Build validates doc and returns the immutable tree.
func Build(doc Document) (*Tree, error) {
	if doc.Root == "" {
		return nil, fmt.Errorf("%w: root is required", ErrInvalidMenu)
	}
	if _, ok := doc.Nodes[doc.Root]; !ok {
		return nil, fmt.Errorf("%w: root node %q is not defined", ErrInvalidMenu, doc.Root)
	}

	t := &Tree{
		root:  doc.Root,
		nodes: make(map[string]*Node, len(doc.Nodes)),
	}

	for id, nd := range doc.Nodes {
		node, err := buildNode(id, nd)
		if err != nil {
			return nil, err
		}
		t.nodes[id] = node
	}

	for _, node := range t.nodes {
		for _, opt := range node.options {
			if opt.Kind != OptionNavigate {
				continue
			}
			if _, ok := t.nodes[opt.Target]; !ok {
				return nil, fmt.Errorf("%w: node %q option %q targets undefined node %q",
					ErrInvalidMenu, node.ID, opt.Key, opt.Target)
			}
		}
	}

	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}

	return t, nil
}

func buildNode(id string, nd NodeDoc) (*Node, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: node id must not be empty", ErrInvalidMenu)
	}

	node := &Node{
		ID:      id,
		options: make([]Option, 0, len(nd.Options)),
		index:   make(map[string]int, len(nd.Options)),
	}

	for _, od := range nd.Options {
		opt, err := buildOption(id, od)
		if err != nil {
			return nil, err
		}
		if _, dup := node.index[opt.Key]; dup {
			return nil, fmt.Errorf("%w: node %q has duplicate option key %q", ErrInvalidMenu, id, opt.Key)
		}
		node.index[opt.Key] = len(node.options)
		node.options = append(node.options, opt)
	}

	node.Prompt = nd.Prompt
	if node.Prompt == "" {
		node.Prompt = composePrompt(nd.Title, node.options)
	}
	if strings.TrimSpace(node.Prompt) == "" {
		return nil, fmt.Errorf("%w: node %q needs a prompt or a title", ErrInvalidMenu, id)
	}
	node.Prompt = strings.TrimRight(node.Prompt, "\n")

	return node, nil
}

func buildOption(nodeID string, od OptionDoc) (Option, error) {
	key := Normalize(od.Key)
	if key == "" {
		return Option{}, fmt.Errorf("%w: node %q has an option without a key", ErrInvalidMenu, nodeID)
	}

	opt := Option{Key: key, Label: od.Label}

	set := 0
	if od.Goto != "" {
		set++
		opt.Kind = OptionNavigate
		opt.Target = od.Goto
	}
	if od.Reply != "" || (od.Suspend && od.Goto == "" && od.Action == "") {
		set++
		opt.Kind = OptionReply
		opt.Text = od.Reply
		opt.Suspend = od.Suspend
	}
	if od.Action != "" {
		set++
		switch strings.ToLower(od.Action) {
		case "back":
			opt.Kind = OptionBack
		case "home":
			opt.Kind = OptionHome
		default:
			return Option{}, fmt.Errorf("%w: node %q option %q has unknown action %q",
				ErrInvalidMenu, nodeID, od.Key, od.Action)
		}
	}

	if set != 1 {
		return Option{}, fmt.Errorf("%w: node %q option %q must set exactly one of goto, reply or action",
			ErrInvalidMenu, nodeID, od.Key)
	}
	if od.Suspend && opt.Kind != OptionReply {
		return Option{}, fmt.Errorf("%w: node %q option %q: suspend is only valid on replies",
			ErrInvalidMenu, nodeID, od.Key)
	}

	return opt, nil
}

// composePrompt renders "title\nkey - label" lines the way the menu is shown
// when no explicit prompt is given.
func composePrompt(title string, opts []Option) string {
	var b strings.Builder
	b.WriteString(title)
	for _, o := range opts {
		if o.Label == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s - %s", o.Key, o.Label)
	}
	return b.String()
}

// checkAcyclic walks navigation edges depth first and reports the first cycle.
func (t *Tree) checkAcyclic() error {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(t.nodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case inProgress:
			return fmt.Errorf("%w: navigation cycle %s -> %s", ErrInvalidMenu, strings.Join(path, " -> "), id)
		case done:
			return nil
		}
		state[id] = inProgress
		for _, opt := range t.nodes[id].options {
			if opt.Kind != OptionNavigate {
				continue
			}
			if err := visit(opt.Target, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range t.nodes {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

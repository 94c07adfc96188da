// ABOUTME: Tests for menu building, resolving and document loading
// ABOUTME: Covers YAML/TOML parsing, validation failures and the embedded default menu

package menu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
root: main
nodes:
  main:
    prompt: "Root prompt"
    options:
      - key: "1"
        goto: one
      - key: "2"
        reply: "terminal two"
      - key: "3"
        reply: "bye"
        suspend: true
  one:
    title: "Child one"
    options:
      - key: "1"
        label: "Leaf"
        reply: "leaf reply"
      - key: "9"
        label: "Back"
        action: back
      - key: "Início"
        action: home
`

func TestParseYAML_BuildsTree(t *testing.T) {
	tree, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "main", tree.RootID())
	assert.Equal(t, 2, tree.Len())
	assert.Equal(t, "Root prompt", tree.Root().Prompt)

	opt, err := tree.Root().Resolve(" 1 ")
	require.NoError(t, err)
	assert.Equal(t, OptionNavigate, opt.Kind)
	assert.Equal(t, "one", opt.Target)

	opt, err = tree.Root().Resolve("3")
	require.NoError(t, err)
	assert.Equal(t, OptionReply, opt.Kind)
	assert.True(t, opt.Suspend)
	assert.Equal(t, "bye", opt.Text)

	_, err = tree.Root().Resolve("7")
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestParseYAML_ComposesPromptFromTitle(t *testing.T) {
	tree, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	one, ok := tree.Node("one")
	require.True(t, ok)
	assert.Equal(t, "Child one\n1 - Leaf\n9 - Back", one.Prompt)
}

func TestResolve_NormalizesKeys(t *testing.T) {
	tree, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	one, _ := tree.Node("one")

	for _, input := range []string{"inicio", "INÍCIO", "  Inicio"} {
		opt, err := one.Resolve(input)
		require.NoError(t, err, input)
		assert.Equal(t, OptionHome, opt.Kind, input)
	}
}

func TestOptions_PreserveDocumentOrder(t *testing.T) {
	tree, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	var keys []string
	for _, o := range tree.Root().Options() {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"1", "2", "3"}, keys)
}

func TestParseTOML_BuildsTree(t *testing.T) {
	doc := `
root = "main"

[nodes.main]
prompt = "Root"

[[nodes.main.options]]
key = "1"
goto = "child"

[[nodes.main.options]]
key = "2"
reply = ""
suspend = true

[nodes.child]
prompt = "Child"

[[nodes.child.options]]
key = "0"
action = "home"
`
	tree, err := ParseTOML([]byte(doc))
	require.NoError(t, err)

	opt, err := tree.Root().Resolve("2")
	require.NoError(t, err)
	assert.Equal(t, OptionReply, opt.Kind)
	assert.True(t, opt.Suspend)
	assert.Empty(t, opt.Text)
}

func TestBuild_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing root", `nodes: {a: {prompt: "x"}}`},
		{"undefined root", `root: b
nodes: {a: {prompt: "x"}}`},
		{"dangling goto", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", goto: nowhere}]`},
		{"duplicate key", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", reply: "r"}, {key: " 1", reply: "s"}]`},
		{"two variants", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", reply: "r", action: home}]`},
		{"no variant", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1"}]`},
		{"suspend on goto", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", goto: b, suspend: true}]
  b:
    prompt: "y"`},
		{"unknown action", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", action: jump}]`},
		{"empty prompt", `root: a
nodes:
  a:
    options: [{key: "1", reply: "r"}]`},
		{"cycle", `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", goto: b}]
  b:
    prompt: "y"
    options: [{key: "1", goto: a}]`},
		{"unknown field", `root: a
nodes:
  a:
    prompt: "x"
    colour: red`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidMenu)
		})
	}
}

func TestBuild_HomeActionIsNotACycle(t *testing.T) {
	doc := `root: a
nodes:
  a:
    prompt: "x"
    options: [{key: "1", goto: b}]
  b:
    prompt: "y"
    options: [{key: "1", action: home}, {key: "2", action: back}]`
	_, err := ParseYAML([]byte(doc))
	assert.NoError(t, err)
}

func TestLoadFile_ByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "menu.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0644))
	tree, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "main", tree.RootID())

	txtPath := filepath.Join(dir, "menu.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte(sampleYAML), 0644))
	_, err = LoadFile(txtPath)
	assert.ErrorIs(t, err, ErrInvalidMenu)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	tree, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "main", tree.RootID())
	for _, key := range []string{"1", "2", "3"} {
		_, err := tree.Root().Resolve(key)
		assert.NoError(t, err, key)
	}

	opt, _ := tree.Root().Resolve("3")
	assert.True(t, opt.Suspend)
}

func TestDefault_SubmenusAdvertiseBackKey(t *testing.T) {
	tree, err := Default()
	require.NoError(t, err)

	for _, id := range []string{"produtos", "suporte"} {
		node, ok := tree.Node(id)
		require.True(t, ok, id)

		opt, err := node.Resolve("voltar")
		require.NoError(t, err, id)
		assert.Equal(t, OptionBack, opt.Kind, id)
		assert.Contains(t, node.Prompt, "voltar. Voltar", id)
		assert.Contains(t, node.Prompt, "0. Menu principal", id)
		assert.NotContains(t, node.Prompt, "0. Voltar", id)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "inicio", Normalize("  Início "))
	assert.Equal(t, "acao", Normalize("AÇÃO"))
	assert.Equal(t, "1", Normalize("1"))
	assert.Equal(t, "", Normalize("   "))
}

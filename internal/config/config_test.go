// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML parsing, env var expansion, defaults, duration parsing and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "menubot.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: "matrix"
  phone_number: "5511999998888"
  connect_timeout: "10s"
  matrix:
    homeserver: "https://matrix.example.org"
    username: "menubot"
    password: "secret"
    format_markdown: true

credentials:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    db: 2
    prefix: "bot:"

reconnect:
  initial_delay: "1s"
  max_delay: "30s"
  multiplier: 1.5
  max_attempts: 4

dialogue:
  warn_after: "2m"
  reset_after: "4m"
  home_tokens: ["0", "voltar"]
  texts:
    warning: "Ainda por aí?"

menu:
  path: "/etc/coven/menu.yaml"

policy:
  allow_groups: true
  blocked: ["5511000000000"]

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: "0.0.0.0:9464"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Kind != "matrix" {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, "matrix")
	}
	if cfg.Transport.PhoneNumber != "5511999998888" {
		t.Errorf("Transport.PhoneNumber = %q", cfg.Transport.PhoneNumber)
	}
	if cfg.Transport.ConnectTimeout != 10*time.Second {
		t.Errorf("Transport.ConnectTimeout = %v, want 10s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Transport.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("Matrix.Homeserver = %q", cfg.Transport.Matrix.Homeserver)
	}
	if cfg.Transport.Matrix.DeviceName != "coven-menubot" {
		t.Errorf("Matrix.DeviceName = %q, want default", cfg.Transport.Matrix.DeviceName)
	}
	if !cfg.Transport.Matrix.FormatMarkdown {
		t.Error("Matrix.FormatMarkdown = false, want true")
	}

	if cfg.Credentials.Backend != "redis" {
		t.Errorf("Credentials.Backend = %q, want redis", cfg.Credentials.Backend)
	}
	if cfg.Credentials.Redis.DB != 2 || cfg.Credentials.Redis.Prefix != "bot:" {
		t.Errorf("Credentials.Redis = %+v", cfg.Credentials.Redis)
	}

	if cfg.Reconnect.InitialDelay != time.Second {
		t.Errorf("Reconnect.InitialDelay = %v, want 1s", cfg.Reconnect.InitialDelay)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("Reconnect.MaxDelay = %v, want 30s", cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.Multiplier != 1.5 || cfg.Reconnect.MaxAttempts != 4 {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}

	if cfg.Dialogue.WarnAfter != 2*time.Minute || cfg.Dialogue.ResetAfter != 4*time.Minute {
		t.Errorf("Dialogue timers = %v/%v, want 2m/4m", cfg.Dialogue.WarnAfter, cfg.Dialogue.ResetAfter)
	}
	if cfg.Dialogue.SendTimeout != 30*time.Second {
		t.Errorf("Dialogue.SendTimeout = %v, want default 30s", cfg.Dialogue.SendTimeout)
	}
	if len(cfg.Dialogue.HomeTokens) != 2 || cfg.Dialogue.HomeTokens[1] != "voltar" {
		t.Errorf("Dialogue.HomeTokens = %v", cfg.Dialogue.HomeTokens)
	}
	if cfg.Dialogue.Texts.Warning != "Ainda por aí?" {
		t.Errorf("Dialogue.Texts.Warning = %q", cfg.Dialogue.Texts.Warning)
	}

	if cfg.Menu.Path != "/etc/coven/menu.yaml" {
		t.Errorf("Menu.Path = %q", cfg.Menu.Path)
	}

	if !cfg.Policy.AllowDirect {
		t.Error("Policy.AllowDirect = false, want default true")
	}
	if !cfg.Policy.AllowGroups {
		t.Error("Policy.AllowGroups = false, want true")
	}
	if len(cfg.Policy.Blocked) != 1 {
		t.Errorf("Policy.Blocked = %v", cfg.Policy.Blocked)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MENUBOT_PASSWORD", "from-env")
	t.Setenv("TEST_MENUBOT_HOMESERVER", "https://hs.example.org")

	cfg, err := Parse([]byte(`
transport:
  matrix:
    homeserver: "${TEST_MENUBOT_HOMESERVER}"
    username: "menubot"
    password: "${TEST_MENUBOT_PASSWORD}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Transport.Matrix.Password != "from-env" {
		t.Errorf("Matrix.Password = %q, want %q", cfg.Transport.Matrix.Password, "from-env")
	}
	if cfg.Transport.Matrix.Homeserver != "https://hs.example.org" {
		t.Errorf("Matrix.Homeserver = %q", cfg.Transport.Matrix.Homeserver)
	}
}

func TestExpandEnvVars_UnsetBecomesEmpty(t *testing.T) {
	got := expandEnvVars("a=${TEST_MENUBOT_SURELY_UNSET_VAR};")
	if got != "a=;" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "a=;")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("transport:\n  kind: loopback\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Credentials.Backend != "sqlite" {
		t.Errorf("Credentials.Backend = %q, want sqlite", cfg.Credentials.Backend)
	}
	if !strings.HasSuffix(cfg.Credentials.SQLite.Path, "credentials.db") {
		t.Errorf("Credentials.SQLite.Path = %q", cfg.Credentials.SQLite.Path)
	}
	if cfg.Reconnect.InitialDelay != 3*time.Second || cfg.Reconnect.MaxDelay != 60*time.Second {
		t.Errorf("Reconnect delays = %v/%v, want 3s/60s", cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.MaxAttempts != 6 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 6", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Dialogue.WarnAfter != 5*time.Minute || cfg.Dialogue.ResetAfter != 10*time.Minute {
		t.Errorf("Dialogue timers = %v/%v, want 5m/10m", cfg.Dialogue.WarnAfter, cfg.Dialogue.ResetAfter)
	}
	if len(cfg.Dialogue.HomeTokens) != 3 {
		t.Errorf("Dialogue.HomeTokens = %v", cfg.Dialogue.HomeTokens)
	}
	if cfg.Transport.ConnectTimeout != 30*time.Second {
		t.Errorf("Transport.ConnectTimeout = %v, want 30s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if !cfg.Policy.AllowDirect || cfg.Policy.AllowGroups {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`
transport:
  kind: loopback
dialogue:
  warn_after: "five minutes"
`))
	if err == nil {
		t.Fatal("Parse() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "dialogue.warn_after") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("transport: [unclosed")); err == nil {
		t.Fatal("Parse() expected error for malformed YAML")
	}
}

func TestParse_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown transport",
			yaml: "transport:\n  kind: telegram\n",
			want: "Kind",
		},
		{
			name: "unknown backend",
			yaml: "transport:\n  kind: loopback\ncredentials:\n  backend: etcd\n",
			want: "Backend",
		},
		{
			name: "missing homeserver",
			yaml: "transport:\n  kind: matrix\n  matrix:\n    username: bot\n",
			want: "homeserver",
		},
		{
			name: "missing username",
			yaml: "transport:\n  kind: matrix\n  matrix:\n    homeserver: https://hs.example.org\n",
			want: "username",
		},
		{
			name: "redis without addr",
			yaml: "transport:\n  kind: loopback\ncredentials:\n  backend: redis\n",
			want: "redis.addr",
		},
		{
			name: "sqlite without path",
			yaml: "transport:\n  kind: loopback\ncredentials:\n  sqlite:\n    path: \"\"\n",
			want: "sqlite.path",
		},
		{
			name: "reset before warning",
			yaml: "transport:\n  kind: loopback\ndialogue:\n  warn_after: 10m\n  reset_after: 5m\n",
			want: "reset_after",
		},
		{
			name: "reset equal to warning",
			yaml: "transport:\n  kind: loopback\ndialogue:\n  warn_after: 5m\n  reset_after: 5m\n",
			want: "reset_after",
		},
		{
			name: "max delay below initial",
			yaml: "transport:\n  kind: loopback\nreconnect:\n  initial_delay: 10s\n  max_delay: 1s\n",
			want: "max_delay",
		},
		{
			name: "multiplier below one",
			yaml: "transport:\n  kind: loopback\nreconnect:\n  multiplier: 0.5\n",
			want: "Multiplier",
		},
		{
			name: "phone number with letters",
			yaml: "transport:\n  kind: loopback\n  phone_number: \"55-11-abc\"\n",
			want: "PhoneNumber",
		},
		{
			name: "bad log level",
			yaml: "transport:\n  kind: loopback\nlogging:\n  level: verbose\n",
			want: "Level",
		},
		{
			name: "metrics enabled without addr",
			yaml: "transport:\n  kind: loopback\nmetrics:\n  enabled: true\n  addr: \"\"\n",
			want: "metrics.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v should wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_MENUBOT_CONFIG", "/tmp/custom.yaml")
		if got := Path(); got != "/tmp/custom.yaml" {
			t.Errorf("Path() = %q, want /tmp/custom.yaml", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_MENUBOT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := Path(); got != filepath.Join("/xdg", "coven", "menubot.yaml") {
			t.Errorf("Path() = %q", got)
		}
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("COVEN_MENUBOT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/tester")
		if got := Path(); got != filepath.Join("/home/tester", ".config", "coven", "menubot.yaml") {
			t.Errorf("Path() = %q", got)
		}
	})
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DataDir(); got != filepath.Join("/data", "coven") {
		t.Errorf("DataDir() = %q", got)
	}
}

// Package config handles configuration loading for coven-menubot.
//
// # Overview
//
// Configuration is a single YAML file with environment variable expansion.
// Keys the file leaves out keep the values from Default, so a minimal file
// only needs the transport account.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_MENUBOT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/menubot.yaml
//  3. ~/.config/coven/menubot.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	transport:
//	  matrix:
//	    password: "${MENUBOT_MATRIX_PASSWORD}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reconnect:
//	  initial_delay: "3s"
//	  max_delay: "60s"
//	dialogue:
//	  warn_after: "5m"
//	  reset_after: "10m"
//
// # Configuration Sections
//
// Transport:
//
//	transport:
//	  kind: "matrix"           # matrix, loopback
//	  phone_number: ""         # digits only; enables pairing codes where supported
//	  connect_timeout: "30s"
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    username: "menubot"
//	    password: "${MENUBOT_MATRIX_PASSWORD}"
//	    device_name: "coven-menubot"
//	    format_markdown: true
//
// Credentials:
//
//	credentials:
//	  backend: "sqlite"        # memory, sqlite, redis, badger
//	  sqlite:
//	    path: "~/.local/share/coven/credentials.db"
//	  redis:
//	    addr: "localhost:6379"
//	    prefix: "coven-menubot:credentials:"
//	  badger:
//	    dir: ""                # empty runs in memory
//
// Reconnect:
//
//	reconnect:
//	  initial_delay: "3s"
//	  max_delay: "60s"
//	  multiplier: 2            # 1 for a flat delay
//	  max_attempts: 6          # then credentials are reset; 0 = unlimited
//
// Dialogue, menu and policy:
//
//	dialogue:
//	  warn_after: "5m"
//	  reset_after: "10m"
//	  home_tokens: ["0", "inicio", "menu"]
//	  texts:
//	    invalid_option: "Opção inválida. Escolha novamente:"
//	menu:
//	  path: ""                 # YAML or TOML; empty uses the built-in menu
//	policy:
//	  allow_direct: true
//	  allow_groups: false
//	  blocked: []
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// # Validation
//
// Parse validates field constraints with go-playground/validator and then
// checks the rules spanning fields: a matrix transport needs a homeserver
// and username, the chosen credential backend needs its location, delays
// must be ordered and the reset must come after the warning. Every failure
// wraps ErrInvalid.
package config

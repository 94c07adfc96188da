// ABOUTME: Entry point for coven-menubot, the device-paired menu chatbot
// ABOUTME: Dispatches subcommands and sets up colorized or JSON logging

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-menubot/internal/config"
	"github.com/2389/coven-menubot/internal/menu"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                          _           _
  ___ _____   _____ _ __        _ __ ___   ___ _ __  _   _| |__   ___ | |_
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \ '_ \| | | | '_ \ / _ \| __|
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/ | | | |_| | |_) | (_) | |_
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___|_| |_|\__,_|_.__/ \___/ \__|
`

func usage() {
	fmt.Println("Usage: coven-menubot [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                   Connect and answer clients (default)")
	fmt.Println("  console               Chat with the menu locally over the loopback transport")
	fmt.Println("  init                  Create a new config file interactively")
	fmt.Println("  check-menu <path>     Validate a YAML or TOML menu document")
	fmt.Println("  reset-credentials     Discard the stored device identity")
}

func main() {
	// A missing .env is normal; only the shell environment is used then.
	_ = godotenv.Load()

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "run":
		err = runServe(ctx)
	case "console":
		err = runConsole(ctx)
	case "init":
		err = runInit()
	case "check-menu":
		err = runCheckMenu(os.Args[2:])
	case "reset-credentials":
		err = runResetCredentials(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)
}

func runCheckMenu(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coven-menubot check-menu <path>")
	}

	tree, err := menu.LoadFile(args[0])
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("%s: %d nodes, root %q\n", args[0], tree.Len(), tree.RootID())
	return nil
}

func runResetCredentials(ctx context.Context) error {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	store, err := openStore(cfg.Credentials, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting credentials: %w", err)
	}

	color.New(color.FgYellow).Print("⚠ ")
	fmt.Printf("Stored identity discarded (%s backend). The next run pairs a new device.\n", cfg.Credentials.Backend)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stderr, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// ABOUTME: Console mode that runs the full bot over the loopback transport
// ABOUTME: Stdin lines become messages from one local party; replies print to stdout

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/2389/coven-menubot/internal/config"
	"github.com/2389/coven-menubot/internal/dedupe"
	"github.com/2389/coven-menubot/internal/transport"
	"github.com/2389/coven-menubot/internal/transport/loopback"
)

const consoleParty = "console"

const consoleConfig = `
transport:
  kind: loopback
credentials:
  backend: memory
`

func runConsole(ctx context.Context) error {
	configPath := config.Path()

	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		configPath = ""
		cfg, err = config.Parse([]byte(consoleConfig))
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("loading config: %w", err)
	}
	// Dialogue, menu and policy come from the file; the wire stays local.
	cfg.Transport.Kind = "loopback"
	cfg.Transport.PhoneNumber = ""
	cfg.Credentials.Backend = "memory"

	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger := setupLogger(cfg.Logging)

	bot := color.New(color.FgCyan)
	network := loopback.NewNetwork(
		loopback.WithAutoApprove(),
		loopback.WithSentHook(func(s loopback.Sent) {
			bot.Println(s.Text)
			fmt.Println()
		}),
	)

	a, err := newApp(cfg, logger, func(*dedupe.Cache) (transport.Transport, error) { return network, nil })
	if err != nil {
		return err
	}

	color.New(color.FgHiBlack).Println("Type a message and press enter. Ctrl-D quits.")
	fmt.Println()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- a.run(ctx, configPath) }()

	go func() {
		defer cancel()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := network.Deliver(consoleParty, scanner.Text()); err != nil {
				color.New(color.FgYellow).Printf("not delivered: %v\n", err)
			}
		}
	}()

	return <-errc
}

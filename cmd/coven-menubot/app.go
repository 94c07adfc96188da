// ABOUTME: Wires config into the credential store, transport, supervisor and dialogue manager
// ABOUTME: Runs the bot until shutdown and handles control signals and the metrics endpoint

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-menubot/internal/config"
	"github.com/2389/coven-menubot/internal/credentials"
	"github.com/2389/coven-menubot/internal/dedupe"
	"github.com/2389/coven-menubot/internal/dialogue"
	"github.com/2389/coven-menubot/internal/menu"
	"github.com/2389/coven-menubot/internal/metrics"
	"github.com/2389/coven-menubot/internal/pairing"
	"github.com/2389/coven-menubot/internal/policy"
	"github.com/2389/coven-menubot/internal/supervisor"
	"github.com/2389/coven-menubot/internal/transport"
	"github.com/2389/coven-menubot/internal/transport/loopback"
	"github.com/2389/coven-menubot/internal/transport/matrix"
)

// app holds the assembled components of one bot process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   credentials.Store
	seen    *dedupe.Cache
	policy  *policy.Policy
	board   *pairing.Board
	manager *dialogue.Manager
	sup     *supervisor.Supervisor
}

// transportFactory builds the transport once the shared dedupe cache exists.
type transportFactory func(seen *dedupe.Cache) (transport.Transport, error)

func newApp(cfg *config.Config, logger *slog.Logger, newTransport transportFactory) (*app, error) {
	tree, err := loadMenu(cfg.Menu)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Credentials, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		store:   store,
		seen:    dedupe.New(dedupe.DefaultTTL, dedupe.DefaultCapacity),
		policy:  policy.New(cfg.Policy),
		board:   pairing.NewBoard(logger),
	}

	tr, err := newTransport(a.seen)
	if err != nil {
		a.close()
		return nil, err
	}

	a.manager = dialogue.NewManager(tree, replySender{a}, dialogueConfig(cfg.Dialogue),
		dialogue.WithLogger(logger),
		dialogue.WithMetrics(a.metrics),
		dialogue.WithPolicy(a.policy),
	)

	a.sup = supervisor.New(tr, store, supervisor.Config{
		Backoff: supervisor.Backoff{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		PhoneNumber:    cfg.Transport.PhoneNumber,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
	},
		supervisor.WithBoard(a.board),
		supervisor.WithListener(a.manager),
		supervisor.WithInbound(a.manager),
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(a.metrics),
	)

	return a, nil
}

// replySender routes dialogue replies through the supervisor, which owns
// the only live connection.
type replySender struct{ a *app }

func (s replySender) Send(ctx context.Context, partyID, text string) error {
	return s.a.sup.Send(ctx, partyID, text)
}

func dialogueConfig(c config.DialogueConfig) dialogue.Config {
	return dialogue.Config{
		WarnAfter:   c.WarnAfter,
		ResetAfter:  c.ResetAfter,
		SendTimeout: c.SendTimeout,
		HomeTokens:  c.HomeTokens,
		OutboxSize:  c.OutboxSize,
		Texts: dialogue.Texts{
			InvalidOption: c.Texts.InvalidOption,
			Warning:       c.Texts.Warning,
			ResetNotice:   c.Texts.ResetNotice,
		},
	}
}

func loadMenu(cfg config.MenuConfig) (*menu.Tree, error) {
	if cfg.Path == "" {
		return menu.Default()
	}
	tree, err := menu.LoadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("loading menu: %w", err)
	}
	return tree, nil
}

func openStore(cfg config.CredentialsConfig, logger *slog.Logger) (credentials.Store, error) {
	switch cfg.Backend {
	case "memory":
		return credentials.NewMemoryStore(), nil
	case "sqlite":
		store, err := credentials.NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite credential store: %w", err)
		}
		return store, nil
	case "redis":
		var opts []credentials.RedisOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, credentials.WithRedisPrefix(cfg.Redis.Prefix))
		}
		return credentials.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...), nil
	case "badger":
		store, err := credentials.NewBadgerStore(cfg.Badger.Dir)
		if err != nil {
			return nil, fmt.Errorf("opening badger credential store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}

func matrixFactory(cfg config.MatrixConfig, logger *slog.Logger) transportFactory {
	return func(seen *dedupe.Cache) (transport.Transport, error) {
		return matrix.New(matrix.Config{
			Homeserver:     cfg.Homeserver,
			Username:       cfg.Username,
			Password:       cfg.Password,
			DeviceName:     cfg.DeviceName,
			FormatMarkdown: cfg.FormatMarkdown,
		}, matrix.WithLogger(logger), matrix.WithDedupe(seen)), nil
	}
}

func loopbackFactory(opts ...loopback.Option) transportFactory {
	return func(*dedupe.Cache) (transport.Transport, error) {
		return loopback.NewNetwork(opts...), nil
	}
}

// run drives the supervisor until ctx is cancelled, then releases every
// component. SIGHUP reloads the policy from configPath; SIGUSR1 forces a
// new session and SIGUSR2 stops (logging out).
func (a *app) run(ctx context.Context, configPath string) error {
	defer a.close()

	done := make(chan error, 1)
	go func() { done <- a.sup.Run(ctx) }()

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	go a.presentPairing(ctx)

	if err := a.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigs:
			a.handleSignal(ctx, sig, configPath)
		}
	}
}

func (a *app) handleSignal(ctx context.Context, sig os.Signal, configPath string) {
	switch sig {
	case syscall.SIGHUP:
		if configPath == "" {
			a.logger.Warn("no config file to reload policy from")
			return
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			a.logger.Error("reloading config", "error", err)
			return
		}
		a.policy.Update(cfg.Policy)
		a.logger.Info("policy reloaded",
			"allow_direct", cfg.Policy.AllowDirect,
			"allow_groups", cfg.Policy.AllowGroups,
			"blocked", len(cfg.Policy.Blocked),
		)
	case syscall.SIGUSR1:
		a.logger.Info("forcing a new session")
		if err := a.sup.ForceNewSession(ctx); err != nil {
			a.logger.Error("force new session", "error", err)
		}
	case syscall.SIGUSR2:
		a.logger.Info("stopping connection")
		if err := a.sup.Stop(ctx); err != nil {
			a.logger.Error("stop", "error", err)
		}
	}
}

// presentPairing prints each pairing challenge for the operator.
func (a *app) presentPairing(ctx context.Context) {
	updates, subID := a.board.Subscribe(ctx)
	defer a.board.Unsubscribe(subID)

	yellow := color.New(color.FgYellow, color.Bold)
	gray := color.New(color.FgHiBlack)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Challenge == nil {
				gray.Println("    pairing challenge cleared")
				continue
			}
			switch u.Challenge.Kind {
			case transport.ChallengeCode:
				yellow.Print("    ▶ Pairing code: ")
				fmt.Println(u.Challenge.Payload)
			default:
				yellow.Print("    ▶ Pairing QR payload: ")
				fmt.Println(u.Challenge.Payload)
			}
		}
	}
}

// serveMetrics starts the operator endpoint when enabled and returns a
// function that shuts it down.
func (a *app) serveMetrics() func() {
	if !a.cfg.Metrics.Enabled {
		return func() {}
	}

	server := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           a.statusRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("metrics listening", "addr", server.Addr, "path", a.cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func (a *app) close() {
	if a.manager != nil {
		_ = a.manager.Close()
	}
	a.board.Close()
	a.seen.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing credential store", "error", err)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()
	printBanner()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Transport:   %s\n", cfg.Transport.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Credentials: %s\n", cfg.Credentials.Backend)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:     http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	var factory transportFactory
	switch cfg.Transport.Kind {
	case "loopback":
		factory = loopbackFactory()
	default:
		factory = matrixFactory(cfg.Transport.Matrix, logger)
	}

	a, err := newApp(cfg, logger, factory)
	if err != nil {
		return err
	}

	logger.Info("starting coven-menubot",
		"config", configPath,
		"transport", cfg.Transport.Kind,
		"credentials", cfg.Credentials.Backend,
	)
	return a.run(ctx, configPath)
}

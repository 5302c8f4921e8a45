package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/scheduler"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/mtzanidakis/deepr/internal/telegram"
	"github.com/mtzanidakis/deepr/internal/vault"
	"github.com/mtzanidakis/deepr/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("deepr %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "research":
		err = runResearch(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: deepr <command>

Commands:
  gateway             Start the deepr gateway service
  research <topic>    Research a topic in the terminal
  vault               Manage encrypted secrets
  backup -f <file>    Archive the data directory
  restore -f <file>   Restore the data directory from an archive
  version             Print version
`)
}

// setupLogger installs the default slog handler described by cfg.
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openVault returns nil when no passphrase is configured.
func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.Vault.Passphrase == "" {
		return nil, nil
	}
	return vault.New(cfg.Vault.Passphrase)
}

// resolveSecrets replaces secret: references in cfg with vault values.
func resolveSecrets(cfg *config.Config, v *vault.Vault, db *store.Store) error {
	for _, field := range []*string{&cfg.LLM.APIKey, &cfg.Telegram.Token, &cfg.Web.Auth} {
		val, err := vault.Resolve(v, db, *field)
		if err != nil {
			return err
		}
		*field = val
	}
	return nil
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	slog.Info("starting deepr gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	if n, err := db.MarkInterruptedRuns(); err != nil {
		slog.Warn("failed to mark interrupted runs", "error", err)
	} else if n > 0 {
		slog.Warn("marked interrupted runs as failed", "count", n)
	}

	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if err := resolveSecrets(cfg, v, db); err != nil {
		return err
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	if err := client.EnsureResearchStream(cfg.NATS.EventRetention); err != nil {
		slog.Warn("event replay unavailable", "error", err)
	}

	// Research coordinator
	coord := coordinator.New(db, client, coordinator.NewPipeline(cfg), cfg.Research.MaxRuns)
	defer coord.Close()

	if _, err := coord.ServeIPC(); err != nil {
		return fmt.Errorf("serve ipc: %w", err)
	}

	// Scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(db, coord, client, cfg.Scheduler)
		go sched.Start(ctx)
	}

	// Telegram bot
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, coord)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, coord, cfg.Web, v, cfg.LLM.Model, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown or reload signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			next, err := reloadConfig(cfg, v, db, coord, sched, bot)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			cfg = next
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()
	return nil
}

// reloadConfig applies the reloadable parts of a freshly loaded config and
// returns it.
func reloadConfig(cur *config.Config, v *vault.Vault, db *store.Store, coord *coordinator.Coordinator, sched *scheduler.Scheduler, bot *telegram.Bot) (*config.Config, error) {
	next, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := resolveSecrets(next, v, db); err != nil {
		return nil, err
	}

	diff := config.Diff(cur, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return next, nil
	}

	if diff.PipelineChanged() {
		coord.SetOrchestrator(coordinator.NewPipeline(next))
		slog.Info("research pipeline rebuilt", "model", next.LLM.Model)
	}
	if diff.SchedulerChanged && sched != nil {
		sched.UpdateConfig(diff.NewScheduler.PollInterval)
	}
	if diff.AllowFromChanged && bot != nil {
		bot.SetAllowFrom(diff.NewAllowFrom)
	}
	return next, nil
}

var errUsage = errors.New("invalid arguments")

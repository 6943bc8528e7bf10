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

	"github.com/mtzanidakis/crew/internal/backend"
	"github.com/mtzanidakis/crew/internal/config"
	"github.com/mtzanidakis/crew/internal/coordinator"
	"github.com/mtzanidakis/crew/internal/natsbus"
	"github.com/mtzanidakis/crew/internal/store"
	"github.com/mtzanidakis/crew/internal/telegram"
	"github.com/mtzanidakis/crew/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, rest := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("crew %s\n", version)
		return
	case "run":
		err = runCrew(rest)
	case "send":
		err = runSend(rest)
	case "status":
		err = runStatus()
	case "archive":
		err = runArchive(rest)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: crew <command>

Commands:
  run <goal>               Start a crew working towards goal
  run --goal-file <path>   Read the goal from a file
  send <agent|all> <text>  Deliver text to a running agent's inbox
  status                   Show the running crew
  archive <file>           Print a finished run's archive
  version                  Print version
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func readGoal(args []string) (string, error) {
	flags := parseArgs(args)
	if path := flags["goal-file"]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read goal file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func runCrew(args []string) error {
	goal, err := readGoal(args)
	if err != nil {
		return err
	}
	if goal == "" {
		printUsage()
		return errors.New("a goal is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting crew", "version", version, "backend", cfg.Backend.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", bus.Port())

	be, err := backend.New(cfg.Backend)
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	opts := coordinator.Options{
		Fleet:      cfg.Fleet,
		SocketDir:  cfg.Socket.Dir,
		Goal:       goal,
		Backend:    be,
		Store:      db,
		ArchiveDir: cfg.Store.ArchiveDir,
		Events:     client,
	}

	// Telegram bot
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		opts.Alerts = bot
	} else {
		slog.Debug("telegram token not set, alerts disabled")
	}

	coord := coordinator.New(opts)

	stopControl, err := coord.ServeControl(client)
	if err != nil {
		return fmt.Errorf("serve control: %w", err)
	}
	defer stopControl()

	if bot != nil {
		go func() {
			if err := bot.Start(ctx, coord); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(coord, db, coord.RunID(), client, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err = coord.Run(ctx)
	cancel()
	if err != nil {
		return err
	}
	slog.Info("crew finished", "run", coord.RunID())
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/config"
	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/server"
	"github.com/lovetwice1012/roundsync/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roundsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config file")
	listenAddr := flag.String("listen", "", "coordination listen address (overrides config)")
	adminAddr := flag.String("admin", "", "admin plane listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flag.Parse()

	logger := observability.InitLogger("roundsyncd")
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logger = logger.Level(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Str("listen", cfg.ListenAddr).
		Str("admin", cfg.AdminAddr).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := server.NewService(cfg.ServerConfig(), st, logger)
	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()
	go func() { errCh <- svc.RunAdmin(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		return <-errCh
	case err := <-errCh:
		stop()
		return err
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/natterhq/natter/internal/api"
	"github.com/natterhq/natter/internal/config"
	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/server"
	"github.com/natterhq/natter/internal/stats"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	var (
		addr       string
		dsn        string
		signingKey string
		logLevel   string
		logJSON    bool
	)

	app := &cli.Command{
		Name:    "natter",
		Usage:   "Team chat server with realtime channels",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address for the HTTP server",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "database-url",
				Usage:       "postgres connection string",
				Destination: &dsn,
			},
			&cli.StringFlag{
				Name:        "signing-key",
				Usage:       "base64 encoded JWT signing key",
				Destination: &signingKey,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (trace, debug, info, warn, error)",
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "log-json",
				Usage:       "emit logs as JSON instead of console output",
				Destination: &logJSON,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			if c.IsSet("addr") {
				cfg.ServerAddr = addr
			}
			if c.IsSet("database-url") {
				cfg.DatabaseDSN = dsn
			}
			if c.IsSet("signing-key") {
				cfg.SigningSecret = signingKey
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = logLevel
			}
			if c.IsSet("log-json") {
				cfg.LogJSON = logJSON
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			if err := setupLogger(cfg.LogLevel, cfg.LogJSON); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("natter exited")
	}
}

func run(cfg *config.Config) error {
	logger := log.With().Str("component", "natter").Logger()

	db, err := database.NewPgNatterRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, server.Config{
		TypingTTL:        cfg.TypingTTL,
		TopicIdleTTL:     cfg.TopicIdleTTL,
		StoreTimeout:     cfg.StoreTimeout,
		SessionQueueSize: cfg.SessionQueueSize,
		RecentMessages:   cfg.RecentMessages,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv, err := api.NewNatterApp(logger, chatServer, db, cfg, mux)
	if err != nil {
		return fmt.Errorf("new app: %w", err)
	}

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	chatServer.Shutdown()
	logger.Info().Msg("shutdown complete")

	return nil
}

func setupLogger(level string, logJSON bool) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logJSON {
		output = os.Stderr
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return nil
}

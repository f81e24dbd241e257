package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/StevenMolina22/events-api/internal/api"
	"github.com/StevenMolina22/events-api/internal/config"
	"github.com/StevenMolina22/events-api/internal/crawler"
	"github.com/StevenMolina22/events-api/internal/events"
	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/ratelimiter"
	"github.com/StevenMolina22/events-api/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the events API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			// flags have the highest precedence
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			cleanup, err := initLogging(os.Stdout)
			if err != nil {
				return err
			}
			defer cleanup()
			logWarnings(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to bind")
	cmd.Flags().IntVar(&port, "port", 8080, "port to bind")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Get()

	srv, err := server.Listen(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to bind")
		return err
	}

	store, err := events.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, cfg.MongoTimeout)
	if err != nil {
		_ = srv.Close()
		log.Error().Err(err).Msg("event store unavailable")
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(dctx)
	}()

	jobs := crawler.NewManager(crawler.Options{
		StartupDelay: cfg.CrawlStartupDelay,
		Duration:     cfg.CrawlDuration,
		FetchTimeout: cfg.CrawlFetchTimeout,
	})
	defer jobs.Close()

	limiter := ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	log.Info().Str("addr", srv.Addr().String()).Str("version", api.Version).Msg("starting show-up-api")
	return srv.Run(ctx, api.New(store, jobs, limiter))
}

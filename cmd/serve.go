package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/mediagate/internal/api"
	"github.com/NamanBalaji/mediagate/internal/assets"
	"github.com/NamanBalaji/mediagate/internal/config"
	"github.com/NamanBalaji/mediagate/internal/engine"
	"github.com/NamanBalaji/mediagate/internal/events"
	"github.com/NamanBalaji/mediagate/internal/gateway"
	"github.com/NamanBalaji/mediagate/internal/logger"
	"github.com/NamanBalaji/mediagate/internal/proxy"
	"github.com/NamanBalaji/mediagate/internal/repository"
	"github.com/NamanBalaji/mediagate/internal/stream"
	"github.com/NamanBalaji/mediagate/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	repo, err := repository.NewBoltDBRepository(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open download database: %w", err)
	}
	defer repo.Close()

	hub := events.NewHub()
	defer hub.Close()

	coord, err := engine.New(&engine.Config{
		DownloadDir:  cfg.DownloadDir,
		SaveInterval: cfg.ProgressSaveInterval,
	}, repo, hub)
	if err != nil {
		return err
	}

	session := transfer.NewSession(&transfer.Config{
		UserAgent:     cfg.UserAgent,
		MaxConcurrent: cfg.MaxConcurrentDownloads,
		StallTimeout:  cfg.StallTimeout,
	}, coord)
	defer session.Close()

	if err := coord.Start(session); err != nil {
		return fmt.Errorf("failed to start download coordinator: %w", err)
	}

	dispatcher := api.NewDispatcher()
	dispatcher.Register(engine.SourceName, engine.NewDataSource(coord, session))

	fetcherCfg := proxy.DefaultConfig()
	fetcherCfg.Scheme = cfg.Scheme

	opts := gateway.Options{
		Listen:      cfg.Listen,
		Streamer:    stream.NewStreamer(),
		Fetcher:     proxy.NewFetcher(fetcherCfg),
		Dispatcher:  dispatcher,
		Events:      coord,
		EventBuffer: cfg.EventBuffer,
	}
	if cfg.StaticURL != "" {
		store, err := assets.Open(ctx, cfg.StaticURL)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Assets = store
	}

	srv := gateway.NewServer(opts)
	if err := srv.Listen(); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Infof("Received interrupt signal, shutting down...")
	case serveErr = <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr == nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	} else {
		errs = append(errs, serveErr)
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("error during coordinator shutdown: %w", err))
	}

	logger.Infof("Shutdown complete.")
	return errors.Join(errs...)
}

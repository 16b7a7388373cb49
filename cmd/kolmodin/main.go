package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"kolmodin/internal/config"
	"kolmodin/internal/content"
	"kolmodin/internal/gateway"
	"kolmodin/internal/limits"
	"kolmodin/internal/lobby"
	"kolmodin/internal/monitoring"
	"kolmodin/internal/twitch"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(nil)
	if err != nil {
		// Logger config may itself be broken, so fall back to defaults.
		logger := monitoring.NewLogger(monitoring.LoggerConfig{})
		logger.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting")

	store, err := content.Load(cfg.Content.Source, logger)
	if err != nil {
		logger.Error().Err(err).Str("source", cfg.Content.Source).Msg("Failed to load content")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the content pack without a restart. Lobbies
	// already running keep the packs they started with.
	if cfg.Content.Source != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := store.Reload(); err != nil {
					logger.Error().Err(err).Msg("Content reload failed")
					continue
				}
				logger.Info().Str("source", cfg.Content.Source).Msg("Content reloaded")
			}
		}()
	}

	// Initial token fetch is synchronous: bad Twitch credentials should
	// fail startup, not surface later as every lobby's auth error.
	tokens, err := twitch.NewTokenProvider(ctx, twitch.TokenProviderConfig{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to obtain Twitch token")
		return err
	}

	svc := twitch.NewService(tokens, logger)

	manager := lobby.NewManager(lobby.ManagerConfig{
		EnabledGames:  cfg.Games.Enabled,
		DefaultGame:   cfg.Games.Default,
		Content:       store,
		YouTubeAPIKey: cfg.YouTube.APIKey,
	}, svc, logger)

	monitor := monitoring.NewSystemMonitor(logger, cfg.CPURejectThreshold, cfg.MemoryLimit, cfg.MaxGoroutines)
	monitor.Start(cfg.MetricsInterval)

	guard := limits.NewResourceGuard(monitor, cfg.MaxConnections, cfg.MaxGoroutines, cfg.CPURejectThreshold, cfg.MemoryLimit, logger)

	srv := gateway.New(cfg, manager, guard, monitor, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting first, then retire lobbies, then the IRC layer
		// they depend on. The monitor goes last so shutdown still logs
		// resource state.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Gateway shutdown failed")
		}
		manager.Shutdown()
		svc.Shutdown()
		tokens.Stop()
		monitor.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calmirror/internal/auth"
	"github.com/macjediwizard/calmirror/internal/hydrate"
	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/macjediwizard/calmirror/internal/scheduler"
	"github.com/macjediwizard/calmirror/internal/status"
	"github.com/macjediwizard/calmirror/internal/validator"
	"github.com/macjediwizard/calmirror/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	readTimeout      = 10 * time.Second
	writeTimeout     = 2 * time.Minute // manual sync waits for the attempt
	idleTimeout      = 120 * time.Second
	shutdownTimeout  = 30 * time.Second
	authPollInterval = time.Minute
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background sync and the local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := c.cfg
	logger := c.logger
	logger.Info("starting calmirror", "provider", cfg.Remote.Provider, "environment", cfg.Environment)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	notifyCfg := notify.Config{WebhookURL: cfg.Webhook.URL, Cooldown: cfg.Webhook.Cooldown}
	if err := notify.ValidateConfig(notifyCfg, validator.New()); err != nil {
		return fmt.Errorf("invalid alert configuration: %w", err)
	}

	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing storage", "error", err)
		}
	}()

	if err := c.seedGoogleSources(a.store); err != nil {
		return fmt.Errorf("failed to add configured calendars: %w", err)
	}

	// Serve whatever is stored locally before the first sync completes.
	hydrator := hydrate.New(a.store, logger)
	if _, err := hydrator.Rebuild(); err != nil {
		return fmt.Errorf("failed to load local calendar: %w", err)
	}

	publisher := status.New()
	broker := auth.NewBroker(a.authn, logger)
	sched := scheduler.New(a.engine, hydrator, publisher, broker.Subscribe(), scheduler.Options{
		GuardBand:    cfg.Sync.GuardBand,
		MaxBackoff:   cfg.Sync.MaxBackoff,
		LogRetention: cfg.LogRetention(),
		Logger:       logger,
	})

	handlers := web.NewHandlers(a.store, a.engine, sched, hydrator, publisher, logger)
	router := web.NewRouter(handlers, web.RouteConfig{
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(cfg.SyncInterval(), cfg.Sync.Enabled); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		broker.Watch(gctx, authPollInterval)
		return nil
	})

	notifier := notify.New(notifyCfg, logger)
	if notifier.IsEnabled() {
		updates, cancel := publisher.Subscribe()
		g.Go(func() error {
			defer cancel()
			notifier.Run(gctx, updates)
			return nil
		})
		logger.Info("alert notifications enabled", "cooldown", cfg.Webhook.Cooldown)
	}

	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

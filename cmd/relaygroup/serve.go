package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaygroup/internal/command"
	"github.com/agentworkforce/relaygroup/internal/config"
	"github.com/agentworkforce/relaygroup/internal/credstore"
	"github.com/agentworkforce/relaygroup/internal/httpapi"
	"github.com/agentworkforce/relaygroup/internal/logging"
	"github.com/agentworkforce/relaygroup/internal/session"
	"github.com/agentworkforce/relaygroup/internal/store"
	"github.com/agentworkforce/relaygroup/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session supervisor and HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.DatabaseDSN == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.StoreDSN(), store.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()
	recorder := store.NewRecorder(st, cfg.OutcomeQueue, logger)
	defer recorder.Close()

	creds, err := credstore.New(cfg.CredentialsDir, logger)
	if err != nil {
		return err
	}
	gateway, err := transport.NewGateway(transport.GatewayOptions{
		URL:    cfg.GatewayURL,
		Token:  cfg.GatewayToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	supervisor := session.NewSupervisor(session.Options{
		Transport:              gateway,
		Credentials:            creds,
		Recorder:               recorder,
		Logger:                 logger,
		ReconnectInterval:      cfg.ReconnectInterval,
		ReconnectMaxInterval:   cfg.ReconnectMaxInterval,
		MaxReconnectAttempts:   cfg.MaxReconnectAttempts,
		PairingRefreshInterval: cfg.PairingRefreshInterval,
		ProbeTimeout:           cfg.ProbeTimeout,
		RepairDelay:            cfg.RepairDelay,
	})
	defer func() {
		if err := supervisor.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
			logger.Warn("supervisor close failed", "error", err)
		}
	}()

	ref := &session.DestinationRef{}
	reconciler := &session.Reconciler{
		Loader:   st,
		Ref:      ref,
		Interval: cfg.ReconcileInterval,
		Jitter:   session.DefaultReconcileJitter,
		Logger:   logger,
	}
	if _, err := reconciler.Tick(ctx); err != nil {
		logger.Warn("initial destination load failed, continuing unconfigured", "error", err)
	}
	janitor := &store.Janitor{
		Store:    st,
		Interval: cfg.PurgeInterval,
		Horizon:  cfg.Retention,
		Logger:   logger,
	}

	go reconciler.Run(ctx)
	go janitor.Run(ctx)
	go func() {
		if err := creds.Watch(ctx, supervisor.HandleCredentialsRemoved); err != nil {
			logger.Warn("credential watch stopped", "error", err)
		}
	}()
	if err := supervisor.Start(); err != nil {
		return err
	}

	service := command.NewService(command.Options{
		Supervisor: supervisor,
		Store:      st,
		Messenger:  gateway,
		Ref:        ref,
		Logger:     logger,
	})
	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(service, httpapi.ServerConfig{
			SecretKey:       cfg.SecretKey,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relaygroup listening", "addr", cfg.Addr, "store", storeKind(cfg), "gateway", cfg.GatewayURL)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// storeKind names the backend without leaking DSN credentials into logs.
func storeKind(cfg config.Config) string {
	if u, err := url.Parse(cfg.DatabaseDSN); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "sqlite"
}

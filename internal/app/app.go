// Package app assembles the entitlement engine from configuration and runs
// the HTTP server with its background sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/unipanel/entitlements/internal/api"
	"github.com/unipanel/entitlements/internal/config"
	"github.com/unipanel/entitlements/internal/gate"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/lock"
	"github.com/unipanel/entitlements/internal/reconciler"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Catalog    *catalog.Catalog
	Store      *store.SQLiteStore
	Locker     lock.Locker
	Gateway    gateway.Gateway
	Service    *lifecycle.Service
	Gate       *gate.Gate
	Reconciler *reconciler.Reconciler
	Sweeper    *lifecycle.Sweeper

	closers []func() error
}

// gateInvalidator forwards lifecycle invalidations to the gate, which is
// built after the service it reads from.
type gateInvalidator struct {
	gate *gate.Gate
}

func (i *gateInvalidator) Invalidate(tenantID string) {
	if i.gate != nil {
		i.gate.Invalidate(tenantID)
	}
}

func (i *gateInvalidator) Purge() {
	if i.gate != nil {
		i.gate.Purge()
	}
}

// Build opens storage and wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	cat := catalog.Default()
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}
	a := &App{Config: cfg, Catalog: cat, Store: st}
	a.closers = append(a.closers, st.Close)

	if cfg.RedisURL != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisURL, lock.RedisConfig{})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis lock: %w", err)
		}
		a.Locker = rl
		a.closers = append(a.closers, rl.Close)
		log.Info().Msg("Distributed tenant lock enabled (redis)")
	} else {
		a.Locker = lock.NewLocal()
		log.Info().Msg("Tenant lock is in-process (set ENT_REDIS_URL for multi-instance deployments)")
	}

	switch cfg.Gateway {
	case config.GatewayToken:
		a.Gateway = gateway.NewToken(gateway.TokenConfig{Secret: cfg.CallbackToken, PaymentURL: cfg.PaymentURL})
	default:
		a.Gateway = gateway.NewStripe(gateway.StripeConfig{APIKey: cfg.StripeAPIKey, WebhookSecret: cfg.StripeWebhook})
	}

	inv := &gateInvalidator{}
	a.Service, err = lifecycle.New(lifecycle.Config{
		Catalog:     cat,
		Store:       st,
		Locker:      a.Locker,
		Gateway:     a.Gateway,
		Invalidator: inv,
		CallbackURL: cfg.CallbackURL(),
		SuccessURL:  cfg.BaseURL + "/billing/success",
		CancelURL:   cfg.BaseURL + "/billing/cancel",
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Gate = gate.New(cat, a.Service, gate.WithCache(gate.DefaultCacheSize, cfg.SnapshotCacheTTL))
	inv.gate = a.Gate

	a.Reconciler = reconciler.New(st, a.Locker, a.Gate)
	a.Sweeper = lifecycle.NewSweeper(st, cfg.PendingTimeout, a.Gate)
	return a, nil
}

// Handler returns the HTTP handler of the engine.
func (a *App) Handler(version string) (http.Handler, error) {
	allowed, err := reconciler.ParseAllowlist(a.Config.CallbackAllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("ENT_CALLBACK_ALLOWED_IPS: %w", err)
	}
	webhook := reconciler.NewWebhookHandler(a.Gateway, a.Reconciler, reconciler.WithAllowedSources(allowed))
	return api.NewHandler(&api.Deps{
		Service:    a.Service,
		Gate:       a.Gate,
		Reconciler: a.Reconciler,
		Webhook:    webhook,
		Storage:    a.Store,
		Counter:    a.Store,
		APIKey:     a.Config.APIKey,
		Version:    version,
	}), nil
}

// Serve runs the HTTP server and the cron sweeper until ctx is cancelled or
// the process receives SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context, version string) error {
	handler, err := a.Handler(version)
	if err != nil {
		return err
	}
	if a.Config.APIKey == "" {
		log.Warn().Msg("ENT_API_KEY is not set; tenant API routes are unauthenticated")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := cron.New()
	if _, err := a.Sweeper.Schedule(ctx, scheduler, a.Config.SweepSchedule); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	srv := &http.Server{
		Addr:              a.Config.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("gateway", a.Gateway.Name()).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Entitlement service stopped")
	return nil
}

// Close releases storage and lock connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

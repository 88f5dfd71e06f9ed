package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/oakmund/strider/internal/app"
	"github.com/oakmund/strider/internal/auth"
	"github.com/oakmund/strider/internal/config"
	"github.com/oakmund/strider/internal/credentials"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/provider"
	"github.com/oakmund/strider/internal/provider/anthropic"
	"github.com/oakmund/strider/internal/provider/gemini"
	"github.com/oakmund/strider/internal/provider/openrouter"
	"github.com/oakmund/strider/internal/provider/vertexai"
	"github.com/oakmund/strider/internal/ratelimit"
	"github.com/oakmund/strider/internal/server"
	"github.com/oakmund/strider/internal/storage/sqlite"
	"github.com/oakmund/strider/internal/telemetry"
	"github.com/oakmund/strider/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting strider", "version", version, "addr", cfg.Server.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := crypto.New(cfg.Crypto.EncryptionKey)
	if err != nil {
		return err
	}
	// Validate guarantees the key decodes; reuse it as the cookie HMAC secret.
	cookieSecret, _ := hex.DecodeString(cfg.Crypto.EncryptionKey)

	oauthMgr, err := oauth.New(store, cipher, cfg.Site.OAuthRedirectURL(), nil)
	if err != nil {
		return err
	}

	// Shared DNS cache for all upstream transports.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	reg.Register(anthropic.New("", resolver))
	reg.Register(gemini.New("", resolver))
	reg.Register(vertexai.New("", resolver))
	reg.Register(openrouter.New("", cfg.Site.SiteURL, "Strider", resolver))

	// Wire services
	authResolver, err := auth.NewResolver(store)
	if err != nil {
		return err
	}
	creds := credentials.NewResolver(store, cipher, oauthMgr)
	limiter := ratelimit.NewRegistry()

	usage := worker.NewUsageRecorder(store)
	proxySvc := app.NewProxyService(reg, creds, store, usage)
	modelSvc, err := app.NewModelService(reg, creds)
	if err != nil {
		return err
	}
	keys := app.NewKeyManager(store, authResolver)

	// Telemetry
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		gatherer = promReg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	// Background workers
	runner := worker.NewRunner(
		usage,
		worker.NewRateLimitSweeper(limiter),
		worker.NewTokenRefresher(oauthMgr),
	)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(ctx)
	}()

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:        authResolver,
		Proxy:       proxySvc,
		Models:      modelSvc,
		Keys:        keys,
		Credentials: store,
		Cipher:      cipher,
		OAuth:       oauthMgr,
		Cookies:     oauth.NewCookieCodec(cookieSecret),
		Session:     &server.HTTPSession{Endpoint: cfg.Site.SessionEndpoint},
		RateLimiter: limiter,
		ReadyCheck:  store.Ping,
		Metrics:     metrics,
		Gatherer:    gatherer,
		CORSOrigins: cfg.Site.CORSOrigins(),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("strider ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers; the usage recorder drains its buffer on the way out.
	cancel()
	if err := <-workerDone; err != nil {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("strider stopped")
	return nil
}

package app

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feastly/possync/internal/api"
	"github.com/feastly/possync/internal/domain/credential"
	"github.com/feastly/possync/internal/ledger"
	"github.com/feastly/possync/internal/posclient"
	"github.com/feastly/possync/internal/reconcile"
	"github.com/feastly/possync/internal/storage/postgres"
	"github.com/feastly/possync/internal/sync"
	"github.com/feastly/possync/internal/webhook"
	"github.com/feastly/possync/pkg/health"
	"github.com/feastly/possync/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the reconciliation
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	key, err := hex.DecodeString(cfg.CredentialKey)
	if err != nil {
		return errors.Wrap(err, "decode credential key")
	}
	cipher, err := postgres.NewSecretCipher(key)
	if err != nil {
		return errors.Wrap(err, "create secret cipher")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	syncLedger := postgres.NewSyncLedgerRepository(pool)
	webhookLedger := postgres.NewWebhookLedgerRepository(pool)
	credStore := credential.NewCachedStore(
		postgres.NewCredentialStore(pool, cipher),
		cfg.POS.CredentialCacheTTL,
	)

	// Sync pipeline.
	posClient := posclient.New(posclient.Config{
		BaseURL: cfg.POS.BaseURL,
		Timeout: cfg.POS.Timeout,
	})
	orchestrator := sync.NewOrchestrator(orderRepo, syncLedger, credStore, posClient)

	// Webhook pipeline. The dedup index is a negative cache in front of the
	// receipt journal, warmed with the most recent event ids.
	dedup := ledger.NewDedupIndex(100_000, 0.001)
	if ids, err := webhookLedger.RecentEventIDs(ctx, cfg.Webhook.DedupSeed); err != nil {
		lg.Warn("Dedup index seeding failed", zap.Error(err))
	} else {
		dedup.Seed(ids)
	}
	reconciler := reconcile.New(orderRepo, orderRepo)
	webhookHandler := webhook.NewHandler(credStore, orderRepo, webhookLedger, dedup, reconciler, cfg.Webhook.QueueSize)

	apiHandler := api.NewHandler(orderRepo, orchestrator)

	// Mux: health endpoints + API + webhook routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	apiHandler.Register(mux)
	webhookHandler.Register(mux)

	instrumented := otelhttp.NewHandler(
		httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
		"possync-api",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           instrumented,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := webhookHandler.RunWorkers(gctx, cfg.Webhook.Workers); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "webhook workers")
		}
		return nil
	})

	// Receipt sweeper: re-applies events acked before a crash or left behind
	// by a shutdown drain timeout.
	g.Go(func() error {
		if err := webhookHandler.RunSweeper(gctx, cfg.Webhook.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "webhook sweeper")
		}
		return nil
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/api"
	"github.com/pixelmint/gatekeeper/pkg/async"
	"github.com/pixelmint/gatekeeper/pkg/cache"
	"github.com/pixelmint/gatekeeper/pkg/config"
	"github.com/pixelmint/gatekeeper/pkg/events"
	"github.com/pixelmint/gatekeeper/pkg/identity"
	"github.com/pixelmint/gatekeeper/pkg/monitor"
	"github.com/pixelmint/gatekeeper/pkg/observability"
	"github.com/pixelmint/gatekeeper/pkg/store"
	"github.com/pixelmint/gatekeeper/pkg/views"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("gatekeeperd exited")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.SetLevel(logrusLevel(cfg.LogLevel))
	logger := observability.NewLogger(observabilityLevel(cfg.LogLevel), os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Source of truth.
	db, err := store.Connect(store.DefaultConnectionConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	log.Info("database connected")

	if err := views.Migrate(ctx, db); err != nil {
		return fmt.Errorf("view migrations: %w", err)
	}
	sot := store.NewStore(db)

	// L2.
	redisCache, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     50,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  cfg.L2Timeout * 5,
		WriteTimeout: cfg.L2Timeout * 5,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisCache.Close()
	log.Info("redis connected")

	// Monitoring.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(registry)
	recorder := monitor.NewRecorder(metrics, logger, monitor.RecorderConfig{})
	go recorder.Run(ctx)
	alerter := monitor.NewAlerter(recorder, metrics, logger, monitor.AlerterConfig{
		SoftLatency:  cfg.SoftLatency,
		HardLatency:  cfg.HardLatency,
		HitRateFloor: cfg.HitRateFloor,
	})

	// Resolution and caching.
	engine := access.NewEngine(sot, access.EngineConfig{
		DecisionTTL:  cfg.DecisionTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	viewLayer := views.NewViews(db, logger, metrics, views.Config{
		RowTTL: cfg.RefreshInterval + cfg.DecisionTTL,
	})

	l1 := cache.NewL1Cache(cfg.L1Size, cfg.L1TTL)
	orch := cache.NewOrchestrator(ctx, l1, redisCache, viewLayer, engine, sot, recorder, logger, cache.OrchestratorConfig{
		L1Size:        cfg.L1Size,
		L1TTL:         cfg.L1TTL,
		L2Timeout:     cfg.L2Timeout,
		L2TTL:         cfg.DecisionTTL,
		L3Timeout:     cfg.L3Timeout,
		BypassTTL:     cfg.BypassTTL,
		SelfCheckRate: cfg.SelfCheckRate,
		Workers:       cfg.Workers,
	})
	defer orch.Close()
	go orch.Sweeper().Run(ctx)

	// Identity.
	var oidcVerifier *identity.OIDCVerifier
	if cfg.OIDCIssuer != "" {
		oidcVerifier, err = identity.NewOIDCVerifier(ctx, identity.OIDCConfig{
			IssuerURL: cfg.OIDCIssuer,
			ClientID:  cfg.OIDCClientID,
		})
		if err != nil {
			return fmt.Errorf("oidc: %w", err)
		}
		log.WithField("issuer", cfg.OIDCIssuer).Info("oidc verification enabled")
	}
	ident := identity.NewResolver(sot, redisCache, oidcVerifier, logger, identity.Config{})

	// Event dispatch and warming.
	dispatcher := events.NewDispatcher(orch, func(ctx context.Context) error {
		return viewLayer.RefreshAll(ctx, redisCache)
	}, logger)

	warmer, err := cache.NewWarmer(cfg.WarmFile, orch, viewLayer, logger, cache.WarmerConfig{})
	if err != nil {
		return fmt.Errorf("warmer: %w", err)
	}
	if err := warmer.Watch(ctx); err != nil {
		return fmt.Errorf("warmer watch: %w", err)
	}

	// First refresh and warm pass run in the background so startup does
	// not wait on a full rebuild.
	async.SafeGo(ctx, 5*time.Minute, "initial-refresh", logger, func(ctx context.Context) error {
		if err := viewLayer.RefreshAll(ctx, redisCache); err != nil {
			return err
		}
		warmer.WarmCycle(ctx)
		return nil
	})

	// Schedules.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.RefreshInterval), func() {
		if err := viewLayer.RefreshAll(ctx, redisCache); err != nil {
			log.WithError(err).Error("scheduled view refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("refresh schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.WarmInterval), func() {
		warmer.WarmCycle(ctx)
	}); err != nil {
		return fmt.Errorf("warm schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.AlertInterval), func() {
		alerter.Evaluate()
		metrics.CacheSize.Set(float64(l1.Len()))
		metrics.SweeperPending.Set(float64(orch.Sweeper().Pending()))
	}); err != nil {
		return fmt.Errorf("alert schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP.
	health := observability.NewHealthChecker(db, redisCache.Client())
	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.HTTPAddr,
		ServiceToken: cfg.ServiceToken,
	}, orch, dispatcher, ident, recorder, alerter, health, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("gatekeeperd listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	cancel()
	recorder.Drain()
	log.Info("gatekeeperd stopped")
	return nil
}

func logrusLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func observabilityLevel(level string) observability.LogLevel {
	switch level {
	case "debug":
		return observability.DebugLevel
	case "warn":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

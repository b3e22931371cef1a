// cmd/server runs the round engine: schedulers for every configured room, the reconciler
// and the HTTP/websocket API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/admission"
	"github.com/jason-s-yu/roundhouse/internal/auth"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/cache"
	"github.com/jason-s-yu/roundhouse/internal/clock"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/jason-s-yu/roundhouse/internal/database"
	"github.com/jason-s-yu/roundhouse/internal/events"
	"github.com/jason-s-yu/roundhouse/internal/handlers"
	"github.com/jason-s-yu/roundhouse/internal/ledger"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/outcome"
	"github.com/jason-s-yu/roundhouse/internal/reconcile"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if cfg.JWTPublicKeyPath != "" {
		err = auth.InitFromPath(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath)
	} else {
		logger.Warn("no JWT keys configured, generating an ephemeral pair")
		err = auth.Init()
	}
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize auth")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	clk := clock.Real{}
	m := metrics.New(prometheus.DefaultRegisterer)

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSettledTopic, cfg.KafkaAlertTopic, logger)
	}
	defer publisher.Close()

	policy := broadcast.DefaultRetryPolicy()
	policy.AckTimeout = cfg.Delivery.AckTimeout
	policy.BaseBackoff = cfg.Delivery.BaseBackoff
	policy.MaxBackoff = cfg.Delivery.MaxBackoff
	policy.MaxAttempts = cfg.Delivery.MaxAttempts
	hub := broadcast.NewHub(
		broadcast.WithPolicy(policy),
		broadcast.WithQueueSize(cfg.Delivery.QueueSize),
		broadcast.WithClock(clk),
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(m),
	)
	defer hub.Close()
	relay := broadcast.NewRedisRelay(rdb, broadcast.DefaultRelayChannel, hub, logger)

	l := ledger.New(st, cfg.Payouts,
		ledger.WithPolicy(ledger.Limits{Min: cfg.MinWager, Max: cfg.MaxWager}),
		ledger.WithClock(clk),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
	)
	gen, err := outcome.NewGenerator(outcome.WithAdvisoryBias(cfg.BiasFactor, cfg.MinimalWager))
	if err != nil {
		return err
	}
	engine := round.NewEngine(st, l, gen, hub,
		round.WithClock(clk),
		round.WithLogger(logger),
		round.WithMetrics(m),
		round.WithPublisher(publisher),
		round.WithRecorder(cache.NewEventLog(rdb, cfg.HistorianQueue)),
	)
	scheduler := round.NewScheduler(engine, cfg.Rooms, cfg.TickInterval,
		round.WithLeases(cache.NewLeases(rdb, ""), cfg.LeaseTTL),
	)
	daemon := reconcile.New(st, engine, cfg.ReconcileInterval, cfg.ReconcileGrace,
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(m),
		reconcile.WithPublisher(publisher),
	)

	limiter := admission.NewRedis(rdb, cfg.Admission, clk, "")
	api := handlers.NewServer(engine, st, limiter, cfg.Rooms,
		handlers.WithLogger(logger),
		handlers.WithMetrics(m),
		handlers.WithReconciler(daemon),
		handlers.WithHeartbeat(cfg.Admission.LeaseTTL/3),
		handlers.WithMessageRate(cfg.Admission.MessageInterval, cfg.Admission.MessageBurst),
		handlers.WithOrigins(cfg.AllowedOrigins),
		handlers.WithHealthChecks(map[string]metrics.HealthFunc{
			"store": st.Ping,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return daemon.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"addr": srv.Addr, "rooms": len(cfg.Rooms)}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore connects the configured store. The memory store keeps nothing across restarts
// and is meant for local development.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return database.NewPostgres(pool), pool.Close, nil
}

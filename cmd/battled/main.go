package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BattleLedger/internal/battle"
	"BattleLedger/internal/config"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/content"
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/projection"
	"BattleLedger/internal/query"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/server"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/sweeper"
	"BattleLedger/internal/vote"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	observability.Configure(cfg.Logging())
	log := observability.NewLogger("battled")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("battled stopped")
	}
	log.Info().Msg("battled shutdown complete")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Redis ---
	store, err := kv.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()
	healthChecker.AddCheck("redis", store.Ping)
	log.Info().Msg("Redis connected")

	// --- Postgres (audit log and projections) ---
	var db *sql.DB
	if cfg.PostgresURL != "" {
		if db, err = openPostgres(ctx, cfg, log); err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		log.Warn().Msg("BATTLE_POSTGRES_URL not set, audit log and history disabled")
	}

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		log.Info().Msg("NATS connected")
	} else {
		log.Warn().Msg("BATTLE_NATS_URL not set, events are not published")
	}

	// --- Channels ---
	// The audit channel blocks (backpressure); projection and publish drop.
	var persistChan, projectionChan, publishChan chan event.EventEnvelope
	if db != nil {
		persistChan = make(chan event.EventEnvelope, cfg.PersistChanSize)
		projectionChan = make(chan event.EventEnvelope, cfg.ProjectionChanSize)
	}
	if js != nil {
		publishChan = make(chan event.EventEnvelope, cfg.PublishChanSize)
	}
	events := event.NewFanout(persistChan, projectionChan, publishChan, observability.NewLogger("events"), metrics)

	// --- Domain ---
	locks := lock.NewManager(store, observability.NewLogger("lock"), metrics)
	battles := battle.NewStore(store, locks, cfg.LockTTLs(), observability.NewLogger("battle"), metrics)
	votes := vote.NewLedger(store, battles, time.Now, observability.NewLogger("vote"), metrics)
	gateway := payment.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.RequestTimeout, metrics)
	points := core.NewPointsLedger(store)

	settleCfg := cfg.Settlement()
	settleLog := observability.NewLogger("settlement")
	refunder := settlement.NewRefunder(store, battles, votes, gateway, settleCfg.ClaimTTL, events, time.Now, settleLog, metrics)
	engine := settlement.NewEngine(store, battles, votes, refunder, gateway, points, events, settleCfg, time.Now, settleLog, metrics)

	table := ratelimit.DefaultTable()
	if cfg.RateLimitFile != "" {
		if table, err = ratelimit.LoadTable(cfg.RateLimitFile); err != nil {
			return err
		}
		log.Info().Str("file", cfg.RateLimitFile).Msg("rate limit table loaded")
	}
	limiter := ratelimit.NewLimiter(store, table, time.Now, metrics)

	confirmLog := observability.NewLogger("confirm")
	tracker := confirm.NewTracker(store, locks, cfg.Tracker(), time.Now, confirmLog, metrics)
	reconciler := confirm.NewReconciler(tracker, gateway, cfg.ReconcileQPS, cfg.ReconcileMinAge, cfg.SweepBatch, confirmLog)

	svc := core.NewService(core.Deps{
		Battles:  battles,
		Votes:    votes,
		Engine:   engine,
		Refunder: refunder,
		Tracker:  tracker,
		Limiter:  limiter,
		Gateway:  gateway,
		Content:  content.NewHTTPValidator(cfg.ContentURL, cfg.RequestTimeout, metrics),
		Rewards:  points,
		Notifier: core.EventNotifier{Sink: events, Now: time.Now},
		Events:   events,
	}, cfg.Service(), time.Now, observability.NewLogger("core"), metrics)

	// --- Background workers ---
	// Workers drain their channels after the request side has stopped, so
	// they run under their own group.
	workers, workerCtx := errgroup.WithContext(context.Background())
	if db != nil {
		audit := persistence.NewAuditWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
			observability.NewLogger("audit"), metrics)
		workers.Go(func() error { return audit.Run(workerCtx) })

		proj := projection.NewProjectionWorker(db, projectionChan, observability.NewLogger("projection"), metrics)
		workers.Go(func() error { return proj.Run(workerCtx) })
	}
	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
		workers.Go(func() error { return publisher.Run(workerCtx) })
	}

	// --- Servers ---
	httpDeps := server.HTTPDeps{
		API:           svc,
		WebhookSecret: cfg.WebhookSecret,
		Auth:          server.NewAdminAuth(cfg.AdminJWTSecret, cfg.AdminIssuer, observability.NewLogger("auth")),
		Limiter:       limiter,
		Health:        healthChecker,
		Log:           observability.NewLogger("http"),
		Metrics:       metrics,
	}
	if db != nil {
		httpDeps.History = query.NewQueryService(db)
	}
	if js != nil {
		httpDeps.Relay = js
	}
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, httpDeps)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker, observability.NewLogger("grpc"))
	runner := sweeper.NewRunner(svc, svc, reconciler, cfg.Intervals(), cfg.SweepBatch, observability.NewLogger("sweeper"), metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx, 5*time.Second) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, log) })

	var subscriber *ingestion.PaymentSubscriber
	if js != nil {
		subscriber = ingestion.NewPaymentSubscriber(js, svc, cfg.PaymentConsumerSize, observability.NewLogger("payments"))
		if err := subscriber.Subscribe(gctx); err != nil {
			stop()
			g.Wait()
			return err
		}
		g.Go(func() error { return subscriber.Run(gctx) })
	}

	healthChecker.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("audit", db != nil).
		Bool("nats", js != nil).
		Msg("battled ready")

	// --- Graceful shutdown ---
	// Stop taking requests, then close the event channels so the workers
	// flush what is buffered.
	runErr := g.Wait()
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	log.Info().Msg("request side stopped, draining workers")

	closeChan(persistChan)
	closeChan(projectionChan)
	closeChan(publishChan)

	drained := make(chan error, 1)
	go func() { drained <- workers.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			log.Error().Err(err).Msg("worker drain failed")
		}
	case <-time.After(30 * time.Second):
		log.Error().Msg("workers did not drain within 30s")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openPostgres(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	n, err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", n).Msg("migrations applied")
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func closeChan(ch chan event.EventEnvelope) {
	if ch != nil {
		close(ch)
	}
}

// Package stratengine wires the strategy engine service: stores, feeds,
// dispatch, observers and the control API.
package stratengine

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"strategy-engine/config"
	"strategy-engine/internal/api"
	"strategy-engine/internal/execution"
	"strategy-engine/internal/feed"
	"strategy-engine/internal/gateway"
	"strategy-engine/internal/metrics"
	"strategy-engine/internal/model"
	"strategy-engine/internal/notification"
	"strategy-engine/internal/persist"
	redisstore "strategy-engine/internal/store/redis"
	sqlitestore "strategy-engine/internal/store/sqlite"
	"strategy-engine/internal/strategy"
)

// Service is the top-level orchestrator. It owns every connection and goroutine.
type Service struct {
	cfg    *config.Config
	log    *zap.Logger
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	rdb       *goredis.Client
	breaker   *redisstore.CircuitBreaker
	barStream *redisstore.BarStream
	sqlWriter *sqlitestore.Writer
	sqlReader *sqlitestore.Reader
	journal   *execution.Journal
	paper     *execution.PaperExecutor
	nc        *nats.Conn

	store      *persist.Chain
	persister  *persist.Persister
	periodic   *persist.Periodic
	dispatcher *notification.Dispatcher
	hub        *gateway.Hub
	backfill   *feed.Backfill
	engine     *strategy.Engine
	router     *feed.Router
}

// New connects the stores and builds every component. Nothing runs until Run.
func New(cfg *config.Config, log *zap.Logger) (*Service, error) {
	svc := &Service{
		cfg:    cfg,
		log:    log,
		prom:   metrics.NewMetrics(),
		health: metrics.NewHealthStatus(cfg.RedisEnabled, cfg.SQLitePath != ""),
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := svc.openStores(); err != nil {
		svc.closeStores()
		return nil, err
	}
	if err := svc.build(); err != nil {
		svc.closeStores()
		return nil, err
	}
	return svc, nil
}

func (svc *Service) openStores() error {
	cfg := svc.cfg

	// ---- Redis ----
	if cfg.RedisEnabled {
		rdb, err := redisstore.Connect(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, svc.log)
		if err != nil {
			return err
		}
		svc.rdb = rdb
		svc.breaker = redisstore.NewCircuitBreaker(5, 10*time.Second)
		svc.breaker.OnStateChange = func(from, to redisstore.State) {
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
			svc.log.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
		}
		svc.barStream = redisstore.NewBarStream(rdb, cfg.RedisStreamMaxLen, true, svc.log)
	}

	// ---- SQLite ----
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, svc.log)
		if err != nil {
			return err
		}
		svc.sqlWriter = w
		r, err := sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			return err
		}
		svc.sqlReader = r

		if cfg.JournalEnabled {
			j, err := execution.NewJournal(cfg.SQLitePath, svc.log)
			if err != nil {
				return err
			}
			svc.journal = j
		}
	}
	return nil
}

func (svc *Service) build() error {
	cfg := svc.cfg

	// Snapshot chain: Redis (hot) first, SQLite (durable) second.
	var stores []model.SnapshotStore
	if svc.rdb != nil {
		stores = append(stores, redisstore.NewSnapshotStore(svc.rdb, svc.breaker, svc.log))
	}
	if svc.sqlWriter != nil {
		stores = append(stores, sqlitestore.NewSnapshotStore(svc.sqlWriter, svc.sqlReader, svc.log))
	}
	if len(stores) == 0 {
		svc.log.Warn("no snapshot store configured; strategy state will not survive a restart")
	}
	svc.store = persist.NewChain(svc.log, stores...)
	svc.persister = persist.NewPersister(svc.store, cfg.SnapshotTimeout, svc.prom, svc.log)

	// Action sinks.
	sinks := []model.ActionSink{
		notification.NewLogSink(svc.log),
		notification.NewWebhookSink(cfg.WebhookFallbackURL, cfg.DispatchTimeout, svc.log),
	}
	if cfg.TelegramToken != "" {
		sinks = append(sinks, notification.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if svc.journal != nil {
		sinks = append(sinks, svc.journal)
	}
	if cfg.PaperTrading {
		svc.paper = execution.NewPaperExecutor(cfg.PaperSlippageBps, svc.log)
		sinks = append(sinks, svc.paper)
	}
	svc.dispatcher = notification.NewDispatcher(cfg.DispatchQueue, cfg.DispatchWorkers,
		cfg.DispatchTimeout, svc.prom, svc.log, sinks...)

	// Observers.
	var relay gateway.Publisher
	if svc.rdb != nil && cfg.RedisRelay {
		relay = redisstore.NewPublisher(svc.rdb)
	}
	svc.hub = gateway.NewHub(cfg.ObserverQueue, relay, svc.prom, svc.log)

	// Backfill: Redis stream first, SQLite archive second.
	var sources []model.Backfiller
	if svc.barStream != nil {
		sources = append(sources, svc.barStream)
	}
	if svc.sqlReader != nil {
		sources = append(sources, svc.sqlReader)
	}
	svc.backfill = feed.NewBackfill(cfg.BackfillTimeout, svc.prom, svc.log, sources...)

	svc.engine = strategy.NewEngine(svc.log,
		strategy.WithDispatcher(svc.dispatcher),
		strategy.WithPersister(svc.persister),
		strategy.WithMetrics(svc.prom),
		strategy.WithObserver(svc.hub),
		strategy.WithBackfill(svc.backfill),
	)
	svc.backfill.Bind(svc.engine)

	periodic, err := persist.NewPeriodic(cfg.SnapshotSchedule, svc.engine.Snapshots, svc.persister, svc.log)
	if err != nil {
		return err
	}
	svc.periodic = periodic

	svc.router = feed.NewRouter(svc.engine, svc.prom, svc.health, svc.log)
	return nil
}

// Engine exposes the registry, mainly for tests and tooling.
func (svc *Service) Engine() *strategy.Engine { return svc.engine }

// Handler builds the HTTP surface.
func (svc *Service) Handler() http.Handler {
	deps := api.Deps{
		Engine:     svc.engine,
		Replay:     svc.hub,
		WS:         svc.hub.ServeWS,
		Health:     svc.health,
		TOTPSecret: svc.cfg.ManualTOTPSecret,
		Log:        svc.log,
	}
	if svc.journal != nil {
		deps.Actions = svc.journal
	}
	if svc.paper != nil {
		deps.Paper = svc.paper
	}
	return api.NewRouter(deps)
}

// Run starts all subsystems and blocks until ctx is cancelled, then shuts down
// in order: feeds, backfill, final snapshot flush, action drain, stores.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	start := time.Now()
	svc.log.Info("starting strategy engine")

	// Workers stop after the feeds.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	go svc.dispatcher.Run(workCtx, cfg.DrainTimeout)
	go svc.persister.Run(workCtx, cfg.DrainTimeout)
	go svc.hub.Run(workCtx)

	// ---- Restore, then reconcile the seed file ----
	restored, err := persist.Restore(ctx, svc.store, svc.engine, svc.log)
	if err != nil {
		svc.log.Error("snapshot restore failed; starting empty", zap.Error(err))
	}
	var seeds []model.StrategyConfig
	if cfg.StrategiesFile != "" {
		if seeds, err = config.LoadStrategies(cfg.StrategiesFile); err != nil {
			return err
		}
	}
	res := Reconcile(svc.engine, seeds, svc.log)
	svc.log.Info("strategies loaded", zap.Int("restored", restored),
		zap.Int("added", res.Added), zap.Int("updated", res.Updated), zap.Int("failed", res.Failed))
	svc.publishCount()

	var wg sync.WaitGroup
	feedCtx, stopFeeds := context.WithCancel(ctx)
	defer stopFeeds()

	// ---- Archives ----
	if svc.sqlWriter != nil {
		ch := make(chan model.Bar, 5000)
		svc.router.AddArchive(ch)
		wg.Add(1)
		go func() { defer wg.Done(); svc.sqlWriter.Run(feedCtx, ch) }()
	}
	if svc.barStream != nil && cfg.RedisArchive {
		ch := make(chan model.Bar, 5000)
		svc.router.AddArchive(ch)
		wg.Add(1)
		go func() { defer wg.Done(); svc.barStream.Run(feedCtx, ch) }()
	}

	// ---- Feeds ----
	if err := svc.startFeeds(feedCtx, &wg); err != nil {
		stopFeeds()
		wg.Wait()
		return err
	}

	// ---- Strategy file watcher ----
	if cfg.WatchStrategies && cfg.StrategiesFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.WatchStrategies(feedCtx, cfg.StrategiesFile, svc.log, func(cfgs []model.StrategyConfig) {
				r := Reconcile(svc.engine, cfgs, svc.log)
				svc.log.Info("strategies file reloaded",
					zap.Int("added", r.Added), zap.Int("updated", r.Updated), zap.Int("failed", r.Failed))
				svc.publishCount()
			})
			if err != nil {
				svc.log.Error("strategies watcher stopped", zap.Error(err))
			}
		}()
	}

	// ---- Background ----
	svc.periodic.Start()
	svc.health.StartLivenessChecker(feedCtx, svc.rdb, svc.sqlDB(), 10*time.Second)
	svc.hub.StartStatsBroadcast(feedCtx, start, 5*time.Second, svc.engine.Len)
	go svc.countLoop(feedCtx)

	// ---- HTTP ----
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		svc.log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.log.Error("http server error", zap.Error(err))
		}
	}()
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health, svc.log)
		metricsSrv.Start()
	}

	svc.log.Info("all systems running", zap.Int("strategies", svc.engine.Len()))
	<-ctx.Done()

	// ---- Graceful shutdown ----
	svc.log.Info("shutdown signal received")
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutCtx)
	if metricsSrv != nil {
		metricsSrv.Stop(shutCtx)
	}
	stopFeeds()
	wg.Wait()
	svc.backfill.Close()

	svc.periodic.Stop()
	svc.persister.ScheduleAll(svc.engine.Snapshots())
	stopWork()
	for _, done := range []<-chan struct{}{svc.dispatcher.Done(), svc.persister.Done()} {
		select {
		case <-done:
		case <-shutCtx.Done():
			svc.log.Warn("shutdown timed out waiting for workers")
		}
	}

	svc.closeStores()
	svc.log.Info("shutdown complete")
	return nil
}

func (svc *Service) startFeeds(ctx context.Context, wg *sync.WaitGroup) error {
	cfg := svc.cfg
	if svc.rdb != nil && cfg.RedisFeedEnabled() {
		sub := redisstore.NewSubscriber(svc.rdb, cfg.ConsumerGroup, cfg.ConsumerName, svc.log)
		sub.OnReject = func(err error) { svc.router.Reject("redis", err) }
		src := feed.NewRedisSource(sub, cfg.RedisFeedMode, cfg.RedisBarPattern, svc.engine.Keys, svc.router, svc.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				svc.log.Error("redis feed stopped", zap.Error(err))
			}
		}()
	}

	if cfg.NATSURL != "" {
		nc, err := feed.ConnectNATS(cfg.NATSURL, svc.log, svc.health.SetNATSConnected)
		if err != nil {
			return err
		}
		svc.nc = nc
		src := feed.NewNATSSource(nc, cfg.NATSSubject, svc.router, svc.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				svc.log.Error("nats feed stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// countLoop keeps the strategy gauges current.
func (svc *Service) countLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.publishCount()
		}
	}
}

func (svc *Service) publishCount() {
	n := svc.engine.Len()
	svc.prom.SetStrategies(n)
	svc.health.SetStrategies(n)
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}

// closeStores closes every open connection. Safe on a partially built service.
func (svc *Service) closeStores() {
	if svc.nc != nil {
		svc.nc.Close()
	}
	if svc.journal != nil {
		svc.journal.Close()
	}
	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.rdb != nil {
		svc.rdb.Close()
	}
}

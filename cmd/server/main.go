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
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/api"
	"github.com/playmatatu/arbiter/internal/api/handlers"
	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/database"
	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/engine/scorerace"
	"github.com/playmatatu/arbiter/internal/escrow"
	"github.com/playmatatu/arbiter/internal/events"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/logging"
	"github.com/playmatatu/arbiter/internal/migrations"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/reconcile"
	"github.com/playmatatu/arbiter/internal/reconnect"
	"github.com/playmatatu/arbiter/internal/redis"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/schedule"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/playmatatu/arbiter/internal/store/postgres"
	"github.com/playmatatu/arbiter/internal/trust"
	"github.com/playmatatu/arbiter/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalw("server exited", "error", err)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *goredis.Client
	if cfg.QueueBackend == "redis" || cfg.EventsBackend == "redis" {
		if rdb, err = redis.Connect(ctx, cfg.RedisURL); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		log.Infow("redis connected", "url", cfg.RedisURL)
	}

	bus, err := openEvents(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	var queue game.Queue = game.NewMemoryQueue()
	if cfg.QueueBackend == "redis" {
		queue = game.NewRedisQueue(rdb)
	}

	tiers, err := settlement.ParseTiers(cfg.RakeTiers)
	if err != nil {
		return fmt.Errorf("RAKE_TIERS: %w", err)
	}
	perGame, err := reconnect.ParsePerGame(cfg.TrustStrictGames)
	if err != nil {
		return fmt.Errorf("TRUST_STRICT_GAMES: %w", err)
	}

	gate := reconcile.NewGate(st)
	ledger := accounts.New(st, accounts.Config{
		Salt:            cfg.IntegritySalt,
		StartingBalance: cfg.StartingBalance,
		Retry:           retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBase(), MaxDelay: cfg.RetryMax()},
	}, gate, log)
	esc := escrow.NewManager(ledger, log)
	settle := settlement.NewEngine(ledger, esc, tiers, log)
	tracker := trust.NewTracker(st, log)
	rec := reconnect.NewManager(schedule.Real{}, cfg.ReconnectGrace(), tracker, reconnect.Penalties{
		Neutral:        cfg.TrustNeutralPenalty,
		Losing:         cfg.TrustLosingPenalty,
		PerGame:        perGame,
		ReconnectBonus: cfg.TrustReconnectBonus,
	}, log)

	engines := engine.NewRegistry()
	engines.Register("scorerace", scorerace.New(10, 120_000))

	if err := bootstrapAccounts(ctx, ledger, cfg); err != nil {
		return err
	}

	guard := fairplay.NewGuard(fairplay.GuardConfig{
		MaxEncounters:   cfg.PairMaxEncounters,
		EncounterWindow: cfg.EncounterWindow(),
		Quarantine:      cfg.Quarantine(),
		SharedAddress:   cfg.PairSharedAddress,
	}, trust.Floor{
		MinToQueue:   cfg.TrustMinToQueue,
		HighStake:    cfg.TrustHighStake,
		MinHighStake: cfg.TrustMinHighStake,
	}, schedule.Real{}, log)
	jitter := fairplay.NewJitter(fairplay.JitterConfig{
		SpikeLatency: cfg.LagSpike(),
		SpikeWindow:  cfg.LagSpikeWindow(),
		FlagSpikes:   cfg.LagSwitchSpikes,
	}, schedule.Real{}, log)

	machine := game.NewMachine(game.Config{
		DefaultStake:     cfg.DefaultStake,
		QueueFallback:    cfg.QueueFallback(),
		ReadyTimeout:     cfg.ReadyTimeout(),
		TickInterval:     cfg.TickInterval(),
		AutoTick:         true,
		BotEnabled:       true,
		LagSwitchPenalty: cfg.LagSwitchPenalty,
		Void: game.VoidPolicy{
			Threshold:  cfg.MassDisconnectThreshold,
			Window:     cfg.MassDisconnectWindow(),
			MinMatches: cfg.MassDisconnectMinMatches,
		},
	}, game.Deps{
		Ledger:      ledger,
		Escrow:      esc,
		Settlement:  settle,
		Reconnect:   rec,
		Trust:       tracker,
		Eligibility: guard,
		Engines:     engines,
		Queue:       queue,
		Events:      bus,
		PairCheck:   guard,
		Classifier:  jitter,
	}, log)

	var lease reconcile.Leaser
	if rdb != nil {
		lease = redis.NewLeaser(rdb)
	}
	worker := reconcile.NewWorker(st, reconcile.Config{
		Interval:      cfg.ReconcileInterval(),
		WarnTolerance: cfg.ReconcileWarnTolerance,
		CriticalAfter: cfg.ReconcileCriticalAfter,
		GapRetention:  cfg.ReconcileGapRetention,
	}, lease, log)

	hub := ws.NewHub(machine, log)
	hub.OnHeartbeat(func(userID string, rtt time.Duration) { jitter.Observe(userID, rtt) })
	if err := hub.Start(ctx, bus); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.Deps{
		Config:     cfg,
		Store:      st,
		Ledger:     ledger,
		Settlement: settle,
		Machine:    machine,
		Reconcile:  worker,
		Engines:    engines,
		Hub:        hub,
		Log:        log,
		Guard:      guard,
		Checks:     readinessChecks(rdb, bus),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return machine.Run(gctx) })
	g.Go(func() error {
		machine.StartMatchmakerWorker(gctx, cfg.MatchmakerPoll())
		return nil
	})
	g.Go(func() error {
		machine.StartIdleWorker(gctx, cfg.OrphanSweep(), cfg.OrphanMaxAge())
		return nil
	})
	g.Go(func() error { return worker.Run(gctx) })

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store; balances are lost on restart")
		return memory.New(), nil
	}

	if cfg.MigrateOnStart {
		log.Infow("running migrations", "dir", cfg.MigrationsDir)
		if err := migrations.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir, log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpen:     25,
		MaxIdle:     5,
		MaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info("database connected")
	return postgres.New(db), nil
}

func openEvents(cfg *config.Config, rdb *goredis.Client, log *zap.SugaredLogger) (events.Bus, error) {
	switch cfg.EventsBackend {
	case "redis":
		return events.NewRedis(rdb, log), nil
	case "nats":
		n, err := events.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return n, nil
	}
	return events.NewMemory(), nil
}

// bootstrapAccounts opens the system accounts. Both calls leave an existing
// account untouched.
func bootstrapAccounts(ctx context.Context, ledger *accounts.Ledger, cfg *config.Config) error {
	if _, err := ledger.InitializeWith(ctx, models.HouseAccountID, decimal.Zero); err != nil {
		return fmt.Errorf("bootstrap house account: %w", err)
	}
	if _, err := ledger.InitializeWith(ctx, models.BotAccountID, cfg.BotBankroll); err != nil {
		return fmt.Errorf("bootstrap bot account: %w", err)
	}
	return nil
}

// readinessChecks adds the optional backends the health route reports on.
func readinessChecks(rdb *goredis.Client, bus events.Bus) map[string]handlers.ReadyCheck {
	checks := make(map[string]handlers.ReadyCheck)
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if n, ok := bus.(*events.NATS); ok {
		checks["nats"] = n.Ping
	}
	return checks
}

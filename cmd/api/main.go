package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-lifecycle/internal/api/http"
	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/approval"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/ids"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	"github.com/spec-kit/ticket-lifecycle/internal/repository/memstore"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	"github.com/spec-kit/ticket-lifecycle/internal/sla"
	"github.com/spec-kit/ticket-lifecycle/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var (
		stores repository.Stores
		tx     repository.TxRunner
	)
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.Pool, persistence.DefaultMigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		stores = repository.NewStores(pg.Pool)
		tx = repository.NewTxRunner(pg.Pool)
	} else {
		store := memstore.New()
		store.SeedCategory(domain.Category{ID: 1, Name: "General", SLAFirstResponseHours: 4, SLAResolutionHours: 24})
		stores = store
		tx = store
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	idGen, err := ids.NewSnowflake(cfg.IDs.NodeID)
	if err != nil {
		logger.Fatal("failed to init id generator", zap.Error(err))
	}

	dispatcher := events.NewInMemoryDispatcher(logger)
	historyLog := history.NewLog(stores.History(), clock)
	machine := lifecycle.NewMachine(lifecycle.Dependencies{
		Tickets:    stores.Tickets(),
		Categories: stores.Categories(),
		Tx:         tx,
		History:    historyLog,
		Dispatcher: dispatcher,
		Clock:      clock,
		IDs:        idGen,
		Logger:     logger,
		Metrics:    metrics,
		Policy: lifecycle.Policy{
			ReopenWindow:           cfg.Lifecycle.ReopenWindow(),
			ReopenResetsResolution: cfg.Lifecycle.ReopenResetsResolutionDeadline,
		},
	})
	approvals := approval.NewCoordinator(machine, logger)

	sweepDeps := sla.SweeperDependencies{
		Tickets:    stores.Tickets(),
		Categories: stores.Categories(),
		History:    historyLog,
		Machine:    machine,
		Clock:      clock,
		Logger:     logger,
		Metrics:    metrics,
	}
	if redis.Enabled() {
		sweepDeps.Locker = sla.NewRedisLocker(redis.Client)
	}
	sweeper := sla.NewSweeper(sweepDeps, sla.SweeperConfig{
		Interval:      cfg.SLA.SweepInterval(),
		BatchSize:     cfg.SLA.SweepBatchSize,
		TicketTimeout: cfg.SLA.TicketTimeout(),
		LockKey:       cfg.SLA.SweepLockKey,
		LockTTL:       cfg.SLA.SweepLockTTL(),
	})
	go sweeper.Run(ctx)

	hub := realtime.NewHub(realtime.HubConfig{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval(),
		StaleTimeout:      cfg.Realtime.StaleTimeout(),
		Buffer:            cfg.Realtime.ConnectionBuffer,
	}, clock, logger, metrics)
	go hub.Run(ctx)
	realtime.NewBridge(hub, clock).Attach(dispatcher)

	publisher := newPublisher(cfg.Notification, logger)
	defer publisher.Close() //nolint:errcheck
	notifier := worker.NewNotificationWorker(publisher, logger, worker.NotificationConfig{})
	notifier.Attach(dispatcher)
	go notifier.Run(ctx)

	ticketService := service.NewTicketService(service.TicketDependencies{
		Tickets:    stores.Tickets(),
		Categories: stores.Categories(),
		Tx:         tx,
		History:    historyLog,
		Machine:    machine,
		Approvals:  approvals,
		Dispatcher: dispatcher,
		Clock:      clock,
		IDs:        idGen,
		Logger:     logger,
	})
	notificationService := service.NewNotificationService(stores.Notifications(), logger)

	var checks []handlers.DependencyCheck
	if pg.Enabled() {
		checks = append(checks, handlers.DependencyCheck{Name: "postgres", Ping: pg.Ping})
	}
	if redis.Enabled() {
		checks = append(checks, handlers.DependencyCheck{Name: "redis", Ping: redis.Ping})
	}

	var presence handlers.PresenceStore
	if redis.Enabled() {
		presence = redis
	}

	validate := handlers.NewValidator()
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:        handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, checks...),
		Tickets:       handlers.NewTicketsHandler(ticketService, validate, clock),
		Notifications: handlers.NewNotificationsHandler(notificationService, validate),
		Realtime: handlers.NewRealtimeHandler(ctx, handlers.RealtimeOptions{
			Hub:         hub,
			Tickets:     ticketService,
			Presence:    presence,
			PresenceTTL: cfg.Realtime.PresenceTTL(),
			Clock:       clock,
			Logger:      logger,
		}),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	// Streams end once the hub context is cancelled.
	cancel()
	_ = app.Shutdown()
}

func newPublisher(cfg config.NotificationConfig, logger *zap.Logger) worker.Publisher {
	if cfg.AMQPURL == "" {
		return worker.NewLogPublisher(logger)
	}
	publisher, err := worker.NewRabbitPublisher(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		logger.Warn("unable to reach notification broker; logging notifications instead", zap.Error(err))
		return worker.NewLogPublisher(logger)
	}
	logger.Info("publishing notifications", zap.String("exchange", cfg.Exchange))
	return publisher
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}

package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/handler"
	"github.com/noah-isme/od-approval-api/internal/middleware"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/realtime"
	"github.com/noah-isme/od-approval-api/internal/repository"
	"github.com/noah-isme/od-approval-api/internal/service"
	"github.com/noah-isme/od-approval-api/pkg/cache"
	"github.com/noah-isme/od-approval-api/pkg/config"
	"github.com/noah-isme/od-approval-api/pkg/database"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/events"
	"github.com/noah-isme/od-approval-api/pkg/jobs"
	"github.com/noah-isme/od-approval-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/od-approval-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/od-approval-api/pkg/middleware/requestid"
	"github.com/noah-isme/od-approval-api/pkg/response"
	"github.com/noah-isme/od-approval-api/pkg/retry"
	"github.com/noah-isme/od-approval-api/pkg/storage"
)

type accountDirectory interface {
	FindByRole(ctx context.Context, role models.UserRole) ([]models.Account, error)
	Upsert(ctx context.Context, account *models.Account) error
}

// stores bundles the two physical stores and whatever must be closed with them.
type stores struct {
	primary   repository.DocumentStore
	secondary repository.LiveStore
	accounts  accountDirectory
	checks    map[string]handler.Pinger
	closers   []func() error
}

type application struct {
	router     *gin.Engine
	logger     *zap.Logger
	hub        *realtime.Hub
	reconciler *service.ReconcileService
	queue      *jobs.Queue
	publisher  events.Publisher
	closers    []func() error
}

func build(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*application, error) {
	metrics := service.NewMetricsService()
	st, err := openStores(ctx, cfg, metrics, logr)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		Attempts:        cfg.Retry.Attempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     8 * cfg.Retry.InitialInterval,
	}

	dual := repository.NewDualWriteStore(st.primary, st.secondary, repository.WithFailureObserver(metrics.RecordDualWriteFailure))
	requests := repository.NewODRequestRepository(dual)
	notifications := repository.NewNotificationRepository(dual)
	activities := repository.NewActivityRepository(dual)

	ledger := service.NewNotificationService(notifications, st.accounts, metrics, logr, service.WithNotificationReadPolicy(policy))

	app := &application{logger: logr, closers: st.closers}

	var dispatcher service.NotificationDispatcher = service.NewInlineDispatcher(ledger)
	if cfg.Notifications.Async {
		queued := service.NewQueueDispatcher(ledger, jobs.QueueConfig{
			Workers:    cfg.Notifications.Workers,
			MaxRetries: cfg.Notifications.Retries,
			RetryDelay: cfg.Notifications.RetryDelay,
		}, logr)
		queued.Queue().Start(context.Background())
		app.queue = queued.Queue()
		dispatcher = queued
	}

	app.publisher = events.NopPublisher{}
	if cfg.Events.Enabled && len(cfg.Events.Brokers) > 0 {
		app.publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, logr)
	}

	docStorage, err := storage.NewLocalStorage(cfg.Documents.StorageDir)
	if err != nil {
		return nil, err
	}
	documents := service.NewDocumentService(docStorage,
		storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL), cfg.APIPrefix)

	validate := validator.New()
	catalog := service.NewEventService(repository.NewEventRepository(st.primary), validate, logr, nil)
	workflow := service.NewWorkflowService(requests, catalog, dispatcher, validate, logr,
		service.WithActivityRecorder(activities),
		service.WithDocumentResolver(documents),
		service.WithEventPublisher(app.publisher),
		service.WithWorkflowMetrics(metrics),
		service.WithWorkflowReadPolicy(policy),
	)
	query := service.NewRequestQueryService(requests, logr, &policy)
	exporter := service.NewExportService(nil, nil, logr)
	identity := service.NewIdentityService(st.accounts, service.IdentityConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}, logr)

	if cfg.Reconcile.Enabled {
		app.reconciler = service.NewReconcileService(requests, ledger, metrics, cfg.Reconcile.Schedule, logr)
		if err := app.reconciler.Start(); err != nil {
			return nil, err
		}
	}

	if cfg.Realtime.Enabled {
		app.hub = realtime.NewHub(ledger, query, logr, realtime.WithAllowedOrigins(cfg.CORS.AllowedOrigins))
	}

	app.router = newRouter(cfg, logr, routes{
		metrics:       handler.NewMetricsHandler(metrics, st.checks),
		metricsSvc:    metrics,
		identity:      identity,
		requests:      handler.NewODRequestHandler(workflow, query, exporter),
		notifications: handler.NewNotificationHandler(ledger),
		events:        handler.NewEventHandler(catalog),
		documents:     handler.NewDocumentHandler(documents),
		realtime:      realtimeHandler(app.hub),
	})
	return app, nil
}

func realtimeHandler(hub *realtime.Hub) *handler.RealtimeHandler {
	if hub == nil {
		return nil
	}
	return handler.NewRealtimeHandler(hub)
}

func openStores(ctx context.Context, cfg *config.Config, metrics *service.MetricsService, logr *zap.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logr.Warn("using in-memory stores; data is lost on restart")
		primary := repository.NewMemoryDocumentStore()
		secondary := repository.NewMemoryLiveStore()
		return &stores{
			primary:   primary,
			secondary: secondary,
			accounts:  repository.NewMemoryAccountRepository(),
			checks:    map[string]handler.Pinger{"primary": primary, "secondary": secondary},
		}, nil
	case config.StoreDriverPostgres, "":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, cfg.Database.MigrationsDir, logr); err != nil {
			return nil, multierr.Append(err, db.Close())
		}
	}

	client, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	primary := repository.NewPostgresDocumentStore(db,
		repository.WithChangeListener(repository.PQListenerFactory(database.DSN(cfg.Database), logr)),
		repository.WithStoreLogger(logr),
	)
	secondary := repository.NewRedisLiveStore(client, cfg.Redis.KeyPrefix, logr)
	return &stores{
		primary:   primary,
		secondary: secondary,
		accounts: repository.NewCachedAccountDirectory(
			repository.NewUserRepository(db),
			repository.NewCacheRepository(client, cfg.Redis.KeyPrefix),
			logr,
			repository.WithDirectoryTTL(cfg.Redis.DirectoryTTL),
			repository.WithCacheObserver(metrics.RecordDirectoryCache),
		),
		checks:    map[string]handler.Pinger{"primary": primary, "secondary": secondary},
		closers:   []func() error{client.Close, db.Close},
	}, nil
}

type routes struct {
	metrics       *handler.MetricsHandler
	metricsSvc    *service.MetricsService
	identity      *service.IdentityService
	requests      *handler.ODRequestHandler
	notifications *handler.NotificationHandler
	events        *handler.EventHandler
	documents     *handler.DocumentHandler
	realtime      *handler.RealtimeHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, h routes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(h.metricsSvc))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/documents/:token", h.documents.Open)

	secured := api.Group("")
	secured.Use(middleware.JWT(h.identity, logr))

	odRequests := secured.Group("/od-requests")
	odRequests.POST("", middleware.RequireRoles(models.RoleStudent), h.requests.Submit)
	odRequests.GET("", h.requests.List)
	odRequests.GET("/export", h.requests.Export)
	odRequests.GET("/:id", h.requests.Get)
	odRequests.GET("/:id/slip", h.requests.Slip)
	odRequests.POST("/:id/decision", middleware.RequireRoles(models.RoleEventLeader, models.RoleFaculty), h.requests.Decision)

	notifications := secured.Group("/notifications")
	notifications.GET("", h.notifications.List)
	notifications.GET("/unread-count", h.notifications.UnreadCount)
	notifications.POST("/read-all", h.notifications.MarkAllRead)
	notifications.POST("/:id/read", h.notifications.MarkRead)

	catalogRoutes := secured.Group("/events")
	catalogRoutes.GET("", h.events.List)
	catalogRoutes.POST("", middleware.RequireRoles(models.RoleEventLeader), h.events.Create)
	catalogRoutes.PUT("/:id", middleware.RequireRoles(models.RoleEventLeader, models.RoleAdmin), h.events.Update)

	secured.POST("/documents", middleware.RequireRoles(models.RoleStudent), h.documents.Upload)

	if h.realtime != nil {
		secured.GET("/realtime", h.realtime.Stream)
	} else {
		secured.GET("/realtime", func(c *gin.Context) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "realtime disabled"))
		})
	}
	return r
}

// close stops background work before releasing the stores it depends on.
func (a *application) close(ctx context.Context) error {
	var err error
	if a.hub != nil {
		a.hub.Close()
	}
	if a.reconciler != nil {
		select {
		case <-a.reconciler.Stop().Done():
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		}
	}
	if a.queue != nil {
		if drainErr := a.queue.Drain(ctx); drainErr != nil {
			a.logger.Warn("notification queue not drained", zap.Error(drainErr))
		}
		a.queue.Stop()
	}
	if a.publisher != nil {
		err = multierr.Append(err, a.publisher.Close())
	}
	for _, closeFn := range a.closers {
		err = multierr.Append(err, closeFn())
	}
	return err
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/internal/logger"
	"hookrelay/internal/orchestrator"
	"hookrelay/pkg/bootstrap"
	"hookrelay/pkg/health"
	"hookrelay/pkg/logging"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	mongoClient    *mongo.Client
	postgresDB     *sql.DB
	orchestrator   *orchestrator.Orchestrator
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	ctx = logging.WithServiceName(ctx, constants.ServiceName)

	if err := a.dbConnector.CheckRequired(); err != nil {
		return err
	}

	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	if err := a.initMongoDB(ctx); err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	if err := a.initPostgreSQL(ctx); err != nil {
		a.Logger.WarnwCtx(ctx, "PostgreSQL initialization failed, routes will not be persisted",
			"error", err,
		)
	}

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initOrchestrator(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb
	return nil
}

func (a *App) initMongoDB(ctx context.Context) error {
	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	a.mongoClient = mongoClient
	return nil
}

func (a *App) initPostgreSQL(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.postgresDB = db
	return nil
}

func (a *App) initOrchestrator(ctx context.Context) error {
	deps := orchestrator.Dependencies{
		Redis:    a.redis,
		Postgres: a.postgresDB,
		Producer: a.Producer,
	}
	if a.mongoClient != nil {
		dbName := a.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		deps.Mongo = a.mongoClient.Database(dbName)
	}

	o, err := orchestrator.Build(ctx, a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	checks := o.Health()
	if a.redis != nil {
		checks.Register(health.Redis(a.redis))
	}
	if a.mongoClient != nil {
		checks.Register(health.MongoDB(a.mongoClient))
	}
	if a.postgresDB != nil {
		checks.RegisterOptional(health.Postgres(a.postgresDB))
	}

	a.orchestrator = o
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.orchestrator.NewEngine(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Run serves HTTP, runs the pipeline's background loops and, with a broker,
// consumes route change events until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting",
			"port", a.Config.Server.Port,
			"ingress_path", a.Config.Ingress.Path,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.orchestrator.Run(gCtx)
	})

	if a.Consumer != nil {
		topic := a.Config.Broker.Kafka.RouteUpdateTopic
		if topic == "" {
			topic = constants.DefaultRouteUpdateTopic
		}
		changes := a.orchestrator.RouteChanges()
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting route change consumer", "topic", topic)
			return a.Consumer.Consume(gCtx, topic, changes.HandleRouteChange)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(logging.WithServiceName(ctx, constants.ServiceName), "Shutting down hookrelay")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgresDB, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

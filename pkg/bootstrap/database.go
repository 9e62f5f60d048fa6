package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq"

	"hookrelay/internal/config"
	"hookrelay/internal/logger"
	"hookrelay/pkg/migrations"
	"hookrelay/pkg/retry"
)

// Backends lists which external stores the configured pipeline cannot run
// without. Postgres is never required: without it routes live in memory.
type Backends struct {
	Redis   bool
	MongoDB bool
}

// RequiredBackends derives the hard dependencies from the store and
// idempotency settings.
func RequiredBackends(cfg *config.Config) Backends {
	durable := cfg.Store.Persistence == "durable" || cfg.Store.Persistence == "hybrid"
	return Backends{
		Redis:   (durable && cfg.Store.Backend == "redis") || cfg.Delivery.IdempotencyBackend == "redis",
		MongoDB: durable && cfg.Store.Backend == "mongodb",
	}
}

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
	policy retry.Policy
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
		policy: retry.FromConfig(cfg.Store.Retry),
	}
}

// CheckRequired fails fast when a backend the pipeline depends on has no
// connection settings.
func (dc *DatabaseConnector) CheckRequired() error {
	need := RequiredBackends(dc.Config)
	var errs []error
	if need.Redis && dc.Config.Database.Redis.Host == "" {
		errs = append(errs, errors.New("database.redis.host is required by the store or idempotency backend"))
	}
	if need.MongoDB && dc.Config.Database.MongoDB.URI == "" {
		errs = append(errs, errors.New("database.mongodb.uri is required by the mongodb store backend"))
	}
	return errors.Join(errs...)
}

// ping retries a connectivity probe so that a backend still starting next
// to the service does not abort boot.
func (dc *DatabaseConnector) ping(ctx context.Context, name string, probe func(context.Context) error) error {
	return retry.RetryWithCallback(ctx, dc.policy, func() error {
		return probe(ctx)
	}, func(attempt int, err error, next time.Duration) {
		dc.Logger.Warnw("Backend not reachable yet",
			"backend", name,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
}

// InitRedis returns nil when no Redis host is configured.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rc := dc.Config.Database.Redis
	if rc.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", rc.Host, rc.Port),
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := dc.ping(ctx, "redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s:%d: %w", rc.Host, rc.Port, err)
	}

	dc.Logger.Infow("Redis connected", "addr", rdb.Options().Addr, "db", rc.DB)
	return rdb, nil
}

// InitPostgreSQL opens the route definition database and applies the
// embedded migrations when run_migrations is set. Returns nil without a host.
func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pc := dc.Config.Database.Postgres
	if pc.Host == "" {
		return nil, nil
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pc.User, pc.Password, pc.Host, pc.Port, pc.DBName, pc.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := dc.ping(ctx, "postgres", db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", pc.DBName, err)
	}

	if dc.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(db); err != nil {
			db.Close()
			return nil, err
		}
		dc.Logger.Infow("PostgreSQL migrations applied", "database", pc.DBName)
	}

	dc.Logger.Infow("PostgreSQL connected", "host", pc.Host, "database", pc.DBName)
	return db, nil
}

// InitMongoDB returns nil when no URI is configured.
func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	uri := dc.Config.Database.MongoDB.URI
	if uri == "" {
		return nil, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := dc.ping(ctx, "mongodb", func(ctx context.Context) error { return client.Ping(ctx, nil) }); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Infow("MongoDB connected", "database", dc.Config.Database.MongoDB.Database)
	return client, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, rdb *redis.Client, pg *sql.DB, mc *mongo.Client) []error {
	var errs []error
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if pg != nil {
		if err := pg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if mc != nil {
		if err := mc.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}
	return errs
}

// Package backend opens the record store and task queue selected by the
// configuration, sharing one connection per backend.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
)

// Backend is an opened store and queue pair.
type Backend struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue

	conns *connections
}

// Open connects to the configured store and queue backends.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conns := &connections{cfg: cfg.Store, logger: logger.With("module", "backend")}

	p, err := conns.persistence(ctx, cfg.Store.Backend)
	if err != nil {
		_ = conns.close()
		return nil, err
	}
	q, err := conns.queue(ctx, cfg.QueueBackend())
	if err != nil {
		_ = conns.close()
		return nil, err
	}
	logger.Info("backend_opened", "store", cfg.Store.Backend, "queue", cfg.QueueBackend())
	return &Backend{Persistence: p, Queue: q, conns: conns}, nil
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	if b == nil || b.conns == nil {
		return nil
	}
	return b.conns.close()
}

type connections struct {
	cfg    config.StoreConfig
	logger *slog.Logger

	sqlite *sql.DB
	pg     *pgxpool.Pool
	redis  *redis.Client
	mongo  *mongo.Client
}

func (c *connections) persistence(ctx context.Context, backend string) (persistence.Persistence, error) {
	switch backend {
	case config.BackendMemory, "":
		return persistence.NewInMemoryPersistence(), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewSQLitePersistence(db)
	case config.BackendPostgres:
		pool, err := c.pgPool(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewPostgresPersistence(ctx, pool)
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewRedisPersistence(client, c.cfg.RedisPrefix), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewMongoPersistence(ctx, client, c.cfg.MongoDatabase)
	default:
		return persistence.Persistence{}, fmt.Errorf("unknown store backend %q", backend)
	}
}

func (c *connections) queue(ctx context.Context, backend string) (taskqueue.Queue, error) {
	switch backend {
	case config.BackendMemory, "":
		return taskqueue.NewInMemoryQueue(), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db)
	case config.BackendPostgres:
		pool, err := c.pgPool(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, pool)
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, c.cfg.RedisPrefix), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		q := taskqueue.NewMongoQueue(client, c.cfg.MongoDatabase, "")
		if err := q.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func (c *connections) sqliteDB() (*sql.DB, error) {
	if c.sqlite != nil {
		return c.sqlite, nil
	}
	if c.cfg.SQLitePath == "" {
		return nil, errors.New("sqlite: store.sqlite_path is required")
	}
	dsn := "file:" + c.cfg.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", c.cfg.SQLitePath, err)
	}
	c.logger.Debug("sqlite_opened", "path", c.cfg.SQLitePath)
	c.sqlite = db
	return db, nil
}

func (c *connections) pgPool(ctx context.Context) (*pgxpool.Pool, error) {
	if c.pg != nil {
		return c.pg, nil
	}
	if c.cfg.PostgresDSN == "" {
		return nil, errors.New("postgres: store.postgres_dsn is required")
	}
	pool, err := pgxpool.New(ctx, c.cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	c.logger.Debug("postgres_connected")
	c.pg = pool
	return pool, nil
}

func (c *connections) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	if c.cfg.RedisAddr == "" {
		return nil, errors.New("redis: store.redis_addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", c.cfg.RedisAddr, err)
	}
	c.logger.Debug("redis_connected", "addr", c.cfg.RedisAddr)
	c.redis = client
	return client, nil
}

func (c *connections) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if c.mongo != nil {
		return c.mongo, nil
	}
	if c.cfg.MongoURI == "" {
		return nil, errors.New("mongo: store.mongo_uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	c.logger.Debug("mongo_connected")
	c.mongo = client
	return client, nil
}

func (c *connections) close() error {
	var errs []error
	if c.sqlite != nil {
		errs = append(errs, c.sqlite.Close())
	}
	if c.pg != nil {
		c.pg.Close()
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.mongo != nil {
		errs = append(errs, c.mongo.Disconnect(context.Background()))
	}
	return errors.Join(errs...)
}

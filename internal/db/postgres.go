package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a connection pool from a Postgres URL and verifies it with a
// ping. Every persistence call made on behalf of a socket borrows from this
// pool for the duration of one statement or transaction.
//
// Why a URL instead of host/port/user fields? pgxpool.ParseConfig already
// understands DATABASE_URL, including sslmode and escaped passwords, so
// there is no DSN to build by hand.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool tuning for a socket-heavy service:
	//
	// MaxConns (25): sockets only hold a connection for one statement or
	//   one short transaction, so a few dozen serve thousands of sockets
	//   without crowding Postgres (RDS default max_connections is 100).
	//
	// MinConns (5): warm connections for the burst of presence and join
	//   queries that follows a deploy, when every client reconnects.
	//
	// MaxConnLifetime (1h) / MaxConnIdleTime (20min): recycle connections
	//   so failovers and DNS changes are picked up, and give slots back
	//   when traffic is low.
	//
	// HealthCheckPeriod (1min): find dead idle connections before a
	//   message send does.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Ping proves credentials and network now. On failure close the pool
	// right away instead of handing back a half-open one.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	logger.Info("DB connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema adds the message-thread and reaction columns/tables the
// real-time core writes to. Statements are idempotent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	db.logger.Info("schema ensured", zap.Int("statements", len(schema)))
	return nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

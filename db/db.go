package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/TK-IT/mailhole/config"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase initializes the connection pool and installs the schema.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	port := cfg.Port
	if port == "" {
		port = "5432"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Name, sslMode)

	logger.Info("DB: connecting to database",
		"user", cfg.User, "host", cfg.Host, "port", port, "name", cfg.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	} else {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idleTime, err := cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	} else {
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to install schema: %w", err)
	}

	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool stats.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
			}
		}
	}()
}

// TimedQueryRow wraps QueryRow with duration metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

// TimedQuery wraps Query with duration metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return rows, err
}

// TimedExec wraps Exec with duration metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) error {
	start := time.Now()
	_, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return err
}

package postgresql

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/S1riyS/vfs-switch/internal/config"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

type Client interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	instance *pgxpool.Pool
	once     sync.Once
)

// NewClient opens the shared pool. Later calls return the same pool.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	const op = "postgresql.NewClient"

	var err error
	once.Do(func() {
		logger := logging.GetLoggerFromContextWithOp(ctx, op)

		var pool *pgxpool.Pool
		pool, err = pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			logger.Error("Failed to create connection pool", slogext.Err(err))
			return
		}

		if err = pool.Ping(ctx); err != nil {
			logger.Error("Failed to connect to database", slogext.Err(err))
			pool.Close()
			return
		}

		logger.Info("Connected to database", "host", cfg.Host, "database", cfg.Name)
		instance = pool
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("%s: connection pool unavailable", op)
	}

	return instance, nil
}

func MustNewClient(ctx context.Context, cfg config.DatabaseConfig) *pgxpool.Pool {
	pool, err := NewClient(ctx, cfg)
	if err != nil {
		panic(err)
	}
	return pool
}

package graphstore

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PoolConfig tunes the networked backend's connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a single service instance.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
}

// PostgresStorage is the networked relational backend.
type PostgresStorage struct {
	*sqlStore
}

// NewPostgresStorage opens a pool against connStr. Call Initialize to apply migrations.
func NewPostgresStorage(connStr string, pool PoolConfig) (*PostgresStorage, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return &PostgresStorage{sqlStore: &sqlStore{
		db:      db,
		backend: "postgres",
		tagExpr: func(key string) string {
			return `(tags::jsonb ->> '` + key + `')`
		},
	}}, nil
}

var _ Storage = (*PostgresStorage)(nil)

package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

type PgMembershipRepository struct {
	conn *sql.DB
}

func NewPgMembershipRepository(dsn string, opts PoolOptions) (*PgMembershipRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgMembershipRepository{conn: db}, nil
}

// DB exposes the pool for migrations.
func (db *PgMembershipRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgMembershipRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgMembershipRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

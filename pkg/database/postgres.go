package database

import (
	"context"
	"fmt"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sand/solana-trading-bot/backend/config"
)

const (
	defaultMaxPoolSize       = 10
	defaultConnTimeout       = 5
	defaultHealthCheckPeriod = 1
)

// Postgres bundles the pool with the transactor so repositories can share
// one unit of work through the context.
type Postgres struct {
	Pool       *pgxpool.Pool
	DBGetter   tx.DBGetter
	Transactor *tx.Transactor

	maxPoolSize       int32
	connTimeout       int
	healthCheckPeriod int
	isolation         pgx.TxIsoLevel
}

// Option configures the pool before it is opened.
type Option func(*Postgres)

func MaxPoolSize(size int32) Option {
	return func(p *Postgres) {
		p.maxPoolSize = size
	}
}

// ConnTimeout is in seconds.
func ConnTimeout(timeout int) Option {
	return func(p *Postgres) {
		p.connTimeout = timeout
	}
}

// HealthCheckPeriod is in minutes.
func HealthCheckPeriod(period int) Option {
	return func(p *Postgres) {
		p.healthCheckPeriod = period
	}
}

// Isolation sets the default isolation level for every session in the pool.
func Isolation(level pgx.TxIsoLevel) Option {
	return func(p *Postgres) {
		p.isolation = level
	}
}

// New opens a pgx pool and wires the transactor on top of it.
func New(cfg *config.Config, opts ...Option) (*Postgres, error) {
	pg := &Postgres{
		maxPoolSize:       defaultMaxPoolSize,
		connTimeout:       defaultConnTimeout,
		healthCheckPeriod: defaultHealthCheckPeriod,
	}

	for _, opt := range opts {
		opt(pg)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DB.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	if pg.maxPoolSize > 0 {
		poolConfig.MaxConns = pg.maxPoolSize
	}
	poolConfig.ConnConfig.ConnectTimeout = time.Duration(pg.connTimeout) * time.Second
	poolConfig.HealthCheckPeriod = time.Duration(pg.healthCheckPeriod) * time.Minute
	if pg.isolation != "" {
		poolConfig.ConnConfig.RuntimeParams["default_transaction_isolation"] = string(pg.isolation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(pg.connTimeout)*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pg.Pool = pool
	pg.Transactor, pg.DBGetter = tx.NewTransactor(pool, tx.NestedTransactionsSavepoints)

	return pg, nil
}

// NewFromPool wraps an already opened pool, used by integration tests.
func NewFromPool(pool *pgxpool.Pool) *Postgres {
	pg := &Postgres{Pool: pool}
	pg.Transactor, pg.DBGetter = tx.NewTransactor(pool, tx.NestedTransactionsSavepoints)
	return pg
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

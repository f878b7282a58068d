// Package postgres provides a PostgreSQL implementation of taskgate.TierProvider.
// Tier definitions and user entitlements live in the database and are read on
// every lookup, so a plan change takes effect on the user's next request.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

const schema = `
CREATE TABLE IF NOT EXISTS tiers (
	name                      TEXT PRIMARY KEY,
	tasks_per_day             BIGINT NOT NULL DEFAULT 0,
	tasks_per_hour            BIGINT NOT NULL DEFAULT 0,
	heavyweight_tasks_per_day BIGINT NOT NULL DEFAULT 0,
	max_concurrent_tasks      BIGINT NOT NULL DEFAULT 0,
	api_rate_limit            BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entitlements (
	user_id    TEXT PRIMARY KEY,
	tier       TEXT NOT NULL REFERENCES tiers(name),
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// TierProvider implements taskgate.TierProvider using PostgreSQL
type TierProvider struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

// Config holds PostgreSQL tier provider configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// QueryTimeout bounds a single tier lookup (default: 2 seconds)
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		QueryTimeout:    2 * time.Second,
	}
}

// New creates a new PostgreSQL tier provider
func New(ctx context.Context, config Config) (*TierProvider, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 2 * time.Second
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TierProvider{pool: pool, config: config, now: time.Now}, nil
}

// Close closes the PostgreSQL connection pool
func (p *TierProvider) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (p *TierProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate creates the tiers and entitlements tables if they do not exist.
func (p *TierProvider) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// TierFor implements taskgate.TierProvider. Users without an entitlement, or
// whose entitlement has expired, yield taskgate.ErrTierNotFound.
func (p *TierProvider) TierFor(ctx context.Context, userID string) (taskgate.Tier, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.QueryTimeout)
	defer cancel()

	var t taskgate.Tier
	err := p.pool.QueryRow(ctx,
		`SELECT t.name, t.tasks_per_day, t.tasks_per_hour, t.heavyweight_tasks_per_day,
				t.max_concurrent_tasks, t.api_rate_limit
			FROM entitlements e
			JOIN tiers t ON t.name = e.tier
			WHERE e.user_id = $1 AND (e.expires_at IS NULL OR e.expires_at > $2)`,
		userID, p.now().UTC()).Scan(
		&t.Name,
		&t.TasksPerDay,
		&t.TasksPerHour,
		&t.HeavyweightTasksPerDay,
		&t.MaxConcurrentTasks,
		&t.APIRateLimit,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return taskgate.Tier{}, fmt.Errorf("%w: user %s", taskgate.ErrTierNotFound, userID)
	}
	if err != nil {
		return taskgate.Tier{}, fmt.Errorf("failed to get tier: %w", err)
	}
	return t, nil
}

// UpsertTiers writes tier definitions, replacing existing rows with the same name.
func (p *TierProvider) UpsertTiers(ctx context.Context, tiers taskgate.Tiers) error {
	if err := tiers.Validate(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, t := range tiers {
		batch.Queue(
			`INSERT INTO tiers (name, tasks_per_day, tasks_per_hour, heavyweight_tasks_per_day,
					max_concurrent_tasks, api_rate_limit)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (name) DO UPDATE SET
					tasks_per_day = EXCLUDED.tasks_per_day,
					tasks_per_hour = EXCLUDED.tasks_per_hour,
					heavyweight_tasks_per_day = EXCLUDED.heavyweight_tasks_per_day,
					max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
					api_rate_limit = EXCLUDED.api_rate_limit`,
			t.Name, t.TasksPerDay, t.TasksPerHour, t.HeavyweightTasksPerDay, t.MaxConcurrentTasks, t.APIRateLimit,
		)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert tiers: %w", err)
	}
	return nil
}

// SetEntitlement assigns tierName to userID. A nil expiresAt never expires.
func (p *TierProvider) SetEntitlement(ctx context.Context, userID, tierName string, expiresAt *time.Time) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier, expires_at, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				expires_at = EXCLUDED.expires_at,
				updated_at = EXCLUDED.updated_at`,
		userID, tierName, expiresAt, p.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// Cleanup deletes expired entitlements and returns how many were removed.
func (p *TierProvider) Cleanup(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM entitlements WHERE expires_at IS NOT NULL AND expires_at < $1`, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup entitlements: %w", err)
	}
	return tag.RowsAffected(), nil
}

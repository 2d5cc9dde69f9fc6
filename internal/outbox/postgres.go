package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps order records and the risk snapshot in PostgreSQL
type PostgresStore struct {
	db        *sql.DB
	accountID string
}

// PostgresConfig configures the connection pool
type PostgresConfig struct {
	DSN             string        `yaml:"-"` // TRADER_POSTGRES_DSN
	AccountID       string        `yaml:"-"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func OpenPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &PostgresStore{db: db, accountID: cfg.AccountID}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			idempotency_key VARCHAR(128) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			state VARCHAR(32) NOT NULL,
			terminal BOOLEAN NOT NULL DEFAULT false,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (account_id, updated_at) WHERE NOT terminal`,
		`CREATE TABLE IF NOT EXISTS order_transitions (
			id BIGSERIAL PRIMARY KEY,
			idempotency_key VARCHAR(128) NOT NULL,
			state VARCHAR(32) NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS risk_snapshots (
			account_id VARCHAR(64) PRIMARY KEY,
			data JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder upserts the latest record and logs the transition in one transaction
func (s *PostgresStore) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (idempotency_key, account_id, state, terminal, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET state = EXCLUDED.state, terminal = EXCLUDED.terminal,
		    payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, rec.Key, s.accountID, rec.State, rec.Terminal, []byte(rec.Payload), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", rec.Key, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_transitions (idempotency_key, state, recorded_at) VALUES ($1, $2, $3)`,
		rec.Key, rec.State, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record transition %s: %w", rec.Key, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) LoadOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, state, terminal, payload, updated_at
		FROM orders
		WHERE account_id = $1 AND NOT terminal
		ORDER BY updated_at, idempotency_key
	`, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var payload []byte
		if err := rows.Scan(&rec.Key, &rec.State, &rec.Terminal, &payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRiskSnapshot(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots (account_id, data, saved_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at
	`, s.accountID, data)
	if err != nil {
		return fmt.Errorf("save risk snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRiskSnapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM risk_snapshots WHERE account_id = $1`, s.accountID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load risk snapshot: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

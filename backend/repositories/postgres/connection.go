package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/policy-gate/backend/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the gate schema. The unique constraints here are
// load-bearing: idempotency_keys(idempotency_key), approvals(decision_id)
// and reservations(decision_id) are what make retries and token consumption
// exactly-once across concurrent gate instances.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Versioned policy documents; rows are append-only
		CREATE TABLE IF NOT EXISTS policy_versions (
			policy_id UUID NOT NULL,
			tenant_id UUID NOT NULL,
			version INTEGER NOT NULL,
			content JSONB NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			effective_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (policy_id, version)
		);

		-- Idempotency key registry with bounded TTL
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			idempotency_key VARCHAR(255) PRIMARY KEY,
			tenant_id UUID NOT NULL,
			request_fingerprint VARCHAR(64) NOT NULL,
			decision_id UUID NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Immutable decision records
		CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			project_id UUID NOT NULL,
			source VARCHAR(20) NOT NULL,
			environment VARCHAR(100) NOT NULL,
			request_fingerprint VARCHAR(64) NOT NULL,
			policy_lineage_sha256 VARCHAR(64) NOT NULL,
			outcome VARCHAR(20) NOT NULL,
			reason_codes TEXT[] NOT NULL DEFAULT '{}',
			resource_reference TEXT NOT NULL,
			max_hourly_delta_usd DECIMAL(12, 4) NOT NULL DEFAULT 0,
			max_monthly_delta_usd DECIMAL(12, 4) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- One approval per decision; consumed is set only by a
		-- status-conditional UPDATE
		CREATE TABLE IF NOT EXISTS approvals (
			id UUID PRIMARY KEY,
			decision_id UUID NOT NULL UNIQUE REFERENCES decisions(id),
			approver_identity VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at TIMESTAMPTZ
		);

		-- Financial reservation ledger
		CREATE TABLE IF NOT EXISTS reservations (
			id UUID PRIMARY KEY,
			decision_id UUID NOT NULL UNIQUE REFERENCES decisions(id),
			committed_monthly_usd DECIMAL(12, 4) NOT NULL,
			committed_hourly_usd DECIMAL(12, 4) NOT NULL,
			realized_usd DECIMAL(12, 4),
			drift_ratio DECIMAL(10, 6),
			status VARCHAR(20) NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			reconciled_at TIMESTAMPTZ
		);

		-- Per-tenant circuit breaker singleton
		CREATE TABLE IF NOT EXISTS breaker_states (
			tenant_id UUID PRIMARY KEY,
			state VARCHAR(10) NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			daily_savings_used DECIMAL(12, 4) NOT NULL DEFAULT 0,
			daily_savings_limit DECIMAL(12, 4) NOT NULL DEFAULT 0,
			daily_window VARCHAR(10) NOT NULL,
			last_failure_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Gate evidence records
		CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			action VARCHAR(100) NOT NULL,
			resource_type VARCHAR(100) NOT NULL,
			resource_id UUID,
			actor VARCHAR(255) NOT NULL DEFAULT '',
			reason_codes TEXT[] NOT NULL DEFAULT '{}',
			details JSONB,
			request_id VARCHAR(255) NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_policy_versions_tenant ON policy_versions(tenant_id, effective_at);
		CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys(expires_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_tenant_id ON decisions(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint ON decisions(request_fingerprint);
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
		CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_resource_id ON audit_logs(resource_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

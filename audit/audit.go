// Package audit provides an optional Postgres-backed request audit trail.
// One row is recorded per analyze/anonymize request: correlation id,
// endpoint, language, per-type entity counts, and duration. No text and no
// entity values are ever stored.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Entry is one audited request.
type Entry struct {
	CorrelationID string
	Endpoint      string
	Language      string
	EntityCounts  map[string]int
	Duration      time.Duration
}

// Store records audit entries.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Config holds the Postgres connection settings.
type Config struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection pool, verifies connectivity, and
// creates the audit table if needed.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[Audit] Warning: failed to close database during cleanup: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[Audit] Warning: failed to close database during cleanup: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// createTables creates the audit table and its indexes if they don't exist.
func createTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS request_audit (
			id SERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			language TEXT NOT NULL,
			entity_counts JSONB NOT NULL DEFAULT '{}',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_audit_created_at ON request_audit(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_audit_endpoint ON request_audit(endpoint)`,
		`CREATE INDEX IF NOT EXISTS idx_request_audit_correlation ON request_audit(correlation_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}

	return nil
}

// Record inserts one audit row.
func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	counts, err := json.Marshal(entry.EntityCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal entity counts: %w", err)
	}

	query := `
	INSERT INTO request_audit (correlation_id, endpoint, language, entity_counts, duration_ms)
	VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.CorrelationID, entry.Endpoint, entry.Language, counts, entry.Duration.Milliseconds())
	return err
}

// Count returns the total number of audit rows.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_audit`).Scan(&count)
	return count, err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// NopStore discards every entry. Used when auditing is disabled.
type NopStore struct{}

// Record discards the entry.
func (NopStore) Record(ctx context.Context, entry Entry) error { return nil }

// Count always reports zero.
func (NopStore) Count(ctx context.Context) (int, error) { return 0, nil }

// Close is a no-op.
func (NopStore) Close() error { return nil }

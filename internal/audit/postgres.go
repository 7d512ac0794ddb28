package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// PostgresSink persists audit entries to PostgreSQL for retention and
// querying beyond log rotation.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	action     TEXT NOT NULL,
	username   TEXT NOT NULL,
	source_ip  TEXT,
	target     TEXT,
	result     TEXT NOT NULL,
	request_id TEXT,
	tags       TEXT[]
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events (action);
`

// NewPostgresSink connects to PostgreSQL and ensures the audit table exists.
func NewPostgresSink(dsn string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Info("audit events persisting to PostgreSQL")
	return &PostgresSink{db: db, logger: logger}, nil
}

// Write inserts an audit entry.
func (s *PostgresSink) Write(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO audit_events (timestamp, action, username, source_ip, target, result, request_id, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		entry.Timestamp,
		string(entry.Action),
		entry.User,
		nullable(entry.SourceIP),
		nullable(entry.Target),
		entry.Result,
		nullable(entry.RequestID),
		pq.Array(entry.Tags),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Recent returns the newest audit entries, most recent first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT timestamp, action, username, COALESCE(source_ip, ''), COALESCE(target, ''),
			result, COALESCE(request_id, ''), tags
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var action string
		if err := rows.Scan(
			&entry.Timestamp,
			&action,
			&entry.User,
			&entry.SourceIP,
			&entry.Target,
			&entry.Result,
			&entry.RequestID,
			pq.Array(&entry.Tags),
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		entry.Action = Action(action)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Ping verifies database connectivity.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

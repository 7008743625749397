// This file implements a PostgreSQL-backed store for session records and
// transcripts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/amicahealth/amica/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSession(rec models.SessionRecord) error {
	queue, err := json.Marshal(rec.RiskQueue)
	if err != nil {
		return fmt.Errorf("failed to marshal risk queue for session %s: %w", rec.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, user_id, started_at, ended_at, summary, final_mode, risk_queue, ended_safely, interaction_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.StartedAt, rec.EndedAt, rec.Summary, string(rec.FinalMode), string(queue), rec.EndedSafely, rec.InteractionCount)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", rec.ID)
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", rec.ID, "userID", rec.UserID)
	return nil
}

func (s *PostgresStore) GetSessions(userID string) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(`SELECT id, user_id, started_at, ended_at, summary, final_mode, risk_queue, ended_safely, interaction_count
		FROM sessions WHERE user_id = $1 ORDER BY ended_at ASC`, userID)
	if err != nil {
		slog.Error("PostgresStore GetSessions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query sessions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) LatestSummary(userID string) (string, error) {
	var summary string
	err := s.db.QueryRow(`SELECT summary FROM sessions WHERE user_id = $1 ORDER BY ended_at DESC LIMIT 1`, userID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestSummary failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to query latest summary for %s: %w", userID, err)
	}
	return summary, nil
}

func (s *PostgresStore) AddTranscriptEvent(ev models.TranscriptEvent) error {
	_, err := s.db.Exec(`INSERT INTO transcript_events (session_id, time, kind, detail) VALUES ($1, $2, $3, $4)`,
		ev.SessionID, ev.Time, string(ev.Kind), ev.Detail)
	if err != nil {
		slog.Error("PostgresStore AddTranscriptEvent failed", "error", err, "sessionID", ev.SessionID, "kind", ev.Kind)
		return fmt.Errorf("failed to insert transcript event for %s: %w", ev.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetTranscript(sessionID string) ([]models.TranscriptEvent, error) {
	rows, err := s.db.Query(`SELECT session_id, time, kind, detail FROM transcript_events WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetTranscript query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query transcript for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanTranscript(rows)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

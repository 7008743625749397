// This file implements an SQLite-backed store for session records and
// transcripts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/amicahealth/amica/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the database file; the directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(rec models.SessionRecord) error {
	queue, err := json.Marshal(rec.RiskQueue)
	if err != nil {
		return fmt.Errorf("failed to marshal risk queue for session %s: %w", rec.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, user_id, started_at, ended_at, summary, final_mode, risk_queue, ended_safely, interaction_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.StartedAt, rec.EndedAt, rec.Summary, string(rec.FinalMode), string(queue), rec.EndedSafely, rec.InteractionCount)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", rec.ID)
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", rec.ID, "userID", rec.UserID)
	return nil
}

func (s *SQLiteStore) GetSessions(userID string) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(`SELECT id, user_id, started_at, ended_at, summary, final_mode, risk_queue, ended_safely, interaction_count
		FROM sessions WHERE user_id = ? ORDER BY ended_at ASC`, userID)
	if err != nil {
		slog.Error("SQLiteStore GetSessions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query sessions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) LatestSummary(userID string) (string, error) {
	var summary string
	err := s.db.QueryRow(`SELECT summary FROM sessions WHERE user_id = ? ORDER BY ended_at DESC LIMIT 1`, userID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestSummary failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to query latest summary for %s: %w", userID, err)
	}
	return summary, nil
}

func (s *SQLiteStore) AddTranscriptEvent(ev models.TranscriptEvent) error {
	_, err := s.db.Exec(`INSERT INTO transcript_events (session_id, time, kind, detail) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Time, string(ev.Kind), ev.Detail)
	if err != nil {
		slog.Error("SQLiteStore AddTranscriptEvent failed", "error", err, "sessionID", ev.SessionID, "kind", ev.Kind)
		return fmt.Errorf("failed to insert transcript event for %s: %w", ev.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTranscript(sessionID string) ([]models.TranscriptEvent, error) {
	rows, err := s.db.Query(`SELECT session_id, time, kind, detail FROM transcript_events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetTranscript query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query transcript for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanTranscript(rows)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

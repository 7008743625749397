// Package store provides storage backends for amica session records and
// transcripts.
//
// It includes an in-memory store for tests and single-process use, plus
// SQLite and PostgreSQL implementations for persistent deployments.
package store

import (
	"sort"
	"sync"

	"github.com/amicahealth/amica/internal/models"
)

// Store persists completed session records and transcript events. Live
// conversation state is never stored; only summaries and the append-only
// transcript log are.
type Store interface {
	// SaveSession persists a completed session record.
	SaveSession(rec models.SessionRecord) error
	// GetSessions returns all session records for a user, oldest first.
	GetSessions(userID string) ([]models.SessionRecord, error)
	// LatestSummary returns the summary of the user's most recent session,
	// or an empty string when the user has no history.
	LatestSummary(userID string) (string, error)
	// AddTranscriptEvent appends one event to a session's transcript.
	AddTranscriptEvent(ev models.TranscriptEvent) error
	// GetTranscript returns a session's transcript events in insertion order.
	GetTranscript(sessionID string) ([]models.TranscriptEvent, error)
	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore keeps session records and transcripts in process memory.
// Safe for concurrent use.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    []models.SessionRecord
	transcripts map[string][]models.TranscriptEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{transcripts: make(map[string][]models.TranscriptEvent)}
}

// SaveSession persists a completed session record.
func (s *InMemoryStore) SaveSession(rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, rec)
	return nil
}

// GetSessions returns all session records for a user, oldest first.
func (s *InMemoryStore) GetSessions(userID string) ([]models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionRecord
	for _, rec := range s.sessions {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.Before(out[j].EndedAt) })
	return out, nil
}

// LatestSummary returns the most recent session summary for a user.
func (s *InMemoryStore) LatestSummary(userID string) (string, error) {
	recs, err := s.GetSessions(userID)
	if err != nil || len(recs) == 0 {
		return "", err
	}
	return recs[len(recs)-1].Summary, nil
}

// AddTranscriptEvent appends one event to a session's transcript.
func (s *InMemoryStore) AddTranscriptEvent(ev models.TranscriptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[ev.SessionID] = append(s.transcripts[ev.SessionID], ev)
	return nil
}

// GetTranscript returns a session's transcript events in insertion order.
func (s *InMemoryStore) GetTranscript(sessionID string) ([]models.TranscriptEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.transcripts[sessionID]
	out := make([]models.TranscriptEvent, len(events))
	copy(out, events)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

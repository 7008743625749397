// Package session manages per-user chat sessions: it wires a coordinator,
// transcript writer, and prior-session context together, serializes message
// handling per session, and persists a session record at the end.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
	"github.com/amicahealth/amica/internal/protocol"
	"github.com/amicahealth/amica/internal/store"
	"github.com/amicahealth/amica/internal/transcript"
	"github.com/amicahealth/amica/internal/triage"
)

// Generation parameters for end-of-session summaries.
const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 500
)

// ErrNoLiveSession is returned when ending a session for a user who has none.
var ErrNoLiveSession = errors.New("no live session for user")

const summarySystemPrompt = `Summarize this support conversation in two or three short paragraphs for
the assistant's own notes: what the person talked about, how they seemed to
be doing, and anything worth gently following up on next time. Write in the
third person and do not quote the user verbatim.`

// Manager creates and tracks live sessions, one per user.
type Manager struct {
	client    genai.ClientInterface
	protocols *protocol.Registry
	resources *triage.ResourceDirectory
	store     store.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is one user's live conversation. All message handling is
// serialized by the session's mutex.
type Session struct {
	mu          sync.Mutex
	id          string
	userID      string
	startedAt   time.Time
	coordinator *triage.Coordinator
}

// NewManager creates a session manager.
func NewManager(client genai.ClientInterface, protocols *protocol.Registry, resources *triage.ResourceDirectory, st store.Store) *Manager {
	return &Manager{
		client:    client,
		protocols: protocols,
		resources: resources,
		store:     st,
		sessions:  make(map[string]*Session),
	}
}

// GetOrCreate returns the user's live session, starting one if needed. A new
// session gets a transcript writer and, when the user has prior history, the
// previous session's summary as conversational context.
func (m *Manager) GetOrCreate(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	s := &Session{
		id:          uuid.NewString(),
		userID:      userID,
		startedAt:   time.Now(),
		coordinator: triage.NewCoordinator(m.client, m.protocols, m.resources),
	}
	s.coordinator.SetSink(transcript.NewStoreWriter(m.store, s.id))

	summary, err := m.store.LatestSummary(userID)
	if err != nil {
		slog.Warn("Manager.GetOrCreate: failed to load previous summary, starting cold",
			"userID", userID, "error", err)
	} else if summary != "" {
		s.coordinator.Agent().SetContext(summary)
		slog.Debug("Manager.GetOrCreate: previous summary injected", "userID", userID, "sessionID", s.id)
	}

	m.sessions[userID] = s
	slog.Info("Manager.GetOrCreate: session started", "userID", userID, "sessionID", s.id)
	return s, nil
}

// EndSession closes the user's live session: it generates a summary of the
// conversation, persists the session record, and releases the session. A
// summary generation failure is logged and the record saved without one;
// ending a session never loses the record.
func (m *Manager) EndSession(ctx context.Context, userID string) (models.SessionRecord, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return models.SessionRecord{}, fmt.Errorf("%w: %s", ErrNoLiveSession, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.coordinator.GetState()
	summary := m.summarize(ctx, s.coordinator.History())

	rec := models.SessionRecord{
		ID:               s.id,
		UserID:           s.userID,
		StartedAt:        s.startedAt,
		EndedAt:          time.Now(),
		Summary:          summary,
		FinalMode:        state.Mode,
		RiskQueue:        state.RiskQueue,
		EndedSafely:      state.SessionActive,
		InteractionCount: state.InteractionCount,
	}
	if err := m.store.SaveSession(rec); err != nil {
		return rec, fmt.Errorf("failed to save session %s: %w", s.id, err)
	}
	s.coordinator.Reset()

	slog.Info("Manager.EndSession: session ended", "userID", userID, "sessionID", rec.ID,
		"interactions", rec.InteractionCount, "endedSafely", rec.EndedSafely)
	return rec, nil
}

// summarize produces the end-of-session summary, or an empty string when the
// conversation was empty or generation failed.
func (m *Manager) summarize(ctx context.Context, history []models.ConversationTurn) string {
	if len(history) == 0 {
		return ""
	}

	var b strings.Builder
	for _, turn := range history {
		if turn.Role == models.RoleSystem {
			continue
		}
		label := "User"
		if turn.Role == models.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, turn.Content)
	}

	summary, err := m.client.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(b.String()),
		},
		genai.WithTemperature(summaryTemperature), genai.WithMaxTokens(summaryMaxTokens))
	if err != nil {
		slog.Warn("Manager.summarize: summary generation failed, saving without summary", "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// ProcessMessage handles one user message through the session's coordinator.
func (s *Session) ProcessMessage(ctx context.Context, text string, onDelta func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator.ProcessMessage(ctx, text, onDelta)
}

// State returns a snapshot of the session's coordinator state.
func (s *Session) State() models.CoordinatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator.GetState()
}

// Reset clears the session's conversation without ending it.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordinator.Reset()
}

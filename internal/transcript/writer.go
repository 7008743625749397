// Package transcript records coordinator lifecycle events to a store as an
// append-only session transcript.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amicahealth/amica/internal/models"
	"github.com/amicahealth/amica/internal/store"
)

// StoreWriter is a write-only event sink backed by a store. Persistence
// failures are logged and swallowed; transcripts never fail a turn.
type StoreWriter struct {
	store     store.Store
	sessionID string
}

// NewStoreWriter creates a transcript writer for one session.
func NewStoreWriter(s store.Store, sessionID string) *StoreWriter {
	return &StoreWriter{store: s, sessionID: sessionID}
}

func (w *StoreWriter) record(kind models.TranscriptEventKind, detail string) {
	ev := models.TranscriptEvent{
		SessionID: w.sessionID,
		Time:      time.Now(),
		Kind:      kind,
		Detail:    detail,
	}
	if err := w.store.AddTranscriptEvent(ev); err != nil {
		slog.Warn("StoreWriter.record: failed to persist transcript event",
			"sessionID", w.sessionID, "kind", kind, "error", err)
	}
}

func (w *StoreWriter) OnUserMessage(text string) {
	w.record(models.EventUserMessage, text)
}

func (w *StoreWriter) OnAgentTurnStart() {}

// OnAgentChunk is a no-op; the full response is recorded at turn end.
func (w *StoreWriter) OnAgentChunk(string) {}

func (w *StoreWriter) OnAgentTurnEnd(full string) {
	w.record(models.EventAgentResponse, full)
}

func (w *StoreWriter) OnRiskScan(v models.RiskVerdict) {
	if !v.Detected {
		return
	}
	cats := make([]string, len(v.Categories))
	for i, c := range v.Categories {
		cats[i] = string(c)
	}
	w.record(models.EventRiskScan, fmt.Sprintf("detected=%s confidence=%s", strings.Join(cats, ","), v.Confidence))
}

func (w *StoreWriter) OnModeSwitch(from, to models.ConversationMode) {
	w.record(models.EventModeSwitch, fmt.Sprintf("%s -> %s", from, to))
}

func (w *StoreWriter) OnAssessmentStart(category models.RiskCategory, totalQuestions int) {
	w.record(models.EventAssessmentStart, fmt.Sprintf("%s (%d questions)", category, totalQuestions))
}

func (w *StoreWriter) OnQuestion(number, total int) {
	w.record(models.EventQuestion, fmt.Sprintf("question %d of %d", number, total))
}

func (w *StoreWriter) OnSeverity(v models.SeverityVerdict) {
	w.record(models.EventSeverity, fmt.Sprintf("%s severity=%s immediate_action=%v", v.AssessmentType, v.Severity, v.ImmediateActionRequired))
}

func (w *StoreWriter) OnCrisis(category models.RiskCategory) {
	w.record(models.EventCrisis, string(category))
}

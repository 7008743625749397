package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/amicahealth/amica/internal/models"
)

// scanSessions reads session rows produced by the shared column order:
// id, user_id, started_at, ended_at, summary, final_mode, risk_queue,
// ended_safely, interaction_count.
func scanSessions(rows *sql.Rows) ([]models.SessionRecord, error) {
	var out []models.SessionRecord
	for rows.Next() {
		var rec models.SessionRecord
		var mode, queue string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.StartedAt, &rec.EndedAt, &rec.Summary, &mode, &queue, &rec.EndedSafely, &rec.InteractionCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.FinalMode = models.ConversationMode(mode)
		if queue != "" {
			if err := json.Unmarshal([]byte(queue), &rec.RiskQueue); err != nil {
				return nil, fmt.Errorf("failed to decode risk queue for session %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// scanTranscript reads transcript rows in column order session_id, time,
// kind, detail.
func scanTranscript(rows *sql.Rows) ([]models.TranscriptEvent, error) {
	var out []models.TranscriptEvent
	for rows.Next() {
		var ev models.TranscriptEvent
		var kind string
		if err := rows.Scan(&ev.SessionID, &ev.Time, &kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		ev.Kind = models.TranscriptEventKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcript rows: %w", err)
	}
	return out, nil
}

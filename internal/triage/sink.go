// Package triage implements the three-role safety-triage core: a
// conversational agent for supportive dialogue, a risk monitor screening
// recent turns, an assessment engine driving protocol questionnaires, and
// the coordinator state machine orchestrating them.
package triage

import "github.com/amicahealth/amica/internal/models"

// EventSink receives structured lifecycle notifications from the
// coordinator. Sinks are write-only observers for transcripts and telemetry;
// the coordinator never consults them for control decisions, and
// implementations must not block or fail the turn.
type EventSink interface {
	OnUserMessage(text string)
	OnAgentTurnStart()
	OnAgentChunk(chunk string)
	OnAgentTurnEnd(full string)
	OnRiskScan(verdict models.RiskVerdict)
	OnModeSwitch(from, to models.ConversationMode)
	OnAssessmentStart(category models.RiskCategory, totalQuestions int)
	OnQuestion(number, total int)
	OnSeverity(verdict models.SeverityVerdict)
	OnCrisis(category models.RiskCategory)
}

// NoopSink is an EventSink that discards all notifications.
type NoopSink struct{}

func (NoopSink) OnUserMessage(string)                             {}
func (NoopSink) OnAgentTurnStart()                                {}
func (NoopSink) OnAgentChunk(string)                              {}
func (NoopSink) OnAgentTurnEnd(string)                            {}
func (NoopSink) OnRiskScan(models.RiskVerdict)                    {}
func (NoopSink) OnModeSwitch(_, _ models.ConversationMode)        {}
func (NoopSink) OnAssessmentStart(models.RiskCategory, int)       {}
func (NoopSink) OnQuestion(_, _ int)                              {}
func (NoopSink) OnSeverity(models.SeverityVerdict)                {}
func (NoopSink) OnCrisis(models.RiskCategory)                     {}

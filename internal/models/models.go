// Package models defines core domain types for the amica safety-triage
// service: conversation turns, risk verdicts, assessment protocols, severity
// outcomes, and session records shared across components.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

// Role constants.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn represents a single message in the dialogue history.
// The history is an append-only ordered sequence owned by the conversational
// agent, which is the single source of truth for both generation context and
// risk scanning.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskCategory identifies one safety concern the risk monitor screens for.
// The set is extensible; nothing outside protocol configuration assumes a
// fixed number of categories.
type RiskCategory string

// Built-in risk categories. These match the protocol documents shipped under
// protocols/; additional categories only require an extra protocol file and
// crisis-resource entry.
const (
	RiskSuicidality             RiskCategory = "suicidality"
	RiskIntimatePartnerViolence RiskCategory = "ipv"
	RiskSubstanceMisuse         RiskCategory = "substance_misuse"
)

// Confidence expresses how certain the risk monitor is about a detection.
type Confidence string

// Confidence levels, lowest to highest.
const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Valid reports whether c is one of the defined confidence levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceNone, ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// RiskVerdict is the structured result of one risk-monitor scan. It is
// produced and consumed within a single coordinator turn and never persisted
// by the core.
type RiskVerdict struct {
	Detected          bool           `json:"detected"`
	Categories        []RiskCategory `json:"categories"`
	Confidence        Confidence     `json:"confidence"`
	TriggeringExcerpt string         `json:"triggering_excerpt"`
	Reasoning         string         `json:"reasoning"`
}

// QuestionType classifies the expected answer shape of a protocol question.
type QuestionType string

// Question types.
const (
	QuestionTypeOpen  QuestionType = "open"
	QuestionTypeYesNo QuestionType = "yes_no"
	QuestionTypeScale QuestionType = "scale"
)

// Valid reports whether qt is one of the defined question types.
func (qt QuestionType) Valid() bool {
	switch qt {
	case QuestionTypeOpen, QuestionTypeYesNo, QuestionTypeScale:
		return true
	}
	return false
}

// QuestionDependency gates a question on a previously recorded answer. The
// question is asked only if the referenced question was already answered and
// the recorded answer matches RequiredAnswer case-insensitively.
type QuestionDependency struct {
	QuestionID     int    `json:"question_id"`
	RequiredAnswer string `json:"answer"`
}

// Question is one entry in an assessment protocol.
type Question struct {
	ID        int                 `json:"id"`
	Text      string              `json:"text"`
	Type      QuestionType        `json:"type"`
	DependsOn *QuestionDependency `json:"depends_on,omitempty"`
}

// AssessmentProtocol is the static, ordered question set and severity rubric
// for one risk category. Immutable once loaded; shared read-only across all
// assessments of that category.
type AssessmentProtocol struct {
	AssessmentType   RiskCategory    `json:"assessment_type"`
	Questions        []Question      `json:"questions"`
	SeverityCriteria json.RawMessage `json:"severity_criteria"`
}

// AnswerRecord captures one answered protocol question.
type AnswerRecord struct {
	QuestionID   int          `json:"question_id"`
	QuestionText string       `json:"question_text"`
	Answer       string       `json:"answer"`
	QuestionType QuestionType `json:"question_type"`
}

// Severity is the four-level outcome classification of a completed
// assessment.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityImminent Severity = "imminent"
)

// Valid reports whether s is one of the defined severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityImminent:
		return true
	}
	return false
}

// Critical reports whether s requires crisis intervention and session
// termination (high or imminent).
func (s Severity) Critical() bool {
	return s == SeverityHigh || s == SeverityImminent
}

// SeverityVerdict is the structured result of the severity analysis run at
// the end of one assessment.
type SeverityVerdict struct {
	AssessmentType          RiskCategory `json:"assessment_type"`
	Severity                Severity     `json:"severity"`
	Analysis                string       `json:"analysis"`
	ImmediateActionRequired bool         `json:"immediate_action_required"`
	KeyConcerns             []string     `json:"key_concerns"`
	RecommendedActions      []string     `json:"recommended_actions"`
}

// ConversationMode is the coordinator's top-level behavioral state.
type ConversationMode string

// Conversation modes.
const (
	ModeNormal     ConversationMode = "normal"
	ModeAssessment ConversationMode = "assessment"
)

// AssessmentProgress is a read-only projection of the assessment engine's
// position, for UI and telemetry. It is never used for control flow.
type AssessmentProgress struct {
	Active            bool         `json:"active"`
	AssessmentType    RiskCategory `json:"assessment_type,omitempty"`
	CurrentQuestion   int          `json:"current_question"`
	TotalQuestions    int          `json:"total_questions"`
	ProgressPercent   float64      `json:"progress_percent"`
	QuestionsAnswered int          `json:"questions_answered"`
}

// CoordinatorState is a read-only snapshot of the coordinator's aggregate
// state.
type CoordinatorState struct {
	Mode               ConversationMode    `json:"mode"`
	RiskQueue          []RiskCategory      `json:"risk_queue"`
	SessionActive      bool                `json:"session_active"`
	InteractionCount   int                 `json:"interaction_count"`
	AssessmentProgress *AssessmentProgress `json:"assessment_progress,omitempty"`
}

// CrisisResource is one contact entry in a crisis-resource bundle.
type CrisisResource struct {
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Contact      string `json:"contact,omitempty"`
	Description  string `json:"description,omitempty"`
	Availability string `json:"availability,omitempty"`
}

// CrisisResourceSet is the resource bundle surfaced for one risk category.
type CrisisResourceSet struct {
	Title           string           `json:"title"`
	ImmediateAction string           `json:"immediate_action,omitempty"`
	Resources       []CrisisResource `json:"resources"`
}

// SessionRecord summarizes one completed chat session for persistence. The
// caller saves it before resetting the coordinator; the live conversation
// state itself is never persisted.
type SessionRecord struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	Summary          string           `json:"summary"`
	FinalMode        ConversationMode `json:"final_mode"`
	RiskQueue        []RiskCategory   `json:"risk_queue"`
	EndedSafely      bool             `json:"ended_safely"`
	InteractionCount int              `json:"interaction_count"`
}

// TranscriptEventKind identifies the type of a transcript event.
type TranscriptEventKind string

// Transcript event kinds, one per coordinator lifecycle notification.
const (
	EventUserMessage     TranscriptEventKind = "user_message"
	EventAgentResponse   TranscriptEventKind = "agent_response"
	EventRiskScan        TranscriptEventKind = "risk_scan"
	EventModeSwitch      TranscriptEventKind = "mode_switch"
	EventAssessmentStart TranscriptEventKind = "assessment_start"
	EventQuestion        TranscriptEventKind = "question"
	EventSeverity        TranscriptEventKind = "severity"
	EventCrisis          TranscriptEventKind = "crisis"
)

// TranscriptEvent is one write-only entry in a session's transcript log.
type TranscriptEvent struct {
	SessionID string              `json:"session_id"`
	Time      time.Time           `json:"time"`
	Kind      TranscriptEventKind `json:"kind"`
	Detail    string              `json:"detail"`
}

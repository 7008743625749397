package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
)

// assessmentState tracks the engine through one protocol run.
type assessmentState string

const (
	stateIdle       assessmentState = "idle"
	stateInProgress assessmentState = "in_progress"
	stateComplete   assessmentState = "complete"
)

// Generation parameters. Rephrasing gets headroom for warmth; severity
// analysis runs cold for stable structured output.
const (
	rephraseTemperature = 0.7
	rephraseMaxTokens   = 200
	severityTemperature = 0.2
	severityMaxTokens   = 1000
)

const rephraseSystemPrompt = `You are a warm, experienced clinician conducting a structured safety
assessment in the middle of a supportive conversation. Rephrase the given
screening question in your own gentle words so it fits naturally into the
dialogue. Preserve the clinical meaning exactly, use at most two sentences,
and ask only the one question. Respond with the rephrased question and
nothing else.`

const severitySystemPrompt = `You are a clinical reviewer. You are given the questions and answers from
a completed structured safety assessment, along with the severity criteria
for this assessment type. Classify the severity of the situation.

Respond with a single JSON object and nothing else:
{
  "severity": "low" | "medium" | "high" | "imminent",
  "analysis": "two or three sentences",
  "immediate_action_required": true or false,
  "key_concerns": ["...", ...],
  "recommended_actions": ["...", ...]
}`

// Assessor runs one structured assessment protocol at a time: it walks the
// protocol's questions in order, skips questions whose dependency is not
// met, records answers, and classifies severity once every askable question
// is answered.
type Assessor struct {
	client genai.ClientInterface

	state    assessmentState
	protocol *models.AssessmentProtocol
	pos      int
	pending  *models.Question
	answers  map[int]string
	records  []models.AnswerRecord
}

// NewAssessor creates an idle assessment engine.
func NewAssessor(client genai.ClientInterface) *Assessor {
	return &Assessor{client: client, state: stateIdle}
}

// Start begins a run of the given protocol. It fails if an assessment is
// already in progress or awaiting severity analysis.
func (a *Assessor) Start(protocol *models.AssessmentProtocol) error {
	if a.state != stateIdle {
		return fmt.Errorf("cannot start %s assessment: engine is %s", protocol.AssessmentType, a.state)
	}
	a.state = stateInProgress
	a.protocol = protocol
	a.pos = 0
	a.pending = nil
	a.answers = make(map[int]string)
	a.records = nil
	slog.Info("Assessor.Start: assessment started",
		"type", protocol.AssessmentType, "questions", len(protocol.Questions))
	return nil
}

// Active reports whether an assessment is in progress.
func (a *Assessor) Active() bool {
	return a.state == stateInProgress
}

// Complete reports whether all askable questions have been answered.
func (a *Assessor) Complete() bool {
	return a.state == stateComplete
}

// AssessmentType returns the category of the current or just-completed run.
func (a *Assessor) AssessmentType() models.RiskCategory {
	if a.protocol == nil {
		return ""
	}
	return a.protocol.AssessmentType
}

// TotalQuestions returns the question count of the current protocol.
func (a *Assessor) TotalQuestions() int {
	if a.protocol == nil {
		return 0
	}
	return len(a.protocol.Questions)
}

// NextQuestion advances to the next askable question and returns its
// conversational phrasing. done is true once no askable questions remain,
// at which point the engine transitions to complete. If the warm rephrasing
// fails the protocol's own wording is used; questioning never stalls on a
// generation error.
func (a *Assessor) NextQuestion(ctx context.Context) (text string, done bool, err error) {
	switch a.state {
	case stateComplete:
		// Repeated calls after completion stay done with no side effects.
		return "", true, nil
	case stateIdle:
		return "", false, fmt.Errorf("no assessment in progress")
	}

	for a.pos < len(a.protocol.Questions) {
		q := a.protocol.Questions[a.pos]
		a.pos++
		if !a.askable(q) {
			slog.Debug("Assessor.NextQuestion: skipping question, dependency not met",
				"type", a.protocol.AssessmentType, "question", q.ID)
			continue
		}
		a.pending = &q
		return a.rephrase(ctx, q), false, nil
	}

	a.state = stateComplete
	a.pending = nil
	slog.Info("Assessor.NextQuestion: all questions answered",
		"type", a.protocol.AssessmentType, "answered", len(a.records))
	return "", true, nil
}

// RecordAnswer stores the user's answer to the question most recently
// returned by NextQuestion. Calls with no pending question are ignored, so
// stray input after completion cannot corrupt the run.
func (a *Assessor) RecordAnswer(answer string) {
	if a.state != stateInProgress || a.pending == nil {
		slog.Debug("Assessor.RecordAnswer: no pending question, ignoring", "state", a.state)
		return
	}
	q := a.pending
	a.answers[q.ID] = answer
	a.records = append(a.records, models.AnswerRecord{
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Answer:       answer,
		QuestionType: q.Type,
	})
	a.pending = nil
}

// Answers returns a copy of the answers recorded so far, in asking order.
func (a *Assessor) Answers() []models.AnswerRecord {
	out := make([]models.AnswerRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Progress returns a read-only snapshot of the engine's position.
func (a *Assessor) Progress() models.AssessmentProgress {
	p := models.AssessmentProgress{
		Active:            a.state == stateInProgress,
		QuestionsAnswered: len(a.records),
	}
	if a.protocol != nil {
		p.AssessmentType = a.protocol.AssessmentType
		p.TotalQuestions = len(a.protocol.Questions)
		p.CurrentQuestion = a.pos
		if p.TotalQuestions > 0 {
			p.ProgressPercent = float64(a.pos) / float64(p.TotalQuestions) * 100
		}
	}
	return p
}

// AnalyzeSeverity classifies the completed assessment. Generation failures
// propagate so the caller can retry; an unparseable or invalid verdict falls
// back to a conservative medium classification with immediate action flagged,
// because an unreadable clinical verdict must never read as the all-clear.
func (a *Assessor) AnalyzeSeverity(ctx context.Context) (models.SeverityVerdict, error) {
	if a.state != stateComplete {
		return models.SeverityVerdict{}, fmt.Errorf("assessment not complete: engine is %s", a.state)
	}

	raw, err := a.client.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(severitySystemPrompt),
			openai.UserMessage(a.severityInput()),
		},
		genai.WithTemperature(severityTemperature), genai.WithMaxTokens(severityMaxTokens))
	if err != nil {
		slog.Error("Assessor.AnalyzeSeverity: generation failed",
			"type", a.protocol.AssessmentType, "error", err)
		return models.SeverityVerdict{}, fmt.Errorf("severity analysis failed: %w", err)
	}

	var verdict models.SeverityVerdict
	if err := decodeJSONResponse(raw, &verdict); err != nil || !verdict.Severity.Valid() {
		slog.Warn("Assessor.AnalyzeSeverity: malformed verdict, using conservative fallback",
			"type", a.protocol.AssessmentType, "error", err, "raw", raw)
		return a.fallbackVerdict(), nil
	}
	verdict.AssessmentType = a.protocol.AssessmentType

	slog.Info("Assessor.AnalyzeSeverity: severity classified",
		"type", verdict.AssessmentType, "severity", verdict.Severity,
		"immediateAction", verdict.ImmediateActionRequired)
	return verdict, nil
}

// Reset returns the engine to idle, discarding any run in progress.
func (a *Assessor) Reset() {
	a.state = stateIdle
	a.protocol = nil
	a.pos = 0
	a.pending = nil
	a.answers = nil
	a.records = nil
}

func (a *Assessor) fallbackVerdict() models.SeverityVerdict {
	return models.SeverityVerdict{
		AssessmentType:          a.protocol.AssessmentType,
		Severity:                models.SeverityMedium,
		Analysis:                "automated analysis unavailable",
		ImmediateActionRequired: true,
		RecommendedActions:      []string{"consult a professional"},
	}
}

// askable reports whether a question's dependency is satisfied. A question
// with no dependency is always asked; otherwise the referenced question must
// have been answered with the required value, compared case-insensitively
// after trimming whitespace and trailing punctuation.
func (a *Assessor) askable(q models.Question) bool {
	if q.DependsOn == nil {
		return true
	}
	answer, ok := a.answers[q.DependsOn.QuestionID]
	if !ok {
		return false
	}
	return strings.EqualFold(normalizeAnswer(answer), normalizeAnswer(q.DependsOn.RequiredAnswer))
}

func normalizeAnswer(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,!?")
}

// rephrase asks the model for a conversational phrasing of the question,
// giving it the preceding answers so the wording can acknowledge what was
// already shared. Falls back to the protocol wording on any failure.
func (a *Assessor) rephrase(ctx context.Context, q models.Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assessment type: %s\n", a.protocol.AssessmentType)
	if len(a.records) > 0 {
		b.WriteString("Answers so far:\n")
		for _, r := range a.records {
			fmt.Fprintf(&b, "- Q: %s A: %s\n", r.QuestionText, r.Answer)
		}
	}
	fmt.Fprintf(&b, "Question to rephrase: %s\n", q.Text)

	text, err := a.client.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(rephraseSystemPrompt),
			openai.UserMessage(b.String()),
		},
		genai.WithTemperature(rephraseTemperature), genai.WithMaxTokens(rephraseMaxTokens))
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("Assessor.rephrase: rephrasing failed, using protocol wording",
			"type", a.protocol.AssessmentType, "question", q.ID, "error", err)
		return q.Text
	}
	return strings.TrimSpace(text)
}

func (a *Assessor) severityInput() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assessment type: %s\n\n", a.protocol.AssessmentType)
	if len(a.protocol.SeverityCriteria) > 0 {
		criteria, err := json.MarshalIndent(json.RawMessage(a.protocol.SeverityCriteria), "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Severity criteria:\n%s\n\n", criteria)
		}
	}
	b.WriteString("Questions and answers:\n")
	for _, r := range a.records {
		fmt.Fprintf(&b, "- Q%d (%s): %s\n  A: %s\n", r.QuestionID, r.QuestionType, r.QuestionText, r.Answer)
	}
	return b.String()
}

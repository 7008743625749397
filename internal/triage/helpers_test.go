package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openai/openai-go"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
	"github.com/amicahealth/amica/internal/protocol"
)

// scriptedClient replays a fixed sequence of generation results. Components
// call the model in a deterministic order within a turn, so tests script one
// step per expected call. Streaming steps deliver the text as fragments.
type scriptedClient struct {
	t     *testing.T
	steps []genStep
	calls []genCall
}

type genStep struct {
	text string
	err  error
	// fragments, when set, are streamed instead of text; text then holds the
	// partial result accumulated before err.
	fragments []string
}

type genCall struct {
	streaming bool
	messages  []openai.ChatCompletionMessageParamUnion
}

func newScriptedClient(t *testing.T, steps ...genStep) *scriptedClient {
	return &scriptedClient{t: t, steps: steps}
}

func (s *scriptedClient) next(streaming bool, messages []openai.ChatCompletionMessageParamUnion) genStep {
	s.calls = append(s.calls, genCall{streaming: streaming, messages: messages})
	if len(s.steps) == 0 {
		s.t.Fatalf("unexpected generation call %d (streaming=%v)", len(s.calls), streaming)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step
}

func (s *scriptedClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...genai.RequestOption) (string, error) {
	step := s.next(false, messages)
	return step.text, step.err
}

func (s *scriptedClient) StreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, onDelta func(string), opts ...genai.RequestOption) (string, error) {
	step := s.next(true, messages)
	fragments := step.fragments
	if fragments == nil && step.text != "" {
		fragments = []string{step.text}
	}
	var full string
	for _, f := range fragments {
		full += f
		if onDelta != nil {
			onDelta(f)
		}
	}
	return full, step.err
}

func (s *scriptedClient) exhausted() bool { return len(s.steps) == 0 }

// promptText flattens a recorded call's messages to JSON for substring
// assertions on prompt content.
func promptText(t *testing.T, call genCall) string {
	t.Helper()
	data, err := json.Marshal(call.messages)
	if err != nil {
		t.Fatalf("marshaling recorded messages: %v", err)
	}
	return string(data)
}

// Verdict JSON builders for scripting the monitor.

func noRiskJSON() string {
	return `{"detected": false, "categories": [], "confidence": "none"}`
}

func riskJSON(confidence string, categories ...string) string {
	cats := ""
	for i, c := range categories {
		if i > 0 {
			cats += ", "
		}
		cats += fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`{"detected": true, "categories": [%s], "confidence": %q, "triggering_excerpt": "x", "reasoning": "r"}`, cats, confidence)
}

func severityJSON(severity string, immediate bool) string {
	return fmt.Sprintf(`{"severity": %q, "analysis": "a", "immediate_action_required": %v, "key_concerns": [], "recommended_actions": []}`, severity, immediate)
}

// Protocol and resource fixtures.

func suicidalityProtocol() *models.AssessmentProtocol {
	return &models.AssessmentProtocol{
		AssessmentType: models.RiskSuicidality,
		Questions: []models.Question{
			{ID: 1, Text: "Have you wished you were dead?", Type: models.QuestionTypeYesNo},
			{ID: 2, Text: "Have you had thoughts of killing yourself?", Type: models.QuestionTypeYesNo},
			{ID: 3, Text: "Have you thought about how you might do this?", Type: models.QuestionTypeYesNo,
				DependsOn: &models.QuestionDependency{QuestionID: 2, RequiredAnswer: "yes"}},
		},
	}
}

func ipvProtocol() *models.AssessmentProtocol {
	return &models.AssessmentProtocol{
		AssessmentType: models.RiskIntimatePartnerViolence,
		Questions: []models.Question{
			{ID: 1, Text: "Do you feel safe at home?", Type: models.QuestionTypeYesNo},
			{ID: 2, Text: "Has your partner ever physically hurt you?", Type: models.QuestionTypeYesNo},
		},
	}
}

func testRegistry(t *testing.T) *protocol.Registry {
	r, err := protocol.NewRegistry(suicidalityProtocol(), ipvProtocol())
	if err != nil {
		t.Fatalf("building test registry: %v", err)
	}
	return r
}

func testResources() *ResourceDirectory {
	return NewResourceDirectory(map[string]models.CrisisResourceSet{
		"suicidality": {
			Title:           "Immediate Support",
			ImmediateAction: "Call or text 988 now.",
			Resources:       []models.CrisisResource{{Name: "988 Suicide and Crisis Lifeline", Phone: "988"}},
		},
		"general": {
			Title:     "Support Resources",
			Resources: []models.CrisisResource{{Name: "SAMHSA Helpline", Phone: "1-800-662-4357"}},
		},
	})
}

// recordingSink captures every coordinator notification for assertions.
type recordingSink struct {
	NoopSink
	userMessages []string
	modeSwitches []string
	assessments  []models.RiskCategory
	questions    int
	severities   []models.SeverityVerdict
	crises       []models.RiskCategory
	scans        []models.RiskVerdict
}

func (r *recordingSink) OnUserMessage(text string) { r.userMessages = append(r.userMessages, text) }
func (r *recordingSink) OnRiskScan(v models.RiskVerdict) {
	r.scans = append(r.scans, v)
}
func (r *recordingSink) OnModeSwitch(from, to models.ConversationMode) {
	r.modeSwitches = append(r.modeSwitches, string(from)+"->"+string(to))
}
func (r *recordingSink) OnAssessmentStart(c models.RiskCategory, _ int) {
	r.assessments = append(r.assessments, c)
}
func (r *recordingSink) OnQuestion(_, _ int)                 { r.questions++ }
func (r *recordingSink) OnSeverity(v models.SeverityVerdict) { r.severities = append(r.severities, v) }
func (r *recordingSink) OnCrisis(c models.RiskCategory)      { r.crises = append(r.crises, c) }

package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
)

// historyScanWindow is the number of recent turns the monitor examines.
// Older risk signals are expected to have been acted on already.
const historyScanWindow = 5

// Generation parameters for risk screening. Low temperature keeps the
// structured verdict stable.
const (
	monitorTemperature = 0.3
	monitorMaxTokens   = 500
)

const monitorSystemPromptTemplate = `You are a clinical safety screener reviewing a conversation excerpt for
signs of risk. You only screen; you never respond to the user.

Screen for these risk categories: %s.

Respond with a single JSON object and nothing else:
{
  "detected": true or false,
  "categories": ["category", ...],
  "confidence": "none" | "low" | "medium" | "high",
  "triggering_excerpt": "the user's words that triggered the detection",
  "reasoning": "one or two sentences"
}

Only report a category from the list above. If nothing in the excerpt
indicates risk, set detected to false, categories to [], and confidence
to "none". Be sensitive but not alarmist: ordinary sadness or stress
without danger signals is not a detection.`

// Monitor screens recent conversation turns for safety risks. It is
// stateless between scans; every verdict is derived solely from the history
// passed in.
type Monitor struct {
	client     genai.ClientInterface
	categories []models.RiskCategory
}

// NewMonitor creates a risk monitor screening for the given categories.
func NewMonitor(client genai.ClientInterface, categories []models.RiskCategory) *Monitor {
	return &Monitor{client: client, categories: categories}
}

// noRiskVerdict is the fail-safe result used whenever a scan cannot produce
// a trustworthy verdict. The pipeline degrades to a normal conversation
// rather than acting on a misread signal.
func noRiskVerdict() models.RiskVerdict {
	return models.RiskVerdict{Detected: false, Categories: nil, Confidence: models.ConfidenceNone}
}

// Analyze scans the most recent turns of history and returns a risk verdict.
// Generation failures and malformed verdicts both degrade to a no-risk
// verdict; Analyze never fails the turn.
func (m *Monitor) Analyze(ctx context.Context, history []models.ConversationTurn) models.RiskVerdict {
	excerpt := m.formatExcerpt(history)
	if excerpt == "" {
		return noRiskVerdict()
	}

	raw, err := m.client.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(monitorSystemPromptTemplate, m.categoryList())),
			openai.UserMessage("Conversation excerpt:\n" + excerpt),
		},
		genai.WithTemperature(monitorTemperature), genai.WithMaxTokens(monitorMaxTokens))
	if err != nil {
		slog.Warn("Monitor.Analyze: generation failed, treating as no risk", "error", err)
		return noRiskVerdict()
	}

	verdict, err := m.decodeVerdict(raw)
	if err != nil {
		slog.Warn("Monitor.Analyze: malformed verdict, treating as no risk", "error", err, "raw", raw)
		return noRiskVerdict()
	}

	if verdict.Detected {
		slog.Info("Monitor.Analyze: risk detected",
			"categories", verdict.Categories, "confidence", verdict.Confidence)
	} else {
		slog.Debug("Monitor.Analyze: no risk detected")
	}
	return verdict
}

// ShouldEscalate reports whether a verdict warrants interrupting the normal
// conversation. Escalation requires both a detection and at least medium
// confidence; low-confidence detections are recorded but not acted on.
func (m *Monitor) ShouldEscalate(v models.RiskVerdict) bool {
	return v.Detected && (v.Confidence == models.ConfidenceMedium || v.Confidence == models.ConfidenceHigh)
}

// formatExcerpt renders the last historyScanWindow user and assistant turns
// as labeled lines. System turns never reach the screener.
func (m *Monitor) formatExcerpt(history []models.ConversationTurn) string {
	var visible []models.ConversationTurn
	for _, turn := range history {
		if turn.Role == models.RoleSystem {
			continue
		}
		visible = append(visible, turn)
	}
	if len(visible) > historyScanWindow {
		visible = visible[len(visible)-historyScanWindow:]
	}

	var b strings.Builder
	for _, turn := range visible {
		label := "User"
		if turn.Role == models.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, turn.Content)
	}
	return b.String()
}

func (m *Monitor) categoryList() string {
	names := make([]string, len(m.categories))
	for i, c := range m.categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// decodeVerdict parses and validates the screener's JSON output. A verdict
// is rejected when the JSON is malformed, the confidence level is unknown,
// a reported category is outside the screened set, or a detection carries
// no categories.
func (m *Monitor) decodeVerdict(raw string) (models.RiskVerdict, error) {
	var verdict models.RiskVerdict
	if err := decodeJSONResponse(raw, &verdict); err != nil {
		return models.RiskVerdict{}, err
	}
	if !verdict.Confidence.Valid() {
		return models.RiskVerdict{}, fmt.Errorf("invalid confidence %q", verdict.Confidence)
	}
	if verdict.Detected && len(verdict.Categories) == 0 {
		return models.RiskVerdict{}, fmt.Errorf("detection without categories")
	}
	for _, c := range verdict.Categories {
		if !m.screens(c) {
			return models.RiskVerdict{}, fmt.Errorf("unknown category %q", c)
		}
	}
	return verdict, nil
}

func (m *Monitor) screens(c models.RiskCategory) bool {
	for _, known := range m.categories {
		if known == c {
			return true
		}
	}
	return false
}

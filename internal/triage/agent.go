package triage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
)

// Generation parameters for supportive dialogue. Higher temperature than the
// analytical components so responses stay warm and varied.
const (
	agentTemperature = 0.7
	agentMaxTokens   = 2048
)

const defaultAgentSystemPrompt = `You are Amica, a warm and supportive companion. You listen carefully,
respond with empathy, and keep the conversation focused on the person you
are talking with. You are not a therapist and you do not diagnose, but you
take everything shared with you seriously. Keep responses natural and
conversational, usually a few sentences.`

// Agent is the conversational participant. It owns the full dialogue history,
// which is the single source of truth for generation context: every request
// carries the complete history, and the history only grows by whole turns.
type Agent struct {
	client       genai.ClientInterface
	systemPrompt string
	context      string
	history      []models.ConversationTurn
	interactions int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt replaces the default persona prompt.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// NewAgent creates a conversational agent with an empty history.
func NewAgent(client genai.ClientInterface, opts ...AgentOption) *Agent {
	a := &Agent{client: client, systemPrompt: defaultAgentSystemPrompt}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetContext attaches background the agent should carry into generation, such
// as a summary of the user's previous session. It is injected into the system
// prompt, never into the visible history.
func (a *Agent) SetContext(ctx string) {
	a.context = ctx
}

// History returns a copy of the dialogue history.
func (a *Agent) History() []models.ConversationTurn {
	out := make([]models.ConversationTurn, len(a.history))
	copy(out, a.history)
	return out
}

// InteractionCount returns the number of user messages committed to the
// history. The counter tracks the user's side of the dialogue in both modes,
// so assessment answers count the same as normal conversation turns.
func (a *Agent) InteractionCount() int {
	return a.interactions
}

// RecordUserTurn appends a user message to the history and bumps the
// interaction counter without generating a reply. The coordinator uses this
// when it authors the assistant side of the turn itself, e.g. protocol
// questions and crisis responses, so scans still see the user's words.
func (a *Agent) RecordUserTurn(text string) {
	a.history = append(a.history, models.ConversationTurn{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	a.interactions++
}

// RecordAssistantTurn appends an assistant message to the history without
// generating it. Used for coordinator-authored responses.
func (a *Agent) RecordAssistantTurn(text string) {
	a.history = append(a.history, models.ConversationTurn{
		Role:      models.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	})
}

// Respond streams a reply to the user message through onDelta and then
// commits both turns. The history is updated only after the last fragment,
// so a reader mid-stream sees the pre-turn state. A failure before any
// fragment commits nothing, so the caller can retry the turn without
// duplicating the user message; a mid-stream failure commits the fragments
// already delivered, so the history always matches what the user saw.
func (a *Agent) Respond(ctx context.Context, userMessage string, onDelta func(string)) (string, error) {
	slog.Debug("Agent.Respond: generating response", "historyLength", len(a.history), "interactions", a.interactions)

	messages := append(a.buildMessages(), openai.UserMessage(userMessage))
	reply, err := a.client.StreamWithMessages(ctx, messages, onDelta,
		genai.WithTemperature(agentTemperature), genai.WithMaxTokens(agentMaxTokens))
	if err != nil && reply == "" {
		slog.Error("Agent.Respond: generation failed before any fragment", "error", err)
		return "", fmt.Errorf("agent response failed: %w", err)
	}

	a.RecordUserTurn(userMessage)
	if reply != "" {
		a.RecordAssistantTurn(reply)
	}
	if err != nil {
		slog.Error("Agent.Respond: generation failed mid-stream", "error", err, "committedLength", len(reply))
		return reply, fmt.Errorf("agent response failed: %w", err)
	}
	return reply, nil
}

// Reset clears the history, interaction counter, and injected context.
func (a *Agent) Reset() {
	a.history = nil
	a.interactions = 0
	a.context = ""
	slog.Debug("Agent.Reset: conversation state cleared")
}

func (a *Agent) buildMessages() []openai.ChatCompletionMessageParamUnion {
	system := a.systemPrompt
	if a.context != "" {
		system += "\n\nBackground from a previous conversation with this person:\n" + a.context
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(a.history)+1)
	messages = append(messages, openai.SystemMessage(system))
	for _, turn := range a.history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		}
	}
	return messages
}

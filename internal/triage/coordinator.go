package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/models"
	"github.com/amicahealth/amica/internal/protocol"
)

// sessionEndedMessage is the fixed reply for any message arriving after a
// crisis termination. No generation or scanning runs for an ended session.
const sessionEndedMessage = "This session has ended. Please reach out to the resources shared with you, or start a new session when you are ready."

// generationApology is shown when a reply cannot be generated at all. It is
// not committed to the history since the agent never said it.
const generationApology = "I'm sorry, I'm having trouble responding right now. Please give me a moment and try again."

// assessmentBridge introduces the first protocol question when the
// conversation shifts into an assessment.
const assessmentBridge = "Thank you for sharing that with me. I'd like to ask you a few questions to better understand how you're doing."

// Coordinator is the state machine that orchestrates the conversational
// agent, the risk monitor, and the assessment engine for one session. It is
// not safe for concurrent use; callers serialize access per session.
type Coordinator struct {
	agent     *Agent
	monitor   *Monitor
	assessor  *Assessor
	protocols *protocol.Registry
	resources *ResourceDirectory
	sink      EventSink

	mode          models.ConversationMode
	riskQueue     []models.RiskCategory
	sessionActive bool
}

// NewCoordinator wires a session's components together. The monitor screens
// exactly the categories the registry has protocols for, so a detection can
// always be assessed.
func NewCoordinator(client genai.ClientInterface, protocols *protocol.Registry, resources *ResourceDirectory, opts ...AgentOption) *Coordinator {
	return &Coordinator{
		agent:         NewAgent(client, opts...),
		monitor:       NewMonitor(client, protocols.Categories()),
		assessor:      NewAssessor(client),
		protocols:     protocols,
		resources:     resources,
		sink:          NoopSink{},
		mode:          models.ModeNormal,
		sessionActive: true,
	}
}

// SetSink installs an event sink for transcripts and telemetry. Passing nil
// restores the discarding sink.
func (c *Coordinator) SetSink(sink EventSink) {
	if sink == nil {
		sink = NoopSink{}
	}
	c.sink = sink
}

// Agent exposes the session's conversational agent, for context injection
// and summary generation by the session layer.
func (c *Coordinator) Agent() *Agent {
	return c.agent
}

// History returns a copy of the session's dialogue history.
func (c *Coordinator) History() []models.ConversationTurn {
	return c.agent.History()
}

// GetState returns a read-only snapshot of the coordinator.
func (c *Coordinator) GetState() models.CoordinatorState {
	state := models.CoordinatorState{
		Mode:             c.mode,
		RiskQueue:        append([]models.RiskCategory(nil), c.riskQueue...),
		SessionActive:    c.sessionActive,
		InteractionCount: c.agent.InteractionCount(),
	}
	if c.mode == models.ModeAssessment {
		progress := c.assessor.Progress()
		state.AssessmentProgress = &progress
	}
	return state
}

// Reset returns the coordinator to a fresh session: normal mode, empty
// queue, empty history, session active.
func (c *Coordinator) Reset() {
	c.agent.Reset()
	c.assessor.Reset()
	c.mode = models.ModeNormal
	c.riskQueue = nil
	c.sessionActive = true
	slog.Info("Coordinator.Reset: session state cleared")
}

// ProcessMessageText handles one user message without streaming.
func (c *Coordinator) ProcessMessageText(ctx context.Context, text string) (string, error) {
	return c.ProcessMessage(ctx, text, nil)
}

// ProcessMessage handles one user message and returns the full reply. Every
// fragment of the reply is also delivered through onDelta as it becomes
// available, so callers can render incrementally; the returned string is the
// concatenation of everything delivered.
func (c *Coordinator) ProcessMessage(ctx context.Context, text string, onDelta func(string)) (string, error) {
	if !c.sessionActive {
		slog.Debug("Coordinator.ProcessMessage: session ended, returning fixed message")
		c.deliver(onDelta, sessionEndedMessage)
		return sessionEndedMessage, nil
	}

	c.sink.OnUserMessage(text)

	switch c.mode {
	case models.ModeAssessment:
		return c.handleAssessmentMode(ctx, text, onDelta)
	default:
		return c.handleNormalMode(ctx, text, onDelta)
	}
}

// handleNormalMode runs the standard turn: the agent's full reply is
// generated and delivered first, then the monitor scans the post-turn
// history. An escalation only switches the mode; the first protocol question
// goes out with the next user message, never retroactively into the reply
// just delivered.
func (c *Coordinator) handleNormalMode(ctx context.Context, text string, onDelta func(string)) (string, error) {
	c.sink.OnAgentTurnStart()
	reply, genErr := c.agent.Respond(ctx, text, func(delta string) {
		c.sink.OnAgentChunk(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	})

	out := reply
	if genErr != nil && reply == "" {
		// Nothing was delivered; show an apology without committing it.
		c.deliver(onDelta, generationApology)
		out = generationApology
	}
	c.sink.OnAgentTurnEnd(out)

	// The scan still runs on a failed turn; safety screening must not depend
	// on the reply. A turn that failed before any fragment committed nothing,
	// so the user's words are appended to the scanned excerpt without
	// entering the history.
	scanHistory := c.agent.History()
	if genErr != nil && reply == "" {
		scanHistory = append(scanHistory, models.ConversationTurn{
			Role:      models.RoleUser,
			Content:   text,
			Timestamp: time.Now(),
		})
	}
	verdict := c.monitor.Analyze(ctx, scanHistory)
	c.sink.OnRiskScan(verdict)

	if c.monitor.ShouldEscalate(verdict) {
		for _, category := range verdict.Categories {
			c.enqueueRisk(category)
		}
		if len(c.riskQueue) > 0 {
			c.switchMode(models.ModeAssessment)
		}
	}

	if genErr != nil {
		return out, fmt.Errorf("turn completed with generation failure: %w", genErr)
	}
	return out, nil
}

// handleAssessmentMode advances the active assessment by one step: starting
// the queued protocol, recording an answer and asking the next question, or
// closing the assessment out.
func (c *Coordinator) handleAssessmentMode(ctx context.Context, text string, onDelta func(string)) (string, error) {
	// Nothing active and nothing queued should not happen; recover by
	// treating the message as a normal turn.
	if !c.assessor.Active() && !c.assessor.Complete() && len(c.riskQueue) == 0 {
		slog.Error("Coordinator.handleAssessmentMode: assessment mode with empty queue, recovering to normal")
		c.switchMode(models.ModeNormal)
		return c.handleNormalMode(ctx, text, onDelta)
	}

	c.agent.RecordUserTurn(text)

	// A completed assessment still in place means a previous severity
	// analysis failed; retry it before anything else.
	if c.assessor.Complete() {
		return c.finishAssessment(ctx, onDelta)
	}

	if !c.assessor.Active() {
		question, err := c.startNextAssessment(ctx)
		if err != nil {
			return "", err
		}
		reply := assessmentBridge + "\n\n" + question
		c.agent.RecordAssistantTurn(reply)
		c.deliver(onDelta, reply)
		return reply, nil
	}

	c.assessor.RecordAnswer(text)
	question, done, err := c.assessor.NextQuestion(ctx)
	if err != nil {
		return "", fmt.Errorf("assessment advance failed: %w", err)
	}
	if !done {
		progress := c.assessor.Progress()
		c.sink.OnQuestion(progress.CurrentQuestion, progress.TotalQuestions)
		c.agent.RecordAssistantTurn(question)
		c.deliver(onDelta, question)
		return question, nil
	}
	return c.finishAssessment(ctx, onDelta)
}

// finishAssessment classifies severity, dequeues the resolved category, and
// branches: critical outcomes end the session with crisis resources;
// non-critical outcomes acknowledge the result, then either wait for the
// next message to start the next queued assessment or return to normal
// conversation.
func (c *Coordinator) finishAssessment(ctx context.Context, onDelta func(string)) (string, error) {
	category := c.assessor.AssessmentType()

	verdict, err := c.assessor.AnalyzeSeverity(ctx)
	if err != nil {
		// The assessment stays complete; the next message retries here.
		c.deliver(onDelta, generationApology)
		return generationApology, fmt.Errorf("severity analysis for %s failed: %w", category, err)
	}
	c.sink.OnSeverity(verdict)

	if len(c.riskQueue) > 0 && c.riskQueue[0] == category {
		c.riskQueue = c.riskQueue[1:]
	}
	c.assessor.Reset()

	// Only high and imminent severity terminate. The immediate-action flag
	// rides along on the verdict for the record but never ends the session
	// on its own, so the conservative fallback verdict resolves as
	// inform-and-continue.
	if verdict.Severity.Critical() {
		return c.enterCrisis(category, verdict, onDelta), nil
	}

	var out strings.Builder
	out.WriteString("Thank you for answering those questions with me. ")
	switch verdict.Severity {
	case models.SeverityMedium:
		out.WriteString("It sounds like things have been genuinely hard, and I want you to know support is available.")
		if summary := c.resources.FormatSummary(category); summary != "" {
			out.WriteString(" " + summary)
		}
	default:
		out.WriteString("I'm glad we talked through it. I'm here whenever you want to keep talking.")
	}

	if len(c.riskQueue) > 0 {
		out.WriteString("\n\nWhen you're ready, there's one more thing I'd like to ask you about.")
	} else {
		c.switchMode(models.ModeNormal)
	}

	reply := out.String()
	c.agent.RecordAssistantTurn(reply)
	c.deliver(onDelta, reply)
	return reply, nil
}

// enterCrisis delivers the analysis and crisis resources, then permanently
// ends the session.
func (c *Coordinator) enterCrisis(category models.RiskCategory, verdict models.SeverityVerdict, onDelta func(string)) string {
	slog.Warn("Coordinator.enterCrisis: critical severity, ending session",
		"category", category, "severity", verdict.Severity,
		"immediateAction", verdict.ImmediateActionRequired)
	c.sink.OnCrisis(category)

	var out strings.Builder
	out.WriteString("Thank you for being honest with me about what you're going through. What you've shared matters, and your safety comes first.\n\n")
	if verdict.Analysis != "" {
		out.WriteString(verdict.Analysis + "\n\n")
	}
	out.WriteString(c.resources.FormatFull(category))
	out.WriteString("\n\nPlease reach out to one of these right now. This session will close so you can focus on getting support.")

	reply := out.String()
	c.agent.RecordAssistantTurn(reply)
	c.sessionActive = false
	c.deliver(onDelta, reply)
	return reply
}

// startNextAssessment begins the protocol for the queue head and returns the
// first question's conversational phrasing. The category stays at the head
// until the assessment resolves, so it cannot be re-queued while active.
func (c *Coordinator) startNextAssessment(ctx context.Context) (string, error) {
	category := c.riskQueue[0]

	proto, err := c.protocols.Get(category)
	if err != nil {
		return "", fmt.Errorf("cannot start assessment: %w", err)
	}
	if err := c.assessor.Start(proto); err != nil {
		return "", fmt.Errorf("cannot start assessment for %s: %w", category, err)
	}

	c.switchMode(models.ModeAssessment)
	c.sink.OnAssessmentStart(category, len(proto.Questions))

	question, done, err := c.assessor.NextQuestion(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot fetch first question for %s: %w", category, err)
	}
	if done {
		return "", fmt.Errorf("protocol for %s produced no askable questions", category)
	}
	progress := c.assessor.Progress()
	c.sink.OnQuestion(progress.CurrentQuestion, progress.TotalQuestions)
	return question, nil
}

// enqueueRisk appends a category to the FIFO queue unless it is already
// queued or has no registered protocol. An actively assessed category sits
// at the queue head until resolved, so the membership check also covers it.
func (c *Coordinator) enqueueRisk(category models.RiskCategory) {
	if !c.protocols.Has(category) {
		slog.Warn("Coordinator.enqueueRisk: no protocol for detected category, dropping", "category", category)
		return
	}
	for _, queued := range c.riskQueue {
		if queued == category {
			return
		}
	}
	c.riskQueue = append(c.riskQueue, category)
	slog.Info("Coordinator.enqueueRisk: risk queued", "category", category, "queueLength", len(c.riskQueue))
}

func (c *Coordinator) switchMode(to models.ConversationMode) {
	if c.mode == to {
		return
	}
	from := c.mode
	c.mode = to
	slog.Info("Coordinator.switchMode: mode changed", "from", from, "to", to)
	c.sink.OnModeSwitch(from, to)
}

func (c *Coordinator) deliver(onDelta func(string), text string) {
	if onDelta != nil {
		onDelta(text)
	}
}

package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/amicahealth/amica/internal/models"
)

func newTestCoordinator(t *testing.T, steps ...genStep) (*Coordinator, *scriptedClient, *recordingSink) {
	t.Helper()
	client := newScriptedClient(t, steps...)
	c := NewCoordinator(client, testRegistry(t), testResources())
	sink := &recordingSink{}
	c.SetSink(sink)
	return c, client, sink
}

func process(t *testing.T, c *Coordinator, text string) string {
	t.Helper()
	reply, err := c.ProcessMessageText(context.Background(), text)
	if err != nil {
		t.Fatalf("ProcessMessage(%q) failed: %v", text, err)
	}
	return reply
}

func TestCoordinator_NormalTurnNoRisk(t *testing.T) {
	c, client, sink := newTestCoordinator(t,
		genStep{fragments: []string{"Nice to ", "meet you!"}},
		genStep{text: noRiskJSON()},
	)

	var streamed strings.Builder
	reply, err := c.ProcessMessage(context.Background(), "hi, rough week", func(d string) { streamed.WriteString(d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Nice to meet you!" {
		t.Errorf("unexpected reply %q", reply)
	}
	if streamed.String() != reply {
		t.Errorf("deltas %q must concatenate to the returned reply %q", streamed.String(), reply)
	}

	state := c.GetState()
	if state.Mode != models.ModeNormal || !state.SessionActive {
		t.Errorf("unexpected state %+v", state)
	}
	if state.InteractionCount != 1 {
		t.Errorf("expected 1 interaction, got %d", state.InteractionCount)
	}
	if len(sink.scans) != 1 || sink.scans[0].Detected {
		t.Errorf("expected one no-risk scan event, got %+v", sink.scans)
	}
	if !client.exhausted() {
		t.Error("expected exactly two generation calls")
	}
}

func TestCoordinator_LowConfidenceDetectionDoesNotEscalate(t *testing.T) {
	c, _, _ := newTestCoordinator(t,
		genStep{text: "I'm listening."},
		genStep{text: riskJSON("low", "suicidality")},
	)
	process(t, c, "sometimes everything feels pointless")

	state := c.GetState()
	if state.Mode != models.ModeNormal {
		t.Errorf("low confidence must not switch modes, got %s", state.Mode)
	}
	if len(state.RiskQueue) != 0 {
		t.Errorf("low confidence must not queue risks, got %v", state.RiskQueue)
	}
}

func TestCoordinator_EscalationSwitchesModeForNextTurn(t *testing.T) {
	c, _, sink := newTestCoordinator(t,
		genStep{text: "I'm really glad you told me."},
		genStep{text: riskJSON("high", "suicidality")},
	)

	// The escalating turn delivers only the agent's reply; the mode switch
	// takes effect with the next message.
	reply := process(t, c, "I don't want to be alive anymore")
	if reply != "I'm really glad you told me." {
		t.Errorf("escalating turn must not alter the delivered reply, got %q", reply)
	}

	state := c.GetState()
	if state.Mode != models.ModeAssessment {
		t.Fatalf("expected assessment mode, got %s", state.Mode)
	}
	if len(state.RiskQueue) != 1 || state.RiskQueue[0] != models.RiskSuicidality {
		t.Errorf("expected suicidality at the queue head, got %v", state.RiskQueue)
	}
	if len(sink.modeSwitches) != 1 || sink.modeSwitches[0] != "normal->assessment" {
		t.Errorf("unexpected mode switches %v", sink.modeSwitches)
	}
	if len(sink.assessments) != 0 {
		t.Error("assessment must not start until the next user message")
	}
}

func TestCoordinator_FirstQuestionOnFollowingMessage(t *testing.T) {
	c, _, sink := newTestCoordinator(t,
		genStep{text: "I'm really glad you told me."},
		genStep{text: riskJSON("high", "suicidality")},
		genStep{text: "Have you been wishing you weren't here?"},
	)

	process(t, c, "I don't want to be alive anymore")
	reply := process(t, c, "okay")

	if !strings.Contains(reply, "Have you been wishing you weren't here?") {
		t.Errorf("expected the first protocol question, got %q", reply)
	}
	if !strings.Contains(reply, assessmentBridge) {
		t.Error("expected the bridge text before the first question")
	}

	state := c.GetState()
	if state.AssessmentProgress == nil || state.AssessmentProgress.AssessmentType != models.RiskSuicidality {
		t.Errorf("expected active suicidality assessment, got %+v", state.AssessmentProgress)
	}
	if len(state.RiskQueue) != 1 {
		t.Errorf("active category must stay at the queue head, got %v", state.RiskQueue)
	}
	if len(sink.assessments) != 1 || sink.assessments[0] != models.RiskSuicidality {
		t.Errorf("unexpected assessment starts %v", sink.assessments)
	}

	// The question is committed so later scans and summaries see it.
	history := c.History()
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || !strings.Contains(last.Content, "wishing you weren't here") {
		t.Errorf("expected the question committed as an assistant turn, got %+v", last)
	}
}

func TestCoordinator_CrisisTerminatesSession(t *testing.T) {
	c, client, sink := newTestCoordinator(t,
		// Turn 1: escalation detected, mode switches.
		genStep{text: "Thank you for telling me."},
		genStep{text: riskJSON("high", "suicidality")},
		// Turn 2: assessment starts, q1 asked.
		genStep{text: "q1?"},
		// Turns 3-4: answers advance through q2 and q3.
		genStep{text: "q2?"},
		genStep{text: "q3?"},
		// Turn 5: final answer, severity imminent.
		genStep{text: severityJSON("imminent", true)},
	)

	process(t, c, "I want to end it")
	process(t, c, "okay")
	process(t, c, "yes")
	process(t, c, "yes")
	reply := process(t, c, "yes, I have a plan")

	if !strings.Contains(reply, "988") {
		t.Error("crisis reply must include the configured crisis resources")
	}
	if !strings.Contains(reply, "Call or text 988 now.") {
		t.Error("crisis reply must include the immediate action line")
	}

	state := c.GetState()
	if state.SessionActive {
		t.Fatal("session must be inactive after a crisis termination")
	}
	if len(state.RiskQueue) != 0 {
		t.Errorf("resolved category must be dequeued, got %v", state.RiskQueue)
	}
	if len(sink.crises) != 1 || sink.crises[0] != models.RiskSuicidality {
		t.Errorf("expected one crisis event for suicidality, got %v", sink.crises)
	}
	if len(sink.severities) != 1 || sink.severities[0].Severity != models.SeverityImminent {
		t.Errorf("unexpected severity events %+v", sink.severities)
	}
	if !client.exhausted() {
		t.Error("unexpected remaining scripted steps")
	}

	// Every message after termination gets the same fixed reply with no
	// generation at all.
	for i := 0; i < 2; i++ {
		after := process(t, c, "hello?")
		if after != sessionEndedMessage {
			t.Errorf("expected fixed session-ended message, got %q", after)
		}
	}
	if len(client.calls) != 6 {
		t.Errorf("ended session must not trigger generation, got %d calls", len(client.calls))
	}
}

func TestCoordinator_QueuedRisksRunSequentially(t *testing.T) {
	c, _, sink := newTestCoordinator(t,
		// Turn 1: both categories detected and queued; duplicates dropped.
		genStep{text: "That sounds like a lot."},
		genStep{text: riskJSON("high", "suicidality", "ipv", "suicidality")},
		// Turn 2: suicidality assessment starts.
		genStep{text: "s-q1?"},
		// Turn 3: "no" answered, q2 asked.
		genStep{text: "s-q2?"},
		// Turn 4: "no" skips the dependent q3; severity low resolves it.
		genStep{text: severityJSON("low", false)},
		// Turn 5: ipv assessment starts from the queue.
		genStep{text: "ipv-q1?"},
		// Turn 6: answer q1, ask q2.
		genStep{text: "ipv-q2?"},
		// Turn 7: final answer; severity medium ends in normal mode.
		genStep{text: severityJSON("medium", false)},
	)

	process(t, c, "my partner scares me and I don't want to live like this")
	if q := c.GetState().RiskQueue; len(q) != 2 {
		t.Fatalf("expected both categories queued once, got %v", q)
	}

	process(t, c, "okay")
	process(t, c, "no")
	reply := process(t, c, "no")
	if !strings.Contains(reply, "one more thing") {
		t.Error("expected a pointer to the next queued assessment")
	}
	if q := c.GetState().RiskQueue; len(q) != 1 || q[0] != models.RiskIntimatePartnerViolence {
		t.Fatalf("expected ipv remaining after suicidality resolved, got %v", q)
	}
	if c.GetState().Mode != models.ModeAssessment {
		t.Fatal("queue non-empty must keep the coordinator in assessment mode")
	}

	reply = process(t, c, "alright")
	if !strings.Contains(reply, "ipv-q1?") {
		t.Errorf("expected the first ipv question, got %q", reply)
	}

	process(t, c, "yes")
	reply = process(t, c, "no")
	if !strings.Contains(reply, "SAMHSA Helpline") {
		t.Error("medium severity should offer the support resource summary")
	}

	state := c.GetState()
	if state.Mode != models.ModeNormal || !state.SessionActive {
		t.Errorf("expected a live normal-mode session, got %+v", state)
	}
	if len(state.RiskQueue) != 0 {
		t.Errorf("expected drained queue, got %v", state.RiskQueue)
	}
	if len(sink.assessments) != 2 {
		t.Errorf("expected two assessments run, got %v", sink.assessments)
	}
	if len(sink.crises) != 0 {
		t.Errorf("non-critical outcomes must not raise crisis events, got %v", sink.crises)
	}
}

func TestCoordinator_ImmediateFlagAloneDoesNotTerminate(t *testing.T) {
	c, _, sink := newTestCoordinator(t,
		genStep{text: "ok"},
		genStep{text: riskJSON("medium", "ipv")},
		genStep{text: "q1?"},
		genStep{text: "q2?"},
		// Medium severity with the immediate-action flag set, the shape the
		// conservative severity fallback produces.
		genStep{text: severityJSON("medium", true)},
	)

	process(t, c, "my partner hits me")
	process(t, c, "okay")
	process(t, c, "no")
	reply := process(t, c, "yes")

	if !strings.Contains(reply, "Thank you for answering") {
		t.Errorf("expected an acknowledgment, got %q", reply)
	}
	if !strings.Contains(reply, "SAMHSA Helpline") {
		t.Error("medium severity should offer the support resource summary")
	}
	if strings.Contains(reply, "This session will close") {
		t.Error("non-critical severity must not terminate the session")
	}

	state := c.GetState()
	if !state.SessionActive {
		t.Fatal("session must stay active on medium severity")
	}
	if state.Mode != models.ModeNormal || len(state.RiskQueue) != 0 {
		t.Errorf("expected a return to normal mode with a drained queue, got %+v", state)
	}
	if len(sink.crises) != 0 {
		t.Errorf("no crisis event expected, got %v", sink.crises)
	}
	if len(sink.severities) != 1 || !sink.severities[0].ImmediateActionRequired {
		t.Errorf("the flag must still reach the sink on the verdict, got %+v", sink.severities)
	}
}

func TestCoordinator_GenerationFailureStillScans(t *testing.T) {
	c, client, _ := newTestCoordinator(t,
		genStep{err: errors.New("upstream down")},
		genStep{text: noRiskJSON()},
	)

	reply, err := c.ProcessMessageText(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected the generation failure to surface")
	}
	if reply != generationApology {
		t.Errorf("expected apology reply, got %q", reply)
	}
	if !client.exhausted() {
		t.Error("risk scan must still run after a failed agent turn")
	}
	// The uncommitted user message still reaches the screener.
	if scan := promptText(t, client.calls[1]); !strings.Contains(scan, "hello") {
		t.Error("expected the user's words in the scanned excerpt")
	}

	// Neither the apology nor the user turn is committed, so the whole turn
	// can be retried without duplication.
	if history := c.History(); len(history) != 0 {
		t.Errorf("expected nothing committed, got %+v", history)
	}
	state := c.GetState()
	if state.Mode != models.ModeNormal || !state.SessionActive {
		t.Errorf("failed turn must not corrupt state, got %+v", state)
	}
	if state.InteractionCount != 0 {
		t.Errorf("failed turn must not count as an interaction, got %d", state.InteractionCount)
	}
}

func TestCoordinator_PartialReplyCommittedOnMidStreamFailure(t *testing.T) {
	c, _, _ := newTestCoordinator(t,
		genStep{fragments: []string{"I hear you, "}, err: errors.New("connection reset")},
		genStep{text: noRiskJSON()},
	)

	reply, err := c.ProcessMessageText(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if reply != "I hear you, " {
		t.Errorf("expected the delivered fragments as the reply, got %q", reply)
	}
	history := c.History()
	if len(history) != 2 || history[1].Content != "I hear you, " {
		t.Errorf("history must hold exactly the delivered fragments, got %+v", history)
	}
}

func TestCoordinator_SeverityFailureRetriesNextTurn(t *testing.T) {
	c, client, sink := newTestCoordinator(t,
		// Escalate, start the ipv assessment, answer both questions.
		genStep{text: "ok"},
		genStep{text: riskJSON("medium", "ipv")},
		genStep{text: "q1?"},
		genStep{text: "q2?"},
		// Severity analysis fails on the closing turn.
		genStep{err: errors.New("timeout")},
		// The next message retries the analysis directly.
		genStep{text: severityJSON("low", false)},
	)

	process(t, c, "my partner hits me")
	process(t, c, "okay")
	process(t, c, "no")
	reply, err := c.ProcessMessageText(context.Background(), "yes")
	if err == nil {
		t.Fatal("expected severity failure to surface")
	}
	if reply != generationApology {
		t.Errorf("expected apology on severity failure, got %q", reply)
	}
	if state := c.GetState(); state.Mode != models.ModeAssessment || len(state.RiskQueue) != 1 {
		t.Fatalf("coordinator must stay in assessment mode with the category queued, got %+v", state)
	}

	reply = process(t, c, "are you still there?")
	if !strings.Contains(reply, "Thank you for answering") {
		t.Errorf("expected the assessment to close on retry, got %q", reply)
	}
	if state := c.GetState(); state.Mode != models.ModeNormal || len(state.RiskQueue) != 0 {
		t.Errorf("expected normal mode with a drained queue after the retry, got %+v", state)
	}
	if len(sink.severities) != 1 || sink.severities[0].Severity != models.SeverityLow {
		t.Errorf("unexpected severity events %+v", sink.severities)
	}
	if !client.exhausted() {
		t.Error("unexpected remaining scripted steps")
	}
}

func TestCoordinator_Reset(t *testing.T) {
	c, _, _ := newTestCoordinator(t,
		genStep{text: "ok"},
		genStep{text: riskJSON("high", "suicidality")},
	)
	process(t, c, "I can't go on")
	if c.GetState().Mode != models.ModeAssessment {
		t.Fatal("setup: expected assessment mode")
	}

	c.Reset()
	state := c.GetState()
	if state.Mode != models.ModeNormal || !state.SessionActive {
		t.Errorf("unexpected state after reset %+v", state)
	}
	if state.InteractionCount != 0 || len(state.RiskQueue) != 0 {
		t.Errorf("expected cleared counters and queue, got %+v", state)
	}
	if len(c.History()) != 0 {
		t.Error("expected empty history after reset")
	}
}

func TestCoordinator_UserMessagesReachSinkAndHistory(t *testing.T) {
	c, _, sink := newTestCoordinator(t,
		genStep{text: "ok"},
		genStep{text: riskJSON("high", "ipv")},
		genStep{text: "q1?"},
	)
	process(t, c, "first")
	process(t, c, "second")

	if len(sink.userMessages) != 2 {
		t.Fatalf("expected 2 user-message events, got %v", sink.userMessages)
	}
	// Assessment-mode messages are still user turns in the history so later
	// scans and summaries include them.
	var userTurns int
	for _, turn := range c.History() {
		if turn.Role == models.RoleUser {
			userTurns++
		}
	}
	if userTurns != 2 {
		t.Errorf("expected 2 user turns in history, got %d", userTurns)
	}
	if c.GetState().InteractionCount != 2 {
		t.Errorf("expected interaction count 2, got %d", c.GetState().InteractionCount)
	}
}

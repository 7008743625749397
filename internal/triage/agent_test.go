package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/amicahealth/amica/internal/models"
)

func TestAgentRespond_CommitsBothTurns(t *testing.T) {
	client := newScriptedClient(t,
		genStep{fragments: []string{"Hi", " there!"}},
		genStep{text: "Good, thanks."},
	)
	agent := NewAgent(client)

	var streamed strings.Builder
	reply, err := agent.Respond(context.Background(), "hello", func(d string) { streamed.WriteString(d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hi there!" {
		t.Errorf("unexpected reply %q", reply)
	}
	if streamed.String() != reply {
		t.Errorf("streamed %q does not match committed reply %q", streamed.String(), reply)
	}

	if _, err := agent.Respond(context.Background(), "how are you?", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	history := agent.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 turns after 2 exchanges, got %d", len(history))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("turn %d: expected role %s, got %s", i, want, history[i].Role)
		}
	}
	if agent.InteractionCount() != 2 {
		t.Errorf("expected 2 interactions, got %d", agent.InteractionCount())
	}
}

func TestAgentRespond_PartialCommitOnStreamFailure(t *testing.T) {
	client := newScriptedClient(t,
		genStep{fragments: []string{"I hear "}, err: errors.New("connection reset")},
	)
	agent := NewAgent(client)

	reply, err := agent.Respond(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("expected error from failed stream")
	}
	if reply != "I hear " {
		t.Errorf("expected partial fragments returned, got %q", reply)
	}

	history := agent.History()
	if len(history) != 2 {
		t.Fatalf("expected user turn plus partial assistant turn, got %d turns", len(history))
	}
	if history[1].Content != "I hear " {
		t.Errorf("history should hold exactly the delivered fragments, got %q", history[1].Content)
	}
}

func TestAgentRespond_NothingCommittedWhenNothingDelivered(t *testing.T) {
	client := newScriptedClient(t,
		genStep{err: errors.New("boom")},
		genStep{text: "hello again"},
	)
	agent := NewAgent(client)

	if _, err := agent.Respond(context.Background(), "hello", nil); err == nil {
		t.Fatal("expected error")
	}
	if history := agent.History(); len(history) != 0 {
		t.Fatalf("failed turn with no fragments must commit nothing, got %+v", history)
	}
	if agent.InteractionCount() != 0 {
		t.Errorf("expected 0 interactions, got %d", agent.InteractionCount())
	}

	// Retrying the whole turn records the user message exactly once.
	if _, err := agent.Respond(context.Background(), "hello", nil); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	history := agent.History()
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("expected one user and one assistant turn after retry, got %+v", history)
	}
	if agent.InteractionCount() != 1 {
		t.Errorf("expected 1 interaction after retry, got %d", agent.InteractionCount())
	}
}

func TestAgentReset(t *testing.T) {
	client := newScriptedClient(t, genStep{text: "hi"})
	agent := NewAgent(client)
	agent.SetContext("previous session summary")
	if _, err := agent.Respond(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}

	agent.Reset()
	if len(agent.History()) != 0 {
		t.Error("expected empty history after reset")
	}
	if agent.InteractionCount() != 0 {
		t.Error("expected zero interactions after reset")
	}
}

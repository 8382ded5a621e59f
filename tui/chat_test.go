package tui

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/toolclient"
)

type fakeSession struct {
	sent     []string
	approved int
	rejected int
	events   chan agent.Event
	state    agent.TurnState
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan agent.Event, 8), state: agent.StateIdle}
}

func (f *fakeSession) SendUserMessage(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) Approve() error {
	f.approved++
	return nil
}

func (f *fakeSession) Reject() error {
	f.rejected++
	return nil
}

func (f *fakeSession) Subscribe() <-chan agent.Event { return f.events }
func (f *fakeSession) State() agent.TurnState        { return f.state }

type fixedStatus toolclient.State

func (s fixedStatus) State() toolclient.State { return toolclient.State(s) }

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func newReadyModel(t *testing.T, sess *fakeSession) ChatModel {
	t.Helper()
	m := NewChat(context.Background(), sess, fixedStatus(toolclient.Connected), Options{Model: "qwen3"})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 60, Height: 24})
	return updated.(ChatModel)
}

func typeText(m ChatModel, text string) ChatModel {
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return updated.(ChatModel)
}

func press(m ChatModel, key tea.KeyType) (ChatModel, tea.Cmd) {
	updated, cmd := m.Update(tea.KeyMsg{Type: key})
	return updated.(ChatModel), cmd
}

func deliver(m ChatModel, e agent.Event) ChatModel {
	updated, _ := m.Update(eventMsg{event: e})
	return updated.(ChatModel)
}

func TestEnterSendsMessage(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)

	m = typeText(m, "how many rows?")
	m, cmd := press(m, tea.KeyEnter)
	if cmd == nil {
		t.Fatalf("expected a send command")
	}
	if msg := cmd(); msg.(sendErrMsg).err != nil {
		t.Fatalf("unexpected send error %v", msg)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "how many rows?" {
		t.Fatalf("expected message to be sent, got %v", sess.sent)
	}
	if m.state != agent.StateAwaitingModel {
		t.Fatalf("expected awaiting_model, got %s", m.state)
	}
	if m.textarea.Value() != "" {
		t.Fatalf("expected input to be cleared")
	}
}

func TestApprovalKeys(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)

	proposal := agent.Event{Type: agent.EventToolsProposed, State: agent.StateAwaitingApproval, Queries: []string{"SELECT 1"}}
	m = deliver(m, proposal)
	if !strings.Contains(stripANSI(m.View()), "Run this query?") {
		t.Fatalf("expected approval prompt in view")
	}
	if !strings.Contains(stripANSI(m.viewport.View()), "SELECT 1") {
		t.Fatalf("expected proposed SQL in transcript")
	}

	m = typeText(m, "y")
	if sess.approved != 1 {
		t.Fatalf("expected approve, got %d", sess.approved)
	}
	if m.textarea.Value() != "" {
		t.Fatalf("approval key must not reach the input")
	}

	m = deliver(m, proposal)
	m = typeText(m, "n")
	if sess.rejected != 1 {
		t.Fatalf("expected reject, got %d", sess.rejected)
	}
}

func TestTypingDuringApprovalSupersedes(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)
	m = deliver(m, agent.Event{Type: agent.EventToolsProposed, State: agent.StateAwaitingApproval, Queries: []string{"SELECT 1"}})

	m = typeText(m, "never mind, count users")
	if sess.approved != 0 || sess.rejected != 0 {
		t.Fatalf("typed text must not decide the proposal")
	}
	_, cmd := press(m, tea.KeyEnter)
	if cmd == nil {
		t.Fatalf("expected a send command")
	}
	cmd()
	if len(sess.sent) != 1 || sess.sent[0] != "never mind, count users" {
		t.Fatalf("expected superseding message, got %v", sess.sent)
	}
}

func TestInputIgnoredWhileModelRuns(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)
	m = deliver(m, agent.Event{Type: agent.EventThinking, State: agent.StateAwaitingModel, Round: 1})

	m = typeText(m, "hello")
	_, cmd := press(m, tea.KeyEnter)
	if cmd != nil {
		cmd()
	}
	if len(sess.sent) != 0 {
		t.Fatalf("expected no message while the model runs, got %v", sess.sent)
	}
	if !strings.Contains(stripANSI(m.View()), "Thinking...") {
		t.Fatalf("expected thinking indicator")
	}
}

func TestTurnCompleteShowsAnswerAndStatus(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)
	m = deliver(m, agent.Event{
		Type:    agent.EventTurnComplete,
		State:   agent.StateIdle,
		Content: "There is 1 row.",
		Queries: []string{"SELECT 1"},
		Outcome: agent.OutcomeAnswered,
	})

	view := stripANSI(m.View())
	if !strings.Contains(view, "There is 1 row.") {
		t.Fatalf("expected answer in view:\n%s", view)
	}
	if !strings.Contains(view, "connected") || !strings.Contains(view, "queries: 1") {
		t.Fatalf("expected status line with tool state and query count:\n%s", view)
	}
}

func TestViewDoesNotOverflowTerminalWidth(t *testing.T) {
	sess := newFakeSession()
	m := newReadyModel(t, sess)
	m = deliver(m, agent.Event{Type: agent.EventTurnComplete, State: agent.StateIdle, Content: strings.Repeat("word ", 60)})

	for i, line := range strings.Split(stripANSI(m.View()), "\n") {
		if utf8.RuneCountInString(line) > 60 {
			t.Fatalf("line %d exceeds terminal width: %q", i+1, line)
		}
	}
}

func TestClip(t *testing.T) {
	in := strings.Repeat("row\n", 20) + "row"
	out := clip(in, 5)
	if strings.Count(out, "\n") != 5 || !strings.HasSuffix(out, "16 more lines") {
		t.Fatalf("unexpected clip output %q", out)
	}
	if clip("a\nb", 5) != "a\nb" {
		t.Fatalf("short text must be unchanged")
	}
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/toolclient"
	"github.com/nachoal/sqlchat-go/tools"
)

type stubAdapter struct {
	mu       sync.Mutex
	respond  func(n int, msgs []llm.Message, catalog []llm.ToolDescriptor) (*llm.Message, error)
	requests [][]llm.Message
	catalogs [][]llm.ToolDescriptor
}

func (a *stubAdapter) Complete(ctx context.Context, msgs []llm.Message, catalog []llm.ToolDescriptor) (*llm.Message, error) {
	a.mu.Lock()
	a.requests = append(a.requests, msgs)
	a.catalogs = append(a.catalogs, catalog)
	n := len(a.requests)
	a.mu.Unlock()
	return a.respond(n, msgs, catalog)
}

func (a *stubAdapter) Protocol() llm.Protocol { return llm.StructuredMessages }

func (a *stubAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *stubAdapter) request(i int) ([]llm.Message, []llm.ToolDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i], a.catalogs[i]
}

// scripted replays replies in order, repeating the last one.
func scripted(replies ...*llm.Message) *stubAdapter {
	return &stubAdapter{respond: func(n int, _ []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		if n > len(replies) {
			n = len(replies)
		}
		return replies[n-1], nil
	}}
}

type stubTools struct {
	mu      sync.Mutex
	invoked []string
	results map[string]tools.Result
	err     error
	onCall  func(query string)
}

func (s *stubTools) Catalog() []llm.ToolDescriptor {
	return []llm.ToolDescriptor{tools.QueryDescriptor()}
}

func (s *stubTools) Invoke(_ context.Context, name string, args map[string]any) (tools.Result, error) {
	q, _ := args["query"].(string)
	if s.onCall != nil {
		s.onCall(q)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoked = append(s.invoked, q)
	if s.err != nil {
		return tools.Result{}, s.err
	}
	if r, ok := s.results[q]; ok {
		return r, nil
	}
	return tools.TextResult("1"), nil
}

func (s *stubTools) invocations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invoked...)
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *memoryRecorder) Record(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memoryRecorder) Close() error { return nil }

func queryCall(id, query string) llm.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query})
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: tools.QueryToolName, Arguments: args}}
}

func proposes(calls ...llm.ToolCall) *llm.Message {
	return &llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}
}

func says(text string) *llm.Message {
	m := llm.AssistantMessage(text)
	return &m
}

func approveAll([]llm.ToolCall) bool { return true }
func rejectAll([]llm.ToolCall) bool  { return false }

// runTurn sends text and answers every proposal with decide until the turn completes.
func runTurn(t *testing.T, s *Session, text string, decide func([]llm.ToolCall) bool) (Event, int) {
	t.Helper()
	events := s.Subscribe()
	if err := s.SendUserMessage(context.Background(), text); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	proposals := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			switch e.Type {
			case EventToolsProposed:
				proposals++
				var err error
				if decide(e.ToolCalls) {
					err = s.Approve()
				} else {
					err = s.Reject()
				}
				if err != nil {
					t.Fatalf("decision failed: %v", err)
				}
			case EventTurnComplete:
				return e, proposals
			}
		case <-timeout:
			t.Fatalf("turn did not complete (state %s)", s.State())
		}
	}
}

func TestTurn_SelectOneScenario(t *testing.T) {
	adapter := scripted(proposes(queryCall("call_1", "SELECT 1")), says("The result is 1."))
	toolsvc := &stubTools{}
	s := New(adapter, toolsvc, WithChaining(false))
	defer s.Close()

	done, proposals := runTurn(t, s, "SELECT 1", approveAll)

	if done.Content != "The result is 1." || done.Outcome != OutcomeAnswered {
		t.Fatalf("expected final answer, got %q (%s)", done.Content, done.Outcome)
	}
	if proposals != 1 {
		t.Fatalf("expected one approval request, got %d", proposals)
	}
	scratch := s.Scratch()
	if len(scratch.Queries) != 1 || scratch.Queries[0] != "SELECT 1" {
		t.Fatalf("expected scratch [SELECT 1], got %v", scratch.Queries)
	}
	if adapter.calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", adapter.calls())
	}
	if _, catalog := adapter.request(0); len(catalog) != 1 || catalog[0].Name != tools.QueryToolName {
		t.Fatalf("expected the query tool offered on the first round, got %+v", catalog)
	}
	if _, catalog := adapter.request(1); catalog != nil {
		t.Fatalf("expected no tool catalog on the final round, got %+v", catalog)
	}

	h := s.History()
	roles := make([]string, len(h))
	for i, m := range h {
		roles[i] = string(m.Role)
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,tool,assistant" {
		t.Fatalf("unexpected history shape %s", got)
	}
	if h[3].ToolCallID != "call_1" || h[3].Text() != "1" {
		t.Fatalf("unexpected tool message %+v", h[3])
	}
}

func TestTurn_StepBound(t *testing.T) {
	for _, maxSteps := range []int{1, 2, 3, 8} {
		t.Run(fmt.Sprintf("max_%d", maxSteps), func(t *testing.T) {
			// Always proposes, reusing the same id every round.
			adapter := scripted(proposes(queryCall("call_1", "SELECT 1")))
			toolsvc := &stubTools{}
			s := New(adapter, toolsvc, WithMaxSteps(maxSteps))
			defer s.Close()

			done, _ := runTurn(t, s, "loop forever", approveAll)

			if done.Outcome != OutcomeStepLimit || done.Content != MsgStepLimit {
				t.Fatalf("expected step limit message, got %q (%s)", done.Content, done.Outcome)
			}
			if adapter.calls() != maxSteps {
				t.Fatalf("expected exactly %d model calls, got %d", maxSteps, adapter.calls())
			}
			if got := len(toolsvc.invocations()); got != maxSteps-1 {
				t.Fatalf("expected %d tool invocations, got %d", maxSteps-1, got)
			}
			if _, catalog := adapter.request(maxSteps - 1); catalog != nil {
				t.Fatalf("expected no catalog on the last round")
			}
			if s.Scratch().Iteration != maxSteps {
				t.Fatalf("expected iteration %d, got %d", maxSteps, s.Scratch().Iteration)
			}

			seen := map[string]bool{}
			for _, m := range s.History() {
				for _, c := range m.ToolCalls {
					if seen[c.ID] {
						t.Fatalf("duplicate tool call id %s within a turn", c.ID)
					}
					seen[c.ID] = true
				}
			}
		})
	}
}

func TestTurn_ResultsAppendedInProposalOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	logEvent := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	adapter := &stubAdapter{}
	adapter.respond = func(n int, msgs []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		logEvent(fmt.Sprintf("model:%d", n))
		if n == 1 {
			return proposes(queryCall("a", "SELECT 'a'"), queryCall("b", "SELECT 'b'"), queryCall("c", "SELECT 'c'")), nil
		}
		tail := msgs[len(msgs)-3:]
		for i, id := range []string{"a", "b", "c"} {
			if tail[i].Role != llm.RoleTool || tail[i].ToolCallID != id {
				t.Errorf("expected tool result %s at position %d, got %+v", id, i, tail[i])
			}
		}
		return says("done"), nil
	}
	toolsvc := &stubTools{
		results: map[string]tools.Result{
			"SELECT 'a'": tools.TextResult("a"),
			"SELECT 'b'": tools.ErrorResult("Binder Error: column b not found"),
			"SELECT 'c'": tools.TextResult(""),
		},
		onCall: func(q string) { logEvent("invoke:" + q) },
	}
	s := New(adapter, toolsvc)
	defer s.Close()

	done, _ := runTurn(t, s, "three queries", approveAll)
	if done.Outcome != OutcomeAnswered {
		t.Fatalf("expected answer, got %s", done.Outcome)
	}

	want := []string{"model:1", "invoke:SELECT 'a'", "invoke:SELECT 'b'", "invoke:SELECT 'c'", "model:2"}
	if strings.Join(order, "|") != strings.Join(want, "|") {
		t.Fatalf("expected order %v, got %v", want, order)
	}

	msgs, _ := adapter.request(1)
	tail := msgs[len(msgs)-3:]
	if tail[1].Text() != "Error: Binder Error: column b not found" {
		t.Fatalf("expected tool error fed back verbatim, got %q", tail[1].Text())
	}
	if tail[2].Text() != tools.NoRowsText {
		t.Fatalf("expected empty result as %q, got %q", tools.NoRowsText, tail[2].Text())
	}
	if q := s.Scratch().Queries; len(q) != 3 {
		t.Fatalf("expected 3 executed queries, got %v", q)
	}
}

func TestTurn_RejectEndsTurn(t *testing.T) {
	adapter := scripted(proposes(queryCall("call_1", "DELETE FROM t")), says("unreachable"))
	toolsvc := &stubTools{}
	rec := &memoryRecorder{}
	s := New(adapter, toolsvc, WithRecorder(rec))
	defer s.Close()

	done, _ := runTurn(t, s, "delete everything", rejectAll)

	if done.Outcome != OutcomeRejected || done.Content != MsgRejected {
		t.Fatalf("expected rejection, got %q (%s)", done.Content, done.Outcome)
	}
	if len(toolsvc.invocations()) != 0 {
		t.Fatalf("expected no tool invocations")
	}
	if adapter.calls() != 1 {
		t.Fatalf("expected no further model calls, got %d", adapter.calls())
	}
	if len(s.Scratch().Queries) != 0 {
		t.Fatalf("expected no executed queries")
	}

	h := s.History()
	if tool := h[len(h)-2]; tool.Role != llm.RoleTool || tool.Text() != rejectedToolText {
		t.Fatalf("expected rejected tool message, got %+v", tool)
	}
	if len(rec.entries) != 1 || rec.entries[0].Outcome != audit.OutcomeRejected || rec.entries[0].Approved {
		t.Fatalf("expected one rejected audit entry, got %+v", rec.entries)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after turn, got %s", s.State())
	}
}

func TestTurn_EmptyQueryIsFedBackAndCorrected(t *testing.T) {
	adapter := scripted(
		proposes(queryCall("call_1", "   ")),
		proposes(queryCall("call_2", "SELECT count(*) FROM wetlands")),
		says("There are 42 wetlands."),
	)
	toolsvc := &stubTools{results: map[string]tools.Result{"SELECT count(*) FROM wetlands": tools.TextResult("42")}}
	s := New(adapter, toolsvc)
	defer s.Close()

	done, proposals := runTurn(t, s, "how many wetlands?", approveAll)

	if done.Outcome != OutcomeAnswered || done.Content != "There are 42 wetlands." {
		t.Fatalf("expected corrected answer, got %q (%s)", done.Content, done.Outcome)
	}
	if proposals != 1 {
		t.Fatalf("invalid calls must not be sent for approval, got %d approval requests", proposals)
	}
	msgs, _ := adapter.request(1)
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Text(), tools.CodeEmptyQuery) || last.ToolCallID != "call_1" {
		t.Fatalf("expected empty-query diagnostic fed back, got %+v", last)
	}
	if q := s.Scratch().Queries; len(q) != 1 || q[0] != "SELECT count(*) FROM wetlands" {
		t.Fatalf("unexpected executed queries %v", q)
	}
}

func TestTurn_InvalidArgumentsTwiceEndsTurn(t *testing.T) {
	missing := llm.ToolCall{ID: "x", Type: "function", Function: llm.FunctionCall{Name: tools.QueryToolName, Arguments: json.RawMessage(`{}`)}}
	adapter := scripted(proposes(missing))
	s := New(adapter, &stubTools{})
	defer s.Close()

	done, proposals := runTurn(t, s, "q", approveAll)
	if done.Outcome != OutcomeInvalidArguments || done.Content != MsgInvalidArguments {
		t.Fatalf("expected invalid-arguments termination, got %q (%s)", done.Content, done.Outcome)
	}
	if proposals != 0 || adapter.calls() != 2 {
		t.Fatalf("expected 2 model calls and no approvals, got %d / %d", adapter.calls(), proposals)
	}
}

func TestTurn_MalformedArgumentsDiagnostic(t *testing.T) {
	bad := llm.ToolCall{ID: "m1", Type: "function", Function: llm.FunctionCall{Name: tools.QueryToolName, Arguments: json.RawMessage(`{}`)}}
	adapter := &stubAdapter{respond: func(n int, _ []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		if n == 1 {
			return proposes(bad), &llm.MalformedToolCallError{Calls: []llm.MalformedCall{{CallID: "m1", ToolName: "query", Raw: `{"query": SELECT`}}}
		}
		return says("ok"), nil
	}}
	s := New(adapter, &stubTools{})
	defer s.Close()

	done, _ := runTurn(t, s, "q", approveAll)
	if done.Outcome != OutcomeAnswered {
		t.Fatalf("expected the turn to survive a malformed call, got %s", done.Outcome)
	}
	msgs, _ := adapter.request(1)
	if last := msgs[len(msgs)-1]; !strings.Contains(last.Text(), tools.CodeMalformedArgs) {
		t.Fatalf("expected malformed-arguments diagnostic, got %q", last.Text())
	}
}

func TestTurn_ConnectionExhausted(t *testing.T) {
	adapter := scripted(proposes(queryCall("a", "SELECT 1"), queryCall("b", "SELECT 2")), says("unreachable"))
	toolsvc := &stubTools{err: &toolclient.ConnectionExhaustedError{Attempts: 3, Last: errors.New("connection refused")}}
	s := New(adapter, toolsvc)
	defer s.Close()

	done, _ := runTurn(t, s, "q", approveAll)
	if done.Outcome != OutcomeConnectionLost || !strings.Contains(done.Content, "refresh") {
		t.Fatalf("expected refresh message, got %q (%s)", done.Content, done.Outcome)
	}
	if len(toolsvc.invocations()) != 1 {
		t.Fatalf("expected the second call not to run, got %v", toolsvc.invocations())
	}
	if adapter.calls() != 1 {
		t.Fatalf("expected no further model calls")
	}

	answered := map[string]bool{}
	for _, m := range s.History() {
		if m.Role == llm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	if !answered["a"] || !answered["b"] {
		t.Fatalf("expected every proposed call to have a tool message, got %v", answered)
	}
}

func TestTurn_ToolServiceUnavailable(t *testing.T) {
	adapter := scripted(proposes(queryCall("a", "SELECT 1")))
	s := New(adapter, &stubTools{err: fmt.Errorf("%w: eof", toolclient.ErrUnavailable)})
	defer s.Close()

	done, _ := runTurn(t, s, "q", approveAll)
	if done.Outcome != OutcomeToolUnavailable || done.Content != MsgToolUnavailable {
		t.Fatalf("expected unavailable message, got %q (%s)", done.Content, done.Outcome)
	}
}

func TestTurn_ModelFailure(t *testing.T) {
	adapter := &stubAdapter{respond: func(int, []llm.Message, []llm.ToolDescriptor) (*llm.Message, error) {
		return nil, &llm.APIError{Status: 503, Message: "overloaded"}
	}}
	s := New(adapter, &stubTools{})
	defer s.Close()

	done, _ := runTurn(t, s, "q", approveAll)
	if done.Outcome != OutcomeModelUnavailable || done.Content != MsgModelUnavailable {
		t.Fatalf("expected model-unavailable message, got %q (%s)", done.Content, done.Outcome)
	}
}

func TestTurn_EmptyCompletionRetriesWithHint(t *testing.T) {
	adapter := &stubAdapter{respond: func(n int, _ []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		if n == 1 {
			return nil, llm.ErrEmptyCompletion
		}
		return says("hello"), nil
	}}
	s := New(adapter, &stubTools{})
	defer s.Close()

	done, _ := runTurn(t, s, "hi", approveAll)
	if done.Content != "hello" {
		t.Fatalf("expected recovery, got %q", done.Content)
	}
	msgs, _ := adapter.request(1)
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleSystem || last.Text() != emptyReplyHint {
		t.Fatalf("expected empty-reply hint, got %+v", last)
	}
}

func TestTurn_SpuriousToolCallsOnFinalRound(t *testing.T) {
	withText := &llm.Message{Role: llm.RoleAssistant, Content: llm.StringPtr("The result is 1."), ToolCalls: []llm.ToolCall{queryCall("z", "SELECT 2")}}
	adapter := scripted(proposes(queryCall("call_1", "SELECT 1")), withText)
	toolsvc := &stubTools{}
	s := New(adapter, toolsvc, WithChaining(false))
	defer s.Close()

	done, _ := runTurn(t, s, "q", approveAll)
	if done.Content != "The result is 1." {
		t.Fatalf("expected text kept, got %q", done.Content)
	}
	if len(toolsvc.invocations()) != 1 {
		t.Fatalf("spurious calls must not run, got %v", toolsvc.invocations())
	}

	// No text at all: generic empty-response message.
	adapter2 := scripted(proposes(queryCall("call_1", "SELECT 1")), proposes(queryCall("z", "SELECT 2")))
	s2 := New(adapter2, &stubTools{}, WithChaining(false))
	defer s2.Close()
	done, _ = runTurn(t, s2, "q", approveAll)
	if done.Content != MsgEmptyResponse || done.Outcome != OutcomeEmpty {
		t.Fatalf("expected empty-response message, got %q (%s)", done.Content, done.Outcome)
	}
}

func TestSession_MessageDuringApprovalSupersedes(t *testing.T) {
	adapter := &stubAdapter{respond: func(n int, msgs []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		if n == 1 {
			return proposes(queryCall("call_1", "SELECT 1")), nil
		}
		return says("answered the new question"), nil
	}}
	toolsvc := &stubTools{}
	s := New(adapter, toolsvc)
	defer s.Close()

	events := s.Subscribe()
	ctx := context.Background()
	if err := s.SendUserMessage(ctx, "first"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	waitFor(t, events, EventToolsProposed)

	if got := s.Pending(); len(got) != 1 || got[0].ID != "call_1" {
		t.Fatalf("expected pending call, got %+v", got)
	}
	if err := s.SendUserMessage(ctx, "actually, something else"); err != nil {
		t.Fatalf("SendUserMessage during approval: %v", err)
	}

	first := waitFor(t, events, EventTurnComplete)
	if first.Outcome != OutcomeSuperseded {
		t.Fatalf("expected superseded turn, got %s", first.Outcome)
	}
	second := waitFor(t, events, EventTurnComplete)
	if second.Content != "answered the new question" {
		t.Fatalf("unexpected second turn result %q", second.Content)
	}
	if len(toolsvc.invocations()) != 0 {
		t.Fatalf("superseded proposal must not run")
	}
}

func TestSession_MessageRightAfterApprovalIsTurnInFlight(t *testing.T) {
	adapter := &stubAdapter{respond: func(n int, _ []llm.Message, _ []llm.ToolDescriptor) (*llm.Message, error) {
		switch n {
		case 1:
			return proposes(queryCall("call_1", "SELECT 1")), nil
		case 2:
			return proposes(queryCall("call_2", "SELECT 2")), nil
		default:
			return says("both ran"), nil
		}
	}}
	toolsvc := &stubTools{}
	s := New(adapter, toolsvc, WithChaining(true), WithMaxSteps(5))
	defer s.Close()

	events := s.Subscribe()
	if err := s.SendUserMessage(context.Background(), "first"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	waitFor(t, events, EventToolsProposed)

	if err := s.Approve(); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.SendUserMessage(ctx, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight right after Approve, got %v", err)
	}

	waitFor(t, events, EventToolsProposed)
	if err := s.Approve(); err != nil {
		t.Fatalf("expected the next proposal to accept a decision, got %v", err)
	}
	done := waitFor(t, events, EventTurnComplete)
	if done.Outcome != OutcomeAnswered || done.Content != "both ran" {
		t.Fatalf("expected answered turn, got %q (%s)", done.Content, done.Outcome)
	}
	if got := toolsvc.invocations(); len(got) != 2 {
		t.Fatalf("expected both approved queries to run, got %v", got)
	}
}

func TestSession_OutboundRequestIsWindowed(t *testing.T) {
	adapter := scripted(says("noted"))
	s := New(adapter, &stubTools{}, WithSystemPrompt("You answer with SQL."), WithHistoryWindow(2))
	defer s.Close()

	for _, q := range []string{"one", "two", "three"} {
		if done, _ := runTurn(t, s, q, approveAll); done.Outcome != OutcomeAnswered {
			t.Fatalf("turn %q: expected answered, got %s", q, done.Outcome)
		}
	}

	if got := len(s.History()); got != 7 {
		t.Fatalf("expected full stored history of 7 messages, got %d", got)
	}
	msgs, _ := adapter.request(adapter.calls() - 1)
	if len(msgs) != 3 {
		t.Fatalf("expected system message plus 2, got %d messages", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Text() != "You answer with SQL." {
		t.Fatalf("expected system prompt first, got %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[2].Role != llm.RoleUser || msgs[2].Text() != "three" {
		t.Fatalf("expected [assistant, user three] after the system prompt, got %+v", msgs[1:])
	}
}

func TestSession_SubscribeRacingCloseIsAlwaysClosed(t *testing.T) {
	s := New(scripted(says("ok")), &stubTools{})

	var wg sync.WaitGroup
	subs := make(chan (<-chan Event), 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs <- s.Subscribe()
		}()
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
	close(subs)

	for ch := range subs {
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatalf("expected no events on an idle session")
			}
		case <-time.After(time.Second):
			t.Fatalf("expected every subscription closed after Close")
		}
	}
}

func TestSession_InputRejectedWhileModelRuns(t *testing.T) {
	release := make(chan struct{})
	adapter := &stubAdapter{respond: func(int, []llm.Message, []llm.ToolDescriptor) (*llm.Message, error) {
		<-release
		return says("ok"), nil
	}}
	s := New(adapter, &stubTools{})
	defer s.Close()

	events := s.Subscribe()
	if err := s.SendUserMessage(context.Background(), "one"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	waitFor(t, events, EventThinking)

	if err := s.SendUserMessage(context.Background(), "two"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if err := s.Approve(); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("expected ErrNoPendingApproval, got %v", err)
	}
	if err := s.SendUserMessage(context.Background(), "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	close(release)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestSession_CloseDuringApproval(t *testing.T) {
	adapter := scripted(proposes(queryCall("call_1", "SELECT 1")))
	toolsvc := &stubTools{}
	s := New(adapter, toolsvc)

	events := s.Subscribe()
	if err := s.SendUserMessage(context.Background(), "q"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	waitFor(t, events, EventToolsProposed)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(toolsvc.invocations()) != 0 {
		t.Fatalf("expected nothing executed after close")
	}
	if err := s.SendUserMessage(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range events {
		// drained until Close closes the channel
	}
}

func TestTurn_AuditEntriesForExecutedQueries(t *testing.T) {
	adapter := scripted(proposes(queryCall("a", "SELECT 1"), queryCall("b", "SELEC")), says("done"))
	rec := &memoryRecorder{}
	toolsvc := &stubTools{results: map[string]tools.Result{"SELEC": tools.ErrorResult("Parser Error")}}
	s := New(adapter, toolsvc, WithRecorder(rec), WithSessionID("sess-1"))
	defer s.Close()

	runTurn(t, s, "q", approveAll)

	if len(rec.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(rec.entries))
	}
	if rec.entries[0].Outcome != audit.OutcomeOK || rec.entries[1].Outcome != audit.OutcomeToolError {
		t.Fatalf("unexpected outcomes %s, %s", rec.entries[0].Outcome, rec.entries[1].Outcome)
	}
	for _, e := range rec.entries {
		if e.SessionID != "sess-1" || !e.Approved || e.UserQuery != "q" {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func waitFor(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

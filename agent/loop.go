package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nachoal/sqlchat-go/history"
	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/toolclient"
	"github.com/nachoal/sqlchat-go/tools"
)

// maxInvalidRounds is how many consecutive rounds of unusable tool calls end the turn.
const maxInvalidRounds = 2

type turnResult struct {
	content string
	outcome Outcome
}

// turn drives one user message to completion.
type turn struct {
	s        *Session
	ctx      context.Context
	id       string
	userText string
	seenIDs  map[string]struct{}
}

// step is one proposed call after validation. diagnostic is set when the call
// cannot run and is fed back to the model instead.
type step struct {
	call       llm.ToolCall
	query      string
	diagnostic string
}

func (st step) runnable() bool {
	return st.diagnostic == ""
}

func (t *turn) run() turnResult {
	s := t.s
	s.history.Append(llm.UserMessage(t.userText))

	invalidRounds := 0
	executed := false

	for round := 1; ; round++ {
		t.nextIteration()
		final := round >= s.config.MaxSteps || (executed && !s.config.AllowChaining)

		var catalog []llm.ToolDescriptor
		if !final {
			catalog = tools.QueryCatalog(s.tools.Catalog())
		}

		s.setState(StateAwaitingModel)
		s.emit(Event{Type: EventThinking, State: StateAwaitingModel, Round: round})
		logx.Debug().
			Str("turn", t.id).
			Int("round", round).
			Bool("final", final).
			Str("protocol", s.adapter.Protocol().String()).
			Int("tools", len(catalog)).
			Msg("calling model")

		msg, err := s.adapter.Complete(t.ctx, s.history.Window(s.config.HistoryWindow), catalog)
		if err == nil && msg == nil {
			err = llm.ErrEmptyCompletion
		}

		var malformed *llm.MalformedToolCallError
		switch {
		case err == nil:
		case errors.As(err, &malformed) && msg != nil:
			logx.Warn().Str("turn", t.id).Err(err).Msg("model proposed tool calls with malformed arguments")
		case errors.Is(err, llm.ErrEmptyCompletion):
			logx.Warn().Str("turn", t.id).Int("round", round).Msg("model returned an empty reply")
			if final {
				return t.finish(MsgEmptyResponse, OutcomeEmpty)
			}
			s.history.Append(llm.SystemMessage(emptyReplyHint))
			continue
		case t.ctx.Err() != nil:
			return turnResult{outcome: OutcomeCancelled}
		default:
			logx.Error().Str("turn", t.id).Err(err).Msg("model request failed")
			return t.finish(MsgModelUnavailable, OutcomeModelUnavailable)
		}

		if final {
			return t.finalAnswer(msg, round)
		}

		if !msg.HasToolCalls() {
			s.history.Append(llm.AssistantMessage(strings.TrimSpace(msg.Text())))
			return turnResult{content: strings.TrimSpace(msg.Text()), outcome: OutcomeAnswered}
		}

		steps := t.validate(msg.ToolCalls, malformed)
		s.history.Append(t.proposal(msg, steps))

		if countRunnable(steps) == 0 {
			for _, st := range steps {
				s.history.Append(llm.ToolMessage(st.call, st.diagnostic))
			}
			invalidRounds++
			logx.Warn().Str("turn", t.id).Int("invalid_rounds", invalidRounds).Msg("no usable tool call proposed")
			if invalidRounds >= maxInvalidRounds {
				return t.finish(MsgInvalidArguments, OutcomeInvalidArguments)
			}
			continue
		}
		invalidRounds = 0

		d, ok := t.awaitApproval(steps)
		if !ok {
			t.appendUnexecuted(steps, notExecutedToolText)
			return turnResult{outcome: OutcomeCancelled}
		}
		if !d.approved {
			return t.rejected(steps, d.superseded)
		}

		if res, stop := t.execute(steps); stop {
			return res
		}
		executed = true
	}
}

// finalAnswer handles the round sent without a tool catalog. Tool calls there
// break the backend contract and are ignored.
func (t *turn) finalAnswer(msg *llm.Message, round int) turnResult {
	if msg.HasToolCalls() {
		logx.Warn().
			Str("turn", t.id).
			Int("round", round).
			Int("tool_calls", len(msg.ToolCalls)).
			Msg("ignoring tool calls proposed on the final round")
	}
	if text := strings.TrimSpace(msg.Text()); text != "" {
		return t.finish(text, OutcomeAnswered)
	}
	if msg.HasToolCalls() && round >= t.s.config.MaxSteps {
		return t.finish(MsgStepLimit, OutcomeStepLimit)
	}
	return t.finish(MsgEmptyResponse, OutcomeEmpty)
}

// validate checks each call in proposal order. Calls whose arguments were
// malformed on the wire, or that fail the query schema, get a diagnostic.
func (t *turn) validate(calls []llm.ToolCall, malformed *llm.MalformedToolCallError) []step {
	steps := make([]step, 0, len(calls))
	for _, call := range calls {
		st := step{call: call}
		if malformed != nil && malformed.Has(call.ID) {
			st.diagnostic = tools.Diagnostic(tools.NewToolError(tools.CodeMalformedArgs,
				"arguments were not valid JSON; send {\"query\": \"<SQL>\"}"))
		} else if q, terr := tools.ExtractQuery(call); terr != nil {
			st.diagnostic = tools.Diagnostic(terr)
		} else {
			st.query = q
		}
		st.call.ID = t.uniqueID(call.ID)
		steps = append(steps, st)
	}
	return steps
}

// uniqueID keeps tool-call ids unique within the turn.
func (t *turn) uniqueID(id string) string {
	if _, dup := t.seenIDs[id]; id == "" || dup {
		id = llm.NewToolCallID()
	}
	t.seenIDs[id] = struct{}{}
	return id
}

func (t *turn) proposal(msg *llm.Message, steps []step) llm.Message {
	calls := make([]llm.ToolCall, len(steps))
	for i, st := range steps {
		calls[i] = st.call
	}
	return llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: calls}
}

func (t *turn) awaitApproval(steps []step) (decision, bool) {
	s := t.s
	ch := make(chan decision, 1)

	var calls []llm.ToolCall
	var queries []string
	for _, st := range steps {
		if st.runnable() {
			calls = append(calls, st.call)
			queries = append(queries, st.query)
		}
	}

	s.mu.Lock()
	s.state = StateAwaitingApproval
	s.pending = ch
	s.proposal = calls
	s.mu.Unlock()

	logx.Info().Str("turn", t.id).Strs("queries", queries).Msg("awaiting approval")
	s.emit(Event{Type: EventToolsProposed, State: StateAwaitingApproval, ToolCalls: calls, Queries: queries})

	select {
	case d := <-ch:
		return d, true
	case <-t.ctx.Done():
		s.mu.Lock()
		if s.pending == ch {
			s.pending = nil
			s.proposal = nil
		}
		s.mu.Unlock()
		return decision{}, false
	}
}

func (t *turn) rejected(steps []step, superseded bool) turnResult {
	for _, st := range steps {
		content := st.diagnostic
		if st.runnable() {
			content = rejectedToolText
			t.record(st, false, audit.OutcomeRejected, "", 0)
		}
		t.s.history.Append(llm.ToolMessage(st.call, content))
	}
	logx.Info().Str("turn", t.id).Bool("superseded", superseded).Msg("tool calls rejected")
	if superseded {
		return t.finish(MsgSuperseded, OutcomeSuperseded)
	}
	return t.finish(MsgRejected, OutcomeRejected)
}

// execute runs the approved calls one at a time in proposal order, appending
// each result before the next call is made. stop is true when the turn ends here.
func (t *turn) execute(steps []step) (res turnResult, stop bool) {
	s := t.s
	s.setState(StateExecuting)

	for i, st := range steps {
		if !st.runnable() {
			s.history.Append(llm.ToolMessage(st.call, st.diagnostic))
			continue
		}

		s.emit(Event{Type: EventToolExecuting, State: StateExecuting, ToolCalls: []llm.ToolCall{st.call}, Queries: []string{st.query}})
		t.withScratch(func(sc *history.TurnScratch) { sc.RecordQuery(st.query) })

		start := time.Now()
		result, err := s.tools.Invoke(t.ctx, st.call.Function.Name, map[string]any{"query": st.query})
		elapsed := time.Since(start)

		if err != nil {
			logx.Error().Str("turn", t.id).Str("query", st.query).Dur("elapsed", elapsed).Err(err).Msg("query execution failed")
			t.record(st, true, audit.OutcomeFailed, err.Error(), elapsed)
			s.history.Append(llm.ToolMessage(st.call, "Error: the database service could not be reached."))
			t.appendUnexecuted(steps[i+1:], notExecutedToolText)
			return t.serviceFailure(err), true
		}

		outcome := audit.OutcomeOK
		switch {
		case result.IsError():
			outcome = audit.OutcomeToolError
		case result.Text == tools.NoRowsText:
			outcome = audit.OutcomeEmpty
		}
		t.record(st, true, outcome, result.Err, elapsed)

		logx.Info().
			Str("turn", t.id).
			Str("query", st.query).
			Dur("elapsed", elapsed).
			Str("outcome", string(outcome)).
			Msg("query executed")

		s.history.Append(llm.ToolMessage(st.call, result.Content()))
		s.emit(Event{
			Type:      EventToolResult,
			State:     StateExecuting,
			ToolCalls: []llm.ToolCall{st.call},
			Queries:   []string{st.query},
			Content:   result.Content(),
			IsError:   result.IsError(),
		})
	}
	return turnResult{}, false
}

func (t *turn) serviceFailure(err error) turnResult {
	var exhausted *toolclient.ConnectionExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return t.finish(MsgConnectionExhausted, OutcomeConnectionLost)
	case t.ctx.Err() != nil:
		return turnResult{outcome: OutcomeCancelled}
	default:
		return t.finish(MsgToolUnavailable, OutcomeToolUnavailable)
	}
}

// appendUnexecuted answers calls that never ran so every proposal keeps its tool messages.
func (t *turn) appendUnexecuted(steps []step, text string) {
	for _, st := range steps {
		content := text
		if !st.runnable() {
			content = st.diagnostic
		}
		t.s.history.Append(llm.ToolMessage(st.call, content))
	}
}

func (t *turn) finish(content string, outcome Outcome) turnResult {
	t.s.history.Append(llm.AssistantMessage(content))
	return turnResult{content: content, outcome: outcome}
}

func (t *turn) nextIteration() {
	t.withScratch(func(sc *history.TurnScratch) { sc.NextIteration() })
}

func (t *turn) withScratch(fn func(*history.TurnScratch)) {
	t.s.withScratch(fn)
}

func (t *turn) record(st step, approved bool, outcome audit.Outcome, errText string, elapsed time.Duration) {
	e := audit.Entry{
		ID:         uuid.NewString(),
		SessionID:  t.s.config.SessionID,
		TurnID:     t.id,
		UserQuery:  t.userText,
		SQL:        st.query,
		Approved:   approved,
		Outcome:    outcome,
		Error:      errText,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	// Audit writes outlive turn cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), 5*time.Second)
	defer cancel()
	if err := t.s.config.Recorder.Record(ctx, e); err != nil {
		logx.Warn().Err(err).Str("turn", t.id).Msg("failed to record audit entry")
	}
}

func countRunnable(steps []step) int {
	n := 0
	for _, st := range steps {
		if st.runnable() {
			n++
		}
	}
	return n
}

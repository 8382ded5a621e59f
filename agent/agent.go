package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nachoal/sqlchat-go/history"
	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
)

type decision struct {
	approved   bool
	superseded bool
}

// Session is one chat session: the conversation, the turn in flight and the
// approval gate. It is safe for concurrent use by a UI and the turn goroutine.
type Session struct {
	adapter llm.Adapter
	tools   ToolService
	config  Config
	history *history.Conversation

	mu       sync.Mutex
	state    TurnState
	scratch  *history.TurnScratch
	pending  chan decision
	proposal []llm.ToolCall
	done     chan struct{}
	cancel   context.CancelFunc
	closed   bool

	subMu       sync.Mutex
	subscribers []chan Event
	subsClosed  bool
}

// New creates a new session
func New(adapter llm.Adapter, toolService ToolService, opts ...Option) *Session {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultConfig().MaxSteps
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = history.DefaultWindow
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}

	return &Session{
		adapter: adapter,
		tools:   toolService,
		config:  config,
		history: history.NewConversation(config.SystemPrompt),
		state:   StateIdle,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.config.SessionID
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.config
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation, system prompt first.
func (s *Session) History() []llm.Message {
	return s.history.Messages()
}

// Scratch returns the bookkeeping of the current or last turn.
func (s *Session) Scratch() history.TurnScratch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scratch.Clone()
}

// Pending returns the calls awaiting approval, if any.
func (s *Session) Pending() []llm.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.ToolCall(nil), s.proposal...)
}

// SendUserMessage starts a turn and returns once it is running; progress is
// reported through Subscribe. ctx bounds the whole turn. A message sent while
// a proposal awaits approval rejects that proposal and starts a new turn.
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}

		switch s.state {
		case StateIdle:
			s.startTurnLocked(ctx, text)
			s.mu.Unlock()
			return nil
		case StateAwaitingApproval:
			if s.pending == nil {
				// A decision was already handed over; the turn is moving on.
				s.mu.Unlock()
				return ErrTurnInFlight
			}
			done := s.done
			s.resolveLocked(decision{superseded: true})
			s.mu.Unlock()
			logx.Info().Str("session", s.config.SessionID).Msg("pending proposal superseded by a new message")
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			s.mu.Unlock()
			return ErrTurnInFlight
		}
	}
}

// Approve runs the pending tool calls.
func (s *Session) Approve() error {
	return s.decide(decision{approved: true})
}

// Reject discards the pending tool calls and ends the turn.
func (s *Session) Reject() error {
	return s.decide(decision{})
}

func (s *Session) decide(d decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPendingApproval
	}
	s.resolveLocked(d)
	if d.approved {
		s.state = StateExecuting
	}
	return nil
}

// Wait blocks until the current turn, if any, has completed.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of presentation events. The channel is closed
// by Close.
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, s.config.EventBuffer)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Close cancels the turn in flight, waits for it to unwind and closes every
// subscription.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.resolveLocked(decision{})
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.subMu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.subsClosed = true
	s.subMu.Unlock()
	return nil
}

func (s *Session) startTurnLocked(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	scratch := history.NewTurnScratch(uuid.NewString())
	done := make(chan struct{})

	s.state = StateAwaitingModel
	s.scratch = scratch
	s.done = done
	s.cancel = cancel

	t := &turn{
		s:        s,
		ctx:      turnCtx,
		id:       scratch.TurnID,
		userText: text,
		seenIDs:  make(map[string]struct{}),
	}
	go func() {
		defer close(done)
		res := t.run()
		cancel()

		s.mu.Lock()
		s.state = StateIdle
		s.pending = nil
		s.proposal = nil
		s.cancel = nil
		snap := s.scratch.Clone()
		s.mu.Unlock()

		logx.Info().
			Str("session", s.config.SessionID).
			Str("turn", t.id).
			Str("outcome", string(res.outcome)).
			Int("rounds", snap.Iteration).
			Int("queries", len(snap.Queries)).
			Msg("turn complete")

		s.emit(Event{
			Type:    EventTurnComplete,
			State:   StateIdle,
			Round:   snap.Iteration,
			Content: res.content,
			Queries: snap.Queries,
			Outcome: res.outcome,
			IsError: res.outcome != OutcomeAnswered,
		})
	}()
}

// resolveLocked hands d to the waiting turn. s.mu must be held.
func (s *Session) resolveLocked(d decision) {
	if s.pending == nil {
		return
	}
	s.pending <- d
	s.pending = nil
	s.proposal = nil
}

func (s *Session) setState(state TurnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) withScratch(fn func(*history.TurnScratch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.scratch)
}

// emit fans an event out without blocking the loop.
func (s *Session) emit(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			logx.Debug().Str("event", string(e.Type)).Msg("dropping event for slow subscriber")
		}
	}
}

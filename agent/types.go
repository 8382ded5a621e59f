package agent

import (
	"context"
	"errors"

	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/tools"
)

// Config contains session configuration
type Config struct {
	SessionID     string
	SystemPrompt  string
	MaxSteps      int
	HistoryWindow int
	// AllowChaining lets the model propose another query after seeing results.
	// When false, the round following an execution is the final round.
	AllowChaining bool
	EventBuffer   int
	Recorder      audit.Sink
}

// DefaultConfig returns a default session configuration
func DefaultConfig() Config {
	return Config{
		SystemPrompt:  DefaultSystemPrompt,
		MaxSteps:      8,
		HistoryWindow: 10,
		AllowChaining: true,
		EventBuffer:   64,
		Recorder:      audit.NopSink{},
	}
}

// Option is a functional option for configuring the session
type Option func(*Config)

// WithSessionID sets the session id used in audit entries.
func WithSessionID(id string) Option {
	return func(c *Config) {
		c.SessionID = id
	}
}

// WithSystemPrompt sets the system prompt
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithMaxSteps sets the maximum number of model rounds per turn
func WithMaxSteps(n int) Option {
	return func(c *Config) {
		c.MaxSteps = n
	}
}

// WithHistoryWindow sets how many recent messages are sent upstream
func WithHistoryWindow(n int) Option {
	return func(c *Config) {
		c.HistoryWindow = n
	}
}

// WithChaining toggles follow-up queries after results are in.
func WithChaining(allow bool) Option {
	return func(c *Config) {
		c.AllowChaining = allow
	}
}

// WithEventBuffer sets the per-subscriber channel size.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithRecorder sets the audit sink.
func WithRecorder(r audit.Sink) Option {
	return func(c *Config) {
		if r != nil {
			c.Recorder = r
		}
	}
}

// ToolService executes tools on behalf of the loop. *toolclient.Client satisfies it.
type ToolService interface {
	Catalog() []llm.ToolDescriptor
	Invoke(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// TurnState is where the current turn is suspended.
type TurnState string

const (
	StateIdle             TurnState = "idle"
	StateAwaitingModel    TurnState = "awaiting_model"
	StateAwaitingApproval TurnState = "awaiting_approval"
	StateExecuting        TurnState = "executing"
)

// AcceptsInput reports whether a new user message may be sent in this state.
func (s TurnState) AcceptsInput() bool {
	return s == StateIdle || s == StateAwaitingApproval
}

// EventType represents the type of session event
type EventType string

const (
	EventThinking      EventType = "thinking"
	EventToolsProposed EventType = "tools_proposed"
	EventToolExecuting EventType = "tool_executing"
	EventToolResult    EventType = "tool_result"
	EventTurnComplete  EventType = "turn_complete"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeAnswered         Outcome = "answered"
	OutcomeRejected         Outcome = "rejected"
	OutcomeSuperseded       Outcome = "superseded"
	OutcomeStepLimit        Outcome = "step_limit"
	OutcomeEmpty            Outcome = "empty"
	OutcomeInvalidArguments Outcome = "invalid_arguments"
	OutcomeConnectionLost   Outcome = "connection_lost"
	OutcomeToolUnavailable  Outcome = "tool_unavailable"
	OutcomeModelUnavailable Outcome = "model_unavailable"
	OutcomeCancelled        Outcome = "cancelled"
)

// Event is a presentation notification. Events are dropped for subscribers
// that fall behind.
type Event struct {
	Type      EventType      `json:"type"`
	State     TurnState      `json:"state"`
	Round     int            `json:"round,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	Queries   []string       `json:"queries,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Outcome   Outcome        `json:"outcome,omitempty"`
}

// User-facing messages.
const (
	MsgStepLimit           = "I reached the step limit for this question without a final answer. Try asking a narrower question."
	MsgEmptyResponse       = "The model returned an empty response. Try rephrasing your question."
	MsgInvalidArguments    = "I could not form a valid query for that. Try rephrasing your question."
	MsgRejected            = "Query rejected. Ask another question or rephrase this one."
	MsgSuperseded          = "The pending query was discarded in favor of your new message."
	MsgConnectionExhausted = "Lost the connection to the database service. Please refresh and try again."
	MsgToolUnavailable     = "The database service is not responding right now. Please try again in a moment."
	MsgModelUnavailable    = "The language model is unavailable right now. Please try again in a moment."
)

// Tool message bodies for calls that did not run.
const (
	rejectedToolText    = "Rejected by the user; the query was not executed."
	notExecutedToolText = "Not executed; the turn ended before this query ran."
	emptyReplyHint      = "Your previous reply was empty. Answer the user's question or call the query tool."
)

var (
	// ErrTurnInFlight is returned when a message arrives while the model or a tool is running.
	ErrTurnInFlight = errors.New("agent: a turn is already in progress")
	// ErrNoPendingApproval is returned by Approve and Reject when nothing awaits a decision.
	ErrNoPendingApproval = errors.New("agent: no tool call awaiting approval")
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("agent: message is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent: session closed")
)

// DefaultSystemPrompt steers the model toward the query tool.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions about data stored in a SQL database.
When asked a question, write an appropriate SQL query and run it with the 'query' tool.
Call the tool with a single argument: {"query": "<SQL>"}.
Each query is shown to the user for approval before it runs.
After you receive the results, answer in plain language and mention the numbers you found.`

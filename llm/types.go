package llm

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the canonical, protocol-agnostic conversation entry.
type Message struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`                // nil for assistant messages that only propose tool calls
	Name       string     `json:"name,omitempty"`         // For tool messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // For assistant messages
}

// ToolCall represents a function/tool call request
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and arguments
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// MarshalJSON renders arguments as a JSON string, the shape chat backends expect.
func (fc FunctionCall) MarshalJSON() ([]byte, error) {
	args := string(fc.Arguments)
	if args == "" {
		args = "{}"
	}
	return json.Marshal(&struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{
		Name:      fc.Name,
		Arguments: args,
	})
}

// ToolDescriptor describes a callable tool advertised to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Text returns the message content or "" when the content is nil.
func (m Message) Text() string {
	return GetStringValue(m.Content)
}

// HasToolCalls reports whether the message proposes at least one tool call.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: StringPtr(content)}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: StringPtr(content)}
}

// AssistantMessage builds a text-only assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: StringPtr(content)}
}

// ToolMessage builds a tool result message answering the given call.
func ToolMessage(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    StringPtr(content),
		Name:       call.Function.Name,
		ToolCallID: call.ID,
	}
}

// ClientOptions contains options for creating an LLM client
type ClientOptions struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	DefaultModel string
	Temperature  float32
	MaxTokens    int
	Headers      map[string]string
}

// ClientOption is a functional option for configuring clients
type ClientOption func(*ClientOptions)

// WithAPIKey sets the API key
func WithAPIKey(key string) ClientOption {
	return func(o *ClientOptions) {
		o.APIKey = key
	}
}

// WithBaseURL sets the base URL
func WithBaseURL(url string) ClientOption {
	return func(o *ClientOptions) {
		o.BaseURL = url
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.Timeout = timeout
	}
}

// WithModel sets the default model
func WithModel(model string) ClientOption {
	return func(o *ClientOptions) {
		o.DefaultModel = model
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(retries int) ClientOption {
	return func(o *ClientOptions) {
		o.MaxRetries = retries
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float32) ClientOption {
	return func(o *ClientOptions) {
		o.Temperature = t
	}
}

// WithMaxTokens caps the completion length
func WithMaxTokens(n int) ClientOption {
	return func(o *ClientOptions) {
		o.MaxTokens = n
	}
}

// WithHeaders sets additional headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(o *ClientOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// StringPtr is a helper function to get a pointer to a string
func StringPtr(s string) *string {
	return &s
}

// GetStringValue safely gets string value from pointer
func GetStringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

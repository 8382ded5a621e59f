package tools

import "strings"

// NoRowsText is reported for a successful query that produced no output.
const NoRowsText = "no rows matched"

// Result is the outcome of one tool invocation: either text or a tool-reported error.
type Result struct {
	Text string `json:"text,omitempty"`
	Err  string `json:"error,omitempty"`
}

// TextResult builds a successful result. Blank output becomes NoRowsText.
func TextResult(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Text: NoRowsText}
	}
	return Result{Text: text}
}

// ErrorResult builds a tool-reported failure, such as a SQL syntax error.
func ErrorResult(msg string) Result {
	if strings.TrimSpace(msg) == "" {
		msg = "tool reported an error"
	}
	return Result{Err: msg}
}

// IsError reports whether the tool reported a failure.
func (r Result) IsError() bool {
	return r.Err != ""
}

// Content renders the result as the body of a tool message.
func (r Result) Content() string {
	if r.IsError() {
		return "Error: " + r.Err
	}
	return r.Text
}

// ToolError is a recoverable problem with a proposed call, fed back to the model.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewToolError creates a new tool error
func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

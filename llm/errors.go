package llm

import (
	"errors"
	"fmt"
)

// ErrEmptyCompletion is returned when a backend reply carries neither text nor tool calls.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// MalformedToolCallError reports tool calls whose arguments are not a JSON object.
type MalformedToolCallError struct {
	Calls []MalformedCall
}

// MalformedCall identifies one offending call.
type MalformedCall struct {
	CallID   string
	ToolName string
	Raw      string
	Err      error
}

func (e *MalformedToolCallError) Error() string {
	if len(e.Calls) == 0 {
		return "llm: malformed tool call"
	}
	c := e.Calls[0]
	msg := fmt.Sprintf("llm: malformed arguments for tool %q (call %s): %v", c.ToolName, c.CallID, c.Err)
	if len(e.Calls) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(e.Calls)-1)
	}
	return msg
}

// Has reports whether the call with the given id was malformed.
func (e *MalformedToolCallError) Has(callID string) bool {
	for _, c := range e.Calls {
		if c.CallID == callID {
			return true
		}
	}
	return false
}

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the status is worth retrying.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

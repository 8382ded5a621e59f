package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var emptyToolArgs = json.RawMessage(`{}`)

// ParseToolArguments converts raw tool arguments into a canonical JSON object.
// It accepts either a JSON object or a JSON-encoded string containing an object.
// Empty or null input is an empty object; anything else that is not an object is an error.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]interface{}{}, emptyToolArgs, nil
	}

	// Some providers return tool args as a JSON string. Unquote once first.
	if trimmed[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(trimmed, &unquoted); err != nil {
			return nil, nil, fmt.Errorf("unquote arguments: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(unquoted))
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return map[string]interface{}{}, emptyToolArgs, nil
		}
	}

	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	args, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil, errors.New("arguments are not a JSON object")
	}

	normalized, err := json.Marshal(args)
	if err != nil {
		return nil, nil, err
	}

	return args, json.RawMessage(normalized), nil
}

// NewToolCallID synthesizes an id for backends that omit one.
func NewToolCallID() string {
	return "call_" + uuid.New().String()
}

// CanonicalToolCalls validates raw calls in order. Nameless calls are dropped,
// missing or duplicate ids are synthesized. Calls with bad arguments are kept with
// {} arguments and reported in the returned error.
func CanonicalToolCalls(calls []ToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	var malformed []MalformedCall
	for _, tc := range calls {
		if tc.Function.Name == "" {
			continue
		}
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = NewToolCallID()
		}
		seen[tc.ID] = true
		tc.Type = "function"

		_, normalized, err := ParseToolArguments(tc.Function.Arguments)
		if err != nil {
			malformed = append(malformed, MalformedCall{
				CallID:   tc.ID,
				ToolName: tc.Function.Name,
				Raw:      string(tc.Function.Arguments),
				Err:      err,
			})
			normalized = emptyToolArgs
		}
		tc.Function.Arguments = normalized
		out = append(out, tc)
	}
	if len(malformed) > 0 {
		return out, &MalformedToolCallError{Calls: malformed}
	}
	return out, nil
}

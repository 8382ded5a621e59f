package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	defaultModel   = "gpt-4o-mini"
)

// Client speaks the single-input-string convention: the conversation is flattened
// into one prefixed input string and the reply is a list of typed output items.
type Client struct {
	options    llm.ClientOptions
	httpClient *http.Client
}

var _ llm.Adapter = (*Client)(nil)

// NewClient creates a new responses-style client
func NewClient(opts ...llm.ClientOption) (*Client, error) {
	options := llm.ClientOptions{
		BaseURL:      defaultBaseURL,
		Timeout:      defaultTimeout,
		MaxRetries:   3,
		DefaultModel: defaultModel,
		Headers:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.APIKey == "" {
		options.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	options.BaseURL = strings.TrimSuffix(strings.TrimSuffix(options.BaseURL, "/"), "/responses")

	return &Client{
		options:    options,
		httpClient: &http.Client{Timeout: options.Timeout},
	}, nil
}

// Protocol implements llm.Adapter.
func (c *Client) Protocol() llm.Protocol {
	return llm.SingleInputString
}

// Complete implements llm.Adapter.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, catalog []llm.ToolDescriptor) (*llm.Message, error) {
	payload := map[string]interface{}{
		"model":       c.options.DefaultModel,
		"input":       FormatInput(messages),
		"temperature": c.options.Temperature,
	}
	if c.options.MaxTokens > 0 {
		payload["max_output_tokens"] = c.options.MaxTokens
	}
	if len(catalog) > 0 {
		tools := make([]map[string]interface{}, 0, len(catalog))
		for _, d := range catalog {
			params := d.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, map[string]interface{}{
				"type":        "function",
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			})
		}
		payload["tools"] = tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.options.MaxRetries; i++ {
		if i > 0 {
			delay := time.Duration(1<<(i-1)) * time.Second
			logx.Debug().Int("attempt", i).Dur("delay", delay).Err(lastErr).Msg("retrying responses call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := c.post(ctx, body)
		if err == nil {
			return parseOutput(out)
		}
		lastErr = err

		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.options.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	}
	req.Header.Set("User-Agent", "sqlchat-go/1.0")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.options.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, &llm.APIError{Status: resp.StatusCode, Message: errResp.Error.Message}
		}
		return nil, &llm.APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// FormatInput flattens the conversation into newline-separated prefixed lines.
func FormatInput(messages []llm.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			lines = append(lines, "System: "+m.Text())
		case llm.RoleUser:
			lines = append(lines, "User: "+m.Text())
		case llm.RoleAssistant:
			if text := m.Text(); text != "" {
				lines = append(lines, "Assistant: "+text)
			}
			for _, tc := range m.ToolCalls {
				lines = append(lines, fmt.Sprintf("Assistant: called %s with %s", tc.Function.Name, string(tc.Function.Arguments)))
			}
		case llm.RoleTool:
			lines = append(lines, "Tool Result: "+m.Text())
		}
	}
	return strings.Join(lines, "\n")
}

// parseOutput maps typed output items onto a canonical assistant message: text
// items are concatenated in order, function_call items become tool calls.
func parseOutput(out *response) (*llm.Message, error) {
	if out.Error != nil && out.Error.Message != "" {
		return nil, &llm.APIError{Status: http.StatusOK, Message: out.Error.Message}
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for _, item := range out.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					text.WriteString(part.Text)
				}
			}
		case "output_text", "text":
			text.WriteString(item.Text)
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			calls = append(calls, llm.ToolCall{
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: item.Name, Arguments: item.Arguments},
			})
		}
	}

	msg := &llm.Message{Role: llm.RoleAssistant}
	if s := strings.TrimSpace(text.String()); s != "" {
		msg.Content = llm.StringPtr(s)
	}
	canonical, callErr := llm.CanonicalToolCalls(calls)
	msg.ToolCalls = canonical

	if msg.Content == nil && len(msg.ToolCalls) == 0 {
		return nil, llm.ErrEmptyCompletion
	}
	return msg, callErr
}

type response struct {
	ID     string       `json:"id"`
	Output []outputItem `json:"output"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type outputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Text      string          `json:"text,omitempty"`
	Content   []contentPart   `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

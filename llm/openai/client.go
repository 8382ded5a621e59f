package openai

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

// Client speaks the structured-messages convention: POST {base}/chat/completions
// with a messages array, reading choices[0].message.
type Client struct {
	options    llm.ClientOptions
	httpClient *http.Client
}

var _ llm.Adapter = (*Client)(nil)

// NewClient creates a new chat-completions client
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
	options.BaseURL = strings.TrimSuffix(strings.TrimSuffix(options.BaseURL, "/"), "/chat/completions")

	return &Client{
		options:    options,
		httpClient: &http.Client{Timeout: options.Timeout},
	}, nil
}

// Protocol implements llm.Adapter.
func (c *Client) Protocol() llm.Protocol {
	return llm.StructuredMessages
}

// Complete implements llm.Adapter.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, catalog []llm.ToolDescriptor) (*llm.Message, error) {
	body, err := json.Marshal(c.buildRequest(messages, catalog))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var response chatResponse
	err = c.doWithRetries(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return apiError(resp.StatusCode, respBody)
		}

		response = chatResponse{}
		if err := json.Unmarshal(respBody, &response); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toCanonical(response)
}

func toCanonical(response chatResponse) (*llm.Message, error) {
	if response.Error != nil {
		return nil, &llm.APIError{Status: http.StatusOK, Message: response.Error.Message}
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response: %w", llm.ErrEmptyCompletion)
	}

	wire := response.Choices[0].Message
	msg := &llm.Message{Role: llm.RoleAssistant}
	if text := strings.TrimSpace(llm.GetStringValue(wire.Content)); text != "" {
		msg.Content = llm.StringPtr(text)
	}

	calls, callErr := llm.CanonicalToolCalls(wire.ToolCalls)
	msg.ToolCalls = calls

	if msg.Content == nil && len(msg.ToolCalls) == 0 {
		return nil, llm.ErrEmptyCompletion
	}
	return msg, callErr
}

// setHeaders sets common headers for requests
func (c *Client) setHeaders(req *http.Request) {
	if c.options.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	}
	req.Header.Set("User-Agent", "sqlchat-go/1.0")
	req.Header.Set("Content-Type", "application/json")

	for k, v := range c.options.Headers {
		req.Header.Set(k, v)
	}
}

// doWithRetries executes fn, retrying rate limits and server errors with
// exponential backoff.
func (c *Client) doWithRetries(ctx context.Context, fn func() error) error {
	var lastErr error

	for i := 0; i <= c.options.MaxRetries; i++ {
		if i > 0 {
			delay := time.Duration(1<<(i-1)) * time.Second
			logx.Debug().Int("attempt", i).Dur("delay", delay).Err(lastErr).Msg("retrying chat completion")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			continue
		}
		return err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// buildRequest renders the canonical conversation into the chat-completions body.
func (c *Client) buildRequest(messages []llm.Message, catalog []llm.ToolDescriptor) map[string]interface{} {
	reqMap := map[string]interface{}{
		"model":       c.options.DefaultModel,
		"messages":    messages,
		"temperature": c.options.Temperature,
	}

	if c.options.MaxTokens > 0 {
		reqMap["max_tokens"] = c.options.MaxTokens
	}

	if len(catalog) > 0 {
		tools := make([]map[string]interface{}, 0, len(catalog))
		for _, d := range catalog {
			tools = append(tools, FunctionDescriptor(d))
		}
		reqMap["tools"] = tools
		reqMap["tool_choice"] = "auto"
	}

	return reqMap
}

// FunctionDescriptor renders a tool as a chat-completions function entry.
func FunctionDescriptor(d llm.ToolDescriptor) map[string]interface{} {
	params := d.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	}
}

func apiError(status int, body []byte) error {
	var errResp struct {
		Error errorResponse `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llm.APIError{Status: status, Message: errResp.Error.Message}
	}
	return &llm.APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

type chatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []choice       `json:"choices"`
	Usage   *usage         `json:"usage,omitempty"`
	Error   *errorResponse `json:"error,omitempty"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

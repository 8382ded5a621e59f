// Package proxy forwards authenticated chat completion requests to an
// OpenAI compatible backend, keeping the upstream key server side.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nachoal/sqlchat-go/internal/logx"
)

type toolSpec struct {
	Type     string `json:"type,omitempty"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type chatRequest struct {
	Messages    []json.RawMessage `json:"messages" binding:"required"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

type upstreamPayload struct {
	Model       string            `json:"model"`
	Messages    []json.RawMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
}

// upstreamSummary is the subset of a completion logged per request.
type upstreamSummary struct {
	Choices []struct {
		Message struct {
			Content   *string           `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Proxy is the HTTP handler set.
type Proxy struct {
	cfg        Config
	httpClient *http.Client
	router     *gin.Engine
}

// New builds the proxy router.
func New(cfg Config) *Proxy {
	p := &Proxy{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		router:     gin.New(),
	}
	p.router.Use(gin.Recovery(), cors(cfg.AllowedOrigins))
	p.router.POST("/v1/chat/completions", p.handleChat)
	p.router.POST("/chat", p.handleChat)
	p.router.GET("/health", p.handleHealth)
	p.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "sqlchat llm proxy",
			"endpoints": gin.H{
				"/v1/chat/completions": "POST - OpenAI compatible chat completions",
				"/chat":                "POST - alias of /v1/chat/completions",
				"/health":              "GET - health check",
			},
		})
	})
	return p
}

// Handler returns the HTTP handler.
func (p *Proxy) Handler() http.Handler {
	return p.router
}

// Run serves until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	srv := &http.Server{Addr: p.cfg.Addr, Handler: p.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", p.cfg.Addr).Str("upstream", p.cfg.CompletionsURL()).Msg("proxy listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (p *Proxy) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "healthy",
		"llm_endpoint":         p.cfg.CompletionsURL(),
		"api_key_configured":   p.cfg.LLMAPIKey != "",
		"proxy_key_configured": p.cfg.ProxyKey != "",
	})
}

func (p *Proxy) handleChat(c *gin.Context) {
	if p.cfg.ProxyKey == "" {
		abort(c, http.StatusInternalServerError, "PROXY_KEY not configured on server")
		return
	}
	if !authorized(c.GetHeader("Authorization"), p.cfg.ProxyKey) {
		abort(c, http.StatusUnauthorized, "invalid or missing proxy key")
		return
	}
	if p.cfg.LLMAPIKey == "" {
		abort(c, http.StatusInternalServerError, "NRP_API_KEY not configured on server")
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	payload := upstreamPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: 0.7,
	}
	if payload.Model == "" {
		payload.Model = "gpt-4"
	}
	if req.Temperature != nil {
		payload.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		payload.Tools = req.Tools
		payload.ToolChoice = req.ToolChoice
		if len(payload.ToolChoice) == 0 {
			payload.ToolChoice = json.RawMessage(`"auto"`)
		}
	}

	logx.Info().
		Str("model", payload.Model).
		Int("messages", len(req.Messages)).
		Strs("tools", toolNames(req.Tools)).
		Msg("proxying chat request")

	start := time.Now()
	status, body, err := p.forward(c.Request.Context(), payload)
	elapsed := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			logx.Error().Err(err).Dur("elapsed", elapsed).Msg("upstream timed out")
			abort(c, http.StatusGatewayTimeout, fmt.Sprintf("LLM request timed out after %.2fs", elapsed.Seconds()))
			return
		}
		logx.Error().Err(err).Dur("elapsed", elapsed).Msg("upstream request failed")
		abort(c, http.StatusBadGateway, fmt.Sprintf("LLM request failed: %v", err))
		return
	}
	if status < 200 || status >= 300 {
		logx.Error().Int("status", status).Dur("elapsed", elapsed).Msg("upstream returned an error")
		abort(c, http.StatusBadGateway, fmt.Sprintf("LLM API returned %d: %s", status, truncate(string(body), 500)))
		return
	}

	logResponse(body, elapsed)
	c.Data(http.StatusOK, "application/json", body)
}

func (p *Proxy) forward(ctx context.Context, payload upstreamPayload) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.CompletionsURL(), bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.LLMAPIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func logResponse(body []byte, elapsed time.Duration) {
	var summary upstreamSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		logx.Warn().Err(err).Dur("elapsed", elapsed).Msg("upstream response is not a chat completion")
		return
	}
	ev := logx.Info().Dur("elapsed", elapsed)
	if len(summary.Choices) > 0 {
		msg := summary.Choices[0].Message
		content := ""
		if msg.Content != nil {
			content = *msg.Content
		}
		ev = ev.Int("content_length", len(content)).Int("tool_calls", len(msg.ToolCalls))
	}
	ev.Msg("upstream responded")
}

func toolNames(raw []json.RawMessage) []string {
	names := make([]string, 0, len(raw))
	for _, r := range raw {
		var spec toolSpec
		if err := json.Unmarshal(r, &spec); err != nil || spec.Function.Name == "" {
			names = append(names, "unknown")
			continue
		}
		names = append(names, spec.Function.Name)
	}
	return names
}

// authorized reports whether header is "Bearer <key>".
func authorized(header, key string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(key)) == 1
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func cors(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(origins, origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "*")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/config"
	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/llm/openai"
	"github.com/nachoal/sqlchat-go/llm/responses"
	"github.com/nachoal/sqlchat-go/toolclient"
)

// app holds the long-lived collaborators shared by every session.
type app struct {
	cfg      *config.Config
	adapter  llm.Adapter
	tools    *toolclient.Client
	recorder audit.Sink

	stopHealth func()
	logFile    io.Closer
}

type bootOptions struct {
	// logToFile keeps the terminal clean for the TUI.
	logToFile bool
	// requireTools fails start-up when the tool service cannot be reached.
	requireTools bool
}

func bootstrap(ctx context.Context, opts bootOptions) (*app, error) {
	cfg, err := config.LoadWith(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg}
	a.initLogging(opts.logToFile)

	a.adapter, err = newAdapter(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create LLM adapter: %w", err)
	}

	a.recorder, err = audit.Open(audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN, TTL: cfg.Audit.TTL})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}

	a.tools = toolclient.New(&toolclient.MCPDialer{
		Spec:    cfg.MCP.Endpoint,
		Name:    "sqlchat",
		Version: version,
	}, toolclient.Options{
		MaxReconnectAttempts: cfg.MCP.MaxReconnectAttempts,
		Backoff:              toolclient.Backoff{Base: cfg.MCP.BackoffBase, Max: cfg.MCP.BackoffMax},
		HealthInterval:       cfg.MCP.HealthInterval,
	})

	if err := a.tools.Connect(ctx); err != nil {
		if opts.requireTools {
			a.Close()
			return nil, fmt.Errorf("failed to connect to tool service %s: %w", cfg.MCP.Endpoint, err)
		}
		logx.Warn().Err(err).Str("endpoint", cfg.MCP.Endpoint).Msg("tool service unreachable, will retry on first query")
	}

	a.stopHealth, err = a.tools.StartHealthChecks()
	if err != nil {
		logx.Warn().Err(err).Msg("health checks disabled")
	}

	logx.Info().
		Str("model", cfg.LLM.Model).
		Str("protocol", cfg.LLM.Protocol).
		Str("mcp", cfg.MCP.Endpoint).
		Str("audit", cfg.Audit.Driver).
		Msg("sqlchat ready")
	return a, nil
}

// initLogging falls back to discarding logs when the TUI log file cannot be opened.
func (a *app) initLogging(toFile bool) {
	opts := logx.Options{
		Environment: logx.ParseEnvironment(a.cfg.Log.Env),
		Level:       a.cfg.Log.Level,
	}
	if verbose {
		opts.Level = "debug"
	}
	if !toFile {
		logx.Init(opts)
		return
	}

	path := a.cfg.Log.File
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			logx.Discard()
			return
		}
		path = filepath.Join(dir, "sqlchat.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logx.Discard()
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logx.Discard()
		return
	}
	opts.Output = f
	a.logFile = f
	logx.Init(opts)
}

// newSession builds a chat session with the configured bounds.
func (a *app) newSession(id string) *agent.Session {
	opts := []agent.Option{
		agent.WithMaxSteps(a.cfg.Agent.MaxSteps),
		agent.WithHistoryWindow(a.cfg.Agent.HistoryWindow),
		agent.WithChaining(a.cfg.Agent.AllowChaining),
		agent.WithRecorder(a.recorder),
		agent.WithSessionID(id),
	}
	if a.cfg.Agent.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(a.cfg.Agent.SystemPrompt))
	}
	return agent.New(a.adapter, a.tools, opts...)
}

func (a *app) Close() {
	if a.stopHealth != nil {
		a.stopHealth()
	}
	if a.tools != nil {
		_ = a.tools.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logx.Warn().Err(err).Msg("failed to close audit sink")
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func newAdapter(cfg *config.Config) (llm.Adapter, error) {
	protocol, err := cfg.ProtocolVariant()
	if err != nil {
		return nil, err
	}

	opts := []llm.ClientOption{
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithModel(cfg.LLM.Model),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
	}
	if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(cfg.LLM.MaxTokens))
	}

	switch protocol {
	case llm.StructuredMessages:
		client, err := openai.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	case llm.SingleInputString:
		client, err := responses.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %s", protocol)
	}
}

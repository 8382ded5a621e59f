package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nachoal/sqlchat-go/llm"
)

// EnvPrefix prefixes every environment override, e.g. SQLCHAT_LLM_MODEL.
const EnvPrefix = "SQLCHAT"

// Config represents the application configuration
type Config struct {
	LLM    LLMConfig    `mapstructure:"llm"`
	MCP    MCPConfig    `mapstructure:"mcp"`
	Agent  AgentConfig  `mapstructure:"agent"`
	Audit  AuditConfig  `mapstructure:"audit"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// LLMConfig selects the backend and its wire protocol.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Protocol    string        `mapstructure:"protocol"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// MCPConfig points at the remote tool service.
type MCPConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	HealthInterval       time.Duration `mapstructure:"health_interval"`
}

// AgentConfig bounds each turn.
type AgentConfig struct {
	MaxSteps      int    `mapstructure:"max_steps"`
	HistoryWindow int    `mapstructure:"history_window"`
	AllowChaining bool   `mapstructure:"allow_chaining"`
	SystemPrompt  string `mapstructure:"system_prompt"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Driver string        `mapstructure:"driver"`
	DSN    string        `mapstructure:"dsn"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures `sqlchat serve`.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// legacy environment names still honored after the prefixed ones.
var envAliases = map[string][]string{
	"llm.api_key":  {"NRP_API_KEY", "OPENAI_API_KEY"},
	"llm.base_url": {"LLM_ENDPOINT"},
	"llm.model":    {"LLM_MODEL"},
	"mcp.endpoint": {"MCP_URL"},
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.protocol", llm.StructuredMessages.String())
	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("mcp.endpoint", "")
	v.SetDefault("mcp.max_reconnect_attempts", 3)
	v.SetDefault("mcp.backoff_base", 500*time.Millisecond)
	v.SetDefault("mcp.backoff_max", 8*time.Second)
	v.SetDefault("mcp.health_interval", 5*time.Minute)

	v.SetDefault("agent.max_steps", 8)
	v.SetDefault("agent.history_window", 10)
	v.SetDefault("agent.allow_chaining", true)
	v.SetDefault("agent.system_prompt", "")

	v.SetDefault("audit.driver", "none")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.ttl", 24*time.Hour)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "")
	v.SetDefault("log.file", "")
}

// Dir returns the per-user configuration directory.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sqlchat"), nil
}

// Load reads defaults, then the config file, then the environment.
func Load(configFile string) (*Config, error) {
	return LoadWith(viper.New(), configFile)
}

// LoadWith is Load on a caller-owned viper instance, so flags bound to v win
// over every other source.
func LoadWith(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ProtocolVariant returns the parsed backend protocol.
func (c *Config) ProtocolVariant() (llm.Protocol, error) {
	return llm.ParseProtocol(c.LLM.Protocol)
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ProtocolVariant(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if strings.TrimSpace(c.MCP.Endpoint) == "" {
		errs = append(errs, errors.New("mcp.endpoint is required"))
	}
	if c.MCP.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("mcp.max_reconnect_attempts must be positive"))
	}
	if c.MCP.BackoffBase <= 0 || c.MCP.BackoffMax < c.MCP.BackoffBase {
		errs = append(errs, errors.New("mcp.backoff_base must be positive and not exceed mcp.backoff_max"))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	if c.Agent.HistoryWindow <= 0 {
		errs = append(errs, errors.New("agent.history_window must be positive"))
	}
	switch strings.ToLower(c.Audit.Driver) {
	case "", "none", "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported audit.driver %q", c.Audit.Driver))
	}
	return errors.Join(errs...)
}

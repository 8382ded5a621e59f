package proxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultEndpoint is used when LLM_ENDPOINT is unset.
const DefaultEndpoint = "https://ellm.nrp-nautilus.io/v1"

// Config is read from the environment.
type Config struct {
	Addr           string        `envconfig:"PROXY_ADDR" default:":8002"`
	ProxyKey       string        `envconfig:"PROXY_KEY"`
	LLMEndpoint    string        `envconfig:"LLM_ENDPOINT" default:"https://ellm.nrp-nautilus.io/v1"`
	LLMAPIKey      string        `envconfig:"NRP_API_KEY"`
	Timeout        time.Duration `envconfig:"PROXY_UPSTREAM_TIMEOUT" default:"10m"`
	AllowedOrigins []string      `envconfig:"PROXY_ALLOWED_ORIGINS" default:"http://localhost:8000"`
}

// LoadConfig processes the environment into a Config.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process proxy config: %w", err)
	}
	return cfg, nil
}

// CompletionsURL returns the endpoint with a /chat/completions suffix.
func (c Config) CompletionsURL() string {
	endpoint := strings.TrimRight(c.LLMEndpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}
	return endpoint
}

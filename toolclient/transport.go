package toolclient

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	stdioSchemePrefix = "stdio://"
	sseSchemePrefix   = "sse://"
)

// buildTransport parses a transport spec: stdio://<command>, sse://host/path,
// http+sse://..., http+stream://..., or a bare http(s) URL which defaults to SSE.
func buildTransport(ctx context.Context, spec string) (mcp.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, stdioSchemePrefix):
		parts := strings.Fields(spec[len(stdioSchemePrefix):])
		if len(parts) == 0 {
			return nil, fmt.Errorf("stdio command is empty")
		}
		// #nosec G204 -- the command comes from operator configuration
		return &mcp.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}, nil
	case strings.HasPrefix(lowered, sseSchemePrefix):
		endpoint, err := normalizeHTTPURL(spec[len(sseSchemePrefix):], true)
		if err != nil {
			return nil, fmt.Errorf("invalid SSE endpoint: %w", err)
		}
		return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
	}

	u, err := url.Parse(spec)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("unsupported transport spec %q", spec)
	}
	base, hint, _ := strings.Cut(strings.ToLower(u.Scheme), "+")
	if base != "http" && base != "https" {
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
	u.Scheme = base
	endpoint, err := normalizeHTTPURL(u.String(), false)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	switch hint {
	case "", "sse":
		return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
	case "stream", "streamable", "http":
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	default:
		return nil, fmt.Errorf("unsupported HTTP transport hint %q", hint)
	}
}

func normalizeHTTPURL(raw string, allowSchemeGuess bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if allowSchemeGuess && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}

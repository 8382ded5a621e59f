package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/config"
	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/tools"
)

type oneQueryAdapter struct {
	mu    sync.Mutex
	calls int
}

func (a *oneQueryAdapter) Complete(_ context.Context, _ []llm.Message, catalog []llm.ToolDescriptor) (*llm.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls == 1 {
		args, _ := json.Marshal(map[string]string{"query": "SELECT count(*) FROM wetlands"})
		return &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: tools.QueryToolName, Arguments: args},
		}}}, nil
	}
	m := llm.AssistantMessage("There are 42 wetlands.")
	return &m, nil
}

func (a *oneQueryAdapter) Protocol() llm.Protocol { return llm.StructuredMessages }

type countTools struct {
	mu      sync.Mutex
	invoked int
}

func (c *countTools) Catalog() []llm.ToolDescriptor { return []llm.ToolDescriptor{tools.QueryDescriptor()} }

func (c *countTools) Invoke(context.Context, string, map[string]any) (tools.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoked++
	return tools.TextResult("count\n42"), nil
}

func TestAskOnce_ApprovedFromStdin(t *testing.T) {
	ct := &countTools{}
	session := agent.New(&oneQueryAdapter{}, ct, agent.WithChaining(false))
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := askOnce(ctx, session, "how many wetlands?", strings.NewReader("y\n"), &out, false); err != nil {
		t.Fatalf("askOnce: %v", err)
	}
	if ct.invoked != 1 {
		t.Fatalf("expected 1 invocation, got %d", ct.invoked)
	}
	got := out.String()
	for _, want := range []string{"SELECT count(*) FROM wetlands", "Run this query?", "42", "There are 42 wetlands."} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, got)
		}
	}
}

func TestAskOnce_RejectedByDefault(t *testing.T) {
	ct := &countTools{}
	session := agent.New(&oneQueryAdapter{}, ct)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := askOnce(ctx, session, "how many wetlands?", strings.NewReader("\n"), &out, false); err != nil {
		t.Fatalf("askOnce: %v", err)
	}
	if ct.invoked != 0 {
		t.Fatalf("expected no invocation, got %d", ct.invoked)
	}
	if !strings.Contains(out.String(), agent.MsgRejected) {
		t.Fatalf("expected rejection message, got:\n%s", out.String())
	}
}

func TestAskOnce_YesSkipsPrompt(t *testing.T) {
	ct := &countTools{}
	session := agent.New(&oneQueryAdapter{}, ct)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := askOnce(ctx, session, "how many wetlands?", strings.NewReader(""), &out, true); err != nil {
		t.Fatalf("askOnce: %v", err)
	}
	if strings.Contains(out.String(), "Run this query?") {
		t.Fatalf("expected no prompt with --yes")
	}
	if ct.invoked != 1 {
		t.Fatalf("expected 1 invocation, got %d", ct.invoked)
	}
}

func TestNewAdapterByProtocol(t *testing.T) {
	cases := map[string]llm.Protocol{
		"structured-messages": llm.StructuredMessages,
		"single-input-string": llm.SingleInputString,
	}
	for name, want := range cases {
		cfg := &config.Config{LLM: config.LLMConfig{
			BaseURL:  "http://localhost:1234/v1",
			APIKey:   "k",
			Model:    "m",
			Protocol: name,
			Timeout:  time.Second,
		}}
		adapter, err := newAdapter(cfg)
		if err != nil {
			t.Fatalf("newAdapter(%s): %v", name, err)
		}
		if adapter.Protocol() != want {
			t.Fatalf("expected %s, got %s", want, adapter.Protocol())
		}
	}

	if _, err := newAdapter(&config.Config{LLM: config.LLMConfig{Protocol: "grpc"}}); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestPrintAudit_Summary(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{SQL: "SELECT count(*) FROM wetlands", Approved: true, Outcome: audit.OutcomeOK, CreatedAt: at},
		{SQL: "SELECT * FROM geofences", Approved: true, Outcome: audit.OutcomeToolError, Error: "Catalog Error: Table with name geofences does not exist!", CreatedAt: at},
		{SQL: "DROP TABLE wetlands", Outcome: audit.OutcomeRejected, CreatedAt: at},
	}

	var out bytes.Buffer
	if err := printAudit(&out, entries, false); err != nil {
		t.Fatalf("printAudit: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"2026-03-01T12:00:00Z  ok",
		"tool_error: Catalog Error",
		"3 queries: 2 executed, 1 succeeded, 1 rejected (50.0% success)",
		"[1x] Catalog Error: Table with name geofences does not exist!",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, text)
		}
	}

	out.Reset()
	if err := printAudit(&out, entries, true); err != nil {
		t.Fatalf("printAudit json: %v", err)
	}
	var body struct {
		Entries []audit.Entry `json:"entries"`
		Summary audit.Summary `json:"summary"`
	}
	if err := json.Unmarshal(out.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON output, got %v", err)
	}
	if len(body.Entries) != 3 || body.Summary.Rejected != 1 {
		t.Fatalf("unexpected JSON body %s", out.String())
	}
}

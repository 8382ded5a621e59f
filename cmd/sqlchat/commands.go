package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/config"
	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/internal/server"
	"github.com/nachoal/sqlchat-go/tui"
)

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := bootstrap(ctx, bootOptions{logToFile: true})
	if err != nil {
		return err
	}
	defer a.Close()

	session := a.newSession(uuid.NewString())
	defer session.Close()

	p := tea.NewProgram(
		tui.NewChat(ctx, session, a.tools, tui.Options{Model: a.cfg.LLM.Model, Theme: theme}),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootOptions{requireTools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	session := a.newSession(uuid.NewString())
	defer session.Close()

	question := strings.Join(args, " ")
	return askOnce(ctx, session, question, os.Stdin, cmd.OutOrStdout(), autoYes)
}

// askOnce runs a single turn, asking for approval on in unless yes is set.
func askOnce(ctx context.Context, session *agent.Session, question string, in io.Reader, out io.Writer, yes bool) error {
	events := session.Subscribe()
	if err := session.SendUserMessage(ctx, question); err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return agent.ErrClosed
			}
			switch e.Type {
			case agent.EventToolsProposed:
				for _, q := range e.Queries {
					fmt.Fprintf(out, "Proposed query:\n  %s\n", q)
				}
				var err error
				if yes || confirm(reader, out) {
					err = session.Approve()
				} else {
					err = session.Reject()
				}
				if err != nil && !errors.Is(err, agent.ErrNoPendingApproval) {
					return err
				}
			case agent.EventToolResult:
				fmt.Fprintf(out, "Result:\n%s\n\n", e.Content)
			case agent.EventTurnComplete:
				fmt.Fprintln(out, e.Content)
				if e.IsError && e.Outcome != agent.OutcomeRejected {
					return fmt.Errorf("question not answered: %s", e.Outcome)
				}
				return nil
			}
		}
	}
}

func confirm(r *bufio.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Run this query? [y/N] ")
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []server.Option
	if l, ok := a.recorder.(audit.Lister); ok {
		opts = append(opts, server.WithAuditLog(l))
	}
	srv := server.New(ctx, a.tools, a.newSession, opts...)
	return srv.Run(ctx, a.cfg.Server.Addr)
}

func listTools(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, bootOptions{requireTools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	descriptors, err := a.tools.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	out := cmd.OutOrStdout()
	if listOnly {
		for _, d := range descriptors {
			fmt.Fprintln(out, d.Name)
		}
		return nil
	}
	fmt.Fprintf(out, "Tools advertised by %s:\n\n", a.cfg.MCP.Endpoint)
	for _, d := range descriptors {
		fmt.Fprintf(out, "  %-12s %s\n", d.Name, d.Description)
	}
	return nil
}

func listAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWith(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	sink, err := audit.Open(audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN, TTL: cfg.Audit.TTL})
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}
	defer sink.Close()

	lister, ok := sink.(audit.Lister)
	if !ok {
		return fmt.Errorf("audit driver %q does not support listing", cfg.Audit.Driver)
	}
	entries, err := lister.List(cmd.Context(), auditSession, auditLimit)
	if err != nil {
		return err
	}
	return printAudit(cmd.OutOrStdout(), entries, auditJSON)
}

// printAudit writes entries oldest first followed by a summary.
func printAudit(out io.Writer, entries []audit.Entry, asJSON bool) error {
	summary := audit.Summarize(entries, 10)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"entries": entries, "summary": summary})
	}

	for _, e := range entries {
		status := string(e.Outcome)
		if e.Error != "" {
			status += ": " + e.Error
		}
		fmt.Fprintf(out, "%s  %s\n    %s\n", e.CreatedAt.Format(time.RFC3339), status, e.SQL)
	}
	fmt.Fprintf(out, "\n%d queries: %d executed, %d succeeded, %d rejected",
		summary.Total, summary.Executed, summary.Succeeded, summary.Rejected)
	if summary.Executed > 0 {
		fmt.Fprintf(out, " (%.1f%% success)", summary.SuccessRate()*100)
	}
	fmt.Fprintln(out)
	for _, ec := range summary.TopErrors {
		fmt.Fprintf(out, "  [%dx] %s\n", ec.Count, ec.Error)
	}
	return nil
}

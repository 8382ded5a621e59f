package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	// Flags
	cfgFile  string
	theme    string
	autoYes  bool
	verbose  bool
	listOnly bool

	auditSession string
	auditLimit   int
	auditJSON    bool

	// Root command
	rootCmd = &cobra.Command{
		Use:     "sqlchat",
		Short:   "Chat with a SQL database through an LLM",
		Long:    "sqlchat - ask questions in plain language; the model writes SQL, you approve it, a remote query tool runs it",
		Version: version,
		RunE:    runTUI,
	}

	// Query command for one-shot questions
	queryCmd = &cobra.Command{
		Use:   "query [question]",
		Short: "Ask a single question without entering the TUI",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}

	// Serve command
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve chat sessions over a websocket",
		RunE:  runServe,
	}

	// Tools command
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Tool service commands",
	}

	// List tools subcommand
	listToolsCmd = &cobra.Command{
		Use:   "list",
		Short: "List the tools advertised by the tool service",
		RunE:  listTools,
	}

	// Audit command
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect recorded queries",
	}

	// List audit entries subcommand
	listAuditCmd = &cobra.Command{
		Use:   "list",
		Short: "List a session's recorded queries with a success/failure summary",
		RunE:  listAudit,
	}
)

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.sqlchat/config.yaml)")
	pf.String("model", "", "model to use")
	pf.String("base-url", "", "LLM backend base URL")
	pf.String("protocol", "", "wire protocol: structured-messages or single-input-string")
	pf.String("mcp", "", "tool service endpoint (sse://, http+stream://, stdio://...)")
	pf.Int("max-steps", 0, "maximum model rounds per question")
	pf.String("audit", "", "audit sink: none, sqlite, postgres or redis")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// TUI-specific flags
	rootCmd.Flags().StringVar(&theme, "theme", "default", "color theme: default, dracula or nord")

	queryCmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "approve every proposed query")
	serveCmd.Flags().String("addr", "", "listen address")
	listToolsCmd.Flags().BoolVar(&listOnly, "names", false, "print tool names only")
	listAuditCmd.Flags().StringVar(&auditSession, "session", "", "session id to list")
	listAuditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of entries")
	listAuditCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries and summary as JSON")
	_ = listAuditCmd.MarkFlagRequired("session")

	// Add subcommands
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(listToolsCmd)
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(listAuditCmd)

	// Bind flags to viper keys
	for key, name := range map[string]string{
		"llm.model":       "model",
		"llm.base_url":    "base-url",
		"llm.protocol":    "protocol",
		"mcp.endpoint":    "mcp",
		"agent.max_steps": "max-steps",
		"audit.driver":    "audit",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(name))
	}
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles holds all the styles for the application
type Styles struct {
	Theme Theme

	// Layout
	Header    lipgloss.Style
	StatusBar lipgloss.Style
	Approval  lipgloss.Style

	// Messages
	UserMessage      lipgloss.Style
	AssistantMessage lipgloss.Style
	SystemMessage    lipgloss.Style
	ToolMessage      lipgloss.Style
	ErrorMessage     lipgloss.Style

	// Tools
	ToolName    lipgloss.Style
	ToolRunning lipgloss.Style
	ToolSuccess lipgloss.Style
	ToolError   lipgloss.Style

	// UI Elements
	Help      lipgloss.Style
	Spinner   lipgloss.Style
	CodeBlock lipgloss.Style
}

// NewStyles creates a new styles instance with the given theme
func NewStyles(theme Theme) *Styles {
	s := &Styles{
		Theme: theme,
	}

	// Layout styles
	s.Header = lipgloss.NewStyle().
		Foreground(theme.Primary).
		Bold(true)

	s.StatusBar = lipgloss.NewStyle().
		Background(theme.Surface).
		Foreground(theme.TextDim).
		Padding(0, 1)

	s.Approval = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(theme.Warning).
		Padding(0, 1)

	// Message styles
	s.UserMessage = lipgloss.NewStyle().
		Foreground(theme.Primary).
		PaddingLeft(1)

	s.AssistantMessage = lipgloss.NewStyle().
		Foreground(theme.Text).
		PaddingLeft(1)

	s.SystemMessage = lipgloss.NewStyle().
		Foreground(theme.TextDim).
		Italic(true).
		PaddingLeft(1)

	s.ToolMessage = lipgloss.NewStyle().
		Foreground(theme.Info).
		PaddingLeft(1)

	s.ErrorMessage = lipgloss.NewStyle().
		Foreground(theme.Error).
		Bold(true).
		PaddingLeft(1)

	// Tool styles
	s.ToolName = lipgloss.NewStyle().
		Foreground(theme.Secondary).
		Bold(true)

	s.ToolRunning = lipgloss.NewStyle().
		Foreground(theme.Warning)

	s.ToolSuccess = lipgloss.NewStyle().
		Foreground(theme.Success)

	s.ToolError = lipgloss.NewStyle().
		Foreground(theme.Error)

	// UI Element styles
	s.Help = lipgloss.NewStyle().
		Foreground(theme.TextDim).
		Italic(true)

	s.Spinner = lipgloss.NewStyle().
		Foreground(theme.Primary)

	s.CodeBlock = lipgloss.NewStyle().
		Foreground(theme.Secondary).
		PaddingLeft(2)

	return s
}

// RenderRole returns a styled role prefix
func (s *Styles) RenderRole(role string) string {
	switch role {
	case "user":
		return s.UserMessage.Bold(true).Render("You:")
	case "assistant":
		return s.AssistantMessage.Bold(true).Render("Assistant:")
	case "system":
		return s.SystemMessage.Bold(true).Render("System:")
	case "tool":
		return s.ToolMessage.Bold(true).Render("Query:")
	default:
		return s.Help.Render(role + ":")
	}
}

// RenderToolStatus returns a styled tool-service state
func (s *Styles) RenderToolStatus(status string) string {
	switch status {
	case "connected":
		return s.ToolSuccess.Render("● connected")
	case "connecting":
		return s.ToolRunning.Render("◌ connecting")
	case "degraded":
		return s.ToolRunning.Render("● degraded")
	default:
		return s.ToolError.Render("✗ " + status)
	}
}

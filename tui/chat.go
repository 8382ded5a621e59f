// Package tui is the terminal chat front end.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/toolclient"
	"github.com/nachoal/sqlchat-go/tui/styles"
)

// maxResultLines bounds how much of a query result is echoed in the transcript.
const maxResultLines = 12

// ChatSession is the part of agent.Session the UI drives.
type ChatSession interface {
	SendUserMessage(ctx context.Context, text string) error
	Approve() error
	Reject() error
	Subscribe() <-chan agent.Event
	State() agent.TurnState
}

// ToolStatus reports the tool service connection state.
type ToolStatus interface {
	State() toolclient.State
}

// Options configures the chat model.
type Options struct {
	Model string
	Theme string
}

// ChatModel is the bubbletea model for a chat session.
type ChatModel struct {
	ctx     context.Context
	session ChatSession
	status  ToolStatus
	events  <-chan agent.Event
	styles  *styles.Styles
	model   string

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	entries []entry
	state   agent.TurnState
	pending []string
	queries []string
	width   int
	height  int
	ready   bool
}

type entry struct {
	role    string
	content string
	isError bool
}

// Message types
type (
	eventMsg      struct{ event agent.Event }
	eventsDoneMsg struct{}
	sendErrMsg    struct{ err error }
)

// NewChat creates the chat model and subscribes to the session.
func NewChat(ctx context.Context, session ChatSession, status ToolStatus, opts Options) *ChatModel {
	ta := textarea.New()
	ta.Placeholder = "Ask a question about the data..."
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false) // Enter sends message

	st := styles.NewStyles(styles.GetTheme(opts.Theme))
	s := spinner.New(spinner.WithSpinner(spinner.Line))
	s.Style = st.Spinner

	return &ChatModel{
		ctx:      ctx,
		session:  session,
		status:   status,
		events:   session.Subscribe(),
		styles:   st,
		model:    opts.Model,
		textarea: ta,
		spinner:  s,
		state:    agent.StateIdle,
	}
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textarea.Blink,
		m.listen(),
	)
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := max(msg.Height-8, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.textarea.SetWidth(max(msg.Width-4, 10))
		m.textarea.SetHeight(2)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyCtrlC:
			if m.textarea.Value() != "" {
				m.textarea.Reset()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.submit()
		}

		if m.awaitingApproval() && m.textarea.Value() == "" {
			switch strings.ToLower(msg.String()) {
			case "y":
				m.decide(true)
				return m, nil
			case "n":
				m.decide(false)
				return m, nil
			}
		}

	case eventMsg:
		m.apply(msg.event)
		m.refresh()
		return m, m.listen()

	case eventsDoneMsg:
		return m, nil

	case sendErrMsg:
		if msg.err != nil {
			m.add("system", msg.err.Error(), true)
			m.refresh()
		}
		return m, nil

	case spinner.TickMsg:
		s, cmd := m.spinner.Update(msg)
		m.spinner = s
		cmds = append(cmds, cmd)
	}

	if m.state.AcceptsInput() {
		ta, cmd := m.textarea.Update(msg)
		m.textarea = ta
		cmds = append(cmds, cmd)
	}

	vp, cmd := m.viewport.Update(msg)
	m.viewport = vp
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m ChatModel) View() string {
	if !m.ready {
		return "\nInitializing..."
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render("sqlchat") + m.styles.Help.Render(" | model: "+m.model+" | /help for commands"))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("─", m.width) + "\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.awaitingApproval():
		prompt := m.styles.ToolName.Render("Run this query?") + " " + m.styles.Help.Render("[y] approve  [n] reject  or type a new message")
		b.WriteString(prompt + "\n")
		b.WriteString(m.textarea.View())
	case m.state.AcceptsInput():
		b.WriteString(m.textarea.View())
	default:
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.activity()))
	}
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *ChatModel) submit() tea.Cmd {
	value := strings.TrimSpace(m.textarea.Value())
	if value == "" || !m.state.AcceptsInput() {
		return nil
	}
	m.textarea.Reset()

	if strings.HasPrefix(value, "/") {
		return m.command(value)
	}

	m.add("user", value, false)
	m.pending = nil
	m.state = agent.StateAwaitingModel
	m.refresh()

	session, ctx := m.session, m.ctx
	return func() tea.Msg {
		return sendErrMsg{err: session.SendUserMessage(ctx, value)}
	}
}

func (m *ChatModel) command(input string) tea.Cmd {
	switch input {
	case "/help":
		m.add("system", helpText, false)
	case "/clear":
		m.entries = nil
	case "/exit", "/quit":
		return tea.Quit
	default:
		m.add("system", fmt.Sprintf("unknown command %s", input), true)
	}
	m.refresh()
	return nil
}

func (m *ChatModel) decide(approve bool) {
	var err error
	if approve {
		err = m.session.Approve()
	} else {
		err = m.session.Reject()
	}
	if err != nil {
		m.add("system", err.Error(), true)
	} else {
		m.pending = nil
		m.state = agent.StateExecuting
		if !approve {
			m.state = agent.StateAwaitingModel
		}
	}
	m.refresh()
}

func (m *ChatModel) apply(e agent.Event) {
	m.state = e.State
	switch e.Type {
	case agent.EventToolsProposed:
		m.pending = e.Queries
		for _, q := range e.Queries {
			m.add("tool", q, false)
		}
	case agent.EventToolResult:
		m.add("result", clip(e.Content, maxResultLines), e.IsError)
	case agent.EventTurnComplete:
		m.pending = nil
		m.queries = e.Queries
		if e.Content != "" {
			m.add("assistant", e.Content, e.IsError)
		}
	}
}

func (m ChatModel) awaitingApproval() bool {
	return m.state == agent.StateAwaitingApproval && len(m.pending) > 0
}

func (m ChatModel) activity() string {
	switch m.state {
	case agent.StateExecuting:
		return "Running query..."
	default:
		return "Thinking..."
	}
}

func (m ChatModel) statusLine() string {
	tool := "unknown"
	if m.status != nil {
		tool = m.status.State().String()
	}
	line := fmt.Sprintf("%s  turn: %s  queries: %d",
		m.styles.RenderToolStatus(tool), m.state, len(m.queries))
	return m.styles.StatusBar.Render(line)
}

func (m *ChatModel) add(role, content string, isError bool) {
	m.entries = append(m.entries, entry{role: role, content: content, isError: isError})
}

func (m *ChatModel) refresh() {
	if !m.ready {
		return
	}
	var content strings.Builder
	for _, e := range m.entries {
		content.WriteString("\n")
		switch {
		case e.isError:
			content.WriteString(m.styles.ErrorMessage.Render(e.content))
		case e.role == "user":
			content.WriteString(m.styles.RenderRole("user") + " " + m.styles.UserMessage.Render(e.content))
		case e.role == "assistant":
			content.WriteString(m.styles.AssistantMessage.Width(max(m.width-2, 10)).Render(e.content))
		case e.role == "tool":
			content.WriteString(m.styles.RenderRole("tool") + "\n" + m.styles.CodeBlock.Render(e.content))
		case e.role == "result":
			content.WriteString(m.styles.ToolMessage.Render(e.content))
		default:
			content.WriteString(m.styles.SystemMessage.Render(e.content))
		}
		content.WriteString("\n")
	}
	m.viewport.SetContent(content.String())
	m.viewport.GotoBottom()
}

func (m ChatModel) listen() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsDoneMsg{}
		}
		return eventMsg{event: e}
	}
}

func clip(s string, lines int) string {
	parts := strings.Split(s, "\n")
	if len(parts) <= lines {
		return s
	}
	return strings.Join(parts[:lines], "\n") + fmt.Sprintf("\n… %d more lines", len(parts)-lines)
}

const helpText = `Commands:
/help    - Show this help message
/clear   - Clear the transcript
/exit    - Exit application
While a query is proposed: y approves, n rejects, typing a new message discards it.`

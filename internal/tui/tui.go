// Package tui is the terminal front end: a scrollback viewport over the
// active session's message sequence with a single-line prompt.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/reactchat/client/internal/client"
	"github.com/reactchat/client/internal/model"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	thinkStyle     = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("243"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

// Messages delivered by the client callbacks through program.Send.
type (
	// RefreshMsg signals that the session state changed and the transcript
	// should be re-rendered.
	RefreshMsg struct{}
	// StatusMsg carries a connection status transition.
	StatusMsg client.Status
	// ErrMsg carries a backend error event.
	ErrMsg struct {
		SessionID string
		Message   string
	}
)

// Model is the bubbletea model for the chat screen.
type Model struct {
	client *client.Client

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	status  client.Status
	lastErr string
	width   int
	height  int
	ready   bool
}

// New builds the initial model around a wired client.
func New(c *client.Client) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.Focus()
	ti.CharLimit = 4096

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		client:  c,
		input:   ti,
		spinner: sp,
		status:  client.StatusDisconnected,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.client.Disconnect()
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.input.Reset()
			if err := m.client.SendMessage(content); err != nil {
				m.lastErr = err.Error()
			}
			m.refreshTranscript()
			return m, nil
		case tea.KeyCtrlN:
			if _, err := m.client.CreateSession(""); err != nil {
				m.lastErr = err.Error()
			}
			m.refreshTranscript()
			return m, nil
		case tea.KeyTab:
			m.cycleSession()
			m.refreshTranscript()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		footerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshTranscript()

	case RefreshMsg:
		m.refreshTranscript()
		return m, nil

	case StatusMsg:
		m.status = client.Status(msg)
		if m.status == client.StatusConnected {
			m.lastErr = ""
		}
		return m, nil

	case ErrMsg:
		m.lastErr = msg.Message
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.footerView())
	return b.String()
}

func (m *Model) headerView() string {
	title := "reactchat"
	if active, ok := m.client.Registry().Active(); ok {
		title += " / " + active.Name
	}
	return titleStyle.Render(title) + "\n" +
		statusStyle.Render(strings.Repeat("─", max(0, m.width)))
}

func (m *Model) footerView() string {
	status := string(m.status)
	if active, ok := m.client.Registry().Active(); ok {
		if m.client.Registry().Generating(active.ID) {
			status = m.spinner.View() + " generating"
		}
	}
	line := statusStyle.Render(status)
	if m.lastErr != "" {
		line += "  " + errorStyle.Render(m.lastErr)
	}
	return statusStyle.Render(strings.Repeat("─", max(0, m.width))) + "\n" +
		m.input.View() + "\n" + line
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	active, ok := m.client.Registry().Active()
	if !ok {
		m.viewport.SetContent(statusStyle.Render("No active session. Ctrl+N creates one."))
		return
	}
	msgs, err := m.client.Messages(active.ID)
	if err != nil {
		m.viewport.SetContent(errorStyle.Render(err.Error()))
		return
	}
	m.viewport.SetContent(renderTranscript(msgs))
	m.viewport.GotoBottom()
}

func (m *Model) cycleSession() {
	sessions := m.client.Registry().List()
	if len(sessions) < 2 {
		return
	}
	activeID := m.client.Registry().ActiveID()
	for i, s := range sessions {
		if s.ID == activeID {
			next := sessions[(i+1)%len(sessions)]
			if err := m.client.SwitchSession(next.ID); err != nil {
				m.lastErr = err.Error()
			}
			return
		}
	}
}

func renderTranscript(msgs []model.Message) string {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderMessage(msg))
	}
	return b.String()
}

func renderMessage(msg model.Message) string {
	switch msg.Kind {
	case model.KindUser:
		return userStyle.Render("You: ") + msg.Content
	case model.KindThink:
		return thinkStyle.Render("thinking: " + msg.Content)
	case model.KindToolCall:
		label := fmt.Sprintf("tool %s [%s]", msg.ToolName, msg.Status)
		out := toolStyle.Render(label)
		if len(msg.ToolArgs) > 0 {
			out += " " + string(msg.ToolArgs)
		}
		return out
	case model.KindToolOutput:
		out := toolStyle.Render("result: ")
		if len(msg.ToolOutput) > 0 {
			out += string(msg.ToolOutput)
		} else {
			out += msg.Content
		}
		return out
	default:
		return assistantStyle.Render(msg.Content)
	}
}

// Run starts the bubbletea program and wires the client callbacks into it.
// It blocks until the user quits.
func Run(c *client.Client) error {
	p := tea.NewProgram(New(c), tea.WithAltScreen())

	c.OnUpdate(func() { p.Send(RefreshMsg{}) })
	c.OnStatusChange(func(s client.Status) { p.Send(StatusMsg(s)) })
	c.OnError(func(sessionID, message string) {
		p.Send(ErrMsg{SessionID: sessionID, Message: message})
	})

	c.Connect()

	_, err := p.Run()
	return err
}

// Package chatui is the terminal chat client's bubbletea model.
package chatui

import (
	"fmt"
	"strings"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/session"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the part of *session.Session the UI drives.
type Controller interface {
	Start(mode domain.Mode)
	Cancel()
	NewSession()
	Exit()
	SendMessage(text string)
	SendTyping(typing bool)
	Snapshot() session.View
	Updates() <-chan struct{}
}

// sessionChangedMsg reports that the session has a new snapshot.
type sessionChangedMsg struct{}

// Model renders one chat session.
type Model struct {
	ctrl          Controller
	mode          domain.Mode
	assistedReady bool
	inviteCode    string
	inviteHost    bool

	input    textinput.Model
	viewport viewport.Model
	styles   Styles
	view     session.View
	width    int
	height   int
	quitting bool
}

// New creates the model. assistedReady enables switching to assisted mode
// from the start screen.
func New(ctrl Controller, mode domain.Mode, assistedReady bool) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		ctrl:          ctrl,
		mode:          mode,
		assistedReady: assistedReady,
		input:         ti,
		viewport:      viewport.New(80, 20),
		styles:        DefaultStyles(),
		view:          ctrl.Snapshot(),
	}
}

// WithInvite sets up the model for a chat with a friend instead of a
// stranger. The host is shown code to share while it waits.
func (m Model) WithInvite(code string, host bool) Model {
	m.inviteCode = code
	m.inviteHost = host
	m.assistedReady = false
	return m
}

// Init starts listening for session changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForChange())
}

func (m Model) waitForChange() tea.Cmd {
	updates := m.ctrl.Updates()
	return func() tea.Msg {
		<-updates
		return sessionChangedMsg{}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case sessionChangedMsg:
		m.refresh()
		return m, m.waitForChange()

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.renderMessages()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	before := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if after := m.input.Value(); after != before && m.view.State == domain.StateConnected {
		m.ctrl.SendTyping(strings.TrimSpace(after) != "")
	}
	// Letters belong to the input; only paging keys scroll the log.
	if k, ok := msg.(tea.KeyMsg); !ok || k.Type == tea.KeyPgUp || k.Type == tea.KeyPgDown {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// handleKey applies the chat's key bindings. It reports false for keys
// that belong to the text input.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	state := m.view.State
	switch msg.String() {
	case "ctrl+c":
		m.ctrl.Exit()
		m.quitting = true
		return tea.Quit, true

	case "enter":
		switch {
		case state == domain.StateConnected:
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.ctrl.SendMessage(text)
				m.input.SetValue("")
			}
		case state == domain.StateIdle || state == domain.StateFatal:
			m.ctrl.Start(m.mode)
		case state.Ended():
			m.ctrl.NewSession()
		}
		m.refresh()
		return nil, true

	case "esc":
		switch {
		case state.Matching():
			m.ctrl.Cancel()
		case state == domain.StateConnected || state.Ended():
			m.ctrl.Exit()
		}
		m.refresh()
		return nil, true

	case "ctrl+n":
		if state != domain.StateIdle {
			m.ctrl.NewSession()
			m.refresh()
		}
		return nil, true

	case "tab":
		if state == domain.StateIdle && m.assistedReady {
			if m.mode == domain.ModeHuman {
				m.mode = domain.ModeAssisted
			} else {
				m.mode = domain.ModeHuman
			}
		}
		return nil, true
	}
	return nil, false
}

func (m *Model) refresh() {
	m.view = m.ctrl.Snapshot()
	m.renderMessages()
}

func (m *Model) renderMessages() {
	var sb strings.Builder
	for _, msg := range m.view.Messages {
		switch msg.Sender {
		case domain.SenderSelf:
			sb.WriteString(m.styles.Self.Render("You: "))
			sb.WriteString(msg.Text)
		case domain.SenderPartner:
			sb.WriteString(m.styles.Partner.Render("Stranger: "))
			sb.WriteString(msg.Text)
		default:
			sb.WriteString(m.styles.System.Render(msg.Text))
		}
		sb.WriteString("\n")
	}
	if m.view.PartnerTyping {
		sb.WriteString(m.styles.System.Render("Stranger is typing..."))
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

// View renders the screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(m.styles.Header.Render("strangerchat"))
	sb.WriteString(" ")
	sb.WriteString(m.styles.Status.Render(m.statusLine()))
	sb.WriteString("\n\n")

	switch m.view.State {
	case domain.StateIdle:
		sb.WriteString("Talk to strangers. No login required.\n\n")
		sb.WriteString(fmt.Sprintf("Mode: %s\n", m.modeName()))
	case domain.StateSearching, domain.StateWaiting:
		sb.WriteString(m.searchingText())
		sb.WriteString("\n")
	case domain.StateFatal:
		sb.WriteString(m.viewport.View())
		sb.WriteString("\n")
		if m.view.Err != nil {
			sb.WriteString(m.styles.Error.Render("Error: " + m.view.Err.Error()))
			sb.WriteString("\n")
		}
	default:
		sb.WriteString(m.viewport.View())
		sb.WriteString("\n")
		if m.view.State == domain.StateConnected {
			sb.WriteString(m.input.View())
			sb.WriteString("\n")
		}
	}

	sb.WriteString(m.styles.Help.Render(m.helpLine()))
	return sb.String()
}

func (m Model) modeName() string {
	if m.mode == domain.ModeAssisted {
		return "assisted"
	}
	return "random stranger"
}

func (m Model) statusLine() string {
	switch m.view.State {
	case domain.StateConnected:
		return "connected"
	case domain.StateDisconnected:
		return "stranger left"
	case domain.StateError:
		return "connection lost"
	case domain.StateFatal:
		return "unavailable"
	case domain.StateSearching, domain.StateWaiting:
		return "searching"
	default:
		return "idle"
	}
}

func (m Model) searchingText() string {
	if m.inviteCode != "" && !m.inviteHost {
		return "Connecting to your friend..."
	}
	if m.inviteCode != "" {
		return fmt.Sprintf("Waiting for your friend. Share this command:\n\n  stranger --join %s\n", m.inviteCode)
	}
	if m.view.State == domain.StateWaiting {
		return "Waiting for a stranger to find you..."
	}
	return "Looking for a random stranger..."
}

func (m Model) helpLine() string {
	switch state := m.view.State; {
	case state == domain.StateIdle:
		if m.assistedReady {
			return "enter: start • tab: switch mode • ctrl+c: quit"
		}
		return "enter: start • ctrl+c: quit"
	case state.Matching():
		return "esc: cancel • ctrl+c: quit"
	case state == domain.StateConnected:
		return "enter: send • ctrl+n: next stranger • esc: disconnect • ctrl+c: quit"
	case state == domain.StateFatal:
		return "enter: retry • ctrl+c: quit"
	default:
		return "enter: find new partner • esc: back • ctrl+c: quit"
	}
}

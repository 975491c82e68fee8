package chatui

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/session"
	tea "github.com/charmbracelet/bubbletea"
)

// fakeController records the calls the model makes.
type fakeController struct {
	view    session.View
	calls   []string
	sent    []string
	typing  []bool
	updates chan struct{}
}

func newFakeController(state domain.State) *fakeController {
	return &fakeController{
		view:    session.View{State: state},
		updates: make(chan struct{}, 1),
	}
}

func (f *fakeController) Start(mode domain.Mode) {
	f.calls = append(f.calls, "start:"+string(mode))
	f.view.State = domain.StateSearching
}
func (f *fakeController) Cancel() {
	f.calls = append(f.calls, "cancel")
	f.view.State = domain.StateIdle
}
func (f *fakeController) NewSession() {
	f.calls = append(f.calls, "new")
	f.view.State = domain.StateSearching
}
func (f *fakeController) Exit() { f.calls = append(f.calls, "exit"); f.view.State = domain.StateIdle }
func (f *fakeController) SendMessage(text string) {
	f.sent = append(f.sent, text)
	f.view.Messages = append(f.view.Messages, domain.NewMessage(domain.SenderSelf, text))
}
func (f *fakeController) SendTyping(typing bool)   { f.typing = append(f.typing, typing) }
func (f *fakeController) Snapshot() session.View   { return f.view }
func (f *fakeController) Updates() <-chan struct{} { return f.updates }

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	case "ctrl+n":
		return tea.KeyMsg{Type: tea.KeyCtrlN}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModel_EnterStartsFromIdle(t *testing.T) {
	ctrl := newFakeController(domain.StateIdle)
	m := New(ctrl, domain.ModeHuman, false)

	m = update(t, m, key("enter"))
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "start:"+string(domain.ModeHuman) {
		t.Errorf("calls = %v", ctrl.calls)
	}
	if !strings.Contains(m.View(), "Looking for a random stranger") {
		t.Errorf("Expected searching screen, got:\n%s", m.View())
	}
}

func TestModel_TabSwitchesModeWhenAssistedReady(t *testing.T) {
	ctrl := newFakeController(domain.StateIdle)
	m := New(ctrl, domain.ModeHuman, true)

	m = update(t, m, key("tab"))
	if !strings.Contains(m.View(), "Mode: assisted") {
		t.Errorf("Expected assisted mode, got:\n%s", m.View())
	}
	m = update(t, m, key("enter"))
	if ctrl.calls[0] != "start:"+string(domain.ModeAssisted) {
		t.Errorf("calls = %v", ctrl.calls)
	}

	plain := New(newFakeController(domain.StateIdle), domain.ModeHuman, false)
	plain = update(t, plain, key("tab"))
	if !strings.Contains(plain.View(), "Mode: random stranger") {
		t.Error("tab must not switch modes without an assistant")
	}
}

func TestModel_EscCancelsMatching(t *testing.T) {
	ctrl := newFakeController(domain.StateWaiting)
	m := New(ctrl, domain.ModeHuman, false)

	m = update(t, m, key("esc"))
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "cancel" {
		t.Errorf("calls = %v", ctrl.calls)
	}
	if !strings.Contains(m.View(), "enter: start") {
		t.Errorf("Expected idle help line, got:\n%s", m.View())
	}
}

func TestModel_TypingAndSending(t *testing.T) {
	ctrl := newFakeController(domain.StateConnected)
	ctrl.view.Messages = []domain.Message{domain.SystemMessage(domain.GreetingText)}
	m := New(ctrl, domain.ModeHuman, false)

	m = update(t, m, key("h"))
	m = update(t, m, key("i"))
	if len(ctrl.typing) == 0 || !ctrl.typing[0] {
		t.Errorf("Expected typing=true to be sent, got %v", ctrl.typing)
	}

	m = update(t, m, key("enter"))
	if len(ctrl.sent) != 1 || ctrl.sent[0] != "hi" {
		t.Errorf("sent = %v", ctrl.sent)
	}
	if m.input.Value() != "" {
		t.Errorf("input not cleared: %q", m.input.Value())
	}
	if !strings.Contains(m.View(), "You: ") {
		t.Errorf("Expected own message rendered, got:\n%s", m.View())
	}
}

func TestModel_EnterIgnoresBlankInput(t *testing.T) {
	ctrl := newFakeController(domain.StateConnected)
	m := New(ctrl, domain.ModeHuman, false)

	m = update(t, m, key(" "))
	_ = update(t, m, key("enter"))
	if len(ctrl.sent) != 0 {
		t.Errorf("sent = %v, want nothing", ctrl.sent)
	}
}

func TestModel_SessionChangeRendersPartner(t *testing.T) {
	ctrl := newFakeController(domain.StateConnected)
	m := New(ctrl, domain.ModeHuman, false)

	ctrl.view.Messages = []domain.Message{domain.NewMessage(domain.SenderPartner, "hey there")}
	ctrl.view.PartnerTyping = true
	m = update(t, m, sessionChangedMsg{})

	view := m.View()
	if !strings.Contains(view, "hey there") || !strings.Contains(view, "Stranger is typing") {
		t.Errorf("Expected partner message and typing indicator, got:\n%s", view)
	}
}

func TestModel_EndedStates(t *testing.T) {
	ctrl := newFakeController(domain.StateDisconnected)
	ctrl.view.Messages = []domain.Message{domain.SystemMessage(domain.PartnerLeftText)}
	m := New(ctrl, domain.ModeHuman, false)

	if !strings.Contains(m.View(), "find new partner") {
		t.Errorf("Expected new-partner help, got:\n%s", m.View())
	}
	_ = update(t, m, key("enter"))
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "new" {
		t.Errorf("calls = %v", ctrl.calls)
	}

	fatal := newFakeController(domain.StateFatal)
	fatal.view.Err = errors.New("directory unavailable")
	fm := New(fatal, domain.ModeHuman, false)
	if !strings.Contains(fm.View(), "directory unavailable") {
		t.Errorf("Expected error rendered, got:\n%s", fm.View())
	}
}

func TestModel_CtrlCExits(t *testing.T) {
	ctrl := newFakeController(domain.StateConnected)
	m := New(ctrl, domain.ModeHuman, false)

	next, cmd := m.Update(key("ctrl+c"))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "exit" {
		t.Errorf("calls = %v", ctrl.calls)
	}
	if next.(Model).View() != "" {
		t.Error("Expected empty view after quitting")
	}
}

func TestModel_InviteCodeShownWhileWaiting(t *testing.T) {
	ctrl := newFakeController(domain.StateWaiting)
	m := New(ctrl, domain.ModeHuman, true).WithInvite("p-0123", true)

	if view := m.View(); !strings.Contains(view, "stranger --join p-0123") {
		t.Errorf("Expected invite command, got:\n%s", view)
	}

	// Invites never switch to assisted mode.
	ctrl.view.State = domain.StateIdle
	m = update(t, m, sessionChangedMsg{})
	m = update(t, m, key("tab"))
	if m.mode != domain.ModeHuman {
		t.Errorf("mode = %s, want human", string(m.mode))
	}

	guest := New(newFakeController(domain.StateSearching), domain.ModeHuman, false).WithInvite("p-0123", false)
	if view := guest.View(); !strings.Contains(view, "Connecting to your friend") {
		t.Errorf("Expected guest connecting text, got:\n%s", view)
	}
}

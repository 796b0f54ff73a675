// Package ui renders a channel binding as a terminal room: message viewport,
// presence line and an input field. The binding is acquired before the
// program starts and released when it exits, so the component's mounted
// lifetime is exactly the program's run.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/cricket/pkg/binding"
	"github.com/go-go-golems/cricket/pkg/realtime"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	presenceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	senderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	systemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// MessageTypeChat is the message type published by the input field.
const MessageTypeChat = "chat"

type chatPayload struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type refreshMsg struct{}

type publishErrMsg struct{ err error }

type Model struct {
	binding     *binding.Binding
	participant string

	viewport viewport.Model
	input    textinput.Model
	lastErr  error
	ready    bool
}

func NewModel(b *binding.Binding, participant string) Model {
	ti := textinput.New()
	ti.Placeholder = "say something"
	ti.Prompt = "> "
	ti.Focus()
	vp := viewport.New(80, 20)
	return Model{
		binding:     b,
		participant: participant,
		viewport:    vp,
		input:       ti,
	}
}

func waitForUpdate(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return refreshMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUpdate(m.binding.Updates()))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = ev.Width
		m.viewport.Height = ev.Height - 4
		if m.viewport.Height < 3 {
			m.viewport.Height = 3
		}
		m.input.Width = ev.Width - 4
		m.ready = true
		m.refreshContent()
		return m, nil

	case refreshMsg:
		m.refreshContent()
		return m, waitForUpdate(m.binding.Updates())

	case publishErrMsg:
		m.lastErr = ev.err
		return m, nil

	case tea.KeyMsg:
		switch ev.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.lastErr = nil
			return m, m.publishCmd(text)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("# " + m.binding.ChannelName()))
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	sb.WriteString(presenceStyle.Render("present: " + m.presenceLine()))
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	if m.lastErr != nil {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(m.lastErr.Error()))
	}
	return sb.String()
}

func (m *Model) publishCmd(text string) tea.Cmd {
	b := m.binding
	payload := chatPayload{From: m.participant, Text: text}
	return func() tea.Msg {
		if err := b.Publish(context.Background(), MessageTypeChat, payload); err != nil {
			return publishErrMsg{err: err}
		}
		return nil
	}
}

func (m *Model) refreshContent() {
	m.viewport.SetContent(renderMessages(m.binding.Messages()))
	m.viewport.GotoBottom()
}

func (m Model) presenceLine() string {
	members := m.binding.PresenceSet()
	if len(members) == 0 {
		return "(nobody)"
	}
	names := make([]string, 0, len(members))
	for _, member := range members {
		names = append(names, member.ParticipantID)
	}
	return strings.Join(names, ", ")
}

func renderMessages(msgs []realtime.Message) string {
	if len(msgs) == 0 {
		return systemStyle.Render("(no messages yet)")
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, renderMessage(m))
	}
	return strings.Join(lines, "\n")
}

func renderMessage(m realtime.Message) string {
	if m.Type == MessageTypeChat {
		var p chatPayload
		if err := json.Unmarshal(m.Payload, &p); err == nil && p.Text != "" {
			from := p.From
			if from == "" {
				from = "anonymous"
			}
			return senderStyle.Render(from+":") + " " + p.Text
		}
	}
	return systemStyle.Render(fmt.Sprintf("[%s] %s", m.Type, string(m.Payload)))
}

// Run acquires the binding, runs the program until quit and releases the
// binding again.
func Run(ctx context.Context, b *binding.Binding, participant string) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	p := tea.NewProgram(NewModel(b, participant), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

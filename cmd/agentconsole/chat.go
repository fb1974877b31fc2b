package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/reveal"
)

func newChatCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <agent_id>",
		Short: "Open an interactive conversation with an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, args[0])
		},
	}
}

func runChat(parent context.Context, cfg *config.Config, agentID string) error {
	logger, closeLog, err := fileLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM)
	defer stop()

	c, err := newConsole(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer c.Close()

	var migrator chat.Migrator
	if c.migrator != nil {
		migrator = c.migrator
	}

	changes := make(chan struct{}, 1)
	session := chat.New(chat.Deps{
		Store:      c.client,
		Dispatcher: c.client,
		Migrator:   migrator,
		Events:     c.hub,
	}, chat.Options{
		AgentID:          agentID,
		UserID:           cfg.Console.UserID,
		EventsURL:        cfg.Console.StreamURL(),
		PageSize:         cfg.Chat.PageSize,
		ErrorTTL:         cfg.Chat.ErrorTTL,
		ResponseTimeout:  cfg.Chat.ResponseTimeout,
		Reveal:           reveal.Options{Speed: cfg.Reveal.Speed, Batch: cfg.Reveal.Batch},
		MinArtifactLines: cfg.Artifacts.MinLines,
		Logger:           logger,
		OnChange:         func() { signalChange(changes) },
	})
	defer session.Close()

	p := tea.NewProgram(newChatModel(ctx, session, changes, agentID, cfg.Console.URL), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// signalChange coalesces change notifications; the UI re-reads the whole
// view anyway.
func signalChange(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type sessionChangedMsg struct{}

type loadedMsg struct{ err error }

type sentMsg struct{ err error }

type resetDoneMsg struct{}

type olderLoadedMsg struct {
	anchor string
	err    error
}

type chatModel struct {
	ctx       context.Context
	session   *chat.Session
	changes   chan struct{}
	agentID   string
	kernelURL string

	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int
	offsets  map[string]int
	status   string
	statusOK bool
}

func newChatModel(ctx context.Context, session *chat.Session, changes chan struct{}, agentID, kernelURL string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Message " + agentID
	ti.Prompt = "> "
	ti.CharLimit = 8000
	ti.Focus()

	return chatModel{
		ctx:       ctx,
		session:   session,
		changes:   changes,
		agentID:   agentID,
		kernelURL: kernelURL,
		input:     ti,
		viewport:  viewport.New(80, 20),
		offsets:   map[string]int{},
		status:    "loading conversation...",
		statusOK:  true,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		loadSessionCmd(m.ctx, m.session),
		waitForChangeCmd(m.changes),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.refresh()
		return m, nil
	case sessionChangedMsg:
		m.refresh()
		return m, waitForChangeCmd(m.changes)
	case loadedMsg:
		if msg.err != nil {
			m.setStatus("load failed: "+msg.err.Error(), false)
		} else {
			m.setStatus("", true)
		}
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case sentMsg:
		switch {
		case errors.Is(msg.err, chat.ErrBusy):
			m.setStatus("wait for the current response (esc skips the reveal)", false)
		case errors.Is(msg.err, chat.ErrEmptyInput):
			m.setStatus("", true)
		case msg.err != nil:
			// Send failures are shown in the timeline.
			m.setStatus("", true)
		default:
			m.setStatus("", true)
			m.viewport.GotoBottom()
		}
		return m, nil
	case resetDoneMsg:
		m.setStatus("conversation cleared", true)
		m.refresh()
		return m, nil
	case olderLoadedMsg:
		if msg.err != nil {
			m.setStatus("could not load older messages: "+msg.err.Error(), false)
			return m, nil
		}
		m.refresh()
		if off, ok := m.offsets[msg.anchor]; ok && msg.anchor != "" {
			m.viewport.SetYOffset(off)
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	panel := m.session.Panel()
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		return m, sendCmd(m.ctx, m.session, m.input.Value())
	case "esc":
		m.session.Skip()
		return m, nil
	case "ctrl+r":
		m.setStatus("clearing conversation...", true)
		return m, resetCmd(m.ctx, m.session)
	case "tab":
		panel.Toggle()
		m.refresh()
		return m, nil
	case "[", "]":
		// Brackets are ordinary text while typing.
		if panel.Snapshot().Open && m.input.Value() == "" {
			if msg.String() == "[" {
				panel.Move(-1)
			} else {
				panel.Move(1)
			}
			return m, nil
		}
	case "pgup":
		v := m.session.View()
		if m.viewport.AtTop() && v.HasMore && !v.LoadingOlder {
			m.setStatus("loading older messages...", true)
			return m, loadOlderCmd(m.ctx, m.session)
		}
		m.viewport.HalfViewUp()
		return m, nil
	case "pgdown":
		m.viewport.HalfViewDown()
		return m, nil
	case "up":
		m.viewport.LineUp(1)
		return m, nil
	case "down":
		m.viewport.LineDown(1)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.session.SetInput(m.input.Value())
	return m, cmd
}

func (m *chatModel) setStatus(s string, ok bool) {
	m.status = s
	m.statusOK = ok
}

// layout sizes the timeline and input for the current window and panel state.
func (m *chatModel) layout() {
	w, _ := splitWidth(m.width, m.session.Panel().Snapshot().Open)
	m.viewport.Width = w
	m.viewport.Height = max(m.height-4, 3)
	m.input.Width = max(m.width-4, 10)
}

// refresh re-renders the timeline, following the bottom when the operator
// has not scrolled away, and mirrors the session's input (restored after a
// failed send).
func (m *chatModel) refresh() {
	m.layout()
	v := m.session.View()
	atBottom := m.viewport.AtBottom()
	content, offsets := renderTimeline(v, m.agentID, m.viewport.Width)
	m.offsets = offsets
	m.viewport.SetContent(content)
	if atBottom {
		m.viewport.GotoBottom()
	}
	if v.State != chat.StateLoading && v.Input != m.input.Value() {
		m.input.SetValue(v.Input)
		m.input.CursorEnd()
	}
}

func (m chatModel) View() string {
	v := m.session.View()
	accent := accentColor

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("Agent Console")
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf(" agent=%s  kernel=%s  state=%s", m.agentID, m.kernelURL, v.State))

	body := m.viewport.View()
	if v.Artifacts.Open {
		_, pw := splitWidth(m.width, true)
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, renderArtifacts(v.Artifacts, pw, m.viewport.Height))
	}

	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74"))
	if !m.statusOK {
		statusStyle = statusStyle.Foreground(lipgloss.Color("#EF4444"))
	}
	status := m.status
	if v.LoadingOlder {
		status = "loading older messages..."
	}
	help := "enter send · esc skip · ctrl+r reset · tab artifacts · [ ] focus · pgup history · ctrl+c quit"

	return strings.Join([]string{
		title + meta,
		body,
		statusStyle.Render(status),
		m.input.View(),
		lipgloss.NewStyle().Faint(true).Render(help),
	}, "\n")
}

// splitWidth divides the terminal between the timeline and the artifact panel.
func splitWidth(total int, panelOpen bool) (timeline, panel int) {
	if total <= 0 {
		total = 80
	}
	if !panelOpen {
		return total, 0
	}
	panel = total * 45 / 100
	return total - panel, panel
}

func loadSessionCmd(ctx context.Context, s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		return loadedMsg{err: s.Load(ctx)}
	}
}

func sendCmd(ctx context.Context, s *chat.Session, text string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: s.Send(ctx, text)}
	}
}

func resetCmd(ctx context.Context, s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		s.Reset(ctx)
		return resetDoneMsg{}
	}
}

func loadOlderCmd(ctx context.Context, s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		anchor, err := s.LoadOlder(ctx)
		return olderLoadedMsg{anchor: anchor, err: err}
	}
}

func waitForChangeCmd(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return sessionChangedMsg{}
	}
}

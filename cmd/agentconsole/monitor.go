package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/feed"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

func newMonitorCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch agent activity, thoughts and kernel metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cfg)
		},
	}
}

func runMonitor(parent context.Context, cfg *config.Config) error {
	logger, closeLog, err := fileLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM)
	defer stop()

	c, err := newConsole(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Close()

	changes := make(chan struct{}, 1)
	f := feed.New(c.client, c.hub, feed.Options{
		EventsURL:       cfg.Console.StreamURL(),
		MaxEvents:       cfg.Feed.MaxEvents,
		MaxThoughts:     cfg.Feed.MaxThoughts,
		ThoughtTTL:      cfg.Feed.ThoughtTTL,
		SweepInterval:   cfg.Feed.SweepInterval,
		MetricsDebounce: cfg.Feed.MetricsDebounce,
		Logger:          logger,
		OnChange:        func() { signalChange(changes) },
	})
	defer f.Close()

	m := monitorModel{
		ctx:     ctx,
		feed:    f,
		changes: changes,
		state:   func() stream.ConnectionState { return c.hub.State(cfg.Console.StreamURL()) },
		apiURL:  cfg.Console.URL,
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type feedChangedMsg struct{}

type feedStartedMsg struct{ err error }

type monitorTickMsg struct{}

type monitorModel struct {
	ctx     context.Context
	feed    *feed.Feed
	changes chan struct{}
	state   func() stream.ConnectionState
	apiURL  string

	width  int
	height int
	err    error
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		startFeedCmd(m.ctx, m.feed),
		waitForFeedCmd(m.changes),
		monitorTickCmd(),
	)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case feedStartedMsg:
		m.err = msg.err
		return m, nil
	case feedChangedMsg:
		return m, waitForFeedCmd(m.changes)
	case monitorTickMsg:
		// Redraw so the connection label tracks reconnects.
		return m, monitorTickCmd()
	}
	return m, nil
}

func (m monitorModel) View() string {
	snap := m.feed.Snapshot()
	accent := accentColor

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("Agent Monitor")

	var st stream.ConnectionState
	if m.state != nil {
		st = m.state()
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("kernel=%s  stream=%s  events=%d", m.apiURL, connectionLabel(st, snap.Loading), len(snap.Events)))

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render("q: quit")
	if m.err != nil {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	}

	panelWidth := bodyWidth(m.width)
	eventsHeight, thoughtsHeight, metricsHeight := panelHeights(m.height)

	eventLines := eventPanelLines(snap.Events)
	if len(eventLines) == 0 {
		if snap.Loading {
			eventLines = []string{"loading history..."}
		} else {
			eventLines = []string{"waiting for events..."}
		}
	}
	eventsPanel := renderPanel("Events", eventLines, panelWidth, eventsHeight, accent, false)
	thoughtsPanel := renderPanel("Thoughts", thoughtPanelLines(snap.Thoughts), panelWidth, thoughtsHeight, accent, true)
	metricsPanel := renderPanel("Metrics", trimPanelLines(metricLines(snap.Metrics), metricsHeight-1), panelWidth, metricsHeight, accent, true)

	return strings.Join([]string{title + " " + meta, eventsPanel, thoughtsPanel, metricsPanel, footer}, "\n")
}

func eventPanelLines(events []stream.Event) []string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("[%s] %s %s",
			ev.Timestamp.Local().Format("15:04:05"),
			ev.Kind,
			eventSummary(ev),
		))
	}
	return lines
}

func thoughtPanelLines(thoughts []feed.Thought) []string {
	if len(thoughts) == 0 {
		return []string{"no recent agent activity"}
	}
	lines := make([]string, 0, len(thoughts))
	for _, th := range thoughts {
		agent := th.AgentID
		if agent == "" {
			agent = "?"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", th.At.Local().Format("15:04:05"), agent, th.Text))
	}
	return lines
}

// metricLines flattens the metrics document into sorted key=value lines,
// joining nested keys with dots.
func metricLines(metrics map[string]any) []string {
	if len(metrics) == 0 {
		return []string{"waiting for metrics..."}
	}
	var lines []string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, sub := range t {
				walk(prefix+"."+k, sub)
			}
		case float64:
			if t == float64(int64(t)) {
				lines = append(lines, fmt.Sprintf("%s=%d", prefix, int64(t)))
			} else {
				lines = append(lines, fmt.Sprintf("%s=%.2f", prefix, t))
			}
		default:
			lines = append(lines, fmt.Sprintf("%s=%v", prefix, t))
		}
	}
	for k, v := range metrics {
		walk(k, v)
	}
	sort.Strings(lines)
	return lines
}

func panelHeights(terminalHeight int) (events, thoughts, metrics int) {
	available := terminalHeight - 4
	if available < 15 {
		available = 15
	}
	thoughts = 7
	metrics = 7
	events = available - thoughts - metrics
	if events < 6 {
		events = 6
		remaining := available - events
		thoughts = remaining / 2
		metrics = remaining - thoughts
		if thoughts < 4 {
			thoughts = 4
		}
		if metrics < 4 {
			metrics = 4
		}
	}
	return events, thoughts, metrics
}

// renderPanel draws a bordered panel. keepHead keeps the first lines when
// they do not fit, otherwise the last.
func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color, keepHead bool) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		if keepHead {
			lines = lines[:contentHeight]
		} else {
			lines = lines[len(lines)-contentHeight:]
		}
	}
	padded := make([]string, contentHeight)
	copy(padded, lines)
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(padded, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#FFF7ED")).
		Background(lipgloss.Color("#2A1305")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func trimPanelLines(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{}
	}
	if len(lines) <= maxLines {
		return lines
	}
	trimmed := append([]string{}, lines[:maxLines]...)
	trimmed[maxLines-1] = "..."
	return trimmed
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func connectionLabel(st stream.ConnectionState, loading bool) string {
	switch {
	case st.Open:
		return "open"
	case st.RetryPending:
		return fmt.Sprintf("retrying (attempt %d)", st.Attempt)
	case loading:
		return "loading"
	default:
		return "connecting"
	}
}

func startFeedCmd(ctx context.Context, f *feed.Feed) tea.Cmd {
	return func() tea.Msg {
		return feedStartedMsg{err: f.Start(ctx)}
	}
}

func waitForFeedCmd(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return feedChangedMsg{}
	}
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return monitorTickMsg{} })
}

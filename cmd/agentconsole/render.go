package main

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentconsole/internal/artifact"
	"github.com/mattjoyce/agentconsole/internal/chat"
)

var (
	accentColor = lipgloss.Color("#F97316")
	userLabel   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#38BDF8"))
	agentLabel  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	systemLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A3A3A3"))
	errorText   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	faintText   = lipgloss.NewStyle().Faint(true)
)

// renderTimeline draws the conversation and returns the first line of each
// message so scrolling can be anchored after older messages are prepended.
func renderTimeline(v chat.View, agentID string, width int) (string, map[string]int) {
	if width < 20 {
		width = 20
	}
	body := lipgloss.NewStyle().Width(width - 2).PaddingLeft(2)

	var blocks []string
	offsets := make(map[string]int, len(v.Timeline))
	line := 0
	add := func(id, block string) {
		if id != "" {
			offsets[id] = line
		}
		blocks = append(blocks, block)
		line += strings.Count(block, "\n") + 2
	}

	if v.HasMore {
		add("", faintText.Render("  pgup for older messages"))
	}
	if len(v.Timeline) == 0 && v.Pending == nil && v.State != chat.StateLoading {
		add("", faintText.Render("  no messages yet"))
	}

	for _, m := range v.Timeline {
		text := m.Text()
		if transient, _ := m.Metadata["transient"].(bool); transient {
			text = errorText.Render(text)
		}
		add(m.ID, messageHeader(m.Source, m.AgentID, m.CreatedAt.Local().Format("15:04"), elapsedSecs(m.Metadata))+"\n"+body.Render(text))
	}

	switch {
	case v.Pending != nil:
		header := messageHeader(chat.SourceAgent, agentID, "", v.Pending.ElapsedSecs)
		add(v.Pending.ID, header+"\n"+body.Render(v.Revealed+"▌"))
	case v.State == chat.StateAwaitingResponse:
		add("", faintText.Render("  thinking..."))
	}

	return strings.Join(blocks, "\n\n"), offsets
}

func messageHeader(source chat.Source, agentID, at string, elapsed float64) string {
	var label string
	switch source {
	case chat.SourceUser:
		label = userLabel.Render("you")
	case chat.SourceAgent:
		name := agentID
		if name == "" {
			name = "agent"
		}
		label = agentLabel.Render(name)
	default:
		label = systemLabel.Render("system")
	}
	var meta []string
	if at != "" {
		meta = append(meta, at)
	}
	if elapsed > 0 {
		meta = append(meta, fmt.Sprintf("%.1fs", elapsed))
	}
	if len(meta) == 0 {
		return label
	}
	return label + " " + faintText.Render(strings.Join(meta, " · "))
}

// elapsedSecs reads the reply latency the kernel attaches to agent messages.
func elapsedSecs(meta map[string]any) float64 {
	switch v := meta["elapsed_secs"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// renderArtifacts draws the focused artifact, highlighted and clipped to the
// panel.
func renderArtifacts(st artifact.State, width, height int) string {
	if height < 3 {
		height = 3
	}
	if width < 20 {
		width = 20
	}
	inner := width - 4

	var lines []string
	title := "Artifacts"
	if st.Focus < 0 || st.Focus >= len(st.Artifacts) {
		lines = []string{faintText.Render("no artifacts yet")}
	} else {
		a := st.Artifacts[st.Focus]
		title = fmt.Sprintf("Artifact %d/%d", st.Focus+1, len(st.Artifacts))
		lang := a.Language
		if lang == "" {
			lang = "text"
		}
		lines = append(lines, faintText.Render(fmt.Sprintf("%s · %d lines", lang, a.LineCount)))
		code := strings.Join(clipLines(strings.Split(a.Code, "\n"), height-3), "\n")
		lines = append(lines, strings.Split(highlightCode(code, a.Language), "\n")...)
	}

	content := lipgloss.NewStyle().Bold(true).Foreground(accentColor).Render(title) + "\n" +
		lipgloss.NewStyle().MaxWidth(inner).Render(strings.Join(clipLines(lines, height-2), "\n"))

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accentColor).
		Width(width-2).
		Height(height-2).
		Padding(0, 1).
		Render(content)
}

func clipLines(lines []string, n int) []string {
	if n < 1 {
		n = 1
	}
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}

// highlightCode colours code for a 256-colour terminal, returning it
// unchanged when highlighting fails.
func highlightCode(code, language string) string {
	if code == "" {
		return ""
	}
	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, styles.Get("monokai"), iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

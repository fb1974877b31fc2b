package main

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/agentconsole/internal/artifact"
	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestRenderTimelineOffsets(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	v := chat.View{
		State: chat.StateIdle,
		Timeline: []chat.Message{
			{ID: "m1", Source: chat.SourceUser, Content: chat.TextBlocks("hello"), CreatedAt: at},
			{ID: "m2", AgentID: "scout", Source: chat.SourceAgent, Content: chat.TextBlocks("hi there"), CreatedAt: at,
				Metadata: map[string]any{"elapsed_secs": 1.5}},
		},
	}

	content, offsets := renderTimeline(v, "scout", 60)
	if offsets["m1"] != 0 {
		t.Fatalf("m1 offset = %d, want 0", offsets["m1"])
	}
	lines := strings.Split(content, "\n")
	if offsets["m2"] <= 0 || offsets["m2"] >= len(lines) {
		t.Fatalf("m2 offset = %d out of %d lines", offsets["m2"], len(lines))
	}
	if !strings.Contains(ansi.ReplaceAllString(lines[offsets["m2"]], ""), "scout") {
		t.Fatalf("m2 offset points at %q", lines[offsets["m2"]])
	}
	if !strings.Contains(content, "1.5s") {
		t.Fatalf("elapsed time missing from %q", content)
	}

	v.HasMore = true
	_, offsets = renderTimeline(v, "scout", 60)
	if offsets["m1"] != 2 {
		t.Fatalf("m1 offset with older hint = %d, want 2", offsets["m1"])
	}
}

func TestRenderTimelinePendingAndThinking(t *testing.T) {
	v := chat.View{State: chat.StateAwaitingResponse}
	content, _ := renderTimeline(v, "scout", 60)
	if !strings.Contains(content, "thinking...") {
		t.Fatalf("expected thinking indicator, got %q", content)
	}

	v = chat.View{
		State:    chat.StateRevealing,
		Pending:  &chat.PendingResponse{ID: "r1", Text: "partial answer"},
		Revealed: "partial",
	}
	content, offsets := renderTimeline(v, "scout", 60)
	if _, ok := offsets["r1"]; !ok {
		t.Fatalf("pending response has no offset")
	}
	if !strings.Contains(content, "partial▌") || strings.Contains(content, "partial answer") {
		t.Fatalf("pending render = %q", content)
	}
}

func TestElapsedSecs(t *testing.T) {
	if got := elapsedSecs(map[string]any{"elapsed_secs": 2.25}); got != 2.25 {
		t.Fatalf("elapsedSecs() = %v", got)
	}
	if got := elapsedSecs(nil); got != 0 {
		t.Fatalf("elapsedSecs(nil) = %v", got)
	}
}

func TestHighlightCodeKeepsText(t *testing.T) {
	code := "package main\n\nfunc main() {}"
	got := strings.TrimRight(ansi.ReplaceAllString(highlightCode(code, "go"), ""), "\n")
	if got != code {
		t.Fatalf("highlighted text = %q, want %q", got, code)
	}
	if highlightCode("", "go") != "" {
		t.Fatalf("empty code should stay empty")
	}
}

func TestRenderArtifacts(t *testing.T) {
	out := renderArtifacts(artifact.State{Focus: -1, Open: true}, 40, 10)
	if !strings.Contains(out, "no artifacts yet") {
		t.Fatalf("empty panel = %q", out)
	}

	st := artifact.State{
		Artifacts: []artifact.Artifact{
			{ID: "a1", Code: "x := 1", Language: "go", LineCount: 1},
			{ID: "a2", Code: "print(1)\nprint(2)\nprint(3)", Language: "python", LineCount: 3},
		},
		Focus: 1,
		Open:  true,
	}
	out = ansi.ReplaceAllString(renderArtifacts(st, 50, 12), "")
	if !strings.Contains(out, "Artifact 2/2") || !strings.Contains(out, "python · 3 lines") {
		t.Fatalf("panel = %q", out)
	}
}

func TestSplitWidth(t *testing.T) {
	if tl, p := splitWidth(100, true); tl != 55 || p != 45 {
		t.Fatalf("splitWidth(100, true) = %d, %d", tl, p)
	}
	if tl, p := splitWidth(0, false); tl != 80 || p != 0 {
		t.Fatalf("splitWidth(0, false) = %d, %d", tl, p)
	}
}

func TestMetricLinesSortedAndFlattened(t *testing.T) {
	got := metricLines(map[string]any{
		"queue_depth":    float64(2),
		"uptime_seconds": 1.5,
		"bus":            map[string]any{"dropped": float64(0)},
	})
	want := []string{"bus.dropped=0", "queue_depth=2", "uptime_seconds=1.50"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("metricLines() = %v, want %v", got, want)
	}
	if got := metricLines(nil); len(got) != 1 || got[0] != "waiting for metrics..." {
		t.Fatalf("metricLines(nil) = %v", got)
	}
}

func TestPanelHeights(t *testing.T) {
	e, th, m := panelHeights(40)
	if e != 22 || th != 7 || m != 7 {
		t.Fatalf("panelHeights(40) = %d, %d, %d", e, th, m)
	}
	e, th, m = panelHeights(10)
	if e != 6 || th != 4 || m != 5 {
		t.Fatalf("panelHeights(10) = %d, %d, %d", e, th, m)
	}
}

func TestRenderPanelKeepsTail(t *testing.T) {
	lines := []string{"one", "two", "three", "four"}
	out := renderPanel("Events", lines, 40, 3, accentColor, false)
	if strings.Contains(out, "one") || !strings.Contains(out, "four") {
		t.Fatalf("tail panel = %q", out)
	}
	out = renderPanel("Metrics", lines, 40, 3, accentColor, true)
	if !strings.Contains(out, "one") || strings.Contains(out, "four") {
		t.Fatalf("head panel = %q", out)
	}
}

func TestConnectionLabel(t *testing.T) {
	cases := []struct {
		st      stream.ConnectionState
		loading bool
		want    string
	}{
		{stream.ConnectionState{Open: true}, false, "open"},
		{stream.ConnectionState{RetryPending: true, Attempt: 3}, false, "retrying (attempt 3)"},
		{stream.ConnectionState{}, true, "loading"},
		{stream.ConnectionState{}, false, "connecting"},
	}
	for _, tc := range cases {
		if got := connectionLabel(tc.st, tc.loading); got != tc.want {
			t.Fatalf("connectionLabel(%+v, %v) = %q, want %q", tc.st, tc.loading, got, tc.want)
		}
	}
}

func TestTrimPanelLines(t *testing.T) {
	got := trimPanelLines([]string{"a", "b", "c"}, 2)
	if len(got) != 2 || got[1] != "..." {
		t.Fatalf("trimPanelLines() = %v", got)
	}
}

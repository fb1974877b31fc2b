package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

func TestLoadConfigMissingDefaultFallsBack(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Console.URL == "" {
		t.Fatalf("expected default console url")
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("console:\n  url: http://kernel.test:9000/\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Console.URL != "http://kernel.test:9000" {
		t.Fatalf("console url = %q", cfg.Console.URL)
	}
}

func TestEventSummary(t *testing.T) {
	ev := stream.Event{
		Kind:    stream.KindThoughtResponse,
		Payload: map[string]any{"agent_id": "scout", "content": "multi\nline   text"},
	}
	if got := eventSummary(ev); got != "[scout] multi line text" {
		t.Fatalf("eventSummary() = %q", got)
	}

	ev = stream.Event{
		Kind:    stream.KindAgentPowerChanged,
		Payload: map[string]any{"agent_id": "a", "power": "on", "level": float64(2)},
	}
	if got := eventSummary(ev); got != "[a] level=2 power=on" {
		t.Fatalf("eventSummary() = %q", got)
	}
}

func TestTrimForLog(t *testing.T) {
	if got := trimForLog("short", 10); got != "short" {
		t.Fatalf("trimForLog() = %q", got)
	}
	if got := trimForLog("abcdefghij", 6); got != "abc..." {
		t.Fatalf("trimForLog() = %q", got)
	}
	if got := trimForLog("abcdef", 2); got != "ab" {
		t.Fatalf("trimForLog() = %q", got)
	}
}

func TestKindColorFallsBack(t *testing.T) {
	if kindColor("SomethingNew") != defaultKindColor {
		t.Fatalf("unknown kind should use the default color")
	}
	if kindColor(stream.KindSystemNotification) == defaultKindColor {
		t.Fatalf("known kind should have its own color")
	}
}

func TestRunLogsPrintsTail(t *testing.T) {
	color.NoColor = true

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/history" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"trace_id":"t1","timestamp":"2026-01-02T10:00:00Z","type":"MessageReceived","data":{"agent_id":"scout","content":"first"}},
			{"trace_id":"t2","timestamp":"2026-01-02T10:00:01Z","type":"ThoughtRequested","data":{"agent_id":"scout"}},
			{"nonsense":true},
			{"trace_id":"t3","timestamp":"2026-01-02T10:00:02Z","type":"ThoughtResponse","data":{"agent_id":"scout","content":"third"}}
		]`))
	}))
	defer ts.Close()

	cfg := &config.Config{}
	cfg.Console.URL = ts.URL
	cfg.Console.RequestTimeout = 5 * time.Second

	c, err := newConsole(context.Background(), cfg, newLogger("error", &bytes.Buffer{}), false)
	if err != nil {
		t.Fatalf("newConsole() error = %v", err)
	}
	defer c.Close()

	var out bytes.Buffer
	if err := runLogs(context.Background(), c, logsOptions{limit: 2}, &out); err != nil {
		t.Fatalf("runLogs() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "ThoughtRequested") || !strings.Contains(lines[0], "[scout]") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], "[scout] third") {
		t.Fatalf("unexpected second line %q", lines[1])
	}

	out.Reset()
	if err := runLogs(context.Background(), c, logsOptions{limit: 1, json: true}, &out); err != nil {
		t.Fatalf("runLogs(json) error = %v", err)
	}
	if !strings.Contains(out.String(), `"trace_id":"t3"`) {
		t.Fatalf("json output = %q", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := out.String(); got != "agentconsole dev\n" {
		t.Fatalf("version output = %q", got)
	}
}

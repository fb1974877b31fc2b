package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/agentconsole/internal/stream"
)

type logsOptions struct {
	follow bool
	limit  int
	json   bool
}

func newLogsCmd(load configLoader) *cobra.Command {
	var opts logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent kernel events, optionally following the live stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.limit < 0 {
				return fmt.Errorf("limit must not be negative")
			}
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := fileLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := newConsole(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer c.Close()
			return runLogs(ctx, c, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "keep printing live events until interrupted")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "number of history events to print (0 for all)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print raw JSON events")
	return cmd
}

func runLogs(ctx context.Context, c *console, opts logsOptions, w io.Writer) error {
	printer := eventPrinter{w: w, json: opts.json}

	events := make(chan stream.Event, 64)
	if opts.follow {
		// Subscribe before fetching history so nothing falls between the two.
		sub := c.hub.Subscribe(c.cfg.Console.StreamURL(), func(ev stream.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		defer sub.Unsubscribe()
	}

	history, err := c.client.History(ctx)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if opts.limit > 0 && len(history) > opts.limit {
		history = history[len(history)-opts.limit:]
	}
	seen := make(map[string]struct{}, len(history))
	for _, ev := range history {
		seen[ev.TraceID] = struct{}{}
		printer.print(ev)
	}

	if !opts.follow {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if _, dup := seen[ev.TraceID]; dup && ev.TraceID != "" {
				continue
			}
			printer.print(ev)
		}
	}
}

type eventPrinter struct {
	w    io.Writer
	json bool
}

var (
	timeColor  = color.New(color.Faint)
	kindColors = map[string]*color.Color{
		stream.KindMessageReceived:    color.New(color.FgCyan),
		stream.KindThoughtRequested:   color.New(color.FgYellow),
		stream.KindThoughtResponse:    color.New(color.FgGreen, color.Bold),
		stream.KindSystemNotification: color.New(color.FgRed),
		stream.KindAgentPowerChanged:  color.New(color.FgMagenta),
		stream.KindConfigUpdated:      color.New(color.FgBlue),
		stream.KindPermissionGranted:  color.New(color.FgBlue),
		stream.KindPermissionRequest:  color.New(color.FgYellow, color.Bold),
	}
	defaultKindColor = color.New(color.FgWhite)
)

func kindColor(kind string) *color.Color {
	if c, ok := kindColors[kind]; ok {
		return c
	}
	return defaultKindColor
}

func (p eventPrinter) print(ev stream.Event) {
	if p.json {
		data, err := ev.Encode()
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n",
		timeColor.Sprint(ev.Timestamp.Local().Format("15:04:05")),
		kindColor(ev.Kind).Sprintf("%-20s", ev.Kind),
		eventSummary(ev),
	)
}

// eventSummary renders the payload as agent-prefixed text, falling back to
// sorted key=value pairs.
func eventSummary(ev stream.Event) string {
	var b strings.Builder
	if agent := ev.String("agent_id"); agent != "" {
		b.WriteString("[" + agent + "] ")
	}
	for _, key := range []string{"content", "message", "text"} {
		if s := ev.String(key); s != "" {
			b.WriteString(trimForLog(strings.Join(strings.Fields(s), " "), 120))
			return b.String()
		}
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if k != "agent_id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Payload[k]))
	}
	b.WriteString(trimForLog(strings.Join(parts, " "), 120))
	return b.String()
}

func trimForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// Package feed merges the kernel's event backlog with the live stream into a
// bounded activity window for the monitor view.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/agentconsole/internal/clock"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

// Defaults for Options.
const (
	DefaultMaxEvents       = 500
	DefaultMaxThoughts     = 12
	DefaultThoughtTTL      = 30 * time.Second
	DefaultSweepInterval   = time.Second
	DefaultMetricsDebounce = 300 * time.Millisecond

	thoughtWidth   = 120
	metricsTimeout = 10 * time.Second
)

// DefaultMetricKinds are the event kinds that change kernel metrics.
var DefaultMetricKinds = []string{
	stream.KindMessageReceived,
	stream.KindThoughtResponse,
	stream.KindAgentPowerChanged,
	stream.KindConfigUpdated,
	stream.KindPermissionGranted,
}

// Source provides the backlog and auxiliary metrics.
type Source interface {
	// History returns recent events, oldest first.
	History(ctx context.Context) ([]stream.Event, error)
	Metrics(ctx context.Context) (map[string]any, error)
}

// Thought is a short-lived line derived from agent activity.
type Thought struct {
	AgentID string
	Kind    string
	Text    string
	At      time.Time
	Expires time.Time
}

// Snapshot is what the monitor view renders.
type Snapshot struct {
	Events   []stream.Event
	Thoughts []Thought
	Metrics  map[string]any
	Loading  bool
}

// Options configures a Feed.
type Options struct {
	EventsURL       string
	MaxEvents       int
	MaxThoughts     int
	ThoughtTTL      time.Duration
	SweepInterval   time.Duration
	MetricsDebounce time.Duration
	MetricKinds     []string

	Clock    clock.Clock
	Logger   *slog.Logger
	OnChange func()
}

// Feed is the activity window.
type Feed struct {
	opts        Options
	source      Source
	events      stream.Subscriber
	clock       clock.Clock
	logger      *slog.Logger
	metricKinds map[string]struct{}

	mu       sync.Mutex
	loading  bool
	buffer   []stream.Event
	window   []stream.Event
	traces   map[string]int
	thoughts []Thought
	metrics  map[string]any
	debounce clock.Timer
	sweep    clock.Timer
	sub      *stream.Subscription
	closed   bool

	bg sync.WaitGroup
}

// New builds an idle feed. Call Start to load it.
func New(source Source, events stream.Subscriber, opts Options) *Feed {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.MaxThoughts <= 0 {
		opts.MaxThoughts = DefaultMaxThoughts
	}
	if opts.ThoughtTTL <= 0 {
		opts.ThoughtTTL = DefaultThoughtTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MetricsDebounce <= 0 {
		opts.MetricsDebounce = DefaultMetricsDebounce
	}
	if opts.MetricKinds == nil {
		opts.MetricKinds = DefaultMetricKinds
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	kinds := make(map[string]struct{}, len(opts.MetricKinds))
	for _, k := range opts.MetricKinds {
		kinds[k] = struct{}{}
	}
	return &Feed{
		opts:        opts,
		source:      source,
		events:      events,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "feed"),
		metricKinds: kinds,
		traces:      make(map[string]int),
	}
}

// Start subscribes to the live stream, then loads the backlog. Live events
// that arrive while the backlog is in flight are held and replayed after it,
// in arrival order. A backlog error is returned but the feed still goes live.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed closed")
	}
	f.loading = true
	subscribe := f.sub == nil && f.events != nil && f.opts.EventsURL != ""
	f.mu.Unlock()

	if subscribe {
		sub := f.events.Subscribe(f.opts.EventsURL, f.handleEvent)
		f.mu.Lock()
		f.sub = sub
		f.mu.Unlock()
	}
	f.notify()

	backlog, err := f.source.History(ctx)
	if err != nil {
		err = fmt.Errorf("load history: %w", err)
		f.logger.Warn("history unavailable", "error", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return err
	}
	for _, ev := range backlog {
		f.applyLocked(ev, false)
	}
	buffered := f.buffer
	f.buffer = nil
	for _, ev := range buffered {
		f.applyLocked(ev, true)
	}
	f.loading = false
	f.mu.Unlock()

	f.notify()
	f.refreshMetrics()
	return err
}

func (f *Feed) handleEvent(ev stream.Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.loading {
		f.buffer = append(f.buffer, ev)
		f.mu.Unlock()
		return
	}
	applied := f.applyLocked(ev, true)
	if applied {
		if _, ok := f.metricKinds[ev.Kind]; ok {
			f.scheduleRefreshLocked()
		}
	}
	f.mu.Unlock()

	if applied {
		f.notify()
	}
}

// applyLocked appends ev unless its trace ID is already in the window. Live
// events also produce thought lines.
func (f *Feed) applyLocked(ev stream.Event, live bool) bool {
	if ev.TraceID != "" && f.traces[ev.TraceID] > 0 {
		return false
	}
	f.window = append(f.window, ev)
	if ev.TraceID != "" {
		f.traces[ev.TraceID]++
	}
	for len(f.window) > f.opts.MaxEvents {
		old := f.window[0]
		f.window = f.window[1:]
		if old.TraceID != "" {
			if f.traces[old.TraceID]--; f.traces[old.TraceID] <= 0 {
				delete(f.traces, old.TraceID)
			}
		}
	}
	if live {
		if th, ok := f.thoughtFor(ev); ok {
			f.thoughts = append(f.thoughts, th)
			if over := len(f.thoughts) - f.opts.MaxThoughts; over > 0 {
				f.thoughts = f.thoughts[over:]
			}
			f.scheduleSweepLocked()
		}
	}
	return true
}

func (f *Feed) thoughtFor(ev stream.Event) (Thought, bool) {
	var text string
	switch ev.Kind {
	case stream.KindThoughtRequested:
		text = "thinking..."
	case stream.KindThoughtResponse:
		text = firstLine(ev.String("content"))
	default:
		return Thought{}, false
	}
	now := f.clock.Now()
	return Thought{
		AgentID: ev.String("agent_id"),
		Kind:    ev.Kind,
		Text:    text,
		At:      now,
		Expires: now.Add(f.opts.ThoughtTTL),
	}, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > thoughtWidth {
		s = string(r[:thoughtWidth-3]) + "..."
	}
	return s
}

func (f *Feed) scheduleSweepLocked() {
	if f.sweep != nil {
		return
	}
	f.sweep = f.clock.AfterFunc(f.opts.SweepInterval, f.runSweep)
}

func (f *Feed) runSweep() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.sweep = nil
	now := f.clock.Now()
	kept := f.thoughts[:0]
	for _, th := range f.thoughts {
		if now.Before(th.Expires) {
			kept = append(kept, th)
		}
	}
	pruned := len(f.thoughts) - len(kept)
	f.thoughts = kept
	if len(f.thoughts) > 0 {
		f.scheduleSweepLocked()
	}
	f.mu.Unlock()

	if pruned > 0 {
		f.notify()
	}
}

// scheduleRefreshLocked coalesces every trigger inside one debounce window
// into a single trailing refresh.
func (f *Feed) scheduleRefreshLocked() {
	if f.debounce != nil {
		return
	}
	f.debounce = f.clock.AfterFunc(f.opts.MetricsDebounce, func() {
		f.mu.Lock()
		f.debounce = nil
		closed := f.closed
		f.mu.Unlock()
		if !closed {
			f.refreshMetrics()
		}
	})
}

func (f *Feed) refreshMetrics() {
	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
		defer cancel()

		m, err := f.source.Metrics(ctx)
		if err != nil {
			f.logger.Warn("metrics refresh failed", "error", err)
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		f.metrics = m
		f.mu.Unlock()
		f.notify()
	}()
}

// Snapshot returns a copy of the feed.
func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	metrics := make(map[string]any, len(f.metrics))
	for k, v := range f.metrics {
		metrics[k] = v
	}
	return Snapshot{
		Events:   append([]stream.Event(nil), f.window...),
		Thoughts: append([]Thought(nil), f.thoughts...),
		Metrics:  metrics,
		Loading:  f.loading,
	}
}

// Wait blocks until in-flight metric refreshes finish.
func (f *Feed) Wait() {
	f.bg.Wait()
}

// Close unsubscribes and cancels the sweep and debounce timers.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.sweep != nil {
		f.sweep.Stop()
		f.sweep = nil
	}
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	f.bg.Wait()
}

func (f *Feed) notify() {
	if f.opts.OnChange != nil {
		f.opts.OnChange()
	}
}

package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentconsole/internal/clock"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

const eventsURL = "http://kernel.test/api/events/stream"

type fakeSource struct {
	mu         sync.Mutex
	history    []stream.Event
	historyErr error
	gate       chan struct{}
	metrics    int
	metricsErr error
}

func (f *fakeSource) History(context.Context) ([]stream.Event, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.history, f.historyErr
}

func (f *fakeSource) Metrics(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics++
	if f.metricsErr != nil {
		return nil, f.metricsErr
	}
	return map[string]any{"refreshes": f.metrics}, nil
}

func (f *fakeSource) metricCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

type fakeEvents struct {
	mu      sync.Mutex
	handler stream.Handler
}

func (f *fakeEvents) Subscribe(_ string, h stream.Handler) *stream.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return &stream.Subscription{}
}

func (f *fakeEvents) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeEvents) push(ev stream.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func ev(kind, trace string) stream.Event {
	return stream.Event{Kind: kind, TraceID: trace, Payload: map[string]any{"agent_id": "scout"}}
}

func traces(events []stream.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.TraceID)
	}
	return out
}

func newFeed(t *testing.T, src *fakeSource, opts Options) (*Feed, *fakeEvents, *clock.Fake) {
	t.Helper()
	events := &fakeEvents{}
	clk := clock.NewFake(time.Unix(1_800_000_000, 0))
	opts.EventsURL = eventsURL
	opts.Clock = clk
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(src, events, opts)
	t.Cleanup(f.Close)
	return f, events, clk
}

func TestBacklogThenBufferedWithoutDuplicates(t *testing.T) {
	src := &fakeSource{
		history: []stream.Event{ev("SystemNotification", "h1"), ev("SystemNotification", "h2"), ev("SystemNotification", "h3")},
		gate:    make(chan struct{}),
	}
	f, events, _ := newFeed(t, src, Options{})

	done := make(chan error, 1)
	go func() { done <- f.Start(context.Background()) }()
	require.Eventually(t, events.subscribed, time.Second, time.Millisecond)

	events.push(ev("SystemNotification", "l1"))
	events.push(ev("SystemNotification", "h3"))
	events.push(ev("SystemNotification", "l2"))
	assert.True(t, f.Snapshot().Loading)
	assert.Empty(t, f.Snapshot().Events)

	close(src.gate)
	require.NoError(t, <-done)

	snap := f.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, []string{"h1", "h2", "h3", "l1", "l2"}, traces(snap.Events))

	events.push(ev("SystemNotification", "l3"))
	events.push(ev("SystemNotification", "l1"))
	assert.Equal(t, []string{"h1", "h2", "h3", "l1", "l2", "l3"}, traces(f.Snapshot().Events))
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	f, events, _ := newFeed(t, &fakeSource{}, Options{MaxEvents: 3})
	require.NoError(t, f.Start(context.Background()))

	for i := 1; i <= 5; i++ {
		events.push(ev("SystemNotification", fmt.Sprintf("e%d", i)))
	}
	assert.Equal(t, []string{"e3", "e4", "e5"}, traces(f.Snapshot().Events))

	events.push(ev("SystemNotification", "e1"))
	assert.Equal(t, []string{"e4", "e5", "e1"}, traces(f.Snapshot().Events))
}

func TestThoughtsCappedAndExpire(t *testing.T) {
	f, events, clk := newFeed(t, &fakeSource{}, Options{MaxThoughts: 3})
	require.NoError(t, f.Start(context.Background()))

	for i := 0; i < 5; i++ {
		e := ev(stream.KindThoughtResponse, fmt.Sprintf("t%d", i))
		e.Payload["content"] = fmt.Sprintf("answer %d\nmore detail", i)
		events.push(e)
		clk.Advance(5 * time.Second)
	}
	snap := f.Snapshot()
	require.Len(t, snap.Thoughts, 3)
	assert.Equal(t, "answer 2", snap.Thoughts[0].Text)
	assert.Equal(t, "answer 4", snap.Thoughts[2].Text)

	// t2 arrived at +10s and expires at +40s; the clock is at +25s.
	clk.Advance(15 * time.Second)
	assert.Len(t, f.Snapshot().Thoughts, 2)

	clk.Advance(15 * time.Second)
	assert.Empty(t, f.Snapshot().Thoughts)
	assert.Equal(t, 0, clk.Pending())
}

func TestThoughtRequestedShowsThinking(t *testing.T) {
	f, events, _ := newFeed(t, &fakeSource{}, Options{})
	require.NoError(t, f.Start(context.Background()))

	events.push(ev(stream.KindThoughtRequested, "q1"))
	snap := f.Snapshot()
	require.Len(t, snap.Thoughts, 1)
	assert.Equal(t, "scout", snap.Thoughts[0].AgentID)
	assert.Equal(t, "thinking...", snap.Thoughts[0].Text)
}

func TestMetricsRefreshIsDebounced(t *testing.T) {
	src := &fakeSource{}
	f, events, clk := newFeed(t, src, Options{})
	require.NoError(t, f.Start(context.Background()))
	f.Wait()
	require.Equal(t, 1, src.metricCalls())

	for i := 0; i < 10; i++ {
		events.push(ev(stream.KindMessageReceived, fmt.Sprintf("m%d", i)))
		clk.Advance(20 * time.Millisecond)
	}
	events.push(ev(stream.KindSystemNotification, "n1"))
	clk.Advance(300 * time.Millisecond)
	f.Wait()
	assert.Equal(t, 2, src.metricCalls())
	assert.Equal(t, 2, f.Snapshot().Metrics["refreshes"])

	events.push(ev(stream.KindSystemNotification, "n2"))
	clk.Advance(time.Second)
	f.Wait()
	assert.Equal(t, 2, src.metricCalls())
}

func TestHistoryFailureStillGoesLive(t *testing.T) {
	src := &fakeSource{historyErr: errors.New("kernel down"), metricsErr: errors.New("kernel down")}
	f, events, _ := newFeed(t, src, Options{})

	err := f.Start(context.Background())
	require.Error(t, err)
	events.push(ev("SystemNotification", "x"))
	assert.Equal(t, []string{"x"}, traces(f.Snapshot().Events))
	assert.Empty(t, f.Snapshot().Metrics)
}

func TestCloseCancelsTimers(t *testing.T) {
	f, events, clk := newFeed(t, &fakeSource{}, Options{})
	require.NoError(t, f.Start(context.Background()))
	events.push(ev(stream.KindThoughtResponse, "t1"))
	require.Positive(t, clk.Pending())

	f.Close()
	assert.Equal(t, 0, clk.Pending())
	events.push(ev("SystemNotification", "late"))
	assert.Len(t, f.Snapshot().Events, 1)
}

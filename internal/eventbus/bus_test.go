package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentconsole/internal/stream"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(10, nil)
	ch, cancel := b.Subscribe(8)
	defer cancel()

	first := b.Publish(stream.KindMessageReceived, map[string]any{"n": 1})
	b.Publish(stream.KindThoughtResponse, map[string]any{"n": 2})

	got := <-ch
	assert.Equal(t, first.TraceID, got.TraceID)
	assert.NotEmpty(t, got.TraceID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, stream.KindThoughtResponse, (<-ch).Kind)
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish("Tick", map[string]any{"n": i})
	}
	h := b.History()
	require.Len(t, h, 3)
	for i, ev := range h {
		assert.Equal(t, i+2, ev.Payload["n"], fmt.Sprintf("entry %d", i))
	}
	assert.Equal(t, Stats{Published: 5, HistorySize: 3}, b.Stats())
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(10, nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish("A", nil)
	b.Publish("B", nil)

	assert.Equal(t, "A", (<-ch).Kind)
	st := b.Stats()
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, 1, st.Subscribers)
}

func TestCancelClosesAndUnregisters(t *testing.T) {
	b := New(10, nil)
	ch, cancel := b.Subscribe(0)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)
	b.Publish("A", nil)
}

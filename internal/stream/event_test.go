package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKernelEvent(t *testing.T) {
	ev, err := Decode([]byte(`{
		"trace_id": "abc",
		"timestamp": "2026-03-04T05:06:07.5Z",
		"type": "ThoughtResponse",
		"data": {"agent_id": "scout", "content": "hello"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, KindThoughtResponse, ev.Kind)
	assert.Equal(t, "abc", ev.TraceID)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 500_000_000, time.UTC), ev.Timestamp.UTC())
	assert.Equal(t, "scout", ev.String("agent_id"))
	assert.Equal(t, "hello", ev.String("content"))
	assert.Empty(t, ev.String("missing"))
}

func TestDecodeNormalisesPayloadShapes(t *testing.T) {
	cases := map[string]map[string]any{
		`{"type":"SystemNotification","data":"disk low"}`: {"message": "disk low"},
		`{"type":"AgentPowerChanged","data":true}`:        {"value": true},
		`{"type":"ConfigUpdated","data":null}`:            {},
		`{"type":"ConfigUpdated"}`:                        {},
	}
	for in, want := range cases {
		ev, err := Decode([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, ev.Payload, in)
	}
}

func TestDecodeUnixMillisTimestamp(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"MessageReceived","timestamp":1700000000123}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ev.Timestamp.UnixMilli())
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	for _, in := range []string{``, `{`, `[]`, `{"data":{}}`, `{"type":"X","data":[1,}`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedEvent, in)
	}
}

func TestEncodeProducesDecodableFrame(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Event{Kind: KindMessageReceived, Timestamp: ts, TraceID: "t1", Payload: map[string]any{"agent_id": "a"}}
	raw, err := in.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"trace_id":"t1","timestamp":"2026-01-01T00:00:00Z","type":"MessageReceived","data":{"agent_id":"a"}}`, string(raw))

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

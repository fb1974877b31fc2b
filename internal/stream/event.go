package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Well-known event kinds published by the kernel.
const (
	KindMessageReceived    = "MessageReceived"
	KindThoughtRequested   = "ThoughtRequested"
	KindThoughtResponse    = "ThoughtResponse"
	KindSystemNotification = "SystemNotification"
	KindAgentPowerChanged  = "AgentPowerChanged"
	KindConfigUpdated      = "ConfigUpdated"
	KindPermissionGranted  = "PermissionGranted"
	KindPermissionRequest  = "PermissionRequested"
)

// Event is one server-pushed notification. Payload is interpreted only by
// consumers.
type Event struct {
	Kind      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	Payload   map[string]any `json:"data,omitempty"`
}

// ErrMalformedEvent is returned by Decode for frames that are not events.
var ErrMalformedEvent = errors.New("malformed event")

type wireEvent struct {
	TraceID   string          `json:"trace_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses a kernel event frame of the form
// {"trace_id","timestamp","type","data"}.
func Decode(frame []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	ev := Event{Kind: w.Type, TraceID: w.TraceID, Timestamp: parseTimestamp(w.Timestamp)}

	payload, err := decodePayload(w.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: data: %v", ErrMalformedEvent, err)
	}
	ev.Payload = payload
	return ev, nil
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch data := v.(type) {
	case map[string]any:
		return data, nil
	case string:
		return map[string]any{"message": data}, nil
	default:
		return map[string]any{"value": data}, nil
	}
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

// String returns the payload value at key when it is a string.
func (e Event) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// Encode renders the event in kernel wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(struct {
		TraceID   string         `json:"trace_id,omitempty"`
		Timestamp string         `json:"timestamp"`
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
	}{
		TraceID:   e.TraceID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:      e.Kind,
		Data:      e.Payload,
	})
}

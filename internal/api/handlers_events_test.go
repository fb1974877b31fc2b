package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/agentconsole/internal/stream"
)

func waitSubscribers(t *testing.T, k *testKernel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for k.bus.Stats().Subscribers != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", k.bus.Stats().Subscribers, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func streamOne(t *testing.T, k *testKernel, tr stream.Transport, endpoint string) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	frames := make(chan []byte, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- tr.Stream(ctx, endpoint, func(f []byte) { frames <- f })
	}()

	waitSubscribers(t, k, 1)
	published := k.bus.Publish(stream.KindThoughtResponse, map[string]any{"agent_id": "scout", "content": "done"})

	var got stream.Event
	select {
	case f := <-frames:
		ev, err := stream.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %q: %v", f, err)
		}
		got = ev
	case err := <-errc:
		t.Fatalf("stream ended early: %v", err)
	case <-ctx.Done():
		t.Fatalf("no frame received")
	}
	if got.TraceID != published.TraceID {
		t.Fatalf("trace id = %q, want %q", got.TraceID, published.TraceID)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("stream error after cancel = %v", err)
	}
	waitSubscribers(t, k, 0)
	return got
}

func TestEventStreamSSE(t *testing.T) {
	k := newTestKernel(t, "key")
	ts := httptest.NewServer(k.srv.setupRoutes())
	defer ts.Close()

	header := http.Header{"X-Api-Key": []string{"key"}}
	ev := streamOne(t, k, &stream.SSETransport{Header: header}, ts.URL+"/api/events/stream")
	if ev.Kind != stream.KindThoughtResponse || ev.String("content") != "done" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventStreamWebSocket(t *testing.T) {
	k := newTestKernel(t, "key")
	ts := httptest.NewServer(k.srv.setupRoutes())
	defer ts.Close()

	header := http.Header{"X-Api-Key": []string{"key"}}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	ev := streamOne(t, k, &stream.WebSocketTransport{Header: header}, wsURL)
	if ev.String("agent_id") != "scout" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventStreamHandshakeAndHeartbeat(t *testing.T) {
	k := newTestKernel(t, "")
	k.srv.config.HeartbeatInterval = 10 * time.Millisecond
	ts := httptest.NewServer(k.srv.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(string(buf), ": keep-alive") {
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat in %q", buf)
		}
		n, err := resp.Body.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
	if !strings.HasPrefix(string(buf), "event: handshake\ndata: connected\n\n") {
		t.Fatalf("stream did not open with handshake: %q", buf)
	}
}

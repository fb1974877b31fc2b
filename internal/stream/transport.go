package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned when the server ends the stream cleanly.
var ErrStreamClosed = errors.New("stream closed by server")

// Transport opens one physical connection to an event endpoint and emits raw
// event frames until ctx is cancelled or the connection fails. Stream never
// returns nil: a clean server close is reported as ErrStreamClosed.
type Transport interface {
	Stream(ctx context.Context, endpoint string, emit func(frame []byte)) error
}

// SSETransport consumes text/event-stream endpoints.
type SSETransport struct {
	Client *http.Client
	Header http.Header
}

// Stream implements Transport.
func (t *SSETransport) Stream(ctx context.Context, endpoint string, emit func([]byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	client := t.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	err = readSSE(resp.Body, func(f sseFrame) {
		if isControlFrame(f.Event, f.Data) {
			return
		}
		emit(f.Data)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return ErrStreamClosed
}

// WebSocketTransport consumes endpoints that push one JSON event per text frame.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Stream implements Transport.
func (t *WebSocketTransport) Stream(ctx context.Context, endpoint string, emit func([]byte)) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, t.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect websocket: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("connect websocket: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if msgType != websocket.TextMessage || isControlFrame("", data) {
			continue
		}
		emit(data)
	}
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}

// AutoTransport picks the WebSocket transport for ws:// and wss:// endpoints
// and SSE for everything else.
type AutoTransport struct {
	SSE       *SSETransport
	WebSocket *WebSocketTransport
}

// NewAutoTransport returns an AutoTransport sharing header across both
// transports.
func NewAutoTransport(client *http.Client, header http.Header) *AutoTransport {
	return &AutoTransport{
		SSE:       &SSETransport{Client: client, Header: header},
		WebSocket: &WebSocketTransport{Header: header},
	}
}

// Stream implements Transport.
func (t *AutoTransport) Stream(ctx context.Context, endpoint string, emit func([]byte)) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return t.WebSocket.Stream(ctx, endpoint, emit)
	default:
		return t.SSE.Stream(ctx, endpoint, emit)
	}
}

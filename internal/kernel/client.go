// Package kernel is the HTTP client for the agent platform kernel API.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for unexpected response codes.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the kernel. It implements chat.Store, chat.Dispatcher and
// feed.Source.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a kernel API client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ForUser returns a copy of c whose conversation reads and deletes are
// scoped to userID. Without it the kernel uses its default user.
func (c *Client) ForUser(userID string) *Client {
	cp := *c
	cp.userID = userID
	return &cp
}

// GetMessages fetches GET /api/chat/{agent_id}/messages.
func (c *Client) GetMessages(ctx context.Context, agentID string, before *time.Time, limit int) (chat.Page, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if c.userID != "" {
		q.Set("user_id", c.userID)
	}
	path := messagesPath(agentID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page chat.Page
	if err := c.do(ctx, "get messages", http.MethodGet, path, nil, http.StatusOK, &page); err != nil {
		return chat.Page{}, err
	}
	return page, nil
}

// PostMessage stores m. A 409 is reported as chat.ErrDuplicateMessage.
func (c *Client) PostMessage(ctx context.Context, agentID string, m chat.Message) error {
	err := c.do(ctx, "post message", http.MethodPost, messagesPath(agentID), m, http.StatusCreated, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		return fmt.Errorf("post message %s: %w", m.ID, chat.ErrDuplicateMessage)
	}
	return err
}

// DeleteMessages clears the user's conversation with an agent.
func (c *Client) DeleteMessages(ctx context.Context, agentID string) error {
	path := messagesPath(agentID)
	if c.userID != "" {
		path += "?" + url.Values{"user_id": {c.userID}}.Encode()
	}
	return c.do(ctx, "delete messages", http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// Dispatch hands m to the agent backend via POST /api/chat.
func (c *Client) Dispatch(ctx context.Context, m chat.Message) error {
	return c.do(ctx, "dispatch", http.MethodPost, "/api/chat", m, http.StatusAccepted, nil)
}

// History returns the kernel's recent events, oldest first. Entries that do
// not decode are skipped.
func (c *Client) History(ctx context.Context) ([]stream.Event, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, "get history", http.MethodGet, "/api/history", nil, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	events := make([]stream.Event, 0, len(raw))
	for _, frame := range raw {
		ev, err := stream.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed history entry", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Metrics returns the kernel's counters.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	var m map[string]any
	if err := c.do(ctx, "get metrics", http.MethodGet, "/api/metrics", nil, http.StatusOK, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}

func messagesPath(agentID string) string {
	return "/api/chat/" + url.PathEscape(agentID) + "/messages"
}

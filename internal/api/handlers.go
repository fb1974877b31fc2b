package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/eventbus"
	"github.com/mattjoyce/agentconsole/internal/responder"
	"github.com/mattjoyce/agentconsole/internal/store"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBlocks       = 20
)

// MessageRequest is the JSON body for POST /api/chat and
// POST /api/chat/{agent_id}/messages.
type MessageRequest struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	UserID    string          `json:"user_id,omitempty"`
	Source    string          `json:"source"`
	Content   json.RawMessage `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// PageResponse is returned by GET /api/chat/{agent_id}/messages.
type PageResponse struct {
	Messages []*store.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// MetricsResponse is returned by GET /api/metrics.
type MetricsResponse struct {
	eventbus.Stats
	MessagesStored int64 `json:"messages_stored"`
	QueueDepth     int   `json:"queue_depth"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListMessages handles GET /api/chat/{agent_id}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "before must be unix milliseconds")
			return
		}
		t := time.UnixMilli(ms).UTC()
		before = &t
	}

	msgs, hasMore, err := s.messages.List(r.Context(), agentID, r.URL.Query().Get("user_id"), before, limit)
	if err != nil {
		s.logger.Error("failed to list messages", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respondJSON(w, http.StatusOK, PageResponse{Messages: msgs, HasMore: hasMore})
}

// handlePostMessage handles POST /api/chat/{agent_id}/messages.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID != "" && req.AgentID != agentID {
		s.writeError(w, http.StatusBadRequest, "agent_id does not match path")
		return
	}
	if err := validateMessage(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &store.Message{
		ID:       req.ID,
		AgentID:  agentID,
		UserID:   req.UserID,
		Source:   req.Source,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		msg.CreatedAt = req.CreatedAt.UTC()
	}

	if err := s.messages.Insert(r.Context(), msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			s.writeError(w, http.StatusConflict, "message id already exists")
			return
		}
		s.logger.Error("failed to store message", "agent_id", agentID, "message_id", req.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// handleDeleteMessages handles DELETE /api/chat/{agent_id}/messages.
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	userID := r.URL.Query().Get("user_id")
	n, err := s.messages.DeleteConversation(r.Context(), agentID, userID)
	if err != nil {
		s.logger.Error("failed to delete messages", "agent_id", agentID, "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete messages")
		return
	}
	s.logger.Info("conversation cleared", "agent_id", agentID, "user_id", userID, "deleted", n)
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatch handles POST /api/chat.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := validateMessage(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Announce before queueing so MessageReceived precedes the reply events.
	var blocks []chat.Block
	_ = json.Unmarshal(req.Content, &blocks)
	s.bus.Publish(stream.KindMessageReceived, map[string]any{
		"agent_id":   req.AgentID,
		"message_id": req.ID,
		"user_id":    req.UserID,
		"content":    chat.Message{Content: blocks}.Text(),
	})

	job := responder.Job{AgentID: req.AgentID, UserID: req.UserID, MessageID: req.ID}
	if err := s.agent.Enqueue(job); err != nil {
		if errors.Is(err, responder.ErrQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "agent queue is full")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "message_id": req.ID})
}

// handleHistory handles GET /api/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events := s.bus.History()
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := ev.Encode()
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	respondJSON(w, http.StatusOK, out)
}

// handleMetrics handles GET /api/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stored, err := s.messages.Count(r.Context())
	if err != nil {
		s.logger.Warn("failed to count messages", "error", err)
	}
	respondJSON(w, http.StatusOK, MetricsResponse{
		Stats:          s.bus.Stats(),
		MessagesStored: stored,
		QueueDepth:     s.agent.Depth(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
	})
}

func validateMessage(req *MessageRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("id is required")
	}
	if !chat.Source(req.Source).Valid() {
		return fmt.Errorf("invalid source %q", req.Source)
	}
	var blocks []json.RawMessage
	trimmed := strings.TrimSpace(string(req.Content))
	if !strings.HasPrefix(trimmed, "[") || json.Unmarshal(req.Content, &blocks) != nil {
		return errors.New("content must be an array of blocks")
	}
	if len(blocks) > maxBlocks {
		return fmt.Errorf("content has %d blocks (max %d)", len(blocks), maxBlocks)
	}
	if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
		var meta map[string]any
		if err := json.Unmarshal(req.Metadata, &meta); err != nil {
			return errors.New("metadata must be an object")
		}
	} else {
		req.Metadata = nil
	}
	return nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

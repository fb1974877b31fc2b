package chat

import (
	"strings"
	"time"
)

// tentative is an optimistic send applied to the timeline ahead of the remote
// calls that make it durable. Exactly one of confirm or compensate is called.
type tentative struct {
	s     *Session
	epoch uint64
	msg   Message
	input string
}

// applyLocked appends msg, clears the input and waits for the agent.
func (s *Session) applyLocked(msg Message, input string) tentative {
	s.timeline = append(s.timeline, msg)
	s.input = ""
	s.state = StateAwaitingResponse
	s.sentAt = msg.CreatedAt
	return tentative{s: s, epoch: s.epoch, msg: msg, input: input}
}

func (t tentative) confirm() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.epoch != s.epoch || s.closed {
		return
	}
	s.retry = nil
	if s.state == StateAwaitingResponse {
		s.armResponseTimerLocked()
	}
	s.logger.Debug("message sent", "message_id", t.msg.ID)
}

// compensate withdraws the message, restores the input for a retry with the
// same ID and shows a transient error bubble.
func (t tentative) compensate(cause error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.epoch != s.epoch || s.closed {
		return
	}
	s.removeLocked(t.msg.ID)
	s.input = t.input
	s.retry = &retryTarget{id: t.msg.ID, text: strings.TrimSpace(t.input)}
	if s.state == StateAwaitingResponse {
		s.state = StateIdle
		s.sentAt = time.Time{}
	}
	s.showErrorLocked(cause)
	s.logger.Warn("send failed, message rolled back", "message_id", t.msg.ID, "error", cause)
}

// Package chat implements the conversation state machine for one agent:
// history load and pagination, optimistic send with rollback, live response
// reveal and reset.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentconsole/internal/artifact"
	"github.com/mattjoyce/agentconsole/internal/clock"
	"github.com/mattjoyce/agentconsole/internal/reveal"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

// State is the session's lifecycle state.
type State int

const (
	StateLoading State = iota
	StateIdle
	StateAwaitingResponse
	StateRevealing
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRevealing:
		return "revealing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults for Options.
const (
	DefaultPageSize        = 50
	DefaultErrorTTL        = 5 * time.Second
	DefaultResponseTimeout = 2 * time.Minute

	backgroundTimeout = 30 * time.Second
	maxSeenResponses  = 512
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("chat session closed")

// PendingResponse is the agent reply currently being revealed.
type PendingResponse struct {
	ID          string
	Text        string
	ElapsedSecs float64

	message Message
}

// Options configures a Session.
type Options struct {
	AgentID   string
	UserID    string
	EventsURL string

	PageSize int
	// ErrorTTL is how long a send-failure bubble stays in the timeline.
	ErrorTTL time.Duration
	// ResponseTimeout returns an unanswered session to idle. Zero disables it.
	ResponseTimeout  time.Duration
	Reveal           reveal.Options
	MinArtifactLines int

	Clock  clock.Clock
	Logger *slog.Logger
	NewID  func() string
	// OnChange is called, outside any lock, after every visible change.
	OnChange func()
}

// Deps are the session's collaborators. Migrator and Events are optional.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Migrator   Migrator
	Events     stream.Subscriber
}

// View is a snapshot of everything the UI renders.
type View struct {
	State        State
	Timeline     []Message
	Pending      *PendingResponse
	Revealed     string
	Input        string
	HasMore      bool
	LoadingOlder bool
	Artifacts    artifact.State
}

type retryTarget struct {
	id   string
	text string
}

// Session owns the timeline of one agent conversation.
type Session struct {
	opts       Options
	store      Store
	dispatcher Dispatcher
	migrator   Migrator
	events     stream.Subscriber
	clock      clock.Clock
	logger     *slog.Logger
	animator   *reveal.Animator
	panel      *artifact.Panel

	mu            sync.Mutex
	state         State
	timeline      []Message
	pending       *PendingResponse
	revealed      string
	tracker       artifact.Tracker
	input         string
	cursor        *time.Time
	hasMore       bool
	loadingOlder  bool
	epoch         uint64
	sentAt        time.Time
	retry         *retryTarget
	responseTimer clock.Timer
	responseSeq   uint64
	bubbles       map[string]clock.Timer
	early         []stream.Event
	seen          map[string]struct{}
	seenOrder     []string
	sub           *stream.Subscription
	closed        bool

	bg sync.WaitGroup
}

// New builds a session in the Loading state. Call Load to populate it.
func New(deps Deps, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ErrorTTL <= 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}
	if opts.ResponseTimeout < 0 {
		opts.ResponseTimeout = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Session{
		opts:       opts,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		migrator:   deps.Migrator,
		events:     deps.Events,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "chat", "agent_id", opts.AgentID),
		animator:   reveal.New(opts.Clock, opts.Reveal),
		panel:      artifact.NewPanel(opts.MinArtifactLines),
		state:      StateLoading,
		bubbles:    make(map[string]clock.Timer),
		seen:       make(map[string]struct{}),
	}
}

// Load subscribes to the event stream, runs the legacy migration and fetches
// the newest page of history. Responses arriving while the page is in flight
// are applied once it lands.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	subscribe := s.sub == nil && s.events != nil && s.opts.EventsURL != ""
	s.state = StateLoading
	epoch := s.epoch
	s.mu.Unlock()

	if subscribe {
		sub := s.events.Subscribe(s.opts.EventsURL, s.handleEvent)
		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
	}
	s.notify()

	if s.migrator != nil {
		if err := s.migrator.Migrate(ctx, s.opts.AgentID); err != nil {
			s.logger.Debug("legacy migration skipped", "error", err)
		}
	}

	page, err := s.store.GetMessages(ctx, s.opts.AgentID, nil, s.opts.PageSize)

	s.mu.Lock()
	if epoch != s.epoch || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateIdle
	if err != nil {
		final := s.drainEarlyLocked()
		s.mu.Unlock()
		s.panel.OfferAll(final)
		s.notify()
		return fmt.Errorf("load messages: %w", err)
	}

	s.timeline = mergeOlder(reversed(page.Messages), s.timeline)
	s.hasMore = page.HasMore
	if len(s.timeline) > 0 {
		oldest := s.timeline[0].CreatedAt
		s.cursor = &oldest
	}
	if len(page.Messages) > 0 && page.Messages[0].Source == SourceUser {
		s.resumeAwaitingLocked(page.Messages[0])
	}
	final := s.drainEarlyLocked()
	s.mu.Unlock()
	s.panel.OfferAll(final)

	s.notify()
	return nil
}

// resumeAwaitingLocked assumes the agent is still working on newest unless
// it is older than the response timeout.
func (s *Session) resumeAwaitingLocked(newest Message) {
	if s.opts.ResponseTimeout > 0 && s.clock.Now().Sub(newest.CreatedAt) >= s.opts.ResponseTimeout {
		s.logger.Info("last message unanswered past timeout, not awaiting response",
			"message_id", newest.ID)
		return
	}
	s.state = StateAwaitingResponse
	s.sentAt = newest.CreatedAt
	s.armResponseTimerLocked()
}

// drainEarlyLocked applies buffered responses and returns the artifacts of
// any reveal they finalized, to be offered to the panel after unlocking.
func (s *Session) drainEarlyLocked() []artifact.Region {
	early := s.early
	s.early = nil
	var final []artifact.Region
	for _, ev := range early {
		_, regions := s.receiveLocked(ev)
		final = append(final, regions...)
	}
	return final
}

// LoadOlder fetches the page before the oldest loaded message and prepends
// it. It returns the ID of the message that was first before the prepend so
// the view can keep it anchored; the ID is empty when nothing was loaded.
func (s *Session) LoadOlder(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed || s.loadingOlder || !s.hasMore || s.cursor == nil || s.state == StateLoading {
		s.mu.Unlock()
		return "", nil
	}
	before := *s.cursor
	epoch := s.epoch
	anchor := ""
	if len(s.timeline) > 0 {
		anchor = s.timeline[0].ID
	}
	s.loadingOlder = true
	s.mu.Unlock()
	s.notify()

	page, err := s.store.GetMessages(ctx, s.opts.AgentID, &before, s.opts.PageSize)

	s.mu.Lock()
	if epoch != s.epoch || s.closed {
		s.mu.Unlock()
		return "", nil
	}
	s.loadingOlder = false
	if err != nil {
		s.mu.Unlock()
		s.notify()
		return "", fmt.Errorf("load older messages: %w", err)
	}
	n := len(s.timeline)
	s.timeline = mergeOlder(reversed(page.Messages), s.timeline)
	if len(s.timeline) > n {
		oldest := s.timeline[0].CreatedAt
		s.cursor = &oldest
	} else {
		anchor = ""
	}
	s.hasMore = page.HasMore && len(page.Messages) > 0
	s.mu.Unlock()

	s.notify()
	return anchor, nil
}

// Send posts input as a user message. The message appears immediately; if
// persisting or dispatching fails it is withdrawn, the input is restored and
// an error bubble is shown. Sending the same text again reuses the message
// ID, and a duplicate-id answer from the store then counts as success.
func (s *Session) Send(ctx context.Context, input string) error {
	text := strings.TrimSpace(input)
	if text == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.pending != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	id := s.opts.NewID()
	if s.retry != nil && s.retry.text == text {
		id = s.retry.id
	}
	msg := Message{
		ID:        id,
		AgentID:   s.opts.AgentID,
		UserID:    s.opts.UserID,
		Source:    SourceUser,
		Content:   TextBlocks(text),
		CreatedAt: s.clock.Now(),
	}
	t := s.applyLocked(msg, input)
	s.mu.Unlock()

	s.panel.Clear()
	s.notify()

	err := s.store.PostMessage(ctx, s.opts.AgentID, msg)
	if errors.Is(err, ErrDuplicateMessage) {
		s.logger.Debug("message already stored", "message_id", id)
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("persist message: %w", err)
	} else if derr := s.dispatcher.Dispatch(ctx, msg); derr != nil {
		err = fmt.Errorf("dispatch message: %w", derr)
	}

	if err != nil {
		t.compensate(err)
		s.notify()
		return err
	}
	t.confirm()
	return nil
}

// Skip reveals the pending response in full.
func (s *Session) Skip() {
	s.animator.Skip()
}

// Reset empties the conversation locally at once and deletes it remotely in
// the background.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.timeline = nil
	s.pending = nil
	s.revealed = ""
	s.tracker.Reset()
	s.cursor = nil
	s.hasMore = false
	s.loadingOlder = false
	s.state = StateIdle
	s.input = ""
	s.retry = nil
	s.sentAt = time.Time{}
	s.early = nil
	s.seen = make(map[string]struct{})
	s.seenOrder = nil
	s.stopResponseTimerLocked()
	s.stopBubblesLocked()
	s.mu.Unlock()

	s.animator.Stop()
	s.panel.Clear()
	s.notify()

	s.background(ctx, func(ctx context.Context) {
		if err := s.store.DeleteMessages(ctx, s.opts.AgentID); err != nil {
			s.logger.Warn("delete conversation failed", "error", err)
			return
		}
		s.logger.Info("conversation deleted")
	})
}

// SetInput records the current input text.
func (s *Session) SetInput(v string) {
	s.mu.Lock()
	s.input = v
	s.mu.Unlock()
}

// Panel exposes the artifact panel for focus and visibility changes.
func (s *Session) Panel() *artifact.Panel {
	return s.panel
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		State:        s.state,
		Timeline:     append([]Message(nil), s.timeline...),
		Revealed:     s.revealed,
		Input:        s.input,
		HasMore:      s.hasMore,
		LoadingOlder: s.loadingOlder,
	}
	if s.pending != nil {
		p := *s.pending
		v.Pending = &p
	}
	s.mu.Unlock()
	v.Artifacts = s.panel.Snapshot()
	return v
}

// Wait blocks until background persistence finishes.
func (s *Session) Wait() {
	s.bg.Wait()
}

// Close unsubscribes, cancels every timer and waits for background work.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopResponseTimerLocked()
	s.stopBubblesLocked()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.animator.Stop()
	s.bg.Wait()
}

func (s *Session) handleEvent(ev stream.Event) {
	if ev.Kind != stream.KindThoughtResponse || ev.String("agent_id") != s.opts.AgentID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state == StateLoading {
		s.early = append(s.early, ev)
		s.mu.Unlock()
		return
	}
	changed, final := s.receiveLocked(ev)
	s.mu.Unlock()
	s.panel.OfferAll(final)
	if changed {
		s.notify()
	}
}

// receiveLocked starts revealing a response, finalizing any reveal still in
// flight first so that no response is lost. It returns the artifacts the
// finalized reveal had not yet shown.
func (s *Session) receiveLocked(ev stream.Event) (bool, []artifact.Region) {
	id := ev.TraceID
	if id == "" {
		id = s.opts.NewID()
	}
	if _, dup := s.seen[id]; dup || s.indexLocked(id) >= 0 {
		s.logger.Debug("duplicate response ignored", "message_id", id)
		return false, nil
	}
	s.rememberLocked(id)

	now := s.clock.Now()
	var elapsed float64
	if !s.sentAt.IsZero() {
		elapsed = now.Sub(s.sentAt).Seconds()
	}
	var final []artifact.Region
	if s.pending != nil {
		final = s.tracker.Feed(s.pending.Text)
		s.timeline = append(s.timeline, s.pending.message)
		s.logger.Debug("reveal finalized early", "message_id", s.pending.ID)
	}

	created := ev.Timestamp
	if created.IsZero() {
		created = now
	}
	content := ev.String("content")
	meta := map[string]any{"elapsed_secs": elapsed}
	if v := ev.String("engine_id"); v != "" {
		meta["engine_id"] = v
	}
	if v := ev.String("source_message_id"); v != "" {
		meta["source_message_id"] = v
	}
	msg := Message{
		ID:        id,
		AgentID:   s.opts.AgentID,
		UserID:    s.opts.UserID,
		Source:    SourceAgent,
		Content:   TextBlocks(content),
		Metadata:  meta,
		CreatedAt: created,
	}

	s.pending = &PendingResponse{ID: id, Text: content, ElapsedSecs: elapsed, message: msg}
	s.revealed = ""
	s.tracker.Reset()
	s.state = StateRevealing
	s.sentAt = time.Time{}
	s.stopResponseTimerLocked()
	s.animator.Start(content,
		func(visible string) { s.onFrame(id, visible) },
		func() { s.onRevealDone(id) })

	s.background(context.Background(), func(ctx context.Context) {
		err := s.store.PostMessage(ctx, s.opts.AgentID, msg)
		if err != nil && !errors.Is(err, ErrDuplicateMessage) {
			s.logger.Warn("persist response failed", "message_id", msg.ID, "error", err)
		}
	})
	return true, final
}

// rememberLocked records a response id for deduplication, forgetting the
// oldest once maxSeenResponses are held.
func (s *Session) rememberLocked(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > maxSeenResponses {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

func (s *Session) onFrame(id, visible string) {
	s.mu.Lock()
	if s.pending == nil || s.pending.ID != id {
		s.mu.Unlock()
		return
	}
	s.revealed = visible
	regions := s.tracker.Feed(visible)
	s.mu.Unlock()

	s.panel.OfferAll(regions)
	s.notify()
}

func (s *Session) onRevealDone(id string) {
	s.mu.Lock()
	if s.pending == nil || s.pending.ID != id {
		s.mu.Unlock()
		return
	}
	s.timeline = append(s.timeline, s.pending.message)
	s.pending = nil
	s.revealed = ""
	if s.state == StateRevealing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) armResponseTimerLocked() {
	s.stopResponseTimerLocked()
	if s.opts.ResponseTimeout <= 0 {
		return
	}
	seq := s.responseSeq
	wait := s.sentAt.Add(s.opts.ResponseTimeout).Sub(s.clock.Now())
	s.responseTimer = s.clock.AfterFunc(wait, func() { s.responseTimedOut(seq) })
}

func (s *Session) stopResponseTimerLocked() {
	s.responseSeq++
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) responseTimedOut(seq uint64) {
	s.mu.Lock()
	if seq != s.responseSeq || s.state != StateAwaitingResponse {
		s.mu.Unlock()
		return
	}
	s.responseTimer = nil
	s.state = StateIdle
	s.sentAt = time.Time{}
	s.mu.Unlock()

	s.logger.Warn("no response from agent, input re-enabled", "timeout", s.opts.ResponseTimeout)
	s.notify()
}

func (s *Session) showErrorLocked(cause error) {
	id := "error-" + s.opts.NewID()
	s.timeline = append(s.timeline, Message{
		ID:        id,
		AgentID:   s.opts.AgentID,
		Source:    SourceSystem,
		Content:   TextBlocks("Failed to send message: " + cause.Error()),
		Metadata:  map[string]any{"transient": true},
		CreatedAt: s.clock.Now(),
	})
	s.bubbles[id] = s.clock.AfterFunc(s.opts.ErrorTTL, func() { s.dismiss(id) })
}

func (s *Session) dismiss(id string) {
	s.mu.Lock()
	if _, ok := s.bubbles[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.bubbles, id)
	s.removeLocked(id)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) stopBubblesLocked() {
	for id, t := range s.bubbles {
		t.Stop()
		delete(s.bubbles, id)
	}
}

func (s *Session) indexLocked(id string) int {
	for i, m := range s.timeline {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.timeline = append(s.timeline[:i], s.timeline[i+1:]...)
	return true
}

func (s *Session) background(parent context.Context, fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// reversed returns msgs oldest first.
func reversed(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// mergeOlder prepends older to current, dropping IDs already present.
func mergeOlder(older, current []Message) []Message {
	have := make(map[string]struct{}, len(current))
	for _, m := range current {
		have[m.ID] = struct{}{}
	}
	out := make([]Message, 0, len(older)+len(current))
	for _, m := range older {
		if _, dup := have[m.ID]; dup {
			continue
		}
		have[m.ID] = struct{}{}
		out = append(out, m)
	}
	return append(out, current...)
}

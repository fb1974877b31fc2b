// Package responder is the dev kernel's agent: it answers dispatched chat
// messages one at a time and announces the replies on the event bus.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/agentconsole/internal/chat"
	"github.com/mattjoyce/agentconsole/internal/store"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

var ErrQueueFull = errors.New("responder queue is full")

// Publisher announces kernel events.
type Publisher interface {
	Publish(kind string, payload map[string]any) stream.Event
}

// History supplies stored conversation context.
type History interface {
	Recent(ctx context.Context, agentID, userID string, n int) ([]*store.Message, error)
}

// Job is one dispatched operator message.
type Job struct {
	AgentID   string
	UserID    string
	MessageID string
}

// Options tunes a Runner.
type Options struct {
	QueueCapacity   int
	EnqueueTimeout  time.Duration
	ContextMessages int
	ReplyTimeout    time.Duration
}

// Runner manages serial reply generation.
type Runner struct {
	history History
	bus     Publisher
	gen     Generator
	opts    Options
	logger  *slog.Logger

	queue chan Job
	done  chan struct{}
}

// NewRunner creates a new Runner.
func NewRunner(history History, bus Publisher, gen Generator, opts Options, logger *slog.Logger) *Runner {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = 20
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		history: history,
		bus:     bus,
		gen:     gen,
		opts:    opts,
		logger:  logger,
		queue:   make(chan Job, opts.QueueCapacity),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a job to the processing queue.
// It returns ErrQueueFull when the queue cannot accept the job within EnqueueTimeout.
func (r *Runner) Enqueue(job Job) error {
	timeout := r.opts.EnqueueTimeout
	if timeout <= 0 {
		select {
		case r.queue <- job:
			return nil
		default:
			return ErrQueueFull
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r.queue <- job:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// Depth returns the number of jobs waiting.
func (r *Runner) Depth() int {
	return len(r.queue)
}

// Start runs the serial worker loop. Blocks until context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("responder started", "engine_id", r.gen.Name())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("responder stopping")
			return
		case job := <-r.queue:
			r.process(ctx, job)
		}
	}
}

// Done is closed once Start has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) process(ctx context.Context, job Job) {
	r.bus.Publish(stream.KindThoughtRequested, map[string]any{
		"agent_id":          job.AgentID,
		"source_message_id": job.MessageID,
	})

	start := time.Now()
	reply, err := r.reply(ctx, job)
	if err != nil {
		r.logger.Error("reply failed", "agent_id", job.AgentID, "message_id", job.MessageID, "error", err)
		r.bus.Publish(stream.KindSystemNotification, map[string]any{
			"agent_id": job.AgentID,
			"level":    "error",
			"message":  "agent could not reply: " + err.Error(),
		})
		return
	}

	r.bus.Publish(stream.KindThoughtResponse, map[string]any{
		"agent_id":          job.AgentID,
		"engine_id":         r.gen.Name(),
		"content":           reply,
		"source_message_id": job.MessageID,
	})
	r.logger.Info("reply published", "agent_id", job.AgentID, "message_id", job.MessageID, "duration", time.Since(start))
}

func (r *Runner) reply(ctx context.Context, job Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReplyTimeout)
	defer cancel()

	msgs, err := r.history.Recent(ctx, job.AgentID, job.UserID, r.opts.ContextMessages)
	if err != nil {
		return "", err
	}
	return r.gen.Generate(ctx, job.AgentID, turns(msgs))
}

func turns(msgs []*store.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Source == string(chat.SourceSystem) {
			continue
		}
		var blocks []chat.Block
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		text := chat.Message{Content: blocks}.Text()
		if text == "" {
			continue
		}
		out = append(out, Turn{FromAgent: m.Source == string(chat.SourceAgent), Text: text})
	}
	return out
}

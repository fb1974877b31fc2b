package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Turn is one prior exchange handed to a Generator, oldest first.
type Turn struct {
	FromAgent bool
	Text      string
}

// Generator produces an agent reply for a conversation.
type Generator interface {
	// Name identifies the engine in ThoughtResponse events.
	Name() string
	Generate(ctx context.Context, agentID string, turns []Turn) (string, error)
}

// ModelGenerator replies through an Eino chat model.
type ModelGenerator struct {
	model        model.BaseChatModel
	name         string
	systemPrompt string
}

// NewModelGenerator wraps m. name is reported as the engine id.
func NewModelGenerator(m model.BaseChatModel, name, systemPrompt string) *ModelGenerator {
	return &ModelGenerator{model: m, name: name, systemPrompt: systemPrompt}
}

func (g *ModelGenerator) Name() string { return g.name }

func (g *ModelGenerator) Generate(ctx context.Context, agentID string, turns []Turn) (string, error) {
	msgs := make([]*schema.Message, 0, len(turns)+1)
	if g.systemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(g.systemPrompt+"\nYou are agent "+agentID+"."))
	}
	for _, t := range turns {
		if t.FromAgent {
			msgs = append(msgs, schema.AssistantMessage(t.Text, nil))
		} else {
			msgs = append(msgs, schema.UserMessage(t.Text))
		}
	}

	resp, err := g.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// EchoGenerator repeats the latest operator message. It needs no provider
// and is the default for local development.
type EchoGenerator struct{}

func (EchoGenerator) Name() string { return "echo" }

func (EchoGenerator) Generate(_ context.Context, agentID string, turns []Turn) (string, error) {
	for i := len(turns) - 1; i >= 0; i-- {
		if !turns[i].FromAgent {
			return fmt.Sprintf("%s heard: %s", agentID, turns[i].Text), nil
		}
	}
	return "", fmt.Errorf("generate reply: no operator message")
}

// Package provider turns the kernel's llm configuration into the generator
// the responder replies with.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/responder"
)

// Echo names the built-in provider that needs no model.
const Echo = "echo"

const (
	defaultMaxTokens     = 4096
	defaultOllamaBaseURL = "http://localhost:11434"
)

type modelBuilder func(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error)

var builders = map[string]modelBuilder{
	"anthropic": newAnthropicModel,
	"claude":    newAnthropicModel,
	"openai":    newOpenAIModel,
	"ollama":    newOllamaModel,
}

// NewGenerator returns the reply generator for cfg: the echo generator for
// the echo provider, otherwise an Eino chat model wrapped for the responder.
func NewGenerator(ctx context.Context, cfg config.LLMConfig) (responder.Generator, error) {
	if providerName(cfg) == Echo {
		return responder.EchoGenerator{}, nil
	}
	chatModel, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	return responder.NewModelGenerator(chatModel, EngineName(cfg), cfg.SystemPrompt), nil
}

// EngineName identifies the generator in ThoughtResponse events, e.g.
// "anthropic/claude-sonnet-4-5".
func EngineName(cfg config.LLMConfig) string {
	name := providerName(cfg)
	if name == Echo || cfg.Model == "" {
		return name
	}
	return name + "/" + cfg.Model
}

// NewChatModel creates the Eino chat model for a model-backed provider.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	build, ok := builders[providerName(cfg)]
	if !ok {
		return nil, fmt.Errorf("unsupported llm provider: %q (supported: %s)", cfg.Provider, strings.Join(supported(), ", "))
	}
	return build(ctx, cfg)
}

func providerName(cfg config.LLMConfig) string {
	return strings.ToLower(strings.TrimSpace(cfg.Provider))
}

func supported() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newAnthropicModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	claudeCfg := &claude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	}
	if cfg.BaseURL != "" {
		claudeCfg.BaseURL = &cfg.BaseURL
	}

	m, err := claude.NewChatModel(ctx, claudeCfg)
	if err != nil {
		return nil, fmt.Errorf("anthropic model %q: %w", cfg.Model, err)
	}
	return m, nil
}

func newOpenAIModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("openai model %q: %w", cfg.Model, err)
	}
	return m, nil
}

func newOllamaModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama model %q: %w", cfg.Model, err)
	}
	return m, nil
}

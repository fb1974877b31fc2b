package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides of the console section.
const EnvPrefix = "AGENTCONSOLE"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. An empty path yields
// the defaults. Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		interpolated := interpolateEnv(string(data))

		if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg.Console); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "agentconsole"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFile == "" {
		cfg.Service.LogFile = "./data/agentconsole.log"
	}

	if cfg.Console.URL == "" {
		cfg.Console.URL = "http://127.0.0.1:8090"
	}
	cfg.Console.URL = strings.TrimRight(cfg.Console.URL, "/")
	if cfg.Console.UserID == "" {
		cfg.Console.UserID = "operator"
	}
	if cfg.Console.LegacyDB == "" {
		cfg.Console.LegacyDB = "./data/legacy.db"
	}
	if cfg.Console.RequestTimeout == 0 {
		cfg.Console.RequestTimeout = 30 * time.Second
	}

	if cfg.Stream.InitialBackoff == 0 {
		cfg.Stream.InitialBackoff = 5 * time.Second
	}
	if cfg.Stream.MaxBackoff == 0 {
		cfg.Stream.MaxBackoff = 30 * time.Second
	}

	if cfg.Reveal.Speed == 0 {
		cfg.Reveal.Speed = 5 * time.Millisecond
	}
	if cfg.Reveal.Batch == 0 {
		cfg.Reveal.Batch = 50 * time.Millisecond
	}

	if cfg.Artifacts.MinLines == 0 {
		cfg.Artifacts.MinLines = 15
	}

	if cfg.Chat.PageSize == 0 {
		cfg.Chat.PageSize = 50
	}
	if cfg.Chat.ErrorTTL == 0 {
		cfg.Chat.ErrorTTL = 5 * time.Second
	}
	if cfg.Chat.ResponseTimeout == 0 {
		cfg.Chat.ResponseTimeout = 2 * time.Minute
	}

	if cfg.Feed.MaxEvents == 0 {
		cfg.Feed.MaxEvents = 500
	}
	if cfg.Feed.MaxThoughts == 0 {
		cfg.Feed.MaxThoughts = 12
	}
	if cfg.Feed.ThoughtTTL == 0 {
		cfg.Feed.ThoughtTTL = 30 * time.Second
	}
	if cfg.Feed.SweepInterval == 0 {
		cfg.Feed.SweepInterval = time.Second
	}
	if cfg.Feed.MetricsDebounce == 0 {
		cfg.Feed.MetricsDebounce = 300 * time.Millisecond
	}

	if cfg.Kernel.Listen == "" {
		cfg.Kernel.Listen = "127.0.0.1:8090"
	}
	if cfg.Kernel.HeartbeatInterval == 0 {
		cfg.Kernel.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Kernel.HistorySize == 0 {
		cfg.Kernel.HistorySize = 1000
	}
	if cfg.Kernel.QueueCapacity == 0 {
		cfg.Kernel.QueueCapacity = 64
	}
	if cfg.Kernel.EnqueueTimeout == 0 {
		cfg.Kernel.EnqueueTimeout = 2 * time.Second
	}
	if cfg.Kernel.ContextMessages == 0 {
		cfg.Kernel.ContextMessages = 20
	}
	if cfg.Kernel.ReplyTimeout == 0 {
		cfg.Kernel.ReplyTimeout = 2 * time.Minute
	}
	if cfg.Kernel.Database.Path == "" {
		cfg.Kernel.Database.Path = "./data/kernel.db"
	}
	if cfg.Kernel.LLM.Provider == "" {
		cfg.Kernel.LLM.Provider = "echo"
	}
	if cfg.Kernel.LLM.MaxTokens == 0 {
		cfg.Kernel.LLM.MaxTokens = 4096
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	u, err := url.Parse(cfg.Console.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("console.url must be an http(s) URL (got %q)", cfg.Console.URL)
	}
	if cfg.Console.EventsURL != "" {
		u, err := url.Parse(cfg.Console.EventsURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("console.events_url is not a URL (got %q)", cfg.Console.EventsURL)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("console.events_url scheme must be http, https, ws or wss (got %q)", u.Scheme)
		}
	}
	if err := checkUnset("console.api_key", cfg.Console.APIKey); err != nil {
		return err
	}

	if cfg.Stream.InitialBackoff <= 0 {
		return fmt.Errorf("stream.initial_backoff must be positive")
	}
	if cfg.Stream.MaxBackoff < cfg.Stream.InitialBackoff {
		return fmt.Errorf("stream.max_backoff must be at least stream.initial_backoff")
	}
	if cfg.Reveal.Speed <= 0 {
		return fmt.Errorf("reveal.speed must be positive")
	}
	if cfg.Reveal.Batch <= 0 {
		return fmt.Errorf("reveal.batch must be positive")
	}
	if cfg.Artifacts.MinLines <= 0 {
		return fmt.Errorf("artifacts.min_lines must be positive")
	}
	if cfg.Chat.PageSize <= 0 || cfg.Chat.PageSize > 200 {
		return fmt.Errorf("chat.page_size must be between 1 and 200 (got %d)", cfg.Chat.PageSize)
	}
	if cfg.Chat.ErrorTTL <= 0 {
		return fmt.Errorf("chat.error_ttl must be positive")
	}
	if cfg.Chat.ResponseTimeout < 0 {
		return fmt.Errorf("chat.response_timeout must not be negative")
	}
	if cfg.Feed.MaxEvents <= 0 || cfg.Feed.MaxThoughts <= 0 {
		return fmt.Errorf("feed.max_events and feed.max_thoughts must be positive")
	}
	if cfg.Feed.ThoughtTTL <= 0 || cfg.Feed.SweepInterval <= 0 || cfg.Feed.MetricsDebounce <= 0 {
		return fmt.Errorf("feed intervals must be positive")
	}

	if cfg.Kernel.HeartbeatInterval <= 0 {
		return fmt.Errorf("kernel.heartbeat_interval must be positive")
	}
	if cfg.Kernel.HistorySize <= 0 {
		return fmt.Errorf("kernel.history_size must be positive")
	}
	if cfg.Kernel.QueueCapacity <= 0 {
		return fmt.Errorf("kernel.queue_capacity must be positive")
	}
	if err := checkUnset("kernel.api_key", cfg.Kernel.APIKey); err != nil {
		return err
	}
	switch cfg.Kernel.LLM.Provider {
	case "echo":
	case "anthropic", "claude", "openai":
		if cfg.Kernel.LLM.APIKey == "" {
			return fmt.Errorf("kernel.llm.api_key is required for provider %q", cfg.Kernel.LLM.Provider)
		}
		if err := checkUnset("kernel.llm.api_key", cfg.Kernel.LLM.APIKey); err != nil {
			return err
		}
	case "ollama":
	default:
		return fmt.Errorf("kernel.llm.provider must be one of: echo, anthropic, openai, ollama (got %q)", cfg.Kernel.LLM.Provider)
	}
	if cfg.Kernel.LLM.MaxTokens <= 0 {
		return fmt.Errorf("kernel.llm.max_tokens must be positive")
	}
	return nil
}

// checkUnset rejects values that still hold an uninterpolated ${VAR}.
func checkUnset(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// StreamURL returns the event endpoint, derived from the kernel URL when not
// set explicitly.
func (c ConsoleConfig) StreamURL() string {
	if c.EventsURL != "" {
		return c.EventsURL
	}
	return c.URL + "/api/events/stream"
}

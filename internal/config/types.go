package config

import "time"

// Config represents the complete agentconsole configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Console   ConsoleConfig   `yaml:"console"`
	Stream    StreamConfig    `yaml:"stream"`
	Reveal    RevealConfig    `yaml:"reveal"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Chat      ChatConfig      `yaml:"chat"`
	Feed      FeedConfig      `yaml:"feed"`
	Kernel    KernelConfig    `yaml:"kernel"`
}

// ServiceConfig defines logging settings shared by every command.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LogFile receives logs from the terminal UIs.
	LogFile string `yaml:"log_file"`
}

// ConsoleConfig defines how the console reaches the kernel. Every field can
// be overridden from AGENTCONSOLE_* environment variables.
type ConsoleConfig struct {
	URL            string        `yaml:"url" envconfig:"URL"`
	APIKey         string        `yaml:"api_key" envconfig:"API_KEY"`
	UserID         string        `yaml:"user_id" envconfig:"USER_ID"`
	EventsURL      string        `yaml:"events_url" envconfig:"EVENTS_URL"`
	LegacyDB       string        `yaml:"legacy_db" envconfig:"LEGACY_DB"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// StreamConfig defines reconnection backoff for the event stream.
type StreamConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RevealConfig defines typewriter pacing.
type RevealConfig struct {
	Speed time.Duration `yaml:"speed"`
	Batch time.Duration `yaml:"batch"`
}

// ArtifactsConfig defines artifact promotion.
type ArtifactsConfig struct {
	MinLines int `yaml:"min_lines"`
}

// ChatConfig defines chat session behavior.
type ChatConfig struct {
	PageSize        int           `yaml:"page_size"`
	ErrorTTL        time.Duration `yaml:"error_ttl"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// FeedConfig defines the monitor's activity window.
type FeedConfig struct {
	MaxEvents       int           `yaml:"max_events"`
	MaxThoughts     int           `yaml:"max_thoughts"`
	ThoughtTTL      time.Duration `yaml:"thought_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MetricsDebounce time.Duration `yaml:"metrics_debounce"`
}

// KernelConfig defines the local development kernel.
type KernelConfig struct {
	Listen            string         `yaml:"listen"`
	APIKey            string         `yaml:"api_key"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	HistorySize       int            `yaml:"history_size"`
	QueueCapacity     int            `yaml:"queue_capacity"`
	EnqueueTimeout    time.Duration  `yaml:"enqueue_timeout"`
	ContextMessages   int            `yaml:"context_messages"`
	ReplyTimeout      time.Duration  `yaml:"reply_timeout"`
	Database          DatabaseConfig `yaml:"database"`
	LLM               LLMConfig      `yaml:"llm"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig defines the responder's model provider.
type LLMConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty"`
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

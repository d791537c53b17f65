// Package config provides the configuration schema, loader, and provider
// registry for the voxrelay server.
package config

import "time"

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":3000"
	DefaultProvider         = "openai"
	DefaultMaxUploadBytes   = 25 << 20
	DefaultHistorySize      = 10
	DefaultSynthConcurrency = 3
	DefaultJournalCapacity  = 2000
	DefaultShutdownTimeout  = 10 * time.Second
)

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Automation AutomationConfig `yaml:"automation"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Journal    JournalConfig    `yaml:"journal"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text (default) or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig configures the upstream realtime connection opened for
// every client on /realtime.
type RealtimeConfig struct {
	// APIKey authenticates the upstream handshake. OPENAI_API_KEY overrides it.
	APIKey string `yaml:"api_key"`

	// Model is the realtime model name. Empty selects the upstream default.
	Model string `yaml:"model"`

	// BaseURL overrides the realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// QueueSize bounds the client messages held until the session is
	// configured.
	QueueSize int `yaml:"queue_size"`
}

// AutomationConfig locates the assistant configuration webhook.
type AutomationConfig struct {
	// WebhookURL is the configuration endpoint. N8N_CONFIG_WEBHOOK_URL
	// overrides it.
	WebhookURL string `yaml:"webhook_url"`

	// ID selects the automation. Empty means built-in defaults.
	// AUTOMATION_ID overrides it.
	ID string `yaml:"id"`

	// RefreshInterval enables periodic re-fetching. Zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// LoadTimeout bounds each webhook call.
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage of the HTTP synthesis pipeline. Each field selects a named provider
// registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// Breaker tunes the circuit breaker placed in front of every provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes provider circuit breakers. Zero values keep the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// is open. Fallback entries must not declare fallbacks of their own.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptionString returns Options[key] when it is a string, else "".
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// SynthesisConfig tunes the POST /api/voice pipeline.
type SynthesisConfig struct {
	// Concurrency bounds in-flight TTS requests per turn.
	Concurrency int `yaml:"concurrency"`

	// FirstMinLen, MinLen and MaxLen are segmenter lengths in runes.
	// Zero keeps the segmenter defaults.
	FirstMinLen int `yaml:"first_min_len"`
	MinLen      int `yaml:"min_len"`
	MaxLen      int `yaml:"max_len"`

	// HistorySize is the number of messages kept per session.
	HistorySize int `yaml:"history_size"`

	// MaxUploadBytes caps the multipart request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// JournalConfig sizes the in-memory event journal behind /admin/logs.
type JournalConfig struct {
	Capacity int `yaml:"capacity"`
}

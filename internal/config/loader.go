package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper"},
	"tts": {"openai", "elevenlabs"},
}

// Environment variables consulted by [Load].
const (
	EnvPort         = "PORT"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvWebhookURL   = "N8N_CONFIG_WEBHOOK_URL"
	EnvAutomationID = "AUTOMATION_ID"
	EnvLogLevel     = "LOG_LEVEL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// skips the file and starts from an empty configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return load(strings.NewReader(""), os.LookupEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// file values; unset or empty variables leave cfg untouched.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvPort); ok {
		if strings.Contains(v, ":") {
			cfg.Server.ListenAddr = v
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	if v, ok := get(EnvOpenAIKey); ok {
		cfg.Realtime.APIKey = v
	}
	if v, ok := get(EnvWebhookURL); ok {
		cfg.Automation.WebhookURL = v
	}
	if v, ok := get(EnvAutomationID); ok {
		cfg.Automation.ID = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

// ApplyDefaults fills zero values. Provider entries without a name select
// [DefaultProvider]; OpenAI entries without a key inherit the realtime key.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	for _, e := range []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.STT, &cfg.Providers.TTS} {
		if e.Name == "" {
			e.Name = DefaultProvider
		}
		inheritKey(e, cfg.Realtime.APIKey)
		for i := range e.Fallbacks {
			inheritKey(&e.Fallbacks[i], cfg.Realtime.APIKey)
		}
	}

	if cfg.Synthesis.Concurrency == 0 {
		cfg.Synthesis.Concurrency = DefaultSynthConcurrency
	}
	if cfg.Synthesis.HistorySize == 0 {
		cfg.Synthesis.HistorySize = DefaultHistorySize
	}
	if cfg.Synthesis.MaxUploadBytes == 0 {
		cfg.Synthesis.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Journal.Capacity == 0 {
		cfg.Journal.Capacity = DefaultJournalCapacity
	}
}

func inheritKey(e *ProviderEntry, key string) {
	if e.Name == "openai" && e.APIKey == "" {
		e.APIKey = key
	}
}

// OpenAIConfigured reports whether an OpenAI credential is available.
func (c *Config) OpenAIConfigured() bool {
	return c.Realtime.APIKey != ""
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Realtime
	if cfg.Realtime.BaseURL != "" {
		if u, err := url.Parse(cfg.Realtime.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime.base_url %q must be a ws:// or wss:// URL", cfg.Realtime.BaseURL))
		}
	}
	if cfg.Realtime.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("realtime.queue_size %d must not be negative", cfg.Realtime.QueueSize))
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("no OpenAI API key configured; /realtime and /api/voice will reject requests")
	}

	// Automation
	if cfg.Automation.WebhookURL != "" {
		if u, err := url.Parse(cfg.Automation.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("automation.webhook_url %q must be an http:// or https:// URL", cfg.Automation.WebhookURL))
		}
	}
	if cfg.Automation.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("automation.refresh_interval %s must not be negative", cfg.Automation.RefreshInterval))
	}
	if cfg.Automation.LoadTimeout < 0 {
		errs = append(errs, fmt.Errorf("automation.load_timeout %s must not be negative", cfg.Automation.LoadTimeout))
	}

	// Providers
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM, true)...)
	errs = append(errs, validateProvider("stt", cfg.Providers.STT, true)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS, true)...)
	if cfg.Providers.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.max_failures %d must not be negative", cfg.Providers.Breaker.MaxFailures))
	}
	if cfg.Providers.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.cooldown %s must not be negative", cfg.Providers.Breaker.Cooldown))
	}

	// Synthesis
	s := cfg.Synthesis
	if s.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("synthesis.concurrency %d must not be negative", s.Concurrency))
	}
	for name, v := range map[string]int{"first_min_len": s.FirstMinLen, "min_len": s.MinLen, "max_len": s.MaxLen, "history_size": s.HistorySize} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("synthesis.%s %d must not be negative", name, v))
		}
	}
	if s.MaxLen > 0 && (s.MinLen > s.MaxLen || s.FirstMinLen > s.MaxLen) {
		errs = append(errs, fmt.Errorf("synthesis.max_len %d must be at least min_len and first_min_len", s.MaxLen))
	}
	if s.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("synthesis.max_upload_bytes %d must not be negative", s.MaxUploadBytes))
	}

	if cfg.Journal.Capacity < 0 {
		errs = append(errs, fmt.Errorf("journal.capacity %d must not be negative", cfg.Journal.Capacity))
	}

	return errors.Join(errs...)
}

// validateProvider checks a provider entry and, when top is set, its
// fallbacks.
func validateProvider(kind string, e ProviderEntry, top bool) []error {
	var errs []error
	validateProviderName(kind, e.Name)

	if kind == "tts" && e.Name == "elevenlabs" && e.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.%s: elevenlabs requires api_key", kind))
	}
	if kind == "stt" && e.Name == "whisper" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("providers.%s: whisper requires base_url", kind))
	}
	if !top {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks: name is required", kind))
		}
		if len(e.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks: %q must not declare nested fallbacks", kind, e.Name))
		}
		return errs
	}
	for _, fb := range e.Fallbacks {
		errs = append(errs, validateProvider(kind, fb, false)...)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

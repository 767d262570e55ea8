package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"tts": {"coqui", "elevenlabs"},
}

// keyedProviders need an api_key to work at all.
var keyedProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq"},
	"stt": {"openai", "deepgram"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, fills defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value. Provider
// entries are only defaulted when their name is empty, so a configured
// provider never inherits another provider's model or URL.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}

	p := &cfg.Providers
	if p.Local.STT.Name == "" {
		p.Local.STT = ProviderEntry{Name: "whisper-native", Model: "models/ggml-base.bin"}
	}
	if p.Local.LLM.Name == "" {
		p.Local.LLM = ProviderEntry{Name: "ollama", Model: "llama3.2", BaseURL: "http://localhost:11434"}
	}
	if p.Cloud.STT.Name == "" {
		p.Cloud.STT = ProviderEntry{Name: "openai", Model: "whisper-1"}
	}
	if p.Cloud.LLM.Name == "" {
		p.Cloud.LLM = ProviderEntry{Name: "openai", Model: "gpt-4o-mini"}
	}
	if p.TTS.Name == "" {
		p.TTS = ProviderEntry{Name: "coqui", BaseURL: "http://localhost:5002"}
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.RecordSeconds == 0 {
		cfg.Audio.RecordSeconds = 5
	}
	if cfg.Audio.TempDir == "" {
		cfg.Audio.TempDir = filepath.Join(os.TempDir(), "murmur")
	}

	if cfg.Conversation.SystemPrompt == "" {
		cfg.Conversation.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Conversation.MaxTurns == 0 {
		cfg.Conversation.MaxTurns = 20
	}
	if cfg.Conversation.Temperature == 0 {
		cfg.Conversation.Temperature = 0.7
	}
	if cfg.Conversation.MaxReplyTokens == 0 {
		cfg.Conversation.MaxReplyTokens = 300
	}

	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = ArchiveFile
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = "logs"
	}
	if cfg.Archive.RedisKeyPrefix == "" {
		cfg.Archive.RedisKeyPrefix = "murmur:session:"
	}
	if cfg.Archive.GCSPrefix == "" {
		cfg.Archive.GCSPrefix = "sessions/"
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 5
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = 30 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: local, cloud", cfg.Mode))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.Local.STT.Name)
	validateProviderName("llm", cfg.Providers.Local.LLM.Name)
	validateProviderName("stt", cfg.Providers.Cloud.STT.Name)
	validateProviderName("llm", cfg.Providers.Cloud.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Only the active mode must be usable; the other one is never built.
	active := cfg.Active()
	prefix := "providers." + string(cfg.Mode)
	if active.STT.Name == "" {
		errs = append(errs, fmt.Errorf("%s.stt.name is required", prefix))
	}
	if active.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("%s.llm.name is required", prefix))
	}
	if active.STT.Name == "whisper-native" && active.STT.Model == "" {
		errs = append(errs, fmt.Errorf("%s.stt.model must name a ggml model file for whisper-native", prefix))
	}
	if active.STT.Name == "whisper" && active.STT.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.stt.base_url is required for the whisper server provider", prefix))
	}
	if cfg.Mode == ModeCloud {
		requireKey(&errs, prefix+".stt", "stt", active.STT)
		requireKey(&errs, prefix+".llm", "llm", active.LLM)
	}
	requireKey(&errs, "providers.tts", "tts", cfg.Providers.TTS)

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.RecordSeconds < 0 {
		errs = append(errs, fmt.Errorf("audio.record_seconds %d must be positive", cfg.Audio.RecordSeconds))
	}

	// Conversation
	if cfg.Conversation.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns %d must not be negative", cfg.Conversation.MaxTurns))
	}
	if cfg.Conversation.Temperature < 0 || cfg.Conversation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", cfg.Conversation.Temperature))
	}
	if cfg.Conversation.MaxReplyTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_reply_tokens %d must not be negative", cfg.Conversation.MaxReplyTokens))
	}

	// Archive
	switch cfg.Archive.Backend {
	case ArchiveFile:
		if cfg.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required when backend is file"))
		}
	case ArchivePostgres:
		if cfg.Archive.PostgresDSN == "" {
			errs = append(errs, errors.New("archive.postgres_dsn is required when backend is postgres"))
		}
	case ArchiveRedis:
		if cfg.Archive.RedisURL == "" {
			errs = append(errs, errors.New("archive.redis_url is required when backend is redis"))
		}
	case ArchiveGCS:
		if cfg.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive.gcs_bucket is required when backend is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is invalid; valid values: file, postgres, redis, gcs", cfg.Archive.Backend))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// requireKey appends an error when entry names a hosted provider of kind that
// cannot work without an api_key.
func requireKey(errs *[]error, path, kind string, entry ProviderEntry) {
	if entry.APIKey != "" || !slices.Contains(keyedProviders[kind], entry.Name) {
		return
	}
	*errs = append(*errs, fmt.Errorf("%s.api_key is required for provider %q", path, entry.Name))
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

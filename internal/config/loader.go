package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/voice"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised LLM names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "deepseek", "qwen", "anthropic", "gemini", "ollama", "mistral", "groq", "llamacpp"},
}

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	defaultMediaDir        = "data/media"
	defaultMediaURL        = "/media"
)

// Load reads the YAML configuration file at path, overlays JUBENSHA_*
// environment variables and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := load(data, true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The environment is not consulted. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return load(data, false)
}

func load(data []byte, env bool) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Storage.Blob.Name == "" {
		cfg.Storage.Blob.Name = BlobLocal
	}
	if cfg.Storage.Blob.Name == BlobLocal {
		if cfg.Storage.Blob.Dir == "" {
			cfg.Storage.Blob.Dir = defaultMediaDir
		}
		if cfg.Storage.Blob.PublicBaseURL == "" {
			cfg.Storage.Blob.PublicBaseURL = defaultMediaURL
		}
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// TTS
	errs = append(errs, validateTTS(cfg.Providers.TTS)...)

	// LLM
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}

	// Storage
	blob := cfg.Storage.Blob
	switch blob.Name {
	case "", BlobLocal:
	case BlobMinIO:
		if blob.Endpoint == "" {
			errs = append(errs, errors.New("storage.blob.endpoint is required for minio"))
		}
		if blob.Bucket == "" {
			errs = append(errs, errors.New("storage.blob.bucket is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.blob.name %q is invalid; valid values: minio, local", blob.Name))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; the tts event log is kept in memory only")
	}

	// Game
	for name, n := range cfg.Game.Rounds {
		if _, err := game.ParsePhase(name); err != nil {
			errs = append(errs, fmt.Errorf("game.rounds: %w", err))
		}
		if n < 1 {
			errs = append(errs, fmt.Errorf("game.rounds.%s must be at least 1, got %d", name, n))
		}
	}
	for slot := range cfg.Game.Voices {
		if _, ok := voice.DefaultTable[voice.Slot(slot)]; !ok {
			errs = append(errs, fmt.Errorf("game.voices: unknown slot %q; valid values: male, female, elder_male, elder_female, default", slot))
		}
	}
	if t := cfg.Game.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("game.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Game.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("game.max_tokens must not be negative, got %d", cfg.Game.MaxTokens))
	}

	return errors.Join(errs...)
}

func validateTTS(e ProviderEntry) []error {
	if e.Name == "" {
		return []error{errors.New("providers.tts.name is required")}
	}
	kind, err := tts.ParseKind(e.Name)
	if err != nil {
		return []error{fmt.Errorf("providers.tts.name: %w", err)}
	}

	var errs []error
	switch kind {
	case tts.KindMiniMax:
		if e.APIKey == "" {
			errs = append(errs, errors.New("providers.tts.api_key is required for minimax"))
		}
		if e.OptionString("group_id") == "" {
			errs = append(errs, errors.New("providers.tts.options.group_id is required for minimax"))
		}
	case tts.KindDashScope:
		if e.APIKey == "" {
			errs = append(errs, errors.New("providers.tts.api_key is required for dashscope"))
		}
	case tts.KindCosyVoice:
		if e.BaseURL == "" {
			errs = append(errs, errors.New("providers.tts.base_url is required for cosyvoice2-ex"))
		}
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

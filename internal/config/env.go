package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "JUBENSHA"

// envOverlay lists the settings that may come from the environment.
// Secrets belong here rather than in the YAML file.
type envOverlay struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	TTSAPIKey     string `envconfig:"TTS_API_KEY"`
	TTSGroupID    string `envconfig:"TTS_GROUP_ID"`
	LLMAPIKey     string `envconfig:"LLM_API_KEY"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	BlobAccessKey string `envconfig:"BLOB_ACCESS_KEY"`
	BlobSecretKey string `envconfig:"BLOB_SECRET_KEY"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
// Without arguments ".env" in the working directory is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays JUBENSHA_* environment variables onto cfg. Only
// variables that are set and non-empty take effect.
func ApplyEnv(cfg *Config) error {
	var ov envOverlay
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, ov.ListenAddr)
	if ov.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(ov.LogLevel)
	}
	set(&cfg.Providers.TTS.APIKey, ov.TTSAPIKey)
	if ov.TTSGroupID != "" {
		if cfg.Providers.TTS.Options == nil {
			cfg.Providers.TTS.Options = make(map[string]any)
		}
		cfg.Providers.TTS.Options["group_id"] = ov.TTSGroupID
	}
	set(&cfg.Providers.LLM.APIKey, ov.LLMAPIKey)
	set(&cfg.Storage.PostgresDSN, ov.PostgresDSN)
	set(&cfg.Storage.Redis.Addr, ov.RedisAddr)
	set(&cfg.Storage.Redis.Password, ov.RedisPassword)
	set(&cfg.Storage.Blob.AccessKey, ov.BlobAccessKey)
	set(&cfg.Storage.Blob.SecretKey, ov.BlobSecretKey)
	return nil
}

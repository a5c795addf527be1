package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/jubensha/internal/config"
)

const minimalYAML = `
providers:
  tts: {name: minimax, api_key: from-file, options: {group_id: g1}}
  llm: {name: openai}
`

// Tests in this file modify the process environment and must not run in
// parallel.

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("JUBENSHA_TTS_API_KEY", "from-env")
	t.Setenv("JUBENSHA_TTS_GROUP_ID", "g2")
	t.Setenv("JUBENSHA_LLM_API_KEY", "sk-env")
	t.Setenv("JUBENSHA_POSTGRES_DSN", "postgres://env")
	t.Setenv("JUBENSHA_REDIS_ADDR", "redis:6379")
	t.Setenv("JUBENSHA_LOG_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.TTS.APIKey != "from-env" || cfg.Providers.TTS.OptionString("group_id") != "g2" {
		t.Errorf("tts = %+v", cfg.Providers.TTS)
	}
	if cfg.Providers.LLM.APIKey != "sk-env" {
		t.Errorf("llm api key = %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Storage.PostgresDSN != "postgres://env" || cfg.Storage.Redis.Addr != "redis:6379" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}

func TestLoad_EnvMissingKeepsFile(t *testing.T) {
	t.Setenv("JUBENSHA_TTS_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.TTS.APIKey != "from-file" {
		t.Errorf("api key = %q, want from-file", cfg.Providers.TTS.APIKey)
	}
}

func TestLoad_EnvSuppliesMissingSecret(t *testing.T) {
	t.Setenv("JUBENSHA_TTS_API_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "providers:\n  tts: {name: dashscope}\n  llm: {name: openai}\n")

	if _, err := config.Load(path); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "JUBENSHA_TEST_DOTENV=loaded\n")
	t.Setenv("JUBENSHA_TEST_DOTENV", "")
	os.Unsetenv("JUBENSHA_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("JUBENSHA_TEST_DOTENV"); got != "loaded" {
		t.Errorf("JUBENSHA_TEST_DOTENV = %q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}

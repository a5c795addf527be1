package main

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/jubensha/internal/config"
	"github.com/MrWong99/jubensha/internal/resilience"
	"github.com/MrWong99/jubensha/pkg/blobstore"
	"github.com/MrWong99/jubensha/pkg/blobstore/local"
	"github.com/MrWong99/jubensha/pkg/blobstore/minio"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
	"github.com/MrWong99/jubensha/pkg/provider/llm/anyllm"
	"github.com/MrWong99/jubensha/pkg/provider/llm/openai"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
	"github.com/MrWong99/jubensha/pkg/provider/tts/factory"
)

// openAICompatible maps OpenAI-compatible LLM vendors to their default
// endpoints. An empty URL means the official OpenAI API.
var openAICompatible = map[string]string{
	"openai":   "",
	"deepseek": "https://api.deepseek.com/v1",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for name, defaultURL := range openAICompatible {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []openai.Option
			if u := cmp.Or(entry.BaseURL, defaultURL); u != "" {
				opts = append(opts, openai.WithBaseURL(u))
			}
			if org := entry.OptionString("organization"); org != "" {
				opts = append(opts, openai.WithOrganization(org))
			}
			if d := entry.OptionDuration("timeout"); d > 0 {
				opts = append(opts, openai.WithTimeout(d))
			}
			return openai.New(entry.APIKey, entry.Model, opts...)
		})
	}

	// The remaining vendors go through any-llm. Names already in
	// openAICompatible keep the native client.
	for _, providerName := range anyllm.SupportedProviders {
		if _, ok := openAICompatible[providerName]; ok {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	for _, kind := range tts.Kinds {
		reg.RegisterTTS(kind.String(), func(entry config.ProviderEntry) (tts.Provider, error) {
			return factory.New(kind, factory.Settings{
				APIKey:        entry.APIKey,
				BaseURL:       entry.BaseURL,
				Model:         entry.Model,
				Format:        entry.OptionString("format"),
				GroupID:       entry.OptionString("group_id"),
				Mode:          entry.OptionString("mode"),
				UnaryTimeout:  entry.OptionDuration("timeout"),
				StreamTimeout: entry.OptionDuration("stream_timeout"),
			})
		})
	}

	// ── Blob ──────────────────────────────────────────────────────────────────
	reg.RegisterBlob(config.BlobMinIO, func(c config.BlobConfig) (blobstore.Store, error) {
		return minio.New(minio.Config{
			Endpoint:      c.Endpoint,
			AccessKey:     c.AccessKey,
			SecretKey:     c.SecretKey,
			Bucket:        c.Bucket,
			UseSSL:        c.UseSSL,
			Region:        c.Region,
			PublicBaseURL: c.PublicBaseURL,
		})
	})
	reg.RegisterBlob(config.BlobLocal, func(c config.BlobConfig) (blobstore.Store, error) {
		return local.New(c.Dir, c.PublicBaseURL)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildLLM creates the primary LLM and wraps it with the configured
// fallbacks. Fallbacks that cannot be created are skipped with a warning.
func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)
	if len(cfg.Providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			slog.Warn("skipping llm fallback", "name", entry.Name, "err", err)
			continue
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("llm fallback chain", "order", fb.Names())
	return fb, nil
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// buildBlob creates the configured blob store. A MinIO bucket is created if
// it does not exist yet.
func buildBlob(ctx context.Context, cfg *config.Config, reg *config.Registry) (blobstore.Store, error) {
	store, err := reg.CreateBlob(cfg.Storage.Blob)
	if err != nil {
		return nil, fmt.Errorf("create blob store %q: %w", cfg.Storage.Blob.Name, err)
	}
	if b, ok := store.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("blob store %q: %w", cfg.Storage.Blob.Name, err)
		}
	}
	slog.Info("blob store ready", "name", cfg.Storage.Blob.Name)
	return store, nil
}

// Package factory constructs a [tts.Provider] for each supported [tts.Kind].
package factory

import (
	"fmt"
	"time"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
	"github.com/MrWong99/jubensha/pkg/provider/tts/cosyvoice"
	"github.com/MrWong99/jubensha/pkg/provider/tts/dashscope"
	"github.com/MrWong99/jubensha/pkg/provider/tts/minimax"
)

// Settings carries the provider-agnostic configuration for a TTS backend.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string
	Format  string

	// GroupID is required by MiniMax.
	GroupID string

	// Mode selects the CosyVoice gateway inference mode.
	Mode string

	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

// New returns a provider for kind. Every known kind is handled; anything else
// fails with [tts.ErrInvalidProvider].
func New(kind tts.Kind, s Settings) (tts.Provider, error) {
	switch kind {
	case tts.KindMiniMax:
		opts := []minimax.Option{minimax.WithTimeouts(s.UnaryTimeout, s.StreamTimeout)}
		if s.BaseURL != "" {
			opts = append(opts, minimax.WithBaseURL(s.BaseURL))
		}
		if s.Model != "" {
			opts = append(opts, minimax.WithModel(s.Model))
		}
		if s.Format != "" {
			opts = append(opts, minimax.WithAudioFormat(s.Format))
		}
		return minimax.New(s.APIKey, s.GroupID, opts...)

	case tts.KindCosyVoice:
		opts := []cosyvoice.Option{cosyvoice.WithTimeouts(s.UnaryTimeout, s.StreamTimeout)}
		if s.Mode != "" {
			opts = append(opts, cosyvoice.WithMode(s.Mode))
		}
		return cosyvoice.New(s.BaseURL, s.APIKey, opts...)

	case tts.KindDashScope:
		opts := []dashscope.Option{dashscope.WithTimeouts(s.UnaryTimeout, s.StreamTimeout)}
		if s.BaseURL != "" {
			opts = append(opts, dashscope.WithEndpoint(s.BaseURL))
		}
		if s.Model != "" {
			opts = append(opts, dashscope.WithModel(s.Model))
		}
		if s.Format != "" {
			opts = append(opts, dashscope.WithAudioFormat(s.Format))
		}
		return dashscope.New(s.APIKey, opts...)

	default:
		return nil, fmt.Errorf("factory: %w: %q", tts.ErrInvalidProvider, kind)
	}
}

// NewByName parses name and constructs the matching provider.
func NewByName(name string, s Settings) (tts.Provider, error) {
	kind, err := tts.ParseKind(name)
	if err != nil {
		return nil, err
	}
	return New(kind, s)
}

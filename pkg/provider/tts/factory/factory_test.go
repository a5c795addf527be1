package factory

import (
	"errors"
	"testing"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
	"github.com/MrWong99/jubensha/pkg/provider/tts/cosyvoice"
	"github.com/MrWong99/jubensha/pkg/provider/tts/dashscope"
	"github.com/MrWong99/jubensha/pkg/provider/tts/minimax"
)

func TestNewByName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings Settings
		check    func(tts.Provider) bool
	}{
		{
			name:     "minimax",
			settings: Settings{APIKey: "k", GroupID: "g"},
			check:    func(p tts.Provider) bool { _, ok := p.(*minimax.Provider); return ok },
		},
		{
			name:     "cosyvoice2-ex",
			settings: Settings{BaseURL: "http://localhost:50000"},
			check:    func(p tts.Provider) bool { _, ok := p.(*cosyvoice.Provider); return ok },
		},
		{
			name:     "dashscope",
			settings: Settings{APIKey: "sk"},
			check:    func(p tts.Provider) bool { _, ok := p.(*dashscope.Provider); return ok },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewByName(tt.name, tt.settings)
			if err != nil {
				t.Fatalf("NewByName: %v", err)
			}
			defer p.Close()
			if !tt.check(p) {
				t.Errorf("unexpected provider type %T", p)
			}
		})
	}
}

func TestNewByName_Unknown(t *testing.T) {
	t.Parallel()

	_, err := NewByName("azure", Settings{})
	if !errors.Is(err, tts.ErrInvalidProvider) {
		t.Fatalf("err = %v, want ErrInvalidProvider", err)
	}
	_, err = New(tts.Kind("bogus"), Settings{})
	if !errors.Is(err, tts.ErrInvalidProvider) {
		t.Fatalf("err = %v, want ErrInvalidProvider", err)
	}
}

func TestNewByName_MissingCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewByName("minimax", Settings{APIKey: "k"}); err == nil {
		t.Error("expected error without group id")
	}
	if _, err := NewByName("dashscope", Settings{}); err == nil {
		t.Error("expected error without api key")
	}
}

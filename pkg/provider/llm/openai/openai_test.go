package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "deepseek-chat"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "deepseek-chat", WithBaseURL("https://api.deepseek.com/v1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "deepseek-chat" {
		t.Errorf("model = %q, want deepseek-chat", p.model)
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			param, err := convertMessage(llm.Message{Role: tt.role, Content: "你好", Name: "管家"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tt.role {
			case "system":
				if param.OfSystem == nil {
					t.Error("expected OfSystem to be set")
				}
			case "user":
				if param.OfUser == nil {
					t.Fatal("expected OfUser to be set")
				}
				if param.OfUser.Name.Value != "管家" {
					t.Errorf("user name = %q, want 管家", param.OfUser.Name.Value)
				}
			case "assistant":
				if param.OfAssistant == nil {
					t.Error("expected OfAssistant to be set")
				}
			}
		})
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "你是主持人",
		Messages:     []llm.Message{{Role: "user", Content: "谁先发言？"}},
		Temperature:  0.3,
		MaxTokens:    16,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
}

func TestBuildParams_MaxTokensField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []Option
		wantLegacy bool
	}{
		{name: "official api", wantLegacy: false},
		{name: "compatible endpoint", opts: []Option{WithBaseURL("https://api.deepseek.com/v1")}, wantLegacy: true},
		{
			name:       "forced off",
			opts:       []Option{WithBaseURL("https://example.test/v1"), WithLegacyMaxTokens(false)},
			wantLegacy: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("sk-test", "deepseek-chat", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			params, err := p.buildParams(llm.CompletionRequest{
				Messages:  []llm.Message{{Role: "user", Content: "轮到谁？"}},
				MaxTokens: 64,
			})
			if err != nil {
				t.Fatalf("buildParams: %v", err)
			}
			if got := params.MaxTokens.Valid(); got != tt.wantLegacy {
				t.Errorf("max_tokens set = %v, want %v", got, tt.wantLegacy)
			}
			if got := params.MaxCompletionTokens.Valid(); got == tt.wantLegacy {
				t.Errorf("max_completion_tokens set = %v, want %v", got, !tt.wantLegacy)
			}
		})
	}
}

// completionServer answers every chat completion with one choice.
func completionServer(t *testing.T, content, finishReason string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "deepseek-chat",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": finishReason,
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		content      string
		finishReason string
		wantErr      error
	}{
		{name: "reply", content: "我昨晚一直在厨房。", finishReason: "stop"},
		{name: "moderated", content: "", finishReason: "content_filter", wantErr: llm.ErrContentFiltered},
		{name: "blank", content: "  ", finishReason: "stop", wantErr: llm.ErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("sk-test", "deepseek-chat", WithBaseURL(completionServer(t, tt.content, tt.finishReason)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			resp, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "你昨晚在哪？"}},
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.content {
				t.Errorf("content = %q, want %q", resp.Content, tt.content)
			}
			if resp.Usage.TotalTokens != 16 {
				t.Errorf("total tokens = %d, want 16", resp.Usage.TotalTokens)
			}
		})
	}
}

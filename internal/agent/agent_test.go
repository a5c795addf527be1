package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/jubensha/internal/agent"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
	llmmock "github.com/MrWong99/jubensha/pkg/provider/llm/mock"
)

func testContext() agent.GenerationContext {
	return agent.GenerationContext{
		Characters: []game.Character{
			{Name: "侦探"},
			{Name: "管家", Secret: "我当晚偷偷进过书房"},
			{Name: "老爷", IsVictim: true},
		},
		Evidence: []game.Evidence{
			{Name: "带血的手帕", Description: "在花园里发现", Discoverer: "侦探"},
		},
		RecentChat: []game.ChatMessage{
			{Character: "侦探", Message: "管家，你昨晚在哪里？"},
		},
		ScriptTitle: "雾都疑案",
	}
}

func TestLLMGenerator_Generate(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  管家：「我一直在厨房。」 "}}
	gen := agent.NewLLMGenerator(p, agent.WithTemperature(0.5), agent.WithMaxTokens(120))

	butler := game.Character{Name: "管家", Profile: "在府上服务三十年", Secret: "我当晚偷偷进过书房"}
	got, err := gen.Generate(context.Background(), game.PhaseInvestigation, butler, testContext())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "我一直在厨房。" {
		t.Errorf("Generate = %q, want cleaned line", got)
	}

	if p.CallCount() != 1 {
		t.Fatalf("LLM calls = %d, want 1", p.CallCount())
	}
	req := p.CompleteCalls[0].Req
	if req.Temperature != 0.5 || req.MaxTokens != 120 {
		t.Errorf("request sampling = %v/%d, want 0.5/120", req.Temperature, req.MaxTokens)
	}
	for _, want := range []string{"管家", "在府上服务三十年", "我当晚偷偷进过书房", "老爷（死者）", "雾都疑案"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(req.Messages))
	}
	user := req.Messages[0].Content
	for _, want := range []string{"调查环节", "带血的手帕", "侦探: 管家，你昨晚在哪里？"} {
		if !strings.Contains(user, want) {
			t.Errorf("turn prompt missing %q", want)
		}
	}
}

func TestLLMGenerator_Errors(t *testing.T) {
	t.Parallel()

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("rate limited")
		gen := agent.NewLLMGenerator(&llmmock.Provider{CompleteErr: boom})
		_, err := gen.Generate(context.Background(), game.PhaseDiscussion, game.Character{Name: "侦探"}, agent.GenerationContext{})
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped provider error", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{}
		gen := agent.NewLLMGenerator(p)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := gen.Generate(ctx, game.PhaseDiscussion, game.Character{Name: "侦探"}, agent.GenerationContext{})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if p.CallCount() != 0 {
			t.Error("LLM called with cancelled context")
		}
	})

	t.Run("nil response", func(t *testing.T) {
		t.Parallel()
		gen := agent.NewLLMGenerator(&llmmock.Provider{})
		got, err := gen.Generate(context.Background(), game.PhaseDiscussion, game.Character{Name: "侦探"}, agent.GenerationContext{})
		if err != nil || got != "" {
			t.Errorf("Generate = %q, %v; want empty line", got, err)
		}
	})
}

func TestCleanUtterance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"我不知道。", "我不知道。"},
		{"  侦探：凶手就在我们之中 ", "凶手就在我们之中"},
		{"侦探: \"快说实话\"", "快说实话"},
		{"“我看见了”", "我看见了"},
		{"秘书：我在书房", "秘书：我在书房"},
		{"   ", ""},
	}
	for _, tc := range tests {
		if got := agent.CleanUtterance(tc.in, "侦探"); got != tc.want {
			t.Errorf("CleanUtterance(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatTurnPrompt_PhaseInstructions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase game.Phase
		want  string
	}{
		{game.PhaseIntroduction, "自我介绍"},
		{game.PhaseEvidenceCollection, "搜证"},
		{game.PhaseInvestigation, "调查"},
		{game.PhaseDiscussion, "自由讨论"},
		{game.PhaseVoting, "投票"},
	}
	for _, tc := range tests {
		t.Run(tc.phase.String(), func(t *testing.T) {
			t.Parallel()
			got := agent.FormatTurnPrompt(tc.phase, game.Character{Name: "侦探"}, agent.GenerationContext{})
			if !strings.Contains(got, tc.want) {
				t.Errorf("prompt %q missing %q", got, tc.want)
			}
			if strings.Contains(got, "最近的发言") {
				t.Error("empty chat should omit the chat section")
			}
		})
	}
}

func TestFormatSystemPrompt_Murderer(t *testing.T) {
	t.Parallel()
	got := agent.FormatSystemPrompt(game.Character{Name: "秘书", IsMurderer: true}, agent.GenerationContext{})
	if !strings.Contains(got, "你就是凶手") {
		t.Error("murderer prompt missing instruction")
	}
	if strings.Contains(got, "案件背景") || strings.Contains(got, "你的秘密") {
		t.Error("empty sections should be omitted")
	}
}

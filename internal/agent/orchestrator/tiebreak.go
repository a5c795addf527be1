package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

var errNoLLM = errors.New("orchestrator: no llm configured")

const tiebreakSystemPrompt = "你是剧本杀游戏的主持人，负责安排下一位发言的角色。只回答一个角色名字，不要解释。"

// nameTrim is stripped from both ends of an LLM answer before matching.
const nameTrim = " \t\r\n\"'`“”‘’「」『』《》【】[]()（）。，,.!！?？:：;；*"

// llmSelect asks the LLM to name the next speaker. Any answer that is not
// exactly an eligible name is reported as [ErrInvalidSelection].
func (s *Selector) llmSelect(ctx context.Context, eligible []game.Character, recentChat []game.ChatMessage, freq map[string]int) (game.Character, error) {
	if s.llm == nil {
		return game.Character{}, errNoLLM
	}

	req := llm.CompletionRequest{
		SystemPrompt: tiebreakSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: FormatTiebreakPrompt(eligible, recentChat, freq)},
		},
		Temperature: 0.3,
		MaxTokens:   20,
	}

	var resp *llm.CompletionResponse
	err := s.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.llmTimeout)
		defer cancel()
		start := time.Now()
		var err error
		resp, err = s.llm.Complete(cctx, req)
		s.recordLLMDuration(ctx, start)
		return err
	})
	if err != nil {
		return game.Character{}, fmt.Errorf("orchestrator: llm tie-break: %w", err)
	}
	if resp == nil {
		return game.Character{}, fmt.Errorf("%w: empty response", ErrInvalidSelection)
	}

	if c, ok := matchSelection(resp.Content, eligible); ok {
		return c, nil
	}
	return game.Character{}, fmt.Errorf("%w: %q", ErrInvalidSelection, resp.Content)
}

// matchSelection maps a raw LLM answer to an eligible character.
func matchSelection(answer string, eligible []game.Character) (game.Character, bool) {
	name := strings.Trim(answer, nameTrim)
	for _, c := range eligible {
		if c.Name == name {
			return c, true
		}
	}
	return game.Character{}, false
}

// FormatTiebreakPrompt lists candidates, the last few chat lines and the
// fairness counter.
func FormatTiebreakPrompt(eligible []game.Character, recentChat []game.ChatMessage, freq map[string]int) string {
	var sb strings.Builder

	sb.WriteString("可选角色：")
	sb.WriteString(strings.Join(game.Names(eligible), "、"))

	if n := len(recentChat); n > 0 {
		sb.WriteString("\n\n最近的对话：\n")
		for _, m := range recentChat[max(0, n-game.RecentChatSize):] {
			fmt.Fprintf(&sb, "%s: %s\n", m.Character, m.Message)
		}
	}

	sb.WriteString("\n本阶段发言次数：\n")
	names := game.Names(eligible)
	sort.SliceStable(names, func(i, j int) bool { return freq[names[i]] < freq[names[j]] })
	for _, name := range names {
		fmt.Fprintf(&sb, "%s: %d\n", name, freq[name])
	}

	sb.WriteString("\n请根据对话内容判断谁最应该接着发言（被提问的人优先，发言少的人优先），只回答名字。")
	return sb.String()
}
